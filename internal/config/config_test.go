package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("QUANT_DATA_DIR", t.TempDir())

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join(cfg.DataDir, "quantdesk.db"), cfg.DBPath)
	assert.InDelta(t, 0.03, cfg.Backtest.RiskFreeRate, 1e-12)
	assert.Equal(t, 4, cfg.Provider.DownloadWorkers)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUANT_DATA_DIR", t.TempDir())
	t.Setenv("QUANT_PORT", "9001")
	t.Setenv("RISK_FREE_RATE", "0.025")
	t.Setenv("PROVIDER_RATE_LIMIT", "2.5")
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Port)
	assert.InDelta(t, 0.025, cfg.Backtest.RiskFreeRate, 1e-12)
	assert.InDelta(t, 2.5, cfg.Provider.RequestsPerSecond, 1e-12)
	assert.True(t, cfg.DevMode)
}

func TestLoad_BackupRequiresBucket(t *testing.T) {
	t.Setenv("QUANT_DATA_DIR", t.TempDir())
	t.Setenv("BACKUP_ENABLED", "true")
	t.Setenv("BACKUP_S3_BUCKET", "")

	_, err := Load()

	assert.Error(t, err, "enabling backups without a bucket should fail validation")
}

func TestCommissionSchedule_Fallback(t *testing.T) {
	t.Setenv("QUANT_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	v1 := cfg.CommissionSchedule("v1")
	v2 := cfg.CommissionSchedule("v2")
	unknown := cfg.CommissionSchedule("v9")

	assert.Equal(t, v1, unknown, "unknown schedule name should fall back to v1")
	assert.Less(t, v2.StampTaxRate, v1.StampTaxRate, "v2 models the halved stamp tax")
}
