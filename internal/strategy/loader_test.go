package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/pkg/logger"
)

const validStrategy = `
name: etf_trend
symbols: ["159915.SZ", "510300.SH"]
start_date: "2023-01-01"
end_date: "2024-01-01"
benchmark: "510300.SH"
select_buy:
  - "trend_score(close, 25) > 0.1"
select_sell:
  - "trend_score(close, 25) < 0"
order_by_signal: "trend_score(close, 25)"
order_by_top_k: 2
period: weekly
`

func writeStrategy(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "etf_trend.yaml", validStrategy)

	tasks, failures, err := NewLoader(dir, logger.Nop()).Load()

	require.NoError(t, err)
	require.Empty(t, failures)
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, "etf_trend", task.Name)
	assert.Equal(t, domain.AdjustForward, task.Adjust, "adjust defaults to the forward series")
	assert.Equal(t, domain.WeighEqually, task.Weight)
	assert.Equal(t, 1, task.SellAtLeastCount)
	assert.Equal(t, 1_000_000.0, task.InitialCapital)
	assert.True(t, task.RankDescending())
}

func TestLoad_BrokenExpressionFailsOnlyThatFile(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "good.yaml", validStrategy)
	writeStrategy(t, dir, "bad.yaml", `
name: broken
start_date: "2023-01-01"
end_date: "2024-01-01"
select_buy:
  - "not_an_operator(close, 5) > 0"
`)

	tasks, failures, err := NewLoader(dir, logger.Nop()).Load()

	require.NoError(t, err)
	require.Len(t, tasks, 1, "the good strategy still loads")
	assert.Equal(t, "etf_trend", tasks[0].Name)
	require.Len(t, failures, 1)
	assert.Equal(t, "bad.yaml", failures[0].File)
	assert.True(t, domain.IsCode(failures[0].Err, domain.ErrCodeStrategyCompile))
}

func TestLoad_UnknownYAMLKeyRejected(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "typo.yaml", `
name: typo
start_date: "2023-01-01"
end_date: "2024-01-01"
order_by_topk: 3
`)

	tasks, failures, err := NewLoader(dir, logger.Nop()).Load()

	require.NoError(t, err)
	assert.Empty(t, tasks)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Err.Error(), "field order_by_topk not found")
}

func TestLoad_DuplicateNamesRejected(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "a.yaml", validStrategy)
	writeStrategy(t, dir, "b.yaml", validStrategy)

	tasks, failures, err := NewLoader(dir, logger.Nop()).Load()

	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, "b.yaml", failures[0].File, "files load in name order, so the second copy loses")
}

func TestLoad_MultiDocumentFile(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "pair.yaml", validStrategy+`
---
name: second
start_date: "2023-01-01"
end_date: "2024-01-01"
select_buy:
  - "close > ma(close, 20)"
`)

	tasks, failures, err := NewLoader(dir, logger.Nop()).Load()

	require.NoError(t, err)
	require.Empty(t, failures)
	require.Len(t, tasks, 2)
	assert.Equal(t, "etf_trend", tasks[0].Name, "tasks come back sorted by name")
	assert.Equal(t, "second", tasks[1].Name)
}

func TestLoad_StructuralValidation(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "bad_count.yaml", `
name: bad_count
start_date: "2023-01-01"
end_date: "2024-01-01"
select_buy:
  - "close > 0"
buy_at_least_count: 3
`)

	tasks, failures, err := NewLoader(dir, logger.Nop()).Load()

	require.NoError(t, err)
	assert.Empty(t, tasks)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Err.Error(), "buy_at_least_count")
}

func TestLoad_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "etf_trend.yaml", validStrategy)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# notes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".draft.yaml"), []byte("name: x"), 0o644))

	tasks, failures, err := NewLoader(dir, logger.Nop()).Load()

	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Len(t, tasks, 1)
}

func TestLoad_MissingDirectory(t *testing.T) {
	_, _, err := NewLoader(filepath.Join(t.TempDir(), "nope"), logger.Nop()).Load()

	assert.Error(t, err)
}
