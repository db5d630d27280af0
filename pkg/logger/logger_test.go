package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"WARN":    zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for name, want := range cases {
		assert.Equal(t, want, parseLevel(name), "level %q", name)
	}
}

func TestShortCallerTrimsModulePath(t *testing.T) {
	got := shortCaller(0, "/home/x/go/src/quantdesk/internal/signal/service.go", 42)
	assert.Equal(t, "signal/service.go:42", got)
}

func TestNewAppliesConfiguredLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	l := New(Config{Level: "warn"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.NotEqual(t, zerolog.Disabled, l.GetLevel())
}

func TestNopIsDisabled(t *testing.T) {
	assert.Equal(t, zerolog.Disabled, Nop().GetLevel())
}
