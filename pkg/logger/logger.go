// Package logger builds the process-wide zerolog instance the quantdesk
// binaries share. Services derive their own loggers from it with
// log.With().Str("component", ...), so the root carries only the level,
// the clock and the caller.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects verbosity and output format.
type Config struct {
	Level  string // trace, debug, info, warn, error; empty means info
	Pretty bool   // human console output for dev runs, JSON otherwise
}

// New builds the root logger. The level is applied globally so component
// loggers derived from the root inherit it.
func New(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.CallerMarshalFunc = shortCaller

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).With().Timestamp().Caller().Logger()
}

// SetGlobalLogger routes the zerolog/log package helpers through l, so
// anything logging before it owns a component logger lands in the same
// sink as the rest of the process.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}

// Nop returns a disabled logger for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// parseLevel maps a configured level name onto zerolog's levels. An
// unrecognised name runs at info rather than failing startup over a
// typo in LOG_LEVEL.
func parseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// shortCaller trims the caller to pkg/file.go:line so JSON lines stay
// readable without the module path prefix.
func shortCaller(_ uintptr, file string, line int) string {
	return filepath.Base(filepath.Dir(file)) + "/" + filepath.Base(file) + ":" + strconv.Itoa(line)
}
