package database

import (
	"context"
	"strings"
	"time"
)

const (
	retryAttempts = 3
	retryBaseWait = 1 * time.Second
)

// IsTransient reports whether an error looks like a recoverable SQLite
// condition (lock contention, busy writer) rather than a schema or data bug.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}

// WithRetry runs fn up to three times with exponential backoff (1s, 2s)
// when it fails with a transient I/O error. Non-transient errors and
// context cancellation surface immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	wait := retryBaseWait

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}

	return err
}
