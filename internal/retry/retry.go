// Package retry provides the bounded retry helper shared by both store
// layers. SQLite can report busy/locked under concurrent access even with
// WAL and a busy_timeout; a handful of short, linearly growing sleeps
// eliminates the spurious failures without hiding real contention.
package retry

import (
	"context"
	"time"
)

// Config bounds a retry loop. Attempts counts total executions, not
// re-executions; BaseDelay grows linearly (1x, 2x, 3x...) between them.
type Config struct {
	Attempts  int
	BaseDelay time.Duration
	// Retryable decides whether an error is worth another attempt.
	// A nil predicate retries everything.
	Retryable func(error) bool
}

// DefaultConfig matches the store layers' contention profile: up to five
// attempts with 50ms linear backoff.
func DefaultConfig(retryable func(error) bool) Config {
	return Config{Attempts: 5, BaseDelay: 50 * time.Millisecond, Retryable: retryable}
}

// Do runs fn until it succeeds, exhausts cfg.Attempts, hits a
// non-retryable error, or ctx is cancelled. The last error is returned
// unwrapped so callers can inspect it.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	var last error
	for i := 0; i < cfg.Attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn()
		if last == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(last) {
			return last
		}
		if i == cfg.Attempts-1 {
			break
		}
		select {
		case <-time.After(cfg.BaseDelay * time.Duration(i+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return last
}
