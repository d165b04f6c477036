package cursor

import (
	"context"
	"fmt"
	"time"
)

type Config struct {
	WriteTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Persist writes c to store, retrying failed writes. An empty cursor is not
// written. Context cancellation returns the context error.
func Persist(ctx context.Context, store Store, cfg Config, c Cursor) error {
	last, ok := c.Last()
	if !ok {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		writeCtx, cancel := context.WithTimeout(ctx, cfg.WriteTimeout)
		lastErr = store.Write(writeCtx, c.Chain(), last)
		cancel()
		if lastErr == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Don't sleep after the last attempt
		if attempt < cfg.MaxRetries {
			t := time.NewTimer(cfg.RetryBackoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed to write cursor %s after %d attempts: %w", c, cfg.MaxRetries+1, lastErr)
}
