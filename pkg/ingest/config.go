package ingest

import (
	"errors"
	"time"

	"github.com/ava-labs/evm-ingestor/pkg/cursor"
)

// Config tunes a Driver.
type Config struct {
	// BatchSize is the number of blocks requested per FetchRange call.
	BatchSize uint64
	// Lag keeps the backfill target this many blocks behind the head. The
	// live stream delivers the rest.
	Lag uint64
	// MaxConsecutiveFailures failed cycles without progress make the
	// driver terminal.
	MaxConsecutiveFailures int
	RetryInterval          time.Duration
	MaxRetryInterval       time.Duration
	// LagCheckInterval enables the lag watchdog when positive. MaxLag is
	// the head distance above which it warns.
	LagCheckInterval time.Duration
	MaxLag           uint64
	// ShutdownGrace bounds how long the fetch or block in progress at
	// shutdown may take to finish.
	ShutdownGrace time.Duration
	Cursor        cursor.Config
}

func DefaultConfig() Config {
	return Config{
		BatchSize:              100,
		Lag:                    1,
		MaxConsecutiveFailures: 5,
		RetryInterval:          time.Second,
		MaxRetryInterval:       30 * time.Second,
		LagCheckInterval:       time.Minute,
		MaxLag:                 100,
		ShutdownGrace:          30 * time.Second,
		Cursor:                 cursor.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.BatchSize == 0 {
		errs = append(errs, errors.New("batch size must be greater than 0"))
	}
	if c.MaxConsecutiveFailures <= 0 {
		errs = append(errs, errors.New("max consecutive failures must be greater than 0"))
	}
	if c.RetryInterval <= 0 || c.MaxRetryInterval < c.RetryInterval {
		errs = append(errs, errors.New("retry intervals must be positive and max >= initial"))
	}
	if c.LagCheckInterval < 0 {
		errs = append(errs, errors.New("lag check interval must not be negative"))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("shutdown grace must be positive"))
	}
	if c.Cursor.WriteTimeout <= 0 {
		errs = append(errs, errors.New("cursor write timeout must be positive"))
	}
	if c.Cursor.MaxRetries < 0 {
		errs = append(errs, errors.New("cursor max retries must not be negative"))
	}
	return errors.Join(errs...)
}
