package evm

import (
	"errors"
	"time"
)

// Config tunes how an Adapter talks to its provider.
type Config struct {
	// CallTimeout bounds every single RPC call.
	CallTimeout time.Duration
	// RequestsPerSecond paces HTTP calls. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// FetchConcurrency is the number of blocks of a range fetched in parallel.
	FetchConcurrency int
	Retry            RetryConfig

	// MaxReconnects is the number of consecutive failed subscription attempts
	// tolerated before the subscription ends with a fatal error.
	MaxReconnects       int
	ReconnectInterval   time.Duration
	ReconnectMaxBackoff time.Duration
	// HeadBuffer is the capacity of the new-heads channel.
	HeadBuffer int
}

// RetryConfig bounds retries of a single block fetch. Rate-limited calls use
// their own, longer schedule.
type RetryConfig struct {
	MaxAttempts              uint
	InitialInterval          time.Duration
	MaxInterval              time.Duration
	RateLimitInitialInterval time.Duration
	RateLimitMaxInterval     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:         15 * time.Second,
		RequestsPerSecond:   0,
		Burst:               1,
		FetchConcurrency:    1,
		MaxReconnects:       10,
		ReconnectInterval:   time.Second,
		ReconnectMaxBackoff: 30 * time.Second,
		HeadBuffer:          64,
		Retry: RetryConfig{
			MaxAttempts:              8,
			InitialInterval:          250 * time.Millisecond,
			MaxInterval:              10 * time.Second,
			RateLimitInitialInterval: time.Second,
			RateLimitMaxInterval:     time.Minute,
		},
	}
}

// Validate rejects configurations that would retry or block forever.
func (c Config) Validate() error {
	var errs []error
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call timeout must be positive"))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, errors.New("fetch concurrency must be at least 1"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry max attempts must be at least 1"))
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs = append(errs, errors.New("retry intervals must be positive and max >= initial"))
	}
	if c.Retry.RateLimitInitialInterval <= 0 || c.Retry.RateLimitMaxInterval < c.Retry.RateLimitInitialInterval {
		errs = append(errs, errors.New("rate limit intervals must be positive and max >= initial"))
	}
	if c.MaxReconnects < 0 {
		errs = append(errs, errors.New("max reconnects must not be negative"))
	}
	if c.ReconnectInterval <= 0 || c.ReconnectMaxBackoff < c.ReconnectInterval {
		errs = append(errs, errors.New("reconnect intervals must be positive and max >= initial"))
	}
	return errors.Join(errs...)
}
