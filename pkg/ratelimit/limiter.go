// Package ratelimit paces provider calls with a token bucket per chain.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

var errNoToken = errors.New("rate: cannot reserve token")

// Limiter wraps a token-bucket rate limiter for RPC calls.
// A nil *Limiter never blocks.
type Limiter struct {
	limiter *rate.Limiter
	onWait  func(time.Duration)
}

// New creates a limiter that allows rps requests per second with a burst of
// burst requests. A non-positive rps disables limiting.
func New(rps float64, burst int, onWait func(time.Duration)) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		onWait:  onWait,
	}
}

// Wait blocks until the limiter allows one call or ctx is done.
// Exactly one token is consumed per successful call.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	r := l.limiter.Reserve()
	if !r.OK() {
		return errNoToken
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	if l.onWait != nil {
		l.onWait(delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
