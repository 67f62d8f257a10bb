// Package retry provides the bounded exponential-backoff policy used at every
// external I/O boundary. One policy value is shared per component; there is no
// ad hoc retry logic elsewhere.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes a bounded retry schedule. The zero value is unusable; use
// DefaultPolicy or construct explicitly.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay randomized, 0..1
}

// DefaultPolicy suits network calls: 3 attempts, 200ms base, doubling, capped
// at 5s with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable; Do stops immediately and returns the
// underlying error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do invokes fn until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is done. The last error is returned on
// exhaustion.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.withJitter(delay)); err != nil {
			return err
		}
		delay = p.nextDelay(delay)
	}
	return lastErr
}

func (p Policy) nextDelay(current time.Duration) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	next := time.Duration(float64(current) * mult)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

func (p Policy) withJitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter
	return time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
