// Package retry provides the one shared backoff/retry utility used by the
// connection supervisors, execution-engine leg calls, and the maker lifecycle
// manager, replacing per-caller ad hoc retry loops.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/mzulkifli/arbot/internal/domain"
)

// Policy configures bounded exponential backoff with jitter.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for the backoff curve
	Jitter      float64       // fraction of the delay randomized, 0..1
}

// DefaultPolicy matches the venue-call defaults: 3 attempts, 500ms base,
// 10s cap, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: 0.2}
}

// Permanent wraps an error so Do stops retrying immediately.
type Permanent struct{ Err error }

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Stop marks err as non-retryable.
func Stop(err error) error { return Permanent{Err: err} }

// Do runs fn up to p.MaxAttempts times, sleeping Delay(attempt) between
// tries. Venue business rejections are never retried blindly; wrap them with
// Stop. Returns the last error when attempts are exhausted.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(attempt)):
			}
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		var perm Permanent
		if errors.As(last, &perm) {
			return perm.Err
		}
		if ctx.Err() != nil {
			return last
		}
	}
	return last
}

// Delay computes the backoff for the given attempt number (1-based for the
// first retry), exponential with jitter, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		span := float64(d) * p.Jitter
		d = time.Duration(float64(d) - span/2 + rand.Float64()*span)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Breaker is a consecutive-failure circuit. After Threshold failures it opens
// for OpenFor; calls during the open window fail fast with ErrBreakerOpen.
// Safe for concurrent use.
type Breaker struct {
	Threshold int
	OpenFor   time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return true
	}
	if time.Since(b.openedAt) >= b.OpenFor {
		// Half-open: let one call through, the outcome decides.
		b.openedAt = time.Time{}
		b.failures = b.Threshold - 1
		return true
	}
	return false
}

// Record feeds a call outcome into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		b.openedAt = time.Time{}
		return
	}
	b.failures++
	if b.Threshold > 0 && b.failures >= b.Threshold {
		b.openedAt = time.Now()
	}
}

// Call combines Allow and Record around fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return domain.ErrBreakerOpen
	}
	err := fn(ctx)
	b.Record(err)
	return err
}
