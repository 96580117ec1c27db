// Package aggregate fans quote flow from every connection supervisor into a
// single serialized table of latest quotes per venue and emits change events
// to downstream consumers.
package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
)

// mirrorTimeout caps one cache write so a dead Redis cannot pile up writers.
const mirrorTimeout = 2 * time.Second

// Aggregator owns the venue → latest Quote table. Supervisors submit quotes
// concurrently; a single inbox goroutine applies them, so the table is never
// written concurrently. Out-of-order quotes (ObservedAt not newer than the
// last accepted for that venue) are dropped, never reordered.
type Aggregator struct {
	epsilon decimal.Decimal
	inbox   chan domain.Quote
	events  chan domain.Quote
	cache   domain.QuoteCache
	mirror  chan domain.Quote
	logger  *slog.Logger

	mu      sync.RWMutex
	latest  map[string]domain.Quote
	dropped int64
}

// New creates an Aggregator. epsilon is the minimum bid or ask movement that
// produces a change event, bounding downstream work. cache may be nil.
func New(epsilon decimal.Decimal, cache domain.QuoteCache, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		epsilon: epsilon,
		inbox:   make(chan domain.Quote, 256),
		events:  make(chan domain.Quote, 64),
		cache:   cache,
		mirror:  make(chan domain.Quote, 64),
		logger:  logger.With(slog.String("component", "aggregator")),
		latest:  make(map[string]domain.Quote),
	}
}

// Submit queues a quote for serialization into the table. It never blocks the
// calling supervisor: when the inbox is full the quote is dropped, a newer
// one is already on the way.
func (a *Aggregator) Submit(q domain.Quote) {
	select {
	case a.inbox <- q:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
	}
}

// Events is the change-event stream consumed by the detector and the maker
// lifecycle manager.
func (a *Aggregator) Events() <-chan domain.Quote { return a.events }

// Latest returns the current quote for a venue.
func (a *Aggregator) Latest(venue string) (domain.Quote, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.latest[venue]
	return q, ok
}

// Snapshot returns a copy of the whole table.
func (a *Aggregator) Snapshot() map[string]domain.Quote {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]domain.Quote, len(a.latest))
	for v, q := range a.latest {
		out[v] = q
	}
	return out
}

// DroppedCount reports quotes discarded as stale or on inbox overflow.
func (a *Aggregator) DroppedCount() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dropped
}

// Run drains the inbox until ctx is cancelled. It closes the event stream on
// return.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info("aggregator started")
	defer a.logger.Info("aggregator stopped")
	defer close(a.events)

	if a.cache != nil {
		go a.mirrorLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q := <-a.inbox:
			a.apply(ctx, q)
		}
	}
}

func (a *Aggregator) apply(ctx context.Context, q domain.Quote) {
	if err := q.Validate(); err != nil {
		a.logger.Debug("quote rejected", slog.String("venue", q.Venue), slog.String("error", err.Error()))
		return
	}

	a.mu.Lock()
	prev, had := a.latest[q.Venue]
	if had && !q.ObservedAt.After(prev.ObservedAt) {
		a.dropped++
		a.mu.Unlock()
		return
	}
	a.latest[q.Venue] = q
	a.mu.Unlock()

	if a.cache != nil {
		// Hand off to the mirror goroutine; a slow cache costs at most a
		// skipped mirror write, never a stalled table.
		select {
		case a.mirror <- q:
		default:
		}
	}

	if had && !a.moved(prev, q) {
		return
	}
	select {
	case a.events <- q:
	default:
		a.logger.Debug("event buffer full, change dropped", slog.String("venue", q.Venue))
	}
}

// mirrorLoop drains mirror handoffs into the cache off the inbox goroutine.
func (a *Aggregator) mirrorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-a.mirror:
			wctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
			if err := a.cache.SetQuote(wctx, q); err != nil {
				a.logger.Debug("quote cache write failed", slog.String("venue", q.Venue), slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// moved reports whether bid or ask moved by more than epsilon.
func (a *Aggregator) moved(prev, next domain.Quote) bool {
	if next.Bid.Sub(prev.Bid).Abs().GreaterThan(a.epsilon) {
		return true
	}
	return next.Ask.Sub(prev.Ask).Abs().GreaterThan(a.epsilon)
}
