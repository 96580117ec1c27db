// Package domain defines the core types shared across the arbitrage bot:
// quotes, opportunities, risk decisions, executions, maker orders, alert
// events, and the interfaces through which the core talks to venues, caches,
// and stores.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one venue's latest bid/ask for the traded pair. Quotes are
// immutable; a newer quote for the same venue supersedes the old one in the
// aggregator's table, it never mutates it.
type Quote struct {
	Venue      string
	Pair       string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	ObservedAt time.Time
}

// Mid returns the bid/ask midpoint.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Validate rejects quotes that cannot be priced against.
func (q Quote) Validate() error {
	if q.Venue == "" || q.Pair == "" {
		return fmt.Errorf("quote missing venue or pair: %w", ErrInvalidInput)
	}
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return fmt.Errorf("quote %s non-positive price: %w", q.Venue, ErrInvalidInput)
	}
	if q.ObservedAt.IsZero() {
		return fmt.Errorf("quote %s missing timestamp: %w", q.Venue, ErrInvalidInput)
	}
	return nil
}
