package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStore is the delegated append-only execution/trade log, keyed by
// execution ID. The core writes to it; it never reads it back on the decision
// path.
type ExecutionStore interface {
	Create(ctx context.Context, exec Execution) error
	UpdateState(ctx context.Context, exec Execution) error
	GetByID(ctx context.Context, id string) (Execution, error)
	// ListEndedBefore returns terminal executions that ended before cutoff,
	// oldest first, for archival.
	ListEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Execution, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

// DailyRollup is one day's aggregate outcome.
type DailyRollup struct {
	Day      time.Time
	Trades   int
	Wins     int
	Losses   int
	Volume   decimal.Decimal
	NetPnL   decimal.Decimal
	FeesPaid decimal.Decimal
}

// RollupStore persists daily aggregates.
type RollupStore interface {
	UpsertDaily(ctx context.Context, rollup DailyRollup) error
	GetDay(ctx context.Context, day time.Time) (DailyRollup, error)
}

// QuoteCache mirrors the aggregator's latest accepted quote per venue for
// external consumers (dashboards, what-if tooling). Writes are best effort.
type QuoteCache interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, venue, pair string) (Quote, error)
}

// EventBus publishes structured events to external subscribers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Archiver moves aged execution-log rows into long-term storage.
type Archiver interface {
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error)
}
