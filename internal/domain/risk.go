package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskDecision is the risk gate's deterministic verdict on one opportunity.
// RiskScore is advisory only; it explains the decision but never blocks by
// itself. Every decision, allowed or not, carries a human-readable reason.
type RiskDecision struct {
	OpportunityID     string
	Allowed           bool
	Reason            string
	RiskScore         float64 // 0 (safest) .. 100 (riskiest)
	SuggestedQuantity decimal.Decimal
	DecidedAt         time.Time
}

// CounterpartyStats tracks per-venue outcome history feeding the advisory
// risk score.
type CounterpartyStats struct {
	Venue       string
	Trades      int
	Wins        int
	Losses      int
	LastTradeAt time.Time
}

// MetricsSnapshot is a read-only copy of the process-wide risk aggregate.
type MetricsSnapshot struct {
	DailyVolume       decimal.Decimal
	DailyPnL          decimal.Decimal
	ConsecutiveLosses int
	CurrentExposure   decimal.Decimal
	AvailableCapital  decimal.Decimal
	Counterparties    map[string]CounterpartyStats
	Day               time.Time
}
