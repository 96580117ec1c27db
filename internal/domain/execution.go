package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionState is the two-leg trade state machine position.
type ExecutionState string

const (
	ExecPending         ExecutionState = "pending"
	ExecBuyInFlight     ExecutionState = "buy_in_flight"
	ExecBuySettled      ExecutionState = "buy_settled"
	ExecSellInFlight    ExecutionState = "sell_in_flight"
	ExecCompleted       ExecutionState = "completed"
	ExecPartiallyFilled ExecutionState = "partially_filled"
	ExecFailed          ExecutionState = "failed"
	ExecCancelled       ExecutionState = "cancelled"
)

// Terminal reports whether the state is final. Terminal states are immutable
// once reached.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecCompleted, ExecPartiallyFilled, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// LegSide is one side of a two-leg trade.
type LegSide string

const (
	LegBuy  LegSide = "buy"
	LegSell LegSide = "sell"
)

// Leg records one side of an execution: what we intended against what the
// venue actually filled.
type Leg struct {
	Venue         string
	Side          LegSide
	OrderID       string
	ExpectedPrice decimal.Decimal
	FilledPrice   decimal.Decimal
	Quantity      decimal.Decimal
	Fee           decimal.Decimal
	SubmittedAt   time.Time
	SettledAt     time.Time
	Err           string
}

// Execution is one two-leg arbitrage trade. It is exclusively owned by the
// execution engine for its lifetime.
type Execution struct {
	ID             string
	OpportunityID  string
	Pair           string
	BuyLeg         Leg
	SellLeg        Leg
	State          ExecutionState
	ExpectedProfit decimal.Decimal
	ActualProfit   decimal.Decimal
	FailReason     string
	StartedAt      time.Time
	EndedAt        time.Time
}
