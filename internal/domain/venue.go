package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderHandle identifies a resting or working order on a venue.
type OrderHandle struct {
	Venue    string
	OrderID  string
	Side     LegSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
	PostedAt time.Time
}

// Balance is a venue account balance for one asset.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// VenueClient is the adapter interface every venue is normalized to,
// regardless of whether the underlying transport streams, polls, or drives a
// browser. The core never depends on a venue's wire protocol.
//
// Placement failures are distinguished through the error taxonomy:
// ErrInsufficientBalance, ErrVenueRejected, or a transport error.
type VenueClient interface {
	Name() string

	// StreamQuotes opens a restartable quote sequence for the pair. The
	// returned channel is closed when the stream ends; callers re-open it to
	// resume.
	StreamQuotes(ctx context.Context, pair string) (<-chan Quote, error)

	PlaceOrder(ctx context.Context, side LegSide, price, quantity decimal.Decimal) (OrderHandle, error)
	CancelOrder(ctx context.Context, handle OrderHandle) error
	GetOpenOrders(ctx context.Context) ([]OrderHandle, error)
	GetBalance(ctx context.Context, asset string) (Balance, error)
}

// QuotePoller is the degraded-mode price source a connection supervisor falls
// back to after exhausting reconnect attempts, so price flow degrades rather
// than stops.
type QuotePoller interface {
	PollQuote(ctx context.Context, pair string) (Quote, error)
}
