package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// P2POrderStatus is the lifecycle state of one resting maker order on the
// peer-to-peer venue.
type P2POrderStatus string

const (
	P2PActive    P2POrderStatus = "active"
	P2PFilled    P2POrderStatus = "filled"
	P2PExpired   P2POrderStatus = "expired"
	P2PCancelled P2POrderStatus = "cancelled"
	// P2PInTrade means a counterparty has opened the trade and funds may be
	// escrowed. In-trade orders are never cancelled by the manager; whether
	// the venue auto-releases escrow on cancel is venue-specific and left to
	// manual resolution.
	P2PInTrade P2POrderStatus = "in_trade"
)

// P2POrder is one of the operator's own resting sell orders on the P2P
// marketplace. Mutated only by the lifecycle manager in response to venue
// polling or timers. An expired order may spawn a successor, bounded by the
// relist cap.
type P2POrder struct {
	ID            string
	VenueRef      string // the venue's own order identifier
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Status        P2POrderStatus
	PostedAt      time.Time
	ExpiresAt     time.Time
	RelistCount   int
	PredecessorID string
}

// Expired reports whether the order's time limit has passed at now.
func (o P2POrder) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}
