package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a fee-and-tax-adjusted spread between a purchase venue and a
// sale venue that cleared the detector's thresholds. It is created once by
// the detector, consumed once by the risk gate, then archived.
type Opportunity struct {
	ID               string
	Pair             string
	BuyVenue         string
	SellVenue        string
	BuyPrice         decimal.Decimal // ask on the buy venue
	SellPrice        decimal.Decimal // bid on the sell venue
	Quantity         decimal.Decimal
	Fees             FeeBreakdown
	NetProfit        decimal.Decimal
	ROIPercent       decimal.Decimal
	MeetsMinQuantity bool
	DetectedAt       time.Time
}

// PairKey identifies the ordered (buy venue, sell venue) pair, used for
// cooldown bookkeeping.
func (o Opportunity) PairKey() string {
	return o.BuyVenue + "->" + o.SellVenue
}
