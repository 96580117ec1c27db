// Package calc implements the pure profit calculator. It performs no I/O and
// keeps no state; all monetary arithmetic uses decimal fixed point, and
// rounding happens only at display boundaries, never between steps.
package calc

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Input is one buy/sell pairing to be priced.
type Input struct {
	BuyVenue  string
	SellVenue string
	BuyPrice  decimal.Decimal // ask on the buy venue
	SellPrice decimal.Decimal // bid on the sell venue
	Quantity  decimal.Decimal
	Fees      domain.VenueFees
	MinQty    domain.VenueMinQty
}

// Breakdown is the itemized result. Invariant:
// NetProfit = GrossSpread*Quantity − Fees.Total, exactly, at decimal precision.
type Breakdown struct {
	GrossSpread      decimal.Decimal // per-unit spread
	GrossProfit      decimal.Decimal // spread * quantity
	Investment       decimal.Decimal // buy cost + buy-side fees
	Fees             domain.FeeBreakdown
	NetProfit        decimal.Decimal
	ROIPercent       decimal.Decimal
	MeetsMinQuantity bool
}

// Compute prices a two-leg trade. The buy venue contributes its taker fee on
// the buy notional plus its flat withdrawal cost (the asset has to move to
// the sell venue); the sell venue contributes its taker fee and the
// transaction tax, both on sell proceeds.
func Compute(in Input) (Breakdown, error) {
	if !in.BuyPrice.IsPositive() {
		return Breakdown{}, fmt.Errorf("calc: buy price %s: %w", in.BuyPrice, domain.ErrInvalidInput)
	}
	if !in.SellPrice.IsPositive() {
		return Breakdown{}, fmt.Errorf("calc: sell price %s: %w", in.SellPrice, domain.ErrInvalidInput)
	}
	if !in.Quantity.IsPositive() {
		return Breakdown{}, fmt.Errorf("calc: quantity %s: %w", in.Quantity, domain.ErrInvalidInput)
	}

	buyFees := in.Fees[in.BuyVenue]
	sellFees := in.Fees[in.SellVenue]

	buyCost := in.BuyPrice.Mul(in.Quantity)
	sellProceeds := in.SellPrice.Mul(in.Quantity)

	fees := domain.FeeBreakdown{
		BuyFee:   buyCost.Mul(buyFees.TakerFeePct).Div(hundred),
		SellFee:  sellProceeds.Mul(sellFees.TakerFeePct).Div(hundred),
		SellTax:  sellProceeds.Mul(sellFees.SellTaxPct).Div(hundred),
		Withdraw: buyFees.WithdrawFlat,
	}
	fees.Total = fees.BuyFee.Add(fees.SellFee).Add(fees.SellTax).Add(fees.Withdraw)

	spread := in.SellPrice.Sub(in.BuyPrice)
	gross := spread.Mul(in.Quantity)
	net := gross.Sub(fees.Total)
	investment := buyCost.Add(fees.BuyFee).Add(fees.Withdraw)

	roi := decimal.Zero
	if investment.IsPositive() {
		roi = net.Div(investment).Mul(hundred)
	}

	return Breakdown{
		GrossSpread:      spread,
		GrossProfit:      gross,
		Investment:       investment,
		Fees:             fees,
		NetProfit:        net,
		ROIPercent:       roi,
		MeetsMinQuantity: meetsMin(in),
	}, nil
}

// ComputeRealized re-prices an execution from its filled leg prices, so
// actual profit reflects slippage rather than the detected quote.
func ComputeRealized(exec domain.Execution, fees domain.VenueFees, minQty domain.VenueMinQty) (Breakdown, error) {
	return Compute(Input{
		BuyVenue:  exec.BuyLeg.Venue,
		SellVenue: exec.SellLeg.Venue,
		BuyPrice:  exec.BuyLeg.FilledPrice,
		SellPrice: exec.SellLeg.FilledPrice,
		Quantity:  exec.BuyLeg.Quantity,
		Fees:      fees,
		MinQty:    minQty,
	})
}

func meetsMin(in Input) bool {
	if min, ok := in.MinQty[in.BuyVenue]; ok && in.Quantity.LessThan(min) {
		return false
	}
	if min, ok := in.MinQty[in.SellVenue]; ok && in.Quantity.LessThan(min) {
		return false
	}
	return true
}
