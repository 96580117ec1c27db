package domain

import "github.com/shopspring/decimal"

// FeeSchedule describes what a venue charges per trade. Percentages are
// plain percent values (0.25 means 0.25%), not fractions.
type FeeSchedule struct {
	TakerFeePct  decimal.Decimal // charged on the buy notional
	WithdrawFlat decimal.Decimal // flat network/withdrawal cost per trade
	SellTaxPct   decimal.Decimal // transaction tax on sell proceeds
}

// FeeBreakdown itemizes every cost of a two-leg trade. The components always
// sum to Total at decimal precision; the calculator guarantees it.
type FeeBreakdown struct {
	BuyFee   decimal.Decimal
	SellFee  decimal.Decimal
	SellTax  decimal.Decimal
	Withdraw decimal.Decimal
	Total    decimal.Decimal
}

// VenueFees maps venue name to its fee schedule.
type VenueFees map[string]FeeSchedule

// VenueMinQty maps venue name to its minimum tradable quantity.
type VenueMinQty map[string]decimal.Decimal
