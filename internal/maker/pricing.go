package maker

import "github.com/shopspring/decimal"

// PricingContext carries the market view a strategy prices against.
type PricingContext struct {
	// BestCompetitor is the lowest competing sell price currently visible on
	// the venue; HasCompetitor is false when the book side is empty or no
	// quote has arrived yet.
	BestCompetitor decimal.Decimal
	HasCompetitor  bool

	// ExpiryStreak counts consecutive expiries without a fill across the
	// whole order set. A growing streak means the current price is not
	// filling.
	ExpiryStreak int
}

// PricingStrategy decides the posting price for a new or relisted order.
type PricingStrategy interface {
	Price(pc PricingContext) decimal.Decimal
}

// FixedTarget always posts at the same price, ignoring the book.
type FixedTarget struct {
	Target decimal.Decimal
}

func (f FixedTarget) Price(PricingContext) decimal.Decimal { return f.Target }

// Undercut posts just below the best competing sell price. Each consecutive
// expiry widens the offset by WidenStep, trading margin for fill probability,
// but the price never drops below Floor. With no competitor visible it falls
// back to Fallback.
type Undercut struct {
	Offset    decimal.Decimal
	WidenStep decimal.Decimal
	Floor     decimal.Decimal
	Fallback  decimal.Decimal
}

func (u Undercut) Price(pc PricingContext) decimal.Decimal {
	if !pc.HasCompetitor {
		if u.Fallback.GreaterThan(u.Floor) {
			return u.Fallback
		}
		return u.Floor
	}
	offset := u.Offset
	if pc.ExpiryStreak > 0 && u.WidenStep.IsPositive() {
		offset = offset.Add(u.WidenStep.Mul(decimal.NewFromInt(int64(pc.ExpiryStreak))))
	}
	price := pc.BestCompetitor.Sub(offset)
	if price.LessThan(u.Floor) {
		return u.Floor
	}
	return price
}
