// Package detect evaluates every ordered venue pair on each aggregator change
// event and emits opportunities that clear the configured profit and ROI
// thresholds.
package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/calc"
	"github.com/mzulkifli/arbot/internal/domain"
)

// QuoteTable is the read side of the aggregator.
type QuoteTable interface {
	Latest(venue string) (domain.Quote, bool)
}

// Config holds the detector thresholds.
type Config struct {
	Pair              string
	Venues            []string
	ReferenceQuantity decimal.Decimal
	MinProfit         decimal.Decimal
	MinROIPercent     decimal.Decimal
	PairCooldown      time.Duration
	Fees              domain.VenueFees
	MinQty            domain.VenueMinQty
}

// Detector turns quote changes into opportunities. Cooldowns are tracked per
// ordered (buy, sell) venue pair with a sliding timestamp map, independent of
// the absolute-price alert cooldown in this package's PriceAlerter.
type Detector struct {
	cfg     Config
	table   QuoteTable
	out     chan domain.Opportunity
	alerter domain.Alerter
	logger  *slog.Logger

	mu       sync.Mutex
	lastEmit map[string]time.Time
	now      func() time.Time
}

// New creates a Detector reading latest quotes from table. alerter may be nil.
func New(cfg Config, table QuoteTable, alerter domain.Alerter, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		table:    table,
		out:      make(chan domain.Opportunity, 32),
		alerter:  alerter,
		logger:   logger.With(slog.String("component", "detector")),
		lastEmit: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Opportunities is the output stream consumed by the risk gate.
func (d *Detector) Opportunities() <-chan domain.Opportunity { return d.out }

// Run consumes aggregator change events until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, events <-chan domain.Quote) error {
	d.logger.Info("detector started", slog.Int("venues", len(d.cfg.Venues)))
	defer d.logger.Info("detector stopped")
	defer close(d.out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q, ok := <-events:
			if !ok {
				return nil
			}
			for _, opp := range d.Evaluate(q.Venue) {
				select {
				case d.out <- opp:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Evaluate checks every ordered venue pair involving changed and returns the
// opportunities that clear the thresholds and the pair cooldown. Exposed for
// the synchronous what-if path and tests.
func (d *Detector) Evaluate(changed string) []domain.Opportunity {
	var opps []domain.Opportunity
	for _, buy := range d.cfg.Venues {
		for _, sell := range d.cfg.Venues {
			if buy == sell {
				continue
			}
			// Only pairs touching the changed venue can have moved.
			if changed != "" && buy != changed && sell != changed {
				continue
			}
			if opp, ok := d.evaluatePair(buy, sell); ok {
				opps = append(opps, opp)
			}
		}
	}
	return opps
}

func (d *Detector) evaluatePair(buyVenue, sellVenue string) (domain.Opportunity, bool) {
	buyQ, ok := d.table.Latest(buyVenue)
	if !ok {
		return domain.Opportunity{}, false
	}
	sellQ, ok := d.table.Latest(sellVenue)
	if !ok {
		return domain.Opportunity{}, false
	}

	out, err := calc.Compute(calc.Input{
		BuyVenue:  buyVenue,
		SellVenue: sellVenue,
		BuyPrice:  buyQ.Ask,
		SellPrice: sellQ.Bid,
		Quantity:  d.cfg.ReferenceQuantity,
		Fees:      d.cfg.Fees,
		MinQty:    d.cfg.MinQty,
	})
	if err != nil {
		d.logger.Debug("pair evaluation failed",
			slog.String("buy", buyVenue), slog.String("sell", sellVenue),
			slog.String("error", err.Error()))
		return domain.Opportunity{}, false
	}

	if out.NetProfit.LessThan(d.cfg.MinProfit) || !out.NetProfit.IsPositive() {
		return domain.Opportunity{}, false
	}
	if out.ROIPercent.LessThan(d.cfg.MinROIPercent) {
		return domain.Opportunity{}, false
	}
	if !out.MeetsMinQuantity {
		return domain.Opportunity{}, false
	}

	key := buyVenue + "->" + sellVenue
	now := d.now()
	d.mu.Lock()
	if last, seen := d.lastEmit[key]; seen && now.Sub(last) < d.cfg.PairCooldown {
		d.mu.Unlock()
		return domain.Opportunity{}, false
	}
	d.lastEmit[key] = now
	d.mu.Unlock()

	opp := domain.Opportunity{
		ID:               uuid.New().String(),
		Pair:             d.cfg.Pair,
		BuyVenue:         buyVenue,
		SellVenue:        sellVenue,
		BuyPrice:         buyQ.Ask,
		SellPrice:        sellQ.Bid,
		Quantity:         d.cfg.ReferenceQuantity,
		Fees:             out.Fees,
		NetProfit:        out.NetProfit,
		ROIPercent:       out.ROIPercent,
		MeetsMinQuantity: out.MeetsMinQuantity,
		DetectedAt:       now.UTC(),
	}

	d.logger.Info("opportunity detected",
		slog.String("buy", buyVenue),
		slog.String("sell", sellVenue),
		slog.String("net_profit", opp.NetProfit.String()),
		slog.String("roi_pct", opp.ROIPercent.StringFixed(3)),
	)
	if d.alerter != nil {
		d.alerter.Alert(context.Background(), domain.NewAlert(domain.AlertOpportunityFound, domain.SeverityInfo, map[string]string{
			"opportunity_id": opp.ID,
			"buy_venue":      buyVenue,
			"sell_venue":     sellVenue,
			"net_profit":     opp.NetProfit.String(),
			"roi_pct":        opp.ROIPercent.StringFixed(3),
		}))
	}
	return opp, true
}
