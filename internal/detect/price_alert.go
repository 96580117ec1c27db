package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
)

// PriceAlertConfig defines absolute price triggers per venue. These alerts
// are operational notices only and keep a cooldown of their own, separate
// from the detector's per-pair cooldown.
type PriceAlertConfig struct {
	AboveAsk map[string]decimal.Decimal // venue -> threshold: alert when ask rises above
	BelowBid map[string]decimal.Decimal // venue -> threshold: alert when bid falls below
	Cooldown time.Duration
}

// PriceAlerter watches aggregator events for absolute threshold crossings.
type PriceAlerter struct {
	cfg     PriceAlertConfig
	alerter domain.Alerter
	logger  *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewPriceAlerter creates a PriceAlerter.
func NewPriceAlerter(cfg PriceAlertConfig, alerter domain.Alerter, logger *slog.Logger) *PriceAlerter {
	return &PriceAlerter{
		cfg:     cfg,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "price_alerter")),
		last:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// Observe inspects one quote and fires any due alerts.
func (p *PriceAlerter) Observe(ctx context.Context, q domain.Quote) {
	if th, ok := p.cfg.AboveAsk[q.Venue]; ok && q.Ask.GreaterThan(th) {
		p.fire(ctx, q.Venue+":above", q, "ask_above", th)
	}
	if th, ok := p.cfg.BelowBid[q.Venue]; ok && q.Bid.LessThan(th) {
		p.fire(ctx, q.Venue+":below", q, "bid_below", th)
	}
}

func (p *PriceAlerter) fire(ctx context.Context, key string, q domain.Quote, kind string, threshold decimal.Decimal) {
	now := p.now()
	p.mu.Lock()
	if last, ok := p.last[key]; ok && now.Sub(last) < p.cfg.Cooldown {
		p.mu.Unlock()
		return
	}
	p.last[key] = now
	p.mu.Unlock()

	p.logger.Info("price alert", slog.String("venue", q.Venue), slog.String("kind", kind))
	if p.alerter != nil {
		p.alerter.Alert(ctx, domain.NewAlert(domain.AlertPriceThreshold, domain.SeverityInfo, map[string]string{
			"kind":      kind,
			"venue":     q.Venue,
			"bid":       q.Bid.String(),
			"ask":       q.Ask.String(),
			"threshold": threshold.String(),
		}))
	}
}
