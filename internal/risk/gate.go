package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
)

// GateConfig holds the admissibility limits.
type GateConfig struct {
	EnabledVenues        []string
	MaxConsecutiveLosses int
	DailyVolumeLimit     decimal.Decimal
	MaxPerTrade          decimal.Decimal // max quantity per trade
	MinQty               domain.VenueMinQty
}

// Gate is the stateless admissibility check over the shared Metrics
// aggregate. Checks run in fixed, short-circuiting order; on allow, the sized
// notional is committed against the daily budget atomically, so bursts of
// near-simultaneous opportunities can never overspend the limit.
type Gate struct {
	cfg     GateConfig
	metrics *Metrics
	enabled atomic.Bool
	venues  map[string]bool
	alerter domain.Alerter
	logger  *slog.Logger
}

// NewGate creates a Gate over metrics. Trading starts enabled.
func NewGate(cfg GateConfig, metrics *Metrics, alerter domain.Alerter, logger *slog.Logger) *Gate {
	venues := make(map[string]bool, len(cfg.EnabledVenues))
	for _, v := range cfg.EnabledVenues {
		venues[v] = true
	}
	g := &Gate{
		cfg:     cfg,
		metrics: metrics,
		venues:  venues,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "risk_gate")),
	}
	g.enabled.Store(true)
	return g
}

// SetEnabled flips the global trading switch.
func (g *Gate) SetEnabled(on bool) { g.enabled.Store(on) }

// Assess runs the ordered checks against one opportunity and, when allowed,
// commits the sized notional to the daily budget. Safe for concurrent use.
func (g *Gate) Assess(ctx context.Context, opp domain.Opportunity) domain.RiskDecision {
	d := g.assess(opp, true)
	if !d.Allowed {
		g.logger.Info("opportunity blocked",
			slog.String("opportunity_id", opp.ID),
			slog.String("reason", d.Reason),
		)
		if g.alerter != nil {
			g.alerter.Alert(ctx, domain.NewAlert(domain.AlertRiskBlock, domain.SeverityWarning, map[string]string{
				"opportunity_id": opp.ID,
				"reason":         d.Reason,
			}))
		}
	}
	return d
}

// WhatIf runs the same ordered checks as Assess for a hypothetical trade
// without committing anything to the daily budget or raising alerts. Useful
// for manual dry-run checks from an operator console.
func (g *Gate) WhatIf(buyVenue, sellVenue string, price, quantity decimal.Decimal) domain.RiskDecision {
	return g.assess(domain.Opportunity{
		BuyVenue:  buyVenue,
		SellVenue: sellVenue,
		BuyPrice:  price,
		Quantity:  quantity,
	}, false)
}

func (g *Gate) assess(opp domain.Opportunity, commit bool) domain.RiskDecision {
	decision := domain.RiskDecision{
		OpportunityID: opp.ID,
		DecidedAt:     time.Now().UTC(),
	}

	// 1. Global trading switch.
	if !g.enabled.Load() {
		decision.Reason = "trading disabled by operator"
		return decision
	}

	// 2. Venue enablement.
	if !g.venues[opp.BuyVenue] {
		decision.Reason = fmt.Sprintf("buy venue %s not whitelisted", opp.BuyVenue)
		return decision
	}
	if !g.venues[opp.SellVenue] {
		decision.Reason = fmt.Sprintf("sell venue %s not whitelisted", opp.SellVenue)
		return decision
	}

	// Checks 3-5 read and commit shared state atomically.
	m := g.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(decision.DecidedAt)

	// 3. Consecutive-loss circuit breaker. Requires manual reset.
	if g.cfg.MaxConsecutiveLosses > 0 && m.consecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		decision.Reason = fmt.Sprintf("consecutive-loss breaker tripped (%d losses, limit %d); manual reset required",
			m.consecutiveLosses, g.cfg.MaxConsecutiveLosses)
		decision.RiskScore = 100
		return decision
	}

	// 4. Daily volume budget.
	remaining := g.cfg.DailyVolumeLimit.Sub(m.dailyVolume)
	if !remaining.IsPositive() {
		decision.Reason = fmt.Sprintf("daily volume budget exhausted (%s of %s used)",
			m.dailyVolume, g.cfg.DailyVolumeLimit)
		return decision
	}

	// 5. Position sizing.
	sized := opp.Quantity
	if budgetQty := remaining.Div(opp.BuyPrice); budgetQty.LessThan(sized) {
		sized = budgetQty
	}
	if g.cfg.MaxPerTrade.IsPositive() && g.cfg.MaxPerTrade.LessThan(sized) {
		sized = g.cfg.MaxPerTrade
	}
	if min := g.minQtyFor(opp); sized.LessThan(min) {
		decision.Reason = fmt.Sprintf("sized quantity %s below venue minimum %s", sized, min)
		return decision
	}

	notional := sized.Mul(opp.BuyPrice)
	if commit {
		m.dailyVolume = m.dailyVolume.Add(notional)
	}

	decision.Allowed = true
	decision.SuggestedQuantity = sized
	decision.RiskScore = g.scoreLocked(opp)
	decision.Reason = fmt.Sprintf("allowed: qty %s (notional %s), %s budget remaining, score %.0f",
		sized, notional, g.cfg.DailyVolumeLimit.Sub(m.dailyVolume), decision.RiskScore)
	return decision
}

func (g *Gate) minQtyFor(opp domain.Opportunity) decimal.Decimal {
	min := decimal.Zero
	if v, ok := g.cfg.MinQty[opp.BuyVenue]; ok && v.GreaterThan(min) {
		min = v
	}
	if v, ok := g.cfg.MinQty[opp.SellVenue]; ok && v.GreaterThan(min) {
		min = v
	}
	return min
}

// scoreLocked computes the advisory risk score, 0 safest to 100 riskiest.
// Weighted: counterparty reliability 50%, trade recency 25%, current loss
// streak 25%. It explains a decision; it never blocks one. Caller holds
// metrics.mu.
func (g *Gate) scoreLocked(opp domain.Opportunity) float64 {
	m := g.metrics

	reliability := 0.0 // unknown counterparty scores mid-range
	samples := 0
	for _, venue := range []string{opp.BuyVenue, opp.SellVenue} {
		cp, ok := m.counterparties[venue]
		if !ok || cp.Trades == 0 {
			reliability += 50
			samples++
			continue
		}
		reliability += 100 * float64(cp.Losses) / float64(cp.Trades)
		samples++
	}
	reliability /= float64(samples)

	recency := 100.0 // no recent trades on either venue is risky
	for _, venue := range []string{opp.BuyVenue, opp.SellVenue} {
		if cp, ok := m.counterparties[venue]; ok && !cp.LastTradeAt.IsZero() {
			age := time.Since(cp.LastTradeAt)
			if score := float64(age) / float64(24*time.Hour) * 100; score < recency {
				recency = score
			}
		}
	}
	if recency > 100 {
		recency = 100
	}

	streak := 0.0
	if g.cfg.MaxConsecutiveLosses > 0 {
		streak = 100 * float64(m.consecutiveLosses) / float64(g.cfg.MaxConsecutiveLosses)
	}

	score := 0.5*reliability + 0.25*recency + 0.25*streak
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}
