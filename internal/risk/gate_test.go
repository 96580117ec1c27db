package risk

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzulkifli/arbot/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newGate(t *testing.T, cfg GateConfig) (*Gate, *Metrics) {
	t.Helper()
	if len(cfg.EnabledVenues) == 0 {
		cfg.EnabledVenues = []string{"luno", "remitano"}
	}
	if cfg.MaxConsecutiveLosses == 0 {
		cfg.MaxConsecutiveLosses = 3
	}
	if cfg.DailyVolumeLimit.IsZero() {
		cfg.DailyVolumeLimit = dec("100000")
	}
	m := NewMetrics(dec("100000"), 0, discard())
	return NewGate(cfg, m, nil, discard()), m
}

func opp(qty, buyPrice string) domain.Opportunity {
	return domain.Opportunity{
		ID:        uuid.New().String(),
		BuyVenue:  "luno",
		SellVenue: "remitano",
		BuyPrice:  dec(buyPrice),
		SellPrice: dec(buyPrice).Add(dec("2")),
		Quantity:  dec(qty),
		NetProfit: dec("50"),
	}
}

func terminal(state domain.ExecutionState) domain.Execution {
	return domain.Execution{
		ID:      uuid.New().String(),
		BuyLeg:  domain.Leg{Venue: "luno"},
		SellLeg: domain.Leg{Venue: "remitano"},
		State:   state,
		EndedAt: time.Now().UTC(),
	}
}

func TestGate_AllowsWithinLimits(t *testing.T) {
	g, _ := newGate(t, GateConfig{})
	d := g.Assess(context.Background(), opp("10", "100"))
	require.True(t, d.Allowed, d.Reason)
	assert.True(t, d.SuggestedQuantity.Equal(dec("10")))
	assert.NotEmpty(t, d.Reason)
	assert.GreaterOrEqual(t, d.RiskScore, 0.0)
	assert.LessOrEqual(t, d.RiskScore, 100.0)
}

func TestGate_TradingDisabled(t *testing.T) {
	g, _ := newGate(t, GateConfig{})
	g.SetEnabled(false)
	d := g.Assess(context.Background(), opp("10", "100"))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "disabled")
}

func TestGate_VenueWhitelist(t *testing.T) {
	g, _ := newGate(t, GateConfig{EnabledVenues: []string{"luno"}})
	d := g.Assess(context.Background(), opp("10", "100"))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "remitano")
}

func TestGate_ConsecutiveLossBreaker(t *testing.T) {
	g, m := newGate(t, GateConfig{MaxConsecutiveLosses: 3})

	// Three executions end with negative profit.
	for i := 0; i < 3; i++ {
		m.ApplyOutcome(terminal(domain.ExecCompleted), dec("-5"))
	}

	// A fourth, profitable opportunity must be blocked citing the breaker.
	d := g.Assess(context.Background(), opp("10", "100"))
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "consecutive-loss breaker")
	assert.Contains(t, d.Reason, "manual reset")

	// Manual reset reopens the gate.
	m.ResetBreaker()
	d = g.Assess(context.Background(), opp("10", "100"))
	assert.True(t, d.Allowed, d.Reason)
}

func TestGate_WinResetsStreak(t *testing.T) {
	_, m := newGate(t, GateConfig{})
	m.ApplyOutcome(terminal(domain.ExecFailed), decimal.Zero)
	m.ApplyOutcome(terminal(domain.ExecCompleted), dec("-1"))
	assert.Equal(t, 2, m.Snapshot().ConsecutiveLosses)

	m.ApplyOutcome(terminal(domain.ExecCompleted), dec("3"))
	assert.Equal(t, 0, m.Snapshot().ConsecutiveLosses)
}

func TestGate_DailyBudgetNeverExceeded(t *testing.T) {
	limit := dec("10000")
	g, m := newGate(t, GateConfig{DailyVolumeLimit: limit})

	// Burst of near-simultaneous opportunities, each wanting 30*100 = 3000.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Assess(context.Background(), opp("30", "100"))
		}()
	}
	wg.Wait()

	assert.True(t, m.Snapshot().DailyVolume.LessThanOrEqual(limit),
		"admitted volume %s exceeds limit %s", m.Snapshot().DailyVolume, limit)
}

func TestGate_SizesDownToRemainingBudget(t *testing.T) {
	g, _ := newGate(t, GateConfig{DailyVolumeLimit: dec("1500")})

	d := g.Assess(context.Background(), opp("10", "100")) // wants 1000
	require.True(t, d.Allowed, d.Reason)

	// 500 budget left: request for 10 is sized down to 5.
	d = g.Assess(context.Background(), opp("10", "100"))
	require.True(t, d.Allowed, d.Reason)
	assert.True(t, d.SuggestedQuantity.Equal(dec("5")), "got %s", d.SuggestedQuantity)

	// Budget now exhausted.
	d = g.Assess(context.Background(), opp("10", "100"))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "budget")
}

func TestGate_MaxPerTradeCap(t *testing.T) {
	g, _ := newGate(t, GateConfig{MaxPerTrade: dec("4")})
	d := g.Assess(context.Background(), opp("10", "100"))
	require.True(t, d.Allowed, d.Reason)
	assert.True(t, d.SuggestedQuantity.Equal(dec("4")))
}

func TestGate_BlocksBelowVenueMinimum(t *testing.T) {
	g, _ := newGate(t, GateConfig{
		DailyVolumeLimit: dec("300"),
		MinQty:           domain.VenueMinQty{"remitano": dec("5")},
	})
	// Budget allows only 3 units at price 100, below the venue minimum of 5.
	d := g.Assess(context.Background(), opp("10", "100"))
	assert.False(t, d.Allowed)
	assert.Contains(t, strings.ToLower(d.Reason), "minimum")
}

func TestGate_WhatIfDoesNotConsumeBudget(t *testing.T) {
	g, m := newGate(t, GateConfig{DailyVolumeLimit: dec("1000")})

	d := g.WhatIf("luno", "remitano", dec("100"), dec("5"))
	require.True(t, d.Allowed)
	assert.True(t, d.SuggestedQuantity.Equal(dec("5")))
	assert.True(t, m.Snapshot().DailyVolume.IsZero(), "dry run must not commit volume")

	// The same trade for real still fits the untouched budget.
	real := g.Assess(context.Background(), opp("5", "100"))
	require.True(t, real.Allowed)
	assert.True(t, m.Snapshot().DailyVolume.Equal(dec("500")))
}

func TestGate_WhatIfStillBlocks(t *testing.T) {
	g, _ := newGate(t, GateConfig{})
	g.SetEnabled(false)

	d := g.WhatIf("luno", "remitano", dec("100"), dec("1"))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "disabled")
}
