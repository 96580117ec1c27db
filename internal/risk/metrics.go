// Package risk owns the process-wide RiskMetrics aggregate and the stateless
// gate that decides whether an opportunity may trade. RiskMetrics is the one
// piece of genuinely shared mutable state in the system; every mutation flows
// through this package's narrow API behind a single mutex, and no lock is
// ever held across I/O.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
)

// Metrics is the mutable risk aggregate. Zero value is not usable; construct
// with NewMetrics.
type Metrics struct {
	mu sync.Mutex

	day               time.Time // start of the current trading day (UTC)
	resetHourUTC      int
	dailyVolume       decimal.Decimal
	dailyPnL          decimal.Decimal
	consecutiveLosses int
	currentExposure   decimal.Decimal
	availableCapital  decimal.Decimal
	counterparties    map[string]*domain.CounterpartyStats

	// applied dedupes terminal notifications per execution id so duplicate
	// completion callbacks never double-count.
	applied map[string]bool
	// reserved tracks live exposure per execution id.
	reserved map[string]decimal.Decimal

	logger *slog.Logger
}

// NewMetrics creates the aggregate with the given starting capital. The daily
// counters reset when the clock crosses resetHourUTC.
func NewMetrics(capital decimal.Decimal, resetHourUTC int, logger *slog.Logger) *Metrics {
	return &Metrics{
		day:              dayStart(time.Now().UTC(), resetHourUTC),
		resetHourUTC:     resetHourUTC,
		availableCapital: capital,
		counterparties:   make(map[string]*domain.CounterpartyStats),
		applied:          make(map[string]bool),
		reserved:         make(map[string]decimal.Decimal),
		logger:           logger.With(slog.String("component", "risk_metrics")),
	}
}

func dayStart(now time.Time, resetHour int) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// rollDayLocked resets the intraday counters when the boundary has passed.
// Caller holds mu.
func (m *Metrics) rollDayLocked(now time.Time) {
	start := dayStart(now.UTC(), m.resetHourUTC)
	if start.After(m.day) {
		m.logger.Info("daily reset",
			slog.String("volume", m.dailyVolume.String()),
			slog.String("pnl", m.dailyPnL.String()),
		)
		m.day = start
		m.dailyVolume = decimal.Zero
		m.dailyPnL = decimal.Zero
	}
}

// ReserveExposure records notional committed to an in-flight execution.
func (m *Metrics) ReserveExposure(execID string, notional decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved[execID] = notional
	m.currentExposure = m.currentExposure.Add(notional)
	m.availableCapital = m.availableCapital.Sub(notional)
}

// ApplyOutcome folds one terminal execution into the aggregate: releases the
// exposure reservation, books PnL and win/loss streaks, and updates
// per-counterparty stats. A second call for the same execution id is a no-op.
func (m *Metrics) ApplyOutcome(exec domain.Execution, profit decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied[exec.ID] {
		m.logger.Warn("duplicate completion ignored", slog.String("execution_id", exec.ID))
		return
	}
	m.applied[exec.ID] = true

	// A partial fill keeps its exposure reservation: inventory is still held
	// and is only released on manual resolution via ReleaseExposure.
	if notional, ok := m.reserved[exec.ID]; ok && exec.State != domain.ExecPartiallyFilled {
		m.currentExposure = m.currentExposure.Sub(notional)
		if m.currentExposure.IsNegative() {
			// Invariant: exposure never goes below zero. A negative value here
			// means corrupted accounting, which is fatal to the process.
			panic(fmt.Sprintf("risk: negative exposure after releasing %s", exec.ID))
		}
		m.availableCapital = m.availableCapital.Add(notional)
		delete(m.reserved, exec.ID)
	}

	// A cancelled execution never submitted an order; releasing its
	// reservation is the only bookkeeping it gets. No money moved, so it is
	// neither a win nor a loss.
	if exec.State == domain.ExecCancelled {
		return
	}

	m.rollDayLocked(time.Now())
	m.dailyPnL = m.dailyPnL.Add(profit)
	m.availableCapital = m.availableCapital.Add(profit)

	win := exec.State == domain.ExecCompleted && profit.IsPositive()
	if win {
		m.consecutiveLosses = 0
	} else {
		m.consecutiveLosses++
	}
	m.recordCounterpartyLocked(exec.BuyLeg.Venue, win, exec.EndedAt)
	m.recordCounterpartyLocked(exec.SellLeg.Venue, win, exec.EndedAt)
}

// ApplyMakerFill books a filled maker order's proceeds as daily volume and PnL.
func (m *Metrics) ApplyMakerFill(orderID, venue string, notional, profit decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied["maker:"+orderID] {
		return
	}
	m.applied["maker:"+orderID] = true
	m.rollDayLocked(time.Now())
	m.dailyVolume = m.dailyVolume.Add(notional)
	m.dailyPnL = m.dailyPnL.Add(profit)
	m.availableCapital = m.availableCapital.Add(profit)
	m.recordCounterpartyLocked(venue, profit.IsPositive(), time.Now().UTC())
}

func (m *Metrics) recordCounterpartyLocked(venue string, win bool, at time.Time) {
	if venue == "" {
		return
	}
	cp, ok := m.counterparties[venue]
	if !ok {
		cp = &domain.CounterpartyStats{Venue: venue}
		m.counterparties[venue] = cp
	}
	cp.Trades++
	if win {
		cp.Wins++
	} else {
		cp.Losses++
	}
	cp.LastTradeAt = at
}

// ReleaseExposure returns a reservation to available capital. Used when a
// partially filled execution is manually resolved.
func (m *Metrics) ReleaseExposure(execID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	notional, ok := m.reserved[execID]
	if !ok {
		return
	}
	m.currentExposure = m.currentExposure.Sub(notional)
	m.availableCapital = m.availableCapital.Add(notional)
	delete(m.reserved, execID)
}

// ResetBreaker clears the consecutive-loss counter. Manual operation only.
func (m *Metrics) ResetBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Info("consecutive-loss breaker manually reset",
		slog.Int("losses", m.consecutiveLosses))
	m.consecutiveLosses = 0
}

// Snapshot returns a read-only copy.
func (m *Metrics) Snapshot() domain.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := make(map[string]domain.CounterpartyStats, len(m.counterparties))
	for v, cp := range m.counterparties {
		cps[v] = *cp
	}
	return domain.MetricsSnapshot{
		DailyVolume:       m.dailyVolume,
		DailyPnL:          m.dailyPnL,
		ConsecutiveLosses: m.consecutiveLosses,
		CurrentExposure:   m.currentExposure,
		AvailableCapital:  m.availableCapital,
		Counterparties:    cps,
		Day:               m.day,
	}
}
