// Package execute drives admitted opportunities through the two-leg trade
// state machine: buy on one venue, sell on another, with well-defined failure
// states. The one hazard that gets special treatment is the sell leg failing
// after the buy leg settled: inventory is then held and must never be lost
// track of.
package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/calc"
	"github.com/mzulkifli/arbot/internal/domain"
	"github.com/mzulkifli/arbot/internal/retry"
	"github.com/mzulkifli/arbot/internal/risk"
)

// Config tunes the engine.
type Config struct {
	CallTimeout  time.Duration // bound on every outbound venue call
	SellLegRetry retry.Policy  // small bounded retry for the sell leg
	BuyLegRetry  retry.Policy
	Fees         domain.VenueFees
	MinQty       domain.VenueMinQty
}

// Engine owns every Execution for its lifetime. Terminal transitions update
// RiskMetrics exactly once and are immutable once reached.
type Engine struct {
	cfg     Config
	venues  map[string]domain.VenueClient
	metrics *risk.Metrics
	store   domain.ExecutionStore
	alerter domain.Alerter
	logger  *slog.Logger

	mu     sync.Mutex
	live   map[string]*liveExecution
	events chan domain.Execution
}

type liveExecution struct {
	exec         domain.Execution
	cancelled    bool
	buySubmitted bool
}

// NewEngine creates an Engine. store may be nil (paper/monitor modes).
func NewEngine(cfg Config, venues map[string]domain.VenueClient, metrics *risk.Metrics, store domain.ExecutionStore, alerter domain.Alerter, logger *slog.Logger) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.SellLegRetry.MaxAttempts == 0 {
		cfg.SellLegRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.2}
	}
	if cfg.BuyLegRetry.MaxAttempts == 0 {
		cfg.BuyLegRetry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: 0.2}
	}
	return &Engine{
		cfg:     cfg,
		venues:  venues,
		metrics: metrics,
		store:   store,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "execution_engine")),
		live:    make(map[string]*liveExecution),
		events:  make(chan domain.Execution, 64),
	}
}

// Events streams every state change for outward subscribers. Best effort: a
// slow consumer misses events rather than stalling the engine.
func (e *Engine) Events() <-chan domain.Execution { return e.events }

// Get returns a copy of an execution owned by the engine.
func (e *Engine) Get(id string) (domain.Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	le, ok := e.live[id]
	if !ok {
		return domain.Execution{}, false
	}
	return le.exec, true
}

// Cancel aborts an execution, allowed only before the buy leg has been
// submitted. Once submitted, only failure or completion outcomes exist.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	le, ok := e.live[id]
	if !ok {
		return domain.ErrNotFound
	}
	if le.buySubmitted || le.exec.State.Terminal() {
		return domain.ErrNotCancellable
	}
	le.cancelled = true
	return nil
}

// Execute runs one admitted opportunity to a terminal state. The quantity
// comes from the risk decision, not the raw opportunity.
func (e *Engine) Execute(ctx context.Context, opp domain.Opportunity, decision domain.RiskDecision) domain.Execution {
	qty := decision.SuggestedQuantity
	expected := opp.NetProfit
	if !qty.Equal(opp.Quantity) {
		if out, err := calc.Compute(calc.Input{
			BuyVenue: opp.BuyVenue, SellVenue: opp.SellVenue,
			BuyPrice: opp.BuyPrice, SellPrice: opp.SellPrice,
			Quantity: qty, Fees: e.cfg.Fees, MinQty: e.cfg.MinQty,
		}); err == nil {
			expected = out.NetProfit
		}
	}

	exec := domain.Execution{
		ID:             uuid.New().String(),
		OpportunityID:  opp.ID,
		Pair:           opp.Pair,
		BuyLeg:         domain.Leg{Venue: opp.BuyVenue, Side: domain.LegBuy, ExpectedPrice: opp.BuyPrice, Quantity: qty},
		SellLeg:        domain.Leg{Venue: opp.SellVenue, Side: domain.LegSell, ExpectedPrice: opp.SellPrice, Quantity: qty},
		State:          domain.ExecPending,
		ExpectedProfit: expected,
		StartedAt:      time.Now().UTC(),
	}

	e.mu.Lock()
	e.live[exec.ID] = &liveExecution{exec: exec}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Create(ctx, exec); err != nil {
			e.logger.Warn("execution log create failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
		}
	}

	log := e.logger.With(
		slog.String("execution_id", exec.ID),
		slog.String("buy_venue", exec.BuyLeg.Venue),
		slog.String("sell_venue", exec.SellLeg.Venue),
	)
	log.Info("execution started", slog.String("quantity", qty.String()))
	e.publish(exec)

	return e.run(ctx, exec.ID, log)
}

func (e *Engine) run(ctx context.Context, id string, log *slog.Logger) domain.Execution {
	// Pre-submission cancellation window.
	e.mu.Lock()
	le := e.live[id]
	if le.cancelled {
		e.mu.Unlock()
		return e.finish(ctx, id, domain.ExecCancelled, decimal.Zero, "cancelled before buy submission", log)
	}
	le.buySubmitted = true
	e.mu.Unlock()

	exec := le.exec

	// ── Buy leg ──
	e.setState(ctx, id, domain.ExecBuyInFlight, log)
	buyVenue := e.venues[exec.BuyLeg.Venue]
	handle, err := e.placeLeg(ctx, buyVenue, domain.LegBuy, exec.BuyLeg.ExpectedPrice, exec.BuyLeg.Quantity, e.cfg.BuyLegRetry)
	if err != nil {
		// No exposure change: nothing settled.
		log.Error("buy leg failed", slog.String("error", err.Error()))
		e.updateLeg(id, domain.LegBuy, domain.OrderHandle{}, err)
		return e.finish(ctx, id, domain.ExecFailed, decimal.Zero, fmt.Sprintf("buy leg: %v", err), log)
	}
	e.updateLeg(id, domain.LegBuy, handle, nil)
	e.setState(ctx, id, domain.ExecBuySettled, log)

	// Inventory is now held; exposure tracked until a terminal state.
	notional := handle.Price.Mul(handle.Quantity)
	e.metrics.ReserveExposure(id, notional)

	// ── Sell leg ──
	e.setState(ctx, id, domain.ExecSellInFlight, log)
	sellVenue := e.venues[exec.SellLeg.Venue]
	sellHandle, err := e.placeLeg(ctx, sellVenue, domain.LegSell, exec.SellLeg.ExpectedPrice, handle.Quantity, e.cfg.SellLegRetry)
	if err != nil {
		// The critical hazard: buy settled, sell failed. Halt automatic
		// attempts beyond the bounded retry above and raise an alert.
		log.Error("sell leg failed after buy settled", slog.String("error", err.Error()))
		e.updateLeg(id, domain.LegSell, domain.OrderHandle{}, err)
		fin := e.finish(ctx, id, domain.ExecPartiallyFilled, decimal.Zero, fmt.Sprintf("sell leg: %v", err), log)
		return fin
	}
	e.updateLeg(id, domain.LegSell, sellHandle, nil)

	// ── Completed: recompute profit from realized prices ──
	profit := decimal.Zero
	e.mu.Lock()
	final := e.live[id].exec
	e.mu.Unlock()
	if out, cerr := calc.ComputeRealized(final, e.cfg.Fees, e.cfg.MinQty); cerr == nil {
		profit = out.NetProfit
	} else {
		log.Warn("realized profit computation failed", slog.String("error", cerr.Error()))
	}
	return e.finish(ctx, id, domain.ExecCompleted, profit, "", log)
}

// placeLeg submits one order with a bounded per-call timeout and the given
// retry policy. Venue business rejections are not retried.
func (e *Engine) placeLeg(ctx context.Context, venue domain.VenueClient, side domain.LegSide, price, qty decimal.Decimal, policy retry.Policy) (domain.OrderHandle, error) {
	if venue == nil {
		return domain.OrderHandle{}, fmt.Errorf("execute: no client for venue: %w", domain.ErrNotFound)
	}
	var handle domain.OrderHandle
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		h, err := venue.PlaceOrder(callCtx, side, price, qty)
		if err != nil {
			if errors.Is(err, domain.ErrVenueRejected) || errors.Is(err, domain.ErrInsufficientBalance) {
				return retry.Stop(err)
			}
			return err
		}
		handle = h
		return nil
	})
	return handle, err
}

func (e *Engine) updateLeg(id string, side domain.LegSide, handle domain.OrderHandle, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	le := e.live[id]
	leg := &le.exec.BuyLeg
	if side == domain.LegSell {
		leg = &le.exec.SellLeg
	}
	if err != nil {
		leg.Err = err.Error()
		return
	}
	leg.OrderID = handle.OrderID
	leg.FilledPrice = handle.Price
	leg.Quantity = handle.Quantity
	leg.SubmittedAt = handle.PostedAt
	leg.SettledAt = time.Now().UTC()
}

func (e *Engine) setState(ctx context.Context, id string, state domain.ExecutionState, log *slog.Logger) {
	e.mu.Lock()
	le := e.live[id]
	le.exec.State = state
	snapshot := le.exec
	e.mu.Unlock()

	log.Debug("state transition", slog.String("state", string(state)))
	e.publish(snapshot)
	if e.store != nil {
		if err := e.store.UpdateState(ctx, snapshot); err != nil {
			log.Warn("execution log update failed", slog.String("error", err.Error()))
		}
	}
}

// finish applies the terminal transition exactly once: risk metrics, the
// execution log, the event stream, and alerting.
func (e *Engine) finish(ctx context.Context, id string, state domain.ExecutionState, profit decimal.Decimal, reason string, log *slog.Logger) domain.Execution {
	e.mu.Lock()
	le := e.live[id]
	if le.exec.State.Terminal() {
		snapshot := le.exec
		e.mu.Unlock()
		return snapshot
	}
	le.exec.State = state
	le.exec.ActualProfit = profit
	le.exec.FailReason = reason
	le.exec.EndedAt = time.Now().UTC()
	snapshot := le.exec
	e.mu.Unlock()

	e.metrics.ApplyOutcome(snapshot, profit)
	e.publish(snapshot)
	if e.store != nil {
		if err := e.store.UpdateState(ctx, snapshot); err != nil {
			log.Warn("execution log update failed", slog.String("error", err.Error()))
		}
	}

	switch state {
	case domain.ExecCompleted:
		log.Info("execution completed",
			slog.String("expected_profit", snapshot.ExpectedProfit.String()),
			slog.String("actual_profit", profit.String()),
		)
		e.alert(ctx, domain.AlertExecutionCompleted, domain.SeverityInfo, snapshot)
	case domain.ExecPartiallyFilled:
		log.Error("execution partially filled, inventory held", slog.String("reason", reason))
		e.alert(ctx, domain.AlertPartialFill, domain.SeverityCritical, snapshot)
	case domain.ExecFailed:
		log.Warn("execution failed", slog.String("reason", reason))
		e.alert(ctx, domain.AlertExecutionFailed, domain.SeverityWarning, snapshot)
	case domain.ExecCancelled:
		log.Info("execution cancelled")
	}
	return snapshot
}

func (e *Engine) alert(ctx context.Context, t domain.AlertType, sev domain.AlertSeverity, exec domain.Execution) {
	if e.alerter == nil {
		return
	}
	e.alerter.Alert(ctx, domain.NewAlert(t, sev, map[string]string{
		"execution_id":   exec.ID,
		"opportunity_id": exec.OpportunityID,
		"state":          string(exec.State),
		"buy_venue":      exec.BuyLeg.Venue,
		"sell_venue":     exec.SellLeg.Venue,
		"actual_profit":  exec.ActualProfit.String(),
		"reason":         exec.FailReason,
	}))
}

func (e *Engine) publish(exec domain.Execution) {
	select {
	case e.events <- exec:
	default:
	}
}
