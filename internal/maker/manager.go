// Package maker maintains the operator's own resting sell orders on the P2P
// marketplace: a polling tick loop that detects fills, expires and relists
// stale orders, and tops the order set up to its cap, plus an out-of-cycle
// reprice path driven by aggregator price events.
package maker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/mzulkifli/arbot/internal/domain"
	"github.com/mzulkifli/arbot/internal/retry"
	"github.com/mzulkifli/arbot/internal/risk"
)

// Config tunes the lifecycle manager.
type Config struct {
	Venue string
	Pair  string
	Asset string // base asset posted for sale, e.g. "XBT"

	MaxOrders  int
	MaxRelists int
	OrderTTL   time.Duration

	OrderQuantity decimal.Decimal
	// MinReserve is the balance floor: no order is posted if doing so would
	// leave less than this available.
	MinReserve decimal.Decimal
	// CostBasis prices the inventory for fill P&L. Zero disables the
	// estimate.
	CostBasis decimal.Decimal
	// RepriceGap is the distance between an order's price and the strategy
	// target beyond which an out-of-cycle cancel-and-repost fires.
	RepriceGap decimal.Decimal

	TickEvery   time.Duration
	CallTimeout time.Duration
	VenueRetry  retry.Policy

	// RatePerSec and RateBurst bound venue calls.
	RatePerSec float64
	RateBurst  int
}

func (c *Config) fillDefaults() {
	if c.MaxOrders <= 0 {
		c.MaxOrders = 1
	}
	if c.OrderTTL <= 0 {
		c.OrderTTL = 30 * time.Minute
	}
	if c.TickEvery <= 0 {
		c.TickEvery = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.VenueRetry.MaxAttempts <= 0 {
		c.VenueRetry = retry.DefaultPolicy()
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 4
	}
}

// Manager owns the P2P order set. All order mutation happens on the Run
// goroutine; the mutex only guards map access for external readers and the
// in-trade marker.
type Manager struct {
	cfg      Config
	venue    domain.VenueClient
	strategy PricingStrategy
	metrics  *risk.Metrics
	alerter  domain.Alerter
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	orders       map[string]*domain.P2POrder
	bestAsk      decimal.Decimal
	hasBestAsk   bool
	expiryStreak int
}

// NewManager creates a lifecycle manager. metrics and alerter may be nil.
func NewManager(cfg Config, venue domain.VenueClient, strategy PricingStrategy, metrics *risk.Metrics, alerter domain.Alerter, logger *slog.Logger) *Manager {
	cfg.fillDefaults()
	return &Manager{
		cfg:      cfg,
		venue:    venue,
		strategy: strategy,
		metrics:  metrics,
		alerter:  alerter,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		logger: logger.With(
			slog.String("component", "maker"),
			slog.String("venue", cfg.Venue),
		),
		now:    func() time.Time { return time.Now().UTC() },
		orders: make(map[string]*domain.P2POrder),
	}
}

// Orders returns a snapshot of the tracked order set.
func (m *Manager) Orders() []domain.P2POrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.P2POrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// MarkInTrade flags an order as taken by a counterparty. In-trade orders are
// never cancelled or repriced; escrowed funds are a manual-resolution matter.
func (m *Manager) MarkInTrade(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status == domain.P2PActive {
		o.Status = domain.P2PInTrade
	}
	return nil
}

// Run reconciles against the venue's actual open orders, then drives the tick
// loop until ctx is cancelled. events feeds out-of-cycle reprices; it may be
// nil.
func (m *Manager) Run(ctx context.Context, events <-chan domain.Quote) error {
	if err := m.reconcile(ctx); err != nil {
		return fmt.Errorf("maker: reconcile: %w", err)
	}

	m.logger.Info("maker started",
		slog.String("pair", m.cfg.Pair),
		slog.Int("max_orders", m.cfg.MaxOrders),
		slog.Int("tracked", len(m.orders)),
	)
	defer m.logger.Info("maker stopped")

	ticker := time.NewTicker(m.cfg.TickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		case q, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.observe(ctx, q)
		}
	}
}

// reconcile rebuilds the tracked set from the venue's open orders rather than
// trusting any in-memory or persisted state. A crash between a cancel and the
// matching repost leaves the venue as the only source of truth.
func (m *Manager) reconcile(ctx context.Context) error {
	var open []domain.OrderHandle
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		open, err = m.venue.GetOpenOrders(ctx)
		return err
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]*domain.P2POrder, len(open))
	for _, h := range open {
		if h.Side != domain.LegSell {
			continue
		}
		id := uuid.New().String()
		m.orders[id] = &domain.P2POrder{
			ID:        id,
			VenueRef:  h.OrderID,
			Price:     h.Price,
			Quantity:  h.Quantity,
			Status:    domain.P2PActive,
			PostedAt:  h.PostedAt,
			ExpiresAt: h.PostedAt.Add(m.cfg.OrderTTL),
		}
	}
	m.logger.Info("reconciled against venue", slog.Int("open_orders", len(m.orders)))
	return nil
}

// tick is one full maintenance pass: fills, expiries and relists, then top-up
// under the reserve floor.
func (m *Manager) tick(ctx context.Context) {
	var open []domain.OrderHandle
	if err := m.call(ctx, func(ctx context.Context) error {
		var err error
		open, err = m.venue.GetOpenOrders(ctx)
		return err
	}); err != nil {
		m.logger.Warn("open orders poll failed, skipping tick", slog.String("error", err.Error()))
		return
	}
	m.applyFills(open)

	var bal domain.Balance
	if err := m.call(ctx, func(ctx context.Context) error {
		var err error
		bal, err = m.venue.GetBalance(ctx, m.cfg.Asset)
		return err
	}); err != nil {
		m.logger.Warn("balance check failed, skipping tick", slog.String("error", err.Error()))
		return
	}

	m.expireAndRelist(ctx)
	m.topUp(ctx, bal.Available)
}

// applyFills marks tracked orders no longer open on the venue as filled and
// feeds the fill into risk metrics exactly once per order.
func (m *Manager) applyFills(open []domain.OrderHandle) {
	openSet := make(map[string]struct{}, len(open))
	for _, h := range open {
		openSet[h.OrderID] = struct{}{}
	}

	var filled []domain.P2POrder
	m.mu.Lock()
	for _, o := range m.orders {
		if o.Status != domain.P2PActive && o.Status != domain.P2PInTrade {
			continue
		}
		if _, stillOpen := openSet[o.VenueRef]; stillOpen {
			continue
		}
		o.Status = domain.P2PFilled
		filled = append(filled, *o)
	}
	if len(filled) > 0 {
		m.expiryStreak = 0
	}
	m.mu.Unlock()

	for _, o := range filled {
		notional := o.Price.Mul(o.Quantity)
		profit := decimal.Zero
		if m.cfg.CostBasis.IsPositive() {
			profit = o.Price.Sub(m.cfg.CostBasis).Mul(o.Quantity)
		}
		if m.metrics != nil {
			m.metrics.ApplyMakerFill(o.ID, m.cfg.Venue, notional, profit)
		}
		m.logger.Info("order filled",
			slog.String("order_id", o.ID),
			slog.String("price", o.Price.String()),
			slog.String("notional", notional.String()),
		)
		m.alert(domain.AlertOrderFilled, domain.SeverityInfo, map[string]string{
			"order_id": o.ID,
			"price":    o.Price.String(),
			"quantity": o.Quantity.String(),
		})
	}
}

// expireAndRelist cancels Active orders past their time limit and posts a
// successor while the relist cap allows.
func (m *Manager) expireAndRelist(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var due []*domain.P2POrder
	for _, o := range m.orders {
		if o.Status == domain.P2PActive && o.Expired(now) {
			due = append(due, o)
		}
	}
	m.mu.Unlock()

	for _, o := range due {
		handle := domain.OrderHandle{Venue: m.cfg.Venue, OrderID: o.VenueRef, Side: domain.LegSell}
		if err := m.call(ctx, func(ctx context.Context) error {
			err := m.venue.CancelOrder(ctx, handle)
			if errors.Is(err, domain.ErrNotFound) {
				// Already gone on the venue; the next fill pass settles it.
				return nil
			}
			return err
		}); err != nil {
			m.logger.Warn("expiry cancel failed, order left unchanged",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			m.alert(domain.AlertMakerHalted, domain.SeverityWarning, map[string]string{
				"op":       "cancel_expired",
				"order_id": o.ID,
				"error":    err.Error(),
			})
			continue
		}

		m.mu.Lock()
		o.Status = domain.P2PExpired
		m.expiryStreak++
		relist := o.RelistCount < m.cfg.MaxRelists
		m.mu.Unlock()

		m.logger.Info("order expired",
			slog.String("order_id", o.ID),
			slog.Int("relist_count", o.RelistCount),
			slog.Bool("relisting", relist),
		)
		m.alert(domain.AlertOrderExpired, domain.SeverityInfo, map[string]string{
			"order_id":     o.ID,
			"relist_count": fmt.Sprintf("%d", o.RelistCount),
		})

		if !relist {
			continue
		}
		succ, err := m.post(ctx, m.targetPrice(), o.Quantity, o.RelistCount+1, o.ID)
		if err != nil {
			continue
		}
		m.alert(domain.AlertOrderRelisted, domain.SeverityInfo, map[string]string{
			"order_id":     succ.ID,
			"predecessor":  o.ID,
			"price":        succ.Price.String(),
			"relist_count": fmt.Sprintf("%d", succ.RelistCount),
		})
	}
}

// topUp posts fresh orders up to MaxOrders, never breaching the reserve
// floor.
func (m *Manager) topUp(ctx context.Context, available decimal.Decimal) {
	for {
		m.mu.Lock()
		active := 0
		for _, o := range m.orders {
			if o.Status == domain.P2PActive || o.Status == domain.P2PInTrade {
				active++
			}
		}
		m.mu.Unlock()

		if active >= m.cfg.MaxOrders {
			return
		}
		if available.Sub(m.cfg.OrderQuantity).LessThan(m.cfg.MinReserve) {
			m.logger.Debug("reserve floor reached, not posting",
				slog.String("available", available.String()),
				slog.String("min_reserve", m.cfg.MinReserve.String()),
			)
			return
		}
		if _, err := m.post(ctx, m.targetPrice(), m.cfg.OrderQuantity, 0, ""); err != nil {
			return
		}
		available = available.Sub(m.cfg.OrderQuantity)
	}
}

// observe handles one aggregator price event for the P2P venue. When the gap
// between an order's price and the strategy target exceeds the threshold, the
// order is repriced out of cycle.
func (m *Manager) observe(ctx context.Context, q domain.Quote) {
	if q.Venue != m.cfg.Venue || q.Pair != m.cfg.Pair {
		return
	}

	m.mu.Lock()
	m.bestAsk = q.Ask
	m.hasBestAsk = true
	m.mu.Unlock()

	if !m.cfg.RepriceGap.IsPositive() {
		return
	}
	target := m.targetPrice()

	m.mu.Lock()
	var stale []*domain.P2POrder
	for _, o := range m.orders {
		if o.Status != domain.P2PActive {
			continue
		}
		if o.Price.Sub(target).Abs().GreaterThan(m.cfg.RepriceGap) {
			stale = append(stale, o)
		}
	}
	m.mu.Unlock()

	for _, o := range stale {
		m.reprice(ctx, o, target)
	}
}

// reprice is an explicit two-call sequence: cancel, then create. Between the
// two calls there is deliberately no active order; a crash in the gap is
// healed by reconcile on the next start.
func (m *Manager) reprice(ctx context.Context, o *domain.P2POrder, target decimal.Decimal) {
	handle := domain.OrderHandle{Venue: m.cfg.Venue, OrderID: o.VenueRef, Side: domain.LegSell}
	if err := m.call(ctx, func(ctx context.Context) error {
		err := m.venue.CancelOrder(ctx, handle)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}); err != nil {
		m.logger.Warn("reprice cancel failed, order left unchanged",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	m.mu.Lock()
	o.Status = domain.P2PCancelled
	m.mu.Unlock()

	succ, err := m.post(ctx, target, o.Quantity, o.RelistCount, o.ID)
	if err != nil {
		m.alert(domain.AlertMakerHalted, domain.SeverityWarning, map[string]string{
			"op":          "reprice_post",
			"predecessor": o.ID,
			"error":       err.Error(),
		})
		return
	}
	m.logger.Info("order repriced",
		slog.String("order_id", succ.ID),
		slog.String("from", o.Price.String()),
		slog.String("to", succ.Price.String()),
	)
}

// post places one sell order on the venue and tracks it.
func (m *Manager) post(ctx context.Context, price, quantity decimal.Decimal, relistCount int, predecessorID string) (domain.P2POrder, error) {
	var handle domain.OrderHandle
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		handle, err = m.venue.PlaceOrder(ctx, domain.LegSell, price, quantity)
		return err
	})
	if err != nil {
		m.logger.Warn("order post failed",
			slog.String("price", price.String()),
			slog.String("error", err.Error()),
		)
		m.alert(domain.AlertMakerHalted, domain.SeverityWarning, map[string]string{
			"op":    "post",
			"price": price.String(),
			"error": err.Error(),
		})
		return domain.P2POrder{}, err
	}

	now := m.now()
	o := &domain.P2POrder{
		ID:            uuid.New().String(),
		VenueRef:      handle.OrderID,
		Price:         handle.Price,
		Quantity:      quantity,
		Status:        domain.P2PActive,
		PostedAt:      now,
		ExpiresAt:     now.Add(m.cfg.OrderTTL),
		RelistCount:   relistCount,
		PredecessorID: predecessorID,
	}
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()

	m.logger.Info("order posted",
		slog.String("order_id", o.ID),
		slog.String("price", o.Price.String()),
		slog.Int("relist_count", relistCount),
	)
	return *o, nil
}

func (m *Manager) targetPrice() decimal.Decimal {
	m.mu.Lock()
	pc := PricingContext{
		BestCompetitor: m.bestAsk,
		HasCompetitor:  m.hasBestAsk,
		ExpiryStreak:   m.expiryStreak,
	}
	m.mu.Unlock()
	return m.strategy.Price(pc)
}

// call wraps one venue operation with the rate limiter, bounded timeout, and
// the shared retry policy. Venue business rejections are not retried.
func (m *Manager) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	return retry.Do(ctx, m.cfg.VenueRetry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		err := fn(callCtx)
		if errors.Is(err, domain.ErrVenueRejected) || errors.Is(err, domain.ErrInsufficientBalance) {
			return retry.Stop(err)
		}
		return err
	})
}

func (m *Manager) alert(t domain.AlertType, sev domain.AlertSeverity, payload map[string]string) {
	if m.alerter == nil {
		return
	}
	payload["venue"] = m.cfg.Venue
	m.alerter.Alert(context.Background(), domain.NewAlert(t, sev, payload))
}
