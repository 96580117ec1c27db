// Package paper provides a deterministic in-memory venue used by paper
// trading mode. Orders fill instantly at the quoted price plus a configurable
// slip, balances are tracked locally, and quotes replay a scripted walk
// around a base price.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
)

// Config scripts one paper venue.
type Config struct {
	Name string
	Pair string

	// BasePrice anchors the simulated quote walk; Spread separates bid and
	// ask around it.
	BasePrice decimal.Decimal
	Spread    decimal.Decimal

	// Drift moves the mid by this amount per emitted quote, wrapping every
	// DriftCycle steps so the walk stays bounded.
	Drift      decimal.Decimal
	DriftCycle int

	// QuoteEvery is the emission cadence.
	QuoteEvery time.Duration

	// FillSlip is added to every fill price, simulating slippage.
	FillSlip decimal.Decimal

	// Balances seeds the account, keyed by asset.
	Balances map[string]decimal.Decimal
}

// Venue implements domain.VenueClient and domain.QuotePoller in memory.
type Venue struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	step     int
	open     map[string]domain.OrderHandle
	balances map[string]decimal.Decimal
	failures map[domain.LegSide]error
}

// New creates a paper venue.
func New(cfg Config, logger *slog.Logger) *Venue {
	if cfg.QuoteEvery <= 0 {
		cfg.QuoteEvery = time.Second
	}
	if cfg.DriftCycle <= 0 {
		cfg.DriftCycle = 20
	}
	balances := make(map[string]decimal.Decimal, len(cfg.Balances))
	for asset, amount := range cfg.Balances {
		balances[asset] = amount
	}
	return &Venue{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "paper_venue"), slog.String("venue", cfg.Name)),
		open:     make(map[string]domain.OrderHandle),
		balances: balances,
		failures: make(map[domain.LegSide]error),
	}
}

// FailNextOrder makes the next PlaceOrder on the given side return err,
// simulating a venue outage for one call. Pass nil to clear.
func (v *Venue) FailNextOrder(side domain.LegSide, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.failures, side)
		return
	}
	v.failures[side] = err
}

// Name returns the venue identifier.
func (v *Venue) Name() string { return v.cfg.Name }

// StreamQuotes emits the scripted quote walk until ctx is cancelled.
func (v *Venue) StreamQuotes(ctx context.Context, pair string) (<-chan domain.Quote, error) {
	if pair != v.cfg.Pair {
		return nil, fmt.Errorf("paper: unknown pair %s: %w", pair, domain.ErrInvalidInput)
	}

	out := make(chan domain.Quote, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(v.cfg.QuoteEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- v.nextQuote():
				default:
				}
			}
		}
	}()
	return out, nil
}

// PollQuote returns the next quote in the walk, so the paper venue also
// serves as its own poll fallback.
func (v *Venue) PollQuote(ctx context.Context, pair string) (domain.Quote, error) {
	if pair != v.cfg.Pair {
		return domain.Quote{}, fmt.Errorf("paper: unknown pair %s: %w", pair, domain.ErrInvalidInput)
	}
	return v.nextQuote(), nil
}

func (v *Venue) nextQuote() domain.Quote {
	v.mu.Lock()
	defer v.mu.Unlock()
	mid := v.cfg.BasePrice.Add(v.cfg.Drift.Mul(decimal.NewFromInt(int64(v.step % v.cfg.DriftCycle))))
	v.step++
	half := v.cfg.Spread.Div(decimal.NewFromInt(2))
	return domain.Quote{
		Venue:      v.cfg.Name,
		Pair:       v.cfg.Pair,
		Bid:        mid.Sub(half),
		Ask:        mid.Add(half),
		ObservedAt: time.Now().UTC(),
	}
}

// PlaceOrder fills immediately at price plus the configured slip, adjusting
// balances. Sell orders rest as open orders instead of filling, modelling the
// P2P maker flow.
func (v *Venue) PlaceOrder(ctx context.Context, side domain.LegSide, price, quantity decimal.Decimal) (domain.OrderHandle, error) {
	if !price.IsPositive() || !quantity.IsPositive() {
		return domain.OrderHandle{}, domain.ErrInvalidInput
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err, ok := v.failures[side]; ok {
		delete(v.failures, side)
		return domain.OrderHandle{}, err
	}

	h := domain.OrderHandle{
		Venue:    v.cfg.Name,
		OrderID:  uuid.New().String(),
		Side:     side,
		Price:    price.Add(v.cfg.FillSlip),
		Quantity: quantity,
		PostedAt: time.Now().UTC(),
	}

	if side == domain.LegSell {
		base := v.baseAsset()
		if v.balances[base].LessThan(quantity) {
			return domain.OrderHandle{}, domain.ErrInsufficientBalance
		}
		v.balances[base] = v.balances[base].Sub(quantity)
		v.open[h.OrderID] = h
		v.logger.Debug("sell order resting", slog.String("order_id", h.OrderID))
		return h, nil
	}

	quote := v.quoteAsset()
	cost := h.Price.Mul(quantity)
	if v.balances[quote].LessThan(cost) {
		return domain.OrderHandle{}, domain.ErrInsufficientBalance
	}
	v.balances[quote] = v.balances[quote].Sub(cost)
	v.balances[v.baseAsset()] = v.balances[v.baseAsset()].Add(quantity)
	v.logger.Debug("buy order filled", slog.String("order_id", h.OrderID))
	return h, nil
}

// CancelOrder removes a resting order and returns its quantity to the
// balance.
func (v *Venue) CancelOrder(ctx context.Context, handle domain.OrderHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.open[handle.OrderID]
	if !ok {
		return domain.ErrNotFound
	}
	delete(v.open, handle.OrderID)
	base := v.baseAsset()
	v.balances[base] = v.balances[base].Add(h.Quantity)
	return nil
}

// GetOpenOrders returns the resting order set.
func (v *Venue) GetOpenOrders(ctx context.Context) ([]domain.OrderHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.OrderHandle, 0, len(v.open))
	for _, h := range v.open {
		out = append(out, h)
	}
	return out, nil
}

// GetBalance returns the tracked balance for one asset.
func (v *Venue) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	locked := decimal.Zero
	for _, h := range v.open {
		locked = locked.Add(h.Quantity)
	}
	return domain.Balance{
		Asset:     asset,
		Available: v.balances[asset],
		Locked:    locked,
	}, nil
}

// Fill simulates a counterparty taking a resting sell order, crediting the
// proceeds. Used by paper maker mode to exercise fill detection.
func (v *Venue) Fill(orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.open[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	delete(v.open, orderID)
	quote := v.quoteAsset()
	v.balances[quote] = v.balances[quote].Add(h.Price.Mul(h.Quantity))
	return nil
}

// baseAsset and quoteAsset split the configured pair "BASE/QUOTE".
func (v *Venue) baseAsset() string {
	for i := 0; i < len(v.cfg.Pair); i++ {
		if v.cfg.Pair[i] == '/' {
			return v.cfg.Pair[:i]
		}
	}
	return v.cfg.Pair
}

func (v *Venue) quoteAsset() string {
	for i := 0; i < len(v.cfg.Pair); i++ {
		if v.cfg.Pair[i] == '/' {
			return v.cfg.Pair[i+1:]
		}
	}
	return ""
}

// Compile-time interface checks.
var (
	_ domain.VenueClient = (*Venue)(nil)
	_ domain.QuotePoller = (*Venue)(nil)
)
