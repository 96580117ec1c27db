package execute

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzulkifli/arbot/internal/domain"
	"github.com/mzulkifli/arbot/internal/retry"
	"github.com/mzulkifli/arbot/internal/risk"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// fakeVenue scripts per-side outcomes.
type fakeVenue struct {
	name      string
	mu        sync.Mutex
	buyErr    error
	sellErr   error
	sellFails int // fail this many sell attempts, then succeed
	fillSlip  decimal.Decimal
	placed    []domain.LegSide
	block     chan struct{} // when set, PlaceOrder waits until closed
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) StreamQuotes(ctx context.Context, pair string) (<-chan domain.Quote, error) {
	return nil, domain.ErrStreamClosed
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, side domain.LegSide, price, qty decimal.Decimal) (domain.OrderHandle, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.OrderHandle{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, side)
	if side == domain.LegBuy && f.buyErr != nil {
		return domain.OrderHandle{}, f.buyErr
	}
	if side == domain.LegSell {
		if f.sellErr != nil {
			return domain.OrderHandle{}, f.sellErr
		}
		if f.sellFails > 0 {
			f.sellFails--
			return domain.OrderHandle{}, domain.ErrStreamClosed
		}
	}
	filled := price.Add(f.fillSlip)
	return domain.OrderHandle{
		Venue: f.name, OrderID: uuid.New().String(), Side: side,
		Price: filled, Quantity: qty, PostedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, h domain.OrderHandle) error { return nil }
func (f *fakeVenue) GetOpenOrders(ctx context.Context) ([]domain.OrderHandle, error) {
	return nil, nil
}
func (f *fakeVenue) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	return domain.Balance{Asset: asset, Available: dec("1000000")}, nil
}

type captureAlerts struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (c *captureAlerts) Alert(_ context.Context, ev domain.AlertEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureAlerts) ofType(t domain.AlertType) []domain.AlertEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.AlertEvent
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func testEngine(buy, sell *fakeVenue, alerts *captureAlerts) (*Engine, *risk.Metrics) {
	metrics := risk.NewMetrics(dec("100000"), 0, discard())
	cfg := Config{
		CallTimeout:  100 * time.Millisecond,
		BuyLegRetry:  fastRetry(),
		SellLegRetry: fastRetry(),
		Fees: domain.VenueFees{
			buy.name:  {TakerFeePct: dec("0.25")},
			sell.name: {SellTaxPct: dec("1")},
		},
	}
	venues := map[string]domain.VenueClient{buy.name: buy, sell.name: sell}
	var alerter domain.Alerter
	if alerts != nil {
		alerter = alerts
	}
	return NewEngine(cfg, venues, metrics, nil, alerter, discard()), metrics
}

func testOpportunity() (domain.Opportunity, domain.RiskDecision) {
	opp := domain.Opportunity{
		ID:        uuid.New().String(),
		Pair:      "XBT/MYR",
		BuyVenue:  "luno",
		SellVenue: "remitano",
		BuyPrice:  dec("89.00"),
		SellPrice: dec("92.50"),
		Quantity:  dec("100"),
		NetProfit: dec("200"),
	}
	rd := domain.RiskDecision{
		OpportunityID:     opp.ID,
		Allowed:           true,
		SuggestedQuantity: opp.Quantity,
	}
	return opp, rd
}

func TestEngine_HappyPathCompletes(t *testing.T) {
	buy := &fakeVenue{name: "luno"}
	sell := &fakeVenue{name: "remitano"}
	alerts := &captureAlerts{}
	e, metrics := testEngine(buy, sell, alerts)

	opp, d := testOpportunity()
	exec := e.Execute(context.Background(), opp, d)

	assert.Equal(t, domain.ExecCompleted, exec.State)
	assert.True(t, exec.ActualProfit.IsPositive(), "profit %s", exec.ActualProfit)
	assert.False(t, exec.EndedAt.IsZero())

	snap := metrics.Snapshot()
	assert.True(t, snap.CurrentExposure.IsZero(), "exposure released on completion")
	assert.Equal(t, 0, snap.ConsecutiveLosses)
	assert.Len(t, alerts.ofType(domain.AlertExecutionCompleted), 1)
}

func TestEngine_SlippageReflectedInActualProfit(t *testing.T) {
	buy := &fakeVenue{name: "luno", fillSlip: dec("0.50")} // paid more than quoted
	sell := &fakeVenue{name: "remitano"}
	e, _ := testEngine(buy, sell, nil)

	opp, d := testOpportunity()
	exec := e.Execute(context.Background(), opp, d)

	require.Equal(t, domain.ExecCompleted, exec.State)
	assert.True(t, exec.ActualProfit.LessThan(exec.ExpectedProfit),
		"slippage must reduce actual %s below expected %s", exec.ActualProfit, exec.ExpectedProfit)
}

func TestEngine_BuyRejectionFailsWithoutExposure(t *testing.T) {
	buy := &fakeVenue{name: "luno", buyErr: domain.ErrVenueRejected}
	sell := &fakeVenue{name: "remitano"}
	alerts := &captureAlerts{}
	e, metrics := testEngine(buy, sell, alerts)

	opp, d := testOpportunity()
	exec := e.Execute(context.Background(), opp, d)

	assert.Equal(t, domain.ExecFailed, exec.State)
	assert.Len(t, buy.placed, 1, "venue rejections must not be retried")
	assert.Empty(t, sell.placed, "sell leg never attempted")

	snap := metrics.Snapshot()
	assert.True(t, snap.CurrentExposure.IsZero(), "no exposure change on pre-settlement failure")
	assert.Equal(t, 1, snap.ConsecutiveLosses)
	assert.Len(t, alerts.ofType(domain.AlertExecutionFailed), 1)
}

func TestEngine_SellFailureAfterBuyIsPartialFill(t *testing.T) {
	buy := &fakeVenue{name: "luno"}
	sell := &fakeVenue{name: "remitano", sellErr: domain.ErrVenueRejected}
	alerts := &captureAlerts{}
	e, metrics := testEngine(buy, sell, alerts)

	opp, d := testOpportunity()
	exec := e.Execute(context.Background(), opp, d)

	require.Equal(t, domain.ExecPartiallyFilled, exec.State)

	// Exactly one critical alert, and the held inventory stays on the books.
	partial := alerts.ofType(domain.AlertPartialFill)
	require.Len(t, partial, 1)
	assert.Equal(t, domain.SeverityCritical, partial[0].Severity)

	snap := metrics.Snapshot()
	assert.True(t, snap.CurrentExposure.IsPositive(), "partial fill keeps exposure reserved")
	assert.Equal(t, 1, snap.ConsecutiveLosses)
}

func TestEngine_SellRetriesThenSucceeds(t *testing.T) {
	buy := &fakeVenue{name: "luno"}
	sell := &fakeVenue{name: "remitano", sellFails: 1}
	e, _ := testEngine(buy, sell, nil)

	opp, d := testOpportunity()
	exec := e.Execute(context.Background(), opp, d)

	assert.Equal(t, domain.ExecCompleted, exec.State)
	assert.Len(t, sell.placed, 2, "one transient failure, one success")
}

func TestEngine_CancelOnlyBeforeBuySubmission(t *testing.T) {
	block := make(chan struct{})
	buy := &fakeVenue{name: "luno", block: block}
	sell := &fakeVenue{name: "remitano"}
	e, _ := testEngine(buy, sell, nil)

	opp, d := testOpportunity()
	done := make(chan domain.Execution, 1)
	go func() { done <- e.Execute(context.Background(), opp, d) }()

	// Wait for the execution to appear, then for the buy leg to be in flight.
	var id string
	require.Eventually(t, func() bool {
		select {
		case ev := <-e.Events():
			id = ev.ID
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		ev, ok := e.Get(id)
		return ok && ev.State == domain.ExecBuyInFlight
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, e.Cancel(id), domain.ErrNotCancellable)
	close(block)

	exec := <-done
	assert.Equal(t, domain.ExecCompleted, exec.State)
	assert.ErrorIs(t, e.Cancel("missing"), domain.ErrNotFound)
}

func TestEngine_SizedQuantityFromDecision(t *testing.T) {
	buy := &fakeVenue{name: "luno"}
	sell := &fakeVenue{name: "remitano"}
	e, _ := testEngine(buy, sell, nil)

	opp, d := testOpportunity()
	d.SuggestedQuantity = dec("40")
	exec := e.Execute(context.Background(), opp, d)

	require.Equal(t, domain.ExecCompleted, exec.State)
	assert.True(t, exec.BuyLeg.Quantity.Equal(dec("40")))
	assert.True(t, exec.ExpectedProfit.LessThan(opp.NetProfit),
		"expected profit recomputed for the sized quantity")
}
