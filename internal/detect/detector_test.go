package detect

import (
	"context"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzulkifli/arbot/internal/domain"
)

type fakeTable map[string]domain.Quote

func (f fakeTable) Latest(venue string) (domain.Quote, bool) {
	q, ok := f[venue]
	return q, ok
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func testConfig() Config {
	return Config{
		Pair:              "XBT/MYR",
		Venues:            []string{"luno", "remitano"},
		ReferenceQuantity: dec("100"),
		MinProfit:         dec("10"),
		MinROIPercent:     dec("0.1"),
		PairCooldown:      time.Minute,
		Fees: domain.VenueFees{
			"luno":     {TakerFeePct: dec("0.25")},
			"remitano": {SellTaxPct: dec("1")},
		},
	}
}

func tableQuote(venue, bid, ask string) domain.Quote {
	return domain.Quote{Venue: venue, Pair: "XBT/MYR", Bid: dec(bid), Ask: dec(ask), ObservedAt: time.Now()}
}

func TestDetector_EmitsProfitablePair(t *testing.T) {
	table := fakeTable{
		"luno":     tableQuote("luno", "88.50", "89.00"),
		"remitano": tableQuote("remitano", "92.50", "93.00"),
	}
	d := New(testConfig(), table, nil, discard())

	opps := d.Evaluate("remitano")
	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, "luno", opp.BuyVenue)
	assert.Equal(t, "remitano", opp.SellVenue)
	assert.True(t, opp.NetProfit.GreaterThanOrEqual(dec("10")))
	assert.NotEmpty(t, opp.ID)
}

func TestDetector_WorkedScenarioNotEmitted(t *testing.T) {
	// Net profit 37.25 with min threshold 100 must not emit.
	cfg := testConfig()
	cfg.MinProfit = dec("100")
	cfg.MinROIPercent = decimal.Zero
	table := fakeTable{
		"luno":     tableQuote("luno", "88.00", "89.00"),
		"remitano": tableQuote("remitano", "90.50", "91.00"),
	}
	d := New(cfg, table, nil, discard())
	assert.Empty(t, d.Evaluate(""))
}

func TestDetector_CooldownSuppressesRepeats(t *testing.T) {
	table := fakeTable{
		"luno":     tableQuote("luno", "88.50", "89.00"),
		"remitano": tableQuote("remitano", "92.50", "93.00"),
	}
	d := New(testConfig(), table, nil, discard())

	now := time.Now()
	d.now = func() time.Time { return now }
	require.Len(t, d.Evaluate(""), 1)
	assert.Empty(t, d.Evaluate(""), "inside cooldown window")

	d.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Len(t, d.Evaluate(""), 1, "cooldown elapsed")
}

func TestDetector_MinQuantityGate(t *testing.T) {
	cfg := testConfig()
	cfg.MinQty = domain.VenueMinQty{"remitano": dec("500")}
	table := fakeTable{
		"luno":     tableQuote("luno", "88.50", "89.00"),
		"remitano": tableQuote("remitano", "92.50", "93.00"),
	}
	d := New(cfg, table, nil, discard())
	assert.Empty(t, d.Evaluate(""))
}

// Property: whatever quotes arrive, emitted opportunities always obey the
// thresholds.
func TestDetector_ThresholdProperty(t *testing.T) {
	cfg := testConfig()
	cfg.PairCooldown = 0
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		mid := 50 + rng.Float64()*100
		table := fakeTable{}
		for _, v := range cfg.Venues {
			bid := mid * (0.95 + rng.Float64()*0.1)
			ask := bid * (1 + rng.Float64()*0.02)
			table[v] = domain.Quote{
				Venue: v, Pair: cfg.Pair,
				Bid:        decimal.NewFromFloat(bid),
				Ask:        decimal.NewFromFloat(ask),
				ObservedAt: time.Now(),
			}
		}
		d := New(cfg, table, nil, discard())
		for _, opp := range d.Evaluate("") {
			assert.True(t, opp.NetProfit.GreaterThanOrEqual(cfg.MinProfit),
				"net %s below threshold", opp.NetProfit)
			assert.True(t, opp.NetProfit.IsPositive())
			assert.True(t, opp.ROIPercent.GreaterThanOrEqual(cfg.MinROIPercent))
			assert.True(t, opp.MeetsMinQuantity)
		}
	}
}

func TestPriceAlerter_CooldownIndependent(t *testing.T) {
	fired := 0
	sink := alertFunc(func(ev domain.AlertEvent) {
		fired++
		// Threshold notices carry their own type so filters can separate
		// them from real opportunities.
		assert.Equal(t, domain.AlertPriceThreshold, ev.Type)
	})
	pa := NewPriceAlerter(PriceAlertConfig{
		AboveAsk: map[string]decimal.Decimal{"luno": dec("100")},
		Cooldown: time.Minute,
	}, sink, discard())

	now := time.Now()
	pa.now = func() time.Time { return now }
	q := tableQuote("luno", "100.5", "101")
	pa.Observe(t.Context(), q)
	pa.Observe(t.Context(), q)
	assert.Equal(t, 1, fired)

	pa.now = func() time.Time { return now.Add(2 * time.Minute) }
	pa.Observe(t.Context(), q)
	assert.Equal(t, 2, fired)
}

type alertFunc func(ev domain.AlertEvent)

func (f alertFunc) Alert(_ context.Context, ev domain.AlertEvent) { f(ev) }
