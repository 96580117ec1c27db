package paper

import (
	"context"
	"log/slog"
	"testing"
	"time"

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

func testVenue() *Venue {
	return New(Config{
		Name:      "luno",
		Pair:      "XBT/MYR",
		BasePrice: dec("90000"),
		Spread:    dec("100"),
		Drift:     dec("10"),
		FillSlip:  dec("5"),
		Balances: map[string]decimal.Decimal{
			"XBT": dec("1"),
			"MYR": dec("100000"),
		},
	}, slog.New(slog.DiscardHandler))
}

func TestPaper_BuyFillsImmediatelyWithSlip(t *testing.T) {
	v := testVenue()
	ctx := context.Background()

	h, err := v.PlaceOrder(ctx, domain.LegBuy, dec("90050"), dec("0.1"))
	require.NoError(t, err)
	assert.True(t, h.Price.Equal(dec("90055")), "got %s", h.Price)

	bal, err := v.GetBalance(ctx, "XBT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(dec("1.1")), "got %s", bal.Available)

	myr, err := v.GetBalance(ctx, "MYR")
	require.NoError(t, err)
	// 100000 - 90055*0.1 = 90994.5
	assert.True(t, myr.Available.Equal(dec("90994.5")), "got %s", myr.Available)
}

func TestPaper_SellRestsAndCancelRefunds(t *testing.T) {
	v := testVenue()
	ctx := context.Background()

	h, err := v.PlaceOrder(ctx, domain.LegSell, dec("90500"), dec("0.4"))
	require.NoError(t, err)

	open, err := v.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	bal, _ := v.GetBalance(ctx, "XBT")
	assert.True(t, bal.Available.Equal(dec("0.6")))

	require.NoError(t, v.CancelOrder(ctx, h))
	bal, _ = v.GetBalance(ctx, "XBT")
	assert.True(t, bal.Available.Equal(dec("1")))
	assert.Error(t, v.CancelOrder(ctx, h))
}

func TestPaper_InsufficientBalance(t *testing.T) {
	v := testVenue()
	ctx := context.Background()

	_, err := v.PlaceOrder(ctx, domain.LegSell, dec("90500"), dec("2"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = v.PlaceOrder(ctx, domain.LegBuy, dec("90000"), dec("5"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestPaper_FillCreditsProceeds(t *testing.T) {
	v := testVenue()
	ctx := context.Background()

	h, err := v.PlaceOrder(ctx, domain.LegSell, dec("90500"), dec("0.5"))
	require.NoError(t, err)
	require.NoError(t, v.Fill(h.OrderID))

	open, _ := v.GetOpenOrders(ctx)
	assert.Empty(t, open)

	myr, _ := v.GetBalance(ctx, "MYR")
	// 100000 + 90505*0.5 = 145252.5
	assert.True(t, myr.Available.Equal(dec("145252.5")), "got %s", myr.Available)
}

func TestPaper_StreamEmitsValidQuotes(t *testing.T) {
	v := New(Config{
		Name:       "luno",
		Pair:       "XBT/MYR",
		BasePrice:  dec("90000"),
		Spread:     dec("100"),
		Drift:      dec("10"),
		QuoteEvery: 2 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	ch, err := v.StreamQuotes(ctx, "XBT/MYR")
	require.NoError(t, err)

	var got []domain.Quote
	for q := range ch {
		require.NoError(t, q.Validate())
		got = append(got, q)
		if len(got) == 5 {
			cancel()
		}
	}
	require.GreaterOrEqual(t, len(got), 5)

	_, err = v.StreamQuotes(context.Background(), "ETH/MYR")
	assert.Error(t, err)
}

func TestPaper_FailNextOrderInjectsOnce(t *testing.T) {
	v := testVenue()
	v.FailNextOrder(domain.LegBuy, domain.ErrVenueRejected)

	_, err := v.PlaceOrder(context.Background(), domain.LegBuy, dec("90000"), dec("0.01"))
	require.ErrorIs(t, err, domain.ErrVenueRejected)

	h, err := v.PlaceOrder(context.Background(), domain.LegBuy, dec("90000"), dec("0.01"))
	require.NoError(t, err)
	assert.NotEmpty(t, h.OrderID)
}
