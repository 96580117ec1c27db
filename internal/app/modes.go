package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mzulkifli/arbot/internal/aggregate"
	"github.com/mzulkifli/arbot/internal/detect"
	"github.com/mzulkifli/arbot/internal/domain"
	"github.com/mzulkifli/arbot/internal/execute"
	"github.com/mzulkifli/arbot/internal/feed"
	"github.com/mzulkifli/arbot/internal/maker"
	"github.com/mzulkifli/arbot/internal/retry"
	"github.com/mzulkifli/arbot/internal/risk"
	"github.com/mzulkifli/arbot/internal/server"
)

// ArbitrageMode runs the full taker pipeline: feeds, aggregation, detection,
// the risk gate, and the two-leg execution engine.
func (a *App) ArbitrageMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting arbitrage mode")

	g, ctx := errgroup.WithContext(ctx)

	agg := a.startQuoteFlow(ctx, g, deps)
	metrics := a.buildMetrics()

	detCh := make(chan domain.Quote, 64)
	alertCh := make(chan domain.Quote, 64)
	g.Go(func() error { return fanOut(ctx, agg.Events(), detCh, alertCh) })

	detector := a.buildDetector(deps, agg)
	g.Go(func() error { return detector.Run(ctx, detCh) })
	g.Go(func() error { return a.runPriceAlerts(ctx, deps, alertCh) })

	gate := risk.NewGate(a.gateConfig(deps), metrics, deps.Notifier, a.logger)
	engine := execute.NewEngine(a.engineConfig(deps), deps.Venues, metrics, deps.ExecutionStore, deps.Notifier, a.logger)

	g.Go(func() error { return a.runOpportunities(ctx, g, detector, gate, engine) })
	g.Go(func() error { return a.runRollups(ctx, engine.Events(), deps.RollupStore) })

	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiveSweep(ctx, deps.Archiver) })
	}

	a.startServer(ctx, g, server.Controls{Trading: gate, Risk: metrics, Executions: engine})

	return g.Wait()
}

// MakerMode runs only the P2P maker lifecycle manager, fed by the quote flow
// for competitor pricing.
func (a *App) MakerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting maker mode")

	metrics := a.buildMetrics()
	mgr, err := a.buildMaker(deps, metrics)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	agg := a.startQuoteFlow(ctx, g, deps)

	makerCh := make(chan domain.Quote, 64)
	g.Go(func() error { return fanOut(ctx, agg.Events(), makerCh) })
	g.Go(func() error { return mgr.Run(ctx, makerCh) })

	a.startServer(ctx, g, server.Controls{Risk: metrics, Maker: mgr})

	return g.Wait()
}

// MonitorMode runs feeds and detection with no execution: opportunities are
// logged and alerted, then dropped.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	agg := a.startQuoteFlow(ctx, g, deps)

	detCh := make(chan domain.Quote, 64)
	alertCh := make(chan domain.Quote, 64)
	g.Go(func() error { return fanOut(ctx, agg.Events(), detCh, alertCh) })

	detector := a.buildDetector(deps, agg)
	g.Go(func() error { return detector.Run(ctx, detCh) })
	g.Go(func() error { return a.runPriceAlerts(ctx, deps, alertCh) })

	// The detector already logs and alerts each opportunity; monitor mode
	// just keeps the channel drained.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, ok := <-detector.Opportunities():
				if !ok {
					return nil
				}
			}
		}
	})

	// No trading components run in monitor mode; the server still answers
	// health probes.
	a.startServer(ctx, g, server.Controls{})

	return g.Wait()
}

// FullMode runs the taker pipeline and the maker lifecycle manager side by
// side, sharing the quote flow and the risk aggregate.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	metrics := a.buildMetrics()
	mgr, err := a.buildMaker(deps, metrics)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	agg := a.startQuoteFlow(ctx, g, deps)

	detCh := make(chan domain.Quote, 64)
	alertCh := make(chan domain.Quote, 64)
	makerCh := make(chan domain.Quote, 64)
	g.Go(func() error { return fanOut(ctx, agg.Events(), detCh, alertCh, makerCh) })

	detector := a.buildDetector(deps, agg)
	g.Go(func() error { return detector.Run(ctx, detCh) })
	g.Go(func() error { return a.runPriceAlerts(ctx, deps, alertCh) })
	g.Go(func() error { return mgr.Run(ctx, makerCh) })

	gate := risk.NewGate(a.gateConfig(deps), metrics, deps.Notifier, a.logger)
	engine := execute.NewEngine(a.engineConfig(deps), deps.Venues, metrics, deps.ExecutionStore, deps.Notifier, a.logger)

	g.Go(func() error { return a.runOpportunities(ctx, g, detector, gate, engine) })
	g.Go(func() error { return a.runRollups(ctx, engine.Events(), deps.RollupStore) })

	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiveSweep(ctx, deps.Archiver) })
	}

	a.startServer(ctx, g, server.Controls{Trading: gate, Risk: metrics, Executions: engine, Maker: mgr})

	return g.Wait()
}

// startServer runs the operator API alongside the mode's pipeline and shuts
// it down when the mode's context ends.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, controls server.Controls) {
	if !a.cfg.Server.Enabled {
		return
	}
	srv := server.New(server.Config{Port: a.cfg.Server.Port, APIKey: a.cfg.Server.APIKey}, controls, a.logger)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return ctx.Err()
	})
}

// startQuoteFlow starts the aggregator and one connection supervisor per
// enabled venue, all feeding the shared quote table.
func (a *App) startQuoteFlow(ctx context.Context, g *errgroup.Group, deps *Dependencies) *aggregate.Aggregator {
	agg := aggregate.New(decimal.NewFromFloat(a.cfg.Feed.ChangeEpsilon), deps.QuoteCache, a.logger)
	g.Go(func() error { return agg.Run(ctx) })

	for name, venue := range deps.Venues {
		sup := feed.NewSupervisor(feed.SupervisorConfig{
			Venue: name,
			Pair:  a.cfg.Pair,
			Reconnect: retry.Policy{
				MaxAttempts: a.cfg.Feed.ReconnectAttempts,
				BaseDelay:   a.cfg.Feed.ReconnectBase.Duration,
				MaxDelay:    a.cfg.Feed.ReconnectMax.Duration,
				Jitter:      a.cfg.Feed.ReconnectJitter,
			},
			HeartbeatEvery: a.cfg.Feed.HeartbeatEvery.Duration,
			StallAfter:     a.cfg.Feed.StallAfter,
			PollEvery:      a.cfg.Feed.PollEvery.Duration,
			PollWindow:     a.cfg.Feed.PollWindow.Duration,
			OutboxSize:     a.cfg.Feed.OutboxSize,
		}, venue, deps.Pollers[name], agg, deps.Notifier, a.logger)

		g.Go(func() error { return sup.Run(ctx) })
	}

	return agg
}

// fanOut copies every event to each sink. Sends never block: a consumer that
// falls behind misses intermediate quotes, never stalls its siblings.
func fanOut(ctx context.Context, src <-chan domain.Quote, sinks ...chan<- domain.Quote) error {
	defer func() {
		for _, sink := range sinks {
			close(sink)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q, ok := <-src:
			if !ok {
				return nil
			}
			for _, sink := range sinks {
				select {
				case sink <- q:
				default:
				}
			}
		}
	}
}

func (a *App) buildMetrics() *risk.Metrics {
	return risk.NewMetrics(decimal.NewFromFloat(a.cfg.Risk.Capital), a.cfg.Risk.ResetHourUTC, a.logger)
}

func (a *App) enabledVenueNames(deps *Dependencies) []string {
	names := make([]string, 0, len(deps.Venues))
	for name := range deps.Venues {
		names = append(names, name)
	}
	return names
}

func (a *App) gateConfig(deps *Dependencies) risk.GateConfig {
	return risk.GateConfig{
		EnabledVenues:        a.enabledVenueNames(deps),
		MaxConsecutiveLosses: a.cfg.Risk.MaxConsecutiveLosses,
		DailyVolumeLimit:     decimal.NewFromFloat(a.cfg.Risk.DailyVolumeLimit),
		MaxPerTrade:          decimal.NewFromFloat(a.cfg.Risk.MaxPerTrade),
		MinQty:               deps.MinQty,
	}
}

func (a *App) buildDetector(deps *Dependencies, table detect.QuoteTable) *detect.Detector {
	return detect.New(detect.Config{
		Pair:              a.cfg.Pair,
		Venues:            a.enabledVenueNames(deps),
		ReferenceQuantity: decimal.NewFromFloat(a.cfg.Detector.ReferenceQuantity),
		MinProfit:         decimal.NewFromFloat(a.cfg.Detector.MinProfit),
		MinROIPercent:     decimal.NewFromFloat(a.cfg.Detector.MinROIPct),
		PairCooldown:      a.cfg.Detector.PairCooldown.Duration,
		Fees:              deps.Fees,
		MinQty:            deps.MinQty,
	}, table, deps.Notifier, a.logger)
}

func (a *App) engineConfig(deps *Dependencies) execute.Config {
	return execute.Config{
		CallTimeout: a.cfg.Execute.CallTimeout.Duration,
		SellLegRetry: retry.Policy{
			MaxAttempts: a.cfg.Execute.SellRetryAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			Jitter:      0.2,
		},
		BuyLegRetry: retry.Policy{
			MaxAttempts: a.cfg.Execute.BuyRetryAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Second,
			Jitter:      0.2,
		},
		Fees:   deps.Fees,
		MinQty: deps.MinQty,
	}
}

// cutPair splits "XBT/MYR" into base and quote assets.
func cutPair(pair string) (base, quote string, ok bool) {
	return strings.Cut(pair, "/")
}

// buildMaker assembles the lifecycle manager for the configured maker venue.
func (a *App) buildMaker(deps *Dependencies, metrics *risk.Metrics) (*maker.Manager, error) {
	venue, ok := deps.Venues[a.cfg.Maker.Venue]
	if !ok {
		return nil, fmt.Errorf("app: maker venue %q is not enabled", a.cfg.Maker.Venue)
	}

	var strategy maker.PricingStrategy
	switch a.cfg.Maker.Pricing.Strategy {
	case "fixed":
		strategy = maker.FixedTarget{Target: decimal.NewFromFloat(a.cfg.Maker.Pricing.Target)}
	default:
		strategy = maker.Undercut{
			Offset:    decimal.NewFromFloat(a.cfg.Maker.Pricing.Offset),
			WidenStep: decimal.NewFromFloat(a.cfg.Maker.Pricing.WidenStep),
			Floor:     decimal.NewFromFloat(a.cfg.Maker.Pricing.Floor),
			Fallback:  decimal.NewFromFloat(a.cfg.Maker.Pricing.Fallback),
		}
	}

	base, _, _ := cutPair(a.cfg.Pair)

	cfg := maker.Config{
		Venue:         a.cfg.Maker.Venue,
		Pair:          a.cfg.Pair,
		Asset:         base,
		MaxOrders:     a.cfg.Maker.MaxOrders,
		MaxRelists:    a.cfg.Maker.MaxRelists,
		OrderTTL:      a.cfg.Maker.OrderTTL.Duration,
		OrderQuantity: decimal.NewFromFloat(a.cfg.Maker.OrderQuantity),
		MinReserve:    decimal.NewFromFloat(a.cfg.Maker.MinReserve),
		CostBasis:     decimal.NewFromFloat(a.cfg.Maker.CostBasis),
		RepriceGap:    decimal.NewFromFloat(a.cfg.Maker.RepriceGap),
		TickEvery:     a.cfg.Maker.TickEvery.Duration,
		CallTimeout:   a.cfg.Maker.CallTimeout.Duration,
		RatePerSec:    a.cfg.Maker.RatePerSec,
		RateBurst:     a.cfg.Maker.RateBurst,
	}

	return maker.NewManager(cfg, venue, strategy, metrics, deps.Notifier, a.logger), nil
}

// runOpportunities consumes the detector stream, assesses each opportunity,
// and runs admitted ones to a terminal state. Executions run concurrently so
// a slow venue call never blocks assessment of the next opportunity.
func (a *App) runOpportunities(ctx context.Context, g *errgroup.Group, detector *detect.Detector, gate *risk.Gate, engine *execute.Engine) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-detector.Opportunities():
			if !ok {
				return nil
			}
			decision := gate.Assess(ctx, opp)
			if !decision.Allowed {
				continue
			}
			g.Go(func() error {
				engine.Execute(ctx, opp, decision)
				return nil
			})
		}
	}
}

// runPriceAlerts feeds quote events into the absolute-threshold alerter.
func (a *App) runPriceAlerts(ctx context.Context, deps *Dependencies, events <-chan domain.Quote) error {
	alerter := detect.NewPriceAlerter(a.priceAlertConfig(), deps.Notifier, a.logger)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q, ok := <-events:
			if !ok {
				return nil
			}
			alerter.Observe(ctx, q)
		}
	}
}

func (a *App) priceAlertConfig() detect.PriceAlertConfig {
	above := make(map[string]decimal.Decimal, len(a.cfg.Detector.PriceAlerts.AboveAsk))
	for venue, threshold := range a.cfg.Detector.PriceAlerts.AboveAsk {
		above[venue] = decimal.NewFromFloat(threshold)
	}
	below := make(map[string]decimal.Decimal, len(a.cfg.Detector.PriceAlerts.BelowBid))
	for venue, threshold := range a.cfg.Detector.PriceAlerts.BelowBid {
		below[venue] = decimal.NewFromFloat(threshold)
	}
	return detect.PriceAlertConfig{
		AboveAsk: above,
		BelowBid: below,
		Cooldown: a.cfg.Detector.PriceAlerts.Cooldown.Duration,
	}
}

// runRollups folds terminal executions into the daily aggregate store.
func (a *App) runRollups(ctx context.Context, events <-chan domain.Execution, store domain.RollupStore) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case exec, ok := <-events:
			if !ok {
				return nil
			}
			if store == nil || !exec.State.Terminal() || exec.State == domain.ExecCancelled {
				continue
			}
			a.applyRollup(ctx, store, exec)
		}
	}
}

func (a *App) applyRollup(ctx context.Context, store domain.RollupStore, exec domain.Execution) {
	day := exec.EndedAt.UTC().Truncate(24 * time.Hour)

	roll, err := store.GetDay(ctx, day)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		a.logger.Warn("rollup read failed", slog.String("error", err.Error()))
		return
	}
	roll.Day = day

	roll.Trades++
	if exec.State == domain.ExecCompleted && !exec.ActualProfit.IsNegative() {
		roll.Wins++
	} else {
		roll.Losses++
	}

	buyPrice := exec.BuyLeg.FilledPrice
	if buyPrice.IsZero() {
		buyPrice = exec.BuyLeg.ExpectedPrice
	}
	roll.Volume = roll.Volume.Add(buyPrice.Mul(exec.BuyLeg.Quantity))
	roll.NetPnL = roll.NetPnL.Add(exec.ActualProfit)
	roll.FeesPaid = roll.FeesPaid.Add(exec.BuyLeg.Fee).Add(exec.SellLeg.Fee)

	if err := store.UpsertDaily(ctx, roll); err != nil {
		a.logger.Warn("rollup write failed", slog.String("error", err.Error()))
	}
}

// runArchiveSweep periodically pages aged execution rows into object storage.
func (a *App) runArchiveSweep(ctx context.Context, archiver domain.Archiver) error {
	ticker := time.NewTicker(a.cfg.Archive.SweepEvery.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
			n, err := archiver.ArchiveBefore(ctx, cutoff)
			if err != nil {
				a.logger.Warn("archive sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.Info("archive sweep completed", slog.Int("archived", n))
			}
		}
	}
}
