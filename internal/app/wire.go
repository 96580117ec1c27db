package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	s3blob "github.com/mzulkifli/arbot/internal/blob/s3"
	"github.com/mzulkifli/arbot/internal/cache/redis"
	"github.com/mzulkifli/arbot/internal/config"
	"github.com/mzulkifli/arbot/internal/domain"
	"github.com/mzulkifli/arbot/internal/notify"
	"github.com/mzulkifli/arbot/internal/store/postgres"
	"github.com/mzulkifli/arbot/internal/venue/luno"
	"github.com/mzulkifli/arbot/internal/venue/paper"
	"github.com/mzulkifli/arbot/internal/venue/remitano"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Venue adapters for every enabled venue, plus their degraded-mode
	// pollers and fee schedules.
	Venues  map[string]domain.VenueClient
	Pollers map[string]domain.QuotePoller
	Fees    domain.VenueFees
	MinQty  domain.VenueMinQty

	// Stores
	ExecutionStore domain.ExecutionStore
	RollupStore    domain.RollupStore

	// Caches
	QuoteCache domain.QuoteCache
	EventBus   domain.EventBus

	// Blob storage
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that persist executions.
func needsPostgres(mode string) bool {
	switch mode {
	case "arbitrage", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true when the archive sweep will run. The archiver pages
// rows out of the execution log, so it also needs Postgres.
func needsS3(cfg *config.Config) bool {
	return cfg.Archive.Enabled && needsPostgres(cfg.Mode)
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Venues ---
	if err := wireVenues(cfg, deps, logger); err != nil {
		return nil, nil, err
	}

	// --- PostgreSQL (only for modes that need persistence) ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.ExecutionStore = postgres.NewExecutionStore(pool)
		deps.RollupStore = postgres.NewRollupStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.QuoteCache = redis.NewQuoteCache(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)

	// --- S3 blob storage (only when the archive sweep runs) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.Archiver = s3blob.NewArchiver(deps.ExecutionStore, s3blob.NewWriter(s3Client), logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, deps.EventBus, cfg.Notify.EventChannel, logger)
	closers = append(closers, func() { _ = deps.Notifier.Close() })

	return deps, cleanup, nil
}

// wireVenues builds one adapter per enabled venue and collects the fee
// schedules the calculator and detector price against.
func wireVenues(cfg *config.Config, deps *Dependencies, logger *slog.Logger) error {
	deps.Venues = make(map[string]domain.VenueClient)
	deps.Pollers = make(map[string]domain.QuotePoller)
	deps.Fees = make(domain.VenueFees)
	deps.MinQty = make(domain.VenueMinQty)

	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}

		switch vc.Driver {
		case "paper":
			balances := make(map[string]decimal.Decimal, len(vc.Paper.Balances))
			for asset, amount := range vc.Paper.Balances {
				balances[asset] = decimal.NewFromFloat(amount)
			}
			v := paper.New(paper.Config{
				Name:       name,
				Pair:       cfg.Pair,
				BasePrice:  decimal.NewFromFloat(vc.Paper.BasePrice),
				Spread:     decimal.NewFromFloat(vc.Paper.Spread),
				Drift:      decimal.NewFromFloat(vc.Paper.Drift),
				DriftCycle: vc.Paper.DriftCycle,
				QuoteEvery: vc.Paper.QuoteEvery.Duration,
				FillSlip:   decimal.NewFromFloat(vc.Paper.FillSlip),
				Balances:   balances,
			}, logger)
			deps.Venues[name] = v
			deps.Pollers[name] = v

		case "luno":
			v := luno.New(luno.Config{
				BaseURL: vc.BaseURL,
				WSURL:   vc.WSURL,
				KeyID:   vc.APIKey,
				Secret:  vc.APISecret,
				Pair:    cfg.Pair,
			}, logger)
			deps.Venues[name] = v
			deps.Pollers[name] = v

		case "remitano":
			v := remitano.New(remitano.Config{
				BaseURL: vc.BaseURL,
				APIKey:  vc.APIKey,
				Secret:  vc.APISecret,
				Pair:    cfg.Pair,
			}, logger)
			deps.Venues[name] = v
			deps.Pollers[name] = v

		default:
			return fmt.Errorf("wire: venue %s: unknown driver %q", name, vc.Driver)
		}

		deps.Fees[name] = domain.FeeSchedule{
			TakerFeePct:  decimal.NewFromFloat(vc.TakerFeePct),
			WithdrawFlat: decimal.NewFromFloat(vc.WithdrawFlat),
			SellTaxPct:   decimal.NewFromFloat(vc.SellTaxPct),
		}
		deps.MinQty[name] = decimal.NewFromFloat(vc.MinQuantity)
	}

	return nil
}
