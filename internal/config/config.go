// Package config defines the top-level configuration for the arbitrage bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBOT_* environment variables.
type Config struct {
	Venues   map[string]VenueConfig `toml:"venues"`
	Feed     FeedConfig             `toml:"feed"`
	Detector DetectorConfig         `toml:"detector"`
	Risk     RiskConfig             `toml:"risk"`
	Execute  ExecuteConfig          `toml:"execute"`
	Maker    MakerConfig            `toml:"maker"`
	Archive  ArchiveConfig          `toml:"archive"`
	Postgres PostgresConfig         `toml:"postgres"`
	Redis    RedisConfig            `toml:"redis"`
	S3       S3Config               `toml:"s3"`
	Notify   NotifyConfig           `toml:"notify"`
	Server   ServerConfig           `toml:"server"`
	Pair     string                 `toml:"pair"`
	Mode     string                 `toml:"mode"`
	LogLevel string                 `toml:"log_level"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// VenueConfig describes one trading venue: which adapter drives it, its fee
// schedule, and its credentials.
type VenueConfig struct {
	// Driver selects the adapter: "luno", "remitano", or "paper".
	Driver  string `toml:"driver"`
	Enabled bool   `toml:"enabled"`

	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`

	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`

	// Fee schedule. Percentages are plain percent values (0.25 means 0.25%).
	TakerFeePct  float64 `toml:"taker_fee_pct"`
	WithdrawFlat float64 `toml:"withdraw_flat"`
	SellTaxPct   float64 `toml:"sell_tax_pct"`

	MinQuantity float64 `toml:"min_quantity"`

	Paper PaperConfig `toml:"paper"`
}

// PaperConfig scripts the simulated venue used by the "paper" driver.
type PaperConfig struct {
	BasePrice  float64            `toml:"base_price"`
	Spread     float64            `toml:"spread"`
	Drift      float64            `toml:"drift"`
	DriftCycle int                `toml:"drift_cycle"`
	QuoteEvery duration           `toml:"quote_every"`
	FillSlip   float64            `toml:"fill_slip"`
	Balances   map[string]float64 `toml:"balances"`
}

// FeedConfig tunes the per-venue connection supervisors and the aggregator.
type FeedConfig struct {
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectBase     duration `toml:"reconnect_base"`
	ReconnectMax      duration `toml:"reconnect_max"`
	ReconnectJitter   float64  `toml:"reconnect_jitter"`

	HeartbeatEvery duration `toml:"heartbeat_every"`
	StallAfter     int      `toml:"stall_after"`

	PollEvery  duration `toml:"poll_every"`
	PollWindow duration `toml:"poll_window"`

	OutboxSize int `toml:"outbox_size"`

	// ChangeEpsilon is the minimum bid or ask movement that produces a
	// change event downstream.
	ChangeEpsilon float64 `toml:"change_epsilon"`
}

// DetectorConfig tunes opportunity detection thresholds.
type DetectorConfig struct {
	ReferenceQuantity float64  `toml:"reference_quantity"`
	MinProfit         float64  `toml:"min_profit"`
	MinROIPct         float64  `toml:"min_roi_pct"`
	PairCooldown      duration `toml:"pair_cooldown"`

	PriceAlerts PriceAlertsConfig `toml:"price_alerts"`
}

// PriceAlertsConfig defines absolute price triggers per venue.
type PriceAlertsConfig struct {
	AboveAsk map[string]float64 `toml:"above_ask"`
	BelowBid map[string]float64 `toml:"below_bid"`
	Cooldown duration           `toml:"cooldown"`
}

// RiskConfig holds the risk gate limits and starting capital.
type RiskConfig struct {
	Capital              float64 `toml:"capital"`
	DailyVolumeLimit     float64 `toml:"daily_volume_limit"`
	MaxPerTrade          float64 `toml:"max_per_trade"`
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses"`
	ResetHourUTC         int     `toml:"reset_hour_utc"`
}

// ExecuteConfig tunes the two-leg execution engine.
type ExecuteConfig struct {
	CallTimeout       duration `toml:"call_timeout"`
	BuyRetryAttempts  int      `toml:"buy_retry_attempts"`
	SellRetryAttempts int      `toml:"sell_retry_attempts"`
}

// MakerConfig tunes the P2P maker-order lifecycle manager.
type MakerConfig struct {
	Venue string `toml:"venue"`

	MaxOrders  int      `toml:"max_orders"`
	MaxRelists int      `toml:"max_relists"`
	OrderTTL   duration `toml:"order_ttl"`

	OrderQuantity float64 `toml:"order_quantity"`
	MinReserve    float64 `toml:"min_reserve"`
	CostBasis     float64 `toml:"cost_basis"`
	RepriceGap    float64 `toml:"reprice_gap"`

	TickEvery   duration `toml:"tick_every"`
	CallTimeout duration `toml:"call_timeout"`

	RatePerSec float64 `toml:"rate_per_sec"`
	RateBurst  int     `toml:"rate_burst"`

	Pricing PricingConfig `toml:"pricing"`
}

// PricingConfig selects and tunes the maker pricing strategy.
type PricingConfig struct {
	// Strategy is "undercut" or "fixed".
	Strategy string `toml:"strategy"`

	// Target is the fixed-strategy ask price.
	Target float64 `toml:"target"`

	// Undercut parameters.
	Offset    float64 `toml:"offset"`
	WidenStep float64 `toml:"widen_step"`
	Floor     float64 `toml:"floor"`
	Fallback  float64 `toml:"fallback"`
}

// ArchiveConfig tunes the execution-log archival sweep.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	SweepEvery    duration `toml:"sweep_every"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials and the event filter.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	EventChannel      string   `toml:"event_channel"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values: a paper
// rendition of the Luno/Remitano XBT/MYR setup, suitable for a dry run with
// no credentials.
func Defaults() Config {
	return Config{
		Pair: "XBT/MYR",
		Venues: map[string]VenueConfig{
			"luno": {
				Driver:       "paper",
				Enabled:      true,
				BaseURL:      "https://api.luno.com",
				WSURL:        "wss://ws.luno.com/api/1/stream",
				TakerFeePct:  0.1,
				WithdrawFlat: 25,
				SellTaxPct:   0,
				MinQuantity:  0.0005,
				Paper: PaperConfig{
					BasePrice:  90000,
					Spread:     150,
					Drift:      40,
					DriftCycle: 24,
					QuoteEvery: duration{500 * time.Millisecond},
					FillSlip:   5,
					Balances:   map[string]float64{"XBT": 1, "MYR": 250000},
				},
			},
			"remitano": {
				Driver:       "paper",
				Enabled:      true,
				BaseURL:      "https://api.remitano.com",
				TakerFeePct:  1.0,
				WithdrawFlat: 0,
				SellTaxPct:   0.5,
				MinQuantity:  0.001,
				Paper: PaperConfig{
					BasePrice:  91200,
					Spread:     400,
					Drift:      -30,
					DriftCycle: 36,
					QuoteEvery: duration{time.Second},
					FillSlip:   10,
					Balances:   map[string]float64{"XBT": 1, "MYR": 250000},
				},
			},
		},
		Feed: FeedConfig{
			ReconnectAttempts: 5,
			ReconnectBase:     duration{2 * time.Second},
			ReconnectMax:      duration{60 * time.Second},
			ReconnectJitter:   0.2,
			HeartbeatEvery:    duration{15 * time.Second},
			StallAfter:        3,
			PollEvery:         duration{10 * time.Second},
			PollWindow:        duration{time.Minute},
			OutboxSize:        16,
			ChangeEpsilon:     1,
		},
		Detector: DetectorConfig{
			ReferenceQuantity: 0.01,
			MinProfit:         50,
			MinROIPct:         0.15,
			PairCooldown:      duration{30 * time.Second},
			PriceAlerts: PriceAlertsConfig{
				Cooldown: duration{5 * time.Minute},
			},
		},
		Risk: RiskConfig{
			Capital:              100000,
			DailyVolumeLimit:     250000,
			MaxPerTrade:          0.25,
			MaxConsecutiveLosses: 3,
			ResetHourUTC:         0,
		},
		Execute: ExecuteConfig{
			CallTimeout:       duration{15 * time.Second},
			BuyRetryAttempts:  2,
			SellRetryAttempts: 3,
		},
		Maker: MakerConfig{
			Venue:         "remitano",
			MaxOrders:     1,
			MaxRelists:    5,
			OrderTTL:      duration{30 * time.Minute},
			OrderQuantity: 0.005,
			MinReserve:    0.01,
			RepriceGap:    50,
			TickEvery:     duration{30 * time.Second},
			CallTimeout:   duration{15 * time.Second},
			RatePerSec:    2,
			RateBurst:     4,
			Pricing: PricingConfig{
				Strategy:  "undercut",
				Offset:    100,
				WidenStep: 50,
				Floor:     89000,
				Fallback:  91000,
			},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			SweepEvery:    duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbot",
			User:          "arbot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{
				"execution_completed", "execution_failed", "partial_fill",
				"connectivity_degraded", "connectivity_restored",
				"order_filled", "maker_halted",
			},
			EventChannel: "arbot:events",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"arbitrage": true,
	"maker":     true,
	"monitor":   true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDrivers enumerates the accepted venue drivers.
var validDrivers = map[string]bool{
	"luno":     true,
	"remitano": true,
	"paper":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: arbitrage, maker, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}

	// Pair
	if !strings.Contains(c.Pair, "/") {
		errs = append(errs, fmt.Sprintf("pair %q must be BASE/QUOTE, e.g. XBT/MYR", c.Pair))
	}

	// Venues
	enabled := 0
	for name, v := range c.Venues {
		if !validDrivers[v.Driver] {
			errs = append(errs, fmt.Sprintf("venues.%s: unknown driver %q (valid: luno, remitano, paper)", name, v.Driver))
		}
		if v.Enabled {
			enabled++
		}
		if v.Driver != "paper" && v.Enabled && v.APIKey == "" {
			errs = append(errs, fmt.Sprintf("venues.%s: api_key is required for driver %q", name, v.Driver))
		}
		if v.TakerFeePct < 0 || v.SellTaxPct < 0 || v.WithdrawFlat < 0 {
			errs = append(errs, fmt.Sprintf("venues.%s: fees must not be negative", name))
		}
		if v.MinQuantity < 0 {
			errs = append(errs, fmt.Sprintf("venues.%s: min_quantity must not be negative", name))
		}
	}
	needsTwoVenues := mode == "arbitrage" || mode == "monitor" || mode == "full"
	if needsTwoVenues && enabled < 2 {
		errs = append(errs, fmt.Sprintf("at least two enabled venues are required for mode %s, got %d", c.Mode, enabled))
	}

	// Risk limits apply whenever trades can fire.
	if mode == "arbitrage" || mode == "full" {
		if c.Risk.Capital <= 0 {
			errs = append(errs, "risk: capital must be > 0")
		}
		if c.Risk.DailyVolumeLimit <= 0 {
			errs = append(errs, "risk: daily_volume_limit must be > 0")
		}
		if c.Risk.MaxPerTrade <= 0 {
			errs = append(errs, "risk: max_per_trade must be > 0")
		}
		if c.Risk.MaxConsecutiveLosses < 1 {
			errs = append(errs, "risk: max_consecutive_losses must be >= 1")
		}
		if c.Detector.ReferenceQuantity <= 0 {
			errs = append(errs, "detector: reference_quantity must be > 0")
		}
	}
	if c.Risk.ResetHourUTC < 0 || c.Risk.ResetHourUTC > 23 {
		errs = append(errs, fmt.Sprintf("risk: reset_hour_utc must be 0-23, got %d", c.Risk.ResetHourUTC))
	}

	// Maker
	if mode == "maker" || mode == "full" {
		if _, ok := c.Venues[c.Maker.Venue]; !ok {
			errs = append(errs, fmt.Sprintf("maker: venue %q is not configured under [venues]", c.Maker.Venue))
		}
		if c.Maker.OrderQuantity <= 0 {
			errs = append(errs, "maker: order_quantity must be > 0")
		}
		if c.Maker.MaxRelists < 0 {
			errs = append(errs, "maker: max_relists must be >= 0")
		}
		switch c.Maker.Pricing.Strategy {
		case "undercut":
			if c.Maker.Pricing.Fallback <= 0 {
				errs = append(errs, "maker: pricing.fallback must be > 0 for the undercut strategy")
			}
		case "fixed":
			if c.Maker.Pricing.Target <= 0 {
				errs = append(errs, "maker: pricing.target must be > 0 for the fixed strategy")
			}
		default:
			errs = append(errs, fmt.Sprintf("maker: unknown pricing.strategy %q (valid: undercut, fixed)", c.Maker.Pricing.Strategy))
		}
	}

	// Only modes that persist executions connect to postgres.
	if mode == "arbitrage" || mode == "full" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Only the archive sweep touches object storage.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
