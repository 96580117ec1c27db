package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venue credentials: ARBOT_VENUE_<NAME>_API_KEY / _API_SECRET ──
	for name, v := range cfg.Venues {
		prefix := "ARBOT_VENUE_" + strings.ToUpper(name)
		setStr(&v.APIKey, prefix+"_API_KEY")
		setStr(&v.APISecret, prefix+"_API_SECRET")
		setStr(&v.BaseURL, prefix+"_BASE_URL")
		setStr(&v.WSURL, prefix+"_WS_URL")
		cfg.Venues[name] = v
	}

	// ── Feed ──
	setInt(&cfg.Feed.ReconnectAttempts, "ARBOT_FEED_RECONNECT_ATTEMPTS")
	setDuration(&cfg.Feed.HeartbeatEvery, "ARBOT_FEED_HEARTBEAT_EVERY")
	setDuration(&cfg.Feed.PollEvery, "ARBOT_FEED_POLL_EVERY")
	setDuration(&cfg.Feed.PollWindow, "ARBOT_FEED_POLL_WINDOW")

	// ── Detector ──
	setFloat64(&cfg.Detector.ReferenceQuantity, "ARBOT_DETECTOR_REFERENCE_QUANTITY")
	setFloat64(&cfg.Detector.MinProfit, "ARBOT_DETECTOR_MIN_PROFIT")
	setFloat64(&cfg.Detector.MinROIPct, "ARBOT_DETECTOR_MIN_ROI_PCT")
	setDuration(&cfg.Detector.PairCooldown, "ARBOT_DETECTOR_PAIR_COOLDOWN")

	// ── Risk ──
	setFloat64(&cfg.Risk.Capital, "ARBOT_RISK_CAPITAL")
	setFloat64(&cfg.Risk.DailyVolumeLimit, "ARBOT_RISK_DAILY_VOLUME_LIMIT")
	setFloat64(&cfg.Risk.MaxPerTrade, "ARBOT_RISK_MAX_PER_TRADE")
	setInt(&cfg.Risk.MaxConsecutiveLosses, "ARBOT_RISK_MAX_CONSECUTIVE_LOSSES")
	setInt(&cfg.Risk.ResetHourUTC, "ARBOT_RISK_RESET_HOUR_UTC")

	// ── Maker ──
	setStr(&cfg.Maker.Venue, "ARBOT_MAKER_VENUE")
	setFloat64(&cfg.Maker.OrderQuantity, "ARBOT_MAKER_ORDER_QUANTITY")
	setFloat64(&cfg.Maker.MinReserve, "ARBOT_MAKER_MIN_RESERVE")
	setFloat64(&cfg.Maker.CostBasis, "ARBOT_MAKER_COST_BASIS")
	setInt(&cfg.Maker.MaxOrders, "ARBOT_MAKER_MAX_ORDERS")
	setInt(&cfg.Maker.MaxRelists, "ARBOT_MAKER_MAX_RELISTS")
	setDuration(&cfg.Maker.OrderTTL, "ARBOT_MAKER_ORDER_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ARBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ARBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.SweepEvery, "ARBOT_ARCHIVE_SWEEP_EVERY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ARBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBOT_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBOT_NOTIFY_EVENTS")
	setStr(&cfg.Notify.EventChannel, "ARBOT_NOTIFY_EVENT_CHANNEL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ARBOT_SERVER_API_KEY")

	// ── Top-level ──
	setStr(&cfg.Pair, "ARBOT_PAIR")
	setStr(&cfg.Mode, "ARBOT_MODE")
	setStr(&cfg.LogLevel, "ARBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
