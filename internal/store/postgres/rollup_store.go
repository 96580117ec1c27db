package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
)

// RollupStore implements domain.RollupStore using PostgreSQL.
type RollupStore struct {
	pool *pgxpool.Pool
}

// NewRollupStore creates a new RollupStore.
func NewRollupStore(pool *pgxpool.Pool) *RollupStore {
	return &RollupStore{pool: pool}
}

// UpsertDaily writes one day's aggregate, replacing any previous row for the
// same day.
func (s *RollupStore) UpsertDaily(ctx context.Context, r domain.DailyRollup) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_rollups (day, trades, wins, losses, volume, net_pnl, fees_paid)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (day) DO UPDATE SET
			trades = EXCLUDED.trades,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			volume = EXCLUDED.volume,
			net_pnl = EXCLUDED.net_pnl,
			fees_paid = EXCLUDED.fees_paid`,
		r.Day.UTC().Truncate(24*time.Hour),
		r.Trades, r.Wins, r.Losses,
		r.Volume.String(), r.NetPnL.String(), r.FeesPaid.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert rollup %s: %w", r.Day.Format("2006-01-02"), err)
	}
	return nil
}

// GetDay returns the rollup for one day, or domain.ErrNotFound.
func (s *RollupStore) GetDay(ctx context.Context, day time.Time) (domain.DailyRollup, error) {
	var (
		r                        domain.DailyRollup
		volume, netPnL, feesPaid string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT day, trades, wins, losses, volume::text, net_pnl::text, fees_paid::text
		FROM daily_rollups WHERE day = $1`,
		day.UTC().Truncate(24*time.Hour),
	).Scan(&r.Day, &r.Trades, &r.Wins, &r.Losses, &volume, &netPnL, &feesPaid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DailyRollup{}, domain.ErrNotFound
		}
		return domain.DailyRollup{}, fmt.Errorf("postgres: get rollup: %w", err)
	}

	if r.Volume, err = decimal.NewFromString(volume); err != nil {
		return domain.DailyRollup{}, fmt.Errorf("postgres: parse volume: %w", err)
	}
	if r.NetPnL, err = decimal.NewFromString(netPnL); err != nil {
		return domain.DailyRollup{}, fmt.Errorf("postgres: parse net_pnl: %w", err)
	}
	if r.FeesPaid, err = decimal.NewFromString(feesPaid); err != nil {
		return domain.DailyRollup{}, fmt.Errorf("postgres: parse fees_paid: %w", err)
	}
	return r, nil
}

// Compile-time interface check.
var _ domain.RollupStore = (*RollupStore)(nil)
