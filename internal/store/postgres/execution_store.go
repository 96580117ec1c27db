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

// ExecutionStore implements domain.ExecutionStore using PostgreSQL. The table
// is the append-only trade log: Create inserts, UpdateState rewrites the same
// row as the state machine advances, and nothing on the decision path reads
// it back.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `
	id, opportunity_id, pair, state, expected_profit::text, actual_profit::text, fail_reason, started_at, ended_at,
	buy_venue, buy_order_id, buy_expected_price::text, buy_filled_price::text, buy_quantity::text, buy_fee::text, buy_submitted_at, buy_settled_at, buy_error,
	sell_venue, sell_order_id, sell_expected_price::text, sell_filled_price::text, sell_quantity::text, sell_fee::text, sell_submitted_at, sell_settled_at, sell_error`

// Create inserts a new execution row.
func (s *ExecutionStore) Create(ctx context.Context, exec domain.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, opportunity_id, pair, state, expected_profit, actual_profit, fail_reason, started_at, ended_at,
			buy_venue, buy_order_id, buy_expected_price, buy_filled_price, buy_quantity, buy_fee, buy_submitted_at, buy_settled_at, buy_error,
			sell_venue, sell_order_id, sell_expected_price, sell_filled_price, sell_quantity, sell_fee, sell_submitted_at, sell_settled_at, sell_error
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27
		)`,
		exec.ID, exec.OpportunityID, exec.Pair, string(exec.State),
		exec.ExpectedProfit.String(), exec.ActualProfit.String(), exec.FailReason,
		exec.StartedAt, nullTime(exec.EndedAt),
		exec.BuyLeg.Venue, exec.BuyLeg.OrderID,
		exec.BuyLeg.ExpectedPrice.String(), exec.BuyLeg.FilledPrice.String(),
		exec.BuyLeg.Quantity.String(), exec.BuyLeg.Fee.String(),
		nullTime(exec.BuyLeg.SubmittedAt), nullTime(exec.BuyLeg.SettledAt), exec.BuyLeg.Err,
		exec.SellLeg.Venue, exec.SellLeg.OrderID,
		exec.SellLeg.ExpectedPrice.String(), exec.SellLeg.FilledPrice.String(),
		exec.SellLeg.Quantity.String(), exec.SellLeg.Fee.String(),
		nullTime(exec.SellLeg.SubmittedAt), nullTime(exec.SellLeg.SettledAt), exec.SellLeg.Err,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", exec.ID, err)
	}
	return nil
}

// UpdateState rewrites the mutable columns of an execution row.
func (s *ExecutionStore) UpdateState(ctx context.Context, exec domain.Execution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET
			state = $2, expected_profit = $3, actual_profit = $4, fail_reason = $5, ended_at = $6,
			buy_order_id = $7, buy_filled_price = $8, buy_fee = $9, buy_submitted_at = $10, buy_settled_at = $11, buy_error = $12,
			sell_order_id = $13, sell_filled_price = $14, sell_fee = $15, sell_submitted_at = $16, sell_settled_at = $17, sell_error = $18
		WHERE id = $1`,
		exec.ID, string(exec.State),
		exec.ExpectedProfit.String(), exec.ActualProfit.String(), exec.FailReason, nullTime(exec.EndedAt),
		exec.BuyLeg.OrderID, exec.BuyLeg.FilledPrice.String(), exec.BuyLeg.Fee.String(),
		nullTime(exec.BuyLeg.SubmittedAt), nullTime(exec.BuyLeg.SettledAt), exec.BuyLeg.Err,
		exec.SellLeg.OrderID, exec.SellLeg.FilledPrice.String(), exec.SellLeg.Fee.String(),
		nullTime(exec.SellLeg.SubmittedAt), nullTime(exec.SellLeg.SettledAt), exec.SellLeg.Err,
	)
	if err != nil {
		return fmt.Errorf("postgres: update execution %s: %w", exec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one execution.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Execution{}, domain.ErrNotFound
		}
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return exec, nil
}

// ListEndedBefore returns terminal executions that ended before cutoff,
// oldest first.
func (s *ExecutionStore) ListEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE ended_at IS NOT NULL AND ended_at < $1
		ORDER BY ended_at ASC
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ended executions: %w", err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// DeleteByIDs removes archived execution rows.
func (s *ExecutionStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete executions: %w", err)
	}
	return nil
}

// scanExecution reads one row in executionColumns order.
func scanExecution(row pgx.Row) (domain.Execution, error) {
	var (
		exec                                domain.Execution
		state                               string
		expProfit, actProfit                string
		endedAt                             *time.Time
		buyExp, buyFill, buyQty, buyFee     string
		buySubmitted, buySettled            *time.Time
		sellExp, sellFill, sellQty, sellFee string
		sellSubmitted, sellSettled          *time.Time
	)

	err := row.Scan(
		&exec.ID, &exec.OpportunityID, &exec.Pair, &state, &expProfit, &actProfit, &exec.FailReason, &exec.StartedAt, &endedAt,
		&exec.BuyLeg.Venue, &exec.BuyLeg.OrderID, &buyExp, &buyFill, &buyQty, &buyFee, &buySubmitted, &buySettled, &exec.BuyLeg.Err,
		&exec.SellLeg.Venue, &exec.SellLeg.OrderID, &sellExp, &sellFill, &sellQty, &sellFee, &sellSubmitted, &sellSettled, &exec.SellLeg.Err,
	)
	if err != nil {
		return domain.Execution{}, err
	}

	exec.State = domain.ExecutionState(state)
	exec.BuyLeg.Side = domain.LegBuy
	exec.SellLeg.Side = domain.LegSell
	if endedAt != nil {
		exec.EndedAt = *endedAt
	}
	assignTime(&exec.BuyLeg.SubmittedAt, buySubmitted)
	assignTime(&exec.BuyLeg.SettledAt, buySettled)
	assignTime(&exec.SellLeg.SubmittedAt, sellSubmitted)
	assignTime(&exec.SellLeg.SettledAt, sellSettled)

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&exec.ExpectedProfit, expProfit},
		{&exec.ActualProfit, actProfit},
		{&exec.BuyLeg.ExpectedPrice, buyExp},
		{&exec.BuyLeg.FilledPrice, buyFill},
		{&exec.BuyLeg.Quantity, buyQty},
		{&exec.BuyLeg.Fee, buyFee},
		{&exec.SellLeg.ExpectedPrice, sellExp},
		{&exec.SellLeg.FilledPrice, sellFill},
		{&exec.SellLeg.Quantity, sellQty},
		{&exec.SellLeg.Fee, sellFee},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.Execution{}, fmt.Errorf("parse numeric %q: %w", f.src, err)
		}
		*f.dst = d
	}

	return exec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func assignTime(dst *time.Time, src *time.Time) {
	if src != nil {
		*dst = *src
	}
}

// Compile-time interface check.
var _ domain.ExecutionStore = (*ExecutionStore)(nil)
