package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// BacktestsRepo persists backtest and optimization runs.
type BacktestsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Insert stores a finished run and returns its id.
func (r *BacktestsRepo) Insert(ctx context.Context, rec BacktestRecord) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO backtest_result (id, user_id, type, exchange, pair, timeframe,
		                             strategy_type, strategy_params, backtest_config, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		rec.ID, rec.UserID, rec.Type, rec.Exchange, rec.Pair, rec.Timeframe,
		rec.StrategyType, rec.StrategyParams, rec.BacktestConfig, rec.Result)
	if err != nil {
		return "", fmt.Errorf("failed to insert backtest result: %w", err)
	}
	return rec.ID, nil
}

// Get returns one run by id, scoped to its owner.
func (r *BacktestsRepo) Get(ctx context.Context, userID, id string) (*BacktestRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rec BacktestRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT * FROM backtest_result WHERE id = $1 AND user_id = $2`, id, userID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backtest result: %w", err)
	}
	return &rec, nil
}

// List returns a page of runs matching the filter, newest first.
func (r *BacktestsRepo) List(ctx context.Context, f BacktestFilter) ([]BacktestRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where := []string{"user_id = $1"}
	args := []any{f.UserID}
	n := 2
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, n))
		args = append(args, v)
		n++
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.StrategyType != "" {
		add("strategy_type = $%d", f.StrategyType)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := 0
	if f.Page > 1 {
		offset = (f.Page - 1) * limit
	}

	query := fmt.Sprintf(`
		SELECT * FROM backtest_result
		WHERE %s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d`, strings.Join(where, " AND "), limit, offset)

	var out []BacktestRecord
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list backtest results: %w", err)
	}
	return out, nil
}

// DeleteForUser removes all runs owned by a user (user deletion cascade).
func (r *BacktestsRepo) DeleteForUser(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM backtest_result WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete backtest results: %w", err)
	}
	return nil
}
