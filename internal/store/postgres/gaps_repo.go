package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// GapsRepo persists detected data gaps. The (pair,timeframe,gap_start,gap_end)
// unique key makes repeated detection runs idempotent.
type GapsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Record stores a detected gap if not already known.
func (r *GapsRepo) Record(ctx context.Context, gap DataGap) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if gap.ID == "" {
		gap.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO data_gap (id, pair, timeframe, gap_start, gap_end, reason, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (pair, timeframe, gap_start, gap_end) DO NOTHING`,
		gap.ID, gap.Pair, gap.Timeframe, gap.GapStart, gap.GapEnd, gap.Reason)
	if err != nil {
		return fmt.Errorf("failed to record data gap: %w", err)
	}
	return nil
}

// ListOpen returns unrepaired gaps for a pair/timeframe; empty pair matches all.
func (r *GapsRepo) ListOpen(ctx context.Context, pair, timeframe string) ([]DataGap, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var gaps []DataGap
	var err error
	if pair != "" {
		err = r.db.SelectContext(ctx, &gaps, `
			SELECT * FROM data_gap
			WHERE is_repaired = FALSE AND pair = $1 AND timeframe = $2
			ORDER BY gap_start`, pair, timeframe)
	} else {
		err = r.db.SelectContext(ctx, &gaps, `
			SELECT * FROM data_gap WHERE is_repaired = FALSE ORDER BY gap_start`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list open gaps: %w", err)
	}
	return gaps, nil
}

// MarkRepaired closes a gap after a successful repair ingestion.
func (r *GapsRepo) MarkRepaired(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE data_gap SET is_repaired = TRUE, repaired_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark gap repaired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
