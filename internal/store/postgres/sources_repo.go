package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SourcesRepo persists data_source rows, upserted by (pair,timeframe,exchange).
type SourcesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Upsert creates or refreshes the coverage row for a stored series.
func (r *SourcesRepo) Upsert(ctx context.Context, src DataSource) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO data_source (id, pair, timeframe, exchange, earliest_date, latest_date,
		                         total_candles, file_path, file_size, is_complete, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (pair, timeframe, exchange) DO UPDATE SET
			earliest_date = LEAST(data_source.earliest_date, EXCLUDED.earliest_date),
			latest_date   = GREATEST(data_source.latest_date, EXCLUDED.latest_date),
			total_candles = EXCLUDED.total_candles,
			file_path     = EXCLUDED.file_path,
			file_size     = EXCLUDED.file_size,
			is_complete   = EXCLUDED.is_complete,
			last_updated  = now()`,
		src.ID, src.Pair, src.Timeframe, src.Exchange, src.EarliestDate, src.LatestDate,
		src.TotalCandles, src.FilePath, src.FileSize, src.IsComplete)
	if err != nil {
		return fmt.Errorf("failed to upsert data source: %w", err)
	}
	return nil
}

// Get returns the coverage row, or ErrNotFound.
func (r *SourcesRepo) Get(ctx context.Context, pair, timeframe, exchange string) (*DataSource, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var src DataSource
	err := r.db.GetContext(ctx, &src, `
		SELECT * FROM data_source WHERE pair = $1 AND timeframe = $2 AND exchange = $3`,
		pair, timeframe, exchange)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data source: %w", err)
	}
	return &src, nil
}

// List returns all coverage rows.
func (r *SourcesRepo) List(ctx context.Context) ([]DataSource, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []DataSource
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM data_source ORDER BY pair, timeframe`); err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	return out, nil
}
