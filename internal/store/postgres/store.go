// Package postgres holds the relational repositories for durable core
// metadata: ingestion jobs, data sources, detected gaps and backtest records.
// All repositories take context timeouts and use idempotent upserts keyed by
// their natural keys.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 10 * time.Second

// Store bundles the repositories over one connection pool.
type Store struct {
	DB        *sqlx.DB
	Jobs      *JobsRepo
	Sources   *SourcesRepo
	Gaps      *GapsRepo
	Backtests *BacktestsRepo
}

// Connect opens the pool, pings it and runs migrations.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Msg("postgres connected")
	return NewStore(db), nil
}

// NewStore wraps an existing pool (used by tests with sqlmock-style drivers).
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		DB:        db,
		Jobs:      &JobsRepo{db: db, timeout: defaultTimeout},
		Sources:   &SourcesRepo{db: db, timeout: defaultTimeout},
		Gaps:      &GapsRepo{db: db, timeout: defaultTimeout},
		Backtests: &BacktestsRepo{db: db, timeout: defaultTimeout},
	}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS ingestion_job (
	id              UUID PRIMARY KEY,
	pair            TEXT NOT NULL,
	timeframe       TEXT NOT NULL,
	exchange        TEXT NOT NULL,
	status          TEXT NOT NULL,
	priority        INT NOT NULL DEFAULT 1,
	candles_fetched INT NOT NULL DEFAULT 0,
	candles_stored  INT NOT NULL DEFAULT 0,
	error_message   TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_ingestion_job_status ON ingestion_job (status, priority DESC);

CREATE TABLE IF NOT EXISTS data_source (
	id            UUID PRIMARY KEY,
	pair          TEXT NOT NULL,
	timeframe     TEXT NOT NULL,
	exchange      TEXT NOT NULL,
	earliest_date TIMESTAMPTZ NOT NULL,
	latest_date   TIMESTAMPTZ NOT NULL,
	total_candles INT NOT NULL DEFAULT 0,
	file_path     TEXT NOT NULL DEFAULT '',
	file_size     BIGINT NOT NULL DEFAULT 0,
	is_complete   BOOLEAN NOT NULL DEFAULT FALSE,
	last_updated  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (pair, timeframe, exchange)
);

CREATE TABLE IF NOT EXISTS data_gap (
	id          UUID PRIMARY KEY,
	pair        TEXT NOT NULL,
	timeframe   TEXT NOT NULL,
	gap_start   TIMESTAMPTZ NOT NULL,
	gap_end     TIMESTAMPTZ NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	is_repaired BOOLEAN NOT NULL DEFAULT FALSE,
	detected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	repaired_at TIMESTAMPTZ,
	UNIQUE (pair, timeframe, gap_start, gap_end)
);

CREATE TABLE IF NOT EXISTS backtest_result (
	id              UUID PRIMARY KEY,
	user_id         TEXT NOT NULL,
	type            TEXT NOT NULL,
	exchange        TEXT NOT NULL,
	pair            TEXT NOT NULL,
	timeframe       TEXT NOT NULL,
	strategy_type   TEXT NOT NULL,
	strategy_params JSONB NOT NULL DEFAULT '{}',
	backtest_config JSONB NOT NULL DEFAULT '{}',
	result          JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_backtest_result_user ON backtest_result (user_id, created_at DESC);
`

func migrate(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
