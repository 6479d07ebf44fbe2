// Package ingest backfills historical candles from venue REST APIs into the
// columnar store, tracks job progress in the relational store, and detects
// and repairs holes in stored series.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/exchange"
	"github.com/tradecore/tradecore/internal/metrics"
	"github.com/tradecore/tradecore/internal/store/colstore"
	"github.com/tradecore/tradecore/internal/store/postgres"
)

// earliestBackfill bounds gap detection for series we have never stored.
var earliestBackfill = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// JobStore is the slice of the relational store the ingestor needs for jobs.
type JobStore interface {
	Create(ctx context.Context, pair, timeframe, exchange string, priority int) (*postgres.IngestionJob, error)
	Get(ctx context.Context, id string) (*postgres.IngestionJob, error)
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, msg string) error
	UpdateProgress(ctx context.Context, id string, fetched, stored int) error
}

// SourceStore tracks per-series coverage rows.
type SourceStore interface {
	Upsert(ctx context.Context, src postgres.DataSource) error
	Get(ctx context.Context, pair, timeframe, exchange string) (*postgres.DataSource, error)
}

// GapStore persists detected gaps.
type GapStore interface {
	Record(ctx context.Context, gap postgres.DataGap) error
	ListOpen(ctx context.Context, pair, timeframe string) ([]postgres.DataGap, error)
	MarkRepaired(ctx context.Context, id string) error
}

// Config tunes the ingestor.
type Config struct {
	Exchange   string        `yaml:"exchange"`
	RateLimit  time.Duration `yaml:"rate_limit"`
	ChunkSize  int           `yaml:"chunk_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

func (c *Config) defaults() {
	if c.Exchange == "" {
		c.Exchange = "kraken"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 100 * time.Millisecond
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
}

// Ingestor runs chunked backfills.
type Ingestor struct {
	cfg     Config
	fetcher exchange.CandleFetcher
	candles *colstore.Store
	jobs    JobStore
	sources SourceStore
	gaps    GapStore
	limiter *rate.Limiter
	prom    *metrics.Registry
}

// New creates an ingestor.
func New(cfg Config, fetcher exchange.CandleFetcher, candles *colstore.Store, jobs JobStore, sources SourceStore, gaps GapStore) *Ingestor {
	cfg.defaults()
	return &Ingestor{
		cfg:     cfg,
		fetcher: fetcher,
		candles: candles,
		jobs:    jobs,
		sources: sources,
		gaps:    gaps,
		limiter: rate.NewLimiter(rate.Every(cfg.RateLimit), 1),
	}
}

// WithMetrics records chunk, candle and gap counters into reg.
func (i *Ingestor) WithMetrics(reg *metrics.Registry) *Ingestor {
	i.prom = reg
	return i
}

// Ingest backfills [startDate, endDate] inclusive and blocks until the job
// reaches a terminal state. The returned job reflects final progress.
func (i *Ingestor) Ingest(ctx context.Context, pair, timeframe string, startDate, endDate time.Time, priority int) (*postgres.IngestionJob, error) {
	pair, err := market.NormalizePair(pair)
	if err != nil {
		return nil, err
	}
	tfMillis, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if !endDate.After(startDate) {
		return nil, fmt.Errorf("end date %s not after start date %s", endDate, startDate)
	}

	job, err := i.jobs.Create(ctx, pair, timeframe, i.fetcher.Name(), priority)
	if err != nil {
		return nil, err
	}
	if err := i.jobs.MarkRunning(ctx, job.ID); err != nil {
		return job, err
	}

	log.Info().Str("job", job.ID).Str("pair", pair).Str("timeframe", timeframe).
		Time("from", startDate).Time("to", endDate).Msg("ingestion started")

	if err := i.run(ctx, job, pair, timeframe, tfMillis, startDate.UnixMilli(), endDate.UnixMilli()); err != nil {
		_ = i.jobs.MarkFailed(ctx, job.ID, err.Error())
		return i.jobs.Get(ctx, job.ID)
	}
	fresh, err := i.jobs.Get(ctx, job.ID)
	if err != nil {
		return job, err
	}
	if fresh.Status == postgres.JobCancelled {
		return fresh, nil
	}
	if err := i.jobs.MarkCompleted(ctx, job.ID); err != nil {
		return job, err
	}
	return i.jobs.Get(ctx, job.ID)
}

func (i *Ingestor) run(ctx context.Context, job *postgres.IngestionJob, pair, timeframe string, tfMillis, current, end int64) error {
	fetched, stored := 0, 0

	for current <= end {
		// The job row is the cancellation channel: operators flip the
		// status and the loop observes it between chunks.
		fresh, err := i.jobs.Get(ctx, job.ID)
		if err == nil && fresh.Status == postgres.JobCancelled {
			log.Info().Str("job", job.ID).Msg("ingestion cancelled")
			return i.refreshSource(ctx, pair, timeframe)
		}

		batch, err := i.fetchWithRetry(ctx, pair, timeframe, current)
		if err != nil {
			return err
		}
		if i.prom != nil {
			i.prom.IngestChunks.WithLabelValues(i.fetcher.Name()).Inc()
		}

		valid := batch[:0]
		for _, c := range batch {
			if c.Timestamp > end {
				continue
			}
			if err := c.Validate(); err != nil {
				log.Warn().Str("pair", pair).Err(err).Msg("dropping invalid candle")
				continue
			}
			valid = append(valid, c)
		}
		if len(valid) == 0 {
			break
		}

		n, err := i.candles.AppendCandles(pair, timeframe, valid)
		if err != nil {
			return fmt.Errorf("failed to store candles: %w", err)
		}
		if i.prom != nil {
			i.prom.IngestCandles.WithLabelValues(pair).Add(float64(n))
		}
		fetched += len(batch)
		stored += n
		if err := i.jobs.UpdateProgress(ctx, job.ID, fetched, stored); err != nil {
			return err
		}

		last := valid[len(valid)-1].Timestamp
		next := last + tfMillis
		if next <= current {
			break // venue returned no forward progress
		}
		current = next

		if err := i.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ingestion aborted: %w", err)
		}
	}

	return i.refreshSource(ctx, pair, timeframe)
}

func (i *Ingestor) fetchWithRetry(ctx context.Context, pair, timeframe string, since int64) ([]market.Candle, error) {
	var lastErr error
	for attempt := 1; attempt <= i.cfg.MaxRetries; attempt++ {
		batch, err := i.fetcher.FetchCandles(ctx, pair, timeframe, since, i.cfg.ChunkSize)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		log.Warn().Str("pair", pair).Int("attempt", attempt).Err(err).Msg("candle fetch failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(i.cfg.RetryDelay * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", i.cfg.MaxRetries, lastErr)
}

// refreshSource rewrites the coverage row from what is actually on disk.
func (i *Ingestor) refreshSource(ctx context.Context, pair, timeframe string) error {
	rng, err := i.candles.GetAvailableRange(pair, timeframe)
	if err != nil || rng == nil {
		return err
	}
	return i.sources.Upsert(ctx, postgres.DataSource{
		Pair:         pair,
		Timeframe:    timeframe,
		Exchange:     i.fetcher.Name(),
		EarliestDate: time.UnixMilli(rng.Earliest).UTC(),
		LatestDate:   time.UnixMilli(rng.Latest).UTC(),
		TotalCandles: rng.TotalCandles,
		FilePath:     fmt.Sprintf("%s/%s", market.PairFileKey(pair), timeframe),
		IsComplete:   false,
	})
}
