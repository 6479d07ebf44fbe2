package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/store/postgres"
)

// repairPriority is the job priority used for gap-repair ingestions so they
// jump ahead of routine backfills.
const repairPriority = 2

// DetectGaps walks the stored series and records a gap wherever consecutive
// candles are further apart than 1.5 timeframes. A series with no coverage
// row at all yields a single gap spanning from the earliest backfill date to
// now. Detected gaps are persisted idempotently and returned.
func (i *Ingestor) DetectGaps(ctx context.Context, pair, timeframe string) ([]postgres.DataGap, error) {
	pair, err := market.NormalizePair(pair)
	if err != nil {
		return nil, err
	}
	tfMillis, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	src, err := i.sources.Get(ctx, pair, timeframe, i.fetcher.Name())
	if err == postgres.ErrNotFound {
		gap := postgres.DataGap{
			Pair:      pair,
			Timeframe: timeframe,
			GapStart:  earliestBackfill,
			GapEnd:    time.Now().UTC(),
			Reason:    "no data source",
		}
		if err := i.gaps.Record(ctx, gap); err != nil {
			return nil, err
		}
		if i.prom != nil {
			i.prom.GapsDetected.WithLabelValues(pair).Inc()
		}
		return []postgres.DataGap{gap}, nil
	}
	if err != nil {
		return nil, err
	}

	candles, err := i.candles.ReadRange(pair, timeframe,
		src.EarliestDate.UnixMilli(), src.LatestDate.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to read stored candles: %w", err)
	}

	threshold := tfMillis + tfMillis/2
	var found []postgres.DataGap
	for idx := 1; idx < len(candles); idx++ {
		delta := candles[idx].Timestamp - candles[idx-1].Timestamp
		if delta <= threshold {
			continue
		}
		gap := postgres.DataGap{
			Pair:      pair,
			Timeframe: timeframe,
			GapStart:  time.UnixMilli(candles[idx-1].Timestamp + tfMillis).UTC(),
			GapEnd:    time.UnixMilli(candles[idx].Timestamp - tfMillis).UTC(),
			Reason:    "missing candles",
		}
		if err := i.gaps.Record(ctx, gap); err != nil {
			return nil, err
		}
		found = append(found, gap)
	}

	if len(found) > 0 {
		if i.prom != nil {
			i.prom.GapsDetected.WithLabelValues(pair).Add(float64(len(found)))
		}
		log.Info().Str("pair", pair).Str("timeframe", timeframe).
			Int("gaps", len(found)).Msg("gaps detected")
	}
	return found, nil
}

// RepairGaps backfills every open gap for the series and marks the repaired
// ones. The first failed repair aborts the pass; already repaired gaps stay
// marked.
func (i *Ingestor) RepairGaps(ctx context.Context, pair, timeframe string) (int, error) {
	pair, err := market.NormalizePair(pair)
	if err != nil {
		return 0, err
	}
	open, err := i.gaps.ListOpen(ctx, pair, timeframe)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, gap := range open {
		job, err := i.Ingest(ctx, pair, timeframe, gap.GapStart, gap.GapEnd.Add(time.Millisecond), repairPriority)
		if err != nil {
			return repaired, fmt.Errorf("failed to repair gap %s: %w", gap.ID, err)
		}
		if job.Status != postgres.JobCompleted {
			return repaired, fmt.Errorf("gap repair job %s ended %s", job.ID, job.Status)
		}
		if err := i.gaps.MarkRepaired(ctx, gap.ID); err != nil {
			return repaired, err
		}
		repaired++
		if i.prom != nil {
			i.prom.GapsRepaired.WithLabelValues(pair).Inc()
		}
		log.Info().Str("pair", pair).Str("timeframe", timeframe).
			Time("from", gap.GapStart).Time("to", gap.GapEnd).Msg("gap repaired")
	}
	return repaired, nil
}

// Prefetch backfills the trailing window for every pair/timeframe combination,
// skipping series whose coverage already reaches back far enough.
func (i *Ingestor) Prefetch(ctx context.Context, pairs, timeframes []string, days int) error {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	for _, pair := range pairs {
		for _, tf := range timeframes {
			normalized, err := market.NormalizePair(pair)
			if err != nil {
				return err
			}
			src, err := i.sources.Get(ctx, normalized, tf, i.fetcher.Name())
			if err == nil && !src.EarliestDate.After(start) {
				continue
			}
			if err != nil && err != postgres.ErrNotFound {
				return err
			}
			if _, err := i.Ingest(ctx, normalized, tf, start, end, 1); err != nil {
				return err
			}
		}
	}
	return nil
}
