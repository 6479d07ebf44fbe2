package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradecore/tradecore/internal/config"
	"github.com/tradecore/tradecore/internal/exchange"
	"github.com/tradecore/tradecore/internal/ingest"
	"github.com/tradecore/tradecore/internal/store/colstore"
	"github.com/tradecore/tradecore/internal/store/postgres"
)

// buildIngestor wires the backfill pipeline for the one-shot data commands.
func buildIngestor(ctx context.Context, cfg *config.Config) (*ingest.Ingestor, func(), error) {
	candles, err := colstore.New(cfg.Store.CandleDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open candle store: %w", err)
	}

	var (
		jobs    ingest.JobStore
		sources ingest.SourceStore
		gaps    ingest.GapStore
		cleanup = func() {}
	)
	if cfg.Store.PostgresDSN != "" {
		pg, err := postgres.Connect(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		jobs, sources, gaps = pg.Jobs, pg.Sources, pg.Gaps
		cleanup = func() { pg.Close() }
	} else {
		meta := ingest.NewMetadata()
		jobs, sources, gaps = meta.Jobs, meta.Sources, meta.Gaps
	}

	fetcher, err := exchange.NewCandleFetcher(cfg.Ingestor.Exchange, exchange.ClientConfig{})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return ingest.New(ingest.Config{
		Exchange:   cfg.Ingestor.Exchange,
		RateLimit:  cfg.Ingestor.RateLimit,
		ChunkSize:  cfg.Ingestor.ChunkSize,
		MaxRetries: cfg.Ingestor.MaxRetries,
		RetryDelay: cfg.Ingestor.RetryDelay,
	}, fetcher, candles, jobs, sources, gaps), cleanup, nil
}

func newIngestCmd() *cobra.Command {
	var (
		pair      string
		timeframe string
		startStr  string
		endStr    string
		priority  int
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Backfill historical candles for one pair and timeframe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			start, err := time.Parse("2006-01-02", startStr)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			end, err := time.Parse("2006-01-02", endStr)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}

			ingestor, cleanup, err := buildIngestor(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := ingestor.Ingest(cmd.Context(), pair, timeframe, start, end, priority)
			if err != nil {
				return err
			}
			log.Info().Str("job", job.ID).Str("status", job.Status).
				Int("fetched", job.CandlesFetched).Int("stored", job.CandlesStored).
				Msg("ingestion finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&pair, "pair", "BTC/USD", "Trading pair")
	cmd.Flags().StringVar(&timeframe, "timeframe", "1h", "Candle timeframe")
	cmd.Flags().StringVar(&startStr, "start", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endStr, "end", "", "End date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&priority, "priority", 1, "Job priority")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func newGapsCmd() *cobra.Command {
	var (
		pair      string
		timeframe string
	)

	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "Detect and repair holes in stored candle data",
	}
	cmd.PersistentFlags().StringVar(&pair, "pair", "BTC/USD", "Trading pair")
	cmd.PersistentFlags().StringVar(&timeframe, "timeframe", "1h", "Candle timeframe")

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Scan the stored series and record missing ranges",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ingestor, cleanup, err := buildIngestor(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			gaps, err := ingestor.DetectGaps(cmd.Context(), pair, timeframe)
			if err != nil {
				return err
			}
			for _, gap := range gaps {
				log.Info().Str("pair", gap.Pair).Str("reason", gap.Reason).
					Time("start", gap.GapStart).Time("end", gap.GapEnd).Msg("gap")
			}
			log.Info().Int("count", len(gaps)).Msg("gap detection finished")
			return nil
		},
	}

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Backfill every open gap for the series",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ingestor, cleanup, err := buildIngestor(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			repaired, err := ingestor.RepairGaps(cmd.Context(), pair, timeframe)
			if err != nil {
				return err
			}
			log.Info().Int("repaired", repaired).Msg("gap repair finished")
			return nil
		},
	}

	cmd.AddCommand(detectCmd)
	cmd.AddCommand(repairCmd)
	return cmd
}
