package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tradecore/tradecore/internal/bus"
	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/internal/config"
	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/exchange"
	"github.com/tradecore/tradecore/internal/httpapi"
	"github.com/tradecore/tradecore/internal/ingest"
	"github.com/tradecore/tradecore/internal/marketdata"
	"github.com/tradecore/tradecore/internal/metrics"
	"github.com/tradecore/tradecore/internal/order"
	"github.com/tradecore/tradecore/internal/position"
	"github.com/tradecore/tradecore/internal/risk"
	"github.com/tradecore/tradecore/internal/store/colstore"
	"github.com/tradecore/tradecore/internal/store/postgres"
	"github.com/tradecore/tradecore/internal/strategy"
	"github.com/tradecore/tradecore/internal/trading"
)

func newServeCmd() *cobra.Command {
	var initialEquity float64

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full trading stack with the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, initialEquity)
		},
	}
	cmd.Flags().Float64Var(&initialEquity, "initial-equity", 10_000, "Starting equity per user for risk sizing")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, initialEquity float64) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	b := bus.New(bus.WithMetrics(reg))
	c := cache.NewAuto(cfg.Store.RedisAddr)

	candles, err := colstore.New(cfg.Store.CandleDir)
	if err != nil {
		return fmt.Errorf("failed to open candle store: %w", err)
	}

	// Metadata stores: Postgres when configured, in-process otherwise.
	var (
		jobs      ingest.JobStore
		sources   ingest.SourceStore
		gaps      ingest.GapStore
		srcGetter httpapi.SourceGetter
		backtests httpapi.BacktestStore
	)
	if cfg.Store.PostgresDSN != "" {
		pg, err := postgres.Connect(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		jobs, sources, gaps = pg.Jobs, pg.Sources, pg.Gaps
		srcGetter, backtests = pg.Sources, pg.Backtests
	} else {
		log.Warn().Msg("no postgres dsn configured, using in-memory metadata")
		meta := ingest.NewMetadata()
		jobs, sources, gaps = meta.Jobs, meta.Sources, meta.Gaps
		srcGetter = meta.Sources
	}

	fetcher, err := exchange.NewCandleFetcher(cfg.Ingestor.Exchange, exchange.ClientConfig{})
	if err != nil {
		return err
	}
	ingestor := ingest.New(ingest.Config{
		Exchange:   cfg.Ingestor.Exchange,
		RateLimit:  cfg.Ingestor.RateLimit,
		ChunkSize:  cfg.Ingestor.ChunkSize,
		MaxRetries: cfg.Ingestor.MaxRetries,
		RetryDelay: cfg.Ingestor.RetryDelay,
	}, fetcher, candles, jobs, sources, gaps).WithMetrics(reg)

	clients := make([]marketdata.VenueClient, 0, len(cfg.Aggregator.Venues))
	for _, venue := range cfg.Aggregator.Venues {
		client, err := marketdata.NewVenueClient(venue, marketdata.ClientConfig{
			MaxReconnectAttempts: cfg.Aggregator.MaxReconnectAttempts,
			ReconnectDelay:       cfg.Aggregator.ReconnectDelay,
			HeartbeatInterval:    cfg.Aggregator.HeartbeatInterval,
			Metrics:              reg,
		})
		if err != nil {
			return err
		}
		clients = append(clients, client)
	}
	agg := marketdata.NewAggregator(marketdata.AggregatorConfig{
		AggregationInterval: cfg.Aggregator.AggregationInterval,
	}, clients, b, c)
	if err := agg.Start(ctx); err != nil {
		return fmt.Errorf("failed to start aggregator: %w", err)
	}
	defer agg.Stop()
	for _, client := range clients {
		for _, pair := range cfg.Aggregator.Pairs {
			if err := client.Subscribe("ticker", pair); err != nil {
				log.Warn().Str("venue", client.Name()).Str("pair", pair).Err(err).Msg("ticker subscription failed")
			}
		}
	}

	positions := position.NewManager()
	riskMgr := risk.New(risk.Config{
		MaxPositionSize:        cfg.Risk.MaxPositionSize,
		MaxTotalExposure:       cfg.Risk.MaxTotalExposure,
		MaxConcentration:       cfg.Risk.MaxConcentration,
		MaxDailyLoss:           cfg.Risk.MaxDailyLoss,
		MaxDailyTrades:         cfg.Risk.MaxDailyTrades,
		MaxDailyVolume:         cfg.Risk.MaxDailyVolume,
		MaxDrawdownPct:         cfg.Risk.MaxDrawdownPct,
		MaxConsecutiveLosses:   cfg.Risk.MaxConsecutiveLosses,
		CircuitBreakerDuration: cfg.Risk.CircuitBreakerDuration,
		TradeCooldown:          cfg.Risk.TradeCooldown,
		MaxSlippagePct:         cfg.Risk.MaxSlippagePct,
		MaxPriceDeviationPct:   cfg.Risk.MaxPriceDeviationPct,
	}, b).WithMetrics(reg)

	sim := order.NewSimulator(func(pair string) (float64, bool) {
		if ap, ok := agg.GetAggregatedPrice(pair); ok && ap.VWAP > 0 {
			return ap.VWAP, true
		}
		return 0, false
	})
	orders := order.NewManager(order.ManagerConfig{
		QueueSize: cfg.Order.QueueSize,
		OrderTTL:  cfg.Order.OrderTTL,
	}, order.NewValidator(order.ValidatorConfig{
		MinOrderAmount:  decimal.NewFromFloat(cfg.Order.MinOrderAmount),
		MaxOrderAmount:  decimal.NewFromFloat(cfg.Order.MaxOrderAmount),
		AmountPrecision: int32(cfg.Order.AmountPrecision),
		MinOrderValue:   decimal.NewFromFloat(cfg.Order.MinOrderValue),
		MaxOrderValue:   decimal.NewFromFloat(cfg.Order.MaxOrderValue),
	}), sim, b, c).WithMetrics(reg)
	orders.Start(ctx)
	defer orders.Stop()

	scheduler := strategy.NewScheduler(strategy.SchedulerConfig{
		Interval:       cfg.Scheduler.Interval,
		MaxDailyTrades: cfg.Scheduler.MaxDailyTrades,
	}, b, &strategy.LiveContextBuilder{Aggregator: agg, Candles: candles, Timeframe: "1h"})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	portfolio := trading.PortfolioFunc(func(userID string) risk.Portfolio {
		return portfolioView(positions, agg, userID, initialEquity)
	})
	coord := trading.New(b, riskMgr, orders, positions, scheduler, portfolio)
	coord.Start(ctx)
	defer coord.Stop()

	// Completed fills carry the realized pnl through the position table, so
	// the risk manager reads its daily stats from there.
	riskMgr.ObserveFills(func(data any) (risk.Fill, bool) {
		oe, ok := data.(order.Event)
		if !ok {
			return risk.Fill{}, false
		}
		return fillFromOrder(positions, oe), true
	})

	srv := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, httpapi.Deps{
		Ingestor:  ingestor,
		Sources:   srcGetter,
		Candles:   candles,
		Backtests: backtests,
		Exchange:  cfg.Ingestor.Exchange,
		Metrics:   reg,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// portfolioView marks every position at the venue VWAP and folds realized
// results into equity.
func portfolioView(positions *position.Manager, agg *marketdata.Aggregator, userID string, initialEquity float64) risk.Portfolio {
	prices := map[string]decimal.Decimal{}
	assetValues := map[string]float64{}
	for _, p := range positions.List(userID) {
		pair := p.Asset + "/USD"
		if ap, ok := agg.GetAggregatedPrice(pair); ok && ap.VWAP > 0 {
			prices[p.Asset] = decimal.NewFromFloat(ap.VWAP)
		}
	}
	sum := positions.GetPortfolioSummary(userID, prices)
	for _, p := range positions.List(userID) {
		if px, ok := prices[p.Asset]; ok {
			v, _ := p.TotalAmount.Mul(px).Float64()
			assetValues[p.Asset] = v
		} else {
			v, _ := p.TotalCost.Float64()
			assetValues[p.Asset] = v
		}
	}

	realized, _ := sum.RealizedPnL.Float64()
	unrealized, _ := sum.UnrealizedPnL.Float64()
	fees, _ := sum.TotalFees.Float64()
	exposure, _ := sum.TotalValue.Float64()

	equity := initialEquity + realized + unrealized - fees
	return risk.Portfolio{
		Value:           equity,
		Equity:          equity,
		InitialEquity:   initialEquity,
		CurrentExposure: exposure,
		AssetValues:     assetValues,
	}
}

// fillFromOrder maps a completed order to the risk manager's fill record.
func fillFromOrder(positions *position.Manager, oe order.Event) risk.Fill {
	o := oe.Order
	amount, _ := o.FilledAmount.Float64()
	price, _ := o.AveragePrice.Float64()
	fee, _ := o.Fee.Float64()

	pnl := 0.0
	if o.Side == order.SideSell {
		if base, _, err := market.SplitPair(o.Pair); err == nil {
			if pos, err := positions.Get(o.UserID, o.Exchange, base); err == nil && len(pos.Trades) > 0 {
				pnl, _ = pos.Trades[len(pos.Trades)-1].RealizedPnL.Float64()
			}
		}
	}

	return risk.Fill{
		UserID:      o.UserID,
		Pair:        o.Pair,
		Side:        o.Side,
		Amount:      amount,
		Price:       price,
		Fee:         fee,
		RealizedPnL: pnl,
		Timestamp:   time.Now(),
	}
}
