package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tradecore/tradecore/internal/backtest"
	"github.com/tradecore/tradecore/internal/config"
	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/store/colstore"
	"github.com/tradecore/tradecore/internal/strategy"
)

type backtestFlags struct {
	pair         string
	timeframe    string
	startStr     string
	endStr       string
	strategyType string
	paramsJSON   string
	full         bool
}

func (f *backtestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.pair, "pair", "BTC/USD", "Trading pair")
	cmd.Flags().StringVar(&f.timeframe, "timeframe", "1h", "Candle timeframe")
	cmd.Flags().StringVar(&f.startStr, "start", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.endStr, "end", "", "End date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.strategyType, "strategy", "momentum", "Strategy type (meanReversion|momentum|grid)")
	cmd.Flags().StringVar(&f.paramsJSON, "params", "{}", "Strategy parameters as JSON")
	cmd.Flags().BoolVar(&f.full, "full", false, "Print the full result instead of the summary")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
}

func (f *backtestFlags) loadCandles(cfg *config.Config) ([]market.Candle, map[string]any, error) {
	start, err := time.Parse("2006-01-02", f.startStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.Parse("2006-01-02", f.endStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --end: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(f.paramsJSON), &params); err != nil {
		return nil, nil, fmt.Errorf("invalid --params: %w", err)
	}

	store, err := colstore.New(cfg.Store.CandleDir)
	if err != nil {
		return nil, nil, err
	}
	candles, err := store.ReadRange(f.pair, f.timeframe, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, nil, err
	}
	if len(candles) == 0 {
		return nil, nil, fmt.Errorf("no candles stored for %s %s in the requested range; run ingest first", f.pair, f.timeframe)
	}
	return candles, params, nil
}

func btConfig(cfg *config.Config) backtest.Config {
	return backtest.Config{
		InitialBalance: cfg.Backtest.InitialBalance,
		MakerFee:       cfg.Backtest.MakerFee,
		TakerFee:       cfg.Backtest.TakerFee,
		SlippageModel:  cfg.Backtest.SlippageModel,
		SlippageBps:    cfg.Backtest.SlippageBps,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBacktestCmd() *cobra.Command {
	var flags backtestFlags

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a strategy over stored candles",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			candles, params, err := flags.loadCandles(cfg)
			if err != nil {
				return err
			}
			strat, err := strategy.NewStrategy(flags.strategyType, params)
			if err != nil {
				return err
			}

			res, err := backtest.New(btConfig(cfg)).Run(strat, flags.pair, candles)
			if err != nil {
				return err
			}
			if flags.full {
				return printJSON(res)
			}
			return printJSON(res.Summary)
		},
	}
	flags.register(cmd)
	return cmd
}

func newOptimizeCmd() *cobra.Command {
	var (
		flags    backtestFlags
		gridJSON string
	)

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Walk-forward optimize strategy parameters over stored candles",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			candles, _, err := flags.loadCandles(cfg)
			if err != nil {
				return err
			}
			var grid backtest.ParamGrid
			if err := json.Unmarshal([]byte(gridJSON), &grid); err != nil {
				return fmt.Errorf("invalid --grid: %w", err)
			}

			report, err := backtest.NewOptimizer(backtest.OptimizerConfig{
				TrainRatio: cfg.Optimizer.TrainRatio,
				NSplits:    cfg.Optimizer.NSplits,
				Metric:     cfg.Optimizer.Metric,
				MinTrades:  cfg.Optimizer.MinTrades,
			}).Optimize(flags.strategyType, flags.pair, candles, grid, btConfig(cfg))
			if err != nil {
				return err
			}
			if flags.full {
				return printJSON(report)
			}
			return printJSON(map[string]any{
				"aggregate":       report.Aggregate,
				"recommendations": report.Recommendations,
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&gridJSON, "grid", "{}", "Parameter grid as JSON, e.g. {\"rsiPeriod\":[7,14]}")
	return cmd
}
