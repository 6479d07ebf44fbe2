package backtest

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/strategy"
)

// Optimization metrics.
const (
	MetricSharpe       = "sharpeRatio"
	MetricTotalReturn  = "totalReturn"
	MetricProfitFactor = "profitFactor"
	MetricWinRate      = "winRate"
	MetricCalmar       = "calmarRatio"
	MetricComposite    = "composite"
)

var metricFns = map[string]func(Summary) float64{
	MetricSharpe:       func(s Summary) float64 { return s.SharpeRatio },
	MetricTotalReturn:  func(s Summary) float64 { return s.TotalReturnPct },
	MetricProfitFactor: func(s Summary) float64 { return s.ProfitFactor },
	MetricWinRate:      func(s Summary) float64 { return s.WinRate },
	MetricCalmar: func(s Summary) float64 {
		if s.MaxDrawdownPct == 0 {
			return s.TotalReturnPct
		}
		return s.TotalReturnPct / s.MaxDrawdownPct
	},
	MetricComposite: func(s Summary) float64 {
		return 0.3*s.SharpeRatio + 0.25*s.TotalReturnPct + 0.2*s.ProfitFactor +
			0.15*s.WinRate - 0.1*s.MaxDrawdownPct
	},
}

// OptimizerConfig tunes the walk-forward search.
type OptimizerConfig struct {
	TrainRatio float64 `json:"train_ratio" yaml:"train_ratio"`
	NSplits    int     `json:"n_splits" yaml:"n_splits"`
	Metric     string  `json:"metric" yaml:"metric"`
	MinTrades  int     `json:"min_trades" yaml:"min_trades"`
}

func (c *OptimizerConfig) defaults() {
	if c.TrainRatio == 0 {
		c.TrainRatio = 0.7
	}
	if c.NSplits == 0 {
		c.NSplits = 3
	}
	if c.Metric == "" {
		c.Metric = MetricSharpe
	}
	if c.MinTrades == 0 {
		c.MinTrades = 10
	}
}

// ParamGrid maps parameter names to candidate values.
type ParamGrid map[string][]any

// ComboResult is one parameter combination's train outcome.
type ComboResult struct {
	Params map[string]any `json:"params"`
	Score  float64        `json:"score"`
	Trades int            `json:"trades"`
}

// SplitResult is the outcome of one walk-forward split.
type SplitResult struct {
	Split      int            `json:"split"`
	TrainStart int            `json:"train_start"`
	TrainEnd   int            `json:"train_end"`
	TestStart  int            `json:"test_start"`
	TestEnd    int            `json:"test_end"`
	BestParams map[string]any `json:"best_params"`
	TrainScore float64        `json:"train_score"`
	TestScore  float64        `json:"test_score"`
	TestResult *Result        `json:"test_result"`
	AllResults []ComboResult  `json:"all_results"`
}

// Aggregate summarizes scores across splits.
type Aggregate struct {
	MeanTrainScore float64 `json:"mean_train_score"`
	StdTrainScore  float64 `json:"std_train_score"`
	MeanTestScore  float64 `json:"mean_test_score"`
	StdTestScore   float64 `json:"std_test_score"`
	MinTestScore   float64 `json:"min_test_score"`
	MaxTestScore   float64 `json:"max_test_score"`
	Consistency    float64 `json:"consistency"`
	AvgTestTrades  float64 `json:"avg_test_trades"`
}

// Report is the full optimization output.
type Report struct {
	StrategyType    string          `json:"strategy_type"`
	Metric          string          `json:"metric"`
	Splits          []SplitResult   `json:"splits"`
	Aggregate       Aggregate       `json:"aggregate"`
	Recommendations []string        `json:"recommendations"`
	Config          OptimizerConfig `json:"config"`
}

// Optimizer runs walk-forward parameter searches over the backtest engine.
type Optimizer struct {
	cfg OptimizerConfig
}

func NewOptimizer(cfg OptimizerConfig) *Optimizer {
	cfg.defaults()
	return &Optimizer{cfg: cfg}
}

type split struct {
	trainStart, trainEnd, testStart, testEnd int
}

// splits computes the walk-forward windows. The train window is fixed-size
// and overlaps across splits; the test window advances by its own size.
func (o *Optimizer) splits(n int) []split {
	splitSize := n / o.cfg.NSplits
	trainSize := int(float64(splitSize) * o.cfg.TrainRatio)
	testSize := splitSize - trainSize

	out := make([]split, 0, o.cfg.NSplits)
	for i := 0; i < o.cfg.NSplits; i++ {
		start := i * testSize
		trainEnd := start + trainSize
		testEnd := trainEnd + testSize
		if testEnd > n || testSize <= 0 {
			break
		}
		out = append(out, split{trainStart: start, trainEnd: trainEnd, testStart: trainEnd, testEnd: testEnd})
	}
	return out
}

// combinations expands the grid into its Cartesian product with stable order.
func combinations(grid ParamGrid) []map[string]any {
	keys := make([]string, 0, len(grid))
	for k := range grid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []map[string]any{{}}
	for _, key := range keys {
		next := make([]map[string]any, 0, len(out)*len(grid[key]))
		for _, base := range out {
			for _, val := range grid[key] {
				combo := make(map[string]any, len(base)+1)
				for k, v := range base {
					combo[k] = v
				}
				combo[key] = val
				next = append(next, combo)
			}
		}
		out = next
	}
	return out
}

// Optimize grid-searches the strategy parameters across walk-forward splits.
func (o *Optimizer) Optimize(strategyType, pair string, candles []market.Candle, grid ParamGrid, btCfg Config) (*Report, error) {
	score, ok := metricFns[o.cfg.Metric]
	if !ok {
		return nil, fmt.Errorf("unknown optimization metric %q", o.cfg.Metric)
	}
	combos := combinations(grid)
	splits := o.splits(len(candles))
	if len(splits) == 0 {
		return nil, fmt.Errorf("not enough candles for %d splits", o.cfg.NSplits)
	}

	minTrades := o.cfg.MinTrades
	if len(candles) < 100 || len(combos) == 1 {
		minTrades = 1
	}

	engine := New(btCfg)
	report := &Report{StrategyType: strategyType, Metric: o.cfg.Metric, Config: o.cfg}

	for i, sp := range splits {
		train := candles[sp.trainStart:sp.trainEnd]
		test := candles[sp.testStart:sp.testEnd]

		var all []ComboResult
		bestIdx := -1
		bestEligible := -1
		for _, params := range combos {
			strat, err := strategy.NewStrategy(strategyType, params)
			if err != nil {
				return nil, fmt.Errorf("failed to build %s strategy: %w", strategyType, err)
			}
			res, err := engine.Run(strat, pair, train)
			if err != nil {
				return nil, fmt.Errorf("train backtest failed: %w", err)
			}
			all = append(all, ComboResult{Params: params, Score: score(res.Summary), Trades: res.Summary.TotalTrades})
			idx := len(all) - 1
			if bestIdx < 0 || all[idx].Score > all[bestIdx].Score {
				bestIdx = idx
			}
			if all[idx].Trades >= minTrades && (bestEligible < 0 || all[idx].Score > all[bestEligible].Score) {
				bestEligible = idx
			}
		}
		// Fall back to the raw argmax when every combination traded too
		// little.
		chosen := bestEligible
		if chosen < 0 {
			chosen = bestIdx
		}

		strat, err := strategy.NewStrategy(strategyType, all[chosen].Params)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s strategy: %w", strategyType, err)
		}
		testRes, err := engine.Run(strat, pair, test)
		if err != nil {
			return nil, fmt.Errorf("test backtest failed: %w", err)
		}

		report.Splits = append(report.Splits, SplitResult{
			Split:      i,
			TrainStart: sp.trainStart,
			TrainEnd:   sp.trainEnd,
			TestStart:  sp.testStart,
			TestEnd:    sp.testEnd,
			BestParams: all[chosen].Params,
			TrainScore: all[chosen].Score,
			TestScore:  score(testRes.Summary),
			TestResult: testRes,
			AllResults: all,
		})
		log.Debug().Int("split", i).Float64("train_score", all[chosen].Score).
			Float64("test_score", score(testRes.Summary)).Msg("walk-forward split done")
	}

	report.Aggregate = aggregate(report.Splits)
	report.Recommendations = recommend(report.Aggregate, minTrades)
	return report, nil
}

func aggregate(splits []SplitResult) Aggregate {
	agg := Aggregate{MinTestScore: math.Inf(1), MaxTestScore: math.Inf(-1)}
	trainScores := make([]float64, 0, len(splits))
	testScores := make([]float64, 0, len(splits))
	totalTestTrades := 0
	for _, sp := range splits {
		trainScores = append(trainScores, sp.TrainScore)
		testScores = append(testScores, sp.TestScore)
		agg.MinTestScore = math.Min(agg.MinTestScore, sp.TestScore)
		agg.MaxTestScore = math.Max(agg.MaxTestScore, sp.TestScore)
		totalTestTrades += sp.TestResult.Summary.TotalTrades
	}

	agg.MeanTrainScore, agg.StdTrainScore = meanStd(trainScores)
	agg.MeanTestScore, agg.StdTestScore = meanStd(testScores)
	if len(splits) > 0 {
		agg.AvgTestTrades = float64(totalTestTrades) / float64(len(splits))
	}
	if agg.MeanTestScore > 0 {
		agg.Consistency = math.Max(0, 1-agg.StdTestScore/agg.MeanTestScore)
	}
	return agg
}

func recommend(agg Aggregate, minTrades int) []string {
	var out []string
	if agg.MeanTrainScore > 1.5*agg.MeanTestScore {
		out = append(out, "train scores far exceed test scores; parameters are likely overfit")
	}
	if agg.Consistency < 0.5 {
		out = append(out, "test scores vary widely across splits; results are not consistent")
	}
	if agg.AvgTestTrades < float64(minTrades) {
		out = append(out, "few trades per test window; statistics are unreliable")
	}
	return out
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	std = math.Sqrt(variance / float64(len(xs)))
	return mean, std
}
