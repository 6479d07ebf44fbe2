// Package backtest replays historical candles through a strategy with a
// simple execution model (fractional sizing, slippage, taker fees) and
// derives the usual performance statistics.
package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/tradecore/internal/domain/indicators"
	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/strategy"
)

// Slippage models.
const (
	SlippageNone    = "none"
	SlippageFixed   = "fixed"
	SlippageDynamic = "dynamic"
)

// indicatorWindow is how many trailing candles feed each step's indicators.
const indicatorWindow = 20

// annualization is the Sharpe factor for daily-granularity returns.
var annualization = math.Sqrt(252)

// Config tunes one backtest run.
type Config struct {
	InitialBalance float64 `json:"initial_balance" yaml:"initial_balance"`
	MakerFee       float64 `json:"maker_fee" yaml:"maker_fee"`
	TakerFee       float64 `json:"taker_fee" yaml:"taker_fee"`
	SlippageModel  string  `json:"slippage_model" yaml:"slippage_model"`
	SlippageBps    float64 `json:"slippage_bps" yaml:"slippage_bps"`
}

// DefaultConfig returns the stock execution model. A zero fee or bps in an
// explicit Config is honored as-is.
func DefaultConfig() Config {
	return Config{
		InitialBalance: 10_000,
		MakerFee:       0.001,
		TakerFee:       0.002,
		SlippageModel:  SlippageFixed,
		SlippageBps:    5,
	}
}

func (c *Config) defaults() {
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10_000
	}
	if c.SlippageModel == "" {
		c.SlippageModel = SlippageNone
	}
}

// ExecutedTrade is one simulated execution.
type ExecutedTrade struct {
	Side      string  `json:"side"`
	Amount    float64 `json:"amount"`
	Price     float64 `json:"price"`
	Fee       float64 `json:"fee"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"ts"`
}

// EquityPoint records total equity after one candle.
type EquityPoint struct {
	Equity    float64 `json:"equity"`
	Timestamp int64   `json:"ts"`
}

// DrawdownPoint is the distance from the running equity peak.
type DrawdownPoint struct {
	Drawdown    float64 `json:"drawdown"`
	DrawdownPct float64 `json:"drawdown_pct"`
	Timestamp   int64   `json:"ts"`
}

// SignalRecord keeps every non-hold signal with its candle index.
type SignalRecord struct {
	Index     int             `json:"index"`
	Signal    strategy.Signal `json:"signal"`
	Timestamp int64           `json:"ts"`
}

// Summary is the headline result of a run.
type Summary struct {
	InitialBalance float64 `json:"initial_balance"`
	FinalBalance   float64 `json:"final_balance"`
	TotalReturnPct float64 `json:"total_return_pct"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	DurationMs     int64   `json:"duration_ms"`
}

// Result is the full output of a run.
type Result struct {
	Summary     Summary         `json:"summary"`
	Trades      []ExecutedTrade `json:"trades"`
	EquityCurve []EquityPoint   `json:"equity_curve"`
	Signals     []SignalRecord  `json:"signals"`
	Drawdowns   []DrawdownPoint `json:"drawdowns"`
}

// Engine replays candles through a strategy. Runs are deterministic: the same
// config, strategy, and data always produce the same result.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	cfg.defaults()
	return &Engine{cfg: cfg}
}

// Run executes the strategy over the candles. The strategy instance should be
// fresh; stateful strategies carry watermarks between calls.
func (e *Engine) Run(strat strategy.Strategy, pair string, candles []market.Candle) (*Result, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles to backtest")
	}
	started := time.Now()

	balance := e.cfg.InitialBalance
	holding := 0.0
	res := &Result{
		Trades:      []ExecutedTrade{},
		EquityCurve: make([]EquityPoint, 0, len(candles)),
		Signals:     []SignalRecord{},
	}

	for i, c := range candles {
		window := candles[maxInt(0, i-indicatorWindow+1) : i+1]
		closes := make([]float64, len(window))
		for j, w := range window {
			closes[j] = w.Close
		}

		sig := strat.GenerateSignal(strategy.MarketContext{
			Timestamp:     time.UnixMilli(c.Timestamp),
			Pair:          pair,
			Price:         c.Close,
			Open:          c.Open,
			High:          c.High,
			Low:           c.Low,
			Close:         c.Close,
			Volume:        c.Volume,
			RecentCandles: window,
			Indicators:    indicators.Compute(closes),
		})
		if sig.Action != strategy.ActionHold {
			res.Signals = append(res.Signals, SignalRecord{Index: i, Signal: sig, Timestamp: c.Timestamp})
			balance, holding = e.execute(res, sig, c, closes, balance, holding)
		}

		res.EquityCurve = append(res.EquityCurve, EquityPoint{
			Equity:    balance + holding*c.Close,
			Timestamp: c.Timestamp,
		})
	}

	// Force-close whatever is still held at the final close.
	if holding > 0 {
		last := candles[len(candles)-1]
		proceeds := holding * last.Close
		fee := proceeds * e.cfg.TakerFee
		balance += proceeds - fee
		res.Trades = append(res.Trades, ExecutedTrade{
			Side: "sell", Amount: holding, Price: last.Close, Fee: fee, Value: proceeds, Timestamp: last.Timestamp,
		})
		holding = 0
		res.EquityCurve[len(res.EquityCurve)-1].Equity = balance
	}

	res.Drawdowns = drawdownSeries(res.EquityCurve)
	res.Summary = e.summarize(res, balance, candles, started)
	return res, nil
}

// execute applies one signal, returning the updated balance and holding.
// Underfunded buys and oversized sells are skipped silently.
func (e *Engine) execute(res *Result, sig strategy.Signal, c market.Candle, closes []float64, balance, holding float64) (float64, float64) {
	exec := e.slippedPrice(c.Close, sig.Action, closes)
	amount := sig.Amount
	if amount > 0 && amount <= 1 {
		amount = balance * amount / exec
	}
	if amount <= 0 {
		return balance, holding
	}

	switch sig.Action {
	case strategy.ActionBuy:
		cost := amount * exec
		fee := cost * e.cfg.TakerFee
		if cost+fee > balance {
			log.Debug().Float64("cost", cost+fee).Float64("balance", balance).Msg("backtest buy skipped, insufficient balance")
			return balance, holding
		}
		balance -= cost + fee
		holding += amount
		res.Trades = append(res.Trades, ExecutedTrade{
			Side: "buy", Amount: amount, Price: exec, Fee: fee, Value: cost, Timestamp: c.Timestamp,
		})
	case strategy.ActionSell:
		if holding <= 0 || amount > holding {
			log.Debug().Float64("amount", amount).Float64("holding", holding).Msg("backtest sell skipped, insufficient holdings")
			return balance, holding
		}
		proceeds := amount * exec
		fee := proceeds * e.cfg.TakerFee
		balance += proceeds - fee
		holding -= amount
		res.Trades = append(res.Trades, ExecutedTrade{
			Side: "sell", Amount: amount, Price: exec, Fee: fee, Value: proceeds, Timestamp: c.Timestamp,
		})
	}
	return balance, holding
}

// slippedPrice moves the target price adversely by the configured slippage.
// The dynamic model scales the bps by observed volatility.
func (e *Engine) slippedPrice(target float64, side string, closes []float64) float64 {
	slip := 0.0
	switch e.cfg.SlippageModel {
	case SlippageFixed:
		slip = e.cfg.SlippageBps / 10_000
	case SlippageDynamic:
		slip = e.cfg.SlippageBps / 10_000 * (1 + indicators.StdDevReturns(closes))
	}
	if side == strategy.ActionBuy {
		return target * (1 + slip)
	}
	return target * (1 - slip)
}

func drawdownSeries(curve []EquityPoint) []DrawdownPoint {
	out := make([]DrawdownPoint, 0, len(curve))
	peak := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		dd := peak - p.Equity
		pct := 0.0
		if peak > 0 {
			pct = dd / peak * 100
		}
		out = append(out, DrawdownPoint{Drawdown: dd, DrawdownPct: pct, Timestamp: p.Timestamp})
	}
	return out
}

func (e *Engine) summarize(res *Result, finalBalance float64, candles []market.Candle, started time.Time) Summary {
	s := Summary{
		InitialBalance: e.cfg.InitialBalance,
		FinalBalance:   finalBalance,
		TotalReturnPct: (finalBalance - e.cfg.InitialBalance) / e.cfg.InitialBalance * 100,
		TotalTrades:    len(res.Trades),
		DurationMs:     time.Since(started).Milliseconds(),
	}

	wins, losses := pairTrades(res.Trades)
	s.WinningTrades = len(wins)
	s.LosingTrades = len(losses)
	if closed := len(wins) + len(losses); closed > 0 {
		s.WinRate = float64(len(wins)) / float64(closed) * 100
	}

	grossWin, grossLoss := 0.0, 0.0
	for _, w := range wins {
		grossWin += w
	}
	for _, l := range losses {
		grossLoss += -l
	}
	if len(wins) > 0 {
		s.AvgWin = grossWin / float64(len(wins))
	}
	if len(losses) > 0 {
		s.AvgLoss = grossLoss / float64(len(losses))
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	} else {
		s.ProfitFactor = grossWin
	}

	for _, d := range res.Drawdowns {
		if d.Drawdown > s.MaxDrawdown {
			s.MaxDrawdown = d.Drawdown
		}
		if d.DrawdownPct > s.MaxDrawdownPct {
			s.MaxDrawdownPct = d.DrawdownPct
		}
	}

	s.SharpeRatio = sharpe(res.EquityCurve)
	return s
}

// pairTrades matches each sell against prior unmatched buys FIFO and returns
// the per-sell realized results.
func pairTrades(trades []ExecutedTrade) (wins, losses []float64) {
	type lot struct{ amount, price float64 }
	var open []lot
	for _, t := range trades {
		if t.Side == "buy" {
			open = append(open, lot{t.Amount, t.Price})
			continue
		}
		remaining := t.Amount
		pnl := 0.0
		for remaining > 0 && len(open) > 0 {
			matched := math.Min(remaining, open[0].amount)
			pnl += (t.Price - open[0].price) * matched
			remaining -= matched
			open[0].amount -= matched
			if open[0].amount <= 0 {
				open = open[1:]
			}
		}
		if pnl >= 0 {
			wins = append(wins, pnl)
		} else {
			losses = append(losses, pnl)
		}
	}
	return wins, losses
}

// sharpe annualizes the mean/stddev of per-step percentage equity returns.
func sharpe(curve []EquityPoint) float64 {
	if len(curve) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std * annualization
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
