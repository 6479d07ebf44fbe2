// Package strategy hosts the trading strategy contract, the built-in
// strategies, and the scheduler that drives them against live market data.
package strategy

import (
	"fmt"
	"time"

	"github.com/tradecore/tradecore/internal/domain/indicators"
	"github.com/tradecore/tradecore/internal/domain/market"
)

// Signal actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Instance statuses.
const (
	StatusInactive = "inactive"
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusError    = "error"
)

// Signal is one strategy decision. Zero StopLoss/TakeProfit/TrailingStop
// means unset.
type Signal struct {
	Action       string  `json:"action"`
	Confidence   float64 `json:"confidence"`
	Price        float64 `json:"price"`
	Amount       float64 `json:"amount"`
	Reason       string  `json:"reason"`
	StopLoss     float64 `json:"stop_loss,omitempty"`
	TakeProfit   float64 `json:"take_profit,omitempty"`
	TrailingStop float64 `json:"trailing_stop,omitempty"`
}

// Hold builds a hold signal with a reason.
func Hold(reason string) Signal {
	return Signal{Action: ActionHold, Reason: reason}
}

// MarketContext is the market view handed to GenerateSignal.
type MarketContext struct {
	Timestamp     time.Time           `json:"timestamp"`
	Pair          string              `json:"pair"`
	Price         float64             `json:"price"`
	Open          float64             `json:"open"`
	High          float64             `json:"high"`
	Low           float64             `json:"low"`
	Close         float64             `json:"close"`
	Volume        float64             `json:"volume"`
	RecentCandles []market.Candle     `json:"recent_candles"`
	Indicators    indicators.Snapshot `json:"indicators"`
}

// ParamSpec declares one tunable parameter so the optimizer can enumerate
// grids without knowing the strategy internals.
type ParamSpec struct {
	Name    string  `json:"name"`
	Default float64 `json:"default"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
}

// Strategy is the contract every strategy satisfies. Implementations may
// carry internal state between calls (watermarks, grid levels); the scheduler
// serializes calls per instance.
type Strategy interface {
	Type() string
	GenerateSignal(mctx MarketContext) Signal
	UpdateParams(params map[string]any) error
	Config() map[string]any
	ParamSchema() []ParamSpec
}

// Performance accumulates per-instance results.
type Performance struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	TotalPnL      float64 `json:"total_pnl"`
}

// TradeRecord is one completed trade attributed to an instance.
type TradeRecord struct {
	PnL       float64   `json:"pnl"`
	Timestamp time.Time `json:"timestamp"`
}

// Instance is a user's configured strategy with its lifecycle state.
type Instance struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Pair        string        `json:"pair"`
	Exchange    string        `json:"exchange"`
	Status      string        `json:"status"`
	Performance Performance   `json:"performance"`
	Trades      []TradeRecord `json:"trades"`
	Signals     []Signal      `json:"signals"`
	LastRunAt   time.Time     `json:"last_run_at"`
	Err         string        `json:"error,omitempty"`

	strategy Strategy
}

// Type returns the underlying strategy type.
func (in *Instance) Type() string { return in.strategy.Type() }

// validTransitions encodes the lifecycle state machine. Error is terminal
// until the instance is deactivated and activated again.
var validTransitions = map[string][]string{
	StatusInactive: {StatusActive},
	StatusActive:   {StatusPaused, StatusInactive, StatusError},
	StatusPaused:   {StatusActive, StatusInactive},
	StatusError:    {StatusInactive},
}

func (in *Instance) transition(to string) error {
	for _, ok := range validTransitions[in.Status] {
		if ok == to {
			in.Status = to
			if to == StatusActive {
				in.Err = ""
			}
			return nil
		}
	}
	return fmt.Errorf("invalid strategy transition %s -> %s", in.Status, to)
}

// tradesOn counts trades whose local date matches t's.
func (in *Instance) tradesOn(t time.Time) int {
	y, m, d := t.Date()
	n := 0
	for _, tr := range in.Trades {
		ty, tm, td := tr.Timestamp.Date()
		if ty == y && tm == m && td == d {
			n++
		}
	}
	return n
}

// Param helpers shared by the built-ins.

func floatParam(params map[string]any, key string, dst *float64) error {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		*dst = v
	case float32:
		*dst = float64(v)
	case int:
		*dst = float64(v)
	case int64:
		*dst = float64(v)
	default:
		return fmt.Errorf("parameter %s: expected number, got %T", key, raw)
	}
	return nil
}

func boolParam(params map[string]any, key string, dst *bool) error {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	v, ok := raw.(bool)
	if !ok {
		return fmt.Errorf("parameter %s: expected bool, got %T", key, raw)
	}
	*dst = v
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
