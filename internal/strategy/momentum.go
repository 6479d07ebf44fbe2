package strategy

import (
	"fmt"

	"github.com/tradecore/tradecore/internal/domain/indicators"
	"github.com/tradecore/tradecore/internal/domain/market"
)

// Momentum trades EMA crossovers confirmed by the MACD histogram and a trend
// strength filter, then rides the position behind a trailing stop that
// ratchets from the favorable watermark.
type Momentum struct {
	MACDThreshold    float64 `json:"macd_threshold"`
	MinTrendStrength float64 `json:"min_trend_strength"`
	TrailingStopPct  float64 `json:"trailing_stop_pct"`
	OrderAmount      float64 `json:"order_amount"`

	// open-position state
	positionSide string
	entryPrice   float64
	watermark    float64
}

// NewMomentum applies defaults then the supplied overrides.
func NewMomentum(params map[string]any) (*Momentum, error) {
	s := &Momentum{
		MACDThreshold:    0,
		MinTrendStrength: 0.6,
		TrailingStopPct:  0.02,
		OrderAmount:      0.1,
	}
	if err := s.UpdateParams(params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Momentum) Type() string { return "momentum" }

func (s *Momentum) UpdateParams(params map[string]any) error {
	if err := floatParam(params, "macdThreshold", &s.MACDThreshold); err != nil {
		return err
	}
	if err := floatParam(params, "minTrendStrength", &s.MinTrendStrength); err != nil {
		return err
	}
	if err := floatParam(params, "trailingStopPct", &s.TrailingStopPct); err != nil {
		return err
	}
	if err := floatParam(params, "orderAmount", &s.OrderAmount); err != nil {
		return err
	}
	if s.MinTrendStrength < 0 || s.MinTrendStrength > 1 {
		return fmt.Errorf("minTrendStrength must be in [0,1], got %v", s.MinTrendStrength)
	}
	return nil
}

func (s *Momentum) Config() map[string]any {
	return map[string]any{
		"macdThreshold":    s.MACDThreshold,
		"minTrendStrength": s.MinTrendStrength,
		"trailingStopPct":  s.TrailingStopPct,
		"orderAmount":      s.OrderAmount,
	}
}

func (s *Momentum) ParamSchema() []ParamSpec {
	return []ParamSpec{
		{Name: "macdThreshold", Default: 0, Min: 0, Max: 0.5, Step: 0.1},
		{Name: "minTrendStrength", Default: 0.6, Min: 0.3, Max: 0.9, Step: 0.1},
		{Name: "trailingStopPct", Default: 0.02, Min: 0.01, Max: 0.05, Step: 0.01},
		{Name: "orderAmount", Default: 0.1, Min: 0.05, Max: 0.3, Step: 0.05},
	}
}

func (s *Momentum) GenerateSignal(mctx MarketContext) Signal {
	ema12, ema26 := mctx.Indicators.EMA12, mctx.Indicators.EMA26
	price := mctx.Price
	if ema26 == 0 || price <= 0 {
		return Hold("insufficient data for EMAs")
	}
	macd := indicators.MACDApprox(ema12, ema26)

	if s.positionSide != "" {
		return s.manage(price, ema12, ema26)
	}

	strength := trendStrength(mctx.RecentCandles)
	switch {
	case ema12 > ema26 && macd.Histogram > s.MACDThreshold && strength >= s.MinTrendStrength:
		s.positionSide = ActionBuy
		s.entryPrice = price
		s.watermark = price
		return Signal{
			Action:       ActionBuy,
			Price:        price,
			Amount:       s.OrderAmount,
			Confidence:   clamp(0.5+strength/2, 0.5, 1),
			TrailingStop: s.TrailingStopPct,
			Reason:       fmt.Sprintf("bullish EMA cross, histogram %.4f, trend %.2f", macd.Histogram, strength),
		}
	case ema12 < ema26 && macd.Histogram < -s.MACDThreshold && strength >= s.MinTrendStrength:
		s.positionSide = ActionSell
		s.entryPrice = price
		s.watermark = price
		return Signal{
			Action:       ActionSell,
			Price:        price,
			Amount:       s.OrderAmount,
			Confidence:   clamp(0.5+strength/2, 0.5, 1),
			TrailingStop: s.TrailingStopPct,
			Reason:       fmt.Sprintf("bearish EMA cross, histogram %.4f, trend %.2f", macd.Histogram, strength),
		}
	}
	return Hold("no qualifying crossover")
}

// manage ratchets the trailing stop and exits on the stop or an opposite
// cross.
func (s *Momentum) manage(price, ema12, ema26 float64) Signal {
	if s.positionSide == ActionBuy {
		if price > s.watermark {
			s.watermark = price
		}
		stop := s.watermark * (1 - s.TrailingStopPct)
		if price <= stop {
			reason := fmt.Sprintf("trailing stop hit at %.2f from watermark %.2f", stop, s.watermark)
			s.reset()
			return Signal{Action: ActionSell, Price: price, Amount: s.OrderAmount, Confidence: 0.9, Reason: reason}
		}
		if ema12 < ema26 {
			s.reset()
			return Signal{Action: ActionSell, Price: price, Amount: s.OrderAmount, Confidence: 0.8,
				Reason: "bearish cross against long position"}
		}
		return Hold("riding long position")
	}

	if price < s.watermark {
		s.watermark = price
	}
	stop := s.watermark * (1 + s.TrailingStopPct)
	if price >= stop {
		reason := fmt.Sprintf("trailing stop hit at %.2f from watermark %.2f", stop, s.watermark)
		s.reset()
		return Signal{Action: ActionBuy, Price: price, Amount: s.OrderAmount, Confidence: 0.9, Reason: reason}
	}
	if ema12 > ema26 {
		s.reset()
		return Signal{Action: ActionBuy, Price: price, Amount: s.OrderAmount, Confidence: 0.8,
			Reason: "bullish cross against short position"}
	}
	return Hold("riding short position")
}

func (s *Momentum) reset() {
	s.positionSide = ""
	s.entryPrice = 0
	s.watermark = 0
}

// trendStrength is |up-down|/(up+down) over consecutive closes.
func trendStrength(candles []market.Candle) float64 {
	up, down := 0, 0
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			up++
		case candles[i].Close < candles[i-1].Close:
			down++
		}
	}
	total := up + down
	if total == 0 {
		return 0
	}
	diff := up - down
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(total)
}
