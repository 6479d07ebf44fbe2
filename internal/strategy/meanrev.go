package strategy

import "fmt"

// MeanReversion fades moves outside the Bollinger bands when RSI confirms the
// extreme. Entries carry a percentage stop and, by default, a take-profit at
// the band middle.
type MeanReversion struct {
	RSIOverbought    float64 `json:"rsi_overbought"`
	RSIOversold      float64 `json:"rsi_oversold"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	TakeProfitAtMean bool    `json:"take_profit_at_mean"`
	OrderAmount      float64 `json:"order_amount"`
}

// NewMeanReversion applies defaults then the supplied overrides.
func NewMeanReversion(params map[string]any) (*MeanReversion, error) {
	s := &MeanReversion{
		RSIOverbought:    70,
		RSIOversold:      30,
		StopLossPct:      0.02,
		TakeProfitAtMean: true,
		OrderAmount:      0.1,
	}
	if err := s.UpdateParams(params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MeanReversion) Type() string { return "mean_reversion" }

func (s *MeanReversion) UpdateParams(params map[string]any) error {
	if err := floatParam(params, "rsiOverbought", &s.RSIOverbought); err != nil {
		return err
	}
	if err := floatParam(params, "rsiOversold", &s.RSIOversold); err != nil {
		return err
	}
	if err := floatParam(params, "stopLossPct", &s.StopLossPct); err != nil {
		return err
	}
	if err := boolParam(params, "takeProfitAtMean", &s.TakeProfitAtMean); err != nil {
		return err
	}
	if err := floatParam(params, "orderAmount", &s.OrderAmount); err != nil {
		return err
	}
	if s.StopLossPct <= 0 {
		return fmt.Errorf("stopLossPct must be positive, got %v", s.StopLossPct)
	}
	return nil
}

func (s *MeanReversion) Config() map[string]any {
	return map[string]any{
		"rsiOverbought":    s.RSIOverbought,
		"rsiOversold":      s.RSIOversold,
		"stopLossPct":      s.StopLossPct,
		"takeProfitAtMean": s.TakeProfitAtMean,
		"orderAmount":      s.OrderAmount,
	}
}

func (s *MeanReversion) ParamSchema() []ParamSpec {
	return []ParamSpec{
		{Name: "rsiOverbought", Default: 70, Min: 60, Max: 85, Step: 5},
		{Name: "rsiOversold", Default: 30, Min: 15, Max: 40, Step: 5},
		{Name: "stopLossPct", Default: 0.02, Min: 0.01, Max: 0.05, Step: 0.01},
		{Name: "orderAmount", Default: 0.1, Min: 0.05, Max: 0.3, Step: 0.05},
	}
}

func (s *MeanReversion) GenerateSignal(mctx MarketContext) Signal {
	bb := mctx.Indicators.BB
	rsi := mctx.Indicators.RSI14
	price := mctx.Price
	if bb.Upper == 0 || price <= 0 {
		return Hold("insufficient data for bands")
	}

	switch {
	case price > bb.Upper && rsi > s.RSIOverbought:
		sig := Signal{
			Action:     ActionSell,
			Price:      price,
			Amount:     s.OrderAmount,
			StopLoss:   price * (1 + s.StopLossPct),
			Confidence: s.confidence(rsi-s.RSIOverbought, (price-bb.Upper)/bb.Upper),
			Reason:     fmt.Sprintf("price %.2f above upper band %.2f with RSI %.1f", price, bb.Upper, rsi),
		}
		if s.TakeProfitAtMean {
			sig.TakeProfit = bb.Middle
		}
		return sig

	case price < bb.Lower && rsi < s.RSIOversold:
		sig := Signal{
			Action:     ActionBuy,
			Price:      price,
			Amount:     s.OrderAmount,
			StopLoss:   price * (1 - s.StopLossPct),
			Confidence: s.confidence(s.RSIOversold-rsi, (bb.Lower-price)/bb.Lower),
			Reason:     fmt.Sprintf("price %.2f below lower band %.2f with RSI %.1f", price, bb.Lower, rsi),
		}
		if s.TakeProfitAtMean {
			sig.TakeProfit = bb.Middle
		}
		return sig
	}
	return Hold("price inside bands")
}

// confidence blends RSI extremity and band distance, clamped to [0.5, 1].
func (s *MeanReversion) confidence(rsiExcess, bandDistance float64) float64 {
	return clamp(0.5+rsiExcess/100+bandDistance, 0.5, 1)
}
