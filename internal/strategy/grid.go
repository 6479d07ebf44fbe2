package strategy

import (
	"fmt"
	"math"
	"time"
)

const minRebalanceInterval = 5 * time.Minute

type gridLevel struct {
	Price  float64 `json:"price"`
	Side   string  `json:"side"`
	Filled bool    `json:"filled"`
}

// Grid keeps N symmetric levels around a center price. A crossed level fills
// and flips to the opposite side one level away; the whole grid recenters
// when price walks out of most of its range.
type Grid struct {
	Levels             float64 `json:"levels"`
	GridSpacingPct     float64 `json:"grid_spacing_pct"`
	RebalanceThreshold float64 `json:"rebalance_threshold"`
	OrderAmount        float64 `json:"order_amount"`

	centerPrice   float64
	levels        []gridLevel
	lastRebalance time.Time
}

// NewGrid applies defaults then the supplied overrides.
func NewGrid(params map[string]any) (*Grid, error) {
	s := &Grid{
		Levels:             6,
		GridSpacingPct:     0.01,
		RebalanceThreshold: 0.8,
		OrderAmount:        0.05,
	}
	if err := s.UpdateParams(params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Grid) Type() string { return "grid" }

func (s *Grid) UpdateParams(params map[string]any) error {
	if err := floatParam(params, "levels", &s.Levels); err != nil {
		return err
	}
	if err := floatParam(params, "gridSpacingPct", &s.GridSpacingPct); err != nil {
		return err
	}
	if err := floatParam(params, "rebalanceThreshold", &s.RebalanceThreshold); err != nil {
		return err
	}
	if err := floatParam(params, "orderAmount", &s.OrderAmount); err != nil {
		return err
	}
	if s.Levels < 2 || math.Mod(s.Levels, 2) != 0 {
		return fmt.Errorf("levels must be an even number >= 2, got %v", s.Levels)
	}
	if s.GridSpacingPct <= 0 {
		return fmt.Errorf("gridSpacingPct must be positive, got %v", s.GridSpacingPct)
	}
	return nil
}

func (s *Grid) Config() map[string]any {
	return map[string]any{
		"levels":             s.Levels,
		"gridSpacingPct":     s.GridSpacingPct,
		"rebalanceThreshold": s.RebalanceThreshold,
		"orderAmount":        s.OrderAmount,
	}
}

func (s *Grid) ParamSchema() []ParamSpec {
	return []ParamSpec{
		{Name: "levels", Default: 6, Min: 4, Max: 12, Step: 2},
		{Name: "gridSpacingPct", Default: 0.01, Min: 0.005, Max: 0.03, Step: 0.005},
		{Name: "rebalanceThreshold", Default: 0.8, Min: 0.5, Max: 1, Step: 0.1},
		{Name: "orderAmount", Default: 0.05, Min: 0.02, Max: 0.2, Step: 0.02},
	}
}

// CenterPrice exposes the current grid center (0 before initialization).
func (s *Grid) CenterPrice() float64 { return s.centerPrice }

// PendingLevels counts unfilled levels.
func (s *Grid) PendingLevels() int {
	n := 0
	for _, lv := range s.levels {
		if !lv.Filled {
			n++
		}
	}
	return n
}

func (s *Grid) GenerateSignal(mctx MarketContext) Signal {
	price := mctx.Price
	if price <= 0 {
		return Hold("no price")
	}

	if s.centerPrice == 0 {
		s.rebuild(price, mctx.Timestamp)
		return Hold(fmt.Sprintf("grid initialized around %.2f", price))
	}

	if s.shouldRebalance(price, mctx.Timestamp) {
		s.rebuild(price, mctx.Timestamp)
		return Hold(fmt.Sprintf("grid rebalanced around %.2f", price))
	}

	for idx := range s.levels {
		lv := &s.levels[idx]
		if lv.Filled {
			continue
		}
		crossed := (lv.Side == ActionBuy && price <= lv.Price) ||
			(lv.Side == ActionSell && price >= lv.Price)
		if !crossed {
			continue
		}

		lv.Filled = true
		s.placeOpposite(*lv)
		return Signal{
			Action:     lv.Side,
			Price:      lv.Price,
			Amount:     s.OrderAmount,
			Confidence: 0.6,
			Reason:     fmt.Sprintf("grid level %.2f crossed", lv.Price),
		}
	}
	return Hold("no level crossed")
}

// rebuild lays out N/2 buys below and N/2 sells above the new center.
func (s *Grid) rebuild(center float64, now time.Time) {
	s.centerPrice = center
	s.lastRebalance = now
	half := int(s.Levels) / 2
	s.levels = s.levels[:0]
	for i := 1; i <= half; i++ {
		step := float64(i) * s.GridSpacingPct
		s.levels = append(s.levels,
			gridLevel{Price: center * (1 - step), Side: ActionBuy},
			gridLevel{Price: center * (1 + step), Side: ActionSell},
		)
	}
}

// placeOpposite opens the flip order one spacing step away from the filled
// level.
func (s *Grid) placeOpposite(filled gridLevel) {
	if filled.Side == ActionBuy {
		s.levels = append(s.levels, gridLevel{Price: filled.Price * (1 + s.GridSpacingPct), Side: ActionSell})
		return
	}
	s.levels = append(s.levels, gridLevel{Price: filled.Price * (1 - s.GridSpacingPct), Side: ActionBuy})
}

func (s *Grid) shouldRebalance(price float64, now time.Time) bool {
	gridRange := s.centerPrice * s.GridSpacingPct * s.Levels / 2
	if math.Abs(price-s.centerPrice) < s.RebalanceThreshold*gridRange {
		return false
	}
	return now.Sub(s.lastRebalance) >= minRebalanceInterval
}
