package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceSource supplies the current execution price for a pair, typically the
// aggregator's VWAP.
type PriceSource func(pair string) (float64, bool)

// Simulator is a Submitter that fills orders immediately at the current price
// instead of routing to a venue. Market orders execute at the source price,
// priced orders at their own price.
type Simulator struct {
	Prices  PriceSource
	FeeRate decimal.Decimal
}

// NewSimulator builds a simulator with the default taker fee.
func NewSimulator(prices PriceSource) *Simulator {
	return &Simulator{Prices: prices, FeeRate: decimal.RequireFromString("0.002")}
}

func (s *Simulator) Submit(_ context.Context, o *Order) ([]Fill, error) {
	var price decimal.Decimal
	switch {
	case o.Type == TypeMarket:
		p, ok := s.Prices(o.Pair)
		if !ok || p <= 0 {
			return nil, fmt.Errorf("no market price for %s", o.Pair)
		}
		price = decimal.NewFromFloat(p)
	case o.Type == TypeStop:
		price = o.StopPrice
	default:
		price = o.Price
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("no execution price for %s order", o.Type)
	}

	return []Fill{{
		ID:        uuid.NewString(),
		Price:     price,
		Amount:    o.RemainingAmount,
		Fee:       o.RemainingAmount.Mul(price).Mul(s.FeeRate),
		Side:      o.Side,
		Timestamp: time.Now(),
	}}, nil
}
