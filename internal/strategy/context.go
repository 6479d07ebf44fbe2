package strategy

import (
	"fmt"
	"time"

	"github.com/tradecore/tradecore/internal/domain/indicators"
	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/marketdata"
	"github.com/tradecore/tradecore/internal/store/colstore"
)

// defaultIndicatorWindow is how many trailing candles feed the indicator
// snapshot.
const defaultIndicatorWindow = 50

// LiveContextBuilder builds market contexts from the aggregator's VWAP cache
// and the columnar store's trailing candles.
type LiveContextBuilder struct {
	Aggregator *marketdata.Aggregator
	Candles    *colstore.Store
	Timeframe  string
	Window     int
}

func (b *LiveContextBuilder) window() int {
	if b.Window > 0 {
		return b.Window
	}
	return defaultIndicatorWindow
}

func (b *LiveContextBuilder) Build(pair string) (MarketContext, error) {
	agg, ok := b.Aggregator.GetAggregatedPrice(pair)
	if !ok {
		return MarketContext{}, fmt.Errorf("no aggregated price for %s", pair)
	}

	tfMillis, err := market.ParseTimeframe(b.Timeframe)
	if err != nil {
		return MarketContext{}, err
	}
	now := time.Now().UnixMilli()
	from := now - int64(b.window()+1)*tfMillis
	candles, err := b.Candles.ReadRange(pair, b.Timeframe, from, now)
	if err != nil {
		return MarketContext{}, fmt.Errorf("failed to read candles for %s: %w", pair, err)
	}
	if len(candles) > b.window() {
		candles = candles[len(candles)-b.window():]
	}
	if len(candles) == 0 {
		return MarketContext{}, fmt.Errorf("no stored candles for %s %s", pair, b.Timeframe)
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	last := candles[len(candles)-1]

	return MarketContext{
		Timestamp:     agg.Timestamp,
		Pair:          pair,
		Price:         agg.VWAP,
		Open:          last.Open,
		High:          last.High,
		Low:           last.Low,
		Close:         last.Close,
		Volume:        last.Volume,
		RecentCandles: candles,
		Indicators:    indicators.Compute(closes),
	}, nil
}
