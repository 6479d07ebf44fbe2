package market

import (
	"fmt"
	"math"
	"time"
)

// Candle is one OHLCV bar. Timestamp is milliseconds since epoch and marks the
// open of the bar. Candles are immutable once stored.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Time returns the bar open as a time.Time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// Validate rejects candles that cannot have come from a real market:
// missing or NaN timestamp, inverted high/low, non-positive open/close,
// negative volume.
func (c Candle) Validate() error {
	if c.Timestamp <= 0 {
		return fmt.Errorf("candle has invalid timestamp %d", c.Timestamp)
	}
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle at %d contains NaN/Inf field", c.Timestamp)
		}
	}
	if c.High < c.Low {
		return fmt.Errorf("candle at %d has high %f below low %f", c.Timestamp, c.High, c.Low)
	}
	if c.Open <= 0 {
		return fmt.Errorf("candle at %d has non-positive open %f", c.Timestamp, c.Open)
	}
	if c.Close <= 0 {
		return fmt.Errorf("candle at %d has non-positive close %f", c.Timestamp, c.Close)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle at %d has negative volume %f", c.Timestamp, c.Volume)
	}
	return nil
}

// Ticker is a normalized per-venue ticker snapshot.
type Ticker struct {
	Exchange  string    `json:"exchange"`
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	High24h   float64   `json:"high_24h"`
	Low24h    float64   `json:"low_24h"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// BookLevel is one rung of a price ladder.
type BookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is a normalized snapshot or delta of a venue book. Bids are sorted
// descending by price, asks ascending.
type OrderBook struct {
	Exchange  string      `json:"exchange"`
	Pair      string      `json:"pair"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BestBid returns the top of the bid ladder, or 0 if empty.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the top of the ask ladder, or 0 if empty.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// TradeTick is a normalized public trade print.
type TradeTick struct {
	Exchange  string    `json:"exchange"`
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Side      string    `json:"side"` // "buy" or "sell" (taker side)
	Timestamp time.Time `json:"timestamp"`
}

// AggregatedPrice is the cross-venue VWAP view published once per aggregation
// interval for each pair with at least one live ticker.
type AggregatedPrice struct {
	Pair          string    `json:"pair"`
	VWAP          float64   `json:"vwap"`
	BestBid       float64   `json:"best_bid"`
	BestAsk       float64   `json:"best_ask"`
	Spread        float64   `json:"spread"`
	SpreadPct     float64   `json:"spread_pct"`
	TotalVolume   float64   `json:"total_volume"`
	ExchangeCount int       `json:"exchange_count"`
	Exchanges     []string  `json:"exchanges"`
	Timestamp     time.Time `json:"timestamp"`
}
