package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tradecore/tradecore/internal/domain/market"
)

// binanceClient fetches klines from the Binance public REST API.
type binanceClient struct {
	rest    *restClient
	symbols *SymbolMapper
}

func (b *binanceClient) Name() string { return "binance" }

// Binance interval strings by timeframe milliseconds.
var binanceIntervals = map[int64]string{
	60_000:        "1m",
	300_000:       "5m",
	900_000:       "15m",
	1_800_000:     "30m",
	3_600_000:     "1h",
	14_400_000:    "4h",
	86_400_000:    "1d",
	604_800_000:   "1w",
	2_592_000_000: "1M",
}

func (b *binanceClient) FetchCandles(ctx context.Context, pair, timeframe string, since int64, limit int) ([]market.Candle, error) {
	symbol, err := b.symbols.ToVenue(pair)
	if err != nil {
		return nil, err
	}
	tfMillis, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	interval, ok := binanceIntervals[tfMillis]
	if !ok {
		return nil, fmt.Errorf("binance does not serve timeframe %s", timeframe)
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var rows [][]json.RawMessage
	err = b.rest.do(ctx, "/api/v3/klines", map[string]string{
		"symbol":    symbol,
		"interval":  interval,
		"startTime": strconv.FormatInt(since, 10),
		"limit":     strconv.Itoa(limit),
	}, &rows)
	if err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		// [openTime, open, high, low, close, volume, closeTime, ...]
		if len(row) < 6 {
			continue
		}
		var ts int64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			continue
		}
		c := market.Candle{Timestamp: ts}
		bad := false
		for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				bad = true
				break
			}
			if *dst, err = strconv.ParseFloat(s, 64); err != nil {
				bad = true
				break
			}
		}
		if !bad {
			candles = append(candles, c)
		}
	}
	return candles, nil
}
