package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tradecore/tradecore/internal/domain/market"
)

// krakenClient fetches OHLC data from the Kraken public REST API.
type krakenClient struct {
	rest    *restClient
	symbols *SymbolMapper
}

func (k *krakenClient) Name() string { return "kraken" }

// krakenOHLCResponse is the /0/public/OHLC envelope. The result object maps
// the pair name to an array of rows plus a "last" cursor.
type krakenOHLCResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

func (k *krakenClient) FetchCandles(ctx context.Context, pair, timeframe string, since int64, limit int) ([]market.Candle, error) {
	symbol, err := k.symbols.ToVenue(pair)
	if err != nil {
		return nil, err
	}
	tfMillis, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	var resp krakenOHLCResponse
	err = k.rest.do(ctx, "/0/public/OHLC", map[string]string{
		"pair":     symbol,
		"interval": strconv.FormatInt(tfMillis/60000, 10), // kraken intervals are minutes
		"since":    strconv.FormatInt(since/1000, 10),     // kraken cursors are seconds
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("kraken API error: %v", resp.Error)
	}

	// The result key is kraken's own pair spelling, which differs from the
	// requested one for some assets; take the first array-valued entry.
	var rows [][]json.RawMessage
	for key, raw := range resp.Result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode kraken OHLC rows: %w", err)
		}
		break
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		// [time, open, high, low, close, vwap, volume, count]
		if len(row) < 7 {
			continue
		}
		var ts float64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			continue
		}
		c := market.Candle{Timestamp: int64(ts) * 1000}
		fields := []*float64{&c.Open, &c.High, &c.Low, &c.Close}
		bad := false
		for i, dst := range fields {
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
		var volStr string
		if bad || json.Unmarshal(row[6], &volStr) != nil {
			continue
		}
		if c.Volume, err = strconv.ParseFloat(volStr, 64); err != nil {
			continue
		}
		if c.Timestamp >= since {
			candles = append(candles, c)
		}
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	if limit > 0 && len(candles) > limit {
		candles = candles[:limit]
	}
	return candles, nil
}
