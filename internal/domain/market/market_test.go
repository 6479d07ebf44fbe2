package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePair(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"BTC/USD", "BTC/USD", true},
		{"btc/usd", "BTC/USD", true},
		{"ETH-USDT", "ETH/USDT", true},
		{"BTCUSDT", "BTC/USDT", true},
		{"SOLUSD", "SOL/USD", true},
		{"XBTEUR", "XBT/EUR", true},
		{"", "", false},
		{"USD", "", false},
		{"/USD", "", false},
	}

	for _, tc := range cases {
		got, err := NormalizePair(tc.in)
		if !tc.ok {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestParseTimeframe(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1m", 60_000},
		{"5m", 300_000},
		{"1h", 3_600_000},
		{"4h", 14_400_000},
		{"1d", 86_400_000},
		{"1w", 604_800_000},
		{"1M", 2_592_000_000},
	}
	for _, tc := range cases {
		got, err := ParseTimeframe(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "m", "0m", "-1h", "1x", "h1"} {
		_, err := ParseTimeframe(bad)
		assert.Error(t, err, bad)
	}
}

func TestCandleValidate(t *testing.T) {
	good := Candle{Timestamp: 1700000000000, Open: 100, High: 110, Low: 95, Close: 105, Volume: 3}
	assert.NoError(t, good.Validate())

	cases := map[string]Candle{
		"zero timestamp":  {Open: 1, High: 1, Low: 1, Close: 1},
		"high below low":  {Timestamp: 1, Open: 1, High: 1, Low: 2, Close: 1},
		"zero open":       {Timestamp: 1, Open: 0, High: 1, Low: 0.5, Close: 1},
		"zero close":      {Timestamp: 1, Open: 1, High: 1, Low: 0.5, Close: 0},
		"negative volume": {Timestamp: 1, Open: 1, High: 1, Low: 0.5, Close: 1, Volume: -1},
	}
	for name, c := range cases {
		assert.Error(t, c.Validate(), name)
	}
}

func TestOrderBookBest(t *testing.T) {
	book := OrderBook{
		Bids: []BookLevel{{Price: 99, Amount: 1}, {Price: 98, Amount: 2}},
		Asks: []BookLevel{{Price: 101, Amount: 1}, {Price: 102, Amount: 2}},
	}
	assert.Equal(t, 99.0, book.BestBid())
	assert.Equal(t, 101.0, book.BestAsk())
	assert.Equal(t, 0.0, OrderBook{}.BestBid())
}
