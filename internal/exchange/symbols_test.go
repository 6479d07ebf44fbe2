package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolMapperToVenue(t *testing.T) {
	cases := []struct {
		venue string
		pair  string
		want  string
	}{
		{"kraken", "BTC/USD", "XBT/USD"},
		{"kraken", "ETH/USD", "ETH/USD"},
		{"kraken", "DOGE/EUR", "XDG/EUR"},
		{"binance", "BTC/USD", "BTCUSDT"},
		{"binance", "ETH/USDT", "ETHUSDT"},
		{"coinbase", "BTC/USD", "BTC-USD"},
		{"unknownvenue", "BTC/USD", "BTC/USD"},
	}
	for _, tc := range cases {
		got, err := MapperFor(tc.venue).ToVenue(tc.pair)
		require.NoError(t, err, "%s %s", tc.venue, tc.pair)
		assert.Equal(t, tc.want, got, "%s %s", tc.venue, tc.pair)
	}
}

func TestSymbolMapperFromVenue(t *testing.T) {
	cases := []struct {
		venue  string
		symbol string
		want   string
	}{
		{"kraken", "XBT/USD", "BTC/USD"},
		{"kraken", "ETH/USD", "ETH/USD"},
		{"binance", "BTCUSDT", "BTC/USD"},
		{"coinbase", "BTC-USD", "BTC/USD"},
	}
	for _, tc := range cases {
		got, err := MapperFor(tc.venue).FromVenue(tc.symbol)
		require.NoError(t, err, "%s %s", tc.venue, tc.symbol)
		assert.Equal(t, tc.want, got, "%s %s", tc.venue, tc.symbol)
	}
}

func TestSymbolMapperRejectsMalformed(t *testing.T) {
	_, err := MapperFor("kraken").ToVenue("notapair")
	assert.Error(t, err)
}

func TestNewCandleFetcherUnsupported(t *testing.T) {
	_, err := NewCandleFetcher("ftx", ClientConfig{})
	assert.Error(t, err)
}
