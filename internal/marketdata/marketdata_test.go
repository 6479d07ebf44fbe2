package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/tradecore/internal/bus"
	"github.com/tradecore/tradecore/internal/domain/market"
)

func TestKrakenParserTicker(t *testing.T) {
	p := newKrakenParser()
	frame := []byte(`[42,{"a":["50100.5","1","1.0"],"b":["50099.1","2","2.0"],"c":["50100.0","0.01"],"v":["120.5","340.2"],"h":["51000.0","51500.0"],"l":["49000.0","48500.0"]},"ticker","XBT/USD"]`)

	out, err := p.parse(frame)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, DataTicker, out[0].Type)
	assert.Equal(t, "BTC/USD", out[0].Pair)
	require.NotNil(t, out[0].Ticker)
	assert.Equal(t, 50100.0, out[0].Ticker.Price)
	assert.Equal(t, 50100.5, out[0].Ticker.Ask)
	assert.Equal(t, 50099.1, out[0].Ticker.Bid)
	assert.Equal(t, 340.2, out[0].Ticker.Volume)
}

func TestKrakenParserTrades(t *testing.T) {
	p := newKrakenParser()
	frame := []byte(`[43,[["50000.1","0.5","1717240000.1234","b","m",""],["50000.2","0.3","1717240001.5678","s","l",""]],"trade","XBT/USD"]`)

	out, err := p.parse(frame)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "buy", out[0].Trade.Side)
	assert.Equal(t, 50000.1, out[0].Trade.Price)
	assert.Equal(t, "sell", out[1].Trade.Side)
	assert.Equal(t, 0.3, out[1].Trade.Amount)
}

func TestKrakenParserIgnoresAdminFrames(t *testing.T) {
	p := newKrakenParser()
	for _, frame := range []string{
		`{"event":"heartbeat"}`,
		`{"event":"systemStatus","status":"online"}`,
		`{"event":"subscriptionStatus","status":"subscribed","pair":"XBT/USD"}`,
	} {
		out, err := p.parse([]byte(frame))
		require.NoError(t, err, frame)
		assert.Nil(t, out, frame)
	}
}

func TestBinanceParserTickerAndTrade(t *testing.T) {
	p := newBinanceParser()

	out, err := p.parse([]byte(`{"e":"24hrTicker","E":1717240000000,"s":"BTCUSDT","c":"50000.5","b":"49999.0","a":"50001.0","h":"51000","l":"49000","v":"1234.5"}`))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "BTC/USD", out[0].Pair)
	assert.Equal(t, 50000.5, out[0].Ticker.Price)
	assert.Equal(t, int64(1717240000000), out[0].Timestamp.UnixMilli())

	out, err = p.parse([]byte(`{"e":"trade","s":"ETHUSDT","p":"3000.25","q":"2.5","T":1717240001000,"m":true}`))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ETH/USDT", out[0].Pair)
	assert.Equal(t, "sell", out[0].Trade.Side)
	assert.Equal(t, 2.5, out[0].Trade.Amount)
}

func TestCoinbaseParserTickerAndSnapshot(t *testing.T) {
	p := newCoinbaseParser()

	out, err := p.parse([]byte(`{"type":"ticker","product_id":"BTC-USD","price":"50000.0","best_bid":"49999.5","best_ask":"50000.5","high_24h":"51000","low_24h":"49000","volume_24h":"1000","time":"2024-06-01T12:00:00.000000Z"}`))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "BTC/USD", out[0].Pair)
	assert.Equal(t, 49999.5, out[0].Ticker.Bid)

	out, err = p.parse([]byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["49999.5","1.2"]],"asks":[["50000.5","0.8"],["50001.0","2.0"]]}`))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, DataOrderBook, out[0].Type)
	require.Len(t, out[0].Book.Asks, 2)
	assert.Equal(t, 49999.5, out[0].Book.BestBid())
	assert.Equal(t, 50000.5, out[0].Book.BestAsk())
}

func TestSubscribePayloads(t *testing.T) {
	kraken, err := newKrakenParser().subscribePayload(DataTicker, "BTC/USD")
	require.NoError(t, err)
	assert.Contains(t, string(kraken), `"XBT/USD"`)

	binance, err := newBinanceParser().subscribePayload(DataTicker, "BTC/USD")
	require.NoError(t, err)
	assert.Contains(t, string(binance), `"btcusdt@ticker"`)

	coinbase, err := newCoinbaseParser().subscribePayload(DataTrade, "BTC/USD")
	require.NoError(t, err)
	assert.Contains(t, string(coinbase), `"BTC-USD"`)
	assert.Contains(t, string(coinbase), `"matches"`)

	_, err = newKrakenParser().subscribePayload("unknown", "BTC/USD")
	assert.Error(t, err)
}

// fakeVenue feeds scripted events through the VenueClient contract.
type fakeVenue struct {
	name   string
	events chan Event
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{name: name, events: make(chan Event, 64)}
}

func (f *fakeVenue) Name() string                  { return f.name }
func (f *fakeVenue) Connect(context.Context) error { return nil }
func (f *fakeVenue) Subscribe(_, _ string) error   { return nil }
func (f *fakeVenue) Unsubscribe(_, _ string) error { return nil }
func (f *fakeVenue) Disconnect() error             { return nil }
func (f *fakeVenue) Status() ClientStatus          { return ClientStatus{Exchange: f.name, Connected: true} }
func (f *fakeVenue) Events() <-chan Event          { return f.events }

func (f *fakeVenue) pushTicker(pair string, price, bid, ask, volume float64) {
	f.events <- Event{Kind: EventData, Exchange: f.name, Data: &MarketData{
		Type: DataTicker, Exchange: f.name, Pair: pair, Timestamp: time.Now(),
		Ticker: &market.Ticker{Exchange: f.name, Pair: pair, Price: price, Bid: bid, Ask: ask, Volume: volume, Timestamp: time.Now()},
	}}
}

func (f *fakeVenue) pushTrade(pair string, price, amount float64) {
	f.events <- Event{Kind: EventData, Exchange: f.name, Data: &MarketData{
		Type: DataTrade, Exchange: f.name, Pair: pair, Timestamp: time.Now(),
		Trade: &market.TradeTick{Exchange: f.name, Pair: pair, Price: price, Amount: amount, Side: "buy", Timestamp: time.Now()},
	}}
}

func startAggregator(t *testing.T, venues ...VenueClient) (*Aggregator, *bus.Bus) {
	t.Helper()
	b := bus.New()
	agg := NewAggregator(AggregatorConfig{AggregationInterval: 20 * time.Millisecond}, venues, b, nil)
	require.NoError(t, agg.Start(context.Background()))
	t.Cleanup(agg.Stop)
	return agg, b
}

func TestAggregatorVWAPAcrossVenues(t *testing.T) {
	kraken := newFakeVenue("kraken")
	binance := newFakeVenue("binance")
	agg, b := startAggregator(t, kraken, binance)

	done := make(chan market.AggregatedPrice, 1)
	b.Subscribe(bus.EventAggregatedPrice, func(ev bus.Event) {
		if ap, ok := ev.Data.(market.AggregatedPrice); ok && ap.ExchangeCount == 2 {
			select {
			case done <- ap:
			default:
			}
		}
	})

	kraken.pushTicker("BTC/USD", 100, 99, 101, 10)
	binance.pushTicker("BTC/USD", 102, 99.5, 100.5, 30)

	select {
	case got := <-done:
		assert.InDelta(t, 101.5, got.VWAP, 1e-9) // (100·10+102·30)/40
		assert.Equal(t, 99.5, got.BestBid)
		assert.Equal(t, 100.5, got.BestAsk)
		assert.InDelta(t, 1.0, got.Spread, 1e-9)
		assert.InDelta(t, 1.0/99.5, got.SpreadPct, 1e-9)
		assert.Equal(t, 40.0, got.TotalVolume)
		assert.Equal(t, []string{"binance", "kraken"}, got.Exchanges)
	case <-time.After(2 * time.Second):
		t.Fatal("no aggregated price published")
	}

	cached, ok := agg.GetAggregatedPrice("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, 2, cached.ExchangeCount)
}

func TestAggregatorCachesAndBoundsTrades(t *testing.T) {
	venue := newFakeVenue("kraken")
	agg, _ := startAggregator(t, venue)

	venue.pushTicker("ETH/USD", 3000, 2999, 3001, 5)
	for i := 0; i < 50; i++ {
		venue.pushTrade("ETH/USD", 3000+float64(i), 0.1)
	}

	require.Eventually(t, func() bool {
		return len(agg.GetRecentTrades("ETH/USD", 0)) == 50
	}, 2*time.Second, 10*time.Millisecond)

	ticker, ok := agg.GetTicker("kraken", "ETH/USD")
	require.True(t, ok)
	assert.Equal(t, 3000.0, ticker.Price)

	last := agg.GetRecentTrades("ETH/USD", 5)
	require.Len(t, last, 5)
	assert.Equal(t, 3049.0, last[4].Price)
}

func TestAggregatorDirectSubscribers(t *testing.T) {
	venue := newFakeVenue("kraken")
	agg, _ := startAggregator(t, venue)

	got := make(chan MarketData, 1)
	id := agg.SubscribeData(DataTicker, "BTC/USD", func(d MarketData) {
		select {
		case got <- d:
		default:
		}
	})

	venue.pushTicker("BTC/USD", 50000, 49999, 50001, 1)
	select {
	case d := <-got:
		assert.Equal(t, DataTicker, d.Type)
		assert.Equal(t, 50000.0, d.Ticker.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("direct subscriber not invoked")
	}

	assert.True(t, agg.UnsubscribeData(DataTicker, "BTC/USD", id))
	assert.False(t, agg.UnsubscribeData(DataTicker, "BTC/USD", id))
}

func TestNewVenueClientUnsupported(t *testing.T) {
	_, err := NewVenueClient("ftx", ClientConfig{})
	assert.Error(t, err)
}
