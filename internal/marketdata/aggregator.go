package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/tradecore/internal/bus"
	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/internal/domain/market"
)

const (
	maxTradesPerKey = 1000
	tickerCacheTTL  = 5 * time.Minute
)

// AggregatorConfig tunes the fan-in layer.
type AggregatorConfig struct {
	AggregationInterval time.Duration `yaml:"aggregation_interval"`
}

func (c *AggregatorConfig) defaults() {
	if c.AggregationInterval == 0 {
		c.AggregationInterval = time.Second
	}
}

// DataHandler receives normalized payloads from a direct subscription.
type DataHandler func(MarketData)

type directSub struct {
	id      string
	handler DataHandler
}

// Aggregator owns one client per venue, rebroadcasts normalized data, caches
// the latest state per (type, exchange, pair), and publishes a cross-venue
// VWAP once per interval.
type Aggregator struct {
	cfg     AggregatorConfig
	clients []VenueClient
	bus     *bus.Bus
	cache   cache.Cache

	mu       sync.RWMutex
	tickers  map[string]market.Ticker    // exchange|pair
	books    map[string]market.OrderBook // exchange|pair
	trades   map[string][]market.TradeTick
	directs  map[string][]directSub // type:pair
	lastVWAP map[string]market.AggregatedPrice

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator wires clients to the event bus. The cache is optional; when
// present, ticker snapshots are mirrored there with a short TTL.
func NewAggregator(cfg AggregatorConfig, clients []VenueClient, b *bus.Bus, c cache.Cache) *Aggregator {
	cfg.defaults()
	return &Aggregator{
		cfg:      cfg,
		clients:  clients,
		bus:      b,
		cache:    c,
		tickers:  make(map[string]market.Ticker),
		books:    make(map[string]market.OrderBook),
		trades:   make(map[string][]market.TradeTick),
		directs:  make(map[string][]directSub),
		lastVWAP: make(map[string]market.AggregatedPrice),
	}
}

// Start connects every venue client and begins the aggregation loop.
// Subscriptions are issued by the caller through Client().
func (a *Aggregator) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	for _, client := range a.clients {
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect %s: %w", client.Name(), err)
		}
		a.wg.Add(1)
		go a.consume(ctx, client)
	}

	a.wg.Add(1)
	go a.aggregationLoop(ctx)

	log.Info().Int("venues", len(a.clients)).Msg("market data aggregator started")
	return nil
}

// Stop disconnects all clients and waits for the loops to drain.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, client := range a.clients {
		if err := client.Disconnect(); err != nil {
			log.Warn().Str("venue", client.Name()).Err(err).Msg("venue disconnect failed")
		}
	}
	a.wg.Wait()
}

// Client returns the venue client by name, or nil.
func (a *Aggregator) Client(venue string) VenueClient {
	for _, c := range a.clients {
		if c.Name() == venue {
			return c
		}
	}
	return nil
}

// SubscribeData registers a direct handler for a "type:pair" key and returns
// the subscription id.
func (a *Aggregator) SubscribeData(dataType, pair string, handler DataHandler) string {
	key := dataType + ":" + pair
	id := uuid.NewString()
	a.mu.Lock()
	a.directs[key] = append(a.directs[key], directSub{id: id, handler: handler})
	a.mu.Unlock()
	return id
}

// UnsubscribeData removes a direct handler.
func (a *Aggregator) UnsubscribeData(dataType, pair, id string) bool {
	key := dataType + ":" + pair
	a.mu.Lock()
	defer a.mu.Unlock()
	subs := a.directs[key]
	for idx, sub := range subs {
		if sub.id == id {
			a.directs[key] = append(subs[:idx], subs[idx+1:]...)
			return true
		}
	}
	return false
}

// GetTicker returns the cached latest ticker for one venue.
func (a *Aggregator) GetTicker(exchange, pair string) (market.Ticker, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tickers[exchange+"|"+pair]
	return t, ok
}

// GetOrderBook returns the cached latest book for one venue.
func (a *Aggregator) GetOrderBook(exchange, pair string) (market.OrderBook, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.books[exchange+"|"+pair]
	return b, ok
}

// GetRecentTrades returns up to n of the newest trades for a pair, newest
// last.
func (a *Aggregator) GetRecentTrades(pair string, n int) []market.TradeTick {
	a.mu.RLock()
	defer a.mu.RUnlock()
	trades := a.trades[pair]
	if n <= 0 || n > len(trades) {
		n = len(trades)
	}
	out := make([]market.TradeTick, n)
	copy(out, trades[len(trades)-n:])
	return out
}

// GetAggregatedPrice returns the latest cross-venue view for a pair.
func (a *Aggregator) GetAggregatedPrice(pair string) (market.AggregatedPrice, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.lastVWAP[pair]
	return p, ok
}

func (a *Aggregator) consume(ctx context.Context, client VenueClient) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case EventData:
				if ev.Data != nil {
					a.handleData(ctx, *ev.Data)
				}
			case EventDisconnected:
				log.Warn().Str("venue", ev.Exchange).Int("code", ev.Code).
					Str("reason", ev.Reason).Msg("venue disconnected")
			case EventError:
				log.Error().Str("venue", ev.Exchange).Err(ev.Err).Msg("venue client error")
			}
		}
	}
}

func (a *Aggregator) handleData(ctx context.Context, d MarketData) {
	a.mu.Lock()
	key := d.Exchange + "|" + d.Pair
	switch d.Type {
	case DataTicker:
		if d.Ticker != nil {
			a.tickers[key] = *d.Ticker
		}
	case DataOrderBook, DataOrderBookUpdate:
		if d.Book != nil {
			a.books[key] = *d.Book
		}
	case DataTrade, DataAggregatedTrade:
		if d.Trade != nil {
			trades := append(a.trades[d.Pair], *d.Trade)
			if len(trades) > maxTradesPerKey {
				trades = trades[len(trades)-maxTradesPerKey:]
			}
			a.trades[d.Pair] = trades
		}
	}
	subs := append([]directSub(nil), a.directs[d.Type+":"+d.Pair]...)
	a.mu.Unlock()

	for _, sub := range subs {
		sub.handler(d)
	}

	a.bus.Publish(bus.EventMarketData, d)
	if d.Type == DataTicker && d.Ticker != nil {
		a.bus.Publish(bus.EventPriceUpdate, map[string]any{
			"pair": d.Pair, "exchange": d.Exchange, "price": d.Ticker.Price, "ts": d.Timestamp,
		})
		if a.cache != nil {
			if raw, err := json.Marshal(d.Ticker); err == nil {
				a.cache.Set(ctx, "ticker:"+d.Exchange+":"+d.Pair, raw, tickerCacheTTL)
			}
		}
	}
}

func (a *Aggregator) aggregationLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.AggregationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, agg := range a.computeAggregates() {
				a.bus.Publish(bus.EventAggregatedPrice, agg)
			}
		}
	}
}

// computeAggregates builds one VWAP view per pair with at least one ticker.
func (a *Aggregator) computeAggregates() []market.AggregatedPrice {
	a.mu.Lock()
	defer a.mu.Unlock()

	byPair := make(map[string][]market.Ticker)
	for _, t := range a.tickers {
		byPair[t.Pair] = append(byPair[t.Pair], t)
	}

	out := make([]market.AggregatedPrice, 0, len(byPair))
	for pair, tickers := range byPair {
		var sumPV, sumV, bestBid float64
		bestAsk := 0.0
		exchanges := make([]string, 0, len(tickers))
		for _, t := range tickers {
			sumPV += t.Price * t.Volume
			sumV += t.Volume
			if t.Bid > bestBid {
				bestBid = t.Bid
			}
			if t.Ask > 0 && (bestAsk == 0 || t.Ask < bestAsk) {
				bestAsk = t.Ask
			}
			exchanges = append(exchanges, t.Exchange)
		}
		sort.Strings(exchanges)

		vwap := 0.0
		if sumV > 0 {
			vwap = sumPV / sumV
		} else if len(tickers) > 0 {
			// all venues report zero volume, fall back to plain mean
			for _, t := range tickers {
				vwap += t.Price
			}
			vwap /= float64(len(tickers))
		}

		spread := bestAsk - bestBid
		spreadPct := 0.0
		if bestBid > 0 {
			spreadPct = spread / bestBid
		}

		agg := market.AggregatedPrice{
			Pair:          pair,
			VWAP:          vwap,
			BestBid:       bestBid,
			BestAsk:       bestAsk,
			Spread:        spread,
			SpreadPct:     spreadPct,
			TotalVolume:   sumV,
			ExchangeCount: len(tickers),
			Exchanges:     exchanges,
			Timestamp:     time.Now().UTC(),
		}
		a.lastVWAP[pair] = agg
		out = append(out, agg)
	}
	return out
}
