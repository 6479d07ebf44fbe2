package marketdata

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/exchange"
)

// coinbaseParser speaks the coinbase exchange feed: object frames tagged by
// "type", product ids like BTC-USD.
type coinbaseParser struct {
	symbols *exchange.SymbolMapper
}

func newCoinbaseParser() *coinbaseParser {
	return &coinbaseParser{symbols: exchange.MapperFor("coinbase")}
}

func (p *coinbaseParser) name() string       { return "coinbase" }
func (p *coinbaseParser) defaultURL() string { return "wss://ws-feed.exchange.coinbase.com" }

var coinbaseChannels = map[string]string{
	DataTicker:    "ticker",
	DataOrderBook: "level2",
	DataTrade:     "matches",
}

func (p *coinbaseParser) subscriptionMsg(msgType, channel, pair string) ([]byte, error) {
	name, ok := coinbaseChannels[channel]
	if !ok {
		return nil, fmt.Errorf("coinbase does not serve channel %q", channel)
	}
	product, err := p.symbols.ToVenue(pair)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"type":        msgType,
		"product_ids": []string{product},
		"channels":    []string{name},
	})
}

func (p *coinbaseParser) subscribePayload(channel, pair string) ([]byte, error) {
	return p.subscriptionMsg("subscribe", channel, pair)
}

func (p *coinbaseParser) unsubscribePayload(channel, pair string) ([]byte, error) {
	return p.subscriptionMsg("unsubscribe", channel, pair)
}

func (p *coinbaseParser) parse(raw []byte) ([]MarketData, error) {
	var head struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("failed to decode coinbase frame: %w", err)
	}
	if head.ProductID == "" {
		return nil, nil // subscriptions ack, heartbeats
	}
	pair, err := p.symbols.FromVenue(head.ProductID)
	if err != nil {
		return nil, err
	}

	switch head.Type {
	case "ticker":
		return p.parseTicker(raw, pair)
	case "match", "last_match":
		return p.parseMatch(raw, pair)
	case "snapshot":
		return p.parseSnapshot(raw, pair)
	case "l2update":
		return p.parseL2Update(raw, pair)
	default:
		return nil, nil
	}
}

func coinbaseTime(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC()
	}
	return time.Now().UTC()
}

func (p *coinbaseParser) parseTicker(raw []byte, pair string) ([]MarketData, error) {
	var t struct {
		Price   string `json:"price"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
		High24h string `json:"high_24h"`
		Low24h  string `json:"low_24h"`
		Volume  string `json:"volume_24h"`
		Time    string `json:"time"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode coinbase ticker: %w", err)
	}
	ts := coinbaseTime(t.Time)
	ticker := &market.Ticker{
		Exchange: "coinbase", Pair: pair,
		Price: parseFloat(t.Price), Bid: parseFloat(t.BestBid), Ask: parseFloat(t.BestAsk),
		High24h: parseFloat(t.High24h), Low24h: parseFloat(t.Low24h), Volume: parseFloat(t.Volume),
		Timestamp: ts,
	}
	return []MarketData{{Type: DataTicker, Exchange: "coinbase", Pair: pair, Ticker: ticker, Timestamp: ts}}, nil
}

func (p *coinbaseParser) parseMatch(raw []byte, pair string) ([]MarketData, error) {
	var m struct {
		Price string `json:"price"`
		Size  string `json:"size"`
		Side  string `json:"side"`
		Time  string `json:"time"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode coinbase match: %w", err)
	}
	ts := coinbaseTime(m.Time)
	return []MarketData{{
		Type: DataTrade, Exchange: "coinbase", Pair: pair, Timestamp: ts,
		Trade: &market.TradeTick{
			Exchange: "coinbase", Pair: pair,
			Price: parseFloat(m.Price), Amount: parseFloat(m.Size),
			Side: m.Side, Timestamp: ts,
		},
	}}, nil
}

func (p *coinbaseParser) parseSnapshot(raw []byte, pair string) ([]MarketData, error) {
	var s struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode coinbase snapshot: %w", err)
	}
	now := time.Now().UTC()
	book := &market.OrderBook{
		Exchange: "coinbase", Pair: pair,
		Bids: bookLevels(s.Bids), Asks: bookLevels(s.Asks),
		Timestamp: now,
	}
	return []MarketData{{Type: DataOrderBook, Exchange: "coinbase", Pair: pair, Book: book, Timestamp: now}}, nil
}

func (p *coinbaseParser) parseL2Update(raw []byte, pair string) ([]MarketData, error) {
	var u struct {
		Changes [][]string `json:"changes"` // [side, price, size]
		Time    string     `json:"time"`
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("failed to decode coinbase l2update: %w", err)
	}
	ts := coinbaseTime(u.Time)
	book := &market.OrderBook{Exchange: "coinbase", Pair: pair, Timestamp: ts}
	for _, ch := range u.Changes {
		if len(ch) < 3 {
			continue
		}
		level := market.BookLevel{Price: parseFloat(ch[1]), Amount: parseFloat(ch[2])}
		if ch[0] == "buy" {
			book.Bids = append(book.Bids, level)
		} else {
			book.Asks = append(book.Asks, level)
		}
	}
	return []MarketData{{Type: DataOrderBookUpdate, Exchange: "coinbase", Pair: pair, Book: book, Timestamp: ts}}, nil
}
