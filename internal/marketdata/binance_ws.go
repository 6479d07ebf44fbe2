package marketdata

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/exchange"
)

// binanceParser speaks the binance raw-stream dialect: SUBSCRIBE frames out,
// single event objects tagged by "e" in.
type binanceParser struct {
	symbols *exchange.SymbolMapper
	reqID   atomic.Int64
}

func newBinanceParser() *binanceParser {
	return &binanceParser{symbols: exchange.MapperFor("binance")}
}

func (p *binanceParser) name() string       { return "binance" }
func (p *binanceParser) defaultURL() string { return "wss://stream.binance.com:9443/ws" }

var binanceStreams = map[string]string{
	DataTicker:          "ticker",
	DataOrderBook:       "depth",
	DataTrade:           "trade",
	DataAggregatedTrade: "aggTrade",
}

func (p *binanceParser) methodMsg(method, channel, pair string) ([]byte, error) {
	stream, ok := binanceStreams[channel]
	if !ok {
		return nil, fmt.Errorf("binance does not serve channel %q", channel)
	}
	symbol, err := p.symbols.ToVenue(pair)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"method": method,
		"params": []string{strings.ToLower(symbol) + "@" + stream},
		"id":     p.reqID.Add(1),
	})
}

func (p *binanceParser) subscribePayload(channel, pair string) ([]byte, error) {
	return p.methodMsg("SUBSCRIBE", channel, pair)
}

func (p *binanceParser) unsubscribePayload(channel, pair string) ([]byte, error) {
	return p.methodMsg("UNSUBSCRIBE", channel, pair)
}

func (p *binanceParser) parse(raw []byte) ([]MarketData, error) {
	var head struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Event == "" {
		return nil, nil // command acks and unknown frames
	}
	pair, err := p.symbols.FromVenue(head.Symbol)
	if err != nil {
		return nil, err
	}

	switch head.Event {
	case "24hrTicker":
		return p.parseTicker(raw, pair)
	case "trade", "aggTrade":
		return p.parseTrade(raw, pair, head.Event)
	case "depthUpdate":
		return p.parseDepth(raw, pair)
	default:
		return nil, nil
	}
}

func (p *binanceParser) parseTicker(raw []byte, pair string) ([]MarketData, error) {
	var t struct {
		EventTime int64  `json:"E"`
		Last      string `json:"c"`
		Bid       string `json:"b"`
		Ask       string `json:"a"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode binance ticker: %w", err)
	}
	ts := time.UnixMilli(t.EventTime).UTC()
	ticker := &market.Ticker{
		Exchange: "binance", Pair: pair,
		Price: parseFloat(t.Last), Bid: parseFloat(t.Bid), Ask: parseFloat(t.Ask),
		High24h: parseFloat(t.High), Low24h: parseFloat(t.Low), Volume: parseFloat(t.Volume),
		Timestamp: ts,
	}
	return []MarketData{{Type: DataTicker, Exchange: "binance", Pair: pair, Ticker: ticker, Timestamp: ts}}, nil
}

func (p *binanceParser) parseTrade(raw []byte, pair, event string) ([]MarketData, error) {
	var t struct {
		Price      string `json:"p"`
		Qty        string `json:"q"`
		TradeTime  int64  `json:"T"`
		BuyerMaker bool   `json:"m"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode binance trade: %w", err)
	}
	side := "buy"
	if t.BuyerMaker { // buyer is maker, so the taker sold
		side = "sell"
	}
	dataType := DataTrade
	if event == "aggTrade" {
		dataType = DataAggregatedTrade
	}
	ts := time.UnixMilli(t.TradeTime).UTC()
	return []MarketData{{
		Type: dataType, Exchange: "binance", Pair: pair, Timestamp: ts,
		Trade: &market.TradeTick{
			Exchange: "binance", Pair: pair,
			Price: parseFloat(t.Price), Amount: parseFloat(t.Qty),
			Side: side, Timestamp: ts,
		},
	}}, nil
}

func (p *binanceParser) parseDepth(raw []byte, pair string) ([]MarketData, error) {
	var d struct {
		EventTime int64      `json:"E"`
		Bids      [][]string `json:"b"`
		Asks      [][]string `json:"a"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to decode binance depth: %w", err)
	}
	ts := time.UnixMilli(d.EventTime).UTC()
	book := &market.OrderBook{
		Exchange: "binance", Pair: pair,
		Bids: bookLevels(d.Bids), Asks: bookLevels(d.Asks),
		Timestamp: ts,
	}
	return []MarketData{{Type: DataOrderBookUpdate, Exchange: "binance", Pair: pair, Book: book, Timestamp: ts}}, nil
}
