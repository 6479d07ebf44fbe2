package marketdata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/exchange"
)

// krakenParser speaks the kraken v1 WebSocket dialect: object frames for
// admin traffic, array frames [channelID, payload, channelName, pair] for
// channel data.
type krakenParser struct {
	symbols *exchange.SymbolMapper
}

func newKrakenParser() *krakenParser {
	return &krakenParser{symbols: exchange.MapperFor("kraken")}
}

func (p *krakenParser) name() string       { return "kraken" }
func (p *krakenParser) defaultURL() string { return "wss://ws.kraken.com" }

var krakenChannels = map[string]string{
	DataTicker:    "ticker",
	DataOrderBook: "book",
	DataTrade:     "trade",
}

func (p *krakenParser) subscriptionMsg(event, channel, pair string) ([]byte, error) {
	name, ok := krakenChannels[channel]
	if !ok {
		return nil, fmt.Errorf("kraken does not serve channel %q", channel)
	}
	symbol, err := p.symbols.ToVenue(pair)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"event":        event,
		"pair":         []string{symbol},
		"subscription": map[string]any{"name": name},
	})
}

func (p *krakenParser) subscribePayload(channel, pair string) ([]byte, error) {
	return p.subscriptionMsg("subscribe", channel, pair)
}

func (p *krakenParser) unsubscribePayload(channel, pair string) ([]byte, error) {
	return p.subscriptionMsg("unsubscribe", channel, pair)
}

func (p *krakenParser) parse(raw []byte) ([]MarketData, error) {
	if len(raw) == 0 || raw[0] != '[' {
		return nil, nil // heartbeat, systemStatus, subscriptionStatus
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("failed to decode kraken frame: %w", err)
	}
	if len(elems) < 4 {
		return nil, nil
	}

	var channel, venuePair string
	if err := json.Unmarshal(elems[len(elems)-2], &channel); err != nil {
		return nil, nil
	}
	if err := json.Unmarshal(elems[len(elems)-1], &venuePair); err != nil {
		return nil, nil
	}
	pair, err := p.symbols.FromVenue(venuePair)
	if err != nil {
		return nil, err
	}
	payload := elems[1]

	switch {
	case channel == "ticker":
		return p.parseTicker(payload, pair)
	case channel == "trade":
		return p.parseTrades(payload, pair)
	case len(channel) >= 4 && channel[:4] == "book":
		return p.parseBook(payload, pair)
	default:
		return nil, nil
	}
}

func (p *krakenParser) parseTicker(payload json.RawMessage, pair string) ([]MarketData, error) {
	var t struct {
		A []string `json:"a"` // [ask, wholeLotVolume, lotVolume]
		B []string `json:"b"`
		C []string `json:"c"` // [last, lotVolume]
		V []string `json:"v"` // [today, last24h]
		H []string `json:"h"`
		L []string `json:"l"`
	}
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("failed to decode kraken ticker: %w", err)
	}
	now := time.Now().UTC()
	ticker := &market.Ticker{
		Exchange:  "kraken",
		Pair:      pair,
		Price:     firstFloat(t.C),
		Ask:       firstFloat(t.A),
		Bid:       firstFloat(t.B),
		High24h:   lastFloat(t.H),
		Low24h:    lastFloat(t.L),
		Volume:    lastFloat(t.V),
		Timestamp: now,
	}
	return []MarketData{{Type: DataTicker, Exchange: "kraken", Pair: pair, Ticker: ticker, Timestamp: now}}, nil
}

func (p *krakenParser) parseTrades(payload json.RawMessage, pair string) ([]MarketData, error) {
	var rows [][]string
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode kraken trades: %w", err)
	}
	out := make([]MarketData, 0, len(rows))
	for _, row := range rows {
		// [price, volume, time, side, orderType, misc]
		if len(row) < 4 {
			continue
		}
		side := "sell"
		if row[3] == "b" {
			side = "buy"
		}
		ts := time.Now().UTC()
		if secs, err := strconv.ParseFloat(row[2], 64); err == nil {
			ts = time.UnixMilli(int64(secs * 1000)).UTC()
		}
		out = append(out, MarketData{
			Type: DataTrade, Exchange: "kraken", Pair: pair, Timestamp: ts,
			Trade: &market.TradeTick{
				Exchange: "kraken", Pair: pair,
				Price:  parseFloat(row[0]),
				Amount: parseFloat(row[1]),
				Side:   side, Timestamp: ts,
			},
		})
	}
	return out, nil
}

func (p *krakenParser) parseBook(payload json.RawMessage, pair string) ([]MarketData, error) {
	var b struct {
		AS [][]string `json:"as"` // snapshot asks
		BS [][]string `json:"bs"`
		A  [][]string `json:"a"` // delta asks
		B  [][]string `json:"b"`
	}
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("failed to decode kraken book: %w", err)
	}

	now := time.Now().UTC()
	book := &market.OrderBook{Exchange: "kraken", Pair: pair, Timestamp: now}
	dataType := DataOrderBookUpdate
	if len(b.AS) > 0 || len(b.BS) > 0 {
		dataType = DataOrderBook
		book.Asks = bookLevels(b.AS)
		book.Bids = bookLevels(b.BS)
	} else {
		book.Asks = bookLevels(b.A)
		book.Bids = bookLevels(b.B)
	}
	return []MarketData{{Type: dataType, Exchange: "kraken", Pair: pair, Book: book, Timestamp: now}}, nil
}

func bookLevels(rows [][]string) []market.BookLevel {
	out := make([]market.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, market.BookLevel{Price: parseFloat(row[0]), Amount: parseFloat(row[1])})
	}
	return out
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func firstFloat(fields []string) float64 {
	if len(fields) == 0 {
		return 0
	}
	return parseFloat(fields[0])
}

func lastFloat(fields []string) float64 {
	if len(fields) == 0 {
		return 0
	}
	return parseFloat(fields[len(fields)-1])
}
