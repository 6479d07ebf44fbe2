// Package marketdata streams live venue data over WebSocket, normalizes each
// venue's wire format, and aggregates cross-venue prices into a VWAP view
// published on the event bus.
package marketdata

import (
	"context"
	"time"

	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/metrics"
)

// Normalized data types carried by Event.
const (
	DataTicker          = "ticker"
	DataOrderBook       = "orderbook"
	DataOrderBookUpdate = "orderbook_update"
	DataTrade           = "trade"
	DataAggregatedTrade = "aggregated_trade"
)

// Event kinds emitted by a venue client.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
	EventData         = "data"
)

// MarketData is one normalized payload from a venue. Exactly one of Ticker,
// Book, Trade is set, matching Type.
type MarketData struct {
	Type      string            `json:"type"`
	Exchange  string            `json:"exchange"`
	Pair      string            `json:"pair"`
	Ticker    *market.Ticker    `json:"ticker,omitempty"`
	Book      *market.OrderBook `json:"book,omitempty"`
	Trade     *market.TradeTick `json:"trade,omitempty"`
	Timestamp time.Time         `json:"ts"`
}

// Event is one occurrence on a venue client's event stream.
type Event struct {
	Kind     string      `json:"kind"`
	Exchange string      `json:"exchange"`
	Code     int         `json:"code,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Err      error       `json:"-"`
	Data     *MarketData `json:"data,omitempty"`
}

// ClientStatus is a point-in-time view of a venue client.
type ClientStatus struct {
	Exchange          string `json:"exchange"`
	Connected         bool   `json:"connected"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Subscriptions     int    `json:"subscriptions"`
}

// VenueClient is the contract every venue WebSocket client satisfies.
// Events() yields connected/disconnected/error/data events until Disconnect.
type VenueClient interface {
	Name() string
	Connect(ctx context.Context) error
	Subscribe(channel, pair string) error
	Unsubscribe(channel, pair string) error
	Disconnect() error
	Status() ClientStatus
	Events() <-chan Event
}

// ClientConfig tunes one venue WebSocket client.
type ClientConfig struct {
	URL                  string        `yaml:"url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	EventBuffer          int           `yaml:"event_buffer"`

	// Metrics is optional; when set, the client records message and
	// reconnect counters into it.
	Metrics *metrics.Registry `yaml:"-"`
}

func (c *ClientConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
}
