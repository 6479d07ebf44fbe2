package marketdata

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// venueParser is the per-venue half of a client: it renders subscription
// payloads and translates the venue's wire format into MarketData.
type venueParser interface {
	name() string
	defaultURL() string
	subscribePayload(channel, pair string) ([]byte, error)
	unsubscribePayload(channel, pair string) ([]byte, error)
	// parse returns zero or more normalized payloads. (nil, nil) means the
	// message is administrative and safely ignored.
	parse(raw []byte) ([]MarketData, error)
}

type subscription struct {
	channel string
	pair    string
}

// wsClient is the shared gorilla-based transport under every venue client.
type wsClient struct {
	cfg    ClientConfig
	parser venueParser

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	attempts  int
	subs      map[string]subscription

	events      chan Event
	reconnectCh chan struct{}
	closeCh     chan struct{}
	closeOnce   sync.Once
	lastMsg     atomic.Int64
}

// NewVenueClient constructs the WebSocket client for a supported venue.
func NewVenueClient(venue string, cfg ClientConfig) (VenueClient, error) {
	cfg.defaults()
	var parser venueParser
	switch strings.ToLower(venue) {
	case "kraken":
		parser = newKrakenParser()
	case "binance":
		parser = newBinanceParser()
	case "coinbase":
		parser = newCoinbaseParser()
	default:
		return nil, fmt.Errorf("unsupported venue %q", venue)
	}
	if cfg.URL == "" {
		cfg.URL = parser.defaultURL()
	}
	return &wsClient{
		cfg:         cfg,
		parser:      parser,
		subs:        make(map[string]subscription),
		events:      make(chan Event, cfg.EventBuffer),
		reconnectCh: make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
	}, nil
}

func (ws *wsClient) Name() string         { return ws.parser.name() }
func (ws *wsClient) Events() <-chan Event { return ws.events }

func (ws *wsClient) Status() ClientStatus {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ClientStatus{
		Exchange:          ws.parser.name(),
		Connected:         ws.connected,
		ReconnectAttempts: ws.attempts,
		Subscriptions:     len(ws.subs),
	}
}

func (ws *wsClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.connected {
		ws.mu.Unlock()
		return fmt.Errorf("%s: already connected", ws.parser.name())
	}
	ws.mu.Unlock()

	if err := ws.dial(ctx); err != nil {
		return err
	}

	go ws.supervisor(ctx)
	go ws.watchdog(ctx)
	return nil
}

func (ws *wsClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, ws.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%s websocket dial failed: %w", ws.parser.name(), err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.connected = true
	ws.mu.Unlock()
	ws.lastMsg.Store(time.Now().UnixMilli())

	go ws.readLoop(conn)
	ws.emit(Event{Kind: EventConnected, Exchange: ws.parser.name()})
	log.Info().Str("venue", ws.parser.name()).Str("url", ws.cfg.URL).Msg("venue websocket connected")
	return nil
}

func (ws *wsClient) Subscribe(channel, pair string) error {
	payload, err := ws.parser.subscribePayload(channel, pair)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	ws.subs[channel+"|"+pair] = subscription{channel: channel, pair: pair}
	conn, connected := ws.conn, ws.connected
	ws.mu.Unlock()

	if !connected {
		return nil // sent on next (re)connect
	}
	return ws.write(conn, payload)
}

func (ws *wsClient) Unsubscribe(channel, pair string) error {
	payload, err := ws.parser.unsubscribePayload(channel, pair)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	delete(ws.subs, channel+"|"+pair)
	conn, connected := ws.conn, ws.connected
	ws.mu.Unlock()

	if !connected {
		return nil
	}
	return ws.write(conn, payload)
}

func (ws *wsClient) Disconnect() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
		ws.mu.Lock()
		if ws.conn != nil {
			err = ws.conn.Close()
		}
		ws.connected = false
		ws.mu.Unlock()
		log.Info().Str("venue", ws.parser.name()).Msg("venue websocket closed")
	})
	return err
}

func (ws *wsClient) write(conn *websocket.Conn, payload []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: not connected", ws.parser.name())
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%s websocket write failed: %w", ws.parser.name(), err)
	}
	return nil
}

func (ws *wsClient) readLoop(conn *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("venue", ws.parser.name()).Interface("panic", r).Msg("websocket read loop panic")
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ws.closeCh:
			default:
				code, reason := closeDetails(err)
				ws.emit(Event{Kind: EventDisconnected, Exchange: ws.parser.name(), Code: code, Reason: reason})
				ws.triggerReconnect()
			}
			return
		}
		ws.lastMsg.Store(time.Now().UnixMilli())
		if m := ws.cfg.Metrics; m != nil {
			m.WSMessages.WithLabelValues(ws.parser.name()).Inc()
		}

		payloads, err := ws.parser.parse(data)
		if err != nil {
			ws.emit(Event{Kind: EventError, Exchange: ws.parser.name(), Err: err})
			continue
		}
		for idx := range payloads {
			d := payloads[idx]
			ws.emit(Event{Kind: EventData, Exchange: ws.parser.name(), Data: &d})
		}
	}
}

// watchdog pings on the heartbeat interval and force-terminates the
// connection when nothing has arrived for two intervals.
func (ws *wsClient) watchdog(ctx context.Context) {
	ticker := time.NewTicker(ws.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ws.closeCh:
			return
		case <-ticker.C:
			ws.mu.Lock()
			conn, connected := ws.conn, ws.connected
			ws.mu.Unlock()
			if !connected || conn == nil {
				continue
			}

			silent := time.Since(time.UnixMilli(ws.lastMsg.Load()))
			if silent > 2*ws.cfg.HeartbeatInterval {
				log.Warn().Str("venue", ws.parser.name()).Dur("silent", silent).
					Msg("websocket heartbeat missed, forcing reconnect")
				conn.Close()
				continue // the read loop observes the close and reconnects
			}

			// WriteControl is safe alongside the mutex-serialized data
			// writes; a plain WriteMessage here would race them.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Str("venue", ws.parser.name()).Err(err).Msg("websocket ping failed")
				conn.Close()
			}
		}
	}
}

func (ws *wsClient) supervisor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ws.closeCh:
			return
		case <-ws.reconnectCh:
			ws.mu.Lock()
			if ws.conn != nil {
				ws.conn.Close()
			}
			ws.connected = false
			ws.mu.Unlock()

			if !ws.reconnect(ctx) {
				ws.emit(Event{
					Kind:     EventError,
					Exchange: ws.parser.name(),
					Err:      fmt.Errorf("gave up after %d reconnect attempts", ws.cfg.MaxReconnectAttempts),
				})
				return
			}
		}
	}
}

// reconnect retries with delay·2^(attempt-1) backoff and replays remembered
// subscriptions on success.
func (ws *wsClient) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= ws.cfg.MaxReconnectAttempts; attempt++ {
		ws.mu.Lock()
		ws.attempts = attempt
		ws.mu.Unlock()
		if m := ws.cfg.Metrics; m != nil {
			m.WSReconnects.WithLabelValues(ws.parser.name()).Inc()
		}

		delay := time.Duration(float64(ws.cfg.ReconnectDelay) * math.Pow(2, float64(attempt-1)))
		log.Info().Str("venue", ws.parser.name()).Int("attempt", attempt).Dur("delay", delay).
			Msg("websocket reconnecting")

		select {
		case <-ctx.Done():
			return false
		case <-ws.closeCh:
			return false
		case <-time.After(delay):
		}

		if err := ws.dial(ctx); err != nil {
			log.Warn().Str("venue", ws.parser.name()).Int("attempt", attempt).Err(err).
				Msg("websocket reconnect failed")
			continue
		}

		ws.mu.Lock()
		ws.attempts = 0
		subs := make([]subscription, 0, len(ws.subs))
		for _, sub := range ws.subs {
			subs = append(subs, sub)
		}
		conn := ws.conn
		ws.mu.Unlock()

		for _, sub := range subs {
			payload, err := ws.parser.subscribePayload(sub.channel, sub.pair)
			if err != nil {
				continue
			}
			if err := ws.write(conn, payload); err != nil {
				log.Warn().Str("venue", ws.parser.name()).Str("pair", sub.pair).Err(err).
					Msg("resubscribe failed")
			}
		}
		return true
	}
	return false
}

func (ws *wsClient) triggerReconnect() {
	select {
	case ws.reconnectCh <- struct{}{}:
	default:
	}
}

func (ws *wsClient) emit(e Event) {
	select {
	case ws.events <- e:
	default:
		log.Warn().Str("venue", ws.parser.name()).Str("kind", e.Kind).Msg("event buffer full, dropping")
	}
}

func closeDetails(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return 0, err.Error()
}
