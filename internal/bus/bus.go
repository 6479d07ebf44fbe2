// Package bus implements the in-process event bus that links every core
// component. Handlers are invoked in descending priority order, failures are
// isolated per subscription, and a bounded ring buffer keeps recent events for
// diagnostics. The process owns exactly one Bus, constructed in cmd and passed
// down; nothing else in the core is shared mutable state.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/tradecore/internal/metrics"
)

// Event is a single published event.
type Event struct {
	Name      string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id"`
}

// Handler processes one event. Handlers must not retain the event data beyond
// the call when subscribed to high-volume market events.
type Handler func(Event)

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	EventsPublished int64 `json:"events_published"`
	EventsHandled   int64 `json:"events_handled"`
	Errors          int64 `json:"errors"`
	SubscriberCount int   `json:"subscriber_count"`
}

var (
	ErrWaitTimeout  = fmt.Errorf("timed out waiting for event")
	ErrWaitCanceled = fmt.Errorf("wait canceled")
)

const (
	defaultHistorySize    = 1000
	defaultHandlerTimeout = 5 * time.Second
)

type subscription struct {
	id       string
	event    string
	handler  Handler
	priority int
	once     bool
	seq      uint64 // tie-break: earlier subscriptions run first
}

// Bus is the process-wide event bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
	seq  uint64

	histMu  sync.Mutex
	history []Event
	histCap int

	handlerTimeout time.Duration

	metricsMu sync.Mutex
	metrics   Metrics

	prom *metrics.Registry
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize overrides the history ring capacity.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.histCap = n
		}
	}
}

// WithHandlerTimeout overrides the per-handler timeout for async publishes.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

// WithMetrics mirrors the bus counters into the Prometheus registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Bus) { b.prom = reg }
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:           make(map[string][]*subscription),
		histCap:        defaultHistorySize,
		handlerTimeout: defaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history = make([]Event, 0, b.histCap)
	return b
}

// SubOption configures a single subscription.
type SubOption func(*subscription)

// WithPriority sets dispatch priority; higher runs first. Default 0.
func WithPriority(p int) SubOption {
	return func(s *subscription) { s.priority = p }
}

// Once auto-unsubscribes the handler after its first successful dispatch.
func Once() SubOption {
	return func(s *subscription) { s.once = true }
}

// Subscribe registers a handler for an event name and returns the
// subscription id used for Unsubscribe.
func (b *Bus) Subscribe(event string, handler Handler, opts ...SubOption) string {
	sub := &subscription{
		id:      uuid.NewString(),
		event:   event,
		handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub.seq = b.seq
	subs := append(b.subs[event], sub)
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority > subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})
	b.subs[event] = subs
	return sub.id
}

// Unsubscribe removes a subscription. Returns false if it was not found.
func (b *Bus) Unsubscribe(event, subID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(event, subID)
}

func (b *Bus) removeLocked(event, subID string) bool {
	subs := b.subs[event]
	for i, s := range subs {
		if s.id == subID {
			b.subs[event] = append(subs[:i:i], subs[i+1:]...)
			if len(b.subs[event]) == 0 {
				delete(b.subs, event)
			}
			return true
		}
	}
	return false
}

// Publish dispatches an event to all subscribers sequentially in priority
// order, in the caller's flow. Handler panics are logged and counted, never
// propagated to other handlers or the publisher.
func (b *Bus) Publish(event string, data any) Event {
	ev := b.record(event, data)
	for _, sub := range b.snapshot(event) {
		b.dispatch(ev, sub)
	}
	return ev
}

// PublishAsync dispatches an event to all subscribers concurrently and waits
// for them to finish. Each handler gets the configured per-handler timeout; a
// timed-out handler is abandoned, counted as an error, and does not cancel its
// siblings.
func (b *Bus) PublishAsync(ctx context.Context, event string, data any) Event {
	ev := b.record(event, data)
	subs := b.snapshot(event)

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				defer close(done)
				b.dispatch(ev, s)
			}()
			select {
			case <-done:
			case <-time.After(b.handlerTimeout):
				b.countError()
				log.Warn().Str("event", event).Str("sub", s.id).
					Dur("timeout", b.handlerTimeout).Msg("event handler timed out")
			case <-ctx.Done():
			}
		}(sub)
	}
	wg.Wait()
	return ev
}

// dispatch runs one handler with panic isolation, then handles once-removal.
func (b *Bus) dispatch(ev Event, sub *subscription) {
	ok := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				ok = false
				b.countError()
				log.Error().Str("event", ev.Name).Str("sub", sub.id).
					Interface("panic", r).Msg("event handler panicked")
			}
		}()
		sub.handler(ev)
		return true
	}()

	if ok {
		b.metricsMu.Lock()
		b.metrics.EventsHandled++
		b.metricsMu.Unlock()
		if sub.once {
			b.mu.Lock()
			b.removeLocked(sub.event, sub.id)
			b.mu.Unlock()
		}
	}
}

// WaitFor blocks until an event matching filter is published or the timeout
// elapses. A nil filter matches any event with the given name.
func (b *Bus) WaitFor(ctx context.Context, event string, timeout time.Duration, filter func(Event) bool) (Event, error) {
	ch := make(chan Event, 1)
	subID := b.Subscribe(event, func(ev Event) {
		if filter != nil && !filter(ev) {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	defer b.Unsubscribe(event, subID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-ch:
		return ev, nil
	case <-timer.C:
		return Event{}, ErrWaitTimeout
	case <-ctx.Done():
		return Event{}, ErrWaitCanceled
	}
}

// History returns up to limit retained events, newest last. An empty event
// name returns events of all names.
func (b *Bus) History(event string, limit int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := make([]Event, 0, limit)
	for _, ev := range b.history {
		if event == "" || ev.Name == event {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// GetMetrics returns a snapshot of bus counters.
func (b *Bus) GetMetrics() Metrics {
	b.mu.RLock()
	count := 0
	for _, subs := range b.subs {
		count += len(subs)
	}
	b.mu.RUnlock()

	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	m := b.metrics
	m.SubscriberCount = count
	return m
}

func (b *Bus) record(event string, data any) Event {
	ev := Event{
		Name:      event,
		Data:      data,
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
	}

	b.histMu.Lock()
	if len(b.history) >= b.histCap {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}
	b.history = append(b.history, ev)
	b.histMu.Unlock()

	b.metricsMu.Lock()
	b.metrics.EventsPublished++
	b.metricsMu.Unlock()
	if b.prom != nil {
		b.prom.BusEvents.WithLabelValues(event).Inc()
	}
	return ev
}

func (b *Bus) snapshot(event string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subs[event]
	out := make([]*subscription, len(subs))
	copy(out, subs)
	return out
}

func (b *Bus) countError() {
	b.metricsMu.Lock()
	b.metrics.Errors++
	b.metricsMu.Unlock()
	if b.prom != nil {
		b.prom.BusErrors.Inc()
	}
}
