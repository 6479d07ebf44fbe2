package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tradecore/tradecore/internal/bus"
	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/internal/metrics"
)

// Submitter sends an open order to a venue (or simulates it) and returns the
// resulting executions.
type Submitter interface {
	Submit(ctx context.Context, o *Order) ([]Fill, error)
}

// Event is the payload published with every order lifecycle event.
type Event struct {
	Order  Order  `json:"order"`
	UserID string `json:"user_id"`
}

// CreateRequest is the input to CreateOrder.
type CreateRequest struct {
	UserID      string          `json:"user_id"`
	Exchange    string          `json:"exchange"`
	Pair        string          `json:"pair"`
	Type        string          `json:"type"`
	Side        string          `json:"side"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TimeInForce string          `json:"tif"`
	StrategyID  string          `json:"strategy_id,omitempty"`
}

// Filter narrows GetUserOrders.
type Filter struct {
	Status   string
	Pair     string
	Exchange string
	Limit    int
}

// Stats summarizes one user's orders.
type Stats struct {
	Total       int             `json:"total"`
	Active      int             `json:"active"`
	ByStatus    map[string]int  `json:"by_status"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	TotalFees   decimal.Decimal `json:"total_fees"`
}

// ManagerConfig tunes the order pipeline.
type ManagerConfig struct {
	QueueSize int           `yaml:"queue_size"`
	OrderTTL  time.Duration `yaml:"order_ttl"`
}

func (c *ManagerConfig) defaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.OrderTTL == 0 {
		c.OrderTTL = 24 * time.Hour
	}
}

// Manager owns the in-memory order table and the single-worker submission
// pipeline. Orders are persisted write-through to the cache with a TTL.
type Manager struct {
	cfg       ManagerConfig
	validator *Validator
	submitter Submitter
	bus       *bus.Bus
	cache     cache.Cache

	mu     sync.RWMutex
	orders map[string]*Order

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup

	prom *metrics.Registry
}

// NewManager wires the pipeline. The submitter may be a live venue adapter or
// the simulator.
func NewManager(cfg ManagerConfig, v *Validator, sub Submitter, b *bus.Bus, c cache.Cache) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:       cfg,
		validator: v,
		submitter: sub,
		bus:       b,
		cache:     c,
		orders:    make(map[string]*Order),
		queue:     make(chan string, cfg.QueueSize),
	}
}

// WithMetrics records order lifecycle counters into reg.
func (m *Manager) WithMetrics(reg *metrics.Registry) *Manager {
	m.prom = reg
	return m
}

// Start launches the single worker that drains the submission queue.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-m.queue:
				m.process(ctx, id)
			}
		}
	}()
	log.Info().Int("queue_size", m.cfg.QueueSize).Msg("order manager started")
}

// Stop halts the worker. Queued orders stay pending.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// CreateOrder validates, persists, and enqueues a new order, emitting
// trading:orderCreated.
func (m *Manager) CreateOrder(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.TimeInForce == "" {
		req.TimeInForce = TIFGoodTilCancel
	}
	if err := m.validator.ValidateCreate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	o := &Order{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Exchange:        req.Exchange,
		Pair:            req.Pair,
		Type:            req.Type,
		Side:            req.Side,
		Amount:          req.Amount,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		TimeInForce:     req.TimeInForce,
		Status:          StatusPending,
		RemainingAmount: req.Amount,
		StrategyID:      req.StrategyID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
	m.persist(ctx, o)

	log.Info().Str("order", o.ID).Str("pair", o.Pair).Str("side", o.Side).
		Str("type", o.Type).Str("amount", o.Amount.String()).Msg("order created")
	if m.prom != nil {
		m.prom.OrdersCreated.WithLabelValues(o.Type).Inc()
	}
	m.bus.Publish(bus.EventOrderCreated, Event{Order: *o.clone(), UserID: o.UserID})

	select {
	case m.queue <- o.ID:
	default:
		m.reject(ctx, o.ID)
		return nil, ErrQueueFull
	}
	return o.clone(), nil
}

// GetOrder returns a copy of the order, falling back to the cache for orders
// evicted from memory.
func (m *Manager) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	o, ok := m.orders[id]
	m.mu.RUnlock()
	if ok {
		return o.clone(), nil
	}

	raw, ok := m.cache.Get(ctx, orderKey(id))
	if !ok {
		return nil, ErrOrderNotFound
	}
	var cached Order
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode cached order %s: %w", id, err)
	}
	return &cached, nil
}

// GetUserOrders lists a user's orders newest first, applying the filter.
func (m *Manager) GetUserOrders(userID string, f Filter) []*Order {
	m.mu.RLock()
	out := make([]*Order, 0)
	for _, o := range m.orders {
		if o.UserID != userID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Pair != "" && o.Pair != f.Pair {
			continue
		}
		if f.Exchange != "" && o.Exchange != f.Exchange {
			continue
		}
		out = append(out, o.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// UpdateOrder shrinks an order's amount. Terminal orders reject the update.
func (m *Manager) UpdateOrder(ctx context.Context, id string, newAmount decimal.Decimal) (*Order, error) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrOrderNotFound
	}
	if err := m.validator.ValidateUpdate(o, newAmount); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	o.Amount = newAmount
	o.RemainingAmount = o.Amount.Sub(o.FilledAmount)
	o.UpdatedAt = time.Now()
	cp := o.clone()
	m.mu.Unlock()

	m.persist(ctx, cp)
	return cp, nil
}

// CancelOrder cancels a pending, open, or partial order and emits
// trading:orderCancelled.
func (m *Manager) CancelOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrOrderNotFound
	}
	if !o.CanCancel() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, o.Status)
	}
	now := time.Now()
	o.Status = StatusCancelled
	o.CancelledAt = &now
	o.UpdatedAt = now
	cp := o.clone()
	m.mu.Unlock()

	m.persist(ctx, cp)
	log.Info().Str("order", id).Msg("order cancelled")
	m.bus.Publish(bus.EventOrderCancelled, Event{Order: *cp, UserID: cp.UserID})
	return cp, nil
}

// CancelUserOrders cancels every cancellable order of a user and returns how
// many were cancelled.
func (m *Manager) CancelUserOrders(ctx context.Context, userID string) int {
	n := 0
	for _, o := range m.GetUserOrders(userID, Filter{}) {
		if !o.CanCancel() {
			continue
		}
		if _, err := m.CancelOrder(ctx, o.ID); err == nil {
			n++
		}
	}
	return n
}

// GetOrderStats aggregates one user's order totals.
func (m *Manager) GetOrderStats(userID string) Stats {
	st := Stats{ByStatus: make(map[string]int), TotalVolume: decimal.Zero, TotalFees: decimal.Zero}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.UserID != userID {
			continue
		}
		st.Total++
		st.ByStatus[o.Status]++
		if o.CanCancel() {
			st.Active++
		}
		st.TotalVolume = st.TotalVolume.Add(o.FilledAmount.Mul(o.AveragePrice))
		st.TotalFees = st.TotalFees.Add(o.Fee)
	}
	return st
}

// process opens one queued order and submits it to the venue.
func (m *Manager) process(ctx context.Context, id string) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok || o.Status != StatusPending {
		// Cancelled while queued.
		m.mu.Unlock()
		return
	}
	o.Status = StatusOpen
	o.UpdatedAt = time.Now()
	cp := o.clone()
	m.mu.Unlock()

	m.persist(ctx, cp)
	m.bus.Publish(bus.EventOrderOpened, Event{Order: *cp, UserID: cp.UserID})

	fills, err := m.submitter.Submit(ctx, cp)
	if err != nil {
		log.Warn().Str("order", id).Err(err).Msg("order submission failed")
		m.reject(ctx, id)
		return
	}
	if len(fills) > 0 {
		m.ApplyFills(ctx, id, fills)
	}
}

func (m *Manager) reject(ctx context.Context, id string) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok || !canTransition(o.Status, StatusRejected) {
		m.mu.Unlock()
		return
	}
	o.Status = StatusRejected
	o.UpdatedAt = time.Now()
	cp := o.clone()
	m.mu.Unlock()

	m.persist(ctx, cp)
	if m.prom != nil {
		m.prom.OrdersRejected.Inc()
	}
	m.bus.Publish(bus.EventOrderRejected, Event{Order: *cp, UserID: cp.UserID})
}

// ApplyFills appends executions to an order and advances its status, emitting
// orderPartiallyFilled or orderFilled.
func (m *Manager) ApplyFills(ctx context.Context, id string, fills []Fill) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return ErrOrderNotFound
	}
	if o.IsTerminal() {
		m.mu.Unlock()
		return ErrTerminalOrder
	}

	for _, f := range fills {
		o.applyFill(f)
	}
	now := time.Now()
	o.UpdatedAt = now

	filled := !o.RemainingAmount.IsPositive()
	if filled {
		o.Status = StatusFilled
		o.FilledAt = &now
	} else if o.Status == StatusOpen {
		o.Status = StatusPartial
	}
	cp := o.clone()
	m.mu.Unlock()

	m.persist(ctx, cp)
	if filled {
		log.Info().Str("order", id).Str("avg_price", cp.AveragePrice.String()).Msg("order filled")
		if m.prom != nil {
			m.prom.OrdersFilled.Inc()
		}
		m.bus.Publish(bus.EventOrderFilled, Event{Order: *cp, UserID: cp.UserID})
	} else {
		m.bus.Publish(bus.EventOrderPartiallyFilled, Event{Order: *cp, UserID: cp.UserID})
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, o *Order) {
	raw, err := json.Marshal(o)
	if err != nil {
		log.Error().Str("order", o.ID).Err(err).Msg("failed to encode order")
		return
	}
	m.cache.Set(ctx, orderKey(o.ID), raw, m.cfg.OrderTTL)
}

func orderKey(id string) string { return "order:" + id }
