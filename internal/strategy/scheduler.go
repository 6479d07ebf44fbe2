package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/tradecore/internal/bus"
)

// maxStoredSignals bounds the per-instance signal history.
const maxStoredSignals = 100

// ContextBuilder supplies the market view for one pair. Production wires the
// aggregator-backed builder; tests synthesize contexts directly.
type ContextBuilder interface {
	Build(pair string) (MarketContext, error)
}

// SignalEvent is the payload published on trading:strategySignal.
type SignalEvent struct {
	StrategyID string    `json:"strategy_id"`
	UserID     string    `json:"user_id"`
	Pair       string    `json:"pair"`
	Exchange   string    `json:"exchange"`
	Signal     Signal    `json:"signal"`
	Timestamp  time.Time `json:"ts"`
}

// SchedulerConfig tunes the strategy runtime.
type SchedulerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MaxDailyTrades int           `yaml:"max_daily_trades"`
}

func (c *SchedulerConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxDailyTrades == 0 {
		c.MaxDailyTrades = 20
	}
}

// Scheduler owns the strategy instances and drives active ones on a periodic
// tick. Ticks are non-reentrant: a tick arriving while the previous one still
// runs is dropped.
type Scheduler struct {
	cfg     SchedulerConfig
	bus     *bus.Bus
	builder ContextBuilder

	mu        sync.RWMutex
	instances map[string]*Instance

	tickGuard sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewScheduler creates the runtime.
func NewScheduler(cfg SchedulerConfig, b *bus.Bus, builder ContextBuilder) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:       cfg,
		bus:       b,
		builder:   builder,
		instances: make(map[string]*Instance),
	}
}

// Add registers a new inactive instance for a user.
func (s *Scheduler) Add(userID, pair, exchange string, strat Strategy) *Instance {
	in := &Instance{
		ID:       uuid.NewString(),
		UserID:   userID,
		Pair:     pair,
		Exchange: exchange,
		Status:   StatusInactive,
		strategy: strat,
	}
	s.mu.Lock()
	s.instances[in.ID] = in
	s.mu.Unlock()
	return in
}

// Get returns an instance by id.
func (s *Scheduler) Get(id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s not found", id)
	}
	return in, nil
}

// List returns all instances, optionally scoped to one user.
func (s *Scheduler) List(userID string) []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instance, 0, len(s.instances))
	for _, in := range s.instances {
		if userID == "" || in.UserID == userID {
			out = append(out, in)
		}
	}
	return out
}

// Remove deletes an instance.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
}

func (s *Scheduler) setStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	if err := in.transition(status); err != nil {
		return err
	}
	log.Info().Str("strategy", id).Str("type", in.Type()).Str("status", status).Msg("strategy state change")
	return nil
}

// Activate moves inactive -> active.
func (s *Scheduler) Activate(id string) error { return s.setStatus(id, StatusActive) }

// Deactivate moves any non-terminal state -> inactive.
func (s *Scheduler) Deactivate(id string) error { return s.setStatus(id, StatusInactive) }

// Pause moves active -> paused.
func (s *Scheduler) Pause(id string) error { return s.setStatus(id, StatusPaused) }

// Resume moves paused -> active.
func (s *Scheduler) Resume(id string) error { return s.setStatus(id, StatusActive) }

// DeactivateUser deactivates every strategy of a user and returns how many
// changed state.
func (s *Scheduler) DeactivateUser(userID string) int {
	n := 0
	for _, in := range s.List(userID) {
		if in.Status == StatusActive || in.Status == StatusPaused || in.Status == StatusError {
			if err := s.setStatus(in.ID, StatusInactive); err == nil {
				n++
			}
		}
	}
	return n
}

// RecordTrade attributes a completed trade to an instance and updates its
// performance counters.
func (s *Scheduler) RecordTrade(id string, pnl float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	in.Trades = append(in.Trades, TradeRecord{PnL: pnl, Timestamp: ts})
	in.Performance.TotalTrades++
	in.Performance.TotalPnL += pnl
	if pnl >= 0 {
		in.Performance.WinningTrades++
	} else {
		in.Performance.LosingTrades++
	}
	return nil
}

// Start runs the periodic tick until the context ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
	log.Info().Dur("interval", s.cfg.Interval).Msg("strategy scheduler started")
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick runs one scheduling pass. Returns false when a previous pass is still
// running and this one was dropped.
func (s *Scheduler) Tick() bool {
	if !s.tickGuard.TryLock() {
		log.Debug().Msg("strategy tick dropped, previous still running")
		return false
	}
	defer s.tickGuard.Unlock()

	now := time.Now()
	for _, in := range s.active() {
		s.runOne(in, now)
	}
	return true
}

func (s *Scheduler) active() []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instance, 0, len(s.instances))
	for _, in := range s.instances {
		if in.Status == StatusActive {
			out = append(out, in)
		}
	}
	return out
}

func (s *Scheduler) runOne(in *Instance, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			in.Status = StatusError
			in.Err = fmt.Sprintf("panic: %v", r)
			s.mu.Unlock()
			log.Error().Str("strategy", in.ID).Interface("panic", r).Msg("strategy panicked")
		}
	}()

	mctx, err := s.builder.Build(in.Pair)
	if err != nil {
		log.Warn().Str("strategy", in.ID).Str("pair", in.Pair).Err(err).Msg("no market context")
		return
	}

	s.mu.Lock()
	in.LastRunAt = now
	limited := in.tradesOn(now) >= s.cfg.MaxDailyTrades
	s.mu.Unlock()
	if limited {
		log.Debug().Str("strategy", in.ID).Msg("daily trade limit reached")
		return
	}

	sig := in.strategy.GenerateSignal(mctx)
	if sig.Action == ActionHold {
		return
	}

	s.mu.Lock()
	in.Signals = append(in.Signals, sig)
	if len(in.Signals) > maxStoredSignals {
		in.Signals = in.Signals[len(in.Signals)-maxStoredSignals:]
	}
	s.mu.Unlock()

	s.bus.Publish(bus.EventStrategySignal, SignalEvent{
		StrategyID: in.ID,
		UserID:     in.UserID,
		Pair:       in.Pair,
		Exchange:   in.Exchange,
		Signal:     sig,
		Timestamp:  now,
	})
}
