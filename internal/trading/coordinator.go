// Package trading wires strategy signals through risk checks into orders, and
// order fills back into positions and strategy performance. All coupling runs
// over the event bus; the coordinator holds capability handles only.
package trading

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tradecore/tradecore/internal/bus"
	"github.com/tradecore/tradecore/internal/domain/market"
	"github.com/tradecore/tradecore/internal/order"
	"github.com/tradecore/tradecore/internal/position"
	"github.com/tradecore/tradecore/internal/risk"
	"github.com/tradecore/tradecore/internal/strategy"
)

// PortfolioProvider supplies the portfolio view the risk checks run against.
type PortfolioProvider interface {
	Portfolio(userID string) risk.Portfolio
}

// PortfolioFunc adapts a function to PortfolioProvider.
type PortfolioFunc func(userID string) risk.Portfolio

func (f PortfolioFunc) Portfolio(userID string) risk.Portfolio { return f(userID) }

// Coordinator routes signals to orders and fills to positions.
type Coordinator struct {
	bus        *bus.Bus
	risk       *risk.Manager
	orders     *order.Manager
	positions  *position.Manager
	strategies *strategy.Scheduler
	portfolio  PortfolioProvider

	mu   sync.Mutex
	subs map[string]string // event -> subId
}

// New builds the coordinator. Call Start to attach it to the bus.
func New(b *bus.Bus, rm *risk.Manager, om *order.Manager, pm *position.Manager, sched *strategy.Scheduler, pf PortfolioProvider) *Coordinator {
	return &Coordinator{
		bus:        b,
		risk:       rm,
		orders:     om,
		positions:  pm,
		strategies: sched,
		portfolio:  pf,
		subs:       make(map[string]string),
	}
}

// Start subscribes the coordinator's handlers.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[bus.EventStrategySignal] = c.bus.Subscribe(bus.EventStrategySignal, func(ev bus.Event) {
		if sig, ok := ev.Data.(strategy.SignalEvent); ok {
			c.handleSignal(ctx, sig)
		}
	})
	c.subs[bus.EventOrderFilled] = c.bus.Subscribe(bus.EventOrderFilled, func(ev bus.Event) {
		if oe, ok := ev.Data.(order.Event); ok {
			c.handleFill(oe)
		}
	})
	c.subs[bus.EventCircuitBreakerTriggered] = c.bus.Subscribe(bus.EventCircuitBreakerTriggered, func(ev bus.Event) {
		if payload, ok := ev.Data.(map[string]any); ok {
			if userID, ok := payload["userId"].(string); ok {
				c.handleBreaker(ctx, userID)
			}
		}
	})
	log.Info().Msg("trading coordinator started")
}

// Stop detaches the handlers.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for event, id := range c.subs {
		c.bus.Unsubscribe(event, id)
		delete(c.subs, event)
	}
}

// handleSignal runs the risk gate and creates the order on allow.
func (c *Coordinator) handleSignal(ctx context.Context, sig strategy.SignalEvent) {
	base, _, err := market.SplitPair(sig.Pair)
	if err != nil {
		log.Warn().Str("pair", sig.Pair).Err(err).Msg("signal with unparseable pair")
		return
	}

	pf := c.portfolio.Portfolio(sig.UserID)
	amount := sig.Signal.Amount
	if amount > 0 && amount <= 1 && sig.Signal.Price > 0 {
		// Fractional sizing: the signal names a share of portfolio value.
		amount = pf.Value * amount / sig.Signal.Price
	}

	decision := c.risk.CheckTrade(sig.UserID, risk.TradeParams{
		Pair:     sig.Pair,
		Exchange: sig.Exchange,
		Asset:    base,
		Side:     sig.Signal.Action,
		Amount:   amount,
		Price:    sig.Signal.Price,
	}, pf)
	if !decision.Allowed {
		log.Info().Str("user", sig.UserID).Str("pair", sig.Pair).
			Strs("failed", decision.FailedChecks).Msg("signal blocked by risk")
		c.bus.Publish(bus.EventSignalBlocked, map[string]any{
			"signal": sig, "reason": strings.Join(decision.FailedChecks, ","),
		})
		return
	}

	_, err = c.orders.CreateOrder(ctx, order.CreateRequest{
		UserID:     sig.UserID,
		Exchange:   sig.Exchange,
		Pair:       sig.Pair,
		Type:       order.TypeMarket,
		Side:       sig.Signal.Action,
		Amount:     decimal.NewFromFloat(amount).Round(8),
		StrategyID: sig.StrategyID,
	})
	if err != nil {
		log.Warn().Str("user", sig.UserID).Str("pair", sig.Pair).Err(err).Msg("failed to create order from signal")
	}
}

// handleFill books the execution into the position table, attributes the
// result to the originating strategy, and completes the order on the bus.
func (c *Coordinator) handleFill(oe order.Event) {
	o := oe.Order
	base, _, err := market.SplitPair(o.Pair)
	if err != nil {
		log.Error().Str("order", o.ID).Str("pair", o.Pair).Err(err).Msg("filled order with unparseable pair")
		return
	}

	pos, err := c.positions.UpdateFromTrade(o.UserID, o.Exchange, base, position.Trade{
		Side:      o.Side,
		Amount:    o.FilledAmount,
		Price:     o.AveragePrice,
		Fee:       o.Fee,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Error().Str("order", o.ID).Err(err).Msg("failed to apply fill to position")
		return
	}

	if o.StrategyID != "" {
		pnl := 0.0
		if o.Side == order.SideSell && len(pos.Trades) > 0 {
			pnl, _ = pos.Trades[len(pos.Trades)-1].RealizedPnL.Float64()
		}
		if err := c.strategies.RecordTrade(o.StrategyID, pnl, time.Now()); err != nil {
			log.Warn().Str("strategy", o.StrategyID).Err(err).Msg("failed to record strategy trade")
		}
	}

	c.bus.Publish(bus.EventOrderCompleted, oe)
}

// handleBreaker shuts a user down: every strategy deactivated, every open
// order cancelled.
func (c *Coordinator) handleBreaker(ctx context.Context, userID string) {
	deactivated := c.strategies.DeactivateUser(userID)
	cancelled := c.orders.CancelUserOrders(ctx, userID)
	log.Warn().Str("user", userID).Int("strategies", deactivated).
		Int("orders", cancelled).Msg("circuit breaker cleanup")
}
