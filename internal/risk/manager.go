// Package risk runs pre-trade checks against per-user limits, tracks daily
// trading stats from fills, and suspends users behind a circuit breaker when
// a protective limit is breached.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/tradecore/internal/bus"
	"github.com/tradecore/tradecore/internal/metrics"
)

// Check names reported in TradeDecision. The breaker trips on the subset in
// breakerChecks.
const (
	CheckCircuitBreaker     = "circuitBreaker"
	CheckDailyLimits        = "dailyLimits"
	CheckDailyTradeCount    = "dailyTradeCount"
	CheckDailyVolume        = "dailyVolume"
	CheckPositionSize       = "positionSize"
	CheckTotalExposure      = "totalExposure"
	CheckAssetConcentration = "assetConcentration"
	CheckCooldown           = "cooldown"
	CheckDrawdown           = "drawdown"
	CheckConsecutiveLosses  = "consecutiveLosses"
)

var breakerChecks = map[string]bool{
	CheckDrawdown:          true,
	CheckConsecutiveLosses: true,
	CheckDailyLimits:       true,
}

// Config carries the risk limits.
type Config struct {
	MaxPositionSize        float64       `yaml:"max_position_size"`
	MaxTotalExposure       float64       `yaml:"max_total_exposure"`
	MaxConcentration       float64       `yaml:"max_concentration"`
	MaxDailyLoss           float64       `yaml:"max_daily_loss"`
	MaxDailyTrades         int           `yaml:"max_daily_trades"`
	MaxDailyVolume         float64       `yaml:"max_daily_volume"`
	MaxDrawdownPct         float64       `yaml:"max_drawdown_pct"`
	MaxConsecutiveLosses   int           `yaml:"max_consecutive_losses"`
	CircuitBreakerDuration time.Duration `yaml:"circuit_breaker_duration"`
	TradeCooldown          time.Duration `yaml:"trade_cooldown"`
	MaxSlippagePct         float64       `yaml:"max_slippage_pct"`
	MaxPriceDeviationPct   float64       `yaml:"max_price_deviation_pct"`
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxPositionSize:        0.2,
		MaxTotalExposure:       0.8,
		MaxConcentration:       0.4,
		MaxDailyLoss:           0.05,
		MaxDailyTrades:         100,
		MaxDailyVolume:         100_000,
		MaxDrawdownPct:         10,
		MaxConsecutiveLosses:   5,
		CircuitBreakerDuration: time.Hour,
		TradeCooldown:          time.Second,
		MaxSlippagePct:         2,
		MaxPriceDeviationPct:   5,
	}
}

// TradeParams describes the trade being checked.
type TradeParams struct {
	Pair          string  `json:"pair"`
	Exchange      string  `json:"exchange"`
	Asset         string  `json:"asset"`
	Side          string  `json:"side"`
	Amount        float64 `json:"amount"`
	Price         float64 `json:"price"`
	ExpectedPrice float64 `json:"expected_price,omitempty"`
	MarketPrice   float64 `json:"market_price,omitempty"`
}

// Value is the notional of the trade.
func (t TradeParams) Value() float64 { return t.Amount * t.Price }

// Portfolio is the user's current holdings view supplied by the caller.
type Portfolio struct {
	Value           float64            `json:"value"`
	Equity          float64            `json:"equity"`
	InitialEquity   float64            `json:"initial_equity"`
	CurrentExposure float64            `json:"current_exposure"`
	AssetValues     map[string]float64 `json:"asset_values"`
}

// CheckResult is one predicate's outcome.
type CheckResult struct {
	Name    string             `json:"name"`
	Allowed bool               `json:"allowed"`
	Reason  string             `json:"reason,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// TradeDecision is the composite result of CheckTrade.
type TradeDecision struct {
	Allowed      bool          `json:"allowed"`
	Checks       []CheckResult `json:"checks"`
	FailedChecks []string      `json:"failed_checks,omitempty"`
	Timestamp    time.Time     `json:"ts"`
}

// BreakerState is an active per-user circuit breaker.
type BreakerState struct {
	TriggeredAt time.Time     `json:"triggered_at"`
	Duration    time.Duration `json:"duration"`
	Reasons     []string      `json:"reasons"`
}

// DailyStats accumulates one local day of activity.
type DailyStats struct {
	Date        string  `json:"date"`
	TradeCount  int     `json:"trade_count"`
	Volume      float64 `json:"volume"`
	Fees        float64 `json:"fees"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// Fill is the observed result of an executed order.
type Fill struct {
	UserID      string    `json:"user_id"`
	Pair        string    `json:"pair"`
	Side        string    `json:"side"`
	Amount      float64   `json:"amount"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
	Timestamp   time.Time `json:"ts"`
}

type userState struct {
	daily             DailyStats
	lastTradeAt       time.Time
	peakEquity        float64
	consecutiveLosses int
	breaker           *BreakerState
}

// Manager evaluates trades and tracks per-user risk state.
type Manager struct {
	cfg Config
	bus *bus.Bus

	mu    sync.Mutex
	users map[string]*userState

	now  func() time.Time
	prom *metrics.Registry
}

// New creates a manager publishing risk events on b.
func New(cfg Config, b *bus.Bus) *Manager {
	return &Manager{
		cfg:   cfg,
		bus:   b,
		users: make(map[string]*userState),
		now:   time.Now,
	}
}

// WithMetrics records denial and breaker counters into reg.
func (m *Manager) WithMetrics(reg *metrics.Registry) *Manager {
	m.prom = reg
	return m
}

// ObserveFills subscribes the fill observer to trading:orderCompleted, after
// the coordinator has booked the position and realized P&L is known. The
// payload must be, or convert to, a Fill.
func (m *Manager) ObserveFills(convert func(any) (Fill, bool)) string {
	if convert == nil {
		convert = func(data any) (Fill, bool) {
			f, ok := data.(Fill)
			return f, ok
		}
	}
	return m.bus.Subscribe(bus.EventOrderCompleted, func(ev bus.Event) {
		if f, ok := convert(ev.Data); ok {
			m.RecordFill(f)
		}
	})
}

// localDate is the day key used for daily stats rollover.
func localDate(t time.Time) string { return t.Format("2006-01-02") }

// state fetches the user's risk state, rolling daily stats over at the local
// day boundary on first access.
func (m *Manager) state(userID string) *userState {
	st, ok := m.users[userID]
	if !ok {
		st = &userState{daily: DailyStats{Date: localDate(m.now())}}
		m.users[userID] = st
	}
	if today := localDate(m.now()); st.daily.Date != today {
		st.daily = DailyStats{Date: today}
	}
	return st
}

// RecordFill updates daily counters, realized P&L, and the loss streak.
func (m *Manager) RecordFill(f Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(f.UserID)
	st.daily.TradeCount++
	st.daily.Volume += f.Amount * f.Price
	st.daily.Fees += f.Fee
	st.daily.RealizedPnL += f.RealizedPnL
	st.lastTradeAt = f.Timestamp

	switch {
	case f.RealizedPnL < 0:
		st.consecutiveLosses++
	case f.RealizedPnL > 0:
		st.consecutiveLosses = 0
	}
}

// GetDailyStats returns a copy of today's stats for the user.
func (m *Manager) GetDailyStats(userID string) DailyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(userID).daily
}

// GetBreaker returns the active breaker, or nil.
func (m *Manager) GetBreaker(userID string) *BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(userID)
	if st.breaker == nil {
		return nil
	}
	cp := *st.breaker
	return &cp
}

// Reset manually clears the user's circuit breaker.
func (m *Manager) Reset(userID string) {
	m.mu.Lock()
	st := m.state(userID)
	cleared := st.breaker != nil
	st.breaker = nil
	st.consecutiveLosses = 0
	m.mu.Unlock()

	if cleared {
		log.Info().Str("user", userID).Msg("circuit breaker manually reset")
		m.bus.Publish(bus.EventCircuitBreakerReset, map[string]any{"userId": userID, "ts": m.now()})
	}
}

// CheckTrade runs every check and returns the composite decision. Failures
// are published on risk:checkFailed; protective failures trip the breaker.
func (m *Manager) CheckTrade(userID string, trade TradeParams, pf Portfolio) TradeDecision {
	m.mu.Lock()
	st := m.state(userID)
	now := m.now()

	checks := []CheckResult{
		m.checkBreaker(st, now),
		m.checkDailyLoss(st, pf),
		m.checkDailyTradeCount(st),
		m.checkDailyVolume(st, trade),
		m.checkPositionSize(trade, pf),
		m.checkTotalExposure(trade, pf),
		m.checkConcentration(trade, pf),
		m.checkCooldown(st, now),
		m.checkDrawdown(st, pf),
		m.checkTradeQuality(st, trade),
	}
	m.mu.Unlock()

	decision := TradeDecision{Allowed: true, Checks: checks, Timestamp: now}
	for _, c := range checks {
		if !c.Allowed {
			decision.Allowed = false
			decision.FailedChecks = append(decision.FailedChecks, c.Name)
		}
	}
	if decision.Allowed {
		return decision
	}

	log.Warn().Str("user", userID).Strs("failed", decision.FailedChecks).Msg("trade denied by risk checks")
	if m.prom != nil {
		for _, name := range decision.FailedChecks {
			m.prom.RiskDenials.WithLabelValues(name).Inc()
		}
	}
	m.bus.Publish(bus.EventRiskCheckFailed, map[string]any{
		"userId": userID, "tradeParams": trade, "failedChecks": decision.FailedChecks, "ts": now,
	})

	for _, name := range decision.FailedChecks {
		if breakerChecks[name] {
			m.trip(userID, decision.FailedChecks, now)
			break
		}
	}
	return decision
}

func (m *Manager) trip(userID string, reasons []string, now time.Time) {
	m.mu.Lock()
	st := m.state(userID)
	if st.breaker != nil {
		m.mu.Unlock()
		return
	}
	st.breaker = &BreakerState{TriggeredAt: now, Duration: m.cfg.CircuitBreakerDuration, Reasons: reasons}
	m.mu.Unlock()

	if m.prom != nil {
		m.prom.BreakerTrips.Inc()
	}
	log.Warn().Str("user", userID).Strs("reasons", reasons).
		Dur("duration", m.cfg.CircuitBreakerDuration).Msg("circuit breaker triggered")
	m.bus.Publish(bus.EventCircuitBreakerTriggered, map[string]any{
		"userId": userID, "reasons": reasons, "duration": m.cfg.CircuitBreakerDuration, "ts": now,
	})
}

func (m *Manager) checkBreaker(st *userState, now time.Time) CheckResult {
	if st.breaker == nil {
		return CheckResult{Name: CheckCircuitBreaker, Allowed: true}
	}
	elapsed := now.Sub(st.breaker.TriggeredAt)
	if elapsed < st.breaker.Duration {
		return CheckResult{
			Name:    CheckCircuitBreaker,
			Reason:  fmt.Sprintf("circuit breaker active for another %s", (st.breaker.Duration - elapsed).Round(time.Second)),
			Metrics: map[string]float64{"remaining_ms": float64((st.breaker.Duration - elapsed).Milliseconds())},
		}
	}
	st.breaker = nil // expired
	return CheckResult{Name: CheckCircuitBreaker, Allowed: true}
}

func (m *Manager) checkDailyLoss(st *userState, pf Portfolio) CheckResult {
	loss := math.Max(0, -st.daily.RealizedPnL)
	limit := pf.InitialEquity * m.cfg.MaxDailyLoss
	res := CheckResult{
		Name:    CheckDailyLimits,
		Allowed: limit <= 0 || loss < limit,
		Metrics: map[string]float64{"daily_loss": loss, "limit": limit},
	}
	if !res.Allowed {
		res.Reason = fmt.Sprintf("daily loss %.2f reached limit %.2f", loss, limit)
	}
	return res
}

func (m *Manager) checkDailyTradeCount(st *userState) CheckResult {
	res := CheckResult{
		Name:    CheckDailyTradeCount,
		Allowed: st.daily.TradeCount < m.cfg.MaxDailyTrades,
		Metrics: map[string]float64{"trades": float64(st.daily.TradeCount), "limit": float64(m.cfg.MaxDailyTrades)},
	}
	if !res.Allowed {
		res.Reason = fmt.Sprintf("daily trade count %d reached limit %d", st.daily.TradeCount, m.cfg.MaxDailyTrades)
	}
	return res
}

func (m *Manager) checkDailyVolume(st *userState, trade TradeParams) CheckResult {
	projected := st.daily.Volume + trade.Value()
	res := CheckResult{
		Name:    CheckDailyVolume,
		Allowed: projected <= m.cfg.MaxDailyVolume,
		Metrics: map[string]float64{"projected_volume": projected, "limit": m.cfg.MaxDailyVolume},
	}
	if !res.Allowed {
		res.Reason = fmt.Sprintf("projected daily volume %.2f exceeds limit %.2f", projected, m.cfg.MaxDailyVolume)
	}
	return res
}

func (m *Manager) checkPositionSize(trade TradeParams, pf Portfolio) CheckResult {
	if pf.Value <= 0 {
		return CheckResult{Name: CheckPositionSize, Reason: "portfolio value unknown"}
	}
	ratio := trade.Value() / pf.Value
	res := CheckResult{
		Name:    CheckPositionSize,
		Allowed: ratio <= m.cfg.MaxPositionSize,
		Metrics: map[string]float64{"ratio": ratio, "limit": m.cfg.MaxPositionSize},
	}
	if !res.Allowed {
		res.Reason = fmt.Sprintf("trade is %.1f%% of portfolio, limit %.1f%%", ratio*100, m.cfg.MaxPositionSize*100)
	}
	return res
}

func (m *Manager) checkTotalExposure(trade TradeParams, pf Portfolio) CheckResult {
	if pf.Value <= 0 {
		return CheckResult{Name: CheckTotalExposure, Reason: "portfolio value unknown"}
	}
	ratio := (pf.CurrentExposure + trade.Value()) / pf.Value
	res := CheckResult{
		Name:    CheckTotalExposure,
		Allowed: ratio <= m.cfg.MaxTotalExposure,
		Metrics: map[string]float64{"ratio": ratio, "limit": m.cfg.MaxTotalExposure},
	}
	if !res.Allowed {
		res.Reason = fmt.Sprintf("total exposure would be %.1f%%, limit %.1f%%", ratio*100, m.cfg.MaxTotalExposure*100)
	}
	return res
}

func (m *Manager) checkConcentration(trade TradeParams, pf Portfolio) CheckResult {
	if pf.Value <= 0 {
		return CheckResult{Name: CheckAssetConcentration, Reason: "portfolio value unknown"}
	}
	ratio := (pf.AssetValues[trade.Asset] + trade.Value()) / pf.Value
	res := CheckResult{
		Name:    CheckAssetConcentration,
		Allowed: ratio <= m.cfg.MaxConcentration,
		Metrics: map[string]float64{"ratio": ratio, "limit": m.cfg.MaxConcentration},
	}
	if !res.Allowed {
		res.Reason = fmt.Sprintf("%s concentration would be %.1f%%, limit %.1f%%", trade.Asset, ratio*100, m.cfg.MaxConcentration*100)
	}
	return res
}

func (m *Manager) checkCooldown(st *userState, now time.Time) CheckResult {
	if st.lastTradeAt.IsZero() {
		return CheckResult{Name: CheckCooldown, Allowed: true}
	}
	since := now.Sub(st.lastTradeAt)
	res := CheckResult{
		Name:    CheckCooldown,
		Allowed: since >= m.cfg.TradeCooldown,
		Metrics: map[string]float64{"since_ms": float64(since.Milliseconds()), "cooldown_ms": float64(m.cfg.TradeCooldown.Milliseconds())},
	}
	if !res.Allowed {
		res.Reason = fmt.Sprintf("last trade %s ago, cooldown %s", since.Round(time.Millisecond), m.cfg.TradeCooldown)
	}
	return res
}

func (m *Manager) checkDrawdown(st *userState, pf Portfolio) CheckResult {
	if pf.Equity > st.peakEquity {
		st.peakEquity = pf.Equity
	}
	if st.peakEquity <= 0 {
		return CheckResult{Name: CheckDrawdown, Allowed: true}
	}
	dd := (st.peakEquity - pf.Equity) / st.peakEquity * 100
	res := CheckResult{
		Name:    CheckDrawdown,
		Allowed: dd < m.cfg.MaxDrawdownPct,
		Metrics: map[string]float64{"drawdown_pct": dd, "peak": st.peakEquity, "limit_pct": m.cfg.MaxDrawdownPct},
	}
	if !res.Allowed {
		res.Reason = fmt.Sprintf("drawdown %.1f%% reached limit %.1f%%", dd, m.cfg.MaxDrawdownPct)
	}
	return res
}

// checkTradeQuality groups the loss streak, slippage, and price deviation
// predicates.
func (m *Manager) checkTradeQuality(st *userState, trade TradeParams) CheckResult {
	res := CheckResult{Name: CheckConsecutiveLosses, Allowed: true, Metrics: map[string]float64{
		"consecutive_losses": float64(st.consecutiveLosses),
	}}

	if st.consecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		res.Allowed = false
		res.Reason = fmt.Sprintf("%d consecutive losses, limit %d", st.consecutiveLosses, m.cfg.MaxConsecutiveLosses)
		return res
	}
	if trade.ExpectedPrice > 0 {
		slip := math.Abs(trade.Price-trade.ExpectedPrice) / trade.ExpectedPrice * 100
		res.Metrics["slippage_pct"] = slip
		if slip > m.cfg.MaxSlippagePct {
			res.Allowed = false
			res.Reason = fmt.Sprintf("slippage %.2f%% exceeds limit %.2f%%", slip, m.cfg.MaxSlippagePct)
			return res
		}
	}
	if trade.MarketPrice > 0 {
		dev := math.Abs(trade.Price-trade.MarketPrice) / trade.MarketPrice * 100
		res.Metrics["deviation_pct"] = dev
		if dev > m.cfg.MaxPriceDeviationPct {
			res.Allowed = false
			res.Reason = fmt.Sprintf("price deviates %.2f%% from market, limit %.2f%%", dev, m.cfg.MaxPriceDeviationPct)
		}
	}
	return res
}
