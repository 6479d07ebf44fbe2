package risk

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/tradecore/internal/bus"
	"github.com/tradecore/tradecore/internal/metrics"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := New(cfg, b)
	return m, b
}

func healthyPortfolio() Portfolio {
	return Portfolio{
		Value:           100_000,
		Equity:          100_000,
		InitialEquity:   100_000,
		CurrentExposure: 10_000,
		AssetValues:     map[string]float64{"BTC": 2_000},
	}
}

func smallTrade() TradeParams {
	return TradeParams{Pair: "BTC/USD", Exchange: "kraken", Asset: "BTC", Side: "buy", Amount: 0.1, Price: 50_000}
}

func TestCheckTradeAllowsWithinLimits(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	dec := m.CheckTrade("u1", smallTrade(), healthyPortfolio())

	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.FailedChecks)
	assert.Len(t, dec.Checks, 10)
	for _, c := range dec.Checks {
		assert.True(t, c.Allowed, "check %s", c.Name)
	}
}

func TestDailyLossDeniesAndTripsBreaker(t *testing.T) {
	m, b := newTestManager(t, DefaultConfig())

	tripped := make(chan bus.Event, 1)
	b.Subscribe(bus.EventCircuitBreakerTriggered, func(ev bus.Event) { tripped <- ev })

	m.RecordFill(Fill{
		UserID: "u1", Pair: "BTC/USD", Side: "sell",
		Amount: 1, Price: 48_000, Fee: 20, RealizedPnL: -5_100,
		Timestamp: time.Now().Add(-2 * time.Second),
	})

	pf := healthyPortfolio()
	pf.Equity = 94_900

	dec := m.CheckTrade("u1", smallTrade(), pf)
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.FailedChecks, CheckDailyLimits)

	select {
	case <-tripped:
	default:
		t.Fatal("expected circuit breaker event")
	}
	br := m.GetBreaker("u1")
	require.NotNil(t, br)
	assert.Contains(t, br.Reasons, CheckDailyLimits)
	assert.Equal(t, time.Hour, br.Duration)

	// Repeating the check keeps denying without re-arming the breaker.
	again := m.CheckTrade("u1", smallTrade(), pf)
	assert.False(t, again.Allowed)
	assert.Contains(t, again.FailedChecks, CheckCircuitBreaker)
	assert.Equal(t, br.TriggeredAt, m.GetBreaker("u1").TriggeredAt)
}

func TestBreakerExpiresAfterDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitBreakerDuration = time.Minute
	m, _ := newTestManager(t, cfg)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	m.now = func() time.Time { return now }

	m.RecordFill(Fill{UserID: "u1", Amount: 1, Price: 48_000, RealizedPnL: -6_000, Timestamp: now.Add(-5 * time.Second)})
	dec := m.CheckTrade("u1", smallTrade(), healthyPortfolio())
	require.False(t, dec.Allowed)
	require.NotNil(t, m.GetBreaker("u1"))

	// Still inside the window.
	now = now.Add(30 * time.Second)
	dec = m.CheckTrade("u1", smallTrade(), healthyPortfolio())
	assert.Contains(t, dec.FailedChecks, CheckCircuitBreaker)

	// Past the window the breaker clears on its own. The daily loss that
	// tripped it still denies until the day rolls over.
	now = now.Add(2 * time.Minute)
	dec = m.CheckTrade("u1", smallTrade(), healthyPortfolio())
	assert.NotContains(t, dec.FailedChecks, CheckCircuitBreaker)
	assert.Contains(t, dec.FailedChecks, CheckDailyLimits)

	now = now.Add(24 * time.Hour)
	dec = m.CheckTrade("u1", smallTrade(), healthyPortfolio())
	assert.True(t, dec.Allowed)
}

func TestManualResetClearsBreaker(t *testing.T) {
	m, b := newTestManager(t, DefaultConfig())

	resets := make(chan bus.Event, 1)
	b.Subscribe(bus.EventCircuitBreakerReset, func(ev bus.Event) { resets <- ev })

	m.RecordFill(Fill{UserID: "u1", Amount: 1, Price: 48_000, RealizedPnL: -6_000, Timestamp: time.Now().Add(-5 * time.Second)})
	m.CheckTrade("u1", smallTrade(), healthyPortfolio())
	require.NotNil(t, m.GetBreaker("u1"))

	m.Reset("u1")
	assert.Nil(t, m.GetBreaker("u1"))
	select {
	case <-resets:
	default:
		t.Fatal("expected reset event")
	}

	// Resetting an untripped user is a no-op and publishes nothing.
	m.Reset("u2")
	assert.Len(t, resets, 0)
}

func TestPositionSizeAndExposureLimits(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	big := smallTrade()
	big.Amount = 0.5 // 25000 = 25% of portfolio
	dec := m.CheckTrade("u1", big, healthyPortfolio())
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.FailedChecks, CheckPositionSize)
	assert.NotContains(t, dec.FailedChecks, CheckTotalExposure)

	pf := healthyPortfolio()
	pf.CurrentExposure = 78_000
	dec = m.CheckTrade("u1", smallTrade(), pf) // 83% projected exposure
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.FailedChecks, CheckTotalExposure)
}

func TestConcentrationLimit(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	pf := healthyPortfolio()
	pf.AssetValues["BTC"] = 38_000
	dec := m.CheckTrade("u1", smallTrade(), pf) // 43% in BTC after the trade
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.FailedChecks, CheckAssetConcentration)
}

func TestCooldownBetweenTrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradeCooldown = 10 * time.Second
	m, _ := newTestManager(t, cfg)

	m.RecordFill(Fill{UserID: "u1", Amount: 0.01, Price: 50_000, RealizedPnL: 5, Timestamp: time.Now().Add(-2 * time.Second)})
	dec := m.CheckTrade("u1", smallTrade(), healthyPortfolio())
	assert.False(t, dec.Allowed)
	assert.Equal(t, []string{CheckCooldown}, dec.FailedChecks)
}

func TestConsecutiveLossesTripBreaker(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	ts := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		m.RecordFill(Fill{UserID: "u1", Amount: 0.001, Price: 50_000, RealizedPnL: -1, Timestamp: ts})
	}
	dec := m.CheckTrade("u1", smallTrade(), healthyPortfolio())
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.FailedChecks, CheckConsecutiveLosses)
	assert.NotNil(t, m.GetBreaker("u1"))
}

func TestWinResetsLossStreak(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	ts := time.Now().Add(-time.Minute)
	for i := 0; i < 4; i++ {
		m.RecordFill(Fill{UserID: "u1", Amount: 0.001, Price: 50_000, RealizedPnL: -1, Timestamp: ts})
	}
	m.RecordFill(Fill{UserID: "u1", Amount: 0.001, Price: 50_000, RealizedPnL: 2, Timestamp: ts})
	m.RecordFill(Fill{UserID: "u1", Amount: 0.001, Price: 50_000, RealizedPnL: -1, Timestamp: ts})

	dec := m.CheckTrade("u1", smallTrade(), healthyPortfolio())
	assert.True(t, dec.Allowed)
}

func TestSlippageAndDeviationChecks(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	tr := smallTrade()
	tr.ExpectedPrice = 48_500 // ~3.1% slippage
	dec := m.CheckTrade("u1", tr, healthyPortfolio())
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.FailedChecks, CheckConsecutiveLosses)

	tr = smallTrade()
	tr.MarketPrice = 47_000 // ~6.4% away from market
	dec = m.CheckTrade("u1", tr, healthyPortfolio())
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.FailedChecks, CheckConsecutiveLosses)

	tr = smallTrade()
	tr.ExpectedPrice = 49_800
	tr.MarketPrice = 50_100
	dec = m.CheckTrade("u1", tr, healthyPortfolio())
	assert.True(t, dec.Allowed)
}

func TestDrawdownTracksPeakEquity(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	pf := healthyPortfolio()
	pf.Equity = 120_000
	dec := m.CheckTrade("u1", smallTrade(), pf)
	require.True(t, dec.Allowed)

	pf.Equity = 107_000 // 10.8% off the 120k peak
	dec = m.CheckTrade("u1", smallTrade(), pf)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.FailedChecks, CheckDrawdown)
	assert.NotNil(t, m.GetBreaker("u1"))
}

func TestDailyStatsRollOverAtMidnight(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	now := time.Date(2024, 6, 1, 23, 50, 0, 0, time.Local)
	m.now = func() time.Time { return now }

	m.RecordFill(Fill{UserID: "u1", Amount: 1, Price: 30_000, Fee: 30, RealizedPnL: -200, Timestamp: now})
	st := m.GetDailyStats("u1")
	assert.Equal(t, 1, st.TradeCount)
	assert.Equal(t, 30_000.0, st.Volume)
	assert.Equal(t, -200.0, st.RealizedPnL)

	now = now.Add(20 * time.Minute) // past midnight
	st = m.GetDailyStats("u1")
	assert.Equal(t, "2024-06-02", st.Date)
	assert.Zero(t, st.TradeCount)
	assert.Zero(t, st.RealizedPnL)
}

func TestDailyTradeAndVolumeLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyTrades = 2
	cfg.MaxDailyVolume = 12_000
	m, _ := newTestManager(t, cfg)

	ts := time.Now().Add(-time.Minute)
	m.RecordFill(Fill{UserID: "u1", Amount: 0.1, Price: 50_000, RealizedPnL: 1, Timestamp: ts})
	m.RecordFill(Fill{UserID: "u1", Amount: 0.1, Price: 50_000, RealizedPnL: 1, Timestamp: ts})

	dec := m.CheckTrade("u1", smallTrade(), healthyPortfolio())
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.FailedChecks, CheckDailyTradeCount)
	assert.Contains(t, dec.FailedChecks, CheckDailyVolume) // 10000 + 5000 > 12000
}

func TestObserveFillsConsumesBusEvents(t *testing.T) {
	m, b := newTestManager(t, DefaultConfig())
	m.ObserveFills(nil)

	b.Publish(bus.EventOrderCompleted, Fill{UserID: "u1", Amount: 0.2, Price: 40_000, Fee: 8, RealizedPnL: 50, Timestamp: time.Now()})

	st := m.GetDailyStats("u1")
	assert.Equal(t, 1, st.TradeCount)
	assert.Equal(t, 8_000.0, st.Volume)
	assert.Equal(t, 8.0, st.Fees)
	assert.Equal(t, 50.0, st.RealizedPnL)
}

func TestDenialAndBreakerCountersRecorded(t *testing.T) {
	reg := metrics.New()
	m, _ := newTestManager(t, DefaultConfig())
	m.WithMetrics(reg)

	pf := healthyPortfolio()
	require.True(t, m.CheckTrade("u1", smallTrade(), pf).Allowed)

	// 20% below the recorded peak breaches the 10% drawdown limit, which is
	// protective and trips the breaker.
	pf.Equity = 80_000
	dec := m.CheckTrade("u1", smallTrade(), pf)
	assert.False(t, dec.Allowed)

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.RiskDenials.WithLabelValues(CheckDrawdown)))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BreakerTrips))
}
