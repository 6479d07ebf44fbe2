package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/tradecore/internal/bus"
	"github.com/tradecore/tradecore/internal/domain/indicators"
	"github.com/tradecore/tradecore/internal/domain/market"
)

func TestMeanReversionShortEntry(t *testing.T) {
	s, err := NewMeanReversion(nil)
	require.NoError(t, err)

	sig := s.GenerateSignal(MarketContext{
		Price:      105,
		Indicators: indicators.Snapshot{RSI14: 75, BB: indicators.Bands{Upper: 100, Middle: 95, Lower: 90}},
	})

	assert.Equal(t, ActionSell, sig.Action)
	assert.InDelta(t, 107.1, sig.StopLoss, 1e-9) // 105 · 1.02
	assert.Equal(t, 95.0, sig.TakeProfit)
	assert.GreaterOrEqual(t, sig.Confidence, 0.5)
	assert.LessOrEqual(t, sig.Confidence, 1.0)
}

func TestMeanReversionLongEntry(t *testing.T) {
	s, err := NewMeanReversion(map[string]any{"rsiOversold": 30.0})
	require.NoError(t, err)

	sig := s.GenerateSignal(MarketContext{
		Price:      88,
		Indicators: indicators.Snapshot{RSI14: 22, BB: indicators.Bands{Upper: 100, Middle: 95, Lower: 90}},
	})

	assert.Equal(t, ActionBuy, sig.Action)
	assert.InDelta(t, 88*0.98, sig.StopLoss, 1e-9)
	assert.Equal(t, 95.0, sig.TakeProfit)
}

func TestMeanReversionHoldsInsideBands(t *testing.T) {
	s, err := NewMeanReversion(nil)
	require.NoError(t, err)

	sig := s.GenerateSignal(MarketContext{
		Price:      96,
		Indicators: indicators.Snapshot{RSI14: 55, BB: indicators.Bands{Upper: 100, Middle: 95, Lower: 90}},
	})
	assert.Equal(t, ActionHold, sig.Action)

	// extreme price without RSI confirmation still holds
	sig = s.GenerateSignal(MarketContext{
		Price:      105,
		Indicators: indicators.Snapshot{RSI14: 55, BB: indicators.Bands{Upper: 100, Middle: 95, Lower: 90}},
	})
	assert.Equal(t, ActionHold, sig.Action)
}

func ascendingCandles(n int, start, step float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		px := start + float64(i)*step
		out[i] = market.Candle{Timestamp: int64(i+1) * 60_000, Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 1}
	}
	return out
}

func TestMomentumLongEntryAndTrailingExit(t *testing.T) {
	s, err := NewMomentum(nil)
	require.NoError(t, err)

	entry := s.GenerateSignal(MarketContext{
		Price:         110,
		RecentCandles: ascendingCandles(30, 100, 1),
		Indicators:    indicators.Snapshot{EMA12: 108, EMA26: 105},
	})
	require.Equal(t, ActionBuy, entry.Action)
	assert.Equal(t, 0.02, entry.TrailingStop)

	// favorable move ratchets the watermark
	hold := s.GenerateSignal(MarketContext{
		Price:      120,
		Indicators: indicators.Snapshot{EMA12: 118, EMA26: 110},
	})
	assert.Equal(t, ActionHold, hold.Action)

	// 120 · (1-0.02) = 117.6 is the stop; 117 breaches it
	exit := s.GenerateSignal(MarketContext{
		Price:      117,
		Indicators: indicators.Snapshot{EMA12: 118, EMA26: 110},
	})
	assert.Equal(t, ActionSell, exit.Action)
	assert.Contains(t, exit.Reason, "trailing stop")

	// position state cleared, next call can enter again
	reentry := s.GenerateSignal(MarketContext{
		Price:         117,
		RecentCandles: ascendingCandles(30, 100, 1),
		Indicators:    indicators.Snapshot{EMA12: 118, EMA26: 110},
	})
	assert.Equal(t, ActionBuy, reentry.Action)
}

func TestMomentumExitsOnOppositeCross(t *testing.T) {
	s, err := NewMomentum(nil)
	require.NoError(t, err)

	entry := s.GenerateSignal(MarketContext{
		Price:         110,
		RecentCandles: ascendingCandles(30, 100, 1),
		Indicators:    indicators.Snapshot{EMA12: 108, EMA26: 105},
	})
	require.Equal(t, ActionBuy, entry.Action)

	exit := s.GenerateSignal(MarketContext{
		Price:      109.5,
		Indicators: indicators.Snapshot{EMA12: 104, EMA26: 105},
	})
	assert.Equal(t, ActionSell, exit.Action)
	assert.Contains(t, exit.Reason, "bearish cross")
}

func TestMomentumRequiresTrendStrength(t *testing.T) {
	s, err := NewMomentum(map[string]any{"minTrendStrength": 0.9})
	require.NoError(t, err)

	// alternating closes give near-zero trend strength
	candles := make([]market.Candle, 30)
	for i := range candles {
		px := 100.0
		if i%2 == 0 {
			px = 101
		}
		candles[i] = market.Candle{Timestamp: int64(i+1) * 60_000, Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 1}
	}

	sig := s.GenerateSignal(MarketContext{
		Price:         101,
		RecentCandles: candles,
		Indicators:    indicators.Snapshot{EMA12: 102, EMA26: 100},
	})
	assert.Equal(t, ActionHold, sig.Action)
}

func TestGridFillsAndFlips(t *testing.T) {
	s, err := NewGrid(map[string]any{"levels": 4.0, "gridSpacingPct": 0.01})
	require.NoError(t, err)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	init := s.GenerateSignal(MarketContext{Price: 100, Timestamp: base})
	assert.Equal(t, ActionHold, init.Action)
	assert.Equal(t, 100.0, s.CenterPrice())
	assert.Equal(t, 4, s.PendingLevels())

	// price drops through the first buy level at 99
	fill := s.GenerateSignal(MarketContext{Price: 98.9, Timestamp: base.Add(time.Minute)})
	assert.Equal(t, ActionBuy, fill.Action)
	assert.Equal(t, 99.0, fill.Price)
	// one level filled, one opposite sell placed at 99·1.01
	assert.Equal(t, 4, s.PendingLevels())
}

func TestGridRebalancesAfterInterval(t *testing.T) {
	s, err := NewGrid(map[string]any{"levels": 4.0, "gridSpacingPct": 0.01, "rebalanceThreshold": 0.8})
	require.NoError(t, err)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.GenerateSignal(MarketContext{Price: 100, Timestamp: base})

	// range = 100·0.01·2 = 2; threshold distance = 1.6; price 200 is far out
	// but the minimum interval has not elapsed
	early := s.GenerateSignal(MarketContext{Price: 200, Timestamp: base.Add(time.Minute)})
	assert.NotContains(t, early.Reason, "rebalanced")
	assert.Equal(t, 100.0, s.CenterPrice())

	later := s.GenerateSignal(MarketContext{Price: 200, Timestamp: base.Add(6 * time.Minute)})
	assert.Equal(t, ActionHold, later.Action)
	assert.Contains(t, later.Reason, "rebalanced")
	assert.Equal(t, 200.0, s.CenterPrice())
}

func TestGridRejectsOddLevels(t *testing.T) {
	_, err := NewGrid(map[string]any{"levels": 5.0})
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	for _, typ := range []string{"mean_reversion", "momentum", "grid"} {
		s, err := NewStrategy(typ, nil)
		require.NoError(t, err, typ)
		assert.Equal(t, typ, s.Type())
		assert.NotEmpty(t, s.ParamSchema(), typ)
	}
	_, err := NewStrategy("martingale", nil)
	assert.Error(t, err)
	assert.Equal(t, []string{"grid", "mean_reversion", "momentum"}, Types())
}

// fixedStrategy always emits the scripted signal.
type fixedStrategy struct{ sig Signal }

func (f *fixedStrategy) Type() string                        { return "fixed" }
func (f *fixedStrategy) GenerateSignal(MarketContext) Signal { return f.sig }
func (f *fixedStrategy) UpdateParams(map[string]any) error   { return nil }
func (f *fixedStrategy) Config() map[string]any              { return nil }
func (f *fixedStrategy) ParamSchema() []ParamSpec            { return nil }

type stubBuilder struct {
	mctx  MarketContext
	err   error
	block chan struct{}
}

func (b *stubBuilder) Build(string) (MarketContext, error) {
	if b.block != nil {
		<-b.block
	}
	return b.mctx, b.err
}

func TestSchedulerEmitsSignalsForActiveStrategies(t *testing.T) {
	b := bus.New()
	sched := NewScheduler(SchedulerConfig{}, b, &stubBuilder{mctx: MarketContext{Price: 100}})

	got := make(chan SignalEvent, 1)
	b.Subscribe(bus.EventStrategySignal, func(ev bus.Event) {
		if se, ok := ev.Data.(SignalEvent); ok {
			select {
			case got <- se:
			default:
			}
		}
	})

	in := sched.Add("user-1", "BTC/USD", "kraken", &fixedStrategy{sig: Signal{Action: ActionBuy, Amount: 0.1}})
	require.NoError(t, sched.Activate(in.ID))

	require.True(t, sched.Tick())
	select {
	case se := <-got:
		assert.Equal(t, in.ID, se.StrategyID)
		assert.Equal(t, "user-1", se.UserID)
		assert.Equal(t, ActionBuy, se.Signal.Action)
	default:
		t.Fatal("no signal published")
	}
	assert.Len(t, in.Signals, 1)
	assert.False(t, in.LastRunAt.IsZero())
}

func TestSchedulerSkipsHoldAndInactive(t *testing.T) {
	b := bus.New()
	sched := NewScheduler(SchedulerConfig{}, b, &stubBuilder{})

	holder := sched.Add("user-1", "BTC/USD", "kraken", &fixedStrategy{sig: Hold("quiet")})
	require.NoError(t, sched.Activate(holder.ID))
	sched.Add("user-1", "ETH/USD", "kraken", &fixedStrategy{sig: Signal{Action: ActionBuy}})

	require.True(t, sched.Tick())
	assert.Zero(t, b.GetMetrics().EventsPublished)
}

func TestSchedulerStateMachine(t *testing.T) {
	sched := NewScheduler(SchedulerConfig{}, bus.New(), &stubBuilder{})
	in := sched.Add("user-1", "BTC/USD", "kraken", &fixedStrategy{})

	assert.Error(t, sched.Pause(in.ID)) // inactive cannot pause
	require.NoError(t, sched.Activate(in.ID))
	require.NoError(t, sched.Pause(in.ID))
	require.NoError(t, sched.Resume(in.ID))
	require.NoError(t, sched.Deactivate(in.ID))
	assert.Error(t, sched.Resume(in.ID)) // inactive -> active only via Activate
	require.NoError(t, sched.Activate(in.ID))

	// error is terminal until deactivate+activate
	in.Status = StatusError
	assert.Error(t, sched.Activate(in.ID))
	require.NoError(t, sched.Deactivate(in.ID))
	require.NoError(t, sched.Activate(in.ID))
	assert.Empty(t, in.Err)
}

func TestSchedulerDailyTradeLimit(t *testing.T) {
	b := bus.New()
	sched := NewScheduler(SchedulerConfig{MaxDailyTrades: 2}, b, &stubBuilder{})
	in := sched.Add("user-1", "BTC/USD", "kraken", &fixedStrategy{sig: Signal{Action: ActionBuy}})
	require.NoError(t, sched.Activate(in.ID))

	now := time.Now()
	require.NoError(t, sched.RecordTrade(in.ID, 5, now))
	require.NoError(t, sched.RecordTrade(in.ID, -3, now))

	require.True(t, sched.Tick())
	assert.Zero(t, b.GetMetrics().EventsPublished, "limit reached, no signal expected")

	assert.Equal(t, 2, in.Performance.TotalTrades)
	assert.Equal(t, 1, in.Performance.WinningTrades)
	assert.Equal(t, 1, in.Performance.LosingTrades)
	assert.InDelta(t, 2.0, in.Performance.TotalPnL, 1e-9)
}

func TestSchedulerNonReentrantTick(t *testing.T) {
	blocker := &stubBuilder{block: make(chan struct{})}
	sched := NewScheduler(SchedulerConfig{}, bus.New(), blocker)
	in := sched.Add("user-1", "BTC/USD", "kraken", &fixedStrategy{sig: Hold("")})
	require.NoError(t, sched.Activate(in.ID))

	first := make(chan bool)
	go func() { first <- sched.Tick() }()

	require.Eventually(t, func() bool {
		return !sched.Tick() // dropped while the first tick is blocked
	}, time.Second, 5*time.Millisecond)

	close(blocker.block)
	assert.True(t, <-first)
}

func TestSchedulerIsolatesPanickingStrategy(t *testing.T) {
	sched := NewScheduler(SchedulerConfig{}, bus.New(), &stubBuilder{})
	bad := sched.Add("user-1", "BTC/USD", "kraken", &panicStrategy{})
	good := sched.Add("user-1", "ETH/USD", "kraken", &fixedStrategy{sig: Hold("")})
	require.NoError(t, sched.Activate(bad.ID))
	require.NoError(t, sched.Activate(good.ID))

	require.True(t, sched.Tick())
	assert.Equal(t, StatusError, bad.Status)
	assert.NotEmpty(t, bad.Err)
	assert.Equal(t, StatusActive, good.Status)
}

type panicStrategy struct{}

func (p *panicStrategy) Type() string                        { return "panic" }
func (p *panicStrategy) GenerateSignal(MarketContext) Signal { panic("boom") }
func (p *panicStrategy) UpdateParams(map[string]any) error   { return nil }
func (p *panicStrategy) Config() map[string]any              { return nil }
func (p *panicStrategy) ParamSchema() []ParamSpec            { return nil }

var errNoContext = errors.New("no context")

func TestSchedulerSurvivesBuilderErrors(t *testing.T) {
	sched := NewScheduler(SchedulerConfig{}, bus.New(), &stubBuilder{err: errNoContext})
	in := sched.Add("user-1", "BTC/USD", "kraken", &fixedStrategy{sig: Signal{Action: ActionBuy}})
	require.NoError(t, sched.Activate(in.ID))

	require.True(t, sched.Tick())
	assert.Equal(t, StatusActive, in.Status)
	assert.Empty(t, in.Signals)
}
