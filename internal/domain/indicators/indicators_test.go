package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 4.0, SMA(prices, 3)) // (3+4+5)/3
	assert.Equal(t, 3.0, SMA(prices, 5))
	assert.Equal(t, 0.0, SMA(prices, 6), "insufficient data")
	assert.Equal(t, 0.0, SMA(nil, 3))
}

func TestEMAConstantSeries(t *testing.T) {
	prices := make([]float64, 40)
	for i := range prices {
		prices[i] = 42
	}
	assert.InDelta(t, 42.0, EMA(prices, 12), 1e-9)
}

func TestEMATracksTrend(t *testing.T) {
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	// EMA lags the last price but must sit above the same-period SMA in an
	// uptrend, and the short EMA must sit above the long one.
	ema12 := EMA(prices, 12)
	ema26 := EMA(prices, 26)
	assert.Greater(t, ema12, ema26)
	assert.Less(t, ema12, prices[len(prices)-1])
	assert.Greater(t, ema12, SMA(prices, 12))
}

func TestEMAShortSeriesDegrades(t *testing.T) {
	prices := []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111, 112}
	// 13 ascending closes: the 12-period EMA iterates past its seed while the
	// 26-period EMA falls back to the mean, keeping the short-above-long
	// ordering usable on small windows.
	assert.Greater(t, EMA(prices, 12), EMA(prices, 26))
	assert.InDelta(t, 106.0, EMA(prices, 26), 1e-9)
	assert.Equal(t, 0.0, EMA(nil, 12))
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 30)
	down := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
		down[i] = 100 - float64(i)
	}
	assert.Equal(t, 100.0, RSI(up, 14), "all gains")
	assert.InDelta(t, 0.0, RSI(down, 14), 1e-9, "all losses")
	assert.Equal(t, 50.0, RSI(up[:5], 14), "insufficient data is neutral")

	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 100
	}
	assert.Equal(t, 100.0, RSI(flat, 14), "no losses at all")
}

func TestBollinger(t *testing.T) {
	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = 100
	}
	bb := Bollinger(prices, 20, 2.0)
	assert.Equal(t, 100.0, bb.Middle)
	assert.Equal(t, 100.0, bb.Upper, "zero variance collapses the bands")
	assert.Equal(t, 100.0, bb.Lower)

	// Alternating series has known sigma = 1.
	alt := make([]float64, 20)
	for i := range alt {
		if i%2 == 0 {
			alt[i] = 99
		} else {
			alt[i] = 101
		}
	}
	bb = Bollinger(alt, 20, 2.0)
	assert.InDelta(t, 100.0, bb.Middle, 1e-9)
	assert.InDelta(t, 102.0, bb.Upper, 1e-9)
	assert.InDelta(t, 98.0, bb.Lower, 1e-9)
}

func TestMACDApprox(t *testing.T) {
	m := MACDApprox(105, 100)
	assert.InDelta(t, 5.0, m.Line, 1e-9)
	assert.InDelta(t, 4.0, m.Signal, 1e-9)
	assert.InDelta(t, 1.0, m.Histogram, 1e-9)
}

func TestStdDevReturns(t *testing.T) {
	flat := []float64{100, 100, 100, 100}
	assert.Equal(t, 0.0, StdDevReturns(flat))
	assert.Equal(t, 0.0, StdDevReturns([]float64{100}))

	volatile := []float64{100, 110, 99, 120, 90}
	assert.Greater(t, StdDevReturns(volatile), 0.0)
}

func TestComputeSnapshot(t *testing.T) {
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	snap := Compute(prices)
	assert.Greater(t, snap.SMA20, snap.SMA50, "uptrend: short mean above long")
	assert.Greater(t, snap.EMA12, snap.EMA26)
	assert.Greater(t, snap.RSI14, 70.0)
	assert.Greater(t, snap.BB.Upper, snap.BB.Middle)
	assert.Less(t, snap.BB.Lower, snap.BB.Middle)
}
