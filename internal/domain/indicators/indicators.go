// Package indicators implements the technical indicators used by the strategy
// runtime and the backtest engine. All functions operate on close-price series
// ordered oldest to newest and degrade gracefully on short input.
package indicators

import "math"

// SMA returns the arithmetic mean of the last period values, or 0 if there is
// not enough data.
func SMA(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period {
		return 0
	}
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average with alpha = 2/(n+1), seeded by
// the SMA of the first period values. When the series is shorter than the
// period it degrades to the mean of what is available, so consumers comparing
// a short and a long EMA still get a usable ordering on small windows.
func EMA(prices []float64, period int) float64 {
	if period <= 0 || len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		period = len(prices)
	}
	seed := 0.0
	for _, p := range prices[:period] {
		seed += p
	}
	ema := seed / float64(period)

	alpha := 2.0 / (float64(period) + 1.0)
	for _, p := range prices[period:] {
		ema = p*alpha + ema*(1-alpha)
	}
	return ema
}

// RSI computes the Relative Strength Index over period using Wilder's
// smoothing. Returns a neutral 50 when there is not enough data.
func RSI(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period+1 {
		return 50
	}

	avgGain := 0.0
	avgLoss := 0.0
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = avgGain*(1-alpha) + gain*alpha
		avgLoss = avgLoss*(1-alpha) + loss*alpha
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Bands holds a Bollinger band triple.
type Bands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Bollinger computes bands around the period SMA at width stdDev sigmas.
func Bollinger(prices []float64, period int, stdDev float64) Bands {
	if period <= 0 || len(prices) < period {
		return Bands{}
	}
	middle := SMA(prices, period)

	variance := 0.0
	for _, p := range prices[len(prices)-period:] {
		d := p - middle
		variance += d * d
	}
	sigma := math.Sqrt(variance / float64(period))

	return Bands{
		Upper:  middle + stdDev*sigma,
		Middle: middle,
		Lower:  middle - stdDev*sigma,
	}
}

// MACD holds the MACD line, signal line and histogram.
type MACD struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// MACDApprox computes the MACD line as ema12-ema26 with the signal line
// approximated as 0.8*line. The source system shipped this approximation
// instead of the textbook 9-period EMA of the line; kept so live and
// backtested behavior stay comparable with it.
func MACDApprox(ema12, ema26 float64) MACD {
	line := ema12 - ema26
	signal := 0.8 * line
	return MACD{Line: line, Signal: signal, Histogram: line - signal}
}

// StdDevReturns is the standard deviation of simple returns of the series,
// used by the dynamic slippage model.
func StdDevReturns(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns = append(returns, prices[i]/prices[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(returns)-1))
}

// Snapshot is the indicator set exposed to strategies through the market
// context.
type Snapshot struct {
	SMA20 float64 `json:"sma20"`
	SMA50 float64 `json:"sma50"`
	EMA12 float64 `json:"ema12"`
	EMA26 float64 `json:"ema26"`
	RSI14 float64 `json:"rsi14"`
	BB    Bands   `json:"bb"`
}

// Compute derives the standard snapshot from a close-price window.
func Compute(prices []float64) Snapshot {
	return Snapshot{
		SMA20: SMA(prices, 20),
		SMA50: SMA(prices, 50),
		EMA12: EMA(prices, 12),
		EMA26: EMA(prices, 26),
		RSI14: RSI(prices, 14),
		BB:    Bollinger(prices, 20, 2.0),
	}
}
