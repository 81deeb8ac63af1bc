// Package chart maintains per-stock rolling indicator state over a daily
// warmup series plus realtime ticks, evaluates the named alert conditions,
// and records hits with a past-case lookup.
package chart

import (
	"math"

	"github.com/markcheno/go-talib"
)

// minObservations gates firing: MACD(12,26,9) needs 26 closes before its
// slow EMA is defined.
const minObservations = 26

// Snapshot is the indicator state after one observation.
type Snapshot struct {
	Close      float64
	Volume     float64
	MA5        float64
	MA20       float64
	BBUpper    float64
	BBMiddle   float64
	BBLower    float64
	RSI        float64
	MACD       float64
	MACDSignal float64
	VolumeMA5  float64
	High20     float64
	Low20      float64
}

// computeSnapshot evaluates every indicator on the full series and returns
// the latest values. Series are NaN-cleaned first so comparisons downstream
// are well-defined.
func computeSnapshot(closes, highs, lows, volumes []float64) Snapshot {
	closes = fillSeries(closes)
	highs = fillSeries(highs)
	lows = fillSeries(lows)
	volumes = fillSeries(volumes)

	n := len(closes)
	s := Snapshot{
		Close:  closes[n-1],
		Volume: volumes[n-1],
	}

	s.MA5 = last(talib.Sma(closes, 5))
	s.MA20 = last(talib.Sma(closes, 20))

	upper, middle, lower := talib.BBands(closes, 20, 2, 2, 0)
	s.BBUpper, s.BBMiddle, s.BBLower = last(upper), last(middle), last(lower)

	s.RSI = last(talib.Rsi(closes, 14))

	macd, signal, _ := talib.Macd(closes, 12, 26, 9)
	s.MACD, s.MACDSignal = last(macd), last(signal)

	s.VolumeMA5 = last(talib.Sma(volumes, 5))

	// Rolling extremes exclude today: a close equal to its own day's high
	// is not a breakout.
	s.High20 = rollingMax(highs[:n-1], 20)
	s.Low20 = rollingMin(lows[:n-1], 20)

	return s
}

// fillSeries forward-fills NaN values, back-fills a NaN prefix, then
// zero-fills anything left.
func fillSeries(in []float64) []float64 {
	out := make([]float64, len(in))
	copy(out, in)

	for i := 1; i < len(out); i++ {
		if math.IsNaN(out[i]) {
			out[i] = out[i-1]
		}
	}
	for i := len(out) - 2; i >= 0; i-- {
		if math.IsNaN(out[i]) {
			out[i] = out[i+1]
		}
	}
	for i := range out {
		if math.IsNaN(out[i]) {
			out[i] = 0
		}
	}
	return out
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	v := series[len(series)-1]
	if math.IsNaN(v) {
		return 0
	}
	return v
}

func rollingMax(series []float64, window int) float64 {
	if len(series) == 0 {
		return 0
	}
	start := len(series) - window
	if start < 0 {
		start = 0
	}
	max := series[start]
	for _, v := range series[start:] {
		if v > max {
			max = v
		}
	}
	return max
}

func rollingMin(series []float64, window int) float64 {
	if len(series) == 0 {
		return 0
	}
	start := len(series) - window
	if start < 0 {
		start = 0
	}
	min := series[start]
	for _, v := range series[start:] {
		if v < min {
			min = v
		}
	}
	return min
}
