package strategy

import "math"

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATORS
// ═══════════════════════════════════════════════════════════════════════════════
//
// All functions return the LATEST value only, computed over the tail of the
// input. Callers that need a full series should loop; the strategies here
// only ever act on the current bar.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RSI computes the relative strength index of the final bar using simple
// rolling means of gains and losses. Returns NaN until period+1 closes exist.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return math.NaN()
	}

	var gain, loss float64
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)

	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}

// SessionVWAP computes the volume-weighted average price across the candles
// of the final candle's session day. Typical price = (H+L+C)/3. Falls back
// to the last close when the day has no volume.
func SessionVWAP(candles []Candle) float64 {
	if len(candles) == 0 {
		return math.NaN()
	}

	last := candles[len(candles)-1]
	y0, m0, d0 := last.Start.Date()

	var pv, vol float64
	for _, c := range candles {
		y, m, d := c.Start.Date()
		if y != y0 || m != m0 || d != d0 {
			continue
		}
		tp := (c.High.InexactFloat64() + c.Low.InexactFloat64() + c.Close.InexactFloat64()) / 3
		pv += tp * float64(c.Volume)
		vol += float64(c.Volume)
	}
	if vol == 0 {
		return last.Close.InexactFloat64()
	}
	return pv / vol
}

// ZScore measures how many standard deviations the final value sits from
// the rolling mean of the last period values.
func ZScore(values []float64, period int) float64 {
	if period <= 1 || len(values) < period {
		return math.NaN()
	}

	window := values[len(values)-period:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(period)

	var sq float64
	for _, v := range window {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(period-1))
	if std == 0 {
		return 0
	}
	return (window[period-1] - mean) / std
}

// EfficiencyRatio is Kaufman's efficiency ratio: net change over the window
// divided by the sum of absolute step changes. Near 1 means trending, near
// 0 means chop. Returns 0 when the path length is zero.
func EfficiencyRatio(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return math.NaN()
	}

	tail := values[len(values)-period-1:]
	change := math.Abs(tail[len(tail)-1] - tail[0])

	var path float64
	for i := 1; i < len(tail); i++ {
		path += math.Abs(tail[i] - tail[i-1])
	}
	if path == 0 {
		return 0
	}
	return change / path
}

// ATR approximates average true range from a last-traded-price series as
// the rolling mean of absolute step changes. Tick streams carry no high or
// low, so the step delta stands in for the true range.
func ATR(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return math.NaN()
	}

	var sum float64
	for i := len(values) - period; i < len(values); i++ {
		sum += math.Abs(values[i] - values[i-1])
	}
	return sum / float64(period)
}
