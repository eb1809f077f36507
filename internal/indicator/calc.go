package indicator

import (
	"math"

	"options_trader/internal/core"
)

// closes extracts close prices as float64, oldest first.
func closes(bars []core.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

func computeLTP(bars []core.Bar) (map[string]float64, error) {
	if len(bars) == 0 {
		return nil, ErrInsufficientBars
	}
	v, _ := bars[len(bars)-1].Close.Float64()
	return map[string]float64{"value": v}, nil
}

func computeSMA(bars []core.Bar, period int) (map[string]float64, error) {
	if len(bars) < period || period <= 0 {
		return nil, ErrInsufficientBars
	}
	c := closes(bars)
	sum := 0.0
	for _, v := range c[len(c)-period:] {
		sum += v
	}
	return map[string]float64{"value": sum / float64(period)}, nil
}

// emaSeries computes the EMA series over values. The first period values seed
// with their simple average; entries before index period-1 are NaN.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(values) < period || period <= 0 {
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)
	k := 2.0 / (float64(period) + 1.0)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1.0-k)
	}
	return out
}

func computeEMA(bars []core.Bar, period int) (map[string]float64, error) {
	if len(bars) < period || period <= 0 {
		return nil, ErrInsufficientBars
	}
	series := emaSeries(closes(bars), period)
	return map[string]float64{"value": series[len(series)-1]}, nil
}

// computeRSI uses Wilder's smoothing: the first period deltas seed the
// average gain/loss, later deltas fold in as (avg*(period-1)+delta)/period.
func computeRSI(bars []core.Bar, period int) (map[string]float64, error) {
	if len(bars) < period+1 || period <= 0 {
		return nil, ErrInsufficientBars
	}
	c := closes(bars)
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := c[i] - c[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	for i := period + 1; i < len(c); i++ {
		d := c[i] - c[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*float64(period-1) + g) / float64(period)
		loss = (loss*float64(period-1) + l) / float64(period)
	}
	if loss == 0 {
		return map[string]float64{"value": 100.0}, nil
	}
	rs := gain / loss
	return map[string]float64{"value": 100.0 - 100.0/(1.0+rs)}, nil
}

func computeMACD(bars []core.Bar, fast, slow, signal int) (map[string]float64, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 || len(bars) < slow+signal {
		return nil, ErrInsufficientBars
	}
	c := closes(bars)
	fastEMA := emaSeries(c, fast)
	slowEMA := emaSeries(c, slow)

	// The MACD line exists from index slow-1 onward.
	macd := make([]float64, 0, len(c)-slow+1)
	for i := slow - 1; i < len(c); i++ {
		macd = append(macd, fastEMA[i]-slowEMA[i])
	}
	signalEMA := emaSeries(macd, signal)
	return map[string]float64{
		"value":  macd[len(macd)-1],
		"signal": signalEMA[len(signalEMA)-1],
	}, nil
}

func computeBollinger(bars []core.Bar, period int, stddev float64) (map[string]float64, error) {
	if len(bars) < period || period <= 0 {
		return nil, ErrInsufficientBars
	}
	c := closes(bars)
	window := c[len(c)-period:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(period)
	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return map[string]float64{
		"upper":  mean + stddev*sd,
		"middle": mean,
		"lower":  mean - stddev*sd,
	}, nil
}

// trueRanges returns the true range series starting at bar index 1.
func trueRanges(bars []core.Bar) []float64 {
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		h, _ := bars[i].High.Float64()
		l, _ := bars[i].Low.Float64()
		pc, _ := bars[i-1].Close.Float64()
		tr := math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
		out = append(out, tr)
	}
	return out
}

// atrSeries computes Wilder-smoothed ATR aligned to bar indices; entries
// before index period are NaN.
func atrSeries(bars []core.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(bars) < period+1 || period <= 0 {
		return out
	}
	tr := trueRanges(bars)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += tr[i]
	}
	out[period] = sum / float64(period)
	for i := period + 1; i < len(bars); i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i-1]) / float64(period)
	}
	return out
}

func computeATR(bars []core.Bar, period int) (map[string]float64, error) {
	if len(bars) < period+1 || period <= 0 {
		return nil, ErrInsufficientBars
	}
	series := atrSeries(bars, period)
	return map[string]float64{"value": series[len(series)-1]}, nil
}

// computeSupertrend walks the band series forward carrying trend direction.
// The final bands ratchet: the lower band only rises while price stays above
// it, the upper band only falls while price stays below it.
func computeSupertrend(bars []core.Bar, period int, multiplier float64) (map[string]float64, error) {
	if len(bars) < period+1 || period <= 0 {
		return nil, ErrInsufficientBars
	}
	atr := atrSeries(bars, period)

	var finalUpper, finalLower, value float64
	uptrend := true
	started := false

	for i := period; i < len(bars); i++ {
		h, _ := bars[i].High.Float64()
		l, _ := bars[i].Low.Float64()
		c, _ := bars[i].Close.Float64()
		pc, _ := bars[i-1].Close.Float64()
		mid := (h + l) / 2.0
		basicUpper := mid + multiplier*atr[i]
		basicLower := mid - multiplier*atr[i]

		if !started {
			finalUpper = basicUpper
			finalLower = basicLower
			uptrend = c > mid
			started = true
		} else {
			if basicUpper < finalUpper || pc > finalUpper {
				finalUpper = basicUpper
			}
			if basicLower > finalLower || pc < finalLower {
				finalLower = basicLower
			}
			if uptrend && c < finalLower {
				uptrend = false
			} else if !uptrend && c > finalUpper {
				uptrend = true
			}
		}

		if uptrend {
			value = finalLower
		} else {
			value = finalUpper
		}
	}

	return map[string]float64{
		"value": value,
		"upper": finalUpper,
		"lower": finalLower,
	}, nil
}

// computeVWAP is cumulative over the whole series: the series is bounded to
// the session, so no separate daily reset is needed.
func computeVWAP(bars []core.Bar) (map[string]float64, error) {
	if len(bars) == 0 {
		return nil, ErrInsufficientBars
	}
	var pv, vol float64
	for _, b := range bars {
		h, _ := b.High.Float64()
		l, _ := b.Low.Float64()
		c, _ := b.Close.Float64()
		typical := (h + l + c) / 3.0
		v := float64(b.Volume)
		pv += typical * v
		vol += v
	}
	if vol == 0 {
		// Zero-volume series degrades to the typical price of the last bar.
		h, _ := bars[len(bars)-1].High.Float64()
		l, _ := bars[len(bars)-1].Low.Float64()
		c, _ := bars[len(bars)-1].Close.Float64()
		return map[string]float64{"value": (h + l + c) / 3.0}, nil
	}
	return map[string]float64{"value": pv / vol}, nil
}

func computeStochastic(bars []core.Bar, period, smooth int) (map[string]float64, error) {
	if period <= 0 || smooth <= 0 || len(bars) < period+smooth-1 {
		return nil, ErrInsufficientBars
	}

	kAt := func(end int) float64 {
		hh := math.Inf(-1)
		ll := math.Inf(1)
		for i := end - period + 1; i <= end; i++ {
			h, _ := bars[i].High.Float64()
			l, _ := bars[i].Low.Float64()
			hh = math.Max(hh, h)
			ll = math.Min(ll, l)
		}
		c, _ := bars[end].Close.Float64()
		if hh == ll {
			return 50.0
		}
		return 100.0 * (c - ll) / (hh - ll)
	}

	last := len(bars) - 1
	k := kAt(last)
	dSum := 0.0
	for i := 0; i < smooth; i++ {
		dSum += kAt(last - i)
	}
	return map[string]float64{"k": k, "d": dSum / float64(smooth)}, nil
}
