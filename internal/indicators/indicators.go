// Package indicators implements pure technical-analysis functions over
// candle vectors. Every function is deterministic and returns ok=false
// when the input is shorter than the warm-up it needs; callers handle
// not-ready instead of receiving partial answers.
package indicators

import (
	"math"

	"crypto-signal-pipeline/internal/exchange"
)

// CalculateSMA returns the simple moving average of closes over period.
func CalculateSMA(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	sum := 0.0
	for _, k := range klines[len(klines)-period:] {
		sum += k.Close
	}
	return sum / float64(period), true
}

// CalculateEMA returns the exponential moving average of closes over period.
func CalculateEMA(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	multiplier := 2.0 / float64(period+1)

	// Seed with the SMA of the first period candles.
	ema := 0.0
	for _, k := range klines[:period] {
		ema += k.Close
	}
	ema /= float64(period)

	for _, k := range klines[period:] {
		ema = (k.Close-ema)*multiplier + ema
	}
	return ema, true
}

// CalculateWMA returns the linearly weighted moving average of closes.
func CalculateWMA(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	window := klines[len(klines)-period:]
	sum, weightSum := 0.0, 0.0
	for i, k := range window {
		w := float64(i + 1)
		sum += k.Close * w
		weightSum += w
	}
	return sum / weightSum, true
}

// CalculateVWAP returns the volume-weighted average price over period.
func CalculateVWAP(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	window := klines[len(klines)-period:]
	pv, vol := 0.0, 0.0
	for _, k := range window {
		typical := (k.High + k.Low + k.Close) / 3
		pv += typical * k.Volume
		vol += k.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// CalculateRSI returns the relative strength index using Wilder smoothing.
// Requires period+1 candles.
func CalculateRSI(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period+1 {
		return 0, false
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// MACDResult holds the MACD line, signal line and histogram.
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// CalculateMACD returns MACD with the given fast/slow/signal periods.
func CalculateMACD(klines []exchange.Kline, fastPeriod, slowPeriod, signalPeriod int) (*MACDResult, bool) {
	if len(klines) < slowPeriod+signalPeriod {
		return nil, false
	}

	macdSeries := make([]float64, 0, len(klines)-slowPeriod+1)
	for i := slowPeriod; i <= len(klines); i++ {
		fast, _ := CalculateEMA(klines[:i], fastPeriod)
		slow, _ := CalculateEMA(klines[:i], slowPeriod)
		macdSeries = append(macdSeries, fast-slow)
	}

	signal := emaOf(macdSeries, signalPeriod)
	macd := macdSeries[len(macdSeries)-1]
	return &MACDResult{
		MACD:      macd,
		Signal:    signal,
		Histogram: macd - signal,
	}, true
}

// StochasticResult holds %K and %D of the stochastic oscillator.
type StochasticResult struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// CalculateStochastic returns the stochastic oscillator over kPeriod with a
// dPeriod SMA of %K.
func CalculateStochastic(klines []exchange.Kline, kPeriod, dPeriod int) (*StochasticResult, bool) {
	if kPeriod <= 0 || dPeriod <= 0 || len(klines) < kPeriod+dPeriod-1 {
		return nil, false
	}

	kValues := make([]float64, 0, dPeriod)
	for i := len(klines) - dPeriod; i < len(klines); i++ {
		window := klines[i-kPeriod+1 : i+1]
		hh, ll := window[0].High, window[0].Low
		for _, k := range window {
			hh = math.Max(hh, k.High)
			ll = math.Min(ll, k.Low)
		}
		if hh == ll {
			kValues = append(kValues, 50)
			continue
		}
		kValues = append(kValues, (klines[i].Close-ll)/(hh-ll)*100)
	}

	d := 0.0
	for _, v := range kValues {
		d += v
	}
	return &StochasticResult{
		K: kValues[len(kValues)-1],
		D: d / float64(len(kValues)),
	}, true
}

// CalculateStochRSI returns the stochastic oscillator applied to RSI values.
func CalculateStochRSI(klines []exchange.Kline, rsiPeriod, stochPeriod int) (float64, bool) {
	need := rsiPeriod + stochPeriod
	if rsiPeriod <= 0 || stochPeriod <= 0 || len(klines) < need {
		return 0, false
	}

	rsiValues := make([]float64, 0, stochPeriod)
	for i := len(klines) - stochPeriod; i < len(klines); i++ {
		rsi, ok := CalculateRSI(klines[:i+1], rsiPeriod)
		if !ok {
			return 0, false
		}
		rsiValues = append(rsiValues, rsi)
	}

	lo, hi := rsiValues[0], rsiValues[0]
	for _, v := range rsiValues {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		return 50, true
	}
	return (rsiValues[len(rsiValues)-1] - lo) / (hi - lo) * 100, true
}

// CalculateCCI returns the commodity channel index over period.
func CalculateCCI(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	window := klines[len(klines)-period:]

	typicals := make([]float64, period)
	sum := 0.0
	for i, k := range window {
		typicals[i] = (k.High + k.Low + k.Close) / 3
		sum += typicals[i]
	}
	mean := sum / float64(period)

	dev := 0.0
	for _, tp := range typicals {
		dev += math.Abs(tp - mean)
	}
	meanDev := dev / float64(period)
	if meanDev == 0 {
		return 0, true
	}
	return (typicals[period-1] - mean) / (0.015 * meanDev), true
}

// CalculateWilliamsR returns Williams %R over period.
func CalculateWilliamsR(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	window := klines[len(klines)-period:]
	hh, ll := window[0].High, window[0].Low
	for _, k := range window {
		hh = math.Max(hh, k.High)
		ll = math.Min(ll, k.Low)
	}
	if hh == ll {
		return -50, true
	}
	return (hh - window[len(window)-1].Close) / (hh - ll) * -100, true
}

// CalculateROC returns the rate of change of close over period, in percent.
func CalculateROC(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period+1 {
		return 0, false
	}
	old := klines[len(klines)-period-1].Close
	if old == 0 {
		return 0, false
	}
	return (klines[len(klines)-1].Close - old) / old * 100, true
}

// emaOf computes an EMA over a raw float series, seeded with the SMA of the
// first period values.
func emaOf(series []float64, period int) float64 {
	if len(series) < period {
		period = len(series)
	}
	multiplier := 2.0 / float64(period+1)
	ema := 0.0
	for _, v := range series[:period] {
		ema += v
	}
	ema /= float64(period)
	for _, v := range series[period:] {
		ema = (v-ema)*multiplier + ema
	}
	return ema
}
