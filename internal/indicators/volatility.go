package indicators

import (
	"math"

	"crypto-signal-pipeline/internal/exchange"
)

// BollingerBandsResult holds the three Bollinger band levels.
type BollingerBandsResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// CalculateBollingerBands returns Bollinger bands over period with the given
// standard-deviation multiplier.
func CalculateBollingerBands(klines []exchange.Kline, period int, stdDevMultiplier float64) (*BollingerBandsResult, bool) {
	sma, ok := CalculateSMA(klines, period)
	if !ok {
		return nil, false
	}

	variance := 0.0
	for _, k := range klines[len(klines)-period:] {
		diff := k.Close - sma
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return &BollingerBandsResult{
		Upper:  sma + stdDevMultiplier*stdDev,
		Middle: sma,
		Lower:  sma - stdDevMultiplier*stdDev,
	}, true
}

// CalculateATR returns the average true range over period using Wilder
// smoothing. Requires period+1 candles.
func CalculateATR(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period+1 {
		return 0, false
	}

	trs := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		trs = append(trs, trueRange(klines[i], klines[i-1]))
	}

	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// KeltnerResult holds the Keltner channel levels.
type KeltnerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// CalculateKeltner returns the Keltner channel: EMA middle line with ATR
// bands at the given multiplier.
func CalculateKeltner(klines []exchange.Kline, period int, atrMultiplier float64) (*KeltnerResult, bool) {
	ema, ok := CalculateEMA(klines, period)
	if !ok {
		return nil, false
	}
	atr, ok := CalculateATR(klines, period)
	if !ok {
		return nil, false
	}
	return &KeltnerResult{
		Upper:  ema + atrMultiplier*atr,
		Middle: ema,
		Lower:  ema - atrMultiplier*atr,
	}, true
}

// DonchianResult holds the Donchian channel levels.
type DonchianResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// CalculateDonchian returns the Donchian channel over period.
func CalculateDonchian(klines []exchange.Kline, period int) (*DonchianResult, bool) {
	hh, ok := HighestHigh(klines, period)
	if !ok {
		return nil, false
	}
	ll, _ := LowestLow(klines, period)
	return &DonchianResult{
		Upper:  hh,
		Middle: (hh + ll) / 2,
		Lower:  ll,
	}, true
}

func trueRange(cur, prev exchange.Kline) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}
