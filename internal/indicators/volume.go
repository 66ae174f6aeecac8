package indicators

import (
	"math"

	"crypto-signal-pipeline/internal/exchange"
)

// CalculateOBV returns on-balance volume accumulated over the whole vector.
// Requires at least 2 candles.
func CalculateOBV(klines []exchange.Kline) (float64, bool) {
	if len(klines) < 2 {
		return 0, false
	}
	obv := 0.0
	for i := 1; i < len(klines); i++ {
		switch {
		case klines[i].Close > klines[i-1].Close:
			obv += klines[i].Volume
		case klines[i].Close < klines[i-1].Close:
			obv -= klines[i].Volume
		}
	}
	return obv, true
}

// CalculateVolumeMA returns the simple moving average of volume over period.
func CalculateVolumeMA(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	sum := 0.0
	for _, k := range klines[len(klines)-period:] {
		sum += k.Volume
	}
	return sum / float64(period), true
}

// CalculateVolumeChange returns the percent change of the latest volume
// versus the average of the preceding period candles.
func CalculateVolumeChange(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period+1 {
		return 0, false
	}
	avg, ok := CalculateVolumeMA(klines[:len(klines)-1], period)
	if !ok || avg == 0 {
		return 0, false
	}
	return (klines[len(klines)-1].Volume - avg) / avg * 100, true
}

// CalculateTakerDelta returns the net taker buy-minus-sell volume summed
// over period candles.
func CalculateTakerDelta(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	delta := 0.0
	for _, k := range klines[len(klines)-period:] {
		delta += k.BuyVolume - k.SellVolume
	}
	return delta, true
}

// CalculateADX returns the average directional index over period.
// Requires 2*period candles.
func CalculateADX(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < 2*period {
		return 0, false
	}

	var trSum, plusDMSum, minusDMSum float64
	dxValues := make([]float64, 0, len(klines)-period)

	for i := 1; i < len(klines); i++ {
		upMove := klines[i].High - klines[i-1].High
		downMove := klines[i-1].Low - klines[i].Low

		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}

		tr := trueRange(klines[i], klines[i-1])

		if i <= period {
			trSum += tr
			plusDMSum += plusDM
			minusDMSum += minusDM
			if i < period {
				continue
			}
		} else {
			trSum = trSum - trSum/float64(period) + tr
			plusDMSum = plusDMSum - plusDMSum/float64(period) + plusDM
			minusDMSum = minusDMSum - minusDMSum/float64(period) + minusDM
		}

		if trSum == 0 {
			dxValues = append(dxValues, 0)
			continue
		}
		plusDI := plusDMSum / trSum * 100
		minusDI := minusDMSum / trSum * 100
		if plusDI+minusDI == 0 {
			dxValues = append(dxValues, 0)
			continue
		}
		dxValues = append(dxValues, math.Abs(plusDI-minusDI)/(plusDI+minusDI)*100)
	}

	if len(dxValues) < period {
		return 0, false
	}
	adx := 0.0
	for _, dx := range dxValues[:period] {
		adx += dx
	}
	adx /= float64(period)
	for _, dx := range dxValues[period:] {
		adx = (adx*float64(period-1) + dx) / float64(period)
	}
	return adx, true
}

// AroonResult holds the Aroon up/down lines.
type AroonResult struct {
	Up   float64 `json:"up"`
	Down float64 `json:"down"`
}

// CalculateAroon returns Aroon up/down over period.
func CalculateAroon(klines []exchange.Kline, period int) (*AroonResult, bool) {
	if period <= 0 || len(klines) < period+1 {
		return nil, false
	}
	window := klines[len(klines)-period-1:]

	hiIdx, loIdx := 0, 0
	for i, k := range window {
		if k.High >= window[hiIdx].High {
			hiIdx = i
		}
		if k.Low <= window[loIdx].Low {
			loIdx = i
		}
	}

	sinceHigh := float64(len(window) - 1 - hiIdx)
	sinceLow := float64(len(window) - 1 - loIdx)
	return &AroonResult{
		Up:   (float64(period) - sinceHigh) / float64(period) * 100,
		Down: (float64(period) - sinceLow) / float64(period) * 100,
	}, true
}
