package indicators

import (
	"math"
	"sort"

	"crypto-signal-pipeline/internal/exchange"
)

// HighestHigh returns the highest high over the last period candles.
func HighestHigh(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	hh := klines[len(klines)-period].High
	for _, k := range klines[len(klines)-period:] {
		hh = math.Max(hh, k.High)
	}
	return hh, true
}

// LowestLow returns the lowest low over the last period candles.
func LowestLow(klines []exchange.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	ll := klines[len(klines)-period].Low
	for _, k := range klines[len(klines)-period:] {
		ll = math.Min(ll, k.Low)
	}
	return ll, true
}

// PercentChange returns the close-to-close percent change over period.
func PercentChange(klines []exchange.Kline, period int) (float64, bool) {
	return CalculateROC(klines, period)
}

// VolumeNode is one price bucket of a volume profile.
type VolumeNode struct {
	PriceLow  float64 `json:"price_low"`
	PriceHigh float64 `json:"price_high"`
	Volume    float64 `json:"volume"`
}

// CalculateHVNBuckets builds a volume profile over the last period candles
// split into buckets price bands and returns the nodes sorted by volume,
// heaviest first.
func CalculateHVNBuckets(klines []exchange.Kline, period, buckets int) ([]VolumeNode, bool) {
	if period <= 0 || buckets <= 0 || len(klines) < period {
		return nil, false
	}
	window := klines[len(klines)-period:]

	lo, _ := LowestLow(window, len(window))
	hi, _ := HighestHigh(window, len(window))
	if hi <= lo {
		return nil, false
	}

	width := (hi - lo) / float64(buckets)
	nodes := make([]VolumeNode, buckets)
	for i := range nodes {
		nodes[i] = VolumeNode{
			PriceLow:  lo + float64(i)*width,
			PriceHigh: lo + float64(i+1)*width,
		}
	}

	// Spread each candle's volume across the buckets its range covers.
	for _, k := range window {
		span := k.High - k.Low
		for i := range nodes {
			overlap := math.Min(k.High, nodes[i].PriceHigh) - math.Max(k.Low, nodes[i].PriceLow)
			if overlap <= 0 {
				continue
			}
			if span == 0 {
				nodes[i].Volume += k.Volume
				continue
			}
			nodes[i].Volume += k.Volume * overlap / span
		}
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Volume > nodes[j].Volume })
	return nodes, true
}

// FibonacciLevels holds retracement levels between a swing low and high.
type FibonacciLevels struct {
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Level236 float64 `json:"level_236"`
	Level382 float64 `json:"level_382"`
	Level500 float64 `json:"level_500"`
	Level618 float64 `json:"level_618"`
	Level786 float64 `json:"level_786"`
}

// CalculateFibonacciLevels returns retracement levels over period.
func CalculateFibonacciLevels(klines []exchange.Kline, period int) (*FibonacciLevels, bool) {
	hi, ok := HighestHigh(klines, period)
	if !ok {
		return nil, false
	}
	lo, _ := LowestLow(klines, period)
	diff := hi - lo
	return &FibonacciLevels{
		High:     hi,
		Low:      lo,
		Level236: hi - diff*0.236,
		Level382: hi - diff*0.382,
		Level500: hi - diff*0.500,
		Level618: hi - diff*0.618,
		Level786: hi - diff*0.786,
	}, true
}

// PivotPoints holds the classic floor-trader pivot levels.
type PivotPoints struct {
	Pivot float64 `json:"pivot"`
	R1    float64 `json:"r1"`
	R2    float64 `json:"r2"`
	S1    float64 `json:"s1"`
	S2    float64 `json:"s2"`
}

// CalculatePivotPoints returns standard pivots from the last closed candle.
func CalculatePivotPoints(klines []exchange.Kline) (*PivotPoints, bool) {
	if len(klines) == 0 {
		return nil, false
	}
	last := klines[len(klines)-1]
	pivot := (last.High + last.Low + last.Close) / 3
	return &PivotPoints{
		Pivot: pivot,
		R1:    2*pivot - last.Low,
		R2:    pivot + (last.High - last.Low),
		S1:    2*pivot - last.High,
		S2:    pivot - (last.High - last.Low),
	}, true
}
