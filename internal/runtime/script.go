package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"crypto-signal-pipeline/internal/exchange"
	"crypto-signal-pipeline/internal/indicators"
)

// compiledScript wraps a goja program.
type compiledScript struct {
	program *goja.Program
}

// scriptEngine executes sandboxed-script filters. Each run gets a fresh VM:
// no state leaks between evaluations and an interrupt enforces the
// wall-clock budget. The VM has no filesystem, network or environment
// access; Date is removed so evaluation time comes only from the host.
type scriptEngine struct{}

func newScriptEngine() *scriptEngine { return &scriptEngine{} }

func (e *scriptEngine) compile(source string) (*compiledScript, error) {
	program, err := goja.Compile("filter", source, true)
	if err != nil {
		return nil, err
	}
	return &compiledScript{program: program}, nil
}

func (e *scriptEngine) run(ctx context.Context, cs *compiledScript, ec *EvalContext, budget time.Duration) (bool, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := e.install(vm, ec); err != nil {
		return false, err
	}

	timer := time.AfterFunc(budget, func() {
		vm.Interrupt("evaluation deadline exceeded")
	})
	defer timer.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("cancelled")
		case <-stop:
		}
	}()

	value, err := vm.RunProgram(cs.program)
	if err != nil {
		return false, fmt.Errorf("filter error: %w", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return false, nil
	}
	return value.ToBoolean(), nil
}

// install populates the sandbox globals: the ticker record, the candle
// vectors and the indicator functions, all read-only views over the
// evaluation context.
func (e *scriptEngine) install(vm *goja.Runtime, ec *EvalContext) error {
	// The host clock is the only time source.
	if err := vm.Set("Date", goja.Undefined()); err != nil {
		return err
	}
	hostNow := ec.Now.UnixMilli()
	mustSet(vm, "now", func() int64 { return hostNow })

	mustSet(vm, "symbol", ec.Symbol)
	mustSet(vm, "ticker", map[string]interface{}{
		"last_price":     ec.Ticker.LastPrice,
		"change_24h_pct": ec.Ticker.Change24hPct,
		"volume_24h":     ec.Ticker.Volume24h,
	})
	mustSet(vm, "price", func() float64 { return ec.Ticker.LastPrice })

	candles := make(map[string][]map[string]interface{}, len(ec.Candles))
	for interval, ks := range ec.Candles {
		rows := make([]map[string]interface{}, len(ks))
		for i, k := range ks {
			rows[i] = map[string]interface{}{
				"open_time":    k.OpenTime,
				"open":         k.Open,
				"high":         k.High,
				"low":          k.Low,
				"close":        k.Close,
				"volume":       k.Volume,
				"quote_volume": k.QuoteVolume,
				"trade_count":  k.TradeCount,
				"close_time":   k.CloseTime,
				"buy_volume":   k.BuyVolume,
				"sell_volume":  k.SellVolume,
				"volume_delta": k.VolumeDelta,
			}
		}
		candles[interval] = rows
	}
	mustSet(vm, "candles", candles)

	series := func(interval string) []exchange.Kline { return ec.Candles[interval] }
	scalar := func(v float64, ok bool) interface{} {
		if !ok {
			return nil
		}
		return v
	}

	mustSet(vm, "sma", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateSMA(series(interval), period))
	})
	mustSet(vm, "ema", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateEMA(series(interval), period))
	})
	mustSet(vm, "wma", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateWMA(series(interval), period))
	})
	mustSet(vm, "vwap", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateVWAP(series(interval), period))
	})
	mustSet(vm, "rsi", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateRSI(series(interval), period))
	})
	mustSet(vm, "roc", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateROC(series(interval), period))
	})
	mustSet(vm, "cci", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateCCI(series(interval), period))
	})
	mustSet(vm, "williams_r", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateWilliamsR(series(interval), period))
	})
	mustSet(vm, "stoch_rsi", func(interval string, rsiPeriod, stochPeriod int) interface{} {
		return scalar(indicators.CalculateStochRSI(series(interval), rsiPeriod, stochPeriod))
	})
	mustSet(vm, "atr", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateATR(series(interval), period))
	})
	mustSet(vm, "adx", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateADX(series(interval), period))
	})
	mustSet(vm, "obv", func(interval string) interface{} {
		return scalar(indicators.CalculateOBV(series(interval)))
	})
	mustSet(vm, "volume_ma", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateVolumeMA(series(interval), period))
	})
	mustSet(vm, "volume_change", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateVolumeChange(series(interval), period))
	})
	mustSet(vm, "taker_delta", func(interval string, period int) interface{} {
		return scalar(indicators.CalculateTakerDelta(series(interval), period))
	})
	mustSet(vm, "highest_high", func(interval string, period int) interface{} {
		return scalar(indicators.HighestHigh(series(interval), period))
	})
	mustSet(vm, "lowest_low", func(interval string, period int) interface{} {
		return scalar(indicators.LowestLow(series(interval), period))
	})
	mustSet(vm, "percent_change", func(interval string, period int) interface{} {
		return scalar(indicators.PercentChange(series(interval), period))
	})
	mustSet(vm, "macd", func(interval string, fast, slow, signal int) interface{} {
		res, ok := indicators.CalculateMACD(series(interval), fast, slow, signal)
		if !ok {
			return nil
		}
		return res
	})
	mustSet(vm, "bollinger", func(interval string, period int, mult float64) interface{} {
		res, ok := indicators.CalculateBollingerBands(series(interval), period, mult)
		if !ok {
			return nil
		}
		return res
	})
	mustSet(vm, "keltner", func(interval string, period int, mult float64) interface{} {
		res, ok := indicators.CalculateKeltner(series(interval), period, mult)
		if !ok {
			return nil
		}
		return res
	})
	mustSet(vm, "donchian", func(interval string, period int) interface{} {
		res, ok := indicators.CalculateDonchian(series(interval), period)
		if !ok {
			return nil
		}
		return res
	})
	mustSet(vm, "stochastic", func(interval string, kPeriod, dPeriod int) interface{} {
		res, ok := indicators.CalculateStochastic(series(interval), kPeriod, dPeriod)
		if !ok {
			return nil
		}
		return res
	})
	mustSet(vm, "aroon", func(interval string, period int) interface{} {
		res, ok := indicators.CalculateAroon(series(interval), period)
		if !ok {
			return nil
		}
		return res
	})
	mustSet(vm, "hvn_buckets", func(interval string, period, buckets int) interface{} {
		res, ok := indicators.CalculateHVNBuckets(series(interval), period, buckets)
		if !ok {
			return nil
		}
		return res
	})
	mustSet(vm, "fibonacci", func(interval string, period int) interface{} {
		res, ok := indicators.CalculateFibonacciLevels(series(interval), period)
		if !ok {
			return nil
		}
		return res
	})
	mustSet(vm, "pivot_points", func(interval string) interface{} {
		res, ok := indicators.CalculatePivotPoints(series(interval))
		if !ok {
			return nil
		}
		return res
	})

	return nil
}

func mustSet(vm *goja.Runtime, name string, value interface{}) {
	if err := vm.Set(name, value); err != nil {
		panic(fmt.Sprintf("sandbox install %s: %v", name, err))
	}
}
