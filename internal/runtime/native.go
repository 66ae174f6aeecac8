package runtime

import (
	"sync"

	"crypto-signal-pipeline/internal/indicators"
)

// NativeFilter is a compiled-in strategy filter. A strategy with
// language=native names one of these in its filter source.
type NativeFilter func(*EvalContext) (bool, error)

// NativeRegistry maps filter names to compiled-in implementations.
type NativeRegistry struct {
	mu      sync.RWMutex
	filters map[string]NativeFilter
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{filters: make(map[string]NativeFilter)}
}

// Register adds or replaces a named filter.
func (r *NativeRegistry) Register(name string, f NativeFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[name] = f
}

// Lookup returns the filter registered under name.
func (r *NativeRegistry) Lookup(name string) (NativeFilter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[name]
	return f, ok
}

// DefaultNatives returns a registry preloaded with the built-in filters.
func DefaultNatives() *NativeRegistry {
	r := NewNativeRegistry()

	// Last close above its 20-period SMA on the trigger interval.
	r.Register("price_above_sma20", func(ec *EvalContext) (bool, error) {
		ks := ec.TriggerCandles()
		if len(ks) == 0 {
			return false, nil
		}
		sma, ok := indicators.CalculateSMA(ks, 20)
		if !ok {
			return false, nil
		}
		return ks[len(ks)-1].Close > sma, nil
	})

	// RSI-14 below 30 on the trigger interval.
	r.Register("rsi14_oversold", func(ec *EvalContext) (bool, error) {
		rsi, ok := indicators.CalculateRSI(ec.TriggerCandles(), 14)
		if !ok {
			return false, nil
		}
		return rsi < 30, nil
	})

	// Latest volume more than 3x its 20-period average.
	r.Register("volume_spike_3x", func(ec *EvalContext) (bool, error) {
		ks := ec.TriggerCandles()
		if len(ks) < 21 {
			return false, nil
		}
		avg, ok := indicators.CalculateVolumeMA(ks[:len(ks)-1], 20)
		if !ok || avg == 0 {
			return false, nil
		}
		return ks[len(ks)-1].Volume > 3*avg, nil
	})

	return r
}
