// Package runtime compiles and executes user-supplied strategy filters in
// an isolated interpreter. Filters see the indicator library, the symbol
// ticker and the candle vectors their strategy declared — nothing else.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"crypto-signal-pipeline/internal/exchange"
	"crypto-signal-pipeline/internal/market"
	"crypto-signal-pipeline/internal/store"
)

// DefaultEvalBudget bounds one filter evaluation for one symbol.
const DefaultEvalBudget = 100 * time.Millisecond

// EvalContext is everything a filter may see for one (symbol, strategy)
// evaluation. Evaluation time is supplied by the host; the sandbox has no
// clock of its own.
type EvalContext struct {
	Symbol          string
	Ticker          market.Ticker
	Candles         map[string][]exchange.Kline // interval -> most-recent candles
	TriggerInterval string
	Now             time.Time
}

// TriggerCandles returns the candle vector of the trigger interval, or any
// declared vector when the trigger interval is absent.
func (ec *EvalContext) TriggerCandles() []exchange.Kline {
	if ks, ok := ec.Candles[ec.TriggerInterval]; ok {
		return ks
	}
	for _, ks := range ec.Candles {
		return ks
	}
	return nil
}

// Handle is a compiled filter ready to run.
type Handle struct {
	StrategyID string
	Language   string

	program *compiledScript
	native  NativeFilter
}

// Runtime compiles filter sources once and caches the handle keyed by
// strategy id + source hash.
type Runtime struct {
	mu      sync.RWMutex
	cache   map[string]*Handle
	scripts *scriptEngine
	natives *NativeRegistry
	budget  time.Duration
}

// New creates a runtime with the given per-evaluation wall-clock budget
// (DefaultEvalBudget when zero).
func New(budget time.Duration) *Runtime {
	if budget <= 0 {
		budget = DefaultEvalBudget
	}
	return &Runtime{
		cache:   make(map[string]*Handle),
		scripts: newScriptEngine(),
		natives: DefaultNatives(),
		budget:  budget,
	}
}

// Natives exposes the native-filter registry so callers can register
// compiled-in filters before strategies load.
func (r *Runtime) Natives() *NativeRegistry { return r.natives }

func cacheKey(strategyID, source string) string {
	sum := sha256.Sum256([]byte(source))
	return strategyID + ":" + hex.EncodeToString(sum[:8])
}

// Compile returns the cached handle for a strategy, compiling on first use
// or whenever the source changed.
func (r *Runtime) Compile(s *store.Strategy) (*Handle, error) {
	key := cacheKey(s.ID, s.FilterSource)

	r.mu.RLock()
	h, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	h = &Handle{StrategyID: s.ID, Language: s.Language}
	switch s.Language {
	case store.LanguageNative:
		native, ok := r.natives.Lookup(s.FilterSource)
		if !ok {
			return nil, fmt.Errorf("unknown native filter %q", s.FilterSource)
		}
		h.native = native
	case store.LanguageScript, "":
		program, err := r.scripts.compile(s.FilterSource)
		if err != nil {
			return nil, fmt.Errorf("filter compile failed: %w", err)
		}
		h.program = program
	default:
		return nil, fmt.Errorf("unsupported filter language %q", s.Language)
	}

	r.mu.Lock()
	r.cache[key] = h
	r.mu.Unlock()
	return h, nil
}

// Run evaluates a compiled filter against one symbol. Any filter error or
// deadline exceedance yields (false, err); the caller counts the error
// against the strategy.
func (r *Runtime) Run(ctx context.Context, h *Handle, ec *EvalContext) (bool, error) {
	if h.native != nil {
		return runNative(ctx, h.native, ec, r.budget)
	}
	return r.scripts.run(ctx, h.program, ec, r.budget)
}

// Invalidate drops cached handles for a strategy (used on reload).
func (r *Runtime) Invalidate(strategyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if len(key) > len(strategyID) && key[:len(strategyID)+1] == strategyID+":" {
			delete(r.cache, key)
		}
	}
}

// runNative applies the evaluation deadline to a compiled-in filter.
func runNative(ctx context.Context, f NativeFilter, ec *EvalContext, budget time.Duration) (bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		matched bool
		err     error
	}
	resCh := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resCh <- result{false, fmt.Errorf("filter panic: %v", rec)}
			}
		}()
		matched, err := f(ec)
		resCh <- result{matched, err}
	}()

	select {
	case r := <-resCh:
		return r.matched, r.err
	case <-runCtx.Done():
		return false, fmt.Errorf("evaluation deadline exceeded")
	}
}
