// Package scheduler fans strategy filters out over the symbol universe on
// each trigger-interval candle close and turns fresh matches into signals.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"crypto-signal-pipeline/internal/events"
	"crypto-signal-pipeline/internal/exchange"
	"crypto-signal-pipeline/internal/market"
	strategyruntime "crypto-signal-pipeline/internal/runtime"
	"crypto-signal-pipeline/internal/store"
)

const (
	// perStrategyConcurrency caps parallel symbol evaluations per strategy.
	perStrategyConcurrency = 10
	// maxConsecutiveErrors auto-disables a strategy.
	maxConsecutiveErrors = 5
)

// DisableListener is notified when a strategy is auto-disabled so dependent
// in-flight work (monitoring signals) can be cancelled.
type DisableListener interface {
	ExpireForStrategy(ctx context.Context, strategyID, reason string)
}

// activeStrategy is a strategy plus its scheduler-owned evaluation state.
type activeStrategy struct {
	def    *store.Strategy
	handle *strategyruntime.Handle

	batchMu     sync.Mutex      // serializes batch k before batch k+1
	sem         chan struct{}   // per-strategy concurrency cap
	prevMatched map[string]bool // symbols matched in the previous batch
	errors      int
}

// Scheduler owns signal creation. One worker pool sized to the CPU count
// services every strategy; per-strategy state is never shared.
type Scheduler struct {
	symbols []string
	cache   *market.Cache
	rt      *strategyruntime.Runtime
	gateway *store.Gateway
	bus     *events.Bus

	mu         sync.RWMutex
	strategies map[string]*activeStrategy

	tasks    chan func()
	wg       sync.WaitGroup
	loopWG   sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once

	listener DisableListener

	evaluations    atomic.Int64
	signalsEmitted atomic.Int64
	evalErrors     atomic.Int64
}

// New creates a scheduler over the given symbol universe.
func New(symbols []string, cache *market.Cache, rt *strategyruntime.Runtime, gateway *store.Gateway, bus *events.Bus) *Scheduler {
	return &Scheduler{
		symbols:    symbols,
		cache:      cache,
		rt:         rt,
		gateway:    gateway,
		bus:        bus,
		strategies: make(map[string]*activeStrategy),
		tasks:      make(chan func(), 256),
		stopChan:   make(chan struct{}),
	}
}

// SetDisableListener registers the lifecycle manager for auto-disable
// fan-out.
func (sc *Scheduler) SetDisableListener(l DisableListener) {
	sc.listener = l
}

// Start launches the worker pool and the candle-close consumer.
func (sc *Scheduler) Start(ctx context.Context) {
	workers := runtime.NumCPU()
	for i := 0; i < workers; i++ {
		sc.wg.Add(1)
		go sc.worker()
	}

	candleCh := sc.bus.Subscribe(events.EventCandleClose)
	sc.loopWG.Add(1)
	go sc.consume(ctx, candleCh)

	log.Printf("[Scheduler] started with %d workers over %d symbols", workers, len(sc.symbols))
}

// Stop drains the consumer and the worker pool.
func (sc *Scheduler) Stop() {
	sc.stopOnce.Do(func() { close(sc.stopChan) })
	sc.loopWG.Wait()
	close(sc.tasks)
	sc.wg.Wait()
}

func (sc *Scheduler) worker() {
	defer sc.wg.Done()
	for task := range sc.tasks {
		task()
	}
}

func (sc *Scheduler) consume(ctx context.Context, candleCh <-chan events.Event) {
	defer sc.loopWG.Done()
	for {
		select {
		case <-sc.stopChan:
			return
		case <-ctx.Done():
			return
		case evt := <-candleCh:
			cc, ok := evt.Data.(events.CandleClose)
			if !ok {
				continue
			}
			sc.dispatch(ctx, cc)
		}
	}
}

// Reload refetches enabled strategies from the store and recompiles their
// filters. Unknown-language or uncompilable strategies are skipped.
func (sc *Scheduler) Reload(ctx context.Context) error {
	defs, err := sc.gateway.ListEnabledStrategies(ctx)
	if err != nil {
		return fmt.Errorf("strategy reload failed: %w", err)
	}

	next := make(map[string]*activeStrategy, len(defs))
	sc.mu.RLock()
	prev := sc.strategies
	sc.mu.RUnlock()

	for _, def := range defs {
		handle, err := sc.rt.Compile(def)
		if err != nil {
			log.Printf("[Scheduler] strategy %s skipped: %v", def.ID, err)
			continue
		}

		if existing, ok := prev[def.ID]; ok && existing.def.UpdatedAt.Equal(def.UpdatedAt) {
			existing.handle = handle
			next[def.ID] = existing
			continue
		}
		next[def.ID] = &activeStrategy{
			def:         def,
			handle:      handle,
			sem:         make(chan struct{}, perStrategyConcurrency),
			prevMatched: make(map[string]bool),
		}
	}

	sc.mu.Lock()
	sc.strategies = next
	sc.mu.Unlock()

	log.Printf("[Scheduler] loaded %d enabled strategies", len(next))
	return nil
}

// dispatch runs one evaluation batch for every strategy triggered by this
// candle close. Batches for the same strategy are serialized; different
// strategies proceed in parallel on the shared pool.
func (sc *Scheduler) dispatch(ctx context.Context, cc events.CandleClose) {
	sc.mu.RLock()
	var triggered []*activeStrategy
	for _, as := range sc.strategies {
		if as.def.TriggerInterval == cc.Interval {
			triggered = append(triggered, as)
		}
	}
	sc.mu.RUnlock()

	for _, as := range triggered {
		as := as
		go sc.runBatch(ctx, as, cc)
	}
}

// runBatch evaluates one strategy across the symbol universe for one
// candle-close. The batch lock guarantees batch k completes before batch
// k+1 begins for the same strategy.
func (sc *Scheduler) runBatch(ctx context.Context, as *activeStrategy, cc events.CandleClose) {
	as.batchMu.Lock()
	defer as.batchMu.Unlock()

	matched := make(map[string]bool, len(sc.symbols))
	var matchedMu sync.Mutex
	var batchWG sync.WaitGroup
	var batchErr atomic.Bool

	for _, symbol := range sc.symbols {
		symbol := symbol
		as.sem <- struct{}{}
		batchWG.Add(1)

		task := func() {
			defer batchWG.Done()
			defer func() { <-as.sem }()

			ok, err := sc.evaluate(ctx, as, symbol, cc)
			if err != nil {
				batchErr.Store(true)
				sc.evalErrors.Add(1)
				return
			}
			if ok {
				matchedMu.Lock()
				matched[symbol] = true
				matchedMu.Unlock()
			}
		}

		select {
		case sc.tasks <- task:
		case <-sc.stopChan:
			batchWG.Done()
			<-as.sem
			return
		}
	}
	batchWG.Wait()

	// Edge trigger: only symbols that newly match emit a signal.
	for symbol := range matched {
		if !as.prevMatched[symbol] {
			sc.emit(ctx, as, symbol, cc)
		}
	}
	as.prevMatched = matched

	if batchErr.Load() {
		sc.recordStrategyError(ctx, as)
	} else {
		as.errors = 0
	}
}

func (sc *Scheduler) evaluate(ctx context.Context, as *activeStrategy, symbol string, cc events.CandleClose) (bool, error) {
	sc.evaluations.Add(1)

	limit := as.def.BarHistoryLimit
	if limit <= 0 {
		limit = 100
	}

	ec := &strategyruntime.EvalContext{
		Symbol:          symbol,
		Candles:         make(map[string][]exchange.Kline, len(as.def.RequiredIntervals)),
		TriggerInterval: as.def.TriggerInterval,
		Now:             time.UnixMilli(cc.CloseTime),
	}
	for _, interval := range as.def.RequiredIntervals {
		ec.Candles[interval] = sc.cache.Latest(symbol, interval, limit)
	}
	if t, ok := sc.cache.TickerFor(symbol); ok {
		ec.Ticker = t
	} else if len(ec.Candles[as.def.TriggerInterval]) > 0 {
		ks := ec.Candles[as.def.TriggerInterval]
		ec.Ticker = market.Ticker{Symbol: symbol, LastPrice: ks[len(ks)-1].Close}
	}

	return sc.rt.Run(ctx, as.handle, ec)
}

// emit persists a new signal for a fresh match and publishes the creation
// event. The insert is idempotent on (strategy, symbol, candle_time).
func (sc *Scheduler) emit(ctx context.Context, as *activeStrategy, symbol string, cc events.CandleClose) {
	price, _ := sc.cache.MarkPrice(symbol)
	if price == 0 {
		price = cc.Candle.Close
	}

	// The gateway mints the id: a uuid when the durable store takes the
	// write, a local- id when it lands in the fallback.
	sig := &store.Signal{
		StrategyID:        as.def.ID,
		Symbol:            symbol,
		CandleTime:        cc.Candle.OpenTime,
		InitialPrice:      price,
		MatchedConditions: []string{as.def.FilterSource},
		State:             store.StateNew,
		LastCandleTime:    0,
	}
	if as.def.Language == store.LanguageScript || as.def.Language == "" {
		sig.MatchedConditions = []string{"filter"}
	}

	inserted, err := sc.gateway.InsertSignalIfAbsent(ctx, sig)
	if err != nil {
		log.Printf("[Scheduler] signal insert failed for %s/%s: %v", as.def.ID, symbol, err)
		return
	}
	if !inserted {
		return
	}

	sc.signalsEmitted.Add(1)
	log.Printf("[Scheduler] signal %s: strategy=%s symbol=%s price=%.4f", sig.ID, as.def.ID, symbol, price)
	sc.bus.Publish(events.Event{Type: events.EventSignalCreated, Data: events.SignalCreated{
		SignalID:   sig.ID,
		StrategyID: as.def.ID,
		Symbol:     symbol,
		CandleTime: sig.CandleTime,
		Price:      price,
	}})
}

// recordStrategyError bumps the consecutive-error count and auto-disables
// the strategy at the threshold.
func (sc *Scheduler) recordStrategyError(ctx context.Context, as *activeStrategy) {
	as.errors++
	if as.errors < maxConsecutiveErrors {
		return
	}

	reason := fmt.Sprintf("auto-disabled after %d consecutive evaluation errors", as.errors)
	log.Printf("[Scheduler] strategy %s %s", as.def.ID, reason)

	if err := sc.gateway.SetStrategyEnabled(ctx, as.def.ID, false, &reason); err != nil {
		log.Printf("[Scheduler] disable persist failed for %s: %v", as.def.ID, err)
	}

	sc.mu.Lock()
	delete(sc.strategies, as.def.ID)
	sc.mu.Unlock()

	if sc.listener != nil {
		sc.listener.ExpireForStrategy(ctx, as.def.ID, reason)
	}
	sc.bus.Publish(events.Event{Type: events.EventStrategyError, Data: as.def.ID})
}

// Stats returns evaluation counters.
func (sc *Scheduler) Stats() (evaluations, signals, errors int64) {
	return sc.evaluations.Load(), sc.signalsEmitted.Load(), sc.evalErrors.Load()
}

// SignalsEmitted returns the total signals created.
func (sc *Scheduler) SignalsEmitted() int64 {
	return sc.signalsEmitted.Load()
}
