// Package lifecycle advances each signal through its state machine:
//
//	new -> monitoring -> ready -> position_open -> closed
//	                 \-> expired
//
// On every close of a strategy's trigger interval the manager consults the
// AI oracle and acts on its verdict. The manager is the sole mutator of
// signal state and decision rows.
package lifecycle

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"crypto-signal-pipeline/internal/events"
	"crypto-signal-pipeline/internal/exchange"
	"crypto-signal-pipeline/internal/executor"
	"crypto-signal-pipeline/internal/indicators"
	"crypto-signal-pipeline/internal/market"
	"crypto-signal-pipeline/internal/oracle"
	"crypto-signal-pipeline/internal/store"
)

const (
	// maxSignalErrors expires a signal after consecutive oracle failures.
	maxSignalErrors = 5
	// trimAge is how long closed/expired signals are retained.
	trimAge = 24 * time.Hour
	// trimInterval is the cadence of the trim loop.
	trimInterval = 10 * time.Minute
)

// Oracle is the decision service dependency (the HTTP client in
// production, a stub in tests).
type Oracle interface {
	Decide(ctx context.Context, req *oracle.Request) (*store.Decision, error)
}

// tracked is the in-memory view of a live signal plus its strategy.
type tracked struct {
	signal   *store.Signal
	strategy *store.Strategy
}

// Manager holds the signal map and drives the per-signal decision loop.
// Events for the same signal are serialized through a keyed mutex;
// different signals progress in parallel.
type Manager struct {
	cache   *market.Cache
	gateway *store.Gateway
	oracle  Oracle
	exec    executor.Executor
	bus     *events.Bus

	mu      sync.RWMutex
	signals map[string]*tracked // signal id -> live signal

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex // signal id -> serialization lock

	decisionsMade atomic.Int64
	oracleErrors  atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a lifecycle manager.
func New(cache *market.Cache, gateway *store.Gateway, orc Oracle, exec executor.Executor, bus *events.Bus) *Manager {
	return &Manager{
		cache:    cache,
		gateway:  gateway,
		oracle:   orc,
		exec:     exec,
		bus:      bus,
		signals:  make(map[string]*tracked),
		locks:    make(map[string]*sync.Mutex),
		stopChan: make(chan struct{}),
	}
}

// Start subscribes to the bus and launches the event and trim loops. It
// also re-adopts signals left in monitoring/ready/position_open by a
// previous run.
func (m *Manager) Start(ctx context.Context) {
	m.recover(ctx)

	ch := m.bus.Subscribe(events.EventSignalCreated, events.EventCandleClose, events.EventPositionClosed)
	m.wg.Add(2)
	go m.consume(ctx, ch)
	go m.trimLoop(ctx)
}

// Stop drains the loops.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

// recover re-adopts in-flight signals from the store after a restart.
func (m *Manager) recover(ctx context.Context) {
	signals, err := m.gateway.ListSignalsByState(ctx, store.StateNew, store.StateMonitoring, store.StateReady, store.StatePositionOpen)
	if err != nil {
		log.Printf("[Lifecycle] recovery scan failed: %v", err)
		return
	}
	for _, sig := range signals {
		strategy, err := m.gateway.GetStrategy(ctx, sig.StrategyID)
		if err != nil {
			continue
		}
		m.track(sig, strategy)
		if sig.State == store.StateNew {
			m.adopt(ctx, sig.ID)
		}
	}
	if len(signals) > 0 {
		log.Printf("[Lifecycle] recovered %d in-flight signals", len(signals))
	}
}

func (m *Manager) track(sig *store.Signal, strategy *store.Strategy) {
	m.mu.Lock()
	m.signals[sig.ID] = &tracked{signal: sig, strategy: strategy}
	m.mu.Unlock()
}

func (m *Manager) untrack(signalID string) {
	m.mu.Lock()
	delete(m.signals, signalID)
	m.mu.Unlock()

	m.lockMu.Lock()
	delete(m.locks, signalID)
	m.lockMu.Unlock()
}

// lockFor returns the per-signal serialization mutex.
func (m *Manager) lockFor(signalID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.locks[signalID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[signalID] = l
	}
	return l
}

func (m *Manager) consume(ctx context.Context, ch <-chan events.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case evt := <-ch:
			switch data := evt.Data.(type) {
			case events.SignalCreated:
				m.onSignalCreated(ctx, data)
			case events.CandleClose:
				m.onCandleClose(ctx, data)
			case events.PositionClosed:
				m.onPositionClosed(ctx, data)
			}
		}
	}
}

// onSignalCreated moves a fresh signal into monitoring.
func (m *Manager) onSignalCreated(ctx context.Context, sc events.SignalCreated) {
	sig, err := m.gateway.GetSignal(ctx, sc.SignalID)
	if err != nil {
		log.Printf("[Lifecycle] created signal %s not found: %v", sc.SignalID, err)
		return
	}
	strategy, err := m.gateway.GetStrategy(ctx, sig.StrategyID)
	if err != nil {
		log.Printf("[Lifecycle] strategy %s not found for signal %s", sig.StrategyID, sig.ID)
		return
	}
	m.track(sig, strategy)
	m.adopt(ctx, sig.ID)
}

func (m *Manager) adopt(ctx context.Context, signalID string) {
	l := m.lockFor(signalID)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	tr := m.signals[signalID]
	m.mu.RUnlock()
	if tr == nil || tr.signal.State != store.StateNew {
		return
	}

	if err := m.gateway.AdvanceSignalState(ctx, signalID, store.StateNew, store.StateMonitoring, store.SignalUpdate{}); err != nil {
		log.Printf("[Lifecycle] signal %s new->monitoring refused: %v", signalID, err)
		return
	}
	tr.signal.State = store.StateMonitoring
	log.Printf("[Lifecycle] signal %s monitoring %s", signalID, tr.signal.Symbol)
}

// onCandleClose runs the decide step for every live signal of this symbol
// whose strategy triggers on this interval.
func (m *Manager) onCandleClose(ctx context.Context, cc events.CandleClose) {
	m.mu.RLock()
	var due []*tracked
	for _, tr := range m.signals {
		if tr.signal.Symbol == cc.Symbol && tr.strategy.TriggerInterval == cc.Interval {
			due = append(due, tr)
		}
	}
	m.mu.RUnlock()

	for _, tr := range due {
		tr := tr
		go m.process(ctx, tr, cc)
	}
}

// process handles one candle close for one signal under its lock.
func (m *Manager) process(ctx context.Context, tr *tracked, cc events.CandleClose) {
	l := m.lockFor(tr.signal.ID)
	l.Lock()
	defer l.Unlock()

	sig := tr.signal

	// Dedupe: never act twice on the same candle, never go backwards.
	if cc.Candle.OpenTime <= sig.LastCandleTime {
		return
	}

	switch sig.State {
	case store.StateMonitoring:
		m.decideMonitoring(ctx, tr, cc)
	case store.StatePositionOpen:
		m.decidePositionOpen(ctx, tr, cc)
	}
}

// decideMonitoring runs the decide step for a monitoring signal.
func (m *Manager) decideMonitoring(ctx context.Context, tr *tracked, cc events.CandleClose) {
	sig, strategy := tr.signal, tr.strategy

	decision, err := m.callOracle(ctx, tr, cc)
	if err != nil {
		m.recordOracleError(ctx, tr, err)
		return
	}

	decision.CandleTime = cc.Candle.OpenTime
	newCount := sig.DecisionCount + 1

	switch decision.Kind {
	case store.DecisionEnter:
		m.enter(ctx, tr, cc, decision)

	case store.DecisionAbandon:
		if m.persistDecision(ctx, sig, decision, newCount, cc.Candle.OpenTime, store.StateMonitoring, store.StateExpired) {
			m.untrack(sig.ID)
			log.Printf("[Lifecycle] signal %s abandoned by oracle", sig.ID)
		}

	default: // continue, hold and adjust kinds keep monitoring
		if newCount >= strategy.DecisionBudget {
			if m.persistDecision(ctx, sig, decision, newCount, cc.Candle.OpenTime, store.StateMonitoring, store.StateExpired) {
				m.untrack(sig.ID)
				log.Printf("[Lifecycle] signal %s expired: decision budget %d exhausted", sig.ID, strategy.DecisionBudget)
			}
			return
		}
		m.persistDecision(ctx, sig, decision, newCount, cc.Candle.OpenTime, store.StateMonitoring, store.StateMonitoring)
	}
}

// enter transitions monitoring -> ready, opens the position, then ready ->
// position_open.
func (m *Manager) enter(ctx context.Context, tr *tracked, cc events.CandleClose, decision *store.Decision) {
	sig := tr.signal
	newCount := sig.DecisionCount + 1

	if !m.persistDecision(ctx, sig, decision, newCount, cc.Candle.OpenTime, store.StateMonitoring, store.StateReady) {
		return
	}

	plan := decision.TradePlan
	if plan == nil {
		plan = &store.TradePlan{Entry: cc.Candle.Close}
	}
	price := plan.Entry
	if price <= 0 {
		price = cc.Candle.Close
	}

	req := executor.OpenRequest{
		SignalID:    sig.ID,
		Symbol:      sig.Symbol,
		Price:       price,
		SizePct:     plan.PositionSize / 100,
		StopLoss:    plan.StopLoss,
		TakeProfits: plan.TakeProfit,
	}

	// Side inference: a stop below entry protects a long.
	var pos *store.Position
	var err error
	if plan.StopLoss > 0 && plan.StopLoss > price {
		pos, err = m.exec.OpenShort(ctx, req)
	} else {
		pos, err = m.exec.OpenLong(ctx, req)
	}
	if err != nil {
		msg := err.Error()
		log.Printf("[Lifecycle] open failed for signal %s: %v", sig.ID, err)
		if aerr := m.gateway.AdvanceSignalState(ctx, sig.ID, store.StateReady, store.StateExpired,
			store.SignalUpdate{LastError: &msg}); aerr != nil {
			log.Printf("[Lifecycle] signal %s ready->expired refused: %v", sig.ID, aerr)
		}
		sig.State = store.StateExpired
		m.untrack(sig.ID)
		return
	}

	if err := m.gateway.AdvanceSignalState(ctx, sig.ID, store.StateReady, store.StatePositionOpen,
		store.SignalUpdate{PositionID: &pos.ID}); err != nil {
		log.Printf("[Lifecycle] signal %s ready->position_open refused: %v", sig.ID, err)
		return
	}
	sig.State = store.StatePositionOpen
	sig.PositionID = &pos.ID
	log.Printf("[Lifecycle] signal %s entered: position %s %s qty=%.6f @ %.4f",
		sig.ID, pos.ID, pos.Side, pos.Quantity, pos.EntryPrice)
}

// decidePositionOpen lets the oracle manage an open position within the
// remaining decision budget.
func (m *Manager) decidePositionOpen(ctx context.Context, tr *tracked, cc events.CandleClose) {
	sig, strategy := tr.signal, tr.strategy
	if sig.PositionID == nil {
		return
	}
	// Budget exhausted: the monitor keeps protecting the position but the
	// oracle is not consulted again.
	if sig.DecisionCount >= strategy.DecisionBudget {
		return
	}

	decision, err := m.callOracle(ctx, tr, cc)
	if err != nil {
		m.recordOracleError(ctx, tr, err)
		return
	}
	decision.CandleTime = cc.Candle.OpenTime
	newCount := sig.DecisionCount + 1
	if !m.persistDecision(ctx, sig, decision, newCount, cc.Candle.OpenTime, store.StatePositionOpen, store.StatePositionOpen) {
		return
	}

	positionID := *sig.PositionID
	price, ok := m.cache.MarkPrice(sig.Symbol)
	if !ok {
		price = cc.Candle.Close
	}

	switch decision.Kind {
	case store.DecisionAdjustSL:
		if decision.TradePlan != nil && decision.TradePlan.StopLoss > 0 {
			if err := m.exec.UpdateStopLoss(ctx, positionID, decision.TradePlan.StopLoss); err != nil {
				log.Printf("[Lifecycle] adjust_sl failed for %s: %v", positionID, err)
			}
		}
	case store.DecisionAdjustTP:
		if decision.TradePlan != nil && len(decision.TradePlan.TakeProfit) > 0 {
			if err := m.exec.UpdateTakeProfit(ctx, positionID, decision.TradePlan.TakeProfit); err != nil {
				log.Printf("[Lifecycle] adjust_tp failed for %s: %v", positionID, err)
			}
		}
	case store.DecisionReduce:
		if _, err := m.exec.PartialClose(ctx, positionID, 0.5, price, store.CloseReasonAIClose); err != nil {
			log.Printf("[Lifecycle] reduce failed for %s: %v", positionID, err)
		}
	case store.DecisionClose:
		if _, err := m.exec.Close(ctx, positionID, price, store.CloseReasonAIClose); err != nil {
			log.Printf("[Lifecycle] ai close failed for %s: %v", positionID, err)
		}
	}
}

// onPositionClosed finishes the signal round-trip.
func (m *Manager) onPositionClosed(ctx context.Context, pc events.PositionClosed) {
	l := m.lockFor(pc.SignalID)
	l.Lock()
	defer l.Unlock()

	if err := m.gateway.AdvanceSignalState(ctx, pc.SignalID, store.StatePositionOpen, store.StateClosed, store.SignalUpdate{}); err != nil {
		log.Printf("[Lifecycle] signal %s position_open->closed refused: %v", pc.SignalID, err)
		return
	}
	m.untrack(pc.SignalID)
	log.Printf("[Lifecycle] signal %s closed: position %s pnl=%.4f reason=%s",
		pc.SignalID, pc.PositionID, pc.RealizedPnL, pc.Reason)
}

// callOracle builds the request (history, indicators, prior decisions) and
// asks the decision service.
func (m *Manager) callOracle(ctx context.Context, tr *tracked, cc events.CandleClose) (*store.Decision, error) {
	sig, strategy := tr.signal, tr.strategy

	limit := strategy.BarHistoryLimit
	if limit <= 0 {
		limit = 100
	}

	candles := make(map[string][]exchange.Kline, len(strategy.RequiredIntervals))
	for _, interval := range strategy.RequiredIntervals {
		candles[interval] = m.cache.Latest(sig.Symbol, interval, limit)
	}

	price, ok := m.cache.MarkPrice(sig.Symbol)
	if !ok {
		price = cc.Candle.Close
	}

	previous, err := m.gateway.ListDecisions(ctx, sig.ID)
	if err != nil {
		previous = nil
	}

	req := &oracle.Request{
		SignalID:          sig.ID,
		Symbol:            sig.Symbol,
		Instructions:      strategy.Instructions,
		Price:             price,
		Candles:           candles,
		Indicators:        m.computeIndicators(candles[strategy.TriggerInterval]),
		PreviousDecisions: previous,
		DecisionCount:     sig.DecisionCount,
		DecisionBudget:    strategy.DecisionBudget,
	}

	decision, err := m.oracle.Decide(ctx, req)
	if err != nil {
		return nil, err
	}
	m.decisionsMade.Add(1)
	return decision, nil
}

// computeIndicators summarizes the trigger-interval history for the oracle.
func (m *Manager) computeIndicators(klines []exchange.Kline) map[string]interface{} {
	out := make(map[string]interface{})
	if v, ok := indicators.CalculateSMA(klines, 20); ok {
		out["sma_20"] = v
	}
	if v, ok := indicators.CalculateEMA(klines, 50); ok {
		out["ema_50"] = v
	}
	if v, ok := indicators.CalculateRSI(klines, 14); ok {
		out["rsi_14"] = v
	}
	if v, ok := indicators.CalculateATR(klines, 14); ok {
		out["atr_14"] = v
	}
	if v, ok := indicators.CalculateMACD(klines, 12, 26, 9); ok {
		out["macd"] = v
	}
	if v, ok := indicators.CalculateBollingerBands(klines, 20, 2); ok {
		out["bollinger"] = v
	}
	if v, ok := indicators.CalculateVolumeMA(klines, 20); ok {
		out["volume_ma_20"] = v
	}
	return out
}

// persistDecision records the decision and the state advance (decision
// count, candle-time watermark) as one atomic store write. Returns false
// when the transition was refused; nothing is mutated in that case.
func (m *Manager) persistDecision(ctx context.Context, sig *store.Signal, decision *store.Decision, newCount int, candleTime int64, from, to store.SignalState) bool {
	decision.SignalID = sig.ID
	decision.Timestamp = time.Now()

	zero := 0
	if err := m.gateway.RecordDecision(ctx, decision, from, to, store.SignalUpdate{
		DecisionCount:     &newCount,
		LastCandleTime:    &candleTime,
		ConsecutiveErrors: &zero,
	}); err != nil {
		log.Printf("[Lifecycle] signal %s %s->%s refused: %v", sig.ID, from, to, err)
		return false
	}

	sig.State = to
	sig.DecisionCount = newCount
	sig.LastCandleTime = candleTime
	sig.ConsecutiveErrors = 0
	return true
}

// recordOracleError bumps the per-signal error count, expiring the signal
// at the threshold.
func (m *Manager) recordOracleError(ctx context.Context, tr *tracked, err error) {
	m.oracleErrors.Add(1)
	sig := tr.signal
	sig.ConsecutiveErrors++
	msg := err.Error()
	log.Printf("[Lifecycle] oracle error for signal %s (%d/%d): %v", sig.ID, sig.ConsecutiveErrors, maxSignalErrors, err)

	if sig.ConsecutiveErrors >= maxSignalErrors {
		if aerr := m.gateway.AdvanceSignalState(ctx, sig.ID, sig.State, store.StateExpired, store.SignalUpdate{
			ConsecutiveErrors: &sig.ConsecutiveErrors,
			LastError:         &msg,
		}); aerr != nil {
			log.Printf("[Lifecycle] signal %s expire refused: %v", sig.ID, aerr)
			return
		}
		m.untrack(sig.ID)
		return
	}

	if aerr := m.gateway.AdvanceSignalState(ctx, sig.ID, sig.State, sig.State, store.SignalUpdate{
		ConsecutiveErrors: &sig.ConsecutiveErrors,
		LastError:         &msg,
	}); aerr != nil {
		log.Printf("[Lifecycle] signal %s error update refused: %v", sig.ID, aerr)
	}
}

// ExpireForStrategy expires every live signal of a disabled strategy.
func (m *Manager) ExpireForStrategy(ctx context.Context, strategyID, reason string) {
	m.mu.RLock()
	var victims []*tracked
	for _, tr := range m.signals {
		if tr.signal.StrategyID == strategyID && tr.signal.State == store.StateMonitoring {
			victims = append(victims, tr)
		}
	}
	m.mu.RUnlock()

	for _, tr := range victims {
		l := m.lockFor(tr.signal.ID)
		l.Lock()
		if err := m.gateway.AdvanceSignalState(ctx, tr.signal.ID, store.StateMonitoring, store.StateExpired,
			store.SignalUpdate{LastError: &reason}); err != nil {
			log.Printf("[Lifecycle] signal %s expire-on-disable refused: %v", tr.signal.ID, err)
		} else {
			tr.signal.State = store.StateExpired
			m.untrack(tr.signal.ID)
		}
		l.Unlock()
	}
	if len(victims) > 0 {
		log.Printf("[Lifecycle] expired %d signals of disabled strategy %s", len(victims), strategyID)
	}
}

// trimLoop removes closed/expired signals older than 24h.
func (m *Manager) trimLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(trimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-trimAge)
			if n, err := m.gateway.DeleteFinishedSignalsBefore(ctx, cutoff); err == nil && n > 0 {
				log.Printf("[Lifecycle] trimmed %d finished signals", n)
			}
		}
	}
}

// DecisionsMade returns the oracle verdict counter.
func (m *Manager) DecisionsMade() int64 {
	return m.decisionsMade.Load()
}

// LiveSignals returns how many signals are currently tracked.
func (m *Manager) LiveSignals() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.signals)
}
