// Package monitor runs the 1 Hz sweep over open positions, evaluating
// stop-loss, take-profit and trailing-stop triggers against live prices
// and submitting close intents to the executor.
package monitor

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"crypto-signal-pipeline/internal/executor"
	"crypto-signal-pipeline/internal/market"
	"crypto-signal-pipeline/internal/store"
)

// SweepInterval is the monitor cadence.
const SweepInterval = 1 * time.Second

// trailState tracks the water marks and current stop per position. The
// monitor owns this state; the executor's position rows carry a mirror for
// persistence.
type trailState struct {
	highWater   float64
	lowWater    float64
	stopLoss    float64
	trailingPct float64
	tpTaken     int // take-profit levels already consumed
}

// Monitor is the single periodic task of the sweep.
type Monitor struct {
	cache *market.Cache
	exec  executor.Executor

	mu     sync.Mutex
	trails map[string]*trailState

	sweeps   atomic.Int64
	triggers atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a position monitor reading prices from cache and submitting
// intents to exec.
func New(cache *market.Cache, exec executor.Executor) *Monitor {
	return &Monitor{
		cache:    cache,
		exec:     exec,
		trails:   make(map[string]*trailState),
		stopChan: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop terminates the sweep between ticks.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every open position once. Exported so tests can drive
// ticks directly.
func (m *Monitor) Sweep(ctx context.Context) {
	m.sweeps.Add(1)

	for _, pos := range m.exec.OpenPositions() {
		price, ok := m.cache.MarkPrice(pos.Symbol)
		if !ok || price <= 0 {
			continue
		}
		m.evaluate(ctx, pos, price)
	}
}

// evaluate applies the trigger rules for one position at one price.
// Ordering: stop-loss wins over take-profit when both are crossed in the
// same sweep (a gap candle can cross both).
func (m *Monitor) evaluate(ctx context.Context, pos *store.Position, price float64) {
	m.exec.MarkToMarket(pos.ID, price)

	ts := m.trailFor(pos)
	long := pos.Side == store.SideLong

	// Mirror a stop seeded from the entry price onto the position row.
	if pos.StopLoss == 0 && ts.stopLoss > 0 {
		if err := m.exec.UpdateStopLoss(ctx, pos.ID, ts.stopLoss); err != nil {
			log.Printf("[Monitor] stop update failed for %s: %v", pos.ID, err)
		}
	}

	// Trailing stop: re-anchor from the improving water mark before
	// checking triggers, so a fresh high tightens the stop first.
	if ts.trailingPct > 0 {
		if long && price > ts.highWater {
			ts.highWater = price
			if candidate := price * (1 - ts.trailingPct/100); candidate > ts.stopLoss {
				m.moveStop(ctx, pos, ts, candidate)
			}
		}
		if !long && price < ts.lowWater {
			ts.lowWater = price
			if candidate := price * (1 + ts.trailingPct/100); ts.stopLoss == 0 || candidate < ts.stopLoss {
				m.moveStop(ctx, pos, ts, candidate)
			}
		}
	}

	// Stop-loss.
	if ts.stopLoss > 0 {
		if (long && price <= ts.stopLoss) || (!long && price >= ts.stopLoss) {
			m.triggers.Add(1)
			log.Printf("[Monitor] stop-loss hit %s @ %.4f (SL %.4f)", pos.Symbol, price, ts.stopLoss)
			if _, err := m.exec.Close(ctx, pos.ID, price, store.CloseReasonSL); err != nil {
				log.Printf("[Monitor] close intent failed for %s: %v", pos.ID, err)
			} else {
				m.forget(pos.ID)
			}
			return
		}
	}

	// Take-profit: consume levels in order; the last level closes fully.
	if ts.tpTaken < len(pos.TakeProfits) {
		level := pos.TakeProfits[ts.tpTaken]
		crossed := (long && price >= level) || (!long && price <= level)
		if crossed {
			m.triggers.Add(1)
			remainingLevels := len(pos.TakeProfits) - ts.tpTaken
			if remainingLevels <= 1 {
				log.Printf("[Monitor] take-profit hit %s @ %.4f, closing", pos.Symbol, price)
				if _, err := m.exec.Close(ctx, pos.ID, price, store.CloseReasonTP); err != nil {
					log.Printf("[Monitor] close intent failed for %s: %v", pos.ID, err)
				} else {
					m.forget(pos.ID)
				}
				return
			}

			fraction := 1.0 / float64(remainingLevels)
			log.Printf("[Monitor] take-profit level %d hit %s @ %.4f, closing %.0f%%",
				ts.tpTaken+1, pos.Symbol, price, fraction*100)
			if _, err := m.exec.PartialClose(ctx, pos.ID, fraction, price, store.CloseReasonTP); err != nil {
				log.Printf("[Monitor] partial close failed for %s: %v", pos.ID, err)
				return
			}
			ts.tpTaken++
		}
	}
}

// trailFor returns (creating on first sight) the monitor-owned trigger
// state for a position.
func (m *Monitor) trailFor(pos *store.Position) *trailState {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.trails[pos.ID]
	if ok {
		return ts
	}

	ts = &trailState{
		highWater: pos.EntryPrice,
		lowWater:  pos.EntryPrice,
		stopLoss:  pos.StopLoss,
	}
	if pos.TrailingStopPct != nil {
		ts.trailingPct = *pos.TrailingStopPct
		// No explicit stop: seed one from the entry price.
		if ts.stopLoss == 0 {
			if pos.Side == store.SideLong {
				ts.stopLoss = pos.EntryPrice * (1 - ts.trailingPct/100)
			} else {
				ts.stopLoss = pos.EntryPrice * (1 + ts.trailingPct/100)
			}
		}
	}
	m.trails[pos.ID] = ts
	return ts
}

func (m *Monitor) moveStop(ctx context.Context, pos *store.Position, ts *trailState, stop float64) {
	old := ts.stopLoss
	ts.stopLoss = stop
	if err := m.exec.UpdateStopLoss(ctx, pos.ID, stop); err != nil {
		log.Printf("[Monitor] stop update failed for %s: %v", pos.ID, err)
		return
	}
	log.Printf("[Monitor] %s trailing stop %.4f -> %.4f", pos.Symbol, old, stop)
}

func (m *Monitor) forget(positionID string) {
	m.mu.Lock()
	delete(m.trails, positionID)
	m.mu.Unlock()
}

// Stats returns sweep and trigger counters.
func (m *Monitor) Stats() (sweeps, triggers int64) {
	return m.sweeps.Load(), m.triggers.Load()
}
