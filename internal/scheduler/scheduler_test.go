package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crypto-signal-pipeline/internal/events"
	"crypto-signal-pipeline/internal/exchange"
	"crypto-signal-pipeline/internal/market"
	strategyruntime "crypto-signal-pipeline/internal/runtime"
	"crypto-signal-pipeline/internal/store"
)

type testRig struct {
	sc      *Scheduler
	cache   *market.Cache
	gateway *store.Gateway
	bus     *events.Bus
}

func newRig(t *testing.T, symbols ...string) *testRig {
	t.Helper()
	bus := events.NewBus()
	cache := market.NewCache(100)
	gateway := store.NewGateway(nil, nil, zerolog.Nop())
	rt := strategyruntime.New(0)
	sc := New(symbols, cache, rt, gateway, bus)

	// Workers only; candle closes are driven through runBatch directly so
	// tests are deterministic.
	for i := 0; i < 4; i++ {
		sc.wg.Add(1)
		go sc.worker()
	}
	t.Cleanup(func() {
		close(sc.tasks)
		sc.wg.Wait()
	})
	return &testRig{sc: sc, cache: cache, gateway: gateway, bus: bus}
}

func (r *testRig) addStrategy(t *testing.T, id, language, source string) {
	t.Helper()
	s := &store.Strategy{
		ID:                id,
		Enabled:           true,
		FilterSource:      source,
		Language:          language,
		RequiredIntervals: []string{"1m"},
		TriggerInterval:   "1m",
		DecisionBudget:    5,
		BarHistoryLimit:   50,
	}
	if err := r.gateway.SaveStrategy(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if err := r.sc.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// pushCandle appends a closed candle for every symbol and returns the close
// event for the last symbol pushed.
func (r *testRig) pushCandle(symbols []string, openTime int64, close float64) events.CandleClose {
	var cc events.CandleClose
	for _, symbol := range symbols {
		k := exchange.Kline{
			OpenTime: openTime, Open: close, High: close, Low: close, Close: close,
			Volume: 10, CloseTime: openTime + 59999, IsClosed: true,
		}
		r.cache.AppendOrUpdate(symbol, "1m", k)
		r.cache.SetTicker(market.Ticker{Symbol: symbol, LastPrice: close})
		cc = events.CandleClose{Symbol: symbol, Interval: "1m", Candle: k, CloseTime: k.CloseTime}
	}
	return cc
}

func (r *testRig) strategyFor(t *testing.T, id string) *activeStrategy {
	t.Helper()
	r.sc.mu.RLock()
	defer r.sc.mu.RUnlock()
	as := r.sc.strategies[id]
	if as == nil {
		t.Fatalf("strategy %s not active", id)
	}
	return as
}

func (r *testRig) signals(t *testing.T) []*store.Signal {
	t.Helper()
	out, err := r.gateway.ListSignalsByState(context.Background(), store.StateNew, store.StateMonitoring)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// Thirty candles where candle 21 is the first close above the SMA-20:
// exactly one signal, created at candle 21; candles 22-30 add nothing.
func TestEdgeTriggeredMatch(t *testing.T) {
	symbols := []string{"BTCUSDT"}
	r := newRig(t, symbols...)
	r.addStrategy(t, "strat-1", store.LanguageNative, "price_above_sma20")
	as := r.strategyFor(t, "strat-1")

	var firstMatchOpen int64
	for i := 1; i <= 30; i++ {
		openTime := int64(i) * 60000
		close := 100.0
		if i >= 21 {
			close = 150.0 // breaks above the flat SMA-20
			if firstMatchOpen == 0 {
				firstMatchOpen = openTime
			}
		}
		cc := r.pushCandle(symbols, openTime, close)
		r.sc.runBatch(context.Background(), as, cc)
	}

	signals := r.signals(t)
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want exactly 1 (edge-triggered)", len(signals))
	}
	if signals[0].CandleTime != firstMatchOpen {
		t.Errorf("signal at candle %d, want first match %d", signals[0].CandleTime, firstMatchOpen)
	}
	if signals[0].Symbol != "BTCUSDT" || signals[0].StrategyID != "strat-1" {
		t.Errorf("signal fields wrong: %+v", signals[0])
	}
	// The rig has no durable store, so the gateway minted a fallback id.
	if !strings.HasPrefix(signals[0].ID, "local-") {
		t.Errorf("signal id = %q, want local- prefix from the fallback store", signals[0].ID)
	}
}

// After the condition resets, a fresh crossing emits a second signal.
func TestEdgeRetriggersAfterReset(t *testing.T) {
	symbols := []string{"BTCUSDT"}
	r := newRig(t, symbols...)
	r.addStrategy(t, "strat-1", store.LanguageNative, "price_above_sma20")
	as := r.strategyFor(t, "strat-1")

	feed := []float64{}
	for i := 0; i < 20; i++ {
		feed = append(feed, 100)
	}
	feed = append(feed, 150) // first match
	feed = append(feed, 90)  // resets below
	feed = append(feed, 160) // second crossing

	for i, close := range feed {
		cc := r.pushCandle(symbols, int64(i+1)*60000, close)
		r.sc.runBatch(context.Background(), as, cc)
	}

	if got := len(r.signals(t)); got != 2 {
		t.Fatalf("got %d signals, want 2 (one per crossing)", got)
	}
}

func TestDuplicateBatchDoesNotDuplicateSignal(t *testing.T) {
	symbols := []string{"BTCUSDT"}
	r := newRig(t, symbols...)
	r.addStrategy(t, "strat-1", store.LanguageNative, "price_above_sma20")
	as := r.strategyFor(t, "strat-1")

	for i := 1; i <= 20; i++ {
		r.pushCandle(symbols, int64(i)*60000, 100)
	}
	cc := r.pushCandle(symbols, 21*60000, 150)

	r.sc.runBatch(context.Background(), as, cc)
	// Replayed close: prev-match set already holds the symbol, and even a
	// reset prev-match set would hit the idempotent insert.
	as.prevMatched = make(map[string]bool)
	r.sc.runBatch(context.Background(), as, cc)

	if got := len(r.signals(t)); got != 1 {
		t.Fatalf("got %d signals, want 1 (insert_if_absent)", got)
	}
}

type recordingListener struct {
	mu       sync.Mutex
	disabled []string
}

func (l *recordingListener) ExpireForStrategy(ctx context.Context, strategyID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled = append(l.disabled, strategyID)
}

// Five consecutive failing batches auto-disable the strategy and notify
// the lifecycle manager.
func TestAutoDisableAfterFiveErrors(t *testing.T) {
	symbols := []string{"BTCUSDT"}
	r := newRig(t, symbols...)
	listener := &recordingListener{}
	r.sc.SetDisableListener(listener)

	r.addStrategy(t, "strat-err", store.LanguageScript, "definitelyNotAFunction()")
	as := r.strategyFor(t, "strat-err")

	for i := 1; i <= 5; i++ {
		cc := r.pushCandle(symbols, int64(i)*60000, 100)
		r.sc.runBatch(context.Background(), as, cc)
	}

	r.sc.mu.RLock()
	_, stillActive := r.sc.strategies["strat-err"]
	r.sc.mu.RUnlock()
	if stillActive {
		t.Error("strategy should be removed from the active set")
	}

	stored, err := r.gateway.GetStrategy(context.Background(), "strat-err")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Enabled {
		t.Error("strategy should be disabled in the store")
	}
	if stored.DisabledReason == nil {
		t.Error("disabled_reason should be set")
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.disabled) != 1 || listener.disabled[0] != "strat-err" {
		t.Errorf("listener calls = %v, want one for strat-err", listener.disabled)
	}
}

// A clean batch resets the consecutive-error count.
func TestErrorCountResetsOnSuccess(t *testing.T) {
	symbols := []string{"BTCUSDT"}
	r := newRig(t, symbols...)
	r.addStrategy(t, "strat-flaky", store.LanguageScript, "false")
	as := r.strategyFor(t, "strat-flaky")

	as.errors = 4
	cc := r.pushCandle(symbols, 60000, 100)
	r.sc.runBatch(context.Background(), as, cc)

	if as.errors != 0 {
		t.Errorf("errors = %d, want reset to 0", as.errors)
	}
}

func TestMultiSymbolFanOut(t *testing.T) {
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	r := newRig(t, symbols...)
	r.addStrategy(t, "strat-1", store.LanguageNative, "price_above_sma20")
	as := r.strategyFor(t, "strat-1")

	for i := 1; i <= 20; i++ {
		r.pushCandle(symbols, int64(i)*60000, 100)
	}
	// All three symbols cross together.
	cc := r.pushCandle(symbols, 21*60000, 150)
	r.sc.runBatch(context.Background(), as, cc)

	if got := len(r.signals(t)); got != len(symbols) {
		t.Fatalf("got %d signals, want one per symbol (%d)", got, len(symbols))
	}

	// Ensure batches settle quickly enough for the 1-tick property.
	start := time.Now()
	r.sc.runBatch(context.Background(), as, r.pushCandle(symbols, 22*60000, 150))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("batch took %v", elapsed)
	}
}
