package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crypto-signal-pipeline/internal/events"
	"crypto-signal-pipeline/internal/exchange"
)

const (
	pingInterval   = 30 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// AggregatorStats tracks aggregator counters for the metrics endpoint.
type AggregatorStats struct {
	FramesReceived   int64     `json:"frames_received"`
	CandlesProcessed int64     `json:"candles_processed"`
	ParseErrors      int64     `json:"parse_errors"`
	DuplicatesDropped int64    `json:"duplicates_dropped"`
	Reconnects       int64     `json:"reconnects"`
	LastFrameTime    time.Time `json:"last_frame_time"`
}

// Aggregator owns the single multiplexed exchange WebSocket. It parses
// combined kline streams, keeps the cache current and publishes exactly one
// CandleClose event per (symbol, interval, close_time).
type Aggregator struct {
	wsURL     string
	symbols   []string
	intervals []string

	rest  *exchange.Client
	cache *Cache
	bus   *events.Bus

	mu          sync.Mutex
	conn        *websocket.Conn
	lastEmitted map[string]int64 // "SYMBOL:interval" -> last close time published

	connected      atomic.Bool
	disconnectedAt atomic.Int64 // unix millis of the last transition to disconnected

	framesReceived    atomic.Int64
	candlesProcessed  atomic.Int64
	parseErrors       atomic.Int64
	duplicatesDropped atomic.Int64
	reconnects        atomic.Int64
	lastFrame         atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator for the given symbol/interval
// universe. Intervals should already include every strategy's required
// intervals.
func NewAggregator(wsURL string, symbols, intervals []string, rest *exchange.Client, cache *Cache, bus *events.Bus) *Aggregator {
	return &Aggregator{
		wsURL:       wsURL,
		symbols:     symbols,
		intervals:   intervals,
		rest:        rest,
		cache:       cache,
		bus:         bus,
		lastEmitted: make(map[string]int64),
		stopChan:    make(chan struct{}),
	}
}

// streamList builds the combined stream names, e.g. "btcusdt@kline_1m".
func (a *Aggregator) streamList() []string {
	streams := make([]string, 0, len(a.symbols)*len(a.intervals))
	for _, symbol := range a.symbols {
		lower := strings.ToLower(symbol)
		for _, interval := range a.intervals {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", lower, interval))
		}
	}
	return streams
}

// Bootstrap loads the recent closed candles and ticker snapshots over REST
// so strategies have history before the first stream frame arrives.
func (a *Aggregator) Bootstrap(ctx context.Context) error {
	for _, symbol := range a.symbols {
		for _, interval := range a.intervals {
			klines, err := a.rest.GetKlines(ctx, symbol, interval, DefaultCapacity)
			if err != nil {
				return fmt.Errorf("bootstrap %s %s: %w", symbol, interval, err)
			}
			a.cache.BulkSet(symbol, interval, klines)
		}

		ticker, err := a.rest.Get24hrTicker(ctx, symbol)
		if err != nil {
			log.Printf("[Aggregator] ticker bootstrap failed for %s: %v", symbol, err)
			continue
		}
		a.cache.SetTicker(Ticker{
			Symbol:        ticker.Symbol,
			LastPrice:     ticker.LastPrice,
			Change24hPct:  ticker.PriceChangePercent,
			Volume24h:     ticker.Volume,
			UpdatedAtUnix: time.Now().Unix(),
		})
	}
	log.Printf("[Aggregator] bootstrapped %d symbols x %d intervals", len(a.symbols), len(a.intervals))
	return nil
}

// Start launches the connect/read loop.
func (a *Aggregator) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.run(ctx)
}

// Stop signals shutdown and waits for the reader to exit.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// run reconnects forever with exponential backoff. The dedupe map survives
// reconnects so replayed frames after a reconnect are not re-published.
func (a *Aggregator) run(ctx context.Context) {
	defer a.wg.Done()

	backoff := initialBackoff
	for {
		select {
		case <-a.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := a.connectAndRead(ctx)
		if a.connected.Load() {
			// The dial succeeded this round: the next retry starts fresh.
			backoff = initialBackoff
		}
		if err != nil {
			log.Printf("[Aggregator] connection lost: %v, reconnecting in %v", err, backoff)
		}
		a.setDisconnected()

		select {
		case <-a.stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		a.reconnects.Add(1)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *Aggregator) connectAndRead(ctx context.Context) error {
	url := fmt.Sprintf("%s?streams=%s", a.wsURL, strings.Join(a.streamList(), "/"))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.connected.Store(true)
	log.Printf("[Aggregator] connected, %d streams", len(a.streamList()))

	// Pong tracking: the ping loop closes the connection when the peer has
	// not answered within one ping interval.
	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixMilli())
	conn.SetPongHandler(func(string) error {
		lastPong.Store(time.Now().UnixMilli())
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if time.Now().UnixMilli()-lastPong.Load() > pingInterval.Milliseconds()+int64(5000) {
					log.Printf("[Aggregator] no pong within interval, forcing reconnect")
					conn.Close()
					return
				}
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return fmt.Errorf("read: %w", err)
		}
		a.framesReceived.Add(1)
		a.lastFrame.Store(time.Now().UnixMilli())
		a.handleFrame(message)
	}
}

// handleFrame parses one combined-stream frame. Parse errors are counted
// and skipped; they never kill the reader.
func (a *Aggregator) handleFrame(message []byte) {
	var env exchange.StreamEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		a.parseErrors.Add(1)
		log.Printf("[Aggregator] frame parse error: %v", err)
		return
	}
	if env.Data.EventType != "kline" {
		return
	}

	payload := env.Data.Kline
	if !payload.IsClosed {
		// In-progress updates still refresh the ticker price.
		k := payload.ToKline()
		if t, ok := a.cache.TickerFor(payload.Symbol); ok {
			t.LastPrice = k.Close
			t.UpdatedAtUnix = time.Now().Unix()
			a.cache.SetTicker(t)
		}
		return
	}

	candle := payload.ToKline()
	a.cache.AppendOrUpdate(payload.Symbol, payload.Interval, candle)
	a.candlesProcessed.Add(1)

	if t, ok := a.cache.TickerFor(payload.Symbol); ok {
		t.LastPrice = candle.Close
		t.UpdatedAtUnix = time.Now().Unix()
		a.cache.SetTicker(t)
	}

	if !a.markEmitted(payload.Symbol, payload.Interval, candle.CloseTime) {
		a.duplicatesDropped.Add(1)
		return
	}

	a.bus.PublishCandleClose(events.CandleClose{
		Symbol:    payload.Symbol,
		Interval:  payload.Interval,
		Candle:    candle,
		CloseTime: candle.CloseTime,
	})
}

// markEmitted records a (symbol, interval, close_time) emission. It returns
// false when that close time was already published.
func (a *Aggregator) markEmitted(symbol, interval string, closeTime int64) bool {
	key := seriesKey(symbol, interval)

	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.lastEmitted[key]; ok && closeTime <= last {
		return false
	}
	a.lastEmitted[key] = closeTime
	return true
}

func (a *Aggregator) setDisconnected() {
	if a.connected.Swap(false) {
		a.disconnectedAt.Store(time.Now().UnixMilli())
	}
}

// Connected reports whether the stream socket is currently up.
func (a *Aggregator) Connected() bool {
	return a.connected.Load()
}

// Healthy reports whether the stream is connected, or has been down for
// less than two reconnect windows.
func (a *Aggregator) Healthy() bool {
	if a.connected.Load() {
		return true
	}
	down := a.disconnectedAt.Load()
	if down == 0 {
		return false
	}
	return time.Since(time.UnixMilli(down)) < 2*maxBackoff
}

// Stats returns a snapshot of the aggregator counters.
func (a *Aggregator) Stats() AggregatorStats {
	return AggregatorStats{
		FramesReceived:    a.framesReceived.Load(),
		CandlesProcessed:  a.candlesProcessed.Load(),
		ParseErrors:       a.parseErrors.Load(),
		DuplicatesDropped: a.duplicatesDropped.Load(),
		Reconnects:        a.reconnects.Load(),
		LastFrameTime:     time.UnixMilli(a.lastFrame.Load()),
	}
}

// CandlesProcessed returns the total closed candles written to the cache.
func (a *Aggregator) CandlesProcessed() int64 {
	return a.candlesProcessed.Load()
}
