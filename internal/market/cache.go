// Package market maintains the authoritative market-data state: the
// per-(symbol, interval) kline cache and the exchange stream aggregator
// that feeds it.
package market

import (
	"sync"
	"time"

	"crypto-signal-pipeline/internal/exchange"
)

// DefaultCapacity is the number of closed candles retained per series.
const DefaultCapacity = 500

// Ticker is the per-symbol snapshot exposed to the strategy sandbox and
// the position monitor.
type Ticker struct {
	Symbol        string  `json:"symbol"`
	LastPrice     float64 `json:"last_price"`
	Change24hPct  float64 `json:"change_24h_pct"`
	Volume24h     float64 `json:"volume_24h"`
	UpdatedAtUnix int64   `json:"updated_at"`
}

type series struct {
	mu         sync.RWMutex
	candles    []exchange.Kline
	lastUpdate time.Time
}

// Cache is the thread-safe store of the most-recent closed candles per
// (symbol, interval). The aggregator is the single writer per series;
// readers always receive copies.
type Cache struct {
	mu       sync.RWMutex
	series   map[string]*series
	tickers  map[string]Ticker
	capacity int
}

// NewCache creates a cache retaining capacity candles per series
// (DefaultCapacity when capacity <= 0).
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		series:   make(map[string]*series),
		tickers:  make(map[string]Ticker),
		capacity: capacity,
	}
}

func seriesKey(symbol, interval string) string {
	return symbol + ":" + interval
}

func (c *Cache) getSeries(symbol, interval string, create bool) *series {
	key := seriesKey(symbol, interval)

	c.mu.RLock()
	s, ok := c.series[key]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.series[key]; ok {
		return s
	}
	s = &series{candles: make([]exchange.Kline, 0, c.capacity)}
	c.series[key] = s
	return s
}

// BulkSet replaces a series with the given candles, truncated to capacity.
// Used during bootstrap; only closed candles are kept.
func (c *Cache) BulkSet(symbol, interval string, candles []exchange.Kline) {
	closed := make([]exchange.Kline, 0, len(candles))
	for _, k := range candles {
		if k.IsClosed {
			closed = append(closed, k)
		}
	}
	if len(closed) > c.capacity {
		closed = closed[len(closed)-c.capacity:]
	}

	s := c.getSeries(symbol, interval, true)
	s.mu.Lock()
	s.candles = append(s.candles[:0], closed...)
	s.lastUpdate = time.Now()
	s.mu.Unlock()
}

// AppendOrUpdate adds a closed candle to a series. A candle with the same
// open time as the last held one replaces it; otherwise it is appended and
// the oldest candle is dropped once the series exceeds capacity.
// Non-closed candles are ignored.
func (c *Cache) AppendOrUpdate(symbol, interval string, k exchange.Kline) {
	if !k.IsClosed {
		return
	}

	s := c.getSeries(symbol, interval, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.candles); n > 0 && s.candles[n-1].OpenTime == k.OpenTime {
		s.candles[n-1] = k
	} else {
		s.candles = append(s.candles, k)
		if len(s.candles) > c.capacity {
			s.candles = s.candles[1:]
		}
	}
	s.lastUpdate = time.Now()
}

// Latest returns a copy of the last limit candles (all when limit <= 0 or
// fewer are held).
func (c *Cache) Latest(symbol, interval string, limit int) []exchange.Kline {
	s := c.getSeries(symbol, interval, false)
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.candles)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]exchange.Kline, limit)
	copy(out, s.candles[n-limit:])
	return out
}

// LastCloseTime returns the close time of the newest candle held for a
// series, or 0 when empty.
func (c *Cache) LastCloseTime(symbol, interval string) int64 {
	s := c.getSeries(symbol, interval, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return 0
	}
	return s.candles[len(s.candles)-1].CloseTime
}

// LastUpdate returns when a series was last written.
func (c *Cache) LastUpdate(symbol, interval string) time.Time {
	s := c.getSeries(symbol, interval, false)
	if s == nil {
		return time.Time{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// LastUpdates returns the last-write timestamp per series key, for the
// heartbeat record.
func (c *Cache) LastUpdates() map[string]time.Time {
	c.mu.RLock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	out := make(map[string]time.Time, len(keys))
	for _, key := range keys {
		c.mu.RLock()
		s := c.series[key]
		c.mu.RUnlock()
		s.mu.RLock()
		out[key] = s.lastUpdate
		s.mu.RUnlock()
	}
	return out
}

// SetTicker updates the per-symbol ticker snapshot.
func (c *Cache) SetTicker(t Ticker) {
	c.mu.Lock()
	c.tickers[t.Symbol] = t
	c.mu.Unlock()
}

// TickerFor returns the ticker snapshot for a symbol.
func (c *Cache) TickerFor(symbol string) (Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[symbol]
	return t, ok
}

// MarkPrice returns the freshest price known for a symbol: the ticker
// price when present, otherwise the newest cached close on any interval.
func (c *Cache) MarkPrice(symbol string) (float64, bool) {
	if t, ok := c.TickerFor(symbol); ok && t.LastPrice > 0 {
		return t.LastPrice, true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var best float64
	var bestClose int64
	for key, s := range c.series {
		if len(key) < len(symbol)+1 || key[:len(symbol)+1] != symbol+":" {
			continue
		}
		s.mu.RLock()
		if n := len(s.candles); n > 0 && s.candles[n-1].CloseTime > bestClose {
			bestClose = s.candles[n-1].CloseTime
			best = s.candles[n-1].Close
		}
		s.mu.RUnlock()
	}
	return best, bestClose != 0
}
