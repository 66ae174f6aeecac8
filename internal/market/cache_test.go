package market

import (
	"testing"

	"crypto-signal-pipeline/internal/exchange"
)

func closedKline(openTime int64, close float64) exchange.Kline {
	return exchange.Kline{
		OpenTime:  openTime,
		Close:     close,
		CloseTime: openTime + 59999,
		IsClosed:  true,
	}
}

func TestAppendOrUpdateReplacesSameOpenTime(t *testing.T) {
	c := NewCache(10)

	c.AppendOrUpdate("BTCUSDT", "1m", closedKline(1000, 100))
	c.AppendOrUpdate("BTCUSDT", "1m", closedKline(1000, 101))

	got := c.Latest("BTCUSDT", "1m", 0)
	if len(got) != 1 {
		t.Fatalf("got %d candles, want 1", len(got))
	}
	if got[0].Close != 101 {
		t.Errorf("close = %f, want the replacement 101", got[0].Close)
	}
}

func TestAppendOrUpdateEviction(t *testing.T) {
	c := NewCache(3)

	for i := int64(0); i < 5; i++ {
		c.AppendOrUpdate("BTCUSDT", "1m", closedKline(i*60000, float64(i)))
	}

	got := c.Latest("BTCUSDT", "1m", 0)
	if len(got) != 3 {
		t.Fatalf("got %d candles, want capacity 3", len(got))
	}
	if got[0].Close != 2 || got[2].Close != 4 {
		t.Errorf("eviction kept wrong window: first=%f last=%f", got[0].Close, got[2].Close)
	}
}

func TestAppendOrUpdateIgnoresOpenCandles(t *testing.T) {
	c := NewCache(10)
	c.AppendOrUpdate("BTCUSDT", "1m", exchange.Kline{OpenTime: 0, Close: 1, IsClosed: false})

	if got := c.Latest("BTCUSDT", "1m", 0); len(got) != 0 {
		t.Errorf("open candle entered the cache: %d", len(got))
	}
}

func TestBulkSetTruncates(t *testing.T) {
	c := NewCache(3)

	candles := make([]exchange.Kline, 5)
	for i := range candles {
		candles[i] = closedKline(int64(i)*60000, float64(i))
	}
	c.BulkSet("ETHUSDT", "5m", candles)

	got := c.Latest("ETHUSDT", "5m", 0)
	if len(got) != 3 {
		t.Fatalf("got %d candles, want 3", len(got))
	}
	if got[0].Close != 2 {
		t.Errorf("truncation kept wrong head: %f", got[0].Close)
	}
}

func TestLatestReturnsCopy(t *testing.T) {
	c := NewCache(10)
	c.AppendOrUpdate("BTCUSDT", "1m", closedKline(0, 100))

	got := c.Latest("BTCUSDT", "1m", 0)
	got[0].Close = 999

	again := c.Latest("BTCUSDT", "1m", 0)
	if again[0].Close != 100 {
		t.Error("Latest leaked internal storage")
	}
}

func TestLatestLimit(t *testing.T) {
	c := NewCache(10)
	for i := int64(0); i < 5; i++ {
		c.AppendOrUpdate("BTCUSDT", "1m", closedKline(i*60000, float64(i)))
	}

	got := c.Latest("BTCUSDT", "1m", 2)
	if len(got) != 2 || got[0].Close != 3 || got[1].Close != 4 {
		t.Errorf("limit window wrong: %+v", got)
	}
	if got := c.Latest("BTCUSDT", "1m", 100); len(got) != 5 {
		t.Errorf("oversized limit should return all, got %d", len(got))
	}
}

func TestLastCloseTime(t *testing.T) {
	c := NewCache(10)
	if c.LastCloseTime("BTCUSDT", "1m") != 0 {
		t.Error("empty series should report 0")
	}
	c.AppendOrUpdate("BTCUSDT", "1m", closedKline(60000, 1))
	if got := c.LastCloseTime("BTCUSDT", "1m"); got != 119999 {
		t.Errorf("LastCloseTime = %d, want 119999", got)
	}
}

func TestMarkPricePrefersTicker(t *testing.T) {
	c := NewCache(10)
	c.AppendOrUpdate("BTCUSDT", "1m", closedKline(0, 100))

	if price, ok := c.MarkPrice("BTCUSDT"); !ok || price != 100 {
		t.Errorf("MarkPrice from candles = %f ok=%v", price, ok)
	}

	c.SetTicker(Ticker{Symbol: "BTCUSDT", LastPrice: 105})
	if price, _ := c.MarkPrice("BTCUSDT"); price != 105 {
		t.Errorf("MarkPrice should prefer ticker, got %f", price)
	}
}
