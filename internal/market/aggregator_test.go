package market

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"crypto-signal-pipeline/internal/events"
	"crypto-signal-pipeline/internal/exchange"
)

func frame(t *testing.T, symbol, interval string, openTime int64, close string, isClosed bool) []byte {
	t.Helper()
	env := exchange.StreamEnvelope{
		Stream: fmt.Sprintf("%s@kline_%s", symbol, interval),
		Data: exchange.KlineEvent{
			EventType: "kline",
			EventTime: openTime,
			Symbol:    symbol,
			Kline: exchange.KlinePayload{
				OpenTime:  openTime,
				CloseTime: openTime + 59999,
				Symbol:    symbol,
				Interval:  interval,
				Open:      close,
				Close:     close,
				High:      close,
				Low:       close,
				Volume:    "10",
				IsClosed:  isClosed,
			},
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func newTestAggregator() (*Aggregator, *events.Bus, *Cache) {
	bus := events.NewBus()
	cache := NewCache(100)
	agg := NewAggregator("wss://example/stream", []string{"BTCUSDT"}, []string{"1m"}, nil, cache, bus)
	return agg, bus, cache
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

// Two symbols on two intervals subscribe to four streams.
func TestStreamListCrossProduct(t *testing.T) {
	bus := events.NewBus()
	cache := NewCache(100)
	agg := NewAggregator("wss://example/stream",
		[]string{"BTCUSDT", "ETHUSDT"}, []string{"1m", "5m"}, nil, cache, bus)

	streams := agg.streamList()
	if len(streams) != 4 {
		t.Fatalf("got %d streams, want 4", len(streams))
	}
	want := map[string]bool{
		"btcusdt@kline_1m": true, "btcusdt@kline_5m": true,
		"ethusdt@kline_1m": true, "ethusdt@kline_5m": true,
	}
	for _, s := range streams {
		if !want[s] {
			t.Errorf("unexpected stream %q", s)
		}
	}
}

func TestHandleFrameEmitsAtMostOncePerClose(t *testing.T) {
	agg, bus, _ := newTestAggregator()
	ch := bus.Subscribe(events.EventCandleClose)

	msg := frame(t, "BTCUSDT", "1m", 60000, "100.5", true)
	agg.handleFrame(msg)
	agg.handleFrame(msg) // replay after a reconnect
	agg.handleFrame(msg)

	got := drain(ch)
	if len(got) != 1 {
		t.Fatalf("got %d CandleClose events, want exactly 1", len(got))
	}
	cc := got[0].Data.(events.CandleClose)
	if cc.Symbol != "BTCUSDT" || cc.Interval != "1m" || cc.CloseTime != 119999 {
		t.Errorf("unexpected event %+v", cc)
	}
	if agg.Stats().DuplicatesDropped != 2 {
		t.Errorf("duplicates dropped = %d, want 2", agg.Stats().DuplicatesDropped)
	}
}

func TestHandleFrameIgnoresOpenCandles(t *testing.T) {
	agg, bus, cache := newTestAggregator()
	ch := bus.Subscribe(events.EventCandleClose)

	agg.handleFrame(frame(t, "BTCUSDT", "1m", 60000, "100.5", false))

	if got := drain(ch); len(got) != 0 {
		t.Fatalf("open candle published %d events", len(got))
	}
	if got := cache.Latest("BTCUSDT", "1m", 0); len(got) != 0 {
		t.Errorf("open candle entered the cache")
	}
}

func TestHandleFrameMonotonicPerSeries(t *testing.T) {
	agg, bus, _ := newTestAggregator()
	ch := bus.Subscribe(events.EventCandleClose)

	agg.handleFrame(frame(t, "BTCUSDT", "1m", 120000, "101", true))
	// An older close replayed out of order must not be re-published.
	agg.handleFrame(frame(t, "BTCUSDT", "1m", 60000, "100", true))
	// A different interval has its own dedupe key.
	agg.handleFrame(frame(t, "BTCUSDT", "5m", 60000, "100", true))

	got := drain(ch)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (one per series)", len(got))
	}
}

func TestHandleFrameParseErrorSkipped(t *testing.T) {
	agg, bus, _ := newTestAggregator()
	ch := bus.Subscribe(events.EventCandleClose)

	agg.handleFrame([]byte("{not json"))
	agg.handleFrame(frame(t, "BTCUSDT", "1m", 60000, "100", true))

	if got := drain(ch); len(got) != 1 {
		t.Fatalf("reader should survive parse errors, got %d events", len(got))
	}
	if agg.Stats().ParseErrors != 1 {
		t.Errorf("parse errors = %d, want 1", agg.Stats().ParseErrors)
	}
}

func TestHandleFrameEnrichesVolumes(t *testing.T) {
	agg, _, cache := newTestAggregator()

	env := exchange.StreamEnvelope{
		Stream: "btcusdt@kline_1m",
		Data: exchange.KlineEvent{
			EventType: "kline",
			Symbol:    "BTCUSDT",
			Kline: exchange.KlinePayload{
				OpenTime: 60000, CloseTime: 119999,
				Symbol: "BTCUSDT", Interval: "1m",
				Open: "1", Close: "1", High: "1", Low: "1",
				Volume: "10", TakerBuyVolume: "7", IsClosed: true,
			},
		},
	}
	data, _ := json.Marshal(env)
	agg.handleFrame(data)

	got := cache.Latest("BTCUSDT", "1m", 1)
	if len(got) != 1 {
		t.Fatal("candle missing from cache")
	}
	if got[0].BuyVolume != 7 || got[0].SellVolume != 3 || got[0].VolumeDelta != 4 {
		t.Errorf("enrichment wrong: buy=%f sell=%f delta=%f", got[0].BuyVolume, got[0].SellVolume, got[0].VolumeDelta)
	}
}
