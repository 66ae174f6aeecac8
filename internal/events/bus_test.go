package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(EventCandleClose)

	bus.PublishCandleClose(CandleClose{Symbol: "BTCUSDT", Interval: "1m", CloseTime: 1})

	select {
	case evt := <-ch:
		cc := evt.Data.(CandleClose)
		if cc.Symbol != "BTCUSDT" {
			t.Errorf("wrong payload: %+v", cc)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishDoesNotReachOtherTypes(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(EventSignalCreated)

	bus.PublishCandleClose(CandleClose{Symbol: "BTCUSDT"})

	select {
	case evt := <-ch:
		t.Fatalf("unexpected delivery: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(EventCandleClose)

	// Nothing reads: overflow the buffer by 10.
	total := defaultBuffer + 10
	for i := 0; i < total; i++ {
		bus.PublishCandleClose(CandleClose{Symbol: "BTCUSDT", CloseTime: int64(i)})
	}

	if got := bus.Dropped(); got != 10 {
		t.Errorf("dropped = %d, want 10", got)
	}

	// The oldest events are the ones gone; the first event we read now is
	// event 10.
	evt := <-ch
	if cc := evt.Data.(CandleClose); cc.CloseTime != 10 {
		t.Errorf("head of queue = %d, want 10", cc.CloseTime)
	}

	// Publisher never blocked and the buffer holds the most recent events.
	count := 1
	for {
		select {
		case <-ch:
			count++
		default:
			if count != defaultBuffer {
				t.Errorf("buffered = %d, want %d", count, defaultBuffer)
			}
			return
		}
	}
}
