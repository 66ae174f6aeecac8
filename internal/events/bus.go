// Package events provides the in-process bus connecting the market-data
// plane to the scheduler, lifecycle manager and position monitor.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"crypto-signal-pipeline/internal/exchange"
)

// EventType represents different types of events in the system.
type EventType string

const (
	EventCandleClose    EventType = "CANDLE_CLOSE"
	EventSignalCreated  EventType = "SIGNAL_CREATED"
	EventPositionOpened EventType = "POSITION_OPENED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventOrderUpdate    EventType = "ORDER_UPDATE"
	EventStrategyError  EventType = "STRATEGY_ERROR"
)

// CandleClose is published once per (symbol, interval, close_time).
type CandleClose struct {
	Symbol    string
	Interval  string
	Candle    exchange.Kline
	CloseTime int64
}

// SignalCreated is published when the scheduler persists a new signal.
type SignalCreated struct {
	SignalID   string
	StrategyID string
	Symbol     string
	CandleTime int64
	Price      float64
}

// PositionClosed is published by the executor when a position fully closes.
type PositionClosed struct {
	PositionID  string
	SignalID    string
	Symbol      string
	ExitPrice   float64
	RealizedPnL float64
	Reason      string
}

// OrderUpdate reports a live-order status change seen during reconciliation.
type OrderUpdate struct {
	OrderID   int64
	Symbol    string
	Status    string
	FilledQty float64
}

// Event is the envelope carried on subscriber channels.
type Event struct {
	Type EventType
	Time time.Time
	Data interface{}
}

// defaultBuffer is how far a subscriber may fall behind before the bus
// starts dropping its oldest events.
const defaultBuffer = 100

type subscription struct {
	mu sync.Mutex
	ch chan Event
}

// Bus is a typed pub/sub bus with bounded per-subscriber channels. A slow
// subscriber loses its oldest events rather than blocking the publisher;
// drops are counted so the metrics endpoint can surface them.
type Bus struct {
	mu      sync.RWMutex
	subs    map[EventType][]*subscription
	dropped atomic.Int64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[EventType][]*subscription),
	}
}

// Subscribe registers for one or more event types and returns the channel
// events are delivered on. The channel is never closed by the bus.
func (b *Bus) Subscribe(types ...EventType) <-chan Event {
	sub := &subscription{ch: make(chan Event, defaultBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.subs[t] = append(b.subs[t], sub)
	}
	return sub.ch
}

// Publish delivers an event to every subscriber of its type without
// blocking. When a subscriber's buffer is full the oldest pending event is
// discarded to make room.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[evt.Type]
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		select {
		case sub.ch <- evt:
		default:
			// Receiver has fallen more than defaultBuffer events behind:
			// drop the oldest and enqueue the new one.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				b.dropped.Add(1)
			}
		}
		sub.mu.Unlock()
	}
}

// PublishCandleClose is a convenience wrapper for the hot path.
func (b *Bus) PublishCandleClose(cc CandleClose) {
	b.Publish(Event{Type: EventCandleClose, Data: cc})
}

// Dropped returns the number of events discarded due to backpressure.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
