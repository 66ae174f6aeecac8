package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"crypto-signal-pipeline/internal/events"
	"crypto-signal-pipeline/internal/store"
)

// Paper trading defaults.
const (
	DefaultPaperBalance  = 10000.0
	DefaultCommissionPct = 0.001 // 0.1% of notional per fill
)

// PaperExecutor fills orders instantly at the supplied mark price against a
// virtual USDT balance. Positions live in memory and are mirrored to the
// store.
type PaperExecutor struct {
	mu        sync.RWMutex
	balance   float64
	commission float64
	positions map[string]*store.Position

	gateway *store.Gateway
	bus     *events.Bus
}

// NewPaperExecutor creates a paper executor with the given starting balance
// (DefaultPaperBalance when <= 0).
func NewPaperExecutor(balance float64, gateway *store.Gateway, bus *events.Bus) *PaperExecutor {
	if balance <= 0 {
		balance = DefaultPaperBalance
	}
	return &PaperExecutor{
		balance:    balance,
		commission: DefaultCommissionPct,
		positions:  make(map[string]*store.Position),
		gateway:    gateway,
		bus:        bus,
	}
}

func (e *PaperExecutor) Mode() string { return store.ModePaper }

func (e *PaperExecutor) OpenLong(ctx context.Context, req OpenRequest) (*store.Position, error) {
	req.Side = store.SideLong
	return e.open(ctx, req)
}

func (e *PaperExecutor) OpenShort(ctx context.Context, req OpenRequest) (*store.Position, error) {
	req.Side = store.SideShort
	return e.open(ctx, req)
}

func (e *PaperExecutor) open(ctx context.Context, req OpenRequest) (*store.Position, error) {
	if req.Price <= 0 {
		return nil, fmt.Errorf("invalid open price %f", req.Price)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pct := clampSizePct(req.SizePct)
	notional := e.balance * pct
	quantity := notional / req.Price
	fee := notional * e.commission

	if notional+fee > e.balance {
		return nil, fmt.Errorf("insufficient balance: need %.2f, have %.2f", notional+fee, e.balance)
	}

	pos := &store.Position{
		SignalID:        req.SignalID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		EntryPrice:      req.Price,
		Quantity:        quantity,
		StopLoss:        req.StopLoss,
		TakeProfits:     append([]float64(nil), req.TakeProfits...),
		TrailingStopPct: req.TrailingStopPct,
		Mode:            store.ModePaper,
		State:           store.PositionOpen,
		RealizedPnL:     -fee,
		HighWaterMark:   req.Price,
		LowWaterMark:    req.Price,
		OpenedAt:        time.Now(),
	}

	// The first upsert mints the id (uuid from the durable store, local-
	// from the fallback); bookkeeping keys off whatever came back.
	e.mirror(ctx, pos)
	e.balance -= notional + fee
	e.positions[pos.ID] = pos

	log.Printf("[PaperExecutor] opened %s %s qty=%.6f @ %.4f SL=%.4f", pos.Side, pos.Symbol, quantity, req.Price, req.StopLoss)
	e.bus.Publish(events.Event{Type: events.EventPositionOpened, Data: pos.ID})
	cp := *pos
	return &cp, nil
}

func (e *PaperExecutor) Close(ctx context.Context, positionID string, price float64, reason string) (*store.Position, error) {
	return e.closeQuantity(ctx, positionID, 1.0, price, reason)
}

func (e *PaperExecutor) PartialClose(ctx context.Context, positionID string, fraction, price float64, reason string) (*store.Position, error) {
	return e.closeQuantity(ctx, positionID, fraction, price, reason)
}

func (e *PaperExecutor) ScaleOut(ctx context.Context, positionID string, fraction, price float64) (*store.Position, error) {
	return e.closeQuantity(ctx, positionID, fraction, price, store.CloseReasonManual)
}

// closeQuantity closes fraction of the remaining quantity at price. A
// fraction >= 1 fully closes and transitions the signal via the bus.
func (e *PaperExecutor) closeQuantity(ctx context.Context, positionID string, fraction, price float64, reason string) (*store.Position, error) {
	if fraction <= 0 {
		return nil, fmt.Errorf("invalid close fraction %f", fraction)
	}
	if fraction > 1 {
		fraction = 1
	}

	e.mu.Lock()
	pos, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPositionNotFound
	}

	closeQty := pos.Quantity * fraction
	notional := closeQty * price
	fee := notional * e.commission
	pnl := (price - pos.EntryPrice) * closeQty * pos.SideSign()

	pos.RealizedPnL += pnl - fee
	e.balance += closeQty*pos.EntryPrice + pnl - fee

	full := fraction >= 1 || pos.Quantity-closeQty < 1e-12
	if full {
		now := time.Now()
		pos.Quantity = 0
		pos.State = store.PositionClosed
		pos.ClosedAt = &now
		pos.ExitPrice = &price
		pos.CloseReason = &reason
		pos.UnrealizedPnL = 0
		delete(e.positions, positionID)
	} else {
		pos.Quantity -= closeQty
		pos.UnrealizedPnL = unrealized(pos, price)
	}
	cp := *pos
	e.mu.Unlock()

	e.mirror(ctx, &cp)
	log.Printf("[PaperExecutor] closed %.0f%% of %s @ %.4f reason=%s pnl=%.4f", fraction*100, cp.Symbol, price, reason, pnl-fee)

	if full {
		e.bus.Publish(events.Event{Type: events.EventPositionClosed, Data: events.PositionClosed{
			PositionID:  cp.ID,
			SignalID:    cp.SignalID,
			Symbol:      cp.Symbol,
			ExitPrice:   price,
			RealizedPnL: cp.RealizedPnL,
			Reason:      reason,
		}})
	}
	return &cp, nil
}

func (e *PaperExecutor) ScaleIn(ctx context.Context, positionID string, addPct, price float64) (*store.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[positionID]
	if !ok {
		return nil, ErrPositionNotFound
	}

	pct := clampSizePct(addPct)
	notional := e.balance * pct
	addQty := notional / price
	fee := notional * e.commission
	if notional+fee > e.balance {
		return nil, fmt.Errorf("insufficient balance for scale-in")
	}

	// Average the entry across the combined quantity.
	total := pos.Quantity + addQty
	pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*addQty) / total
	pos.Quantity = total
	pos.RealizedPnL -= fee
	e.balance -= notional + fee

	cp := *pos
	e.mirror(ctx, &cp)
	return &cp, nil
}

func (e *PaperExecutor) Flip(ctx context.Context, positionID string, price float64) (*store.Position, error) {
	e.mu.RLock()
	pos, ok := e.positions[positionID]
	if !ok {
		e.mu.RUnlock()
		return nil, ErrPositionNotFound
	}
	req := OpenRequest{
		SignalID:        pos.SignalID,
		Symbol:          pos.Symbol,
		Price:           price,
		SizePct:         DefaultPositionPct,
		TrailingStopPct: pos.TrailingStopPct,
	}
	oldSide := pos.Side
	e.mu.RUnlock()

	if _, err := e.Close(ctx, positionID, price, store.CloseReasonFlip); err != nil {
		return nil, err
	}
	if oldSide == store.SideLong {
		return e.OpenShort(ctx, req)
	}
	return e.OpenLong(ctx, req)
}

func (e *PaperExecutor) UpdateStopLoss(ctx context.Context, positionID string, stopLoss float64) error {
	e.mu.Lock()
	pos, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return ErrPositionNotFound
	}
	pos.StopLoss = stopLoss
	cp := *pos
	e.mu.Unlock()

	e.mirror(ctx, &cp)
	return nil
}

func (e *PaperExecutor) UpdateTakeProfit(ctx context.Context, positionID string, levels []float64) error {
	e.mu.Lock()
	pos, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return ErrPositionNotFound
	}
	pos.TakeProfits = append([]float64(nil), levels...)
	cp := *pos
	e.mu.Unlock()

	e.mirror(ctx, &cp)
	return nil
}

func (e *PaperExecutor) MarkToMarket(positionID string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[positionID]
	if !ok {
		return
	}
	pos.UnrealizedPnL = unrealized(pos, price)
	if price > pos.HighWaterMark {
		pos.HighWaterMark = price
	}
	if price < pos.LowWaterMark {
		pos.LowWaterMark = price
	}
}

func (e *PaperExecutor) OpenPositions() []*store.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*store.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

func (e *PaperExecutor) Balance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// mirror persists the position snapshot; failures degrade to the gateway's
// fallback and never fail the trade.
func (e *PaperExecutor) mirror(ctx context.Context, pos *store.Position) {
	if err := e.gateway.UpsertPosition(ctx, pos); err != nil {
		log.Printf("[PaperExecutor] position mirror failed: %v", err)
	}
}
