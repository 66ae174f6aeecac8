package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"

	"crypto-signal-pipeline/internal/events"
	"crypto-signal-pipeline/internal/exchange"
	"crypto-signal-pipeline/internal/store"
)

const reconcileInterval = 5 * time.Second

// liveOrder tracks an exchange order derived from a position (SL or TP).
type liveOrder struct {
	OrderID    int64
	PositionID string
	Purpose    string // "sl" or "tp"
	Status     string
}

// LiveExecutor places real orders on the exchange and keeps the same
// position bookkeeping as the paper engine. Entry orders go out as market
// orders; stop-loss and take-profit protection is placed as derived orders
// and adjusted with cancel-replace. A 5s reconcile loop diffs exchange
// open orders against the local cache and emits order-update events.
type LiveExecutor struct {
	paper *PaperExecutor // bookkeeping core: balances, positions, mirroring

	client  *binance.Client
	limiter *exchange.RateLimiter
	bus     *events.Bus
	log     zerolog.Logger

	mu     sync.Mutex
	orders map[int64]*liveOrder // exchange order id -> derived order

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLiveExecutor creates a live executor. The starting balance is fetched
// lazily from the account endpoint; until then sizing uses fallbackBalance.
func NewLiveExecutor(apiKey, secretKey string, fallbackBalance float64, gateway *store.Gateway, bus *events.Bus, log zerolog.Logger) *LiveExecutor {
	e := &LiveExecutor{
		paper:    NewPaperExecutor(fallbackBalance, gateway, bus),
		client:   binance.NewClient(apiKey, secretKey),
		limiter:  exchange.NewRateLimiter(10),
		bus:      bus,
		log:      log.With().Str("component", "live-executor").Logger(),
		orders:   make(map[int64]*liveOrder),
		stopChan: make(chan struct{}),
	}
	return e
}

func (e *LiveExecutor) Mode() string { return store.ModeLive }

// Start launches the order reconcile loop and refreshes the balance.
func (e *LiveExecutor) Start(ctx context.Context) {
	e.refreshBalance(ctx)
	e.wg.Add(1)
	go e.reconcileLoop(ctx)
}

// Stop terminates the reconcile loop.
func (e *LiveExecutor) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
}

func (e *LiveExecutor) refreshBalance(ctx context.Context) {
	if err := e.limiter.Wait(ctx); err != nil {
		return
	}
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("account balance fetch failed, keeping previous balance")
		return
	}
	for _, b := range account.Balances {
		if b.Asset == "USDT" {
			if free, err := strconv.ParseFloat(b.Free, 64); err == nil {
				e.paper.mu.Lock()
				e.paper.balance = free
				e.paper.mu.Unlock()
			}
			return
		}
	}
}

func (e *LiveExecutor) OpenLong(ctx context.Context, req OpenRequest) (*store.Position, error) {
	req.Side = store.SideLong
	return e.open(ctx, req, binance.SideTypeBuy)
}

func (e *LiveExecutor) OpenShort(ctx context.Context, req OpenRequest) (*store.Position, error) {
	req.Side = store.SideShort
	return e.open(ctx, req, binance.SideTypeSell)
}

func (e *LiveExecutor) open(ctx context.Context, req OpenRequest, side binance.SideType) (*store.Position, error) {
	pct := clampSizePct(req.SizePct)
	quantity := e.paper.Balance() * pct / req.Price

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	order, err := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(formatQty(quantity)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("market order failed: %w", err)
	}
	e.log.Info().Str("symbol", req.Symbol).Int64("order_id", order.OrderID).Msg("entry order placed")

	// Book the position at the requested mark; fills at market are close
	// enough and reconciliation corrects drift.
	var pos *store.Position
	if req.Side == store.SideLong {
		pos, err = e.paper.OpenLong(ctx, req)
	} else {
		pos, err = e.paper.OpenShort(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	pos.Mode = store.ModeLive
	e.paper.mirror(ctx, pos)

	e.placeProtection(ctx, pos)
	return pos, nil
}

// placeProtection places the derived SL and first-TP orders.
func (e *LiveExecutor) placeProtection(ctx context.Context, pos *store.Position) {
	exitSide := binance.SideTypeSell
	if pos.Side == store.SideShort {
		exitSide = binance.SideTypeBuy
	}

	if pos.StopLoss > 0 {
		if id, err := e.placeStopLimit(ctx, pos.Symbol, exitSide, pos.Quantity, pos.StopLoss); err != nil {
			e.log.Error().Err(err).Str("position", pos.ID).Msg("stop-loss placement failed")
		} else {
			e.trackOrder(id, pos.ID, "sl")
		}
	}
	if len(pos.TakeProfits) > 0 {
		if id, err := e.placeLimit(ctx, pos.Symbol, exitSide, pos.Quantity, pos.TakeProfits[0]); err != nil {
			e.log.Error().Err(err).Str("position", pos.ID).Msg("take-profit placement failed")
		} else {
			e.trackOrder(id, pos.ID, "tp")
		}
	}
}

func (e *LiveExecutor) placeStopLimit(ctx context.Context, symbol string, side binance.SideType, qty, stopPrice float64) (int64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	order, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeStopLossLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(formatQty(qty)).
		StopPrice(formatQty(stopPrice)).
		Price(formatQty(stopPrice)).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	return order.OrderID, nil
}

func (e *LiveExecutor) placeLimit(ctx context.Context, symbol string, side binance.SideType, qty, price float64) (int64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	order, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(formatQty(qty)).
		Price(formatQty(price)).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	return order.OrderID, nil
}

func (e *LiveExecutor) trackOrder(orderID int64, positionID, purpose string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[orderID] = &liveOrder{OrderID: orderID, PositionID: positionID, Purpose: purpose, Status: "NEW"}
}

// cancelDerived cancels tracked SL/TP orders for a position, optionally
// filtered by purpose.
func (e *LiveExecutor) cancelDerived(ctx context.Context, positionID, purpose string) {
	e.mu.Lock()
	var victims []*liveOrder
	for _, o := range e.orders {
		if o.PositionID == positionID && (purpose == "" || o.Purpose == purpose) {
			victims = append(victims, o)
		}
	}
	e.mu.Unlock()

	for _, o := range victims {
		pos, err := e.paper.gateway.GetPosition(ctx, positionID)
		symbol := ""
		if err == nil {
			symbol = pos.Symbol
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(o.OrderID).Do(ctx); err != nil {
			e.log.Warn().Err(err).Int64("order_id", o.OrderID).Msg("cancel failed")
		}
		e.mu.Lock()
		delete(e.orders, o.OrderID)
		e.mu.Unlock()
	}
}

func (e *LiveExecutor) Close(ctx context.Context, positionID string, price float64, reason string) (*store.Position, error) {
	pos, err := e.paper.gateway.GetPosition(ctx, positionID)
	if err != nil {
		return nil, ErrPositionNotFound
	}

	e.cancelDerived(ctx, positionID, "")

	exitSide := binance.SideTypeSell
	if pos.Side == store.SideShort {
		exitSide = binance.SideTypeBuy
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if _, err := e.client.NewCreateOrderService().
		Symbol(pos.Symbol).
		Side(exitSide).
		Type(binance.OrderTypeMarket).
		Quantity(formatQty(pos.Quantity)).
		Do(ctx); err != nil {
		return nil, fmt.Errorf("close order failed: %w", err)
	}

	return e.paper.Close(ctx, positionID, price, reason)
}

func (e *LiveExecutor) PartialClose(ctx context.Context, positionID string, fraction, price float64, reason string) (*store.Position, error) {
	pos, err := e.paper.gateway.GetPosition(ctx, positionID)
	if err != nil {
		return nil, ErrPositionNotFound
	}

	exitSide := binance.SideTypeSell
	if pos.Side == store.SideShort {
		exitSide = binance.SideTypeBuy
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if _, err := e.client.NewCreateOrderService().
		Symbol(pos.Symbol).
		Side(exitSide).
		Type(binance.OrderTypeMarket).
		Quantity(formatQty(pos.Quantity * fraction)).
		Do(ctx); err != nil {
		return nil, fmt.Errorf("partial close order failed: %w", err)
	}

	return e.paper.PartialClose(ctx, positionID, fraction, price, reason)
}

func (e *LiveExecutor) ScaleIn(ctx context.Context, positionID string, addPct, price float64) (*store.Position, error) {
	pos, err := e.paper.gateway.GetPosition(ctx, positionID)
	if err != nil {
		return nil, ErrPositionNotFound
	}

	entrySide := binance.SideTypeBuy
	if pos.Side == store.SideShort {
		entrySide = binance.SideTypeSell
	}
	quantity := e.paper.Balance() * clampSizePct(addPct) / price
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if _, err := e.client.NewCreateOrderService().
		Symbol(pos.Symbol).
		Side(entrySide).
		Type(binance.OrderTypeMarket).
		Quantity(formatQty(quantity)).
		Do(ctx); err != nil {
		return nil, fmt.Errorf("scale-in order failed: %w", err)
	}

	return e.paper.ScaleIn(ctx, positionID, addPct, price)
}

func (e *LiveExecutor) ScaleOut(ctx context.Context, positionID string, fraction, price float64) (*store.Position, error) {
	return e.PartialClose(ctx, positionID, fraction, price, store.CloseReasonManual)
}

func (e *LiveExecutor) Flip(ctx context.Context, positionID string, price float64) (*store.Position, error) {
	pos, err := e.paper.gateway.GetPosition(ctx, positionID)
	if err != nil {
		return nil, ErrPositionNotFound
	}
	if _, err := e.Close(ctx, positionID, price, store.CloseReasonFlip); err != nil {
		return nil, err
	}

	req := OpenRequest{
		SignalID:        pos.SignalID,
		Symbol:          pos.Symbol,
		Price:           price,
		SizePct:         DefaultPositionPct,
		TrailingStopPct: pos.TrailingStopPct,
	}
	if pos.Side == store.SideLong {
		return e.OpenShort(ctx, req)
	}
	return e.OpenLong(ctx, req)
}

// UpdateStopLoss cancel-replaces the protective stop order.
func (e *LiveExecutor) UpdateStopLoss(ctx context.Context, positionID string, stopLoss float64) error {
	pos, err := e.paper.gateway.GetPosition(ctx, positionID)
	if err != nil {
		return ErrPositionNotFound
	}

	e.cancelDerived(ctx, positionID, "sl")

	exitSide := binance.SideTypeSell
	if pos.Side == store.SideShort {
		exitSide = binance.SideTypeBuy
	}
	if id, err := e.placeStopLimit(ctx, pos.Symbol, exitSide, pos.Quantity, stopLoss); err != nil {
		e.log.Error().Err(err).Str("position", positionID).Msg("stop-loss replace failed")
	} else {
		e.trackOrder(id, positionID, "sl")
	}

	return e.paper.UpdateStopLoss(ctx, positionID, stopLoss)
}

// UpdateTakeProfit cancel-replaces the take-profit order at the first level.
func (e *LiveExecutor) UpdateTakeProfit(ctx context.Context, positionID string, levels []float64) error {
	pos, err := e.paper.gateway.GetPosition(ctx, positionID)
	if err != nil {
		return ErrPositionNotFound
	}

	e.cancelDerived(ctx, positionID, "tp")

	if len(levels) > 0 {
		exitSide := binance.SideTypeSell
		if pos.Side == store.SideShort {
			exitSide = binance.SideTypeBuy
		}
		if id, err := e.placeLimit(ctx, pos.Symbol, exitSide, pos.Quantity, levels[0]); err != nil {
			e.log.Error().Err(err).Str("position", positionID).Msg("take-profit replace failed")
		} else {
			e.trackOrder(id, positionID, "tp")
		}
	}

	return e.paper.UpdateTakeProfit(ctx, positionID, levels)
}

func (e *LiveExecutor) MarkToMarket(positionID string, price float64) {
	e.paper.MarkToMarket(positionID, price)
}

func (e *LiveExecutor) OpenPositions() []*store.Position {
	return e.paper.OpenPositions()
}

func (e *LiveExecutor) Balance() float64 {
	return e.paper.Balance()
}

// reconcileLoop fetches open orders every 5s and diffs them against the
// local cache; orders that disappeared were filled or cancelled and emit
// order-update events.
func (e *LiveExecutor) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

func (e *LiveExecutor) reconcile(ctx context.Context) {
	if err := e.limiter.Wait(ctx); err != nil {
		return
	}
	open, err := e.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("open-order reconcile fetch failed")
		return
	}

	onExchange := make(map[int64]string, len(open))
	for _, o := range open {
		onExchange[o.OrderID] = string(o.Status)
	}

	e.mu.Lock()
	var gone []*liveOrder
	for id, o := range e.orders {
		if status, ok := onExchange[id]; ok {
			if status != o.Status {
				o.Status = status
				e.bus.Publish(events.Event{Type: events.EventOrderUpdate, Data: events.OrderUpdate{
					OrderID: id, Status: status,
				}})
			}
			continue
		}
		gone = append(gone, o)
		delete(e.orders, id)
	}
	e.mu.Unlock()

	for _, o := range gone {
		e.log.Info().Int64("order_id", o.OrderID).Str("purpose", o.Purpose).Msg("derived order left the book")
		e.bus.Publish(events.Event{Type: events.EventOrderUpdate, Data: events.OrderUpdate{
			OrderID: o.OrderID, Status: "GONE",
		}})
	}
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}
