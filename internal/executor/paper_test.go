package executor

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"crypto-signal-pipeline/internal/events"
	"crypto-signal-pipeline/internal/store"
)

func newPaper(balance float64) (*PaperExecutor, *events.Bus) {
	bus := events.NewBus()
	gateway := store.NewGateway(nil, nil, zerolog.Nop())
	return NewPaperExecutor(balance, gateway, bus), bus
}

func TestOpenLongSizing(t *testing.T) {
	e, _ := newPaper(10000)

	pos, err := e.OpenLong(context.Background(), OpenRequest{
		SignalID: "sig-1", Symbol: "BTCUSDT", Price: 50000, SizePct: 0.02,
		StopLoss: 49000, TakeProfits: []float64{52000},
	})
	if err != nil {
		t.Fatal(err)
	}

	wantQty := 10000 * 0.02 / 50000
	if math.Abs(pos.Quantity-wantQty) > 1e-12 {
		t.Errorf("quantity = %v, want %v", pos.Quantity, wantQty)
	}
	if pos.StopLoss != 49000 || pos.TakeProfits[0] != 52000 {
		t.Errorf("SL/TP not carried: %+v", pos)
	}
	if pos.State != store.PositionOpen || pos.Mode != store.ModePaper {
		t.Errorf("state/mode wrong: %+v", pos)
	}
	// No durable store behind the gateway: the id comes from the fallback.
	if !strings.HasPrefix(pos.ID, "local-") {
		t.Errorf("position id = %q, want local- prefix from the fallback store", pos.ID)
	}

	// Balance shrank by notional plus the 0.1% commission.
	wantBalance := 10000 - 200 - 200*DefaultCommissionPct
	if math.Abs(e.Balance()-wantBalance) > 1e-9 {
		t.Errorf("balance = %f, want %f", e.Balance(), wantBalance)
	}
}

func TestSizingClamp(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, DefaultPositionPct},
		{0.50, MaxPositionPct},
		{0.00001, MinPositionPct},
		{0.05, 0.05},
	}
	for _, tt := range tests {
		if got := clampSizePct(tt.in); got != tt.want {
			t.Errorf("clampSizePct(%f) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestCloseRealizesPnLMinusFees(t *testing.T) {
	e, bus := newPaper(10000)
	ch := bus.Subscribe(events.EventPositionClosed)

	pos, err := e.OpenLong(context.Background(), OpenRequest{
		SignalID: "sig-1", Symbol: "BTCUSDT", Price: 100, SizePct: 0.10, StopLoss: 95,
	})
	if err != nil {
		t.Fatal(err)
	}
	qty := pos.Quantity

	closed, err := e.Close(context.Background(), pos.ID, 94, store.CloseReasonSL)
	if err != nil {
		t.Fatal(err)
	}

	openFee := 100 * qty * DefaultCommissionPct
	closeFee := 94 * qty * DefaultCommissionPct
	wantPnL := (94-100)*qty - openFee - closeFee
	if math.Abs(closed.RealizedPnL-wantPnL) > 1e-9 {
		t.Errorf("realized = %f, want %f", closed.RealizedPnL, wantPnL)
	}
	if closed.State != store.PositionClosed || closed.CloseReason == nil || *closed.CloseReason != store.CloseReasonSL {
		t.Errorf("close bookkeeping wrong: %+v", closed)
	}

	evt := <-ch
	pc := evt.Data.(events.PositionClosed)
	if pc.SignalID != "sig-1" || pc.Reason != store.CloseReasonSL {
		t.Errorf("close event wrong: %+v", pc)
	}

	if len(e.OpenPositions()) != 0 {
		t.Error("closed position still listed open")
	}
}

func TestShortPnL(t *testing.T) {
	e, _ := newPaper(10000)

	pos, err := e.OpenShort(context.Background(), OpenRequest{
		SignalID: "sig-2", Symbol: "ETHUSDT", Price: 100, SizePct: 0.05,
	})
	if err != nil {
		t.Fatal(err)
	}

	closed, err := e.Close(context.Background(), pos.ID, 90, store.CloseReasonTP)
	if err != nil {
		t.Fatal(err)
	}
	// Short profits when price falls.
	if closed.RealizedPnL <= 0 {
		t.Errorf("short close pnl = %f, want > 0", closed.RealizedPnL)
	}
}

func TestPartialClose(t *testing.T) {
	e, _ := newPaper(10000)

	pos, _ := e.OpenLong(context.Background(), OpenRequest{
		SignalID: "sig-3", Symbol: "BTCUSDT", Price: 100, SizePct: 0.10,
	})
	qty := pos.Quantity

	remaining, err := e.PartialClose(context.Background(), pos.ID, 0.5, 110, store.CloseReasonTP)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(remaining.Quantity-qty/2) > 1e-12 {
		t.Errorf("remaining qty = %v, want %v", remaining.Quantity, qty/2)
	}
	if remaining.State != store.PositionOpen {
		t.Error("partial close must keep the position open")
	}
	if len(e.OpenPositions()) != 1 {
		t.Error("partially closed position missing from open set")
	}
}

func TestFlipOpensOppositeSide(t *testing.T) {
	e, _ := newPaper(10000)

	pos, _ := e.OpenLong(context.Background(), OpenRequest{
		SignalID: "sig-4", Symbol: "BTCUSDT", Price: 100, SizePct: 0.02,
	})

	flipped, err := e.Flip(context.Background(), pos.ID, 105)
	if err != nil {
		t.Fatal(err)
	}
	if flipped.Side != store.SideShort {
		t.Errorf("flip side = %s, want short", flipped.Side)
	}
	if flipped.EntryPrice != 105 {
		t.Errorf("flip entry = %f, want 105", flipped.EntryPrice)
	}
}

func TestMarkToMarketTracksWaterMarks(t *testing.T) {
	e, _ := newPaper(10000)

	pos, _ := e.OpenLong(context.Background(), OpenRequest{
		SignalID: "sig-5", Symbol: "BTCUSDT", Price: 100, SizePct: 0.02,
	})

	e.MarkToMarket(pos.ID, 110)
	e.MarkToMarket(pos.ID, 90)

	open := e.OpenPositions()[0]
	if open.HighWaterMark != 110 || open.LowWaterMark != 90 {
		t.Errorf("water marks = %f/%f, want 110/90", open.HighWaterMark, open.LowWaterMark)
	}
	if math.Abs(open.UnrealizedPnL-(90-100)*open.Quantity) > 1e-9 {
		t.Errorf("unrealized = %f", open.UnrealizedPnL)
	}
}

func TestCloseUnknownPosition(t *testing.T) {
	e, _ := newPaper(10000)
	if _, err := e.Close(context.Background(), "nope", 100, store.CloseReasonManual); err != ErrPositionNotFound {
		t.Errorf("err = %v, want ErrPositionNotFound", err)
	}
}
