// Package executor executes trades in paper or live mode and owns position
// bookkeeping: the lifecycle manager opens through it and the position
// monitor submits close intents to it.
package executor

import (
	"context"
	"errors"

	"crypto-signal-pipeline/internal/store"
)

// Position sizing bounds, as a fraction of available balance.
const (
	MaxPositionPct     = 0.10
	MinPositionPct     = 0.001
	DefaultPositionPct = 0.02
)

// ErrPositionNotFound is returned for close/update calls on unknown or
// already-closed positions.
var ErrPositionNotFound = errors.New("position not found")

// OpenRequest describes a position to open.
type OpenRequest struct {
	SignalID        string
	Symbol          string
	Side            string // store.SideLong or store.SideShort
	Price           float64
	SizePct         float64 // fraction of available balance; clamped
	StopLoss        float64
	TakeProfits     []float64
	TrailingStopPct *float64
}

// Executor is the trade execution contract shared by the paper and live
// engines.
type Executor interface {
	// Mode returns store.ModePaper or store.ModeLive.
	Mode() string

	OpenLong(ctx context.Context, req OpenRequest) (*store.Position, error)
	OpenShort(ctx context.Context, req OpenRequest) (*store.Position, error)

	// Close fully closes a position at price.
	Close(ctx context.Context, positionID string, price float64, reason string) (*store.Position, error)
	// PartialClose closes fraction (0..1) of the remaining quantity.
	PartialClose(ctx context.Context, positionID string, fraction, price float64, reason string) (*store.Position, error)
	// ScaleIn adds quantity at price, recomputing the average entry.
	ScaleIn(ctx context.Context, positionID string, addPct, price float64) (*store.Position, error)
	// ScaleOut is PartialClose with a manual reason.
	ScaleOut(ctx context.Context, positionID string, fraction, price float64) (*store.Position, error)
	// Flip closes the position and opens the opposite side at price.
	Flip(ctx context.Context, positionID string, price float64) (*store.Position, error)

	UpdateStopLoss(ctx context.Context, positionID string, stopLoss float64) error
	UpdateTakeProfit(ctx context.Context, positionID string, levels []float64) error

	// MarkToMarket refreshes unrealized PnL and water marks at price.
	MarkToMarket(positionID string, price float64)

	// OpenPositions returns copies of all open positions.
	OpenPositions() []*store.Position
	// Balance returns the available quote balance.
	Balance() float64
}

// clampSizePct applies the sizing bounds, substituting the default when the
// caller passed zero.
func clampSizePct(pct float64) float64 {
	if pct <= 0 {
		pct = DefaultPositionPct
	}
	if pct > MaxPositionPct {
		pct = MaxPositionPct
	}
	if pct < MinPositionPct {
		pct = MinPositionPct
	}
	return pct
}

// unrealized computes mark-to-market PnL.
func unrealized(p *store.Position, mark float64) float64 {
	return (mark - p.EntryPrice) * p.Quantity * p.SideSign()
}
