package store

import (
	"context"
	"errors"
	"time"
)

// ErrStaleState is returned by AdvanceSignalState when the signal is no
// longer in the expected from-state. The caller must refuse the operation;
// no state is mutated.
var ErrStaleState = errors.New("signal not in expected state")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract shared by the Postgres store and the
// in-memory fallback.
type Store interface {
	// Strategies
	ListEnabledStrategies(ctx context.Context) ([]*Strategy, error)
	GetStrategy(ctx context.Context, id string) (*Strategy, error)
	SaveStrategy(ctx context.Context, s *Strategy) error
	SetStrategyEnabled(ctx context.Context, id string, enabled bool, reason *string) error

	// Signals
	InsertSignalIfAbsent(ctx context.Context, s *Signal) (bool, error)
	GetSignal(ctx context.Context, id string) (*Signal, error)
	AdvanceSignalState(ctx context.Context, id string, from, to SignalState, update SignalUpdate) error
	ListSignalsByState(ctx context.Context, states ...SignalState) ([]*Signal, error)
	DeleteFinishedSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Decisions
	AppendDecision(ctx context.Context, d *Decision) error
	// RecordDecision appends the decision and advances the signal state in
	// one atomic step; the decision insert and the count/watermark bump
	// either both land or neither does.
	RecordDecision(ctx context.Context, d *Decision, from, to SignalState, update SignalUpdate) error
	ListDecisions(ctx context.Context, signalID string) ([]*Decision, error)

	// Positions
	UpsertPosition(ctx context.Context, p *Position) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	ListOpenPositions(ctx context.Context) ([]*Position, error)

	// Operations
	RecordHeartbeat(ctx context.Context, hb *Heartbeat) error
	Ping(ctx context.Context) error
	Close()
}
