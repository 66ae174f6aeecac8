package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// failingStore errors on every operation, standing in for an unreachable
// primary.
type failingStore struct{}

var errDown = errors.New("store unreachable")

func (failingStore) ListEnabledStrategies(ctx context.Context) ([]*Strategy, error) {
	return nil, errDown
}
func (failingStore) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	return nil, errDown
}
func (failingStore) SaveStrategy(ctx context.Context, s *Strategy) error { return errDown }
func (failingStore) SetStrategyEnabled(ctx context.Context, id string, enabled bool, reason *string) error {
	return errDown
}
func (failingStore) InsertSignalIfAbsent(ctx context.Context, s *Signal) (bool, error) {
	return false, errDown
}
func (failingStore) GetSignal(ctx context.Context, id string) (*Signal, error) {
	return nil, errDown
}
func (failingStore) AdvanceSignalState(ctx context.Context, id string, from, to SignalState, update SignalUpdate) error {
	return errDown
}
func (failingStore) ListSignalsByState(ctx context.Context, states ...SignalState) ([]*Signal, error) {
	return nil, errDown
}
func (failingStore) DeleteFinishedSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, errDown
}
func (failingStore) AppendDecision(ctx context.Context, d *Decision) error { return errDown }
func (failingStore) RecordDecision(ctx context.Context, d *Decision, from, to SignalState, update SignalUpdate) error {
	return errDown
}
func (failingStore) ListDecisions(ctx context.Context, signalID string) ([]*Decision, error) {
	return nil, errDown
}
func (failingStore) UpsertPosition(ctx context.Context, p *Position) error { return errDown }
func (failingStore) GetPosition(ctx context.Context, id string) (*Position, error) {
	return nil, errDown
}
func (failingStore) ListOpenPositions(ctx context.Context) ([]*Position, error) {
	return nil, errDown
}
func (failingStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error { return errDown }
func (failingStore) Ping(ctx context.Context) error                           { return errDown }
func (failingStore) Close()                                                   {}

// With an unreachable primary, ids land in the fallback carrying the
// local- marker; with no primary configured at all, the same.
func TestGatewayMintsLocalSignalIDOnFallback(t *testing.T) {
	tests := []struct {
		name    string
		gateway *Gateway
	}{
		{"primary failing", NewGateway(failingStore{}, nil, zerolog.Nop())},
		{"fallback only", NewGateway(nil, nil, zerolog.Nop())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := &Signal{StrategyID: "strat-1", Symbol: "BTCUSDT", CandleTime: 60000, State: StateNew}
			inserted, err := tt.gateway.InsertSignalIfAbsent(context.Background(), sig)
			if err != nil || !inserted {
				t.Fatalf("insert: inserted=%v err=%v", inserted, err)
			}
			if !strings.HasPrefix(sig.ID, "local-") {
				t.Errorf("fallback signal id = %q, want local- prefix", sig.ID)
			}
			if tt.gateway.primary != nil && !tt.gateway.Degraded() {
				t.Error("gateway should report degraded")
			}

			// The minted id resolves through the gateway.
			got, err := tt.gateway.GetSignal(context.Background(), sig.ID)
			if err != nil || got.Symbol != "BTCUSDT" {
				t.Errorf("read-back failed: %v %v", got, err)
			}
		})
	}
}

func TestGatewayMintsLocalPositionIDOnFallback(t *testing.T) {
	g := NewGateway(failingStore{}, nil, zerolog.Nop())

	p := &Position{SignalID: "sig-1", Symbol: "BTCUSDT", Side: SideLong,
		EntryPrice: 100, Quantity: 1, Mode: ModePaper, State: PositionOpen, OpenedAt: time.Now()}
	if err := g.UpsertPosition(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(p.ID, "local-") {
		t.Errorf("fallback position id = %q, want local- prefix", p.ID)
	}

	// A later update must keep the minted id, not re-mint.
	id := p.ID
	p.State = PositionClosed
	if err := g.UpsertPosition(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if p.ID != id {
		t.Errorf("update re-minted id: %q -> %q", id, p.ID)
	}
}

func TestGatewayRecordDecisionAtomic(t *testing.T) {
	g := NewGateway(nil, nil, zerolog.Nop())
	ctx := context.Background()

	sig := &Signal{StrategyID: "strat-1", Symbol: "BTCUSDT", CandleTime: 60000, State: StateNew}
	if _, err := g.InsertSignalIfAbsent(ctx, sig); err != nil {
		t.Fatal(err)
	}
	if err := g.AdvanceSignalState(ctx, sig.ID, StateNew, StateMonitoring, SignalUpdate{}); err != nil {
		t.Fatal(err)
	}

	count := 1
	candleTime := int64(120000)
	d := &Decision{SignalID: sig.ID, CandleTime: candleTime, Kind: DecisionContinue, Confidence: 0.5}
	if err := g.RecordDecision(ctx, d, StateMonitoring, StateMonitoring, SignalUpdate{
		DecisionCount: &count, LastCandleTime: &candleTime,
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := g.GetSignal(ctx, sig.ID)
	if got.DecisionCount != 1 || got.LastCandleTime != 120000 {
		t.Errorf("state advance missing: %+v", got)
	}
	decisions, _ := g.ListDecisions(ctx, sig.ID)
	if len(decisions) != 1 {
		t.Fatalf("decision missing: %d", len(decisions))
	}

	// A refused transition records nothing at all.
	stale := &Decision{SignalID: sig.ID, CandleTime: 180000, Kind: DecisionContinue, Confidence: 0.5}
	err := g.RecordDecision(ctx, stale, StateReady, StatePositionOpen, SignalUpdate{})
	if err != ErrStaleState {
		t.Fatalf("err = %v, want ErrStaleState", err)
	}
	decisions, _ = g.ListDecisions(ctx, sig.ID)
	if len(decisions) != 1 {
		t.Errorf("refused transition appended a decision: %d rows", len(decisions))
	}
	got, _ = g.GetSignal(ctx, sig.ID)
	if got.State != StateMonitoring || got.DecisionCount != 1 {
		t.Errorf("refused transition mutated the signal: %+v", got)
	}
}
