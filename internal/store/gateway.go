package store

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Gateway fronts the durable store with the in-memory fallback. Reads and
// writes go to the primary; when the primary errors the gateway degrades to
// the fallback so the hot path keeps moving, and counts the failure.
// A nil primary (no DATABASE_URL configured) runs fallback-only.
type Gateway struct {
	primary  Store
	fallback *MemoryStore
	redis    *redis.Client
	log      zerolog.Logger

	degraded atomic.Bool
	failures atomic.Int64
}

// NewGateway wires the gateway. primary and rdb may be nil.
func NewGateway(primary Store, rdb *redis.Client, log zerolog.Logger) *Gateway {
	return &Gateway{
		primary:  primary,
		fallback: NewMemoryStore(),
		redis:    rdb,
		log:      log.With().Str("component", "store-gateway").Logger(),
	}
}

// Degraded reports whether the last primary operation failed.
func (g *Gateway) Degraded() bool { return g.degraded.Load() }

// Failures returns the count of primary-store errors absorbed so far.
func (g *Gateway) Failures() int64 { return g.failures.Load() }

func (g *Gateway) noteFailure(op string, err error) {
	g.failures.Add(1)
	if !g.degraded.Swap(true) {
		g.log.Warn().Err(err).Str("op", op).Msg("primary store failing, using local fallback")
	}
}

func (g *Gateway) noteSuccess() {
	if g.degraded.Swap(false) {
		g.log.Info().Msg("primary store recovered")
	}
}

// run executes op against the primary, falling back on error. The fallback
// result is returned with a nil error so callers never block on the outage.
func (g *Gateway) run(op string, primary func(Store) error, fallback func(*MemoryStore) error) error {
	if g.primary != nil {
		if err := primary(g.primary); err == nil {
			g.noteSuccess()
			return nil
		} else if err == ErrStaleState || err == ErrNotFound {
			// Domain errors are answers, not outages.
			return err
		} else {
			g.noteFailure(op, err)
		}
	}
	return fallback(g.fallback)
}

func (g *Gateway) ListEnabledStrategies(ctx context.Context) ([]*Strategy, error) {
	var out []*Strategy
	err := g.run("list_strategies",
		func(s Store) error { var e error; out, e = s.ListEnabledStrategies(ctx); return e },
		func(m *MemoryStore) error { var e error; out, e = m.ListEnabledStrategies(ctx); return e })
	return out, err
}

func (g *Gateway) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	var out *Strategy
	err := g.run("get_strategy",
		func(s Store) error { var e error; out, e = s.GetStrategy(ctx, id); return e },
		func(m *MemoryStore) error { var e error; out, e = m.GetStrategy(ctx, id); return e })
	return out, err
}

func (g *Gateway) SaveStrategy(ctx context.Context, st *Strategy) error {
	return g.run("save_strategy",
		func(s Store) error { return s.SaveStrategy(ctx, st) },
		func(m *MemoryStore) error { return m.SaveStrategy(ctx, st) })
}

func (g *Gateway) SetStrategyEnabled(ctx context.Context, id string, enabled bool, reason *string) error {
	return g.run("set_strategy_enabled",
		func(s Store) error { return s.SetStrategyEnabled(ctx, id, enabled, reason) },
		func(m *MemoryStore) error { return m.SetStrategyEnabled(ctx, id, enabled, reason) })
}

// InsertSignalIfAbsent mints the signal id: a uuid when the durable store
// takes the write, a "local-" id when the write lands in the fallback.
// Callers leave ID empty and read it back after the call.
func (g *Gateway) InsertSignalIfAbsent(ctx context.Context, sig *Signal) (bool, error) {
	needsID := sig.ID == ""
	var inserted bool
	err := g.run("insert_signal",
		func(s Store) error {
			if needsID {
				sig.ID = uuid.NewString()
			}
			var e error
			inserted, e = s.InsertSignalIfAbsent(ctx, sig)
			return e
		},
		func(m *MemoryStore) error {
			if needsID {
				// Discard any uuid a failed primary attempt minted; the
				// fallback marks its rows with local- ids.
				sig.ID = ""
			}
			var e error
			inserted, e = m.InsertSignalIfAbsent(ctx, sig)
			return e
		})
	return inserted, err
}

func (g *Gateway) GetSignal(ctx context.Context, id string) (*Signal, error) {
	var out *Signal
	err := g.run("get_signal",
		func(s Store) error { var e error; out, e = s.GetSignal(ctx, id); return e },
		func(m *MemoryStore) error { var e error; out, e = m.GetSignal(ctx, id); return e })
	return out, err
}

func (g *Gateway) AdvanceSignalState(ctx context.Context, id string, from, to SignalState, update SignalUpdate) error {
	return g.run("advance_signal",
		func(s Store) error { return s.AdvanceSignalState(ctx, id, from, to, update) },
		func(m *MemoryStore) error { return m.AdvanceSignalState(ctx, id, from, to, update) })
}

func (g *Gateway) ListSignalsByState(ctx context.Context, states ...SignalState) ([]*Signal, error) {
	var out []*Signal
	err := g.run("list_signals",
		func(s Store) error { var e error; out, e = s.ListSignalsByState(ctx, states...); return e },
		func(m *MemoryStore) error { var e error; out, e = m.ListSignalsByState(ctx, states...); return e })
	return out, err
}

func (g *Gateway) DeleteFinishedSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := g.run("trim_signals",
		func(s Store) error { var e error; n, e = s.DeleteFinishedSignalsBefore(ctx, cutoff); return e },
		func(m *MemoryStore) error { var e error; n, e = m.DeleteFinishedSignalsBefore(ctx, cutoff); return e })
	return n, err
}

func (g *Gateway) RecordDecision(ctx context.Context, d *Decision, from, to SignalState, update SignalUpdate) error {
	return g.run("record_decision",
		func(s Store) error { return s.RecordDecision(ctx, d, from, to, update) },
		func(m *MemoryStore) error { return m.RecordDecision(ctx, d, from, to, update) })
}

func (g *Gateway) AppendDecision(ctx context.Context, d *Decision) error {
	return g.run("append_decision",
		func(s Store) error { return s.AppendDecision(ctx, d) },
		func(m *MemoryStore) error { return m.AppendDecision(ctx, d) })
}

func (g *Gateway) ListDecisions(ctx context.Context, signalID string) ([]*Decision, error) {
	var out []*Decision
	err := g.run("list_decisions",
		func(s Store) error { var e error; out, e = s.ListDecisions(ctx, signalID); return e },
		func(m *MemoryStore) error { var e error; out, e = m.ListDecisions(ctx, signalID); return e })
	return out, err
}

// UpsertPosition mints the position id on first insert the same way
// InsertSignalIfAbsent does; updates keep whatever id the row already has.
func (g *Gateway) UpsertPosition(ctx context.Context, p *Position) error {
	needsID := p.ID == ""
	return g.run("upsert_position",
		func(s Store) error {
			if needsID {
				p.ID = uuid.NewString()
			}
			return s.UpsertPosition(ctx, p)
		},
		func(m *MemoryStore) error {
			if needsID {
				p.ID = ""
			}
			return m.UpsertPosition(ctx, p)
		})
}

func (g *Gateway) GetPosition(ctx context.Context, id string) (*Position, error) {
	var out *Position
	err := g.run("get_position",
		func(s Store) error { var e error; out, e = s.GetPosition(ctx, id); return e },
		func(m *MemoryStore) error { var e error; out, e = m.GetPosition(ctx, id); return e })
	return out, err
}

func (g *Gateway) ListOpenPositions(ctx context.Context) ([]*Position, error) {
	var out []*Position
	err := g.run("list_positions",
		func(s Store) error { var e error; out, e = s.ListOpenPositions(ctx); return e },
		func(m *MemoryStore) error { var e error; out, e = m.ListOpenPositions(ctx); return e })
	return out, err
}

// RecordHeartbeat writes the liveness record to the primary and mirrors it
// to redis (30s TTL x2) when configured.
func (g *Gateway) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	if g.redis != nil {
		if payload, err := json.Marshal(hb); err == nil {
			if err := g.redis.Set(ctx, "engine:heartbeat:"+hb.MachineID, payload, time.Minute).Err(); err != nil {
				g.log.Debug().Err(err).Msg("redis heartbeat mirror failed")
			}
		}
	}
	return g.run("heartbeat",
		func(s Store) error { return s.RecordHeartbeat(ctx, hb) },
		func(m *MemoryStore) error { return m.RecordHeartbeat(ctx, hb) })
}

// Ping reports primary-store reachability (always healthy when running
// fallback-only by configuration).
func (g *Gateway) Ping(ctx context.Context) error {
	if g.primary == nil {
		return nil
	}
	return g.primary.Ping(ctx)
}

// Close releases the primary pool and the redis connection.
func (g *Gateway) Close() {
	if g.primary != nil {
		g.primary.Close()
	}
	if g.redis != nil {
		g.redis.Close()
	}
}
