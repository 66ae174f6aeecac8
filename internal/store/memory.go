package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process fallback used when the durable store is
// unreachable. Ids it mints carry a "local-" prefix so records can be
// recognized (and reconciled) later.
type MemoryStore struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
	signals    map[string]*Signal
	signalKeys map[string]string // "strategyID:symbol:candleTime" -> signal id
	decisions  map[string][]*Decision
	positions  map[string]*Position
	nextDecID  int64
	heartbeat  *Heartbeat
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies: make(map[string]*Strategy),
		signals:    make(map[string]*Signal),
		signalKeys: make(map[string]string),
		decisions:  make(map[string][]*Decision),
		positions:  make(map[string]*Position),
	}
}

// LocalID mints a fallback-scoped identifier.
func LocalID() string {
	return "local-" + uuid.NewString()
}

func signalKey(strategyID, symbol string, candleTime int64) string {
	return strategyID + ":" + symbol + ":" + time.UnixMilli(candleTime).UTC().Format(time.RFC3339Nano)
}

func (m *MemoryStore) ListEnabledStrategies(ctx context.Context) ([]*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		if s.Enabled {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SaveStrategy(ctx context.Context, s *Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = LocalID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = time.Now()
	cp := *s
	m.strategies[s.ID] = &cp
	return nil
}

func (m *MemoryStore) SetStrategyEnabled(ctx context.Context, id string, enabled bool, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return ErrNotFound
	}
	s.Enabled = enabled
	s.DisabledReason = reason
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) InsertSignalIfAbsent(ctx context.Context, s *Signal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := signalKey(s.StrategyID, s.Symbol, s.CandleTime)
	if _, exists := m.signalKeys[key]; exists {
		return false, nil
	}

	if s.ID == "" {
		s.ID = LocalID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = time.Now()
	cp := *s
	m.signals[s.ID] = &cp
	m.signalKeys[key] = s.ID
	return true, nil
}

func (m *MemoryStore) GetSignal(ctx context.Context, id string) (*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) AdvanceSignalState(ctx context.Context, id string, from, to SignalState, update SignalUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signals[id]
	if !ok {
		return ErrNotFound
	}
	if s.State != from {
		return ErrStaleState
	}

	s.State = to
	applySignalUpdate(s, update)
	s.UpdatedAt = time.Now()
	return nil
}

func applySignalUpdate(s *Signal, update SignalUpdate) {
	if update.DecisionCount != nil {
		s.DecisionCount = *update.DecisionCount
	}
	if update.LastCandleTime != nil {
		s.LastCandleTime = *update.LastCandleTime
	}
	if update.ConsecutiveErrors != nil {
		s.ConsecutiveErrors = *update.ConsecutiveErrors
	}
	if update.LastError != nil {
		s.LastError = update.LastError
	}
	if update.PositionID != nil {
		s.PositionID = update.PositionID
	}
}

func (m *MemoryStore) ListSignalsByState(ctx context.Context, states ...SignalState) ([]*Signal, error) {
	wanted := make(map[SignalState]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Signal, 0)
	for _, s := range m.signals {
		if wanted[s.State] {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteFinishedSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, s := range m.signals {
		if (s.State == StateClosed || s.State == StateExpired) && s.UpdatedAt.Before(cutoff) {
			delete(m.signals, id)
			delete(m.signalKeys, signalKey(s.StrategyID, s.Symbol, s.CandleTime))
			delete(m.decisions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) AppendDecision(ctx context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDecID++
	d.ID = m.nextDecID
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	cp := *d
	m.decisions[d.SignalID] = append(m.decisions[d.SignalID], &cp)
	return nil
}

// RecordDecision performs the state advance and the decision append under
// one lock hold; a refused transition leaves nothing behind.
func (m *MemoryStore) RecordDecision(ctx context.Context, d *Decision, from, to SignalState, update SignalUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signals[d.SignalID]
	if !ok {
		return ErrNotFound
	}
	if s.State != from {
		return ErrStaleState
	}

	s.State = to
	applySignalUpdate(s, update)
	s.UpdatedAt = time.Now()

	m.nextDecID++
	d.ID = m.nextDecID
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	cp := *d
	m.decisions[d.SignalID] = append(m.decisions[d.SignalID], &cp)
	return nil
}

func (m *MemoryStore) ListDecisions(ctx context.Context, signalID string) ([]*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.decisions[signalID]
	out := make([]*Decision, len(src))
	for i, d := range src {
		cp := *d
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) UpsertPosition(ctx context.Context, p *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = LocalID()
	}
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPosition(ctx context.Context, id string) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListOpenPositions(ctx context.Context) ([]*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Position, 0)
	for _, p := range m.positions {
		if p.State == PositionOpen {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *hb
	m.heartbeat = &cp
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() {}
