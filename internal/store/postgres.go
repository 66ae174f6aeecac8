package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresStore is the durable Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgresStore connects to the database, configures the pool and runs
// migrations. It fails fast so boot can exit with a fatal init error when
// the store is unreachable.
func NewPostgresStore(ctx context.Context, dsn string, log zerolog.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, log: log.With().Str("component", "store").Logger()}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.log.Info().Msg("connected to postgres")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			id VARCHAR(64) PRIMARY KEY,
			owner VARCHAR(64),
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			filter_source TEXT NOT NULL,
			language VARCHAR(32) NOT NULL DEFAULT 'sandboxed-script',
			required_intervals JSONB NOT NULL,
			trigger_interval VARCHAR(8) NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			decision_budget INT NOT NULL DEFAULT 5,
			bar_history_limit INT NOT NULL DEFAULT 100,
			consecutive_errors INT NOT NULL DEFAULT 0,
			disabled_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id VARCHAR(64) PRIMARY KEY,
			strategy_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			candle_time BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			initial_price DECIMAL(20, 8) NOT NULL,
			matched_conditions JSONB NOT NULL DEFAULT '[]',
			state VARCHAR(16) NOT NULL DEFAULT 'new',
			decision_count INT NOT NULL DEFAULT 0,
			last_candle_time BIGINT NOT NULL DEFAULT 0,
			consecutive_errors INT NOT NULL DEFAULT 0,
			last_error TEXT,
			position_id VARCHAR(64),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_dedupe
			ON signals(strategy_id, symbol, candle_time)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_state ON signals(state)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id BIGSERIAL PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL,
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			candle_time BIGINT NOT NULL,
			kind VARCHAR(16) NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL DEFAULT 0.5,
			reasoning TEXT NOT NULL DEFAULT '',
			trade_plan JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_signal ON decisions(signal_id)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id VARCHAR(64) PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			take_profits JSONB NOT NULL DEFAULT '[]',
			trailing_stop_pct DECIMAL(10, 4),
			mode VARCHAR(8) NOT NULL,
			state VARCHAR(8) NOT NULL DEFAULT 'open',
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			unrealized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			high_water_mark DECIMAL(20, 8) NOT NULL DEFAULT 0,
			low_water_mark DECIMAL(20, 8) NOT NULL DEFAULT 0,
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ,
			exit_price DECIMAL(20, 8),
			close_reason VARCHAR(16)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state)`,
		`CREATE TABLE IF NOT EXISTS heartbeats (
			machine_id VARCHAR(64) PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			last_updates JSONB NOT NULL DEFAULT '{}'
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListEnabledStrategies(ctx context.Context) ([]*Strategy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner, enabled, filter_source, language, required_intervals,
		       trigger_interval, instructions, decision_budget, bar_history_limit,
		       consecutive_errors, disabled_reason, created_at, updated_at
		FROM strategies WHERE enabled = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()
	return scanStrategies(rows)
}

func (s *PostgresStore) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner, enabled, filter_source, language, required_intervals,
		       trigger_interval, instructions, decision_budget, bar_history_limit,
		       consecutive_errors, disabled_reason, created_at, updated_at
		FROM strategies WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy: %w", err)
	}
	defer rows.Close()

	strategies, err := scanStrategies(rows)
	if err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, ErrNotFound
	}
	return strategies[0], nil
}

func scanStrategies(rows pgx.Rows) ([]*Strategy, error) {
	var out []*Strategy
	for rows.Next() {
		var st Strategy
		var intervals []byte
		if err := rows.Scan(&st.ID, &st.Owner, &st.Enabled, &st.FilterSource, &st.Language,
			&intervals, &st.TriggerInterval, &st.Instructions, &st.DecisionBudget,
			&st.BarHistoryLimit, &st.ConsecutiveErrors, &st.DisabledReason,
			&st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		if err := json.Unmarshal(intervals, &st.RequiredIntervals); err != nil {
			return nil, fmt.Errorf("bad required_intervals for %s: %w", st.ID, err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveStrategy(ctx context.Context, st *Strategy) error {
	intervals, err := json.Marshal(st.RequiredIntervals)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO strategies (id, owner, enabled, filter_source, language, required_intervals,
		                        trigger_interval, instructions, decision_budget, bar_history_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner, enabled = EXCLUDED.enabled,
			filter_source = EXCLUDED.filter_source, language = EXCLUDED.language,
			required_intervals = EXCLUDED.required_intervals,
			trigger_interval = EXCLUDED.trigger_interval,
			instructions = EXCLUDED.instructions,
			decision_budget = EXCLUDED.decision_budget,
			bar_history_limit = EXCLUDED.bar_history_limit,
			updated_at = NOW()`,
		st.ID, st.Owner, st.Enabled, st.FilterSource, st.Language, intervals,
		st.TriggerInterval, st.Instructions, st.DecisionBudget, st.BarHistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to save strategy: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetStrategyEnabled(ctx context.Context, id string, enabled bool, reason *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE strategies SET enabled = $2, disabled_reason = $3, updated_at = NOW()
		WHERE id = $1`, id, enabled, reason)
	if err != nil {
		return fmt.Errorf("failed to update strategy status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSignalIfAbsent inserts a signal keyed on (strategy_id, symbol,
// candle_time). Returns false when a signal for that key already exists.
func (s *PostgresStore) InsertSignalIfAbsent(ctx context.Context, sig *Signal) (bool, error) {
	conditions, err := json.Marshal(sig.MatchedConditions)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO signals (id, strategy_id, symbol, candle_time, initial_price,
		                     matched_conditions, state, last_candle_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (strategy_id, symbol, candle_time) DO NOTHING`,
		sig.ID, sig.StrategyID, sig.Symbol, sig.CandleTime, sig.InitialPrice,
		conditions, string(sig.State), sig.LastCandleTime)
	if err != nil {
		return false, fmt.Errorf("failed to insert signal: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, strategy_id, symbol, candle_time, created_at, initial_price,
		       matched_conditions, state, decision_count, last_candle_time,
		       consecutive_errors, last_error, position_id, updated_at
		FROM signals WHERE id = $1`, id)

	sig, err := scanSignal(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return sig, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*Signal, error) {
	var sig Signal
	var conditions []byte
	if err := row.Scan(&sig.ID, &sig.StrategyID, &sig.Symbol, &sig.CandleTime,
		&sig.CreatedAt, &sig.InitialPrice, &conditions, &sig.State,
		&sig.DecisionCount, &sig.LastCandleTime, &sig.ConsecutiveErrors,
		&sig.LastError, &sig.PositionID, &sig.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &sig.MatchedConditions); err != nil {
		return nil, fmt.Errorf("bad matched_conditions for %s: %w", sig.ID, err)
	}
	return &sig, nil
}

// AdvanceSignalState performs an optimistic state transition: the update
// applies only when the signal is still in the from-state.
func (s *PostgresStore) AdvanceSignalState(ctx context.Context, id string, from, to SignalState, update SignalUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signals SET
			state = $3,
			decision_count = COALESCE($4, decision_count),
			last_candle_time = COALESCE($5, last_candle_time),
			consecutive_errors = COALESCE($6, consecutive_errors),
			last_error = COALESCE($7, last_error),
			position_id = COALESCE($8, position_id),
			updated_at = NOW()
		WHERE id = $1 AND state = $2`,
		id, string(from), string(to), update.DecisionCount, update.LastCandleTime,
		update.ConsecutiveErrors, update.LastError, update.PositionID)
	if err != nil {
		return fmt.Errorf("failed to advance signal state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (s *PostgresStore) ListSignalsByState(ctx context.Context, states ...SignalState) ([]*Signal, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, strategy_id, symbol, candle_time, created_at, initial_price,
		       matched_conditions, state, decision_count, last_candle_time,
		       consecutive_errors, last_error, position_id, updated_at
		FROM signals WHERE state = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteFinishedSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM signals
		WHERE state IN ('closed', 'expired') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to trim signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendDecision inserts an immutable decision row.
func (s *PostgresStore) AppendDecision(ctx context.Context, d *Decision) error {
	var plan []byte
	if d.TradePlan != nil {
		var err error
		if plan, err = json.Marshal(d.TradePlan); err != nil {
			return err
		}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO decisions (signal_id, ts, candle_time, kind, confidence, reasoning, trade_plan)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		d.SignalID, d.Timestamp, d.CandleTime, d.Kind, d.Confidence, d.Reasoning, plan)
	if err := row.Scan(&d.ID); err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return nil
}

// RecordDecision advances the signal state and appends the decision row in
// one transaction, so decision_count moves atomically with the insert.
func (s *PostgresStore) RecordDecision(ctx context.Context, d *Decision, from, to SignalState, update SignalUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin decision tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE signals SET
			state = $3,
			decision_count = COALESCE($4, decision_count),
			last_candle_time = COALESCE($5, last_candle_time),
			consecutive_errors = COALESCE($6, consecutive_errors),
			last_error = COALESCE($7, last_error),
			position_id = COALESCE($8, position_id),
			updated_at = NOW()
		WHERE id = $1 AND state = $2`,
		d.SignalID, string(from), string(to), update.DecisionCount, update.LastCandleTime,
		update.ConsecutiveErrors, update.LastError, update.PositionID)
	if err != nil {
		return fmt.Errorf("failed to advance signal state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}

	var plan []byte
	if d.TradePlan != nil {
		if plan, err = json.Marshal(d.TradePlan); err != nil {
			return err
		}
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO decisions (signal_id, ts, candle_time, kind, confidence, reasoning, trade_plan)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		d.SignalID, d.Timestamp, d.CandleTime, d.Kind, d.Confidence, d.Reasoning, plan)
	if err := row.Scan(&d.ID); err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListDecisions(ctx context.Context, signalID string) ([]*Decision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, signal_id, ts, candle_time, kind, confidence, reasoning, trade_plan
		FROM decisions WHERE signal_id = $1 ORDER BY id`, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		var d Decision
		var plan []byte
		if err := rows.Scan(&d.ID, &d.SignalID, &d.Timestamp, &d.CandleTime,
			&d.Kind, &d.Confidence, &d.Reasoning, &plan); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if len(plan) > 0 {
			d.TradePlan = &TradePlan{}
			if err := json.Unmarshal(plan, d.TradePlan); err != nil {
				return nil, fmt.Errorf("bad trade_plan for decision %d: %w", d.ID, err)
			}
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *Position) error {
	takeProfits, err := json.Marshal(p.TakeProfits)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO positions (id, signal_id, symbol, side, entry_price, quantity,
			stop_loss, take_profits, trailing_stop_pct, mode, state, realized_pnl,
			unrealized_pnl, high_water_mark, low_water_mark, opened_at, closed_at,
			exit_price, close_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			stop_loss = EXCLUDED.stop_loss,
			take_profits = EXCLUDED.take_profits,
			trailing_stop_pct = EXCLUDED.trailing_stop_pct,
			state = EXCLUDED.state,
			quantity = EXCLUDED.quantity,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			high_water_mark = EXCLUDED.high_water_mark,
			low_water_mark = EXCLUDED.low_water_mark,
			closed_at = EXCLUDED.closed_at,
			exit_price = EXCLUDED.exit_price,
			close_reason = EXCLUDED.close_reason`,
		p.ID, p.SignalID, p.Symbol, p.Side, p.EntryPrice, p.Quantity,
		p.StopLoss, takeProfits, p.TrailingStopPct, p.Mode, p.State, p.RealizedPnL,
		p.UnrealizedPnL, p.HighWaterMark, p.LowWaterMark, p.OpenedAt, p.ClosedAt,
		p.ExitPrice, p.CloseReason)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*Position, error) {
	rows, err := s.pool.Query(ctx, positionSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrNotFound
	}
	return positions[0], nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]*Position, error) {
	rows, err := s.pool.Query(ctx, positionSelect+` WHERE state = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

const positionSelect = `
	SELECT id, signal_id, symbol, side, entry_price, quantity, stop_loss,
	       take_profits, trailing_stop_pct, mode, state, realized_pnl,
	       unrealized_pnl, high_water_mark, low_water_mark, opened_at,
	       closed_at, exit_price, close_reason
	FROM positions`

func scanPositions(rows pgx.Rows) ([]*Position, error) {
	var out []*Position
	for rows.Next() {
		var p Position
		var takeProfits []byte
		if err := rows.Scan(&p.ID, &p.SignalID, &p.Symbol, &p.Side, &p.EntryPrice,
			&p.Quantity, &p.StopLoss, &takeProfits, &p.TrailingStopPct, &p.Mode,
			&p.State, &p.RealizedPnL, &p.UnrealizedPnL, &p.HighWaterMark,
			&p.LowWaterMark, &p.OpenedAt, &p.ClosedAt, &p.ExitPrice, &p.CloseReason); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if err := json.Unmarshal(takeProfits, &p.TakeProfits); err != nil {
			return nil, fmt.Errorf("bad take_profits for %s: %w", p.ID, err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	lastUpdates, err := json.Marshal(hb.LastUpdates)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO heartbeats (machine_id, ts, last_updates)
		VALUES ($1, $2, $3)
		ON CONFLICT (machine_id) DO UPDATE SET ts = EXCLUDED.ts, last_updates = EXCLUDED.last_updates`,
		hb.MachineID, hb.Timestamp, lastUpdates)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(pingCtx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
	s.log.Info().Msg("database connection closed")
}
