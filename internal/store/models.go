// Package store is the persistence gateway: durable strategies, signals,
// decisions and positions in Postgres with an in-process fallback that
// keeps the engine running when the database is unreachable.
package store

import "time"

// Strategy languages.
const (
	LanguageScript = "sandboxed-script"
	LanguageNative = "native"
)

// SignalState is the lifecycle state of a signal.
type SignalState string

const (
	StateNew          SignalState = "new"
	StateMonitoring   SignalState = "monitoring"
	StateReady        SignalState = "ready"
	StatePositionOpen SignalState = "position_open"
	StateClosed       SignalState = "closed"
	StateExpired      SignalState = "expired"
)

// Decision kinds returned by the oracle.
const (
	DecisionEnter    = "enter"
	DecisionContinue = "continue"
	DecisionAbandon  = "abandon"
	DecisionHold     = "hold"
	DecisionAdjustSL = "adjust_sl"
	DecisionAdjustTP = "adjust_tp"
	DecisionReduce   = "reduce"
	DecisionClose    = "close"
)

// Close reasons recorded on positions.
const (
	CloseReasonSL      = "sl"
	CloseReasonTP      = "tp"
	CloseReasonManual  = "manual"
	CloseReasonAIClose = "ai_close"
	CloseReasonFlip    = "flip"
)

// Position sides and modes.
const (
	SideLong  = "long"
	SideShort = "short"

	ModePaper = "paper"
	ModeLive  = "live"

	PositionOpen   = "open"
	PositionClosed = "closed"
)

// Strategy is the compiled evaluation unit.
type Strategy struct {
	ID                string    `json:"id"`
	Owner             *string   `json:"owner,omitempty"`
	Enabled           bool      `json:"enabled"`
	FilterSource      string    `json:"filter_source"`
	Language          string    `json:"language"`
	RequiredIntervals []string  `json:"required_intervals"`
	TriggerInterval   string    `json:"trigger_interval"`
	Instructions      string    `json:"strategy_instructions"`
	DecisionBudget    int       `json:"decision_budget"`
	BarHistoryLimit   int       `json:"bar_history_limit"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	DisabledReason    *string   `json:"disabled_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Signal is one strategy match for one symbol at one candle.
type Signal struct {
	ID                string      `json:"id"`
	StrategyID        string      `json:"strategy_id"`
	Symbol            string      `json:"symbol"`
	CandleTime        int64       `json:"candle_time"`
	CreatedAt         time.Time   `json:"created_at"`
	InitialPrice      float64     `json:"initial_price"`
	MatchedConditions []string    `json:"matched_conditions"`
	State             SignalState `json:"state"`
	DecisionCount     int         `json:"decision_count"`
	LastCandleTime    int64       `json:"last_candle_time"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastError         *string     `json:"last_error,omitempty"`
	PositionID        *string     `json:"position_id,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// TradePlan is the optional execution plan attached to a decision.
type TradePlan struct {
	Entry        float64   `json:"entry"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   []float64 `json:"take_profit"`
	PositionSize float64   `json:"position_size"`
}

// Decision is an immutable oracle verdict tied to a signal.
type Decision struct {
	ID         int64      `json:"id"`
	SignalID   string     `json:"signal_id"`
	Timestamp  time.Time  `json:"timestamp"`
	CandleTime int64      `json:"candle_time"`
	Kind       string     `json:"kind"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	TradePlan  *TradePlan `json:"trade_plan,omitempty"`
}

// Position is one executed trade, open or closed.
type Position struct {
	ID              string     `json:"id"`
	SignalID        string     `json:"signal_id"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	EntryPrice      float64    `json:"entry_price"`
	Quantity        float64    `json:"quantity"`
	StopLoss        float64    `json:"stop_loss"`
	TakeProfits     []float64  `json:"take_profit"`
	TrailingStopPct *float64   `json:"trailing_stop_pct,omitempty"`
	Mode            string     `json:"mode"`
	State           string     `json:"state"`
	RealizedPnL     float64    `json:"realized_pnl"`
	UnrealizedPnL   float64    `json:"unrealized_pnl"`
	HighWaterMark   float64    `json:"high_water_mark"`
	LowWaterMark    float64    `json:"low_water_mark"`
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	ExitPrice       *float64   `json:"exit_price,omitempty"`
	CloseReason     *string    `json:"close_reason,omitempty"`
}

// SideSign returns +1 for longs, -1 for shorts.
func (p *Position) SideSign() float64 {
	if p.Side == SideShort {
		return -1
	}
	return 1
}

// Heartbeat is the periodic liveness record written by the aggregator.
type Heartbeat struct {
	MachineID   string               `json:"machine_id"`
	Timestamp   time.Time            `json:"timestamp"`
	LastUpdates map[string]time.Time `json:"last_updates"`
}

// SignalUpdate carries the optional field changes of an AdvanceSignalState
// call. Nil fields are left untouched.
type SignalUpdate struct {
	DecisionCount     *int
	LastCandleTime    *int64
	ConsecutiveErrors *int
	LastError         *string
	PositionID        *string
}
