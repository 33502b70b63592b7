package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Rows, enums and wire shapes used across packages
// ═══════════════════════════════════════════════════════════════════════════════

// OrderStatus is the lifecycle state of an order row.
type OrderStatus string

const (
	OrderCreated         OrderStatus = "CREATED"
	OrderRiskChecking    OrderStatus = "RISK_CHECKING"
	OrderRiskApproved    OrderStatus = "RISK_APPROVED"
	OrderRiskRejected    OrderStatus = "RISK_REJECTED"
	OrderSending         OrderStatus = "SENDING"
	OrderAcknowledged    OrderStatus = "ACKNOWLEDGED"
	OrderPending         OrderStatus = "PENDING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderRiskRejected:
		return true
	}
	return false
}

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType mirrors the broker's order types.
type OrderType string

const (
	TypeMarket  OrderType = "MARKET"
	TypeLimit   OrderType = "LIMIT"
	TypeStop    OrderType = "SL"
	TypeStopMkt OrderType = "SL_M"
)

// KillReason explains why a session's kill switch tripped.
type KillReason string

const (
	KillManual        KillReason = "MANUAL"
	KillDailyLoss     KillReason = "DAILY_LOSS_BREACH"
	KillMarginBreach  KillReason = "MARGIN_BREACH"
	KillSystemError   KillReason = "SYSTEM_ERROR"
	KillReconcileFail KillReason = "RECONCILE_FAIL"
)

// ReconcileStatus is the run-level outcome on the session row.
type ReconcileStatus string

const (
	ReconcilePending  ReconcileStatus = "PENDING"
	ReconcileOK       ReconcileStatus = "OK"
	ReconcileMismatch ReconcileStatus = "MISMATCH"
	ReconcileFailed   ReconcileStatus = "FAILED"
)

// PositionReconcileStatus is the row-level outcome on a position.
type PositionReconcileStatus string

const (
	PositionPending   PositionReconcileStatus = "PENDING"
	PositionOK        PositionReconcileStatus = "OK"
	PositionMismatch  PositionReconcileStatus = "MISMATCH"
	PositionCorrected PositionReconcileStatus = "CORRECTED"
)

// StrategyStatus is the executor-owned lifecycle state of a strategy.
type StrategyStatus string

const (
	StrategyStopped  StrategyStatus = "stopped"
	StrategyStarting StrategyStatus = "starting"
	StrategyRunning  StrategyStatus = "running"
	StrategyPaused   StrategyStatus = "paused"
	StrategyStopping StrategyStatus = "stopping"
	StrategyError    StrategyStatus = "error"
)

// ControlIntent is an operator-requested transition pending executor ack.
type ControlIntent string

const (
	IntentNone   ControlIntent = ""
	IntentPause  ControlIntent = "pause"
	IntentResume ControlIntent = "resume"
	IntentStop   ControlIntent = "stop"
	IntentStart  ControlIntent = "start"
)

// Valid reports whether the intent is one of the four operator actions.
func (i ControlIntent) Valid() bool {
	switch i {
	case IntentPause, IntentResume, IntentStop, IntentStart:
		return true
	}
	return false
}

// BreakerState is a circuit breaker's persisted state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Service names guarded by circuit breakers.
const (
	ServiceBrokerOrders = "broker_orders"
	ServiceBrokerQuotes = "broker_quotes"
	ServiceBrokerFunds  = "broker_funds"
	ServiceBrokerWS     = "broker_ws"
)

// Tick is a single market-data update.
type Tick struct {
	Symbol string          `json:"symbol"`
	LTP    decimal.Decimal `json:"ltp"`
	Ts     time.Time       `json:"ts"`
	Volume int64           `json:"vol,omitempty"`
	OI     int64           `json:"oi,omitempty"`
}

// TradingSession is the one-row-per-day coordination record. The kill switch
// lives here, not in memory; every risk evaluation re-reads it.
type TradingSession struct {
	ID   string    `json:"id"`
	Date time.Time `json:"date"`

	IsKilled   bool       `json:"is_killed"`
	KillReason KillReason `json:"kill_reason,omitempty"`
	KillTime   *time.Time `json:"kill_time,omitempty"`
	KilledBy   string     `json:"killed_by,omitempty"`

	// Risk limits snapshotted at creation
	MaxDailyLoss     decimal.Decimal `json:"max_daily_loss"`
	MaxPositionSize  int             `json:"max_position_size"`
	MaxOpenPositions int             `json:"max_open_positions"`
	MaxMarginPct     float64         `json:"max_margin_pct"`
	MaxLotSize       int             `json:"max_lot_size"`

	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	TotalOrders    int             `json:"total_orders"`
	RejectedOrders int             `json:"rejected_orders"`

	ReconcileFailureCount int             `json:"reconcile_failure_count"`
	LastReconcileAt       *time.Time      `json:"last_reconcile_at,omitempty"`
	LastReconcileStatus   ReconcileStatus `json:"last_reconcile_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DayPnL is realized plus unrealized.
func (s *TradingSession) DayPnL() decimal.Decimal {
	return s.RealizedPnL.Add(s.UnrealizedPnL)
}

// StatusChange is one entry in an order's append-only status history.
type StatusChange struct {
	Status OrderStatus `json:"status"`
	Ts     time.Time   `json:"ts"`
	Actor  string      `json:"actor"`
	Reason string      `json:"reason,omitempty"`
}

// RiskSnapshot captures every value the risk engine checked at approval time.
// Persisted on the order row; immutable afterwards.
type RiskSnapshot struct {
	CheckedAt        time.Time       `json:"checked_at"`
	AvailableMargin  decimal.Decimal `json:"available_margin"`
	UsedMargin       decimal.Decimal `json:"used_margin"`
	MarginUtilPct    float64         `json:"margin_util_pct"`
	EstimatedMargin  decimal.Decimal `json:"estimated_margin"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	DayPnL           decimal.Decimal `json:"day_pnl"`
	OpenPositions    int             `json:"open_positions"`
	MaxDailyLoss     decimal.Decimal `json:"max_daily_loss"`
	MaxMarginPct     float64         `json:"max_margin_pct"`
	MaxOpenPositions int             `json:"max_open_positions"`
	MaxLotSize       int             `json:"max_lot_size"`
}

// Order is a single order row, unique on idempotency key and, once assigned,
// on broker order id.
type Order struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	IdempotencyKey string `json:"idempotency_key"`

	StrategyName  string          `json:"strategy_name,omitempty"`
	Symbol        string          `json:"symbol"`
	DisplaySymbol string          `json:"display_symbol,omitempty"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	ProductType   string          `json:"product_type"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"`
	Validity      string          `json:"validity"`

	Status        OrderStatus    `json:"status"`
	StatusHistory []StatusChange `json:"status_history"`

	BrokerOrderID    string          `json:"broker_order_id,omitempty"`
	FilledQty        int             `json:"filled_qty"`
	AvgFillPrice     decimal.Decimal `json:"avg_fill_price"`
	FilledAt         *time.Time      `json:"filled_at,omitempty"`
	RejectReason     string          `json:"reject_reason,omitempty"`
	BrokerRejectCode string          `json:"broker_reject_code,omitempty"`

	RiskSnapshot *RiskSnapshot `json:"risk_snapshot,omitempty"`
	SentAt       *time.Time    `json:"sent_at,omitempty"`
	AckedAt      *time.Time    `json:"acked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Position is the local view of net exposure per (session, symbol, product).
type Position struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Symbol      string `json:"symbol"`
	ProductType string `json:"product_type"`

	NetQty        int             `json:"net_qty"`
	BuyQty        int             `json:"buy_qty"`
	SellQty       int             `json:"sell_qty"`
	AvgBuyPrice   decimal.Decimal `json:"avg_buy_price"`
	AvgSellPrice  decimal.Decimal `json:"avg_sell_price"`
	LTP           decimal.Decimal `json:"ltp"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`

	BrokerQty        int                     `json:"broker_qty"`
	ReconcileStatus  PositionReconcileStatus `json:"reconcile_status"`
	LastReconciledAt *time.Time              `json:"last_reconciled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InstrumentSpec is a strategy's abstract target instrument, resolved to a
// tradeable symbol by the executor (e.g. the ATM option leg).
type InstrumentSpec struct {
	Type string `json:"type"` // "OPTION"
	Leg  string `json:"leg"`  // "CE" or "PE"
}

// StrategyMetrics is the enumerated keyset a strategy callback returns on
// every tick. Signal drives the executor's order path on change.
type StrategyMetrics struct {
	Signal        string          `json:"signal"`
	PnL           decimal.Decimal `json:"pnl"`
	OpenQty       int             `json:"open_qty"`
	AvgEntry      decimal.Decimal `json:"avg_entry"`
	LTP           decimal.Decimal `json:"ltp"`
	NetDelta      float64         `json:"delta"`
	DrawdownPct   float64         `json:"drawdown_pct"`
	RiskPct       float64         `json:"risk_pct"`
	Direction     string          `json:"direction"` // BULL, BEAR, NEUTRAL
	WinRate       float64         `json:"win_rate"`
	Trades        int             `json:"trades"`
	WinningTrades int             `json:"winning_trades"`
	Target        *InstrumentSpec `json:"target_instrument,omitempty"`
	LastTradeAt   *time.Time      `json:"last_trade_at,omitempty"`
}

// StrategyState is the durable row behind each registered strategy. Exactly
// one row per name; the executor owns status and intent clearing.
type StrategyState struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	StrategyType string `json:"strategy_type"`

	Status        StrategyStatus `json:"status"`
	ControlIntent ControlIntent  `json:"control_intent,omitempty"`
	IntentSetAt   *time.Time     `json:"intent_set_at,omitempty"`
	IntentAckedAt *time.Time     `json:"intent_acked_at,omitempty"`
	IntentActor   string         `json:"intent_actor,omitempty"`

	PnL              decimal.Decimal `json:"pnl"`
	AllocatedCapital decimal.Decimal `json:"allocated_capital"`
	OpenQty          int             `json:"open_qty"`
	AvgEntry         decimal.Decimal `json:"avg_entry"`
	LTP              decimal.Decimal `json:"ltp"`
	WinRate          float64         `json:"win_rate"`
	TotalTrades      int             `json:"total_trades"`
	WinningTrades    int             `json:"winning_trades"`

	NetDelta       float64 `json:"net_delta"`
	DrawdownPct    float64 `json:"drawdown_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	RiskPct        float64 `json:"risk_pct"`
	Direction      string  `json:"direction"`
	CurrentSignal  string  `json:"current_signal"`

	ErrorMessage string     `json:"error_message,omitempty"`
	ErrorTrace   string     `json:"error_trace,omitempty"`
	ErrorCount   int        `json:"error_count"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
	LastGoodAt   *time.Time `json:"last_good_at,omitempty"`
	RestartCount int        `json:"restart_count"`
	AutoRestart  bool       `json:"auto_restart"`

	LastTradeAt *time.Time `json:"last_trade_at,omitempty"`
	LastTickAt  *time.Time `json:"last_tick_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ControlLogEntry is one append-only control action record.
type ControlLogEntry struct {
	ID           int64      `json:"id"`
	StrategyName string     `json:"strategy_name"`
	Action       string     `json:"action"`
	Actor        string     `json:"actor"`
	IP           string     `json:"ip,omitempty"`
	FromStatus   string     `json:"from_status"`
	ToStatus     string     `json:"to_status"`
	AckedAt      *time.Time `json:"acked_at,omitempty"`
	AckLatencyMs *int64     `json:"ack_latency_ms,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CircuitState is the persisted breaker row for one service.
type CircuitState struct {
	Service       string       `json:"service"`
	State         BreakerState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	SuccessCount  int          `json:"success_count"`
	LastFailureAt *time.Time   `json:"last_failure_at,omitempty"`
	OpenedAt      *time.Time   `json:"opened_at,omitempty"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// FeedHeartbeat is the durable fallback for feed liveness.
type FeedHeartbeat struct {
	FeedName    string     `json:"feed_name"`
	LastTickAt  *time.Time `json:"last_tick_at,omitempty"`
	SymbolCount int        `json:"symbol_count"`
	IsConnected bool       `json:"is_connected"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ReconMismatch records one divergence found during a reconciliation run.
type ReconMismatch struct {
	Kind    string `json:"kind"` // "position" or "order"
	Symbol  string `json:"symbol,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	Local   string `json:"local"`
	Broker  string `json:"broker"`
}

// ReconCorrection records one correction applied during a reconciliation run.
type ReconCorrection struct {
	Kind    string `json:"kind"`
	Symbol  string `json:"symbol,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	Action  string `json:"action"`
}

// ReconciliationLog is the append-only record of one reconciliation cycle.
type ReconciliationLog struct {
	ID               int64             `json:"id"`
	RunAt            time.Time         `json:"run_at"`
	Status           ReconcileStatus   `json:"status"`
	OrdersChecked    int               `json:"orders_checked"`
	PositionsChecked int               `json:"positions_checked"`
	Mismatches       []ReconMismatch   `json:"mismatches,omitempty"`
	Corrections      []ReconCorrection `json:"corrections,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	DurationMs       int64             `json:"duration_ms"`
}

// AuditEvent is one append-only audit record. Writes are best-effort: a
// failed audit insert never aborts the decision it accompanies.
type AuditEvent struct {
	ID         int64          `json:"id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor"`
	IP         string         `json:"ip,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ResourceSample is one process-health measurement.
type ResourceSample struct {
	RecordedAt time.Time `json:"recorded_at"`

	RSSMb      float64  `json:"rss_mb"`
	VMSMb      float64  `json:"vms_mb"`
	RSSDeltaMb *float64 `json:"rss_delta_mb,omitempty"`

	CPUPct    float64 `json:"cpu_pct"`
	CPUSysPct float64 `json:"cpu_sys_pct"`

	PoolInUse int `json:"pool_in_use"`
	PoolOpen  int `json:"pool_open"`
	PoolIdle  int `json:"pool_idle"`

	OpenFDs    int `json:"open_fds"`
	Goroutines int `json:"goroutines"`

	RSSLeakFlag bool `json:"rss_leak_flag"`
	FDLeakFlag  bool `json:"fd_leak_flag"`

	RunningStrategies int     `json:"running_strategies"`
	TickRateHz        float64 `json:"tick_rate_hz"`
}

// ResourceAlert is a threshold breach fired by the resource monitor.
type ResourceAlert struct {
	ID         int64      `json:"id"`
	AlertedAt  time.Time  `json:"alerted_at"`
	AlertType  string     `json:"alert_type"`
	MetricName string     `json:"metric_name"`
	CurrentVal float64    `json:"current_val"`
	Threshold  float64    `json:"threshold"`
	Message    string     `json:"message"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
