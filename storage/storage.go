package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DURABLE STORE - The single coordination plane
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every cross-process decision flows through here: kill switch, idempotency,
// control intents, breaker state. Two implementations:
//   - Postgres: production. Advisory locks, FOR UPDATE, append-only triggers.
//   - Memory:   tests and dry runs. Single process only.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateOrder is returned when an insert violates the idempotency
	// key or broker order id uniqueness.
	ErrDuplicateOrder = errors.New("storage: duplicate order")
)

// Default lock acquisition deadlines.
const (
	RiskLockTimeout     = 5000 * time.Millisecond
	PositionLockTimeout = 3000 * time.Millisecond
)

// SessionLimits is the risk-limit snapshot written onto a new session row.
type SessionLimits struct {
	MaxDailyLoss     decimal.Decimal
	MaxPositionSize  int
	MaxOpenPositions int
	MaxMarginPct     float64
	MaxLotSize       int
}

// AckOptions tunes the side effects applied when an intent is acknowledged.
type AckOptions struct {
	SetStartedAt       bool // start/resume: stamp started_at
	ClearError         bool // start: wipe error_message/error_trace
	DisableAutoRestart bool // stop: the operator said stop, stay stopped
}

// Tx is the transactional view handed to lock-scoped callbacks. All reads
// see the latest committed state; all writes commit or roll back together
// with the lock release.
type Tx interface {
	// SessionForUpdate row-locks and returns the session. Fresh read by
	// construction: FOR UPDATE waits out any concurrent writer.
	SessionForUpdate(ctx context.Context, sessionID string) (*types.TradingSession, error)

	// OrderKeyExists reports whether an order with the idempotency key exists.
	OrderKeyExists(ctx context.Context, idempotencyKey string) (bool, error)

	// OpenPositionCount counts positions with net_qty != 0 for the session.
	OpenPositionCount(ctx context.Context, sessionID string) (int, error)

	// SessionKilled is a bare re-read of is_killed.
	SessionKilled(ctx context.Context, sessionID string) (bool, error)

	// TriggerKillSwitch conditionally activates the kill switch. Returns
	// false when it was already active (first reason wins).
	TriggerKillSwitch(ctx context.Context, sessionID string, reason types.KillReason, killedBy, note string) (bool, error)

	// PositionForUpdate row-locks a position; ErrNotFound when absent.
	PositionForUpdate(ctx context.Context, sessionID, symbol, productType string) (*types.Position, error)

	// UpsertPosition inserts or fully updates a position row.
	UpsertPosition(ctx context.Context, p *types.Position) error

	// AppendAudit writes an audit event inside the transaction.
	AppendAudit(ctx context.Context, ev *types.AuditEvent) error
}

// Store is the durable store contract consumed by every component.
type Store interface {
	// ── Lock scopes ────────────────────────────────────────────────────────
	// fn runs with the advisory lock held; the lock releases at commit or
	// rollback. acquired=false means the lock was contended past timeout
	// and fn never ran.
	WithRiskLock(ctx context.Context, sessionID string, timeout time.Duration, fn func(Tx) error) (acquired bool, err error)
	WithPositionLock(ctx context.Context, sessionID, symbol string, timeout time.Duration, fn func(Tx) error) (acquired bool, err error)

	// ── Sessions ───────────────────────────────────────────────────────────
	GetOrCreateSession(ctx context.Context, date time.Time, limits SessionLimits) (*types.TradingSession, error)
	GetSessionByDate(ctx context.Context, date time.Time) (*types.TradingSession, error)
	TriggerKillSwitch(ctx context.Context, sessionID string, reason types.KillReason, killedBy, note string) (bool, error)
	DeactivateKillSwitch(ctx context.Context, sessionID, actor string) error
	AddRealizedPnL(ctx context.Context, sessionID string, delta decimal.Decimal) (*types.TradingSession, error)
	IncrementOrderCounts(ctx context.Context, sessionID string, rejected bool) error
	IncrementReconcileFailures(ctx context.Context, sessionID string) (int, error)
	ResetReconcileFailures(ctx context.Context, sessionID string) error
	SetSessionReconcileResult(ctx context.Context, sessionID string, status types.ReconcileStatus, at time.Time, unrealized decimal.Decimal) error

	// ── Orders ─────────────────────────────────────────────────────────────
	InsertOrder(ctx context.Context, o *types.Order) error
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	GetOrderByKey(ctx context.Context, idempotencyKey string) (*types.Order, error)
	ActiveOrders(ctx context.Context, sessionID string) ([]*types.Order, error)
	RecentOrders(ctx context.Context, sessionID string, limit int) ([]*types.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus, actor, reason string) error
	MarkOrderSent(ctx context.Context, id string, at time.Time) error
	MarkOrderAcked(ctx context.Context, id, brokerOrderID string, at time.Time) error
	MarkOrderRejected(ctx context.Context, id, reason, brokerCode, actor string) error
	ApplyOrderFill(ctx context.Context, id string, filledQty int, avgPrice decimal.Decimal, actor string, at time.Time) error

	// ── Positions ──────────────────────────────────────────────────────────
	ListPositions(ctx context.Context, sessionID string) ([]*types.Position, error)
	MarkPositionChecked(ctx context.Context, id string, brokerQty int, ltp, unrealized decimal.Decimal, at time.Time) error
	CorrectPositionQty(ctx context.Context, id string, brokerQty int, at time.Time) error

	// ── Strategy states ────────────────────────────────────────────────────
	EnsureStrategyState(ctx context.Context, name, symbol, strategyType string) (*types.StrategyState, error)
	GetStrategyState(ctx context.Context, name string) (*types.StrategyState, error)
	ListStrategyStates(ctx context.Context) ([]*types.StrategyState, error)
	PendingIntents(ctx context.Context) ([]*types.StrategyState, error)
	SetIntent(ctx context.Context, name string, intent types.ControlIntent, actor string, at time.Time) (bool, error)
	AckIntent(ctx context.Context, name string, to types.StrategyStatus, at time.Time, opts AckOptions) error
	UpdateStrategyMetrics(ctx context.Context, name string, m *types.StrategyMetrics, at time.Time) error
	RecordStrategyError(ctx context.Context, name, message, trace string, at time.Time) (int, error)
	MarkStrategyRestarted(ctx context.Context, name string, at time.Time) (bool, error)
	DisableAutoRestart(ctx context.Context, name string) error
	CountRunningStrategies(ctx context.Context) (int, error)

	// ── Control log ────────────────────────────────────────────────────────
	AppendControlLog(ctx context.Context, e *types.ControlLogEntry) (int64, error)
	FillControlLogAck(ctx context.Context, id int64, ackedAt time.Time, latencyMs int64) error

	// ── Circuit breakers ───────────────────────────────────────────────────
	GetOrCreateCircuit(ctx context.Context, service string) (*types.CircuitState, error)
	SaveCircuit(ctx context.Context, s *types.CircuitState) error
	ListCircuits(ctx context.Context) ([]*types.CircuitState, error)

	// ── Feed heartbeat ─────────────────────────────────────────────────────
	TouchFeedHeartbeat(ctx context.Context, feed string, at time.Time, connected bool, symbolCount int) error
	SetFeedConnected(ctx context.Context, feed string, connected bool) error
	GetFeedHeartbeat(ctx context.Context, feed string) (*types.FeedHeartbeat, error)

	// ── Reconciliation log ─────────────────────────────────────────────────
	AppendReconciliationLog(ctx context.Context, l *types.ReconciliationLog) error

	// ── Audit ──────────────────────────────────────────────────────────────
	AppendAudit(ctx context.Context, ev *types.AuditEvent) error

	// ── Resource telemetry ─────────────────────────────────────────────────
	InsertResourceSample(ctx context.Context, s *types.ResourceSample) error
	PruneResourceSamples(ctx context.Context, before time.Time) (int64, error)
	RecentResourceSamples(ctx context.Context, since time.Time, limit int) ([]*types.ResourceSample, error)
	InsertResourceAlert(ctx context.Context, a *types.ResourceAlert) (int64, error)
	ResolveResourceAlert(ctx context.Context, id int64, at time.Time) error
	OpenResourceAlerts(ctx context.Context) ([]*types.ResourceAlert, error)

	// PoolStats exposes connection pool gauges for the resource monitor.
	PoolStats() (inUse, open, idle int)

	Close() error
}

// ─────────────────────────────────────────────────────────────
// Advisory lock keys
// ─────────────────────────────────────────────────────────────

// Namespace prefix so our keys cannot collide with other advisory-lock users
// on the same database. "ZENALGO" in hex.
const advisoryNamespace = 0x5A454E414C474F

// riskLockKey derives the per-session advisory key: first 8 bytes of
// SHA-256("namespace:session_id") as a signed big-endian int64.
func riskLockKey(sessionID string) int64 {
	return lockKey(sessionID)
}

// positionLockKey serializes per (session, symbol) so different symbols can
// update concurrently.
func positionLockKey(sessionID, symbol string) int64 {
	return lockKey(sessionID + ":" + symbol)
}

func lockKey(id string) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", advisoryNamespace, id)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
