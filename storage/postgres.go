package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSTGRES STORE - Production coordination plane
// ═══════════════════════════════════════════════════════════════════════════════
//
// All serialization primitives live in the database so they hold across
// processes: pg_try_advisory_xact_lock for the risk path, FOR UPDATE on the
// session row, unique indexes for idempotency, triggers for append-only logs.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens the connection pool, verifies connectivity and applies
// the schema.
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Msg("💾 Postgres store connected")
	return p, nil
}

func (p *Postgres) migrate() error {
	_, err := p.db.Exec(schema)
	return err
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// PoolStats exposes connection pool gauges for the resource monitor.
func (p *Postgres) PoolStats() (inUse, open, idle int) {
	s := p.db.Stats()
	return s.InUse, s.OpenConnections, s.Idle
}

// IsLockTimeout reports whether err is Postgres giving up on a row lock
// within the SET LOCAL lock_timeout window (SQLSTATE 55P03).
func IsLockTimeout(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "55P03"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// queryer is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// the same statement helpers serve both paths.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ─────────────────────────────────────────────────────────────
// Lock scopes
// ─────────────────────────────────────────────────────────────

func (p *Postgres) WithRiskLock(ctx context.Context, sessionID string, timeout time.Duration, fn func(Tx) error) (bool, error) {
	return p.withAdvisoryLock(ctx, riskLockKey(sessionID), timeout, fn)
}

func (p *Postgres) WithPositionLock(ctx context.Context, sessionID, symbol string, timeout time.Duration, fn func(Tx) error) (bool, error) {
	return p.withAdvisoryLock(ctx, positionLockKey(sessionID, symbol), timeout, fn)
}

// withAdvisoryLock runs fn inside a transaction holding the advisory key.
// The try-lock returns immediately on contention; lock_timeout additionally
// bounds any FOR UPDATE waits inside fn. The xact lock releases itself at
// commit or rollback, there is no manual unlock.
func (p *Postgres) withAdvisoryLock(ctx context.Context, key int64, timeout time.Duration, fn func(Tx) error) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
		return false, fmt.Errorf("set lock_timeout: %w", err)
	}

	var acquired bool
	if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		log.Warn().Int64("key", key).Msg("⏳ Advisory lock contended, rejecting")
		return false, nil
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return true, err
	}
	if err := tx.Commit(); err != nil {
		return true, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// pgTx is the transactional view handed to lock callbacks.
type pgTx struct {
	tx *sql.Tx
}

var _ Tx = (*pgTx)(nil)

func (t *pgTx) SessionForUpdate(ctx context.Context, sessionID string) (*types.TradingSession, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+sessionCols+`
		FROM trading_sessions WHERE id = $1
		FOR UPDATE
	`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (t *pgTx) OrderKeyExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM orders WHERE idempotency_key = $1)",
		idempotencyKey).Scan(&exists)
	return exists, err
}

func (t *pgTx) OpenPositionCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM positions WHERE session_id = $1 AND net_qty != 0",
		sessionID).Scan(&n)
	return n, err
}

func (t *pgTx) SessionKilled(ctx context.Context, sessionID string) (bool, error) {
	var killed bool
	err := t.tx.QueryRowContext(ctx,
		"SELECT is_killed FROM trading_sessions WHERE id = $1", sessionID).Scan(&killed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return killed, err
}

func (t *pgTx) TriggerKillSwitch(ctx context.Context, sessionID string, reason types.KillReason, killedBy, note string) (bool, error) {
	return triggerKillSwitch(ctx, t.tx, sessionID, reason, killedBy, note)
}

func (t *pgTx) PositionForUpdate(ctx context.Context, sessionID, symbol, productType string) (*types.Position, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+positionCols+`
		FROM positions WHERE session_id = $1 AND symbol = $2 AND product_type = $3
		FOR UPDATE
	`, sessionID, symbol, productType)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return pos, err
}

func (t *pgTx) UpsertPosition(ctx context.Context, pos *types.Position) error {
	return upsertPosition(ctx, t.tx, pos)
}

func (t *pgTx) AppendAudit(ctx context.Context, ev *types.AuditEvent) error {
	return appendAudit(ctx, t.tx, ev)
}

// ─────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────

const sessionCols = `id, session_date, is_killed, COALESCE(kill_reason, ''), kill_time,
	COALESCE(killed_by, ''), max_daily_loss, max_position_size, max_open_positions,
	max_margin_pct, max_lot_size, realized_pnl, unrealized_pnl, total_orders,
	rejected_orders, reconcile_failure_count, last_reconcile_at, last_reconcile_status,
	created_at, updated_at`

func scanSession(r rowScanner) (*types.TradingSession, error) {
	s := &types.TradingSession{}
	var killTime, lastRecon sql.NullTime
	err := r.Scan(
		&s.ID, &s.Date, &s.IsKilled, &s.KillReason, &killTime,
		&s.KilledBy, &s.MaxDailyLoss, &s.MaxPositionSize, &s.MaxOpenPositions,
		&s.MaxMarginPct, &s.MaxLotSize, &s.RealizedPnL, &s.UnrealizedPnL, &s.TotalOrders,
		&s.RejectedOrders, &s.ReconcileFailureCount, &lastRecon, &s.LastReconcileStatus,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.KillTime = timePtr(killTime)
	s.LastReconcileAt = timePtr(lastRecon)
	return s, nil
}

func (p *Postgres) GetOrCreateSession(ctx context.Context, date time.Time, limits SessionLimits) (*types.TradingSession, error) {
	day := date.Format("2006-01-02")
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trading_sessions
			(id, session_date, max_daily_loss, max_position_size, max_open_positions, max_margin_pct, max_lot_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_date) DO NOTHING
	`, uuid.NewString(), day, limits.MaxDailyLoss, limits.MaxPositionSize,
		limits.MaxOpenPositions, limits.MaxMarginPct, limits.MaxLotSize)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return p.GetSessionByDate(ctx, date)
}

func (p *Postgres) GetSessionByDate(ctx context.Context, date time.Time) (*types.TradingSession, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+`
		FROM trading_sessions WHERE session_date = $1
	`, date.Format("2006-01-02"))
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// triggerKillSwitch flips the switch only if it is not already active, so the
// first reason wins and the audit trail records exactly one trigger event.
func triggerKillSwitch(ctx context.Context, q queryer, sessionID string, reason types.KillReason, killedBy, note string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE trading_sessions
		SET is_killed = TRUE, kill_reason = $2, kill_time = NOW(), killed_by = $3
		WHERE id = $1 AND is_killed = FALSE
	`, sessionID, reason, killedBy)
	if err != nil {
		return false, fmt.Errorf("trigger kill switch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	payload := map[string]any{"reason": string(reason)}
	if note != "" {
		payload["note"] = note
	}
	if err := appendAudit(ctx, q, &types.AuditEvent{
		EventType:  "KILL_SWITCH_TRIGGERED",
		EntityType: "trading_session",
		EntityID:   sessionID,
		Actor:      killedBy,
		Payload:    payload,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to audit kill switch trigger")
	}
	return true, nil
}

func (p *Postgres) TriggerKillSwitch(ctx context.Context, sessionID string, reason types.KillReason, killedBy, note string) (bool, error) {
	return triggerKillSwitch(ctx, p.db, sessionID, reason, killedBy, note)
}

func (p *Postgres) DeactivateKillSwitch(ctx context.Context, sessionID, actor string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE trading_sessions
		SET is_killed = FALSE, kill_reason = NULL, kill_time = NULL, killed_by = NULL
		WHERE id = $1 AND is_killed = TRUE
	`, sessionID)
	if err != nil {
		return fmt.Errorf("deactivate kill switch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if err := appendAudit(ctx, p.db, &types.AuditEvent{
		EventType:  "KILL_SWITCH_DEACTIVATED",
		EntityType: "trading_session",
		EntityID:   sessionID,
		Actor:      actor,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to audit kill switch deactivation")
	}
	return nil
}

func (p *Postgres) AddRealizedPnL(ctx context.Context, sessionID string, delta decimal.Decimal) (*types.TradingSession, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE trading_sessions
		SET realized_pnl = realized_pnl + $2
		WHERE id = $1
		RETURNING `+sessionCols+`
	`, sessionID, delta)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *Postgres) IncrementOrderCounts(ctx context.Context, sessionID string, rejected bool) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE trading_sessions
		SET total_orders = total_orders + 1,
		    rejected_orders = rejected_orders + CASE WHEN $2 THEN 1 ELSE 0 END
		WHERE id = $1
	`, sessionID, rejected)
	return err
}

func (p *Postgres) IncrementReconcileFailures(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		UPDATE trading_sessions
		SET reconcile_failure_count = reconcile_failure_count + 1
		WHERE id = $1
		RETURNING reconcile_failure_count
	`, sessionID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

func (p *Postgres) ResetReconcileFailures(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE trading_sessions SET reconcile_failure_count = 0 WHERE id = $1
	`, sessionID)
	return err
}

func (p *Postgres) SetSessionReconcileResult(ctx context.Context, sessionID string, status types.ReconcileStatus, at time.Time, unrealized decimal.Decimal) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE trading_sessions
		SET last_reconcile_status = $2, last_reconcile_at = $3, unrealized_pnl = $4
		WHERE id = $1
	`, sessionID, status, at, unrealized)
	return err
}

// ─────────────────────────────────────────────────────────────
// Orders
// ─────────────────────────────────────────────────────────────

const orderCols = `id, session_id, idempotency_key, COALESCE(strategy_name, ''), symbol,
	COALESCE(display_symbol, ''), side, order_type, product_type, quantity, price,
	trigger_price, validity, status, status_history, COALESCE(broker_order_id, ''),
	filled_qty, avg_fill_price, filled_at, COALESCE(reject_reason, ''),
	COALESCE(broker_reject_code, ''), risk_snapshot, sent_at, acked_at, created_at, updated_at`

func scanOrder(r rowScanner) (*types.Order, error) {
	o := &types.Order{}
	var history, snapshot []byte
	var filledAt, sentAt, ackedAt sql.NullTime
	err := r.Scan(
		&o.ID, &o.SessionID, &o.IdempotencyKey, &o.StrategyName, &o.Symbol,
		&o.DisplaySymbol, &o.Side, &o.Type, &o.ProductType, &o.Quantity, &o.Price,
		&o.TriggerPrice, &o.Validity, &o.Status, &history, &o.BrokerOrderID,
		&o.FilledQty, &o.AvgFillPrice, &filledAt, &o.RejectReason,
		&o.BrokerRejectCode, &snapshot, &sentAt, &ackedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &o.StatusHistory); err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Msg("Corrupt status history")
		}
	}
	if len(snapshot) > 0 {
		o.RiskSnapshot = &types.RiskSnapshot{}
		if err := json.Unmarshal(snapshot, o.RiskSnapshot); err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Msg("Corrupt risk snapshot")
			o.RiskSnapshot = nil
		}
	}
	o.FilledAt = timePtr(filledAt)
	o.SentAt = timePtr(sentAt)
	o.AckedAt = timePtr(ackedAt)
	return o, nil
}

func (p *Postgres) InsertOrder(ctx context.Context, o *types.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	history, err := json.Marshal(o.StatusHistory)
	if err != nil {
		return fmt.Errorf("marshal status history: %w", err)
	}
	var snapshot []byte
	if o.RiskSnapshot != nil {
		if snapshot, err = json.Marshal(o.RiskSnapshot); err != nil {
			return fmt.Errorf("marshal risk snapshot: %w", err)
		}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, session_id, idempotency_key, strategy_name, symbol, display_symbol,
			 side, order_type, product_type, quantity, price, trigger_price, validity,
			 status, status_history, broker_order_id, filled_qty, avg_fill_price,
			 reject_reason, broker_reject_code, risk_snapshot, sent_at, acked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`, o.ID, o.SessionID, o.IdempotencyKey, nullStr(o.StrategyName), o.Symbol,
		nullStr(o.DisplaySymbol), o.Side, o.Type, o.ProductType, o.Quantity, o.Price,
		o.TriggerPrice, o.Validity, o.Status, jsonOrEmptyArray(history),
		nullStr(o.BrokerOrderID), o.FilledQty, o.AvgFillPrice,
		nullStr(o.RejectReason), nullStr(o.BrokerRejectCode), snapshot,
		timeVal(o.SentAt), timeVal(o.AckedAt))
	if isUniqueViolation(err) {
		return ErrDuplicateOrder
	}
	return err
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *Postgres) GetOrderByKey(ctx context.Context, idempotencyKey string) (*types.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE idempotency_key = $1`, idempotencyKey)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *Postgres) ActiveOrders(ctx context.Context, sessionID string) ([]*types.Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderCols+`
		FROM orders
		WHERE session_id = $1
		  AND status NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'EXPIRED', 'RISK_REJECTED')
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan order row")
			continue
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *Postgres) RecentOrders(ctx context.Context, sessionID string, limit int) ([]*types.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderCols+`
		FROM orders
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan order row")
			continue
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *Postgres) UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus, actor, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, status_history = status_history || $3::jsonb
		WHERE id = $1
	`, id, status, historyEntry(status, actor, reason, time.Now().UTC()))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkOrderSent(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET status = 'SENDING', sent_at = $2, status_history = status_history || $3::jsonb
		WHERE id = $1
	`, id, at, historyEntry(types.OrderSending, "EXECUTOR", "", at))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkOrderAcked(ctx context.Context, id, brokerOrderID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET status = 'ACKNOWLEDGED', broker_order_id = $2, acked_at = $3,
		    status_history = status_history || $4::jsonb
		WHERE id = $1
	`, id, brokerOrderID, at, historyEntry(types.OrderAcknowledged, "BROKER", "", at))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkOrderRejected(ctx context.Context, id, reason, brokerCode, actor string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET status = 'REJECTED', reject_reason = $2, broker_reject_code = $3,
		    status_history = status_history || $4::jsonb
		WHERE id = $1
	`, id, reason, nullStr(brokerCode), historyEntry(types.OrderRejected, actor, reason, time.Now().UTC()))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyOrderFill promotes the order to FILLED or PARTIALLY_FILLED based on
// the stored quantity, in one statement so a concurrent reconcile pass
// cannot interleave between read and write.
func (p *Postgres) ApplyOrderFill(ctx context.Context, id string, filledQty int, avgPrice decimal.Decimal, actor string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET filled_qty = $2,
		    avg_fill_price = $3,
		    filled_at = CASE WHEN $2 >= quantity THEN $4 ELSE filled_at END,
		    status = CASE WHEN $2 >= quantity THEN 'FILLED' ELSE 'PARTIALLY_FILLED' END,
		    status_history = status_history || jsonb_build_array(jsonb_build_object(
		        'status', CASE WHEN $2 >= quantity THEN 'FILLED' ELSE 'PARTIALLY_FILLED' END,
		        'ts', $4::timestamptz, 'actor', $5::text))
		WHERE id = $1
	`, id, filledQty, avgPrice, at, actor)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ─────────────────────────────────────────────────────────────
// Positions
// ─────────────────────────────────────────────────────────────

const positionCols = `id, session_id, symbol, product_type, net_qty, buy_qty, sell_qty,
	avg_buy_price, avg_sell_price, ltp, unrealized_pnl, realized_pnl, broker_qty,
	reconcile_status, last_reconciled_at, created_at, updated_at`

func scanPosition(r rowScanner) (*types.Position, error) {
	pos := &types.Position{}
	var lastRecon sql.NullTime
	err := r.Scan(
		&pos.ID, &pos.SessionID, &pos.Symbol, &pos.ProductType, &pos.NetQty, &pos.BuyQty,
		&pos.SellQty, &pos.AvgBuyPrice, &pos.AvgSellPrice, &pos.LTP, &pos.UnrealizedPnL,
		&pos.RealizedPnL, &pos.BrokerQty, &pos.ReconcileStatus, &lastRecon,
		&pos.CreatedAt, &pos.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pos.LastReconciledAt = timePtr(lastRecon)
	return pos, nil
}

func upsertPosition(ctx context.Context, q queryer, pos *types.Position) error {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO positions
			(id, session_id, symbol, product_type, net_qty, buy_qty, sell_qty,
			 avg_buy_price, avg_sell_price, ltp, unrealized_pnl, realized_pnl,
			 broker_qty, reconcile_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id, symbol, product_type) DO UPDATE SET
			net_qty = EXCLUDED.net_qty,
			buy_qty = EXCLUDED.buy_qty,
			sell_qty = EXCLUDED.sell_qty,
			avg_buy_price = EXCLUDED.avg_buy_price,
			avg_sell_price = EXCLUDED.avg_sell_price,
			ltp = EXCLUDED.ltp,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl = EXCLUDED.realized_pnl,
			broker_qty = EXCLUDED.broker_qty,
			reconcile_status = EXCLUDED.reconcile_status
	`, pos.ID, pos.SessionID, pos.Symbol, pos.ProductType, pos.NetQty, pos.BuyQty,
		pos.SellQty, pos.AvgBuyPrice, pos.AvgSellPrice, pos.LTP, pos.UnrealizedPnL,
		pos.RealizedPnL, pos.BrokerQty, pos.ReconcileStatus)
	return err
}

func (p *Postgres) ListPositions(ctx context.Context, sessionID string) ([]*types.Position, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+positionCols+`
		FROM positions WHERE session_id = $1 ORDER BY symbol
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*types.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan position row")
			continue
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (p *Postgres) MarkPositionChecked(ctx context.Context, id string, brokerQty int, ltp, unrealized decimal.Decimal, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE positions
		SET broker_qty = $2, ltp = $3, unrealized_pnl = $4,
		    reconcile_status = 'OK', last_reconciled_at = $5
		WHERE id = $1
	`, id, brokerQty, ltp, unrealized, at)
	return err
}

func (p *Postgres) CorrectPositionQty(ctx context.Context, id string, brokerQty int, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE positions
		SET net_qty = $2, broker_qty = $2,
		    reconcile_status = 'CORRECTED', last_reconciled_at = $3
		WHERE id = $1
	`, id, brokerQty, at)
	return err
}

// ─────────────────────────────────────────────────────────────
// Strategy states
// ─────────────────────────────────────────────────────────────

const strategyCols = `id, name, symbol, COALESCE(strategy_type, ''), status,
	COALESCE(control_intent, ''), intent_set_at, intent_acked_at, COALESCE(intent_actor, ''),
	pnl, allocated_capital, open_qty, avg_entry, ltp, win_rate, total_trades,
	winning_trades, net_delta, drawdown_pct, max_drawdown_pct, risk_pct, direction,
	current_signal, COALESCE(error_message, ''), COALESCE(error_trace, ''), error_count,
	last_error_at, last_good_at, restart_count, auto_restart, last_trade_at, last_tick_at,
	started_at, created_at, updated_at`

func scanStrategyState(r rowScanner) (*types.StrategyState, error) {
	s := &types.StrategyState{}
	var intentSet, intentAcked, lastErr, lastGood, lastTrade, lastTick, started sql.NullTime
	err := r.Scan(
		&s.ID, &s.Name, &s.Symbol, &s.StrategyType, &s.Status,
		&s.ControlIntent, &intentSet, &intentAcked, &s.IntentActor,
		&s.PnL, &s.AllocatedCapital, &s.OpenQty, &s.AvgEntry, &s.LTP, &s.WinRate, &s.TotalTrades,
		&s.WinningTrades, &s.NetDelta, &s.DrawdownPct, &s.MaxDrawdownPct, &s.RiskPct, &s.Direction,
		&s.CurrentSignal, &s.ErrorMessage, &s.ErrorTrace, &s.ErrorCount,
		&lastErr, &lastGood, &s.RestartCount, &s.AutoRestart, &lastTrade, &lastTick,
		&started, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.IntentSetAt = timePtr(intentSet)
	s.IntentAckedAt = timePtr(intentAcked)
	s.LastErrorAt = timePtr(lastErr)
	s.LastGoodAt = timePtr(lastGood)
	s.LastTradeAt = timePtr(lastTrade)
	s.LastTickAt = timePtr(lastTick)
	s.StartedAt = timePtr(started)
	return s, nil
}

func (p *Postgres) EnsureStrategyState(ctx context.Context, name, symbol, strategyType string) (*types.StrategyState, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO strategy_states (id, name, symbol, strategy_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			strategy_type = EXCLUDED.strategy_type
	`, uuid.NewString(), name, symbol, strategyType)
	if err != nil {
		return nil, fmt.Errorf("ensure strategy state: %w", err)
	}
	return p.GetStrategyState(ctx, name)
}

func (p *Postgres) GetStrategyState(ctx context.Context, name string) (*types.StrategyState, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+strategyCols+` FROM strategy_states WHERE name = $1`, name)
	s, err := scanStrategyState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *Postgres) ListStrategyStates(ctx context.Context) ([]*types.StrategyState, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+strategyCols+` FROM strategy_states ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*types.StrategyState
	for rows.Next() {
		s, err := scanStrategyState(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan strategy state row")
			continue
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

func (p *Postgres) PendingIntents(ctx context.Context) ([]*types.StrategyState, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+strategyCols+`
		FROM strategy_states
		WHERE control_intent IS NOT NULL
		ORDER BY intent_set_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*types.StrategyState
	for rows.Next() {
		s, err := scanStrategyState(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan pending intent row")
			continue
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// SetIntent writes the intent only when the slot is free. A false return
// means another operator's intent is still pending ack.
func (p *Postgres) SetIntent(ctx context.Context, name string, intent types.ControlIntent, actor string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE strategy_states
		SET control_intent = $2, intent_set_at = $3, intent_acked_at = NULL, intent_actor = $4
		WHERE name = $1 AND control_intent IS NULL
	`, name, intent, at, actor)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) AckIntent(ctx context.Context, name string, to types.StrategyStatus, at time.Time, opts AckOptions) error {
	set := []string{"status = $2", "control_intent = NULL", "intent_acked_at = $3"}
	if opts.SetStartedAt {
		set = append(set, "started_at = $3")
	}
	if opts.ClearError {
		set = append(set, "error_message = NULL", "error_trace = NULL")
	}
	if opts.DisableAutoRestart {
		set = append(set, "auto_restart = FALSE")
	}
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE strategy_states SET %s WHERE name = $1", strings.Join(set, ", ")),
		name, to, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateStrategyMetrics(ctx context.Context, name string, m *types.StrategyMetrics, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE strategy_states
		SET pnl = $2, open_qty = $3, avg_entry = $4, ltp = $5, win_rate = $6,
		    total_trades = $7, winning_trades = $8, net_delta = $9,
		    drawdown_pct = $10, max_drawdown_pct = GREATEST(max_drawdown_pct, $10),
		    risk_pct = $11, direction = $12, current_signal = $13,
		    last_trade_at = COALESCE($14, last_trade_at),
		    last_tick_at = $15, last_good_at = $15
		WHERE name = $1
	`, name, m.PnL, m.OpenQty, m.AvgEntry, m.LTP, m.WinRate,
		m.Trades, m.WinningTrades, m.NetDelta,
		m.DrawdownPct, m.RiskPct, m.Direction, m.Signal,
		timeVal(m.LastTradeAt), at)
	return err
}

func (p *Postgres) RecordStrategyError(ctx context.Context, name, message, trace string, at time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		UPDATE strategy_states
		SET status = 'error', error_message = $2, error_trace = $3,
		    error_count = error_count + 1, last_error_at = $4
		WHERE name = $1
		RETURNING error_count
	`, name, message, trace, at).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

// MarkStrategyRestarted is conditional on status still being error, so a
// concurrent operator start does not get double counted as a restart.
func (p *Postgres) MarkStrategyRestarted(ctx context.Context, name string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE strategy_states
		SET status = 'running', restart_count = restart_count + 1, started_at = $2,
		    error_message = NULL, error_trace = NULL
		WHERE name = $1 AND status = 'error'
	`, name, at)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) DisableAutoRestart(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE strategy_states SET auto_restart = FALSE WHERE name = $1
	`, name)
	return err
}

func (p *Postgres) CountRunningStrategies(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM strategy_states WHERE status = 'running'").Scan(&n)
	return n, err
}

// ─────────────────────────────────────────────────────────────
// Control log
// ─────────────────────────────────────────────────────────────

func (p *Postgres) AppendControlLog(ctx context.Context, e *types.ControlLogEntry) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO strategy_control_log
			(strategy_name, action, actor, ip, from_status, to_status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, e.StrategyName, e.Action, e.Actor, nullStr(e.IP), e.FromStatus, e.ToStatus,
		nullStr(e.Notes), orNow(e.CreatedAt)).Scan(&id)
	return id, err
}

func (p *Postgres) FillControlLogAck(ctx context.Context, id int64, ackedAt time.Time, latencyMs int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE strategy_control_log
		SET acked_at = $2, ack_latency_ms = $3
		WHERE id = $1 AND acked_at IS NULL
	`, id, ackedAt, latencyMs)
	return err
}

// ─────────────────────────────────────────────────────────────
// Circuit breakers
// ─────────────────────────────────────────────────────────────

const circuitCols = `service_name, state, failure_count, success_count,
	last_failure_at, opened_at, next_attempt_at, updated_at`

func scanCircuit(r rowScanner) (*types.CircuitState, error) {
	s := &types.CircuitState{}
	var lastFailure, openedAt, nextAttempt sql.NullTime
	err := r.Scan(&s.Service, &s.State, &s.FailureCount, &s.SuccessCount,
		&lastFailure, &openedAt, &nextAttempt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.LastFailureAt = timePtr(lastFailure)
	s.OpenedAt = timePtr(openedAt)
	s.NextAttemptAt = timePtr(nextAttempt)
	return s, nil
}

func (p *Postgres) GetOrCreateCircuit(ctx context.Context, service string) (*types.CircuitState, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker_states (service_name) VALUES ($1)
		ON CONFLICT (service_name) DO NOTHING
	`, service)
	if err != nil {
		return nil, err
	}
	row := p.db.QueryRowContext(ctx, `
		SELECT `+circuitCols+` FROM circuit_breaker_states WHERE service_name = $1
	`, service)
	return scanCircuit(row)
}

func (p *Postgres) SaveCircuit(ctx context.Context, s *types.CircuitState) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE circuit_breaker_states
		SET state = $2, failure_count = $3, success_count = $4,
		    last_failure_at = $5, opened_at = $6, next_attempt_at = $7
		WHERE service_name = $1
	`, s.Service, s.State, s.FailureCount, s.SuccessCount,
		timeVal(s.LastFailureAt), timeVal(s.OpenedAt), timeVal(s.NextAttemptAt))
	return err
}

func (p *Postgres) ListCircuits(ctx context.Context) ([]*types.CircuitState, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+circuitCols+` FROM circuit_breaker_states ORDER BY service_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*types.CircuitState
	for rows.Next() {
		s, err := scanCircuit(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan circuit row")
			continue
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// ─────────────────────────────────────────────────────────────
// Feed heartbeat
// ─────────────────────────────────────────────────────────────

func (p *Postgres) TouchFeedHeartbeat(ctx context.Context, feed string, at time.Time, connected bool, symbolCount int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO feed_heartbeats (feed_name, last_tick_at, is_connected, symbol_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (feed_name) DO UPDATE SET
			last_tick_at = EXCLUDED.last_tick_at,
			is_connected = EXCLUDED.is_connected,
			symbol_count = EXCLUDED.symbol_count
	`, feed, at, connected, symbolCount)
	return err
}

func (p *Postgres) SetFeedConnected(ctx context.Context, feed string, connected bool) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE feed_heartbeats SET is_connected = $2 WHERE feed_name = $1
	`, feed, connected)
	return err
}

func (p *Postgres) GetFeedHeartbeat(ctx context.Context, feed string) (*types.FeedHeartbeat, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT feed_name, last_tick_at, symbol_count, is_connected, updated_at
		FROM feed_heartbeats WHERE feed_name = $1
	`, feed)
	hb := &types.FeedHeartbeat{}
	var lastTick sql.NullTime
	err := row.Scan(&hb.FeedName, &lastTick, &hb.SymbolCount, &hb.IsConnected, &hb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	hb.LastTickAt = timePtr(lastTick)
	return hb, nil
}

// ─────────────────────────────────────────────────────────────
// Reconciliation log
// ─────────────────────────────────────────────────────────────

func (p *Postgres) AppendReconciliationLog(ctx context.Context, l *types.ReconciliationLog) error {
	mismatches, err := json.Marshal(l.Mismatches)
	if err != nil {
		return fmt.Errorf("marshal mismatches: %w", err)
	}
	corrections, err := json.Marshal(l.Corrections)
	if err != nil {
		return fmt.Errorf("marshal corrections: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_log
			(run_at, status, orders_checked, positions_checked, mismatches, corrections,
			 error_message, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.RunAt, l.Status, l.OrdersChecked, l.PositionsChecked,
		jsonOrEmptyArray(mismatches), jsonOrEmptyArray(corrections),
		nullStr(l.ErrorMessage), l.DurationMs)
	return err
}

// ─────────────────────────────────────────────────────────────
// Audit
// ─────────────────────────────────────────────────────────────

func appendAudit(ctx context.Context, q queryer, ev *types.AuditEvent) error {
	var payload []byte
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = b
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_logs (event_type, entity_type, entity_id, actor, ip, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.EventType, ev.EntityType, nullStr(ev.EntityID), ev.Actor, nullStr(ev.IP), payload)
	return err
}

func (p *Postgres) AppendAudit(ctx context.Context, ev *types.AuditEvent) error {
	return appendAudit(ctx, p.db, ev)
}

// ─────────────────────────────────────────────────────────────
// Resource telemetry
// ─────────────────────────────────────────────────────────────

func (p *Postgres) InsertResourceSample(ctx context.Context, s *types.ResourceSample) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO resource_metrics
			(recorded_at, rss_mb, vms_mb, rss_delta_mb, cpu_pct, cpu_sys_pct,
			 pool_in_use, pool_open, pool_idle, open_fds, goroutines,
			 rss_leak_flag, fd_leak_flag, running_strategies, tick_rate_hz)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, s.RecordedAt, s.RSSMb, s.VMSMb, floatVal(s.RSSDeltaMb), s.CPUPct, s.CPUSysPct,
		s.PoolInUse, s.PoolOpen, s.PoolIdle, s.OpenFDs, s.Goroutines,
		s.RSSLeakFlag, s.FDLeakFlag, s.RunningStrategies, s.TickRateHz)
	return err
}

func (p *Postgres) PruneResourceSamples(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		"DELETE FROM resource_metrics WHERE recorded_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) RecentResourceSamples(ctx context.Context, since time.Time, limit int) ([]*types.ResourceSample, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT recorded_at, rss_mb, vms_mb, rss_delta_mb, cpu_pct, COALESCE(cpu_sys_pct, 0),
		       COALESCE(pool_in_use, 0), COALESCE(pool_open, 0), COALESCE(pool_idle, 0),
		       COALESCE(open_fds, 0), COALESCE(goroutines, 0), rss_leak_flag, fd_leak_flag,
		       COALESCE(running_strategies, 0), COALESCE(tick_rate_hz, 0)
		FROM resource_metrics
		WHERE recorded_at >= $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*types.ResourceSample
	for rows.Next() {
		s := &types.ResourceSample{}
		var delta sql.NullFloat64
		err := rows.Scan(&s.RecordedAt, &s.RSSMb, &s.VMSMb, &delta, &s.CPUPct, &s.CPUSysPct,
			&s.PoolInUse, &s.PoolOpen, &s.PoolIdle, &s.OpenFDs, &s.Goroutines,
			&s.RSSLeakFlag, &s.FDLeakFlag, &s.RunningStrategies, &s.TickRateHz)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan resource sample")
			continue
		}
		if delta.Valid {
			v := delta.Float64
			s.RSSDeltaMb = &v
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (p *Postgres) InsertResourceAlert(ctx context.Context, a *types.ResourceAlert) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO resource_alerts
			(alerted_at, alert_type, metric_name, current_val, threshold, message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, a.AlertedAt, a.AlertType, a.MetricName, a.CurrentVal, a.Threshold, a.Message).Scan(&id)
	return id, err
}

func (p *Postgres) ResolveResourceAlert(ctx context.Context, id int64, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE resource_alerts SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL
	`, id, at)
	return err
}

func (p *Postgres) OpenResourceAlerts(ctx context.Context) ([]*types.ResourceAlert, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, alerted_at, alert_type, metric_name, current_val, threshold, message, resolved_at
		FROM resource_alerts WHERE resolved_at IS NULL ORDER BY alerted_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*types.ResourceAlert
	for rows.Next() {
		a := &types.ResourceAlert{}
		var resolved sql.NullTime
		err := rows.Scan(&a.ID, &a.AlertedAt, &a.AlertType, &a.MetricName,
			&a.CurrentVal, &a.Threshold, &a.Message, &resolved)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to scan resource alert")
			continue
		}
		a.ResolvedAt = timePtr(resolved)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ─────────────────────────────────────────────────────────────
// Scan and bind helpers
// ─────────────────────────────────────────────────────────────

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timeVal(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func floatVal(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// jsonOrEmptyArray keeps JSONB array columns non-null when the Go slice is nil.
func jsonOrEmptyArray(b []byte) []byte {
	if len(b) == 0 || string(b) == "null" {
		return []byte("[]")
	}
	return b
}

// historyEntry builds a one-element JSONB array for appending to an order's
// status history.
func historyEntry(status types.OrderStatus, actor, reason string, at time.Time) []byte {
	b, _ := json.Marshal([]types.StatusChange{{
		Status: status,
		Ts:     at,
		Actor:  actor,
		Reason: reason,
	}})
	return b
}
