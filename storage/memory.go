package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY STORE - Single-process store for tests and dry runs
// ═══════════════════════════════════════════════════════════════════════════════
//
// Same contract as Postgres, none of the durability. Advisory locks are a
// held-key set, writes inside a lock scope apply immediately (no rollback),
// and append-only enforcement is by convention. Good enough to exercise every
// decision path without a database.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Memory struct {
	mu sync.Mutex

	sessions       map[string]*types.TradingSession
	sessionsByDate map[string]string

	orders      map[string]*types.Order
	ordersByKey map[string]string

	positions map[string]*types.Position
	posIndex  map[string]string // session|symbol|product -> id

	states map[string]*types.StrategyState

	controlLog []*types.ControlLogEntry
	nextCtlID  int64

	circuits   map[string]*types.CircuitState
	heartbeats map[string]*types.FeedHeartbeat

	reconLogs []*types.ReconciliationLog
	audits    []*types.AuditEvent

	samples     []*types.ResourceSample
	alerts      []*types.ResourceAlert
	nextAlertID int64

	heldLocks map[int64]bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		sessions:       make(map[string]*types.TradingSession),
		sessionsByDate: make(map[string]string),
		orders:         make(map[string]*types.Order),
		ordersByKey:    make(map[string]string),
		positions:      make(map[string]*types.Position),
		posIndex:       make(map[string]string),
		states:         make(map[string]*types.StrategyState),
		circuits:       make(map[string]*types.CircuitState),
		heartbeats:     make(map[string]*types.FeedHeartbeat),
		heldLocks:      make(map[int64]bool),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) PoolStats() (inUse, open, idle int) { return 0, 0, 0 }

// ─────────────────────────────────────────────────────────────
// Lock scopes
// ─────────────────────────────────────────────────────────────

func (m *Memory) WithRiskLock(ctx context.Context, sessionID string, timeout time.Duration, fn func(Tx) error) (bool, error) {
	return m.withLock(ctx, riskLockKey(sessionID), fn)
}

func (m *Memory) WithPositionLock(ctx context.Context, sessionID, symbol string, timeout time.Duration, fn func(Tx) error) (bool, error) {
	return m.withLock(ctx, positionLockKey(sessionID, symbol), fn)
}

func (m *Memory) withLock(ctx context.Context, key int64, fn func(Tx) error) (bool, error) {
	m.mu.Lock()
	if m.heldLocks[key] {
		m.mu.Unlock()
		return false, nil
	}
	m.heldLocks[key] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.heldLocks, key)
		m.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, fn(&memTx{m: m})
}

type memTx struct {
	m *Memory
}

var _ Tx = (*memTx)(nil)

func (t *memTx) SessionForUpdate(ctx context.Context, sessionID string) (*types.TradingSession, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	s, ok := t.m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (t *memTx) OrderKeyExists(ctx context.Context, idempotencyKey string) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	_, ok := t.m.ordersByKey[idempotencyKey]
	return ok, nil
}

func (t *memTx) OpenPositionCount(ctx context.Context, sessionID string) (int, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	n := 0
	for _, p := range t.m.positions {
		if p.SessionID == sessionID && p.NetQty != 0 {
			n++
		}
	}
	return n, nil
}

func (t *memTx) SessionKilled(ctx context.Context, sessionID string) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	s, ok := t.m.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	return s.IsKilled, nil
}

func (t *memTx) TriggerKillSwitch(ctx context.Context, sessionID string, reason types.KillReason, killedBy, note string) (bool, error) {
	return t.m.TriggerKillSwitch(ctx, sessionID, reason, killedBy, note)
}

func (t *memTx) PositionForUpdate(ctx context.Context, sessionID, symbol, productType string) (*types.Position, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	id, ok := t.m.posIndex[posKey(sessionID, symbol, productType)]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePosition(t.m.positions[id]), nil
}

func (t *memTx) UpsertPosition(ctx context.Context, p *types.Position) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.upsertPositionLocked(p)
}

func (t *memTx) AppendAudit(ctx context.Context, ev *types.AuditEvent) error {
	return t.m.AppendAudit(ctx, ev)
}

// ─────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────

func (m *Memory) GetOrCreateSession(ctx context.Context, date time.Time, limits SessionLimits) (*types.TradingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := date.Format("2006-01-02")
	if id, ok := m.sessionsByDate[day]; ok {
		return cloneSession(m.sessions[id]), nil
	}

	now := time.Now().UTC()
	s := &types.TradingSession{
		ID:                  uuid.NewString(),
		Date:                date,
		MaxDailyLoss:        limits.MaxDailyLoss,
		MaxPositionSize:     limits.MaxPositionSize,
		MaxOpenPositions:    limits.MaxOpenPositions,
		MaxMarginPct:        limits.MaxMarginPct,
		MaxLotSize:          limits.MaxLotSize,
		LastReconcileStatus: types.ReconcilePending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	m.sessions[s.ID] = s
	m.sessionsByDate[day] = s.ID
	return cloneSession(s), nil
}

func (m *Memory) GetSessionByDate(ctx context.Context, date time.Time) (*types.TradingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessionsByDate[date.Format("2006-01-02")]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *Memory) TriggerKillSwitch(ctx context.Context, sessionID string, reason types.KillReason, killedBy, note string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if s.IsKilled {
		return false, nil
	}
	now := time.Now().UTC()
	s.IsKilled = true
	s.KillReason = reason
	s.KillTime = &now
	s.KilledBy = killedBy
	s.UpdatedAt = now

	payload := map[string]any{"reason": string(reason)}
	if note != "" {
		payload["note"] = note
	}
	m.appendAuditLocked(&types.AuditEvent{
		EventType:  "KILL_SWITCH_TRIGGERED",
		EntityType: "trading_session",
		EntityID:   sessionID,
		Actor:      killedBy,
		Payload:    payload,
	})
	return true, nil
}

func (m *Memory) DeactivateKillSwitch(ctx context.Context, sessionID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !s.IsKilled {
		return nil
	}
	s.IsKilled = false
	s.KillReason = ""
	s.KillTime = nil
	s.KilledBy = ""
	s.UpdatedAt = time.Now().UTC()

	m.appendAuditLocked(&types.AuditEvent{
		EventType:  "KILL_SWITCH_DEACTIVATED",
		EntityType: "trading_session",
		EntityID:   sessionID,
		Actor:      actor,
	})
	return nil
}

func (m *Memory) AddRealizedPnL(ctx context.Context, sessionID string, delta decimal.Decimal) (*types.TradingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.RealizedPnL = s.RealizedPnL.Add(delta)
	s.UpdatedAt = time.Now().UTC()
	return cloneSession(s), nil
}

func (m *Memory) IncrementOrderCounts(ctx context.Context, sessionID string, rejected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.TotalOrders++
	if rejected {
		s.RejectedOrders++
	}
	return nil
}

func (m *Memory) IncrementReconcileFailures(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	s.ReconcileFailureCount++
	return s.ReconcileFailureCount, nil
}

func (m *Memory) ResetReconcileFailures(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ReconcileFailureCount = 0
	return nil
}

func (m *Memory) SetSessionReconcileResult(ctx context.Context, sessionID string, status types.ReconcileStatus, at time.Time, unrealized decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastReconcileStatus = status
	s.LastReconcileAt = &at
	s.UnrealizedPnL = unrealized
	return nil
}

// ─────────────────────────────────────────────────────────────
// Orders
// ─────────────────────────────────────────────────────────────

func (m *Memory) InsertOrder(ctx context.Context, o *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.ordersByKey[o.IdempotencyKey]; dup {
		return ErrDuplicateOrder
	}
	if o.BrokerOrderID != "" && m.brokerIDTakenLocked(o.BrokerOrderID, "") {
		return ErrDuplicateOrder
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c := cloneOrder(o)
	c.CreatedAt = now
	c.UpdatedAt = now
	m.orders[c.ID] = c
	m.ordersByKey[c.IdempotencyKey] = c.ID
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) GetOrderByKey(ctx context.Context, idempotencyKey string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ordersByKey[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(m.orders[id]), nil
}

func (m *Memory) ActiveOrders(ctx context.Context, sessionID string) ([]*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Order
	for _, o := range m.orders {
		if o.SessionID == sessionID && !o.Status.IsTerminal() {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RecentOrders returns the newest orders first, terminal ones included.
// Limit defaults to 50.
func (m *Memory) RecentOrders(ctx context.Context, sessionID string, limit int) ([]*types.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Order
	for _, o := range m.orders {
		if o.SessionID == sessionID {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus, actor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	m.pushStatusLocked(o, status, actor, reason, time.Now().UTC())
	return nil
}

func (m *Memory) MarkOrderSent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.SentAt = &at
	m.pushStatusLocked(o, types.OrderSending, "EXECUTOR", "", at)
	return nil
}

func (m *Memory) MarkOrderAcked(ctx context.Context, id, brokerOrderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if m.brokerIDTakenLocked(brokerOrderID, id) {
		return ErrDuplicateOrder
	}
	o.BrokerOrderID = brokerOrderID
	o.AckedAt = &at
	m.pushStatusLocked(o, types.OrderAcknowledged, "BROKER", "", at)
	return nil
}

func (m *Memory) MarkOrderRejected(ctx context.Context, id, reason, brokerCode, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.RejectReason = reason
	o.BrokerRejectCode = brokerCode
	m.pushStatusLocked(o, types.OrderRejected, actor, reason, time.Now().UTC())
	return nil
}

func (m *Memory) ApplyOrderFill(ctx context.Context, id string, filledQty int, avgPrice decimal.Decimal, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.FilledQty = filledQty
	o.AvgFillPrice = avgPrice
	next := types.OrderPartiallyFilled
	if filledQty >= o.Quantity {
		next = types.OrderFilled
		o.FilledAt = &at
	}
	m.pushStatusLocked(o, next, actor, "", at)
	return nil
}

func (m *Memory) brokerIDTakenLocked(brokerOrderID, exceptID string) bool {
	for _, o := range m.orders {
		if o.BrokerOrderID == brokerOrderID && o.ID != exceptID {
			return true
		}
	}
	return false
}

func (m *Memory) pushStatusLocked(o *types.Order, status types.OrderStatus, actor, reason string, at time.Time) {
	o.Status = status
	o.StatusHistory = append(o.StatusHistory, types.StatusChange{
		Status: status, Ts: at, Actor: actor, Reason: reason,
	})
	o.UpdatedAt = at
}

// ─────────────────────────────────────────────────────────────
// Positions
// ─────────────────────────────────────────────────────────────

func posKey(sessionID, symbol, productType string) string {
	return strings.Join([]string{sessionID, symbol, productType}, "|")
}

func (m *Memory) upsertPositionLocked(p *types.Position) error {
	key := posKey(p.SessionID, p.Symbol, p.ProductType)
	if id, ok := m.posIndex[key]; ok {
		p.ID = id
	} else if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c := clonePosition(p)
	if existing, ok := m.positions[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.positions[c.ID] = c
	m.posIndex[key] = c.ID
	return nil
}

func (m *Memory) ListPositions(ctx context.Context, sessionID string) ([]*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Position
	for _, p := range m.positions {
		if p.SessionID == sessionID {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Memory) MarkPositionChecked(ctx context.Context, id string, brokerQty int, ltp, unrealized decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return ErrNotFound
	}
	p.BrokerQty = brokerQty
	p.LTP = ltp
	p.UnrealizedPnL = unrealized
	p.ReconcileStatus = types.PositionOK
	p.LastReconciledAt = &at
	p.UpdatedAt = at
	return nil
}

func (m *Memory) CorrectPositionQty(ctx context.Context, id string, brokerQty int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return ErrNotFound
	}
	p.NetQty = brokerQty
	p.BrokerQty = brokerQty
	p.ReconcileStatus = types.PositionCorrected
	p.LastReconciledAt = &at
	p.UpdatedAt = at
	return nil
}

// ─────────────────────────────────────────────────────────────
// Strategy states
// ─────────────────────────────────────────────────────────────

func (m *Memory) EnsureStrategyState(ctx context.Context, name, symbol, strategyType string) (*types.StrategyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[name]; ok {
		s.Symbol = symbol
		s.StrategyType = strategyType
		return cloneState(s), nil
	}
	now := time.Now().UTC()
	s := &types.StrategyState{
		ID:            uuid.NewString(),
		Name:          name,
		Symbol:        symbol,
		StrategyType:  strategyType,
		Status:        types.StrategyStopped,
		Direction:     "NEUTRAL",
		CurrentSignal: types.SignalWaiting,
		AutoRestart:   true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.states[name] = s
	return cloneState(s), nil
}

func (m *Memory) GetStrategyState(ctx context.Context, name string) (*types.StrategyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneState(s), nil
}

func (m *Memory) ListStrategyStates(ctx context.Context) ([]*types.StrategyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.StrategyState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, cloneState(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) PendingIntents(ctx context.Context) ([]*types.StrategyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.StrategyState
	for _, s := range m.states {
		if s.ControlIntent != types.IntentNone {
			out = append(out, cloneState(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].IntentSetAt, out[j].IntentSetAt
		if a == nil || b == nil {
			return b == nil
		}
		return a.Before(*b)
	})
	return out, nil
}

func (m *Memory) SetIntent(ctx context.Context, name string, intent types.ControlIntent, actor string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		return false, ErrNotFound
	}
	if s.ControlIntent != types.IntentNone {
		return false, nil
	}
	s.ControlIntent = intent
	s.IntentSetAt = &at
	s.IntentAckedAt = nil
	s.IntentActor = actor
	s.UpdatedAt = at
	return true, nil
}

func (m *Memory) AckIntent(ctx context.Context, name string, to types.StrategyStatus, at time.Time, opts AckOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		return ErrNotFound
	}
	s.Status = to
	s.ControlIntent = types.IntentNone
	s.IntentAckedAt = &at
	if opts.SetStartedAt {
		s.StartedAt = &at
	}
	if opts.ClearError {
		s.ErrorMessage = ""
		s.ErrorTrace = ""
	}
	if opts.DisableAutoRestart {
		s.AutoRestart = false
	}
	s.UpdatedAt = at
	return nil
}

func (m *Memory) UpdateStrategyMetrics(ctx context.Context, name string, metrics *types.StrategyMetrics, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		return ErrNotFound
	}
	s.PnL = metrics.PnL
	s.OpenQty = metrics.OpenQty
	s.AvgEntry = metrics.AvgEntry
	s.LTP = metrics.LTP
	s.WinRate = metrics.WinRate
	s.TotalTrades = metrics.Trades
	s.WinningTrades = metrics.WinningTrades
	s.NetDelta = metrics.NetDelta
	s.DrawdownPct = metrics.DrawdownPct
	if metrics.DrawdownPct > s.MaxDrawdownPct {
		s.MaxDrawdownPct = metrics.DrawdownPct
	}
	s.RiskPct = metrics.RiskPct
	s.Direction = metrics.Direction
	s.CurrentSignal = metrics.Signal
	if metrics.LastTradeAt != nil {
		s.LastTradeAt = metrics.LastTradeAt
	}
	s.LastTickAt = &at
	s.LastGoodAt = &at
	s.UpdatedAt = at
	return nil
}

func (m *Memory) RecordStrategyError(ctx context.Context, name, message, trace string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		return 0, ErrNotFound
	}
	s.Status = types.StrategyError
	s.ErrorMessage = message
	s.ErrorTrace = trace
	s.ErrorCount++
	s.LastErrorAt = &at
	s.UpdatedAt = at
	return s.ErrorCount, nil
}

func (m *Memory) MarkStrategyRestarted(ctx context.Context, name string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != types.StrategyError {
		return false, nil
	}
	s.Status = types.StrategyRunning
	s.RestartCount++
	s.StartedAt = &at
	s.ErrorMessage = ""
	s.ErrorTrace = ""
	s.UpdatedAt = at
	return true, nil
}

func (m *Memory) DisableAutoRestart(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		return ErrNotFound
	}
	s.AutoRestart = false
	return nil
}

func (m *Memory) CountRunningStrategies(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.states {
		if s.Status == types.StrategyRunning {
			n++
		}
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────
// Control log
// ─────────────────────────────────────────────────────────────

func (m *Memory) AppendControlLog(ctx context.Context, e *types.ControlLogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCtlID++
	c := *e
	c.ID = m.nextCtlID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.controlLog = append(m.controlLog, &c)
	return c.ID, nil
}

func (m *Memory) FillControlLogAck(ctx context.Context, id int64, ackedAt time.Time, latencyMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.controlLog {
		if e.ID == id {
			if e.AckedAt != nil {
				return nil
			}
			e.AckedAt = &ackedAt
			e.AckLatencyMs = &latencyMs
			return nil
		}
	}
	return ErrNotFound
}

// ControlEntries returns a copy of the control log for assertions.
func (m *Memory) ControlEntries() []*types.ControlLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.ControlLogEntry, len(m.controlLog))
	for i, e := range m.controlLog {
		c := *e
		out[i] = &c
	}
	return out
}

// ─────────────────────────────────────────────────────────────
// Circuit breakers
// ─────────────────────────────────────────────────────────────

func (m *Memory) GetOrCreateCircuit(ctx context.Context, service string) (*types.CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.circuits[service]; ok {
		c := *s
		return &c, nil
	}
	s := &types.CircuitState{
		Service:   service,
		State:     types.BreakerClosed,
		UpdatedAt: time.Now().UTC(),
	}
	m.circuits[service] = s
	c := *s
	return &c, nil
}

func (m *Memory) SaveCircuit(ctx context.Context, s *types.CircuitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	c.UpdatedAt = time.Now().UTC()
	m.circuits[s.Service] = &c
	return nil
}

func (m *Memory) ListCircuits(ctx context.Context) ([]*types.CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.CircuitState, 0, len(m.circuits))
	for _, s := range m.circuits {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// ─────────────────────────────────────────────────────────────
// Feed heartbeat
// ─────────────────────────────────────────────────────────────

func (m *Memory) TouchFeedHeartbeat(ctx context.Context, feed string, at time.Time, connected bool, symbolCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb, ok := m.heartbeats[feed]
	if !ok {
		hb = &types.FeedHeartbeat{FeedName: feed}
		m.heartbeats[feed] = hb
	}
	hb.LastTickAt = &at
	hb.IsConnected = connected
	hb.SymbolCount = symbolCount
	hb.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SetFeedConnected(ctx context.Context, feed string, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb, ok := m.heartbeats[feed]
	if !ok {
		hb = &types.FeedHeartbeat{FeedName: feed}
		m.heartbeats[feed] = hb
	}
	hb.IsConnected = connected
	hb.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GetFeedHeartbeat(ctx context.Context, feed string) (*types.FeedHeartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb, ok := m.heartbeats[feed]
	if !ok {
		return nil, ErrNotFound
	}
	c := *hb
	return &c, nil
}

// ─────────────────────────────────────────────────────────────
// Reconciliation log, audit, resource telemetry
// ─────────────────────────────────────────────────────────────

func (m *Memory) AppendReconciliationLog(ctx context.Context, l *types.ReconciliationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *l
	c.ID = int64(len(m.reconLogs) + 1)
	m.reconLogs = append(m.reconLogs, &c)
	return nil
}

// ReconciliationLogs returns a copy of the run log for assertions.
func (m *Memory) ReconciliationLogs() []*types.ReconciliationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.ReconciliationLog, len(m.reconLogs))
	for i, l := range m.reconLogs {
		c := *l
		out[i] = &c
	}
	return out
}

func (m *Memory) AppendAudit(ctx context.Context, ev *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(ev)
	return nil
}

func (m *Memory) appendAuditLocked(ev *types.AuditEvent) {
	c := *ev
	c.ID = int64(len(m.audits) + 1)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.audits = append(m.audits, &c)
}

// AuditEvents returns a copy of the audit trail for assertions.
func (m *Memory) AuditEvents() []*types.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.AuditEvent, len(m.audits))
	for i, ev := range m.audits {
		c := *ev
		out[i] = &c
	}
	return out
}

func (m *Memory) InsertResourceSample(ctx context.Context, s *types.ResourceSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.samples = append(m.samples, &c)
	return nil
}

func (m *Memory) PruneResourceSamples(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.samples[:0]
	var pruned int64
	for _, s := range m.samples {
		if s.RecordedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return pruned, nil
}

func (m *Memory) RecentResourceSamples(ctx context.Context, since time.Time, limit int) ([]*types.ResourceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ResourceSample
	for _, s := range m.samples {
		if !s.RecordedAt.Before(since) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertResourceAlert(ctx context.Context, a *types.ResourceAlert) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAlertID++
	c := *a
	c.ID = m.nextAlertID
	m.alerts = append(m.alerts, &c)
	return c.ID, nil
}

func (m *Memory) ResolveResourceAlert(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == id && a.ResolvedAt == nil {
			a.ResolvedAt = &at
		}
	}
	return nil
}

func (m *Memory) OpenResourceAlerts(ctx context.Context) ([]*types.ResourceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ResourceAlert
	for _, a := range m.alerts {
		if a.ResolvedAt == nil {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlertedAt.Before(out[j].AlertedAt) })
	return out, nil
}

// ─────────────────────────────────────────────────────────────
// Clone helpers. Pointer timestamps are reassigned, never mutated in place,
// so shallow copies plus a history slice copy are race-safe.
// ─────────────────────────────────────────────────────────────

func cloneSession(s *types.TradingSession) *types.TradingSession {
	c := *s
	return &c
}

func cloneOrder(o *types.Order) *types.Order {
	c := *o
	c.StatusHistory = append([]types.StatusChange(nil), o.StatusHistory...)
	if o.RiskSnapshot != nil {
		snap := *o.RiskSnapshot
		c.RiskSnapshot = &snap
	}
	return &c
}

func clonePosition(p *types.Position) *types.Position {
	c := *p
	return &c
}

func cloneState(s *types.StrategyState) *types.StrategyState {
	c := *s
	return &c
}
