package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/breaker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/broker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/control"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/options"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/risk"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/strategy"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY EXECUTOR - Two loops, one order path
// ═══════════════════════════════════════════════════════════════════════════════
//
// TICK LOOP (push): ticks fan out only to the strategies registered on that
// symbol, all of them concurrently; one callback panicking cannot take the
// others down. On a SIGNAL CHANGE the executor owns the whole order path:
// resolve the instrument -> risk engine -> order row -> broker through the
// orders breaker.
//
// CONTROL LOOP (poll): every 200ms, independent of ticks. A dead feed must
// never stall an operator's pause. Intents are read from the durable rows,
// applied, acked, and mirrored into the in-memory status cache.
//
// The status cache is an optimization, not a source of truth: the durable
// row wins every disagreement and the control loop re-syncs the cache.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultRestartDelay = 30 * time.Second
	defaultBufferSize   = 500
	defaultOrderQty     = 50

	// maxRestarts caps automatic error recoveries per strategy; past it the
	// operator must intervene.
	maxRestarts = 5

	productIntraday = "INTRADAY"
)

// paperFillPrice stands in for an option premium on dry-run fills when the
// order carries no price. Mirrors the risk engine's estimation fallback.
var paperFillPrice = decimal.NewFromInt(100)

// Notifier receives trade lifecycle alerts. Implementations must tolerate
// being called from dispatch goroutines and must not block.
type Notifier interface {
	AlertEntry(strategyName, symbol string, side types.OrderSide, price decimal.Decimal, qty int)
	AlertExit(strategyName, symbol, reason string, price, pnl decimal.Decimal)
	AlertError(strategyName, message string)
}

// Config tunes the executor. Zero values take defaults.
type Config struct {
	DryRun       bool
	OrderQty     int
	LotSize      int
	PollInterval time.Duration
	RestartDelay time.Duration
	BufferSize   int
}

type Executor struct {
	store    storage.Store
	broker   broker.Broker
	risk     *risk.Engine
	breakers *breaker.Set
	resolver *options.Resolver
	notifier Notifier

	dryRun       bool
	orderQty     int
	lotSize      int
	pollInterval time.Duration
	restartDelay time.Duration
	bufferSize   int

	mu          sync.RWMutex
	registry    map[string]strategy.Strategy
	nameToSym   map[string]string
	nameToType  map[string]string
	symbolMap   map[string][]string
	buffers     map[string]*strategy.TickBuffer
	statusCache map[string]types.StrategyStatus
	prevSignal  map[string]string
	liveSymbol  map[string]string // resolved symbol of the open entry, per strategy

	sessionID string
	started   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	tickCount atomic.Int64
}

func New(store storage.Store, brk broker.Broker, riskEngine *risk.Engine, breakers *breaker.Set, resolver *options.Resolver, cfg Config) *Executor {
	if cfg.OrderQty <= 0 {
		cfg.OrderQty = defaultOrderQty
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	e := &Executor{
		store:        store,
		broker:       brk,
		risk:         riskEngine,
		breakers:     breakers,
		resolver:     resolver,
		dryRun:       cfg.DryRun,
		orderQty:     cfg.OrderQty,
		lotSize:      cfg.LotSize,
		pollInterval: cfg.PollInterval,
		restartDelay: cfg.RestartDelay,
		bufferSize:   cfg.BufferSize,
		registry:     make(map[string]strategy.Strategy),
		nameToSym:    make(map[string]string),
		nameToType:   make(map[string]string),
		symbolMap:    make(map[string][]string),
		buffers:      make(map[string]*strategy.TickBuffer),
		statusCache:  make(map[string]types.StrategyStatus),
		prevSignal:   make(map[string]string),
		liveSymbol:   make(map[string]string),
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Int("order_qty", e.orderQty).
		Dur("control_poll", e.pollInterval).
		Msg("⚡ Executor initialized")

	return e
}

// SetNotifier wires the alert sink. Call before Start.
func (e *Executor) SetNotifier(n Notifier) { e.notifier = n }

// Register adds a strategy under a name, listening to one symbol. The
// durable row is ensured at Start.
func (e *Executor) Register(name, symbol, strategyType string, s strategy.Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.registry[name] = s
	e.nameToSym[name] = symbol
	e.nameToType[name] = strategyType
	e.statusCache[name] = types.StrategyStopped
	if _, ok := e.buffers[symbol]; !ok {
		e.buffers[symbol] = strategy.NewTickBuffer(e.bufferSize)
	}
	e.symbolMap[symbol] = append(e.symbolMap[symbol], name)

	log.Info().Str("strategy", name).Str("symbol", symbol).Msg("📋 Strategy registered")
}

// Start ensures a durable row per registered strategy, seeds the status
// cache from those rows and launches the control loop.
func (e *Executor) Start(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.sessionID = sessionID
	e.stopCh = make(chan struct{})
	e.started = true
	names := make([]string, 0, len(e.registry))
	for name := range e.registry {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		e.mu.RLock()
		symbol, typ := e.nameToSym[name], e.nameToType[name]
		e.mu.RUnlock()

		row, err := e.store.EnsureStrategyState(ctx, name, symbol, typ)
		if err != nil {
			return fmt.Errorf("ensure strategy row %s: %w", name, err)
		}
		e.mu.Lock()
		e.statusCache[name] = row.Status
		e.mu.Unlock()
	}

	e.wg.Add(1)
	go e.controlLoop()

	e.mu.RLock()
	strategies, symbols := len(e.registry), len(e.symbolMap)
	e.mu.RUnlock()
	log.Info().
		Int("strategies", strategies).
		Int("symbols", symbols).
		Msg("🚀 Executor started")
	return nil
}

// Stop signals the control loop and waits for it. In-flight tick dispatches
// run to completion on their own goroutines.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	log.Info().Msg("🛑 Executor stopped")
}

// TickCount is a monotonic dispatch counter, sampled by the resource monitor.
func (e *Executor) TickCount() int64 { return e.tickCount.Load() }

// ─────────────────────────────────────────────────────────────
// Control loop
// ─────────────────────────────────────────────────────────────

// controlLoop applies pending operator intents at a fixed cadence. It is
// the reliability boundary: the feed can be completely dead and a pause
// still lands within one poll interval.
func (e *Executor) controlLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pollIntents(context.Background())
		}
	}
}

func (e *Executor) pollIntents(ctx context.Context) {
	rows, err := e.store.PendingIntents(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Control loop: intent read failed")
		return
	}
	for _, row := range rows {
		e.applyIntent(ctx, row)
	}
}

func (e *Executor) applyIntent(ctx context.Context, row *types.StrategyState) {
	intent := row.ControlIntent
	to := control.ExpectedStatus(intent)

	var opts storage.AckOptions
	switch intent {
	case types.IntentStop:
		// An explicit stop must stick; no error recovery may undo it.
		opts.DisableAutoRestart = true
	case types.IntentResume, types.IntentStart:
		opts.SetStartedAt = true
		opts.ClearError = true
	}

	if err := e.store.AckIntent(ctx, row.Name, to, time.Now().UTC(), opts); err != nil {
		log.Error().Err(err).
			Str("strategy", row.Name).
			Str("intent", string(intent)).
			Msg("Failed to ack control intent")
		return
	}

	e.mu.Lock()
	e.statusCache[row.Name] = to
	e.mu.Unlock()

	log.Info().
		Str("strategy", row.Name).
		Str("intent", string(intent)).
		Str("status", string(to)).
		Msg("🎛️ Control intent acked")
}

// ─────────────────────────────────────────────────────────────
// Tick dispatch
// ─────────────────────────────────────────────────────────────

// OnTick fans a tick out to every RUNNING strategy on its symbol. Called by
// the feed worker. The buffer append happens before dispatch so callbacks
// always see the current tick included.
func (e *Executor) OnTick(tick types.Tick) {
	e.tickCount.Add(1)
	if tick.Symbol == "" {
		return
	}

	e.mu.RLock()
	buf, ok := e.buffers[tick.Symbol]
	if !ok {
		e.mu.RUnlock()
		return
	}
	var running []string
	for _, name := range e.symbolMap[tick.Symbol] {
		if e.statusCache[name] == types.StrategyRunning {
			running = append(running, name)
		}
	}
	e.mu.RUnlock()

	buf.Append(tick)
	if len(running) == 0 {
		return
	}

	type outcome struct {
		name string
		m    *types.StrategyMetrics
		err  error
	}
	results := make([]outcome, len(running))

	var wg sync.WaitGroup
	for i, name := range running {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			m, err := e.runSafe(context.Background(), name, tick, buf)
			results[i] = outcome{name: name, m: m, err: err}
		}(i, name)
	}
	wg.Wait()

	ctx := context.Background()
	for _, r := range results {
		switch {
		case r.err != nil:
			e.handleError(ctx, r.name, r.err)
		case r.m != nil:
			e.applyMetrics(ctx, r.name, tick, r.m)
		}
	}
}

// callbackPanic keeps the stack of a recovered strategy panic for the
// error trace column.
type callbackPanic struct {
	value string
	stack string
}

func (p *callbackPanic) Error() string { return "strategy panic: " + p.value }

func (e *Executor) runSafe(ctx context.Context, name string, tick types.Tick, buf *strategy.TickBuffer) (m *types.StrategyMetrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &callbackPanic{value: fmt.Sprint(r), stack: string(debug.Stack())}
		}
	}()

	e.mu.RLock()
	s := e.registry[name]
	e.mu.RUnlock()
	if s == nil {
		return nil, nil
	}
	return s.OnTick(ctx, tick, buf)
}

// ─────────────────────────────────────────────────────────────
// Error containment
// ─────────────────────────────────────────────────────────────

func (e *Executor) handleError(ctx context.Context, name string, serr error) {
	log.Error().Err(serr).Str("strategy", name).Msg("💥 Strategy callback failed")

	message := truncate(serr.Error(), 500)
	trace := serr.Error()
	var cp *callbackPanic
	if errors.As(serr, &cp) {
		trace = cp.stack
	}
	trace = truncate(trace, 4000)

	if _, uerr := e.store.RecordStrategyError(ctx, name, message, trace, time.Now().UTC()); uerr != nil {
		log.Error().Err(uerr).Str("strategy", name).Msg("Failed to record strategy error")
		return
	}

	e.mu.Lock()
	e.statusCache[name] = types.StrategyError
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.AlertError(name, message)
	}

	row, gerr := e.store.GetStrategyState(ctx, name)
	if gerr != nil {
		log.Error().Err(gerr).Str("strategy", name).Msg("Failed to read strategy row after error")
		return
	}

	switch {
	case row.AutoRestart && row.RestartCount < maxRestarts:
		e.scheduleRestart(name)
	case row.RestartCount >= maxRestarts:
		if derr := e.store.DisableAutoRestart(ctx, name); derr != nil {
			log.Error().Err(derr).Str("strategy", name).Msg("Failed to disable auto-restart")
		}
		log.Error().Str("strategy", name).Int("restarts", row.RestartCount).
			Msg("🚫 Auto-restart disabled after repeated failures")
	}
}

// scheduleRestart arms a one-shot recovery. The store-side conditional
// (status must still be "error") makes a late timer harmless if an
// operator already intervened.
func (e *Executor) scheduleRestart(name string) {
	log.Warn().Str("strategy", name).Dur("delay", e.restartDelay).Msg("⏳ Auto-restart scheduled")

	stopCh := e.stopCh
	time.AfterFunc(e.restartDelay, func() {
		select {
		case <-stopCh:
			return
		default:
		}

		restarted, err := e.store.MarkStrategyRestarted(context.Background(), name, time.Now().UTC())
		if err != nil {
			log.Error().Err(err).Str("strategy", name).Msg("Auto-restart failed")
			return
		}
		if !restarted {
			return
		}
		e.mu.Lock()
		e.statusCache[name] = types.StrategyRunning
		e.mu.Unlock()
		log.Info().Str("strategy", name).Msg("🔄 Strategy auto-restarted")
	})
}

// ─────────────────────────────────────────────────────────────
// Metrics and the order path
// ─────────────────────────────────────────────────────────────

func (e *Executor) applyMetrics(ctx context.Context, name string, tick types.Tick, m *types.StrategyMetrics) {
	e.mu.Lock()
	prev := e.prevSignal[name]
	e.prevSignal[name] = m.Signal
	e.mu.Unlock()

	if err := e.store.UpdateStrategyMetrics(ctx, name, m, time.Now().UTC()); err != nil {
		log.Error().Err(err).Str("strategy", name).Msg("Failed to persist strategy metrics")
	}

	// Orders only on a signal CHANGE; the first observation just sets the
	// baseline.
	if prev == "" || m.Signal == prev || !types.IsActionable(m.Signal) {
		return
	}

	switch m.Signal {
	case types.SignalBuy, types.SignalSell:
		e.enterTrade(ctx, name, tick, m)
	default:
		e.exitTrade(ctx, name, tick, m)
	}
}

// enterTrade resolves the tradeable instrument and walks the order path.
// When the strategy targets an option, direction lives in the LEG (CE for
// longs, PE for shorts) and the order is always a BUY of that leg.
func (e *Executor) enterTrade(ctx context.Context, name string, tick types.Tick, m *types.StrategyMetrics) {
	e.mu.RLock()
	base := e.nameToSym[name]
	e.mu.RUnlock()

	symbol, display := base, ""
	side := types.SideBuy
	if m.Signal == types.SignalSell {
		side = types.SideSell
	}
	price := m.LTP

	if m.Target != nil && m.Target.Type == "OPTION" && e.resolver != nil {
		opt, err := e.resolver.ResolveATM(ctx, m.LTP.InexactFloat64(), m.Target.Leg)
		if err != nil {
			log.Warn().Err(err).Str("strategy", name).
				Msg("Option resolution failed, trading the base symbol")
		} else {
			symbol, display = opt, base
			side = types.SideBuy
			// Premium unknown here; the risk engine finds one.
			price = decimal.Zero
			log.Info().
				Str("strategy", name).
				Str("option", opt).
				Str("spot", m.LTP.String()).
				Msg("🎯 Strategy targeting ATM option")
		}
	}

	if e.placeOrder(ctx, name, symbol, display, side, e.orderQty, price, m.Signal, tick) {
		e.mu.Lock()
		e.liveSymbol[name] = symbol
		e.mu.Unlock()

		if e.notifier != nil {
			e.notifier.AlertEntry(name, symbol, side, m.LTP, e.orderQty)
		}
	}
}

// exitTrade flattens whatever the entry opened. The entry-resolved symbol
// is remembered so an option leg is closed, not the index it was derived
// from.
func (e *Executor) exitTrade(ctx context.Context, name string, tick types.Tick, m *types.StrategyMetrics) {
	e.mu.Lock()
	symbol, hadLive := e.liveSymbol[name]
	if hadLive {
		delete(e.liveSymbol, name)
	}
	base := e.nameToSym[name]
	e.mu.Unlock()
	if !hadLive {
		symbol = base
	}

	net, err := e.netQty(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Str("strategy", name).Msg("Exit: position lookup failed")
		return
	}

	if net == 0 {
		log.Info().Str("strategy", name).Str("symbol", symbol).
			Msg("Exit signal with nothing to flatten")
	} else {
		side, qty := types.SideSell, net
		if net < 0 {
			side, qty = types.SideBuy, -net
		}
		price := m.LTP
		if symbol != base {
			price = decimal.Zero
		}
		e.placeOrder(ctx, name, symbol, "", side, qty, price, m.Signal, tick)
	}

	if e.notifier != nil {
		e.notifier.AlertExit(name, symbol, m.Signal, m.LTP, m.PnL)
	}
}

func (e *Executor) netQty(ctx context.Context, symbol string) (int, error) {
	positions, err := e.store.ListPositions(ctx, e.sessionID)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.ProductType == productIntraday {
			return p.NetQty, nil
		}
	}
	return 0, nil
}

// placeOrder runs risk check -> order row -> breaker-guarded broker
// dispatch. Returns true when the broker acknowledged.
func (e *Executor) placeOrder(ctx context.Context, name, symbol, display string, side types.OrderSide, qty int, price decimal.Decimal, signal string, tick types.Tick) bool {
	key := idempotencyKey(name, signal, tick.Ts)

	res := e.risk.ValidateOrder(ctx, &risk.Request{
		SessionID:      e.sessionID,
		IdempotencyKey: key,
		StrategyName:   name,
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		Price:          price,
		LotSize:        e.lotSize,
	})
	if !res.Allowed {
		log.Warn().
			Str("strategy", name).
			Str("symbol", symbol).
			Str("code", res.Code).
			Str("reason", res.Reason).
			Msg("🚫 Order blocked by risk engine")
		e.countOrder(ctx, true)
		return false
	}

	now := time.Now().UTC()
	order := &types.Order{
		SessionID:      e.sessionID,
		IdempotencyKey: key,
		StrategyName:   name,
		Symbol:         symbol,
		DisplaySymbol:  display,
		Side:           side,
		Type:           types.TypeMarket,
		ProductType:    productIntraday,
		Quantity:       qty,
		Price:          price,
		Validity:       "DAY",
		Status:         types.OrderPending,
		RiskSnapshot:   res.Snapshot,
	}
	if err := e.store.InsertOrder(ctx, order); err != nil {
		if errors.Is(err, storage.ErrDuplicateOrder) {
			log.Warn().Str("strategy", name).Str("key", key).Msg("Duplicate order suppressed")
		} else {
			log.Error().Err(err).Str("strategy", name).Msg("Order insert failed")
		}
		return false
	}
	if err := e.store.MarkOrderSent(ctx, order.ID, now); err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to mark order sent")
	}

	var sub *broker.SubmitResult
	err := e.breakers.Orders.Do(ctx, func() error {
		var berr error
		sub, berr = e.broker.SubmitOrder(ctx, &broker.OrderRequest{
			Symbol:      symbol,
			Quantity:    qty,
			Side:        side,
			Type:        types.TypeMarket,
			ProductType: productIntraday,
			Validity:    "DAY",
			OrderTag:    name,
		})
		return berr
	})
	if err != nil {
		reason := fmt.Sprintf("submit failed: %v", err)
		if breaker.IsOpen(err) {
			reason = "orders circuit open"
		}
		if merr := e.store.MarkOrderRejected(ctx, order.ID, reason, "", "EXECUTOR"); merr != nil {
			log.Error().Err(merr).Str("order_id", order.ID).Msg("Failed to mark order rejected")
		}
		e.countOrder(ctx, true)
		log.Error().Err(err).Str("strategy", name).Str("symbol", symbol).Msg("❌ Order dispatch failed")
		return false
	}
	if !sub.OK {
		if merr := e.store.MarkOrderRejected(ctx, order.ID, sub.Message, "", "BROKER"); merr != nil {
			log.Error().Err(merr).Str("order_id", order.ID).Msg("Failed to mark order rejected")
		}
		e.countOrder(ctx, true)
		log.Warn().Str("strategy", name).Str("reason", sub.Message).Msg("🚫 Broker rejected order")
		return false
	}

	if err := e.store.MarkOrderAcked(ctx, order.ID, sub.BrokerOrderID, time.Now().UTC()); err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to mark order acked")
	}
	e.countOrder(ctx, false)

	log.Info().
		Str("strategy", name).
		Str("symbol", symbol).
		Str("side", string(side)).
		Int("qty", qty).
		Str("broker_order_id", sub.BrokerOrderID).
		Msg("📤 Order dispatched")

	if e.dryRun {
		e.simulateFill(ctx, order)
	}
	return true
}

// simulateFill books an immediate full fill in paper mode so positions and
// session P&L stay live without a broker. The reconciliation orphan scan
// never sees these orders stuck in SENDING.
func (e *Executor) simulateFill(ctx context.Context, o *types.Order) {
	price := o.Price
	if !price.IsPositive() {
		price = paperFillPrice
	}

	realized, err := ApplyFill(ctx, e.store, e.sessionID, o, o.Quantity, price, "EXECUTOR", time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Str("order_id", o.ID).Msg("Paper fill failed")
		return
	}
	log.Info().
		Str("order_id", o.ID).
		Str("symbol", o.Symbol).
		Str("price", price.String()).
		Int("qty", o.Quantity).
		Msg("✅ Order filled (PAPER)")

	if !realized.IsZero() {
		if _, rerr := e.risk.RecordRealizedPnL(ctx, e.sessionID, realized); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to record realized P&L")
		}
	}
}

func (e *Executor) countOrder(ctx context.Context, rejected bool) {
	if err := e.store.IncrementOrderCounts(ctx, e.sessionID, rejected); err != nil {
		log.Warn().Err(err).Msg("Failed to bump session order counters")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// idempotencyKey identifies a single order attempt. Strategy, signal and
// minute bucket make it traceable; the random suffix keeps distinct
// attempts within the same minute distinct. The risk engine and the
// orders unique index both refuse a reused key.
func idempotencyKey(name, signal string, ts time.Time) string {
	raw := fmt.Sprintf("%s|%s|%s|%s",
		name, signal, ts.UTC().Truncate(time.Minute).Format("200601021504"), uuid.NewString()[:8])
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
