package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/broker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/execution"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/risk"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION WORKER - Broker vs store sync with crash recovery
// ═══════════════════════════════════════════════════════════════════════════════
//
// CORE LOGIC (one cycle):
// 1. Load today's session; no session, no work.
// 2. Fetch broker positions and orders in parallel. A failed fetch bumps a
//    DB-persisted failure counter; a process restart does not reset it, and
//    the third consecutive failure trips the RECONCILE_FAIL kill switch.
// 3. Positions: broker quantity wins. A divergent row is corrected and
//    flagged CORRECTED; a matching row gets its LTP refreshed and OK.
// 4. Orders: active rows follow the broker's reported status. A fill seen
//    here is booked into the position under the position lock, and the
//    realized delta of any closing quantity flows to the session P&L.
// 5. Orphans: SENDING/ACKNOWLEDGED rows past the age cutoff resolve to the
//    broker's answer, or REJECTED when the broker never heard of them.
// 6. Session gets unrealized P&L, last_reconcile_at and OK/MISMATCH; every
//    cycle appends one reconciliation log row.
//
// Single-flight: a cycle that is still running makes the next trigger a
// no-op.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultInterval is the scheduling cadence core wires the worker at.
	DefaultInterval = 15 * time.Second

	// MaxFailures is the consecutive-failure threshold for the kill switch.
	MaxFailures = 3

	// orphanAge is how long a SENDING/ACKNOWLEDGED row may sit before the
	// crash-recovery scan claims it.
	orphanAge = 60 * time.Second
)

type Config struct {
	// DryRun skips broker comparison (there is no broker book to compare
	// against in paper mode) but keeps orphan recovery, which in paper mode
	// catches rows stranded by a crash mid-dispatch.
	DryRun bool
}

type Worker struct {
	store  storage.Store
	broker broker.Broker
	risk   *risk.Engine
	dryRun bool

	mu sync.Mutex
}

func New(store storage.Store, brk broker.Broker, riskEngine *risk.Engine, cfg Config) *Worker {
	return &Worker{store: store, broker: brk, risk: riskEngine, dryRun: cfg.DryRun}
}

// Name implements scheduler.Job.
func (w *Worker) Name() string { return "reconciliation" }

// Run implements scheduler.Job.
func (w *Worker) Run(ctx context.Context) error {
	_, err := w.RunOnce(ctx)
	return err
}

// RunOnce executes one full cycle and returns the log row it wrote. A nil,
// nil return means there was nothing to do (no session, or a cycle already
// in flight).
func (w *Worker) RunOnce(ctx context.Context) (*types.ReconciliationLog, error) {
	if !w.mu.TryLock() {
		log.Debug().Msg("Reconciliation already in progress, skipping")
		return nil, nil
	}
	defer w.mu.Unlock()

	start := time.Now()

	session, err := w.store.GetSessionByDate(ctx, start.UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var (
		brokerPositions []broker.Position
		brokerOrders    []broker.Order
	)
	if !w.dryRun {
		brokerPositions, brokerOrders, err = w.fetchBoth(ctx)
		if err != nil {
			return w.recordFailure(ctx, session, start, err)
		}
	}

	if err := w.store.ResetReconcileFailures(ctx, session.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to reset reconcile failure count")
	}

	var (
		mismatches  []types.ReconMismatch
		corrections []types.ReconCorrection
	)
	if !w.dryRun {
		pm, pc := w.reconcilePositions(ctx, session, brokerPositions)
		om, oc := w.reconcileOrders(ctx, session, brokerOrders)
		mismatches = append(append(mismatches, pm...), om...)
		corrections = append(append(corrections, pc...), oc...)
	}
	corrections = append(corrections, w.recoverOrphans(ctx, session, brokerOrders)...)

	unrealized := decimal.Zero
	if w.dryRun {
		if locals, lerr := w.store.ListPositions(ctx, session.ID); lerr == nil {
			for _, p := range locals {
				unrealized = unrealized.Add(p.UnrealizedPnL)
			}
		}
	} else {
		for _, p := range brokerPositions {
			unrealized = unrealized.Add(p.PnL)
		}
	}

	status := types.ReconcileOK
	if len(mismatches) > 0 {
		status = types.ReconcileMismatch
	}
	if err := w.store.SetSessionReconcileResult(ctx, session.ID, status, time.Now().UTC(), unrealized); err != nil {
		log.Error().Err(err).Msg("Failed to store session reconcile result")
	}

	entry := &types.ReconciliationLog{
		RunAt:            start.UTC(),
		Status:           status,
		OrdersChecked:    len(brokerOrders),
		PositionsChecked: len(brokerPositions),
		Mismatches:       mismatches,
		Corrections:      corrections,
		DurationMs:       time.Since(start).Milliseconds(),
	}
	if err := w.store.AppendReconciliationLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("Failed to append reconciliation log")
	}

	ev := log.Debug()
	if len(mismatches) > 0 {
		ev = log.Warn()
	}
	ev.Str("status", string(status)).
		Int("positions", len(brokerPositions)).
		Int("orders", len(brokerOrders)).
		Int("mismatches", len(mismatches)).
		Int("corrections", len(corrections)).
		Int64("ms", entry.DurationMs).
		Msg("🔁 Reconciliation complete")
	return entry, nil
}

func (w *Worker) fetchBoth(ctx context.Context) ([]broker.Position, []broker.Order, error) {
	var (
		wg         sync.WaitGroup
		positions  []broker.Position
		orders     []broker.Order
		perr, oerr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		positions, perr = w.broker.Positions(ctx)
	}()
	go func() {
		defer wg.Done()
		orders, oerr = w.broker.Orders(ctx)
	}()
	wg.Wait()

	if perr != nil {
		return nil, nil, fmt.Errorf("positions: %w", perr)
	}
	if oerr != nil {
		return nil, nil, fmt.Errorf("orders: %w", oerr)
	}
	return positions, orders, nil
}

// recordFailure persists the failure, writes the FAILED log row and pulls
// the kill switch once the consecutive-failure budget is spent.
func (w *Worker) recordFailure(ctx context.Context, session *types.TradingSession, start time.Time, cause error) (*types.ReconciliationLog, error) {
	count, err := w.store.IncrementReconcileFailures(ctx, session.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to bump reconcile failure count")
		count = session.ReconcileFailureCount + 1
	}
	// Only the status flips; the last known unrealized value stands.
	if err := w.store.SetSessionReconcileResult(ctx, session.ID, types.ReconcileFailed, time.Now().UTC(), session.UnrealizedPnL); err != nil {
		log.Warn().Err(err).Msg("Failed to store session reconcile result")
	}

	entry := &types.ReconciliationLog{
		RunAt:        start.UTC(),
		Status:       types.ReconcileFailed,
		ErrorMessage: fmt.Sprintf("broker fetch failed (consecutive failures: %d): %v", count, cause),
		DurationMs:   time.Since(start).Milliseconds(),
	}
	if aerr := w.store.AppendReconciliationLog(ctx, entry); aerr != nil {
		log.Error().Err(aerr).Msg("Failed to append reconciliation log")
	}

	log.Error().Err(cause).Int("consecutive", count).Msg("❌ Reconciliation fetch failed")

	if count >= MaxFailures {
		log.Error().Int("failures", count).Msg("🚨 Reconciliation failure threshold reached, tripping kill switch")
		note := fmt.Sprintf("broker unreachable for %d consecutive reconciliation cycles", count)
		if _, kerr := w.risk.TriggerKillSwitch(ctx, session.ID, types.KillReconcileFail, "RECONCILIATION", note); kerr != nil {
			log.Error().Err(kerr).Msg("Failed to trigger kill switch")
		}
	}
	return entry, nil
}

// ─────────────────────────────────────────────────────────────
// Positions
// ─────────────────────────────────────────────────────────────

func (w *Worker) reconcilePositions(ctx context.Context, session *types.TradingSession, brokerPositions []broker.Position) ([]types.ReconMismatch, []types.ReconCorrection) {
	var (
		mismatches  []types.ReconMismatch
		corrections []types.ReconCorrection
	)

	bySymbol := make(map[string]broker.Position, len(brokerPositions))
	for _, p := range brokerPositions {
		bySymbol[p.Symbol] = p
	}

	locals, err := w.store.ListPositions(ctx, session.ID)
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation: list positions failed")
		return nil, nil
	}

	now := time.Now().UTC()
	for _, pos := range locals {
		bp, held := bySymbol[pos.Symbol]
		brokerQty := 0
		if held {
			brokerQty = bp.NetQty
		}

		if brokerQty != pos.NetQty {
			mismatches = append(mismatches, types.ReconMismatch{
				Kind:   "position",
				Symbol: pos.Symbol,
				Local:  strconv.Itoa(pos.NetQty),
				Broker: strconv.Itoa(brokerQty),
			})
			if err := w.store.CorrectPositionQty(ctx, pos.ID, brokerQty, now); err != nil {
				log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Position qty correction failed")
				continue
			}
			corrections = append(corrections, types.ReconCorrection{
				Kind:   "position",
				Symbol: pos.Symbol,
				Action: fmt.Sprintf("QTY_SYNCED to %d", brokerQty),
			})
			log.Warn().
				Str("symbol", pos.Symbol).
				Int("local", pos.NetQty).
				Int("broker", brokerQty).
				Msg("⚠️ Position qty corrected to broker value")
			continue
		}

		ltp, unreal := pos.LTP, pos.UnrealizedPnL
		if held {
			ltp, unreal = bp.LTP, bp.PnL
		}
		if err := w.store.MarkPositionChecked(ctx, pos.ID, brokerQty, ltp, unreal, now); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Position check update failed")
		}
	}
	return mismatches, corrections
}

// ─────────────────────────────────────────────────────────────
// Orders
// ─────────────────────────────────────────────────────────────

// brokerStatusTarget maps a broker order-book status onto the local status
// enum. TRANSIT and unknowns do not map: the row keeps its current status.
func brokerStatusTarget(s string) (types.OrderStatus, bool) {
	switch s {
	case broker.StatusFilled:
		return types.OrderFilled, true
	case broker.StatusCancelled:
		return types.OrderCancelled, true
	case broker.StatusRejected:
		return types.OrderRejected, true
	case broker.StatusPending:
		return types.OrderPending, true
	}
	return "", false
}

func (w *Worker) reconcileOrders(ctx context.Context, session *types.TradingSession, brokerOrders []broker.Order) ([]types.ReconMismatch, []types.ReconCorrection) {
	var (
		mismatches  []types.ReconMismatch
		corrections []types.ReconCorrection
	)

	byID := make(map[string]broker.Order, len(brokerOrders))
	for _, o := range brokerOrders {
		if o.BrokerOrderID != "" {
			byID[o.BrokerOrderID] = o
		}
	}

	active, err := w.store.ActiveOrders(ctx, session.ID)
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation: list active orders failed")
		return nil, nil
	}

	now := time.Now().UTC()
	for _, o := range active {
		if o.BrokerOrderID == "" {
			continue
		}
		bo, known := byID[o.BrokerOrderID]
		if !known {
			continue
		}
		target, mapped := brokerStatusTarget(bo.Status)
		if !mapped || target == o.Status {
			continue
		}

		mismatches = append(mismatches, types.ReconMismatch{
			Kind:    "order",
			OrderID: o.ID,
			Local:   string(o.Status),
			Broker:  bo.Status,
		})

		if target == types.OrderFilled {
			// ApplyFill moves the status along with the quantity and books
			// the position under the position lock.
			realized, ferr := execution.ApplyFill(ctx, w.store, session.ID, o, bo.FilledQty, bo.AvgPrice, "RECONCILIATION", now)
			if ferr != nil {
				log.Error().Err(ferr).Str("order_id", o.ID).Msg("Reconciliation fill booking failed")
				continue
			}
			if !realized.IsZero() {
				if _, rerr := w.risk.RecordRealizedPnL(ctx, session.ID, realized); rerr != nil {
					log.Error().Err(rerr).Msg("Failed to record realized P&L")
				}
			}
			log.Info().
				Str("order_id", o.ID).
				Int("filled_qty", bo.FilledQty).
				Str("avg_price", bo.AvgPrice.String()).
				Msg("✅ Fill picked up by reconciliation")
		} else {
			if uerr := w.store.UpdateOrderStatus(ctx, o.ID, target, "RECONCILIATION", fmt.Sprintf("broker reported %s", bo.Status)); uerr != nil {
				log.Error().Err(uerr).Str("order_id", o.ID).Msg("Order status correction failed")
				continue
			}
		}
		corrections = append(corrections, types.ReconCorrection{
			Kind:    "order",
			OrderID: o.ID,
			Action:  "STATUS " + string(target),
		})
	}
	return mismatches, corrections
}

// ─────────────────────────────────────────────────────────────
// Crash recovery
// ─────────────────────────────────────────────────────────────

// recoverOrphans resolves SENDING/ACKNOWLEDGED rows past the age cutoff.
// These exist when the process died between dispatch and terminal state;
// the broker's order book is the only truth left.
func (w *Worker) recoverOrphans(ctx context.Context, session *types.TradingSession, brokerOrders []broker.Order) []types.ReconCorrection {
	var corrections []types.ReconCorrection

	active, err := w.store.ActiveOrders(ctx, session.ID)
	if err != nil {
		log.Error().Err(err).Msg("Orphan scan: list active orders failed")
		return nil
	}

	byID := make(map[string]broker.Order, len(brokerOrders))
	for _, o := range brokerOrders {
		if o.BrokerOrderID != "" {
			byID[o.BrokerOrderID] = o
		}
	}

	now := time.Now().UTC()
	cutoff := now.Add(-orphanAge)

	for _, o := range active {
		if o.Status != types.OrderSending && o.Status != types.OrderAcknowledged {
			continue
		}
		if o.SentAt != nil && o.SentAt.After(cutoff) {
			continue
		}

		var bo *broker.Order
		if o.BrokerOrderID != "" {
			if b, ok := byID[o.BrokerOrderID]; ok {
				bo = &b
			}
		}

		if bo == nil {
			if err := w.store.MarkOrderRejected(ctx, o.ID, "Recovered from orphaned state", "", "CRASH_RECOVERY"); err != nil {
				log.Error().Err(err).Str("order_id", o.ID).Msg("Orphan reject failed")
				continue
			}
			corrections = append(corrections, types.ReconCorrection{
				Kind:    "order",
				OrderID: o.ID,
				Action:  "ORPHAN " + string(types.OrderRejected),
			})
			log.Warn().Str("order_id", o.ID).Msg("🧹 Orphaned order rejected, broker has no record")
			continue
		}

		target, mapped := brokerStatusTarget(bo.Status)
		if !mapped {
			// TRANSIT past the orphan window is not coming back.
			target = types.OrderRejected
		}

		switch target {
		case types.OrderFilled:
			realized, ferr := execution.ApplyFill(ctx, w.store, session.ID, o, bo.FilledQty, bo.AvgPrice, "CRASH_RECOVERY", now)
			if ferr != nil {
				log.Error().Err(ferr).Str("order_id", o.ID).Msg("Orphan fill booking failed")
				continue
			}
			if !realized.IsZero() {
				if _, rerr := w.risk.RecordRealizedPnL(ctx, session.ID, realized); rerr != nil {
					log.Error().Err(rerr).Msg("Failed to record realized P&L")
				}
			}
		case types.OrderRejected:
			if err := w.store.MarkOrderRejected(ctx, o.ID, "Recovered from orphaned state", "", "CRASH_RECOVERY"); err != nil {
				log.Error().Err(err).Str("order_id", o.ID).Msg("Orphan reject failed")
				continue
			}
		default:
			if err := w.store.UpdateOrderStatus(ctx, o.ID, target, "CRASH_RECOVERY", fmt.Sprintf("orphan recovery, broker reported %s", bo.Status)); err != nil {
				log.Error().Err(err).Str("order_id", o.ID).Msg("Orphan status update failed")
				continue
			}
		}
		corrections = append(corrections, types.ReconCorrection{
			Kind:    "order",
			OrderID: o.ID,
			Action:  "ORPHAN " + string(target),
		})
		log.Warn().
			Str("order_id", o.ID).
			Str("resolved", string(target)).
			Msg("🧹 Orphaned order resolved from broker order book")
	}
	return corrections
}
