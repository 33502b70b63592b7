package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/breaker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/broker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/cache"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK ENGINE - Gatekeeper for all orders
// ═══════════════════════════════════════════════════════════════════════════════
//
// One entry point, nine ordered checks, all under the per-session advisory
// lock. Even with parallel workers only one evaluation runs per session at a
// time. Every input is read fresh from the locked row or the live broker;
// nothing is trusted from callers.
//
// ═══════════════════════════════════════════════════════════════════════════════

// fallbackEstPrice stands in for the premium when no price, cached LTP or
// quote is available. Conservative default for index option legs.
var fallbackEstPrice = decimal.NewFromInt(100)

// Request is a proposed order, pre-validation.
type Request struct {
	SessionID      string
	IdempotencyKey string
	StrategyName   string
	Symbol         string
	Side           types.OrderSide
	Quantity       int
	Price          decimal.Decimal // zero means "use LTP"
	LotSize        int
}

// Result is the outcome of one validation pass. A reject carries the code
// and a human-readable reason; an approval carries the snapshot that was
// checked, for persisting on the order row.
type Result struct {
	Allowed  bool
	Code     string
	Reason   string
	Snapshot *types.RiskSnapshot
}

func reject(code, format string, args ...any) Result {
	return Result{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// KillHook is invoked asynchronously after the kill switch flips, outside
// any lock. Used to push operator alerts.
type KillHook func(reason types.KillReason, actor, note string)

type Engine struct {
	store        storage.Store
	broker       broker.Broker
	breakers     *breaker.Set
	cache        *cache.Cache
	marginFactor decimal.Decimal
	killHook     KillHook
}

func NewEngine(store storage.Store, b broker.Broker, breakers *breaker.Set, c *cache.Cache, marginFactor float64) *Engine {
	if marginFactor <= 0 {
		marginFactor = 0.15
	}
	e := &Engine{
		store:        store,
		broker:       b,
		breakers:     breakers,
		cache:        c,
		marginFactor: decimal.NewFromFloat(marginFactor),
	}
	log.Info().
		Str("margin_factor", e.marginFactor.String()).
		Msg("🛡️ Risk engine initialized")
	return e
}

// SetKillHook registers the alert callback. Call during wiring, before any
// traffic.
func (e *Engine) SetKillHook(h KillHook) {
	e.killHook = h
}

func (e *Engine) fireKillHook(reason types.KillReason, actor, note string) {
	if e.killHook != nil {
		go e.killHook(reason, actor, note)
	}
}

// ValidateOrder runs every risk check atomically under the session's risk
// lock. Rejects are results, not errors; the transaction still commits so
// that a kill switch tripped mid-evaluation is durable.
func (e *Engine) ValidateOrder(ctx context.Context, req *Request) Result {
	var res Result

	acquired, err := e.store.WithRiskLock(ctx, req.SessionID, storage.RiskLockTimeout, func(tx storage.Tx) error {
		var ferr error
		res, ferr = e.evaluate(ctx, tx, req)
		return ferr
	})
	if err != nil {
		log.Error().Err(err).Str("strategy", req.StrategyName).Msg("Risk evaluation failed")
		return reject(types.CodeStoreError, "risk evaluation failed: %v", err)
	}
	if !acquired {
		return reject(types.CodeLockTimeout, "risk engine busy, another order is being processed")
	}

	if res.Allowed {
		log.Info().
			Str("strategy", req.StrategyName).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Int("qty", req.Quantity).
			Float64("margin_util_pct", res.Snapshot.MarginUtilPct).
			Msg("✅ Risk APPROVED")
	} else {
		log.Warn().
			Str("strategy", req.StrategyName).
			Str("symbol", req.Symbol).
			Str("code", res.Code).
			Str("reason", res.Reason).
			Msg("🚫 Risk REJECTED")
	}

	// Checks 4 and 5 flip the switch inside the transaction; reaching them
	// means it was not active before, so these codes always mean "just
	// tripped".
	switch res.Code {
	case types.CodeMarginLimitBreach:
		e.fireKillHook(types.KillMarginBreach, "RISK_ENGINE", res.Reason)
	case types.CodeDailyLossBreach:
		e.fireKillHook(types.KillDailyLoss, "RISK_ENGINE", res.Reason)
	}

	return res
}

// evaluate holds the nine checks. Runs inside the advisory lock; returning
// an error rolls the transaction back, returning a reject Result commits it.
func (e *Engine) evaluate(ctx context.Context, tx storage.Tx, req *Request) (Result, error) {
	// ── 1. Kill switch (locked row, fresh read) ──
	sess, err := tx.SessionForUpdate(ctx, req.SessionID)
	if err != nil {
		return Result{}, err
	}
	if sess.IsKilled {
		return reject(types.CodeKillSwitchActive, "trading halted: %s", sess.KillReason), nil
	}

	// ── 2. Idempotency ──
	exists, err := tx.OrderKeyExists(ctx, req.IdempotencyKey)
	if err != nil {
		return Result{}, err
	}
	if exists {
		return reject(types.CodeDuplicateOrder, "order with key %.16s... already processed", req.IdempotencyKey), nil
	}

	// ── 3. Live margin from broker, through the funds breaker ──
	allowed, err := e.breakers.Funds.Allow(ctx)
	if err != nil {
		return Result{}, err
	}
	if !allowed {
		return reject(types.CodeCircuitOpenFunds, "margin verification unavailable, order blocked"), nil
	}
	funds, ferr := e.broker.Funds(ctx)
	if ferr != nil {
		e.breakers.Funds.RecordFailure(ctx)
		log.Error().Err(ferr).Msg("Margin fetch failed")
		return reject(types.CodeMarginFetchFailed, "cannot verify margin with broker, order blocked"), nil
	}
	e.breakers.Funds.RecordSuccess(ctx)

	available := funds.Available
	used := funds.Used
	total := available.Add(used)
	e.cache.SetMargin(ctx, used, total)

	var utilPct float64
	if total.IsPositive() {
		utilPct, _ = used.Div(total).Mul(decimal.NewFromInt(100)).Float64()
	}

	// ── 4. Margin utilisation ──
	if utilPct >= sess.MaxMarginPct {
		if _, err := tx.TriggerKillSwitch(ctx, req.SessionID, types.KillMarginBreach, "RISK_ENGINE",
			fmt.Sprintf("Margin %.1f%% >= limit %.0f%%", utilPct, sess.MaxMarginPct)); err != nil {
			return Result{}, err
		}
		return reject(types.CodeMarginLimitBreach,
			"margin %.1f%% exceeds limit %.0f%%, kill switch triggered", utilPct, sess.MaxMarginPct), nil
	}

	// ── 5. Daily loss limit ──
	dayPnL := sess.DayPnL()
	if dayPnL.LessThan(sess.MaxDailyLoss.Abs().Neg()) {
		if _, err := tx.TriggerKillSwitch(ctx, req.SessionID, types.KillDailyLoss, "RISK_ENGINE",
			fmt.Sprintf("Day P&L %s breached limit -%s", dayPnL, sess.MaxDailyLoss.Abs())); err != nil {
			return Result{}, err
		}
		return reject(types.CodeDailyLossBreach,
			"daily loss limit %s breached, trading halted", sess.MaxDailyLoss.Abs()), nil
	}

	// ── 6. Max open positions ──
	openCount, err := tx.OpenPositionCount(ctx, req.SessionID)
	if err != nil {
		return Result{}, err
	}
	if openCount >= sess.MaxOpenPositions {
		return reject(types.CodeMaxPositionsReached, "max open positions (%d) reached", sess.MaxOpenPositions), nil
	}

	// ── 7. Lot size ──
	lotSize := req.LotSize
	if lotSize <= 0 {
		lotSize = 50
	}
	lots := float64(req.Quantity) / float64(lotSize)
	if lots > float64(sess.MaxLotSize) {
		return reject(types.CodeLotSizeExceeded, "order %.1f lots > max %d lots", lots, sess.MaxLotSize), nil
	}

	// ── 8. Estimated margin vs available ──
	estPrice := req.Price
	if !estPrice.IsPositive() {
		estPrice = e.referencePrice(ctx, req.Symbol)
	}
	estMargin := estPrice.Mul(decimal.NewFromInt(int64(req.Quantity))).Mul(e.marginFactor)
	if estMargin.GreaterThan(available) {
		return reject(types.CodeInsufficientMargin,
			"order needs ~%s margin, only %s available", estMargin.Round(0), available.Round(0)), nil
	}

	// ── 9. Kill switch re-check ──
	// The funds fetch above left the row; another request may have tripped
	// the switch since check 1.
	killed, err := tx.SessionKilled(ctx, req.SessionID)
	if err != nil {
		return Result{}, err
	}
	if killed {
		return reject(types.CodeKillSwitchActive, "kill switch activated during risk evaluation"), nil
	}

	return Result{
		Allowed: true,
		Snapshot: &types.RiskSnapshot{
			CheckedAt:        time.Now().UTC(),
			AvailableMargin:  available,
			UsedMargin:       used,
			MarginUtilPct:    utilPct,
			EstimatedMargin:  estMargin,
			RealizedPnL:      sess.RealizedPnL,
			UnrealizedPnL:    sess.UnrealizedPnL,
			DayPnL:           dayPnL,
			OpenPositions:    openCount,
			MaxDailyLoss:     sess.MaxDailyLoss,
			MaxMarginPct:     sess.MaxMarginPct,
			MaxOpenPositions: sess.MaxOpenPositions,
			MaxLotSize:       sess.MaxLotSize,
		},
	}, nil
}

// referencePrice finds a price for margin estimation: cached LTP first, then
// a live quote through the quotes breaker, then a conservative constant.
func (e *Engine) referencePrice(ctx context.Context, symbol string) decimal.Decimal {
	if ltp, ok := e.cache.LTP(ctx, symbol); ok && ltp.IsPositive() {
		return ltp
	}
	if allowed, err := e.breakers.Quotes.Allow(ctx); err == nil && allowed {
		ltp, qerr := e.broker.Quote(ctx, symbol)
		switch {
		case errors.Is(qerr, broker.ErrDryRun):
			// Paper mode has no quotes; not a broker fault.
		case qerr != nil:
			e.breakers.Quotes.RecordFailure(ctx)
		default:
			e.breakers.Quotes.RecordSuccess(ctx)
			if ltp.IsPositive() {
				return ltp
			}
		}
	}
	return fallbackEstPrice
}

// ─────────────────────────────────────────────────────────────
// Kill switch
// ─────────────────────────────────────────────────────────────

// TriggerKillSwitch activates the session kill switch. Idempotent: the first
// reason wins and repeat triggers are no-ops. Returns whether this call
// flipped it.
func (e *Engine) TriggerKillSwitch(ctx context.Context, sessionID string, reason types.KillReason, actor, note string) (bool, error) {
	changed, err := e.store.TriggerKillSwitch(ctx, sessionID, reason, actor, note)
	if err != nil {
		return false, err
	}
	if changed {
		log.Error().
			Str("reason", string(reason)).
			Str("actor", actor).
			Str("note", note).
			Msg("🚨 KILL SWITCH ACTIVATED")
		e.fireKillHook(reason, actor, note)
	}
	return changed, nil
}

// DeactivateKillSwitch is a manual operator action.
func (e *Engine) DeactivateKillSwitch(ctx context.Context, sessionID, actor string) error {
	if err := e.store.DeactivateKillSwitch(ctx, sessionID, actor); err != nil {
		return err
	}
	log.Warn().Str("actor", actor).Msg("Kill switch DEACTIVATED")
	return nil
}

// ─────────────────────────────────────────────────────────────
// P&L update path
// ─────────────────────────────────────────────────────────────

// RecordRealizedPnL atomically adds a fill's realized delta to the session
// and trips the kill switch inline when the updated day P&L is in breach.
func (e *Engine) RecordRealizedPnL(ctx context.Context, sessionID string, delta decimal.Decimal) (*types.TradingSession, error) {
	sess, err := e.store.AddRealizedPnL(ctx, sessionID, delta)
	if err != nil {
		return nil, err
	}

	if !sess.IsKilled && sess.DayPnL().LessThan(sess.MaxDailyLoss.Abs().Neg()) {
		if _, err := e.TriggerKillSwitch(ctx, sessionID, types.KillDailyLoss, "RISK_ENGINE",
			fmt.Sprintf("Auto-triggered after fill. Day P&L: %s", sess.DayPnL())); err != nil {
			return sess, err
		}
	}
	return sess, nil
}
