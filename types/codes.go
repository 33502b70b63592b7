package types

// Stable reject/error codes. These strings are the API contract; renaming one
// is a breaking change for every consumer.

// Validation failures (safe rejects).
const (
	CodeDuplicateOrder      = "DUPLICATE_ORDER"
	CodeLotSizeExceeded     = "LOT_SIZE_EXCEEDED"
	CodeInsufficientMargin  = "INSUFFICIENT_MARGIN"
	CodeMaxPositionsReached = "MAX_POSITIONS_REACHED"
	CodeInvalidIntent       = "INVALID_INTENT"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeConfirmRequired     = "CONFIRM_REQUIRED"
)

// Risk gate trips. These reject the order and trip the kill switch.
const (
	CodeMarginLimitBreach = "MARGIN_LIMIT_BREACH"
	CodeDailyLossBreach   = "DAILY_LOSS_BREACH"
)

// Kill-switch state.
const CodeKillSwitchActive = "KILL_SWITCH_ACTIVE"

// Concurrency.
const (
	CodeLockTimeout   = "LOCK_TIMEOUT"
	CodeIntentRace    = "INTENT_RACE"
	CodeIntentPending = "INTENT_PENDING"
)

// External degradation.
const (
	CodeCircuitOpenOrders = "CIRCUIT_OPEN_ORDERS"
	CodeCircuitOpenQuotes = "CIRCUIT_OPEN_QUOTES"
	CodeCircuitOpenFunds  = "CIRCUIT_OPEN_FUNDS"
	CodeCircuitOpenWS     = "CIRCUIT_OPEN_WS"
	CodeMarginFetchFailed = "MARGIN_FETCH_FAILED"
	CodeStoreError        = "STORE_ERROR"
	CodeStrategyNotFound  = "STRATEGY_NOT_FOUND"
)

// Signals a strategy can emit. The executor acts only on a change to BUY,
// SELL or an EXIT_* value.
const (
	SignalWarmingUp = "WARMING_UP"
	SignalWaiting   = "WAITING"
	SignalHolding   = "HOLDING"
	SignalBuy       = "BUY"
	SignalSell      = "SELL"
	SignalExit      = "EXIT"
	SignalExitSL    = "EXIT_SL"
	SignalExitTP    = "EXIT_TP"
	SignalExitEOD   = "EXIT_EOD"
	SignalFlat      = "FLAT"
)

// IsActionable reports whether a signal change should open the order path.
func IsActionable(signal string) bool {
	switch signal {
	case SignalBuy, SignalSell:
		return true
	}
	return len(signal) > 5 && signal[:5] == "EXIT_" || signal == SignalExit
}

// Direction bias values.
const (
	DirectionBull    = "BULL"
	DirectionBear    = "BEAR"
	DirectionNeutral = "NEUTRAL"
)
