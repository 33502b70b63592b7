package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

func testSession(t *testing.T, store *Memory) *types.TradingSession {
	t.Helper()
	s, err := store.GetOrCreateSession(context.Background(), time.Now(), SessionLimits{
		MaxDailyLoss:     decimal.NewFromInt(10000),
		MaxPositionSize:  10,
		MaxOpenPositions: 5,
		MaxMarginPct:     80,
		MaxLotSize:       10,
	})
	require.NoError(t, err)
	return s
}

func TestGetOrCreateSessionIsIdempotent(t *testing.T) {
	store := NewMemory()
	a := testSession(t, store)
	b := testSession(t, store)
	assert.Equal(t, a.ID, b.ID)
	assert.True(t, a.MaxDailyLoss.Equal(decimal.NewFromInt(10000)))
}

func TestKillSwitchFirstReasonWins(t *testing.T) {
	store := NewMemory()
	s := testSession(t, store)
	ctx := context.Background()

	tripped, err := store.TriggerKillSwitch(ctx, s.ID, types.KillDailyLoss, "RISK_ENGINE", "day pnl breached")
	require.NoError(t, err)
	assert.True(t, tripped)

	tripped, err = store.TriggerKillSwitch(ctx, s.ID, types.KillManual, "operator", "")
	require.NoError(t, err)
	assert.False(t, tripped, "second trigger must be a no-op")

	got, err := store.GetSessionByDate(ctx, time.Now())
	require.NoError(t, err)
	assert.True(t, got.IsKilled)
	assert.Equal(t, types.KillDailyLoss, got.KillReason)
	assert.Equal(t, "RISK_ENGINE", got.KilledBy)

	triggers := 0
	for _, ev := range store.AuditEvents() {
		if ev.EventType == "KILL_SWITCH_TRIGGERED" {
			triggers++
		}
	}
	assert.Equal(t, 1, triggers, "exactly one audit row per activation")
}

func TestDeactivateKillSwitchClearsState(t *testing.T) {
	store := NewMemory()
	s := testSession(t, store)
	ctx := context.Background()

	_, err := store.TriggerKillSwitch(ctx, s.ID, types.KillManual, "operator", "")
	require.NoError(t, err)
	require.NoError(t, store.DeactivateKillSwitch(ctx, s.ID, "operator"))

	got, err := store.GetSessionByDate(ctx, time.Now())
	require.NoError(t, err)
	assert.False(t, got.IsKilled)
	assert.Empty(t, got.KillReason)
	assert.Nil(t, got.KillTime)
}

func TestInsertOrderRejectsDuplicateKey(t *testing.T) {
	store := NewMemory()
	s := testSession(t, store)
	ctx := context.Background()

	order := &types.Order{
		SessionID:      s.ID,
		IdempotencyKey: "abc123",
		Symbol:         "NSE:NIFTY2583024500CE",
		Side:           types.SideBuy,
		Type:           types.TypeMarket,
		ProductType:    "INTRADAY",
		Quantity:       50,
		Status:         types.OrderCreated,
	}
	require.NoError(t, store.InsertOrder(ctx, order))

	dup := *order
	dup.ID = ""
	err := store.InsertOrder(ctx, &dup)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestApplyOrderFillStatusPromotion(t *testing.T) {
	store := NewMemory()
	s := testSession(t, store)
	ctx := context.Background()

	order := &types.Order{
		SessionID:      s.ID,
		IdempotencyKey: "fill-test",
		Symbol:         "NSE:NIFTY2583024500CE",
		Side:           types.SideBuy,
		Type:           types.TypeMarket,
		ProductType:    "INTRADAY",
		Quantity:       100,
		Status:         types.OrderAcknowledged,
	}
	require.NoError(t, store.InsertOrder(ctx, order))

	require.NoError(t, store.ApplyOrderFill(ctx, order.ID, 40, decimal.NewFromFloat(112.5), "RECONCILIATION", time.Now()))
	got, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderPartiallyFilled, got.Status)
	assert.Nil(t, got.FilledAt)

	require.NoError(t, store.ApplyOrderFill(ctx, order.ID, 100, decimal.NewFromFloat(113.0), "RECONCILIATION", time.Now()))
	got, err = store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, got.Status)
	require.NotNil(t, got.FilledAt)
	assert.Equal(t, 100, got.FilledQty)
}

func TestSetIntentOneSlotPerStrategy(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	_, err := store.EnsureStrategyState(ctx, "STAT_SNIPER_01", "NSE:NIFTY50-INDEX", "statistical_sniper")
	require.NoError(t, err)

	ok, err := store.SetIntent(ctx, "STAT_SNIPER_01", types.IntentPause, "operator", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIntent(ctx, "STAT_SNIPER_01", types.IntentStop, "other", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "slot is taken until the executor acks")

	require.NoError(t, store.AckIntent(ctx, "STAT_SNIPER_01", types.StrategyPaused, time.Now(), AckOptions{}))

	ok, err = store.SetIntent(ctx, "STAT_SNIPER_01", types.IntentResume, "operator", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAckIntentSideEffects(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	_, err := store.EnsureStrategyState(ctx, "FAILED_AUCTION_B1", "NSE:NIFTY50-INDEX", "failed_auction")
	require.NoError(t, err)

	_, err = store.RecordStrategyError(ctx, "FAILED_AUCTION_B1", "boom", "trace", time.Now())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.AckIntent(ctx, "FAILED_AUCTION_B1", types.StrategyRunning, now, AckOptions{
		SetStartedAt: true,
		ClearError:   true,
	}))

	got, err := store.GetStrategyState(ctx, "FAILED_AUCTION_B1")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyRunning, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.ErrorTrace)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, types.IntentNone, got.ControlIntent)

	require.NoError(t, store.AckIntent(ctx, "FAILED_AUCTION_B1", types.StrategyStopped, now, AckOptions{
		DisableAutoRestart: true,
	}))
	got, err = store.GetStrategyState(ctx, "FAILED_AUCTION_B1")
	require.NoError(t, err)
	assert.False(t, got.AutoRestart)
}

func TestMarkStrategyRestartedOnlyFromError(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	_, err := store.EnsureStrategyState(ctx, "S", "NSE:NIFTY50-INDEX", "t")
	require.NoError(t, err)

	ok, err := store.MarkStrategyRestarted(ctx, "S", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "stopped strategy must not be auto restarted")

	_, err = store.RecordStrategyError(ctx, "S", "boom", "", time.Now())
	require.NoError(t, err)

	ok, err = store.MarkStrategyRestarted(ctx, "S", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetStrategyState(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyRunning, got.Status)
	assert.Equal(t, 1, got.RestartCount)
}

func TestWithRiskLockContention(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		acquired, err := store.WithRiskLock(ctx, "s1", time.Second, func(Tx) error {
			close(held)
			<-release
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, acquired)
	}()

	<-held
	acquired, err := store.WithRiskLock(ctx, "s1", time.Second, func(Tx) error { return nil })
	require.NoError(t, err)
	assert.False(t, acquired, "same session must contend")

	acquired, err = store.WithRiskLock(ctx, "s2", time.Second, func(Tx) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired, "different session must not contend")

	close(release)
	<-done

	acquired, err = store.WithRiskLock(ctx, "s1", time.Second, func(Tx) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired, "lock must be free after the scope exits")
}

func TestPositionLockPerSymbol(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = store.WithPositionLock(ctx, "s1", "NSE:NIFTY2583024500CE", time.Second, func(Tx) error {
			close(held)
			<-release
			return nil
		})
	}()

	<-held
	acquired, err := store.WithPositionLock(ctx, "s1", "NSE:NIFTY2583024500PE", time.Second, func(Tx) error { return nil })
	require.NoError(t, err)
	assert.True(t, acquired, "different symbols serialize independently")

	acquired, err = store.WithPositionLock(ctx, "s1", "NSE:NIFTY2583024500CE", time.Second, func(Tx) error { return nil })
	require.NoError(t, err)
	assert.False(t, acquired)

	close(release)
	<-done
}

func TestLockKeyDerivation(t *testing.T) {
	assert.Equal(t, riskLockKey("abc"), riskLockKey("abc"), "keys are stable")
	assert.NotEqual(t, riskLockKey("abc"), riskLockKey("abd"))
	assert.NotEqual(t, riskLockKey("s1"), positionLockKey("s1", "NSE:NIFTY50-INDEX"))
}

func TestFillControlLogAckIsOneShot(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	id, err := store.AppendControlLog(ctx, &types.ControlLogEntry{
		StrategyName: "S",
		Action:       "pause",
		Actor:        "operator",
		FromStatus:   "running",
		ToStatus:     "paused",
	})
	require.NoError(t, err)

	first := time.Now().UTC()
	require.NoError(t, store.FillControlLogAck(ctx, id, first, 120))
	require.NoError(t, store.FillControlLogAck(ctx, id, first.Add(time.Hour), 999))

	entries := store.ControlEntries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].AckedAt)
	assert.Equal(t, first, *entries[0].AckedAt)
	assert.Equal(t, int64(120), *entries[0].AckLatencyMs)
}
