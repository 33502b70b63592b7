package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/breaker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/broker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/cache"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// stubBroker serves canned funds and quotes.
type stubBroker struct {
	funds      *broker.Funds
	fundsErr   error
	fundsCalls int
	quote      decimal.Decimal
	quoteErr   error
}

func (s *stubBroker) Funds(ctx context.Context) (*broker.Funds, error) {
	s.fundsCalls++
	if s.fundsErr != nil {
		return nil, s.fundsErr
	}
	if s.funds == nil {
		return &broker.Funds{Available: decimal.NewFromInt(500000), Used: decimal.Zero}, nil
	}
	return s.funds, nil
}

func (s *stubBroker) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return s.quote, s.quoteErr
}

func (s *stubBroker) Positions(ctx context.Context) ([]broker.Position, error) { return nil, nil }
func (s *stubBroker) Orders(ctx context.Context) ([]broker.Order, error)       { return nil, nil }
func (s *stubBroker) SubmitOrder(ctx context.Context, req *broker.OrderRequest) (*broker.SubmitResult, error) {
	return &broker.SubmitResult{OK: true, BrokerOrderID: "STUB"}, nil
}
func (s *stubBroker) Stream(symbols []string, h broker.StreamHandlers) broker.Stream { return nil }

type riskFixture struct {
	store  *storage.Memory
	broker *stubBroker
	engine *Engine
	sess   *types.TradingSession
}

func newRiskFixture(t *testing.T) *riskFixture {
	t.Helper()
	store := storage.NewMemory()
	stub := &stubBroker{}
	engine := NewEngine(store, stub, breaker.NewSet(store), cache.New(""), 0.15)

	sess, err := store.GetOrCreateSession(context.Background(), time.Now().UTC(), storage.SessionLimits{
		MaxDailyLoss:     decimal.NewFromInt(10000),
		MaxPositionSize:  10,
		MaxOpenPositions: 5,
		MaxMarginPct:     80.0,
		MaxLotSize:       10,
	})
	require.NoError(t, err)

	return &riskFixture{store: store, broker: stub, engine: engine, sess: sess}
}

func (f *riskFixture) request() *Request {
	return &Request{
		SessionID:      f.sess.ID,
		IdempotencyKey: "k-" + time.Now().Format("150405.000000000"),
		StrategyName:   "TEST_STRAT",
		Symbol:         "NSE:NIFTY25AUG24500CE",
		Side:           types.SideBuy,
		Quantity:       50,
		Price:          decimal.NewFromInt(120),
		LotSize:        50,
	}
}

func TestValidateOrderApproves(t *testing.T) {
	f := newRiskFixture(t)

	res := f.engine.ValidateOrder(context.Background(), f.request())
	require.True(t, res.Allowed, "reject: %s %s", res.Code, res.Reason)
	require.NotNil(t, res.Snapshot)

	// est margin = 50 * 120 * 0.15 = 900
	assert.True(t, res.Snapshot.EstimatedMargin.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, 0, res.Snapshot.OpenPositions)
	assert.Equal(t, 80.0, res.Snapshot.MaxMarginPct)
}

func TestKillSwitchBlocksAtEntry(t *testing.T) {
	f := newRiskFixture(t)

	changed, err := f.engine.TriggerKillSwitch(context.Background(), f.sess.ID, types.KillManual, "ops", "drill")
	require.NoError(t, err)
	require.True(t, changed)

	res := f.engine.ValidateOrder(context.Background(), f.request())
	assert.False(t, res.Allowed)
	assert.Equal(t, types.CodeKillSwitchActive, res.Code)
}

func TestDuplicateIdempotencyKeyRejected(t *testing.T) {
	f := newRiskFixture(t)

	req := f.request()
	require.NoError(t, f.store.InsertOrder(context.Background(), &types.Order{
		ID:             "o1",
		SessionID:      f.sess.ID,
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           types.TypeMarket,
		Quantity:       50,
		Status:         types.OrderPending,
	}))

	res := f.engine.ValidateOrder(context.Background(), req)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.CodeDuplicateOrder, res.Code)
}

func TestFundsCircuitOpenBlocksWithoutBrokerCall(t *testing.T) {
	f := newRiskFixture(t)
	f.broker.fundsErr = errors.New("should not be called")

	// Trip the funds breaker (threshold 5).
	for i := 0; i < 5; i++ {
		f.engine.breakers.Funds.RecordFailure(context.Background())
	}

	res := f.engine.ValidateOrder(context.Background(), f.request())
	assert.False(t, res.Allowed)
	assert.Equal(t, types.CodeCircuitOpenFunds, res.Code)
}

func TestMarginFetchFailureCountsTowardBreaker(t *testing.T) {
	f := newRiskFixture(t)
	f.broker.fundsErr = errors.New("broker down")

	res := f.engine.ValidateOrder(context.Background(), f.request())
	assert.False(t, res.Allowed)
	assert.Equal(t, types.CodeMarginFetchFailed, res.Code)

	st, err := f.store.GetOrCreateCircuit(context.Background(), types.ServiceBrokerFunds)
	require.NoError(t, err)
	assert.Equal(t, 1, st.FailureCount)
}

func TestRepeatedFundsFailuresTripTheCircuit(t *testing.T) {
	f := newRiskFixture(t)
	f.broker.fundsErr = errors.New("broker down")

	// Each failure reaches the backend until the threshold is spent.
	for i := 0; i < 5; i++ {
		res := f.engine.ValidateOrder(context.Background(), f.request())
		assert.False(t, res.Allowed)
		assert.Equal(t, types.CodeMarginFetchFailed, res.Code, "validation %d", i+1)
	}
	assert.Equal(t, 5, f.broker.fundsCalls)

	// The open circuit rejects without touching the backend again.
	res := f.engine.ValidateOrder(context.Background(), f.request())
	assert.False(t, res.Allowed)
	assert.Equal(t, types.CodeCircuitOpenFunds, res.Code)
	assert.Equal(t, 5, f.broker.fundsCalls)
}

func TestMarginUtilizationBreachTripsKillSwitch(t *testing.T) {
	f := newRiskFixture(t)
	// 85% utilisation against an 80% cap.
	f.broker.funds = &broker.Funds{
		Available: decimal.NewFromInt(15000),
		Used:      decimal.NewFromInt(85000),
	}

	res := f.engine.ValidateOrder(context.Background(), f.request())
	assert.False(t, res.Allowed)
	assert.Equal(t, types.CodeMarginLimitBreach, res.Code)

	sess, err := f.store.GetSessionByDate(context.Background(), f.sess.Date)
	require.NoError(t, err)
	assert.True(t, sess.IsKilled)
	assert.Equal(t, types.KillMarginBreach, sess.KillReason)
}

func TestDailyLossBreachTripsKillSwitch(t *testing.T) {
	f := newRiskFixture(t)
	_, err := f.store.AddRealizedPnL(context.Background(), f.sess.ID, decimal.NewFromInt(-12000))
	require.NoError(t, err)

	res := f.engine.ValidateOrder(context.Background(), f.request())
	assert.False(t, res.Allowed)
	assert.Equal(t, types.CodeDailyLossBreach, res.Code)

	sess, err := f.store.GetSessionByDate(context.Background(), f.sess.Date)
	require.NoError(t, err)
	assert.True(t, sess.IsKilled)
	assert.Equal(t, types.KillDailyLoss, sess.KillReason)
}

func TestMaxOpenPositionsRejected(t *testing.T) {
	f := newRiskFixture(t)

	symbols := []string{"A", "B", "C", "D", "E"}
	for i, sym := range symbols {
		acquired, err := f.store.WithPositionLock(context.Background(), f.sess.ID, sym, storage.PositionLockTimeout, func(tx storage.Tx) error {
			return tx.UpsertPosition(context.Background(), &types.Position{
				ID:          "p" + sym,
				SessionID:   f.sess.ID,
				Symbol:      sym,
				ProductType: "INTRADAY",
				NetQty:      50 * (i + 1),
			})
		})
		require.NoError(t, err)
		require.True(t, acquired)
	}

	res := f.engine.ValidateOrder(context.Background(), f.request())
	assert.False(t, res.Allowed)
	assert.Equal(t, types.CodeMaxPositionsReached, res.Code)
}

func TestLotSizeExceeded(t *testing.T) {
	f := newRiskFixture(t)

	req := f.request()
	req.Quantity = 550 // 11 lots of 50 against a 10-lot cap
	res := f.engine.ValidateOrder(context.Background(), req)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.CodeLotSizeExceeded, res.Code)
}

func TestInsufficientEstimatedMargin(t *testing.T) {
	f := newRiskFixture(t)
	f.broker.funds = &broker.Funds{Available: decimal.NewFromInt(500), Used: decimal.Zero}

	res := f.engine.ValidateOrder(context.Background(), f.request())
	assert.False(t, res.Allowed)
	// 50 * 120 * 0.15 = 900 > 500
	assert.Equal(t, types.CodeInsufficientMargin, res.Code)
}

func TestZeroPriceFallsBackToQuote(t *testing.T) {
	f := newRiskFixture(t)
	f.broker.quote = decimal.NewFromInt(200)

	req := f.request()
	req.Price = decimal.Zero
	res := f.engine.ValidateOrder(context.Background(), req)
	require.True(t, res.Allowed, "reject: %s %s", res.Code, res.Reason)

	// est margin = 50 * 200 * 0.15 = 1500
	assert.True(t, res.Snapshot.EstimatedMargin.Equal(decimal.NewFromInt(1500)))
}

func TestLockContentionRejectsWithLockTimeout(t *testing.T) {
	f := newRiskFixture(t)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.store.WithRiskLock(context.Background(), f.sess.ID, storage.RiskLockTimeout, func(tx storage.Tx) error {
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	res := f.engine.ValidateOrder(context.Background(), f.request())
	assert.False(t, res.Allowed)
	assert.Equal(t, types.CodeLockTimeout, res.Code)

	close(release)
	<-done
}

func TestRecordRealizedPnLTripsKillSwitchOnBreach(t *testing.T) {
	f := newRiskFixture(t)

	sess, err := f.engine.RecordRealizedPnL(context.Background(), f.sess.ID, decimal.NewFromInt(-4000))
	require.NoError(t, err)
	assert.False(t, sess.IsKilled)

	_, err = f.engine.RecordRealizedPnL(context.Background(), f.sess.ID, decimal.NewFromInt(-7000))
	require.NoError(t, err)

	after, err := f.store.GetSessionByDate(context.Background(), f.sess.Date)
	require.NoError(t, err)
	assert.True(t, after.IsKilled)
	assert.Equal(t, types.KillDailyLoss, after.KillReason)
	assert.True(t, after.RealizedPnL.Equal(decimal.NewFromInt(-11000)))
}

func TestDeactivateKillSwitchWritesAudit(t *testing.T) {
	f := newRiskFixture(t)

	_, err := f.engine.TriggerKillSwitch(context.Background(), f.sess.ID, types.KillManual, "ops", "drill")
	require.NoError(t, err)
	require.NoError(t, f.engine.DeactivateKillSwitch(context.Background(), f.sess.ID, "ops"))

	sess, err := f.store.GetSessionByDate(context.Background(), f.sess.Date)
	require.NoError(t, err)
	assert.False(t, sess.IsKilled)
	assert.Empty(t, string(sess.KillReason))

	events := f.store.AuditEvents()
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.EventType)
	}
	assert.Contains(t, kinds, "KILL_SWITCH_TRIGGERED")
	assert.Contains(t, kinds, "KILL_SWITCH_DEACTIVATED")
}
