//go:build integration
// +build integration

package storage

// Behavior only the real database provides: advisory-lock contention across
// connections, the append-only triggers, and unique-violation mapping.
// Point TEST_DATABASE_URL at a disposable database before running.

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

func integrationStore(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping integration test: TEST_DATABASE_URL not set")
	}
	pg, err := NewPostgres(url)
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	return pg
}

func integrationSession(t *testing.T, pg *Postgres, date time.Time) *types.TradingSession {
	t.Helper()
	s, err := pg.GetOrCreateSession(context.Background(), date, SessionLimits{
		MaxDailyLoss:     decimal.NewFromInt(10000),
		MaxPositionSize:  10,
		MaxOpenPositions: 5,
		MaxMarginPct:     80,
		MaxLotSize:       10,
	})
	require.NoError(t, err)
	return s
}

func TestIntegrationRiskLockContention(t *testing.T) {
	pg := integrationStore(t)
	ctx := context.Background()
	sess := integrationSession(t, pg, time.Now().UTC())

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		acquired, err := pg.WithRiskLock(ctx, sess.ID, RiskLockTimeout, func(Tx) error {
			close(held)
			<-release
			return nil
		})
		if err == nil && !acquired {
			err = errors.New("holder failed to acquire an uncontended lock")
		}
		done <- err
	}()

	<-held
	acquired, err := pg.WithRiskLock(ctx, sess.ID, 200*time.Millisecond, func(Tx) error {
		t.Error("callback ran while the lock was held elsewhere")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, acquired, "contended risk lock must report acquired=false")

	// A different session derives a different key and must not contend.
	other := integrationSession(t, pg, time.Now().UTC().AddDate(0, 0, 1))
	ran := false
	acquired, err = pg.WithRiskLock(ctx, other.ID, 200*time.Millisecond, func(Tx) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, ran)

	close(release)
	require.NoError(t, <-done)
}

func TestIntegrationPositionLockPerSymbol(t *testing.T) {
	pg := integrationStore(t)
	ctx := context.Background()
	sess := integrationSession(t, pg, time.Now().UTC())

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := pg.WithPositionLock(ctx, sess.ID, "NSE:NIFTY50-INDEX", PositionLockTimeout, func(Tx) error {
			close(held)
			<-release
			return nil
		})
		done <- err
	}()

	<-held
	acquired, err := pg.WithPositionLock(ctx, sess.ID, "NSE:NIFTY50-INDEX", 200*time.Millisecond, func(Tx) error {
		return nil
	})
	require.NoError(t, err)
	assert.False(t, acquired, "same symbol must contend")

	acquired, err = pg.WithPositionLock(ctx, sess.ID, "NSE:NIFTYBANK-INDEX", 200*time.Millisecond, func(Tx) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired, "different symbol must not contend")

	close(release)
	require.NoError(t, <-done)
}

func TestIntegrationAuditLogsRejectMutation(t *testing.T) {
	pg := integrationStore(t)
	ctx := context.Background()

	entityID := uuid.NewString()
	require.NoError(t, pg.AppendAudit(ctx, &types.AuditEvent{
		EventType:  "INTEGRATION_TEST",
		EntityType: "TEST",
		EntityID:   entityID,
		Actor:      "integration",
	}))

	_, err := pg.db.ExecContext(ctx, `UPDATE audit_logs SET actor = 'tampered' WHERE entity_id = $1`, entityID)
	require.Error(t, err, "audit_logs must reject UPDATE")

	_, err = pg.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE entity_id = $1`, entityID)
	require.Error(t, err, "audit_logs must reject DELETE")
}

func TestIntegrationControlLogAckFillsOnce(t *testing.T) {
	pg := integrationStore(t)
	ctx := context.Background()

	id, err := pg.AppendControlLog(ctx, &types.ControlLogEntry{
		StrategyName: "ITEST_" + uuid.NewString()[:8],
		Action:       "pause",
		Actor:        "integration",
		FromStatus:   "running",
		ToStatus:     "paused",
	})
	require.NoError(t, err)

	require.NoError(t, pg.FillControlLogAck(ctx, id, time.Now().UTC(), 42))

	// Second fill matches no rows (acked_at already set) and must not clobber.
	require.NoError(t, pg.FillControlLogAck(ctx, id, time.Now().UTC(), 99))
	var latency int64
	require.NoError(t, pg.db.QueryRowContext(ctx,
		`SELECT ack_latency_ms FROM strategy_control_log WHERE id = $1`, id).Scan(&latency))
	assert.Equal(t, int64(42), latency)

	// Direct mutations past ack hit the trigger.
	_, err = pg.db.ExecContext(ctx, `UPDATE strategy_control_log SET ack_latency_ms = 99 WHERE id = $1`, id)
	require.Error(t, err, "acked control log rows must be immutable")

	_, err = pg.db.ExecContext(ctx, `DELETE FROM strategy_control_log WHERE id = $1`, id)
	require.Error(t, err, "control log rows must reject DELETE")
}

func TestIntegrationDuplicateIdempotencyKey(t *testing.T) {
	pg := integrationStore(t)
	ctx := context.Background()
	sess := integrationSession(t, pg, time.Now().UTC())

	key := "itest-" + uuid.NewString()
	first := &types.Order{
		SessionID:      sess.ID,
		IdempotencyKey: key,
		StrategyName:   "ITEST",
		Symbol:         "NSE:NIFTY25SEP24500CE",
		Side:           types.SideBuy,
		Type:           types.TypeMarket,
		ProductType:    "INTRADAY",
		Quantity:       75,
		Validity:       "DAY",
		Status:         types.OrderCreated,
	}
	require.NoError(t, pg.InsertOrder(ctx, first))

	dup := *first
	dup.ID = ""
	require.ErrorIs(t, pg.InsertOrder(ctx, &dup), ErrDuplicateOrder)
}
