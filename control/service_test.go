package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

type controlFixture struct {
	store *storage.Memory
	svc   *Service
}

func newControlFixture(t *testing.T) *controlFixture {
	t.Helper()
	store := storage.NewMemory()
	_, err := store.EnsureStrategyState(context.Background(), "S1", "NSE:NIFTY50-INDEX", "test")
	require.NoError(t, err)

	svc := NewService(store)
	svc.ackTimeout = 2 * time.Second
	svc.pollInterval = 10 * time.Millisecond
	return &controlFixture{store: store, svc: svc}
}

// driveStatus walks a strategy to the wanted status through the intent/ack
// path, the only writer of status.
func (f *controlFixture) driveStatus(t *testing.T, name string, to types.StrategyStatus) {
	t.Helper()
	var intent types.ControlIntent
	switch to {
	case types.StrategyRunning:
		intent = types.IntentStart
	case types.StrategyPaused:
		intent = types.IntentPause
	case types.StrategyStopped:
		intent = types.IntentStop
	default:
		t.Fatalf("cannot drive to status %s", to)
	}
	ok, err := f.store.SetIntent(context.Background(), name, intent, "test", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.AckIntent(context.Background(), name, to, time.Now().UTC(), storage.AckOptions{}))
}

func TestInvalidIntentRejected(t *testing.T) {
	f := newControlFixture(t)

	res, err := f.svc.SendIntent(context.Background(), &Request{Strategy: "S1", Intent: "explode", Actor: "ops"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, types.CodeInvalidIntent, res.Code)
	assert.Equal(t, "rejected", res.Status)
}

func TestUnknownStrategyRejected(t *testing.T) {
	f := newControlFixture(t)

	res, err := f.svc.SendIntent(context.Background(), &Request{Strategy: "GHOST", Intent: types.IntentPause, Actor: "ops"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, types.CodeStrategyNotFound, res.Code)
}

func TestStopRequiresConfirmation(t *testing.T) {
	f := newControlFixture(t)
	f.driveStatus(t, "S1", types.StrategyRunning)

	res, err := f.svc.SendIntent(context.Background(), &Request{Strategy: "S1", Intent: types.IntentStop, Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, types.CodeConfirmRequired, res.Code)

	res, err = f.svc.SendIntent(context.Background(), &Request{
		Strategy: "S1", Intent: types.IntentStop, Actor: "ops", Confirmed: true,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "pending", res.Status)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	tests := []struct {
		status types.StrategyStatus
		intent types.ControlIntent
	}{
		{types.StrategyPaused, types.IntentPause},
		{types.StrategyStopped, types.IntentStop},
		{types.StrategyStopped, types.IntentPause},
		{types.StrategyRunning, types.IntentResume},
		{types.StrategyRunning, types.IntentStart},
	}
	for _, tt := range tests {
		t.Run(string(tt.status)+"_"+string(tt.intent), func(t *testing.T) {
			f := newControlFixture(t)
			if tt.status != types.StrategyStopped {
				f.driveStatus(t, "S1", tt.status)
			}

			res, err := f.svc.SendIntent(context.Background(), &Request{
				Strategy: "S1", Intent: tt.intent, Actor: "ops", Confirmed: true,
			})
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, types.CodeInvalidTransition, res.Code)
		})
	}
}

func TestSecondIntentWhileUnackedIsPending(t *testing.T) {
	f := newControlFixture(t)
	f.driveStatus(t, "S1", types.StrategyRunning)

	res, err := f.svc.SendIntent(context.Background(), &Request{Strategy: "S1", Intent: types.IntentPause, Actor: "ops"})
	require.NoError(t, err)
	require.True(t, res.OK)

	res, err = f.svc.SendIntent(context.Background(), &Request{Strategy: "S1", Intent: types.IntentResume, Actor: "ops"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, types.CodeIntentPending, res.Code)
}

func TestQueuedIntentWritesControlLog(t *testing.T) {
	f := newControlFixture(t)
	f.driveStatus(t, "S1", types.StrategyRunning)

	res, err := f.svc.SendIntent(context.Background(), &Request{
		Strategy: "S1", Intent: types.IntentPause, Actor: "alice", IP: "10.0.0.9",
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "pending", res.Status)

	state, err := f.store.GetStrategyState(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, types.IntentPause, state.ControlIntent)
	assert.Equal(t, "alice", state.IntentActor)

	entries := f.store.ControlEntries()
	require.Len(t, entries, 1)
	last := entries[len(entries)-1]
	assert.Equal(t, "pause", last.Action)
	assert.Equal(t, "running", last.FromStatus)
	assert.Equal(t, "paused", last.ToStatus)
	assert.Equal(t, "10.0.0.9", last.IP)
	assert.Nil(t, last.AckedAt)
}

func TestWaitForAckConfirmsAndRecordsLatency(t *testing.T) {
	f := newControlFixture(t)
	f.driveStatus(t, "S1", types.StrategyRunning)

	go func() {
		time.Sleep(60 * time.Millisecond)
		f.store.AckIntent(context.Background(), "S1", types.StrategyPaused, time.Now().UTC(), storage.AckOptions{})
	}()

	res, err := f.svc.SendIntent(context.Background(), &Request{
		Strategy: "S1", Intent: types.IntentPause, Actor: "ops", WaitForAck: true,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "confirmed", res.Status)
	assert.Equal(t, types.StrategyPaused, res.CurrentStatus)
	require.NotNil(t, res.AckLatencyMs)
	assert.GreaterOrEqual(t, *res.AckLatencyMs, int64(0))

	entries := f.store.ControlEntries()
	last := entries[len(entries)-1]
	require.NotNil(t, last.AckedAt)
	require.NotNil(t, last.AckLatencyMs)
}

func TestAckTimeoutReturnsPendingNotError(t *testing.T) {
	f := newControlFixture(t)
	f.driveStatus(t, "S1", types.StrategyRunning)
	f.svc.ackTimeout = 150 * time.Millisecond

	res, err := f.svc.SendIntent(context.Background(), &Request{
		Strategy: "S1", Intent: types.IntentPause, Actor: "ops", WaitForAck: true,
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "pending", res.Status)
	assert.Empty(t, res.Code)

	// The intent survives the timeout; the executor will still consume it.
	state, err := f.store.GetStrategyState(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, types.IntentPause, state.ControlIntent)
}

// racingStore makes the service read a stale "no intent" row so its
// conditional write loses.
type racingStore struct {
	*storage.Memory
}

func (r racingStore) GetStrategyState(ctx context.Context, name string) (*types.StrategyState, error) {
	st, err := r.Memory.GetStrategyState(ctx, name)
	if st != nil {
		st.ControlIntent = types.IntentNone
	}
	return st, err
}

func TestLostConditionalWriteIsIntentRace(t *testing.T) {
	mem := storage.NewMemory()
	_, err := mem.EnsureStrategyState(context.Background(), "S1", "NSE:NIFTY50-INDEX", "test")
	require.NoError(t, err)

	// Occupy the slot behind the service's back.
	ok, err := mem.SetIntent(context.Background(), "S1", types.IntentStart, "other", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	svc := NewService(racingStore{mem})
	res, err := svc.SendIntent(context.Background(), &Request{Strategy: "S1", Intent: types.IntentPause, Actor: "ops"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, types.CodeIntentRace, res.Code)
}
