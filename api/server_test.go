package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/breaker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/broker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/cache"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/control"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/feeds"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/risk"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

type stubBroker struct{}

func (stubBroker) Funds(ctx context.Context) (*broker.Funds, error) {
	return &broker.Funds{Available: decimal.NewFromInt(500000), Used: decimal.Zero}, nil
}
func (stubBroker) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}
func (stubBroker) Positions(ctx context.Context) ([]broker.Position, error) { return nil, nil }
func (stubBroker) Orders(ctx context.Context) ([]broker.Order, error)       { return nil, nil }
func (stubBroker) SubmitOrder(ctx context.Context, req *broker.OrderRequest) (*broker.SubmitResult, error) {
	return &broker.SubmitResult{OK: true, BrokerOrderID: "BRK-1"}, nil
}
func (stubBroker) Stream(symbols []string, h broker.StreamHandlers) broker.Stream { return nil }

type apiFixture struct {
	store    *storage.Memory
	breakers *breaker.Set
	srv      *Server
	sess     *types.TradingSession
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := storage.NewMemory()
	set := breaker.NewSet(store)
	engine := risk.NewEngine(store, stubBroker{}, set, cache.New(""), 0.15)
	feed := feeds.New(stubBroker{}, store, cache.New(""), feeds.Config{Symbols: []string{"NSE:NIFTY50-INDEX"}})

	sess, err := store.GetOrCreateSession(context.Background(), time.Now().UTC(), storage.SessionLimits{
		MaxDailyLoss:     decimal.NewFromInt(10000),
		MaxPositionSize:  10,
		MaxOpenPositions: 5,
		MaxMarginPct:     80.0,
		MaxLotSize:       10,
	})
	require.NoError(t, err)

	srv := New(Config{
		Addr:     ":0",
		Store:    store,
		Control:  control.NewService(store),
		Risk:     engine,
		Breakers: set,
		Feed:     feed,
		DryRun:   true,
	})

	return &apiFixture{store: store, breakers: set, srv: srv, sess: sess}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// ackPending runs the executor's side of the intent handshake: wait for the
// intent to appear, then ack it to the target status.
func (f *apiFixture) ackPending(t *testing.T, name string, to types.StrategyStatus) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			row, err := f.store.GetStrategyState(context.Background(), name)
			if err == nil && row.ControlIntent != types.IntentNone {
				f.store.AckIntent(context.Background(), name, to, time.Now().UTC(), storage.AckOptions{})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "zenalgo", body["service"])
	assert.Equal(t, "paper", body["mode"])
}

func TestStrategiesList(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.EnsureStrategyState(context.Background(), "FAILED_AUCTION_B1", "NSE:NIFTY50-INDEX", "failed_auction")
	require.NoError(t, err)
	_, err = f.store.EnsureStrategyState(context.Background(), "STAT_SNIPER_01", "NSE:NIFTY50-INDEX", "statistical_sniper")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/strategies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	strategies, ok := body["strategies"].([]any)
	require.True(t, ok)
	assert.Len(t, strategies, 2)
}

func TestControlPauseConfirmed(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.EnsureStrategyState(context.Background(), "S1", "NSE:NIFTY50-INDEX", "test")
	require.NoError(t, err)

	// Walk to running first, then ack the pause the request queues.
	f.ackPending(t, "S1", types.StrategyRunning)
	rec := f.do(t, http.MethodPost, "/api/v1/strategies/S1/control", map[string]any{"action": "start"})
	require.Equal(t, http.StatusOK, rec.Code)

	f.ackPending(t, "S1", types.StrategyPaused)
	rec = f.do(t, http.MethodPost, "/api/v1/strategies/S1/control", map[string]any{"action": "pause"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, "paused", body["current_status"])
	assert.NotNil(t, body["ack_latency_ms"])
}

func TestControlStopRequiresConfirm(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.EnsureStrategyState(context.Background(), "S1", "NSE:NIFTY50-INDEX", "test")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/strategies/S1/control", map[string]any{"action": "stop"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, types.CodeConfirmRequired, body["code"])
	assert.Equal(t, "rejected", body["status"])
}

func TestControlUnknownStrategyIs404(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/strategies/GHOST/control", map[string]any{"action": "pause"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, types.CodeStrategyNotFound, body["code"])
}

func TestControlResumeBlockedByKillSwitch(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.EnsureStrategyState(context.Background(), "S1", "NSE:NIFTY50-INDEX", "test")
	require.NoError(t, err)
	_, err = f.store.TriggerKillSwitch(context.Background(), f.sess.ID, types.KillManual, "ops", "drill")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/strategies/S1/control", map[string]any{"action": "resume"})
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, types.CodeKillSwitchActive, body["code"])
}

func TestKillSwitchLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/killswitch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["active"])

	// Unconfirmed trigger is rejected before touching the session.
	rec = f.do(t, http.MethodPost, "/api/v1/killswitch", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.CodeConfirmRequired, decodeBody(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/api/v1/killswitch", map[string]any{"confirm": true, "note": "fire drill"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["changed"])

	rec = f.do(t, http.MethodGet, "/api/v1/killswitch", nil)
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, string(types.KillManual), body["reason"])

	// Second trigger is a no-op, first reason wins.
	rec = f.do(t, http.MethodPost, "/api/v1/killswitch", map[string]any{"confirm": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["changed"])

	rec = f.do(t, http.MethodDelete, "/api/v1/killswitch", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/killswitch", nil)
	assert.Equal(t, false, decodeBody(t, rec)["active"])
}

func TestFeedStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/feed/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	feed, ok := body["feed"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dead", feed["status"], "worker never started, no tick watermark")
	assert.Equal(t, false, feed["ws_connected"])
}

func TestBreakersEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.breakers.Orders.Allow(context.Background())
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	states, ok := body["breakers"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, states)

	first, ok := states[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(types.BreakerClosed), first["state"])
}

func TestResourcesEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	require.NoError(t, f.store.InsertResourceSample(context.Background(), &types.ResourceSample{
		RecordedAt: time.Now().UTC(),
		RSSMb:      120.5,
		CPUPct:     12.0,
		Goroutines: 42,
	}))
	_, err := f.store.InsertResourceAlert(context.Background(), &types.ResourceAlert{
		AlertedAt:  time.Now().UTC(),
		AlertType:  "threshold",
		MetricName: "rss_mb",
		CurrentVal: 360,
		Threshold:  350,
		Message:    "RSS above warn threshold",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/observe/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	samples, ok := body["samples"].([]any)
	require.True(t, ok)
	assert.Len(t, samples, 1)

	alerts, ok := body["open_alerts"].([]any)
	require.True(t, ok)
	assert.Len(t, alerts, 1)
}
