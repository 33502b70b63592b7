package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

func newTestFyers(t *testing.T, handler http.HandlerFunc) *Fyers {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewFyers(Config{
		APIURL:       srv.URL,
		AppID:        "APP123-100",
		SecretID:     "SECRET",
		AccessToken:  "tok0",
		RefreshToken: "refresh0",
		PIN:          "1234",
	})
}

func TestFundsPicksEquityRow(t *testing.T) {
	f := newTestFyers(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/funds", r.URL.Path)
		require.Equal(t, "APP123-100:tok0", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"s": "ok",
			"fund_limit": []map[string]any{
				{"title": "Commodity", "equityAmount": 0, "utilizedAmount": 0},
				{"title": "Equity", "equityAmount": 125000.50, "utilizedAmount": 18000.25},
			},
		})
	})

	funds, err := f.Funds(context.Background())
	require.NoError(t, err)
	assert.True(t, funds.Available.Equal(decimal.NewFromFloat(125000.50)))
	assert.True(t, funds.Used.Equal(decimal.NewFromFloat(18000.25)))
}

func TestFundsErrorEnvelope(t *testing.T) {
	f := newTestFyers(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"s": "error", "message": "token malformed"})
	})

	_, err := f.Funds(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token malformed")
}

func TestQuoteReadsLastTradedPrice(t *testing.T) {
	f := newTestFyers(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "NSE:NIFTY50-INDEX", r.URL.Query().Get("symbols"))
		json.NewEncoder(w).Encode(map[string]any{
			"s": "ok",
			"d": []map[string]any{{"n": "NSE:NIFTY50-INDEX", "v": map[string]any{"lp": 24512.35}}},
		})
	})

	ltp, err := f.Quote(context.Background(), "NSE:NIFTY50-INDEX")
	require.NoError(t, err)
	assert.True(t, ltp.Equal(decimal.NewFromFloat(24512.35)))
}

func TestOrdersMapsNumericStatuses(t *testing.T) {
	f := newTestFyers(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"s": "ok",
			"orderBook": []map[string]any{
				{"id": "A", "status": 1},
				{"id": "B", "status": 2, "filledQty": 50, "tradedPrice": 101.5},
				{"id": "C", "status": 4},
				{"id": "D", "status": 5},
				{"id": "E", "status": 6},
				{"id": "F", "status": 99},
			},
		})
	})

	orders, err := f.Orders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 6)

	byID := map[string]Order{}
	for _, o := range orders {
		byID[o.BrokerOrderID] = o
	}
	assert.Equal(t, StatusCancelled, byID["A"].Status)
	assert.Equal(t, StatusFilled, byID["B"].Status)
	assert.Equal(t, 50, byID["B"].FilledQty)
	assert.Equal(t, StatusTransit, byID["C"].Status)
	assert.Equal(t, StatusRejected, byID["D"].Status)
	assert.Equal(t, StatusPending, byID["E"].Status)
	assert.Equal(t, StatusUnknown, byID["F"].Status)
}

func TestUnauthorizedRefreshesTokenAndRetries(t *testing.T) {
	var fundsCalls atomic.Int32

	f := newTestFyers(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/funds":
			if fundsCalls.Add(1) == 1 {
				require.Equal(t, "APP123-100:tok0", r.Header.Get("Authorization"))
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{"s": "error", "message": "token expired"})
				return
			}
			require.Equal(t, "APP123-100:tok1", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]any{
				"s":          "ok",
				"fund_limit": []map[string]any{{"title": "Equity", "equityAmount": 99000.0}},
			})
		case "/validate-refresh-token":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

			hash := sha256.Sum256([]byte("APP123-100:SECRET"))
			assert.Equal(t, "refresh_token", body["grant_type"])
			assert.Equal(t, hex.EncodeToString(hash[:]), body["appIdHash"])
			assert.Equal(t, "refresh0", body["refresh_token"])
			assert.Equal(t, "1234", body["pin"])

			json.NewEncoder(w).Encode(map[string]any{"s": "ok", "access_token": "tok1"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	funds, err := f.Funds(context.Background())
	require.NoError(t, err)
	assert.True(t, funds.Available.Equal(decimal.NewFromInt(99000)))
	assert.Equal(t, int32(2), fundsCalls.Load())
}

func TestSubmitRejectIsResultNotError(t *testing.T) {
	f := newTestFyers(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(-1), payload["side"])
		assert.Equal(t, float64(2), payload["type"])

		json.NewEncoder(w).Encode(map[string]any{"s": "error", "message": "insufficient funds"})
	})

	res, err := f.SubmitOrder(context.Background(), &OrderRequest{
		Symbol:      "NSE:NIFTY25AUG24500PE",
		Quantity:    50,
		Side:        types.SideSell,
		Type:        types.TypeMarket,
		ProductType: "INTRADAY",
		Validity:    "DAY",
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "insufficient funds", res.Message)
}

func TestSubmitAcceptedReturnsBrokerID(t *testing.T) {
	f := newTestFyers(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"s": "ok", "id": "24082400012345", "message": "Order submitted"})
	})

	res, err := f.SubmitOrder(context.Background(), &OrderRequest{
		Symbol:   "NSE:NIFTY25AUG24500CE",
		Quantity: 50,
		Side:     types.SideBuy,
		Type:     types.TypeMarket,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "24082400012345", res.BrokerOrderID)
}

func TestDryRunShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	f := NewFyers(Config{APIURL: srv.URL, AppID: "APP123-100", DryRun: true})

	res, err := f.SubmitOrder(context.Background(), &OrderRequest{Symbol: "X", Quantity: 50, Side: types.SideBuy})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, strings.HasPrefix(res.BrokerOrderID, "DRY_"))

	funds, err := f.Funds(context.Background())
	require.NoError(t, err)
	assert.True(t, funds.Available.IsPositive())

	positions, err := f.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	orders, err := f.Orders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)

	assert.Equal(t, int32(0), hits.Load())
}

func TestOrderTypeAndSideCodes(t *testing.T) {
	assert.Equal(t, 1, orderTypeCode(types.TypeLimit))
	assert.Equal(t, 2, orderTypeCode(types.TypeMarket))
	assert.Equal(t, 3, orderTypeCode(types.TypeStopMkt))
	assert.Equal(t, 4, orderTypeCode(types.TypeStop))
	assert.Equal(t, 1, sideCode(types.SideBuy))
	assert.Equal(t, -1, sideCode(types.SideSell))
}
