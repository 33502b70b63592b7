package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FYERS CLIENT - REST gateway with token refresh
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every response carries the {"s": "ok"|"error"} envelope; a non-ok envelope
// on a read is an error, on a submit it is a broker reject (a result, not an
// error). A 401 triggers one refresh-token exchange and one retry.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrDryRun marks calls that have no paper-mode answer. Callers that can
// tolerate a missing quote should check for it instead of counting a
// breaker failure.
var ErrDryRun = errors.New("broker: dry run")

// Config carries the Fyers credentials and endpoints.
type Config struct {
	APIURL       string
	WSURL        string
	AppID        string
	SecretID     string
	AccessToken  string
	RefreshToken string
	PIN          string
	DryRun       bool
}

type Fyers struct {
	http    *resty.Client
	wsURL   string
	appID   string
	secret  string
	pin     string
	refresh string
	dryRun  bool

	mu          sync.Mutex
	accessToken string
}

var _ Broker = (*Fyers)(nil)

func NewFyers(cfg Config) *Fyers {
	httpc := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	f := &Fyers{
		http:        httpc,
		wsURL:       cfg.WSURL,
		appID:       cfg.AppID,
		secret:      cfg.SecretID,
		pin:         cfg.PIN,
		refresh:     cfg.RefreshToken,
		dryRun:      cfg.DryRun,
		accessToken: cfg.AccessToken,
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().Str("mode", mode).Str("app_id", cfg.AppID).Msg("🔌 Fyers client initialized")
	return f
}

func (f *Fyers) authHeader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appID + ":" + f.accessToken
}

// refreshAccessToken exchanges the refresh token + pin for a fresh access
// token. The new token lives in memory only; the env var stays stale until
// the next login.
func (f *Fyers) refreshAccessToken(ctx context.Context) error {
	if f.refresh == "" || f.pin == "" {
		return errors.New("no refresh token or pin configured")
	}

	hash := sha256.Sum256([]byte(f.appID + ":" + f.secret))
	var out struct {
		apiEnvelope
		AccessToken string `json:"access_token"`
	}
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type":    "refresh_token",
			"appIdHash":     hex.EncodeToString(hash[:]),
			"refresh_token": f.refresh,
			"pin":           f.pin,
		}).
		Post("/validate-refresh-token")
	if err != nil {
		return fmt.Errorf("refresh token exchange: %w", err)
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || out.S != "ok" || out.AccessToken == "" {
		return fmt.Errorf("refresh rejected: %s", out.Message)
	}

	f.mu.Lock()
	f.accessToken = out.AccessToken
	f.mu.Unlock()
	log.Info().Msg("🔑 Fyers access token refreshed")
	return nil
}

// apiEnvelope is the common wrapper on every Fyers response.
type apiEnvelope struct {
	S       string `json:"s"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do performs one authenticated request, retrying once after a token
// refresh on 401.
func (f *Fyers) do(ctx context.Context, method, path string, query map[string]string, body any) (*resty.Response, error) {
	send := func() (*resty.Response, error) {
		r := f.http.R().SetContext(ctx).SetHeader("Authorization", f.authHeader())
		if query != nil {
			r.SetQueryParams(query)
		}
		if body != nil {
			r.SetBody(body)
		}
		return r.Execute(method, path)
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		log.Warn().Str("path", path).Msg("⚠️ Fyers 401, refreshing access token")
		if rerr := f.refreshAccessToken(ctx); rerr != nil {
			return nil, fmt.Errorf("auth expired: %w", rerr)
		}
		if resp, err = send(); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func apiError(op string, resp *resty.Response, env apiEnvelope) error {
	msg := env.Message
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Errorf("%s: broker replied %d: %s", op, resp.StatusCode(), msg)
}

// ─────────────────────────────────────────────────────────────
// Funds
// ─────────────────────────────────────────────────────────────

type fundLimitItem struct {
	Title          string  `json:"title"`
	EquityAmount   float64 `json:"equityAmount"`
	UtilizedAmount float64 `json:"utilizedAmount"`
}

func (f *Fyers) Funds(ctx context.Context) (*Funds, error) {
	if f.dryRun {
		return &Funds{Available: decimal.NewFromInt(500000), Used: decimal.Zero}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out struct {
		apiEnvelope
		FundLimit []fundLimitItem `json:"fund_limit"`
	}
	resp, err := f.do(ctx, http.MethodGet, "/funds", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch funds: %w", err)
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode funds: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || out.S != "ok" {
		return nil, apiError("funds", resp, out.apiEnvelope)
	}

	for _, item := range out.FundLimit {
		if item.Title == "Equity" {
			return &Funds{
				Available: decimal.NewFromFloat(item.EquityAmount),
				Used:      decimal.NewFromFloat(item.UtilizedAmount),
			}, nil
		}
	}
	return &Funds{}, nil
}

// ─────────────────────────────────────────────────────────────
// Quotes
// ─────────────────────────────────────────────────────────────

func (f *Fyers) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if f.dryRun {
		return decimal.Zero, fmt.Errorf("quote %s: %w", symbol, ErrDryRun)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var out struct {
		apiEnvelope
		D []struct {
			V struct {
				LP float64 `json:"lp"`
			} `json:"v"`
		} `json:"d"`
	}
	resp, err := f.do(ctx, http.MethodGet, "/quotes", map[string]string{"symbols": symbol}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch quote %s: %w", symbol, err)
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return decimal.Zero, fmt.Errorf("decode quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || out.S != "ok" || len(out.D) == 0 {
		return decimal.Zero, apiError("quote "+symbol, resp, out.apiEnvelope)
	}
	return decimal.NewFromFloat(out.D[0].V.LP), nil
}

// ─────────────────────────────────────────────────────────────
// Positions and orders
// ─────────────────────────────────────────────────────────────

func (f *Fyers) Positions(ctx context.Context) ([]Position, error) {
	if f.dryRun {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out struct {
		apiEnvelope
		NetPositions []struct {
			Symbol           string  `json:"symbol"`
			NetQty           int     `json:"netQty"`
			LTP              float64 `json:"ltp"`
			UnrealizedProfit float64 `json:"unrealizedProfit"`
		} `json:"netPositions"`
	}
	resp, err := f.do(ctx, http.MethodGet, "/positions", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || out.S != "ok" {
		return nil, apiError("positions", resp, out.apiEnvelope)
	}

	positions := make([]Position, 0, len(out.NetPositions))
	for _, p := range out.NetPositions {
		positions = append(positions, Position{
			Symbol: p.Symbol,
			NetQty: p.NetQty,
			LTP:    decimal.NewFromFloat(p.LTP),
			PnL:    decimal.NewFromFloat(p.UnrealizedProfit),
		})
	}
	return positions, nil
}

// fyersOrderStatus maps the numeric status codes of the order book.
func fyersOrderStatus(code int) string {
	switch code {
	case 1:
		return StatusCancelled
	case 2:
		return StatusFilled
	case 4:
		return StatusTransit
	case 5:
		return StatusRejected
	case 6:
		return StatusPending
	}
	return StatusUnknown
}

func (f *Fyers) Orders(ctx context.Context) ([]Order, error) {
	if f.dryRun {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out struct {
		apiEnvelope
		OrderBook []struct {
			ID          string  `json:"id"`
			Status      int     `json:"status"`
			FilledQty   int     `json:"filledQty"`
			TradedPrice float64 `json:"tradedPrice"`
		} `json:"orderBook"`
	}
	resp, err := f.do(ctx, http.MethodGet, "/orders", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || out.S != "ok" {
		return nil, apiError("orders", resp, out.apiEnvelope)
	}

	orders := make([]Order, 0, len(out.OrderBook))
	for _, o := range out.OrderBook {
		orders = append(orders, Order{
			BrokerOrderID: o.ID,
			Status:        fyersOrderStatus(o.Status),
			FilledQty:     o.FilledQty,
			AvgPrice:      decimal.NewFromFloat(o.TradedPrice),
		})
	}
	return orders, nil
}

// ─────────────────────────────────────────────────────────────
// Order submission
// ─────────────────────────────────────────────────────────────

func sideCode(side types.OrderSide) int {
	if side == types.SideSell {
		return -1
	}
	return 1
}

func orderTypeCode(t types.OrderType) int {
	switch t {
	case types.TypeLimit:
		return 1
	case types.TypeMarket:
		return 2
	case types.TypeStopMkt:
		return 3
	case types.TypeStop:
		return 4
	}
	return 2
}

func (f *Fyers) SubmitOrder(ctx context.Context, req *OrderRequest) (*SubmitResult, error) {
	if f.dryRun {
		id := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		log.Info().
			Str("order_id", id).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Int("qty", req.Quantity).
			Msg("📝 DRY RUN: Order would be placed")
		return &SubmitResult{OK: true, BrokerOrderID: id, Message: "dry run"}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload := map[string]any{
		"symbol":       req.Symbol,
		"qty":          req.Quantity,
		"type":         orderTypeCode(req.Type),
		"side":         sideCode(req.Side),
		"productType":  req.ProductType,
		"limitPrice":   req.LimitPrice.InexactFloat64(),
		"stopPrice":    req.StopPrice.InexactFloat64(),
		"validity":     req.Validity,
		"disclosedQty": 0,
		"offlineOrder": false,
	}
	if req.OrderTag != "" {
		payload["orderTag"] = req.OrderTag
	}

	var out struct {
		apiEnvelope
		ID string `json:"id"`
	}
	resp, err := f.do(ctx, http.MethodPost, "/orders", nil, payload)
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || out.S != "ok" {
		// Broker said no. That is an answer, not a transport failure.
		return &SubmitResult{OK: false, Message: out.Message}, nil
	}
	return &SubmitResult{OK: true, BrokerOrderID: out.ID, Message: out.Message}, nil
}

// Stream builds a data socket bound to this client's credentials. Connect
// is the caller's job; so is replacing the socket after a drop.
func (f *Fyers) Stream(symbols []string, h StreamHandlers) Stream {
	return newDataSocket(f.wsURL, f.authHeader(), symbols, h)
}
