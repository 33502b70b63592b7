package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER - Abstract order and market-data gateway
// ═══════════════════════════════════════════════════════════════════════════════
//
// The core consumes this interface; Fyers is the production implementation.
// Broker order statuses keep the broker's vocabulary (TRANSIT exists there
// but not locally); the reconciler owns the translation.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Broker status vocabulary.
const (
	StatusCancelled = "CANCELLED"
	StatusFilled    = "FILLED"
	StatusTransit   = "TRANSIT"
	StatusRejected  = "REJECTED"
	StatusPending   = "PENDING"
	StatusUnknown   = "UNKNOWN"
)

// Funds is the margin snapshot for the equity segment.
type Funds struct {
	Available decimal.Decimal `json:"available_margin"`
	Used      decimal.Decimal `json:"used_margin"`
}

// Position is the broker's view of one net position.
type Position struct {
	Symbol string          `json:"symbol"`
	NetQty int             `json:"net_qty"`
	LTP    decimal.Decimal `json:"ltp"`
	PnL    decimal.Decimal `json:"pnl"`
}

// Order is the broker's view of one order.
type Order struct {
	BrokerOrderID string          `json:"broker_order_id"`
	Status        string          `json:"status"`
	FilledQty     int             `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
}

// OrderRequest is the payload for placing an order.
type OrderRequest struct {
	Symbol       string
	Quantity     int
	Side         types.OrderSide
	Type         types.OrderType
	ProductType  string
	LimitPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	Validity     string
	OrderTag     string
}

// SubmitResult is the broker's answer to an order submission.
type SubmitResult struct {
	OK            bool
	BrokerOrderID string
	Message       string
}

// StreamHandlers receive data socket events. OnTick runs on the socket's
// read goroutine; handlers must not block.
type StreamHandlers struct {
	OnTick  func(types.Tick)
	OnOpen  func()
	OnClose func(err error)
	OnError func(err error)
}

// Stream is a live market-data subscription. Connect dials and subscribes;
// the feed worker owns reconnects, so a dropped stream just reports OnClose
// and stays dead until a fresh Connect on a fresh Stream.
type Stream interface {
	Connect(ctx context.Context) error
	Close() error
}

// Broker is the complete egress surface the engine needs.
type Broker interface {
	Funds(ctx context.Context) (*Funds, error)
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
	Positions(ctx context.Context) ([]Position, error)
	Orders(ctx context.Context) ([]Order, error)
	SubmitOrder(ctx context.Context, req *OrderRequest) (*SubmitResult, error)
	Stream(symbols []string, h StreamHandlers) Stream
}
