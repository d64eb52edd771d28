package exchange

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound = errors.New("exchange: order not found")
	ErrCredentials   = errors.New("exchange: API key/secret required")
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// Status is the venue-neutral order status. Venues may report other values;
// anything outside the terminal set is treated as still working.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusCanceled Status = "canceled"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusError    Status = "error"
)

// NormalizeStatus lower-cases a venue status and folds common aliases.
func NormalizeStatus(s string) Status {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "new", "pending", "partially_filled", "partial", "pending_new":
		return StatusOpen
	case "filled":
		return StatusClosed
	case "cancelled", "pending_cancel":
		return StatusCanceled
	default:
		return Status(v)
	}
}

// Terminal reports whether no further fills can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusCanceled, StatusRejected, StatusExpired, StatusError:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string
}

// OrderResult is the venue acknowledgement of a submission.
type OrderResult struct {
	OrderID  string
	ClientID string
	Status   Status
}

// Order is the venue's current view of an order.
type Order struct {
	OrderID  string
	Symbol   string
	Status   Status
	Filled   decimal.Decimal
	Price    decimal.Decimal // average fill price
	Fee      decimal.Decimal
	FeeAsset string
	Updated  time.Time
}

// Submitter places orders.
type Submitter interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// Fetcher reads order status.
type Fetcher interface {
	FetchOrder(ctx context.Context, symbol, orderID string) (Order, error)
}

// Client is the full surface the engine consumes.
type Client interface {
	Submitter
	Fetcher
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// BalanceSource reports available quote balance.
type BalanceSource interface {
	QuoteBalance(ctx context.Context) (decimal.Decimal, error)
}
