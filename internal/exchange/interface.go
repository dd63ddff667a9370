package exchange

import (
	"context"
	"time"

	"tradeguard/internal/domain"
)

// OrderType defines how an order executes.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
	Stop   OrderType = "STOP"
)

// OrderRequest is a child order submitted to the venue.
type OrderRequest struct {
	Symbol        string
	Side          domain.Side
	Type          OrderType
	Qty           float64
	Price         float64 // zero for market orders
	StopPrice     float64 // only for STOP orders
	ReduceOnly    bool
	ClientOrderID string
}

// Fill is one execution report for a placed order.
type Fill struct {
	Qty   float64
	Price float64
}

// OrderResult is the venue's acknowledgement of a placed order.
type OrderResult struct {
	OrderID string
	Symbol  string
	Status  string
	Price   float64 // average fill price
	Fills   []Fill
}

// OpenOrder is a resting order as reported by the venue, used by the
// reconciliation sweep to find positions missing protective orders.
type OpenOrder struct {
	OrderID   string
	Symbol    string
	Side      domain.Side
	Type      OrderType
	Qty       float64
	StopPrice float64
}

// Client is the capability interface to the venue. Implementations (real
// wire clients) live outside this module; the execution core only consumes
// these operations.
type Client interface {
	// GetPrice returns the latest traded price for a symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// PlaceOrder submits an order and returns the venue acknowledgement.
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)

	// Quantize rounds a quantity/price pair down to the symbol's step and
	// tick sizes.
	Quantize(symbol string, qty, price float64) (float64, float64, error)

	// GetAccountBalance returns the free account balance in quote currency.
	GetAccountBalance(ctx context.Context) (float64, error)

	// GetOrderBook returns a depth snapshot with up to depth levels per side.
	GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error)

	// GetOpenOrders returns resting orders for the symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// GetServerTime returns the venue clock, used for drift checks.
	GetServerTime(ctx context.Context) (time.Time, error)

	// GetRecentVolume returns traded volume for the symbol over the most
	// recent interval, used for participation caps.
	GetRecentVolume(ctx context.Context, symbol string) (float64, error)
}
