package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/tidemill/tidemill/pkg/errors"
)

type Side string

type OrderType string

type OrderStatus string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideBuy {
		return 1
	}

	return -1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}

	return SideBuy
}

// SideFromSign maps a signed quantity back to an order side.
func SideFromSign(sign float64) Side {
	if sign >= 0 {
		return SideBuy
	}

	return SideSell
}

// OrderRequest is a trade intent handed to an execution engine.
type OrderRequest struct {
	Symbol    string    `yaml:"symbol" json:"symbol" validate:"required"`
	Side      Side      `yaml:"side" json:"side" validate:"required,oneof=BUY SELL"`
	Qty       float64   `yaml:"qty" json:"qty" validate:"required,gt=0"`
	OrderType OrderType `yaml:"order_type" json:"order_type" validate:"required,oneof=MARKET LIMIT"`
	// Price is required for limit orders; ignored for market orders.
	Price float64 `yaml:"price" json:"price" validate:"gte=0"`
	// ReduceOnly restricts the fill to at most the currently open position
	// size, never increasing exposure.
	ReduceOnly bool `yaml:"reduce_only" json:"reduce_only"`
	// StopLoss and TakeProfit, when set, are stored as position trigger
	// levels after the fill.
	StopLoss   optional.Option[float64] `yaml:"stop_loss" json:"stop_loss"`
	TakeProfit optional.Option[float64] `yaml:"take_profit" json:"take_profit"`
}

// Validate validates the OrderRequest struct.
func (r *OrderRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrderRequest, "invalid order request", err)
	}

	if r.OrderType == OrderTypeLimit && r.Price <= 0 {
		return errors.New(errors.ErrCodeInvalidOrderRequest, "limit order requires a positive price")
	}

	return nil
}

// Order is a pending intent not yet filled, keyed by (symbol, order id).
type Order struct {
	OrderID    string      `yaml:"order_id" json:"order_id"`
	Symbol     string      `yaml:"symbol" json:"symbol"`
	Side       Side        `yaml:"side" json:"side"`
	OrderType  OrderType   `yaml:"order_type" json:"order_type"`
	Qty        float64     `yaml:"qty" json:"qty"`
	Price      float64     `yaml:"price" json:"price"`
	ReduceOnly bool        `yaml:"reduce_only" json:"reduce_only"`
	Status     OrderStatus `yaml:"status" json:"status"`
	CreatedAt  time.Time   `yaml:"created_at" json:"created_at"`
}

// StopOrder is an order contingent on a trigger price being touched.
type StopOrder struct {
	Order        `yaml:",inline" json:",inline"`
	TriggerPrice float64 `yaml:"trigger_price" json:"trigger_price"`
}
