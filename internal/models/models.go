package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known order side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side an order of side s matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// User represents a registered user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Order represents a limit order. Filled only ever grows, and status is a
// function of filled vs amount except for cancellation, which is terminal.
type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Pair      string          `json:"pair"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"` // used for time priority
	UpdatedAt time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// Resting reports whether the order may participate in the book.
func (o *Order) Resting() bool {
	return o.Status == StatusOpen || o.Status == StatusPartial
}

// StatusForFill derives the order status implied by a fill level.
func StatusForFill(filled, amount decimal.Decimal) OrderStatus {
	switch {
	case filled.Sign() == 0:
		return StatusOpen
	case filled.Cmp(amount) < 0:
		return StatusPartial
	default:
		return StatusFilled
	}
}

// Trade represents an executed match between two orders. Immutable once
// created.
type Trade struct {
	ID          uuid.UUID       `json:"id"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	Pair        string          `json:"pair"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	TakerSide   Side            `json:"taker_side"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	FeeCurrency string          `json:"fee_currency"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Balance is a user's holding in one currency. Available never exceeds
// Total; the difference is locked by open orders.
type Balance struct {
	UserID    int64           `json:"user_id"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// Locked returns the portion of the balance reserved by open orders.
func (b *Balance) Locked() decimal.Decimal {
	return b.Total.Sub(b.Available)
}

// TradingPair describes a market and its precision/fee metadata.
type TradingPair struct {
	Symbol          string          `json:"symbol"`
	BaseCurrency    string          `json:"base_currency"`
	QuoteCurrency   string          `json:"quote_currency"`
	PricePrecision  int32           `json:"price_precision"`
	AmountPrecision int32           `json:"amount_precision"`
	TakerFeeRate    decimal.Decimal `json:"taker_fee_rate"`
	Active          bool            `json:"active"`
}
