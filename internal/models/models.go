// Package models holds the typed records shared by the ledger, order
// store, trade log and matching engine. Each table has a single
// authoritative projection: no column-name-keyed row-to-dict conversion.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role distinguishes an ordinary user from an administrator.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// RUB is the distinguished quote ticker every user implicitly holds a
// balance row for.
const RUB = "RUB"

// User is an exchange account.
type User struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Role       Role      `json:"role" db:"role"`
	APIKeyHash []byte    `json:"-" db:"api_key_hash"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Instrument is a tradable symbol.
type Instrument struct {
	Ticker string `json:"ticker" db:"ticker"`
	Name   string `json:"name" db:"name"`
}

// Balance is a (user, ticker) row. Available is derived, never stored.
type Balance struct {
	UserID   uuid.UUID       `json:"-" db:"user_id"`
	Ticker   string          `json:"ticker" db:"ticker"`
	Total    decimal.Decimal `json:"total" db:"total"`
	Reserved decimal.Decimal `json:"reserved" db:"reserved"`
}

// Available returns Total minus Reserved.
func (b Balance) Available() decimal.Decimal {
	return b.Total.Sub(b.Reserved)
}

// Direction is the side of an order.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Kind distinguishes MARKET orders (price absent, all-or-nothing, never
// rest) from LIMIT orders (price required, may rest).
type Kind string

const (
	Market Kind = "MARKET"
	Limit  Kind = "LIMIT"
)

// Status is the order lifecycle state: NEW|PART_EXECUTED ->
// EXECUTED|CANCELLED. EXECUTED and CANCELLED are terminal.
type Status string

const (
	StatusNew          Status = "NEW"
	StatusPartExecuted Status = "PART_EXECUTED"
	StatusExecuted     Status = "EXECUTED"
	StatusCancelled    Status = "CANCELLED"
)

// Order is a flat record parameterized by Kind: Price is non-nil iff
// Kind == Limit. Only LIMIT orders may rest.
type Order struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	UserID    uuid.UUID        `json:"user_id" db:"user_id"`
	Ticker    string           `json:"ticker" db:"ticker"`
	Direction Direction        `json:"direction" db:"direction"`
	Kind      Kind             `json:"kind" db:"kind"`
	Qty       decimal.Decimal  `json:"qty" db:"qty"`
	Price     *decimal.Decimal `json:"price,omitempty" db:"price"`
	Filled    decimal.Decimal  `json:"filled" db:"filled"`
	Status    Status           `json:"status" db:"status"`
	Timestamp time.Time        `json:"timestamp" db:"timestamp"`
}

// Remaining returns Qty - Filled.
func (o Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.Filled)
}

// IsResting reports whether the order still occupies the book.
func (o Order) IsResting() bool {
	return o.Status == StatusNew || o.Status == StatusPartExecuted
}

// IsTerminal reports whether the order's status can never change again.
func (o Order) IsTerminal() bool {
	return o.Status == StatusExecuted || o.Status == StatusCancelled
}

// StatusForFilled computes the status invariant from qty/filled:
// filled == qty -> EXECUTED, filled == 0 -> NEW, else PART_EXECUTED.
func StatusForFilled(qty, filled decimal.Decimal) Status {
	switch {
	case filled.Equal(qty):
		return StatusExecuted
	case filled.IsZero():
		return StatusNew
	default:
		return StatusPartExecuted
	}
}

// Trade is an immutable record of one fill, always priced at the
// maker's price.
type Trade struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Ticker       string          `json:"ticker" db:"ticker"`
	MakerOrderID uuid.UUID       `json:"maker_order_id" db:"maker_order_id"`
	TakerOrderID uuid.UUID       `json:"taker_order_id" db:"taker_order_id"`
	BuyerID      uuid.UUID       `json:"buyer_id" db:"buyer_id"`
	SellerID     uuid.UUID       `json:"seller_id" db:"seller_id"`
	Qty          decimal.Decimal `json:"qty" db:"qty"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// NewOrderRequest is the gateway-level input to submit_order.
type NewOrderRequest struct {
	UserID    uuid.UUID
	Ticker    string
	Direction Direction
	Kind      Kind
	Qty       decimal.Decimal
	Price     *decimal.Decimal // required iff Kind == Limit
}

// BalanceView is the caller-facing projection of a Balance row.
type BalanceView struct {
	Total     decimal.Decimal `json:"total"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
}

// PriceLevel is one aggregated L2 book level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// OrderBookSnapshot is the gateway's get_orderbook response shape.
type OrderBookSnapshot struct {
	Ticker string       `json:"ticker"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}
