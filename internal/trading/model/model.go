// Package model holds the order and trade records shared by the matching
// pipeline, together with the invariants that guard their mutation.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by prices and quantities
const Scale int32 = 4

// Side is the direction of an order
type Side string

// OrderType is market or limit
type OrderType string

// Status is the lifecycle state of an order
type Status string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"

	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"

	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusCanceled Status = "canceled"
)

// Validation errors returned by Order.Validate and SplitSymbol
var (
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidSide     = errors.New("invalid side")
	ErrInvalidType     = errors.New("invalid order type")
	ErrInvalidQuantity = errors.New("quantity must be positive with at most 4 decimals")
	ErrInvalidPrice    = errors.New("limit price must be positive with at most 4 decimals")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,12}/[A-Z0-9]{1,12}$`)

// SplitSymbol returns the base and quote currencies of a BASE/QUOTE symbol
func SplitSymbol(symbol string) (base, quote string, err error) {
	if !symbolPattern.MatchString(symbol) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	parts := strings.SplitN(symbol, "/", 2)
	if parts[0] == parts[1] {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return parts[0], parts[1], nil
}

// Opposite returns the counter side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Round brings an amount to the storage scale
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Notional is the quote amount paid for qty at price
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return Round(qty.Mul(price))
}

// Order is a buy or sell instruction on one symbol
type Order struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Symbol      string          `gorm:"type:varchar(32);not null;index:idx_orders_book,priority:1" json:"symbol"`
	Status      Status          `gorm:"type:varchar(10);not null;index:idx_orders_book,priority:2" json:"status"`
	Side        Side            `gorm:"type:varchar(4);not null;index:idx_orders_book,priority:3" json:"side"`
	Type        OrderType       `gorm:"type:varchar(8);not null" json:"type"`
	Price       decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"price"`
	InitQty     decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"init_qty"`
	ExecutedQty decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"executed_qty"`
	UserID      string          `gorm:"type:varchar(64);not null;index" json:"user_id"`

	// ReservedAmount is the balance held at intake, in ReservationCurrency
	ReservedAmount decimal.Decimal `gorm:"type:numeric(28,4);not null" json:"reserved_amount"`
	// SpentAmount is the part of the reservation consumed by fills
	SpentAmount decimal.Decimal `gorm:"type:numeric(28,4);not null" json:"spent_amount"`
	// FillSeq increases on every persisted mutation; conditional writes key on it
	FillSeq int64 `gorm:"not null;default:0" json:"fill_seq"`

	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// TableName pins the table name
func (Order) TableName() string { return "orders" }

// Validate checks the shape of an order at intake
func (o *Order) Validate() error {
	if _, _, err := SplitSymbol(o.Symbol); err != nil {
		return err
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: %q", ErrInvalidSide, o.Side)
	}
	if !o.InitQty.IsPositive() || !o.InitQty.Equal(Round(o.InitQty)) {
		return ErrInvalidQuantity
	}
	switch o.Type {
	case TypeLimit:
		if !o.Price.IsPositive() || !o.Price.Equal(Round(o.Price)) {
			return ErrInvalidPrice
		}
	case TypeMarket:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, o.Type)
	}
	return nil
}

// Remaining is the quantity still to be filled
func (o *Order) Remaining() decimal.Decimal {
	return o.InitQty.Sub(o.ExecutedQty)
}

// IsOpen reports whether the order can still be matched
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Base returns the currency bought or sold
func (o *Order) Base() string {
	base, _, _ := SplitSymbol(o.Symbol)
	return base
}

// Quote returns the currency prices are expressed in
func (o *Order) Quote() string {
	_, quote, _ := SplitSymbol(o.Symbol)
	return quote
}

// ReservationCurrency is the currency held at intake: quote for buys, base for sells
func (o *Order) ReservationCurrency() string {
	if o.Side == SideBuy {
		return o.Quote()
	}
	return o.Base()
}

// ReceiveCurrency is the currency credited on each fill: base for buys, quote for sells
func (o *Order) ReceiveCurrency() string {
	if o.Side == SideBuy {
		return o.Base()
	}
	return o.Quote()
}

// Accepts reports whether a resting counter order is price compatible
func (o *Order) Accepts(resting *Order) bool {
	if o.Type == TypeMarket {
		return true
	}
	if o.Side == SideBuy {
		return resting.Price.LessThanOrEqual(o.Price)
	}
	return resting.Price.GreaterThanOrEqual(o.Price)
}

// Spend is the reservation consumed by a fill of qty at price
func (o *Order) Spend(qty, price decimal.Decimal) decimal.Decimal {
	if o.Side == SideBuy {
		return Notional(qty, price)
	}
	return qty
}

// Unspent is the reservation left to refund once the order ends
func (o *Order) Unspent() decimal.Decimal {
	return o.ReservedAmount.Sub(o.SpentAmount)
}

// Fill applies a fill of qty at price. Overfilling, filling a non-open order
// or a non-positive quantity are programming errors and panic.
func (o *Order) Fill(qty, price decimal.Decimal, now time.Time) {
	if !o.IsOpen() {
		panic(fmt.Sprintf("model: fill on %s order %s", o.Status, o.ID))
	}
	if !qty.IsPositive() {
		panic(fmt.Sprintf("model: non-positive fill %s on order %s", qty, o.ID))
	}
	if qty.GreaterThan(o.Remaining()) {
		panic(fmt.Sprintf("model: fill %s exceeds remaining %s on order %s", qty, o.Remaining(), o.ID))
	}

	o.ExecutedQty = o.ExecutedQty.Add(qty)
	o.SpentAmount = o.SpentAmount.Add(o.Spend(qty, price))
	if o.ExecutedQty.Equal(o.InitQty) {
		o.Status = StatusClosed
		ended := now
		o.EndedAt = &ended
	}
}

// Cancel ends an open order without further fills
func (o *Order) Cancel(now time.Time) {
	if !o.IsOpen() {
		panic(fmt.Sprintf("model: cancel on %s order %s", o.Status, o.ID))
	}
	o.Status = StatusCanceled
	ended := now
	o.EndedAt = &ended
}
