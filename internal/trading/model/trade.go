package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidTrade is returned when two orders cannot form a trade
var ErrInvalidTrade = errors.New("invalid trade")

// UserTrade is one counterparty of a trade
type UserTrade struct {
	UserID string `json:"user_id"`
	Side   Side   `json:"side"`
}

// Trade is the immutable record of a fill between two different owners.
// The taker is the incoming order, the maker the resting one.
type Trade struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Symbol       string          `gorm:"type:varchar(32);not null;index:idx_trades_symbol_created,priority:1"`
	TakerOrderID uuid.UUID       `gorm:"type:uuid;not null;index"`
	MakerOrderID uuid.UUID       `gorm:"type:uuid;not null;index"`
	Price        decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Qty          decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	TakerUserID  string          `gorm:"type:varchar(64);not null;index"`
	TakerSide    Side            `gorm:"type:varchar(4);not null"`
	MakerUserID  string          `gorm:"type:varchar(64);not null;index"`
	MakerSide    Side            `gorm:"type:varchar(4);not null"`
	FillID       string          `gorm:"type:varchar(80);not null;uniqueIndex"`
	CreatedAt    time.Time       `gorm:"not null;index:idx_trades_symbol_created,priority:2"`
}

// TableName pins the table name
func (Trade) TableName() string { return "trades" }

// Orders returns the two order ids, taker first
func (t *Trade) Orders() [2]uuid.UUID {
	return [2]uuid.UUID{t.TakerOrderID, t.MakerOrderID}
}

// Users returns the two counterparties, taker first
func (t *Trade) Users() [2]UserTrade {
	return [2]UserTrade{
		{UserID: t.TakerUserID, Side: t.TakerSide},
		{UserID: t.MakerUserID, Side: t.MakerSide},
	}
}

// Validate checks the two-counterparty invariant
func (t *Trade) Validate() error {
	switch {
	case t.TakerOrderID == t.MakerOrderID:
		return errors.Join(ErrInvalidTrade, errors.New("orders must be distinct"))
	case t.TakerSide == t.MakerSide:
		return errors.Join(ErrInvalidTrade, errors.New("sides must be opposite"))
	case t.TakerUserID == t.MakerUserID:
		return errors.Join(ErrInvalidTrade, errors.New("owners must differ"))
	case !t.Qty.IsPositive() || !t.Price.IsPositive():
		return errors.Join(ErrInvalidTrade, errors.New("price and quantity must be positive"))
	}
	return nil
}

// PublicTrade is the trade as shown on the public feed, without counterparties
type PublicTrade struct {
	ID        uuid.UUID       `json:"id"`
	Symbol    string          `json:"symbol"`
	Orders    [2]uuid.UUID    `json:"orders"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Public strips the counterparties
func (t *Trade) Public() PublicTrade {
	return PublicTrade{
		ID:        t.ID,
		Symbol:    t.Symbol,
		Orders:    t.Orders(),
		Price:     t.Price,
		Qty:       t.Qty,
		CreatedAt: t.CreatedAt,
	}
}

type tradeJSON struct {
	PublicTrade
	Users [2]UserTrade `json:"users"`
}

// MarshalJSON renders the private form with orders and users pairs
func (t Trade) MarshalJSON() ([]byte, error) {
	return json.Marshal(tradeJSON{PublicTrade: t.Public(), Users: t.Users()})
}
