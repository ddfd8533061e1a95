package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newOrder(side Side, typ OrderType, price, qty string) *Order {
	o := &Order{
		ID:          uuid.New(),
		Symbol:      "BTC/USD",
		Side:        side,
		Type:        typ,
		InitQty:     dec(qty),
		ExecutedQty: decimal.Zero,
		Status:      StatusOpen,
		UserID:      "u1",
	}
	if price != "" {
		o.Price = dec(price)
	}
	return o
}

func TestSplitSymbol(t *testing.T) {
	base, quote, err := SplitSymbol("AAPL/USD")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", base)
	assert.Equal(t, "USD", quote)

	for _, bad := range []string{"", "BTCUSD", "btc/usd", "BTC/", "/USD", "BTC/USD/EUR", "USD/USD"} {
		_, _, err := SplitSymbol(bad)
		assert.ErrorIs(t, err, ErrInvalidSymbol, bad)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, newOrder(SideBuy, TypeLimit, "100", "10").Validate())
	assert.NoError(t, newOrder(SideSell, TypeMarket, "", "10").Validate())

	assert.ErrorIs(t, newOrder(SideBuy, TypeLimit, "0", "10").Validate(), ErrInvalidPrice)
	assert.ErrorIs(t, newOrder(SideBuy, TypeLimit, "100.00001", "10").Validate(), ErrInvalidPrice)
	assert.ErrorIs(t, newOrder(SideBuy, TypeLimit, "100", "0").Validate(), ErrInvalidQuantity)
	assert.ErrorIs(t, newOrder(SideBuy, TypeLimit, "100", "1.00001").Validate(), ErrInvalidQuantity)
	assert.ErrorIs(t, newOrder("hold", TypeLimit, "100", "1").Validate(), ErrInvalidSide)
	assert.ErrorIs(t, newOrder(SideBuy, "stop", "100", "1").Validate(), ErrInvalidType)
}

func TestAccepts(t *testing.T) {
	buy := newOrder(SideBuy, TypeLimit, "100", "1")
	assert.True(t, buy.Accepts(newOrder(SideSell, TypeLimit, "99.5", "1")))
	assert.True(t, buy.Accepts(newOrder(SideSell, TypeLimit, "100", "1")))
	assert.False(t, buy.Accepts(newOrder(SideSell, TypeLimit, "100.0001", "1")))

	sell := newOrder(SideSell, TypeLimit, "100", "1")
	assert.True(t, sell.Accepts(newOrder(SideBuy, TypeLimit, "101", "1")))
	assert.False(t, sell.Accepts(newOrder(SideBuy, TypeLimit, "99", "1")))

	market := newOrder(SideSell, TypeMarket, "", "1")
	assert.True(t, market.Accepts(newOrder(SideBuy, TypeLimit, "0.0001", "1")))
}

func TestFillClosesAtExactQuantity(t *testing.T) {
	now := time.Now()
	o := newOrder(SideBuy, TypeLimit, "100", "10")
	o.ReservedAmount = dec("1000")

	o.Fill(dec("4"), dec("99"), now)
	assert.True(t, o.IsOpen())
	assert.True(t, o.ExecutedQty.Equal(dec("4")))
	assert.True(t, o.SpentAmount.Equal(dec("396")))
	assert.Nil(t, o.EndedAt)

	o.Fill(dec("6"), dec("100"), now)
	assert.Equal(t, StatusClosed, o.Status)
	require.NotNil(t, o.EndedAt)
	assert.True(t, o.Remaining().IsZero())
	assert.True(t, o.Unspent().Equal(dec("4")))
}

func TestFillInvariantViolationsPanic(t *testing.T) {
	now := time.Now()
	o := newOrder(SideSell, TypeLimit, "100", "5")

	assert.Panics(t, func() { o.Fill(dec("5.0001"), dec("100"), now) })
	assert.Panics(t, func() { o.Fill(decimal.Zero, dec("100"), now) })

	o.Fill(dec("5"), dec("100"), now)
	assert.Panics(t, func() { o.Fill(dec("1"), dec("100"), now) })
	assert.Panics(t, func() { o.Cancel(now) })
}

func TestCancel(t *testing.T) {
	o := newOrder(SideSell, TypeMarket, "", "10")
	o.ReservedAmount = dec("10")
	o.Cancel(time.Now())

	assert.Equal(t, StatusCanceled, o.Status)
	assert.NotNil(t, o.EndedAt)
	assert.True(t, o.Unspent().Equal(dec("10")))
	assert.Panics(t, func() { o.Fill(dec("1"), dec("1"), time.Now()) })
}

func TestCurrencies(t *testing.T) {
	buy := newOrder(SideBuy, TypeLimit, "100", "1")
	assert.Equal(t, "USD", buy.ReservationCurrency())
	assert.Equal(t, "BTC", buy.ReceiveCurrency())

	sell := newOrder(SideSell, TypeLimit, "100", "1")
	assert.Equal(t, "BTC", sell.ReservationCurrency())
	assert.Equal(t, "USD", sell.ReceiveCurrency())
}

func TestTradeValidateAndJSON(t *testing.T) {
	tr := &Trade{
		ID:           uuid.New(),
		Symbol:       "AAPL/USD",
		TakerOrderID: uuid.New(),
		MakerOrderID: uuid.New(),
		Price:        dec("100"),
		Qty:          dec("4"),
		TakerUserID:  "B",
		TakerSide:    SideSell,
		MakerUserID:  "A",
		MakerSide:    SideBuy,
	}
	require.NoError(t, tr.Validate())

	raw, err := json.Marshal(tr)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Len(t, body["orders"], 2)
	assert.Len(t, body["users"], 2)

	raw, err = json.Marshal(tr.Public())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "users")

	same := *tr
	same.MakerSide = SideSell
	assert.ErrorIs(t, same.Validate(), ErrInvalidTrade)

	same = *tr
	same.MakerOrderID = same.TakerOrderID
	assert.ErrorIs(t, same.Validate(), ErrInvalidTrade)

	same = *tr
	same.MakerUserID = "B"
	assert.ErrorIs(t, same.Validate(), ErrInvalidTrade)
}
