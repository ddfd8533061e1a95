// Package ledger records trades. Trades are append-only: once written they are
// never updated or deleted.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/Aidin1998/tickerex/internal/trading/repository"
	"github.com/Aidin1998/tickerex/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger creates and reads trade records
type Ledger struct {
	trades *repository.TradeRepository
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger over the trade repository
func New(trades *repository.TradeRepository, logger *zap.Logger) *Ledger {
	return &Ledger{
		trades: trades,
		logger: logger.Named("ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecordTrade appends the trade for a fill between taker and maker. It runs
// inside tx so the trade commits together with the order updates. The two
// orders must share a symbol, sit on opposite sides and belong to different
// owners.
func (l *Ledger) RecordTrade(ctx context.Context, tx *gorm.DB, taker, maker *model.Order, qty, price decimal.Decimal, fillID string) (*model.Trade, error) {
	if taker.Symbol != maker.Symbol {
		return nil, fmt.Errorf("%w: symbols %s and %s differ", model.ErrInvalidTrade, taker.Symbol, maker.Symbol)
	}

	trade := &model.Trade{
		ID:           uuid.New(),
		Symbol:       taker.Symbol,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		Price:        price,
		Qty:          qty,
		TakerUserID:  taker.UserID,
		TakerSide:    taker.Side,
		MakerUserID:  maker.UserID,
		MakerSide:    maker.Side,
		FillID:       fillID,
		CreatedAt:    l.now(),
	}
	if err := trade.Validate(); err != nil {
		return nil, err
	}

	repo := l.trades
	if tx != nil {
		repo = repo.WithTx(tx)
	}
	if err := repo.Create(ctx, trade); err != nil {
		return nil, err
	}

	metrics.TradesRecorded.WithLabelValues(trade.Symbol).Inc()
	l.logger.Debug("Trade recorded",
		zap.String("trade_id", trade.ID.String()),
		zap.String("symbol", trade.Symbol),
		zap.String("price", price.String()),
		zap.String("qty", qty.String()))
	return trade, nil
}

// Get loads a trade
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	return l.trades.Get(ctx, id)
}

// BySymbol returns the latest trades on a symbol
func (l *Ledger) BySymbol(ctx context.Context, symbol string, limit int) ([]*model.Trade, error) {
	return l.trades.ListBySymbol(ctx, symbol, limit)
}

// ByUser returns a user's trades, optionally restricted to a symbol
func (l *Ledger) ByUser(ctx context.Context, userID, symbol string) ([]*model.Trade, error) {
	return l.trades.ListByUser(ctx, userID, symbol)
}

// ByOrder returns the trades an order took part in
func (l *Ledger) ByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.Trade, error) {
	return l.trades.ListByOrder(ctx, orderID)
}

// Symbols returns the symbols that have traded
func (l *Ledger) Symbols(ctx context.Context) ([]string, error) {
	return l.trades.Symbols(ctx)
}
