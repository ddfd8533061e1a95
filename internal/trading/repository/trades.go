package repository

import (
	"context"
	"fmt"

	"github.com/Aidin1998/tickerex/internal/store"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TradeRepository reads and appends trades. There is no update or delete.
type TradeRepository struct {
	trades *store.Store[model.Trade]
	logger *zap.Logger
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(db *gorm.DB, logger *zap.Logger) *TradeRepository {
	return &TradeRepository{
		trades: store.New[model.Trade](db, logger),
		logger: logger,
	}
}

// WithTx binds the repository to a transaction
func (r *TradeRepository) WithTx(tx *gorm.DB) *TradeRepository {
	return &TradeRepository{trades: r.trades.WithTx(tx), logger: r.logger}
}

// Create appends a trade
func (r *TradeRepository) Create(ctx context.Context, trade *model.Trade) error {
	if err := r.trades.Create(ctx, trade); err != nil {
		r.logger.Error("Failed to create trade",
			zap.Error(err),
			zap.String("trade_id", trade.ID.String()),
			zap.String("fill_id", trade.FillID),
			zap.String("symbol", trade.Symbol))
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// Get loads a trade by id
func (r *TradeRepository) Get(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	trade, err := r.trades.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %s: %w", id, err)
	}
	return trade, nil
}

// GetByFillID loads the trade created for a fill
func (r *TradeRepository) GetByFillID(ctx context.Context, fillID string) (*model.Trade, error) {
	return r.trades.FindOne(ctx, store.Query{Conds: []store.Cond{store.Where("fill_id", fillID)}})
}

// ListBySymbol returns the latest trades on a symbol, newest first
func (r *TradeRepository) ListBySymbol(ctx context.Context, symbol string, limit int) ([]*model.Trade, error) {
	return r.trades.Find(ctx, store.Query{
		Conds: []store.Cond{store.Where("symbol", symbol)},
		Sort:  []store.Sort{{Field: "created_at", Desc: true}, {Field: "id"}},
		Limit: limit,
	})
}

// ListByUser returns the trades a user took part in, newest first
func (r *TradeRepository) ListByUser(ctx context.Context, userID, symbol string) ([]*model.Trade, error) {
	q := store.Query{
		Any:  []store.Cond{store.Where("taker_user_id", userID), store.Where("maker_user_id", userID)},
		Sort: []store.Sort{{Field: "created_at", Desc: true}},
	}
	if symbol != "" {
		q.Conds = []store.Cond{store.Where("symbol", symbol)}
	}
	return r.trades.Find(ctx, q)
}

// ListByOrder returns the trades an order took part in, oldest first
func (r *TradeRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.Trade, error) {
	return r.trades.Find(ctx, store.Query{
		Any:  []store.Cond{store.Where("taker_order_id", orderID), store.Where("maker_order_id", orderID)},
		Sort: []store.Sort{{Field: "created_at"}},
	})
}

// Symbols returns every symbol that has traded, in name order
func (r *TradeRepository) Symbols(ctx context.Context) ([]string, error) {
	return r.trades.Distinct(ctx, "symbol", store.Query{Sort: []store.Sort{{Field: "symbol"}}})
}
