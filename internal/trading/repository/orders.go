package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aidin1998/tickerex/internal/store"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when an order or trade does not exist
	ErrNotFound = store.ErrNotFound
	// ErrConflict is returned when a conditional write finds a newer fill sequence
	ErrConflict = errors.New("order was modified concurrently")
)

// OrderRepository reads and writes orders
type OrderRepository struct {
	orders *store.Store[model.Order]
	logger *zap.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{
		orders: store.New[model.Order](db, logger),
		logger: logger,
	}
}

// WithTx binds the repository to a transaction
func (r *OrderRepository) WithTx(tx *gorm.DB) *OrderRepository {
	return &OrderRepository{orders: r.orders.WithTx(tx), logger: r.logger}
}

// Create inserts a new order
func (r *OrderRepository) Create(ctx context.Context, order *model.Order) error {
	if err := r.orders.Create(ctx, order); err != nil {
		r.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("order_id", order.ID.String()),
			zap.String("symbol", order.Symbol))
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// Get loads an order by id
func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	order, err := r.orders.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return order, nil
}

// ListByUser returns a user's orders, newest first, optionally for one symbol
func (r *OrderRepository) ListByUser(ctx context.Context, userID, symbol string, limit int) ([]*model.Order, error) {
	q := store.Query{
		Conds: []store.Cond{store.Where("user_id", userID)},
		Sort:  []store.Sort{{Field: "created_at", Desc: true}},
		Limit: limit,
	}
	if symbol != "" {
		q.Conds = append(q.Conds, store.Where("symbol", symbol))
	}
	return r.orders.Find(ctx, q)
}

// ListOpen returns the open orders on one side of a symbol's book. Only
// limit orders ever rest.
func (r *OrderRepository) ListOpen(ctx context.Context, symbol string, side model.Side) ([]*model.Order, error) {
	return r.orders.Find(ctx, store.Query{
		Conds: []store.Cond{
			store.Where("status", model.StatusOpen),
			store.Where("symbol", symbol),
			store.Where("side", side),
			store.Where("type", model.TypeLimit),
		},
		Sort: bookSort(side),
	})
}

// Best returns the open order at the top of one side of a symbol's book
func (r *OrderRepository) Best(ctx context.Context, symbol string, side model.Side) (*model.Order, error) {
	return r.orders.FindOne(ctx, store.Query{
		Conds: []store.Cond{
			store.Where("status", model.StatusOpen),
			store.Where("symbol", symbol),
			store.Where("side", side),
			store.Where("type", model.TypeLimit),
		},
		Sort: bookSort(side),
	})
}

// FindMatchable returns the open counter orders price compatible with order,
// in price-time priority
func (r *OrderRepository) FindMatchable(ctx context.Context, order *model.Order) ([]*model.Order, error) {
	counter := order.Side.Opposite()
	q := store.Query{
		Conds: []store.Cond{
			store.Where("status", model.StatusOpen),
			store.Where("symbol", order.Symbol),
			store.Where("side", counter),
			store.Where("type", model.TypeLimit),
		},
		Sort: bookSort(counter),
	}
	if order.Type == model.TypeLimit {
		op := store.Lte
		if order.Side == model.SideSell {
			op = store.Gte
		}
		q.Conds = append(q.Conds, store.Cond{Field: "price", Op: op, Value: order.Price})
	}

	candidates, err := r.orders.Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to load matchable orders for %s: %w", order.Symbol, err)
	}
	return candidates, nil
}

// bookSort is best price first, then earliest creation
func bookSort(side model.Side) []store.Sort {
	return []store.Sort{
		{Field: "price", Desc: side == model.SideBuy},
		{Field: "created_at"},
		{Field: "id"},
	}
}

// Save writes the mutable state of order if its fill sequence is still the
// one it was loaded with, and advances the sequence. A stale order yields
// ErrConflict and leaves the stored row untouched.
func (r *OrderRepository) Save(ctx context.Context, order *model.Order) error {
	expected := order.FillSeq
	n, err := r.orders.UpdateWhere(ctx,
		[]store.Cond{store.Where("id", order.ID), store.Where("fill_seq", expected)},
		map[string]interface{}{
			"executed_qty": order.ExecutedQty,
			"spent_amount": order.SpentAmount,
			"status":       order.Status,
			"ended_at":     order.EndedAt,
			"fill_seq":     expected + 1,
		})
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	if n == 0 {
		r.logger.Warn("Stale order write rejected",
			zap.String("order_id", order.ID.String()),
			zap.Int64("fill_seq", expected))
		return fmt.Errorf("order %s at fill_seq %d: %w", order.ID, expected, ErrConflict)
	}
	order.FillSeq = expected + 1
	return nil
}
