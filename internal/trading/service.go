// Package trading is the order intake and query surface: it validates and
// reserves new orders, hands them to the matching engine and serves reads.
package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/tickerex/internal/accounts"
	"github.com/Aidin1998/tickerex/internal/marketdata"
	"github.com/Aidin1998/tickerex/internal/trading/engine"
	"github.com/Aidin1998/tickerex/internal/trading/ledger"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/Aidin1998/tickerex/internal/trading/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrNoLiquidity is returned for a market buy when there is nothing to buy
	ErrNoLiquidity = errors.New("no liquidity")
	// ErrForbidden is returned when reading or canceling another user's order
	ErrForbidden = engine.ErrForbidden
	// ErrNotFound is returned for unknown orders and trades
	ErrNotFound = repository.ErrNotFound
)

// Reserver holds funds for new orders
type Reserver interface {
	Reserve(ctx context.Context, token string, r accounts.Reservation) error
}

// PlaceOrderRequest is a new order as submitted by a user
type PlaceOrderRequest struct {
	Symbol string           `json:"symbol" binding:"required"`
	Side   model.Side       `json:"side" binding:"required,oneof=buy sell"`
	Type   model.OrderType  `json:"type" binding:"required,oneof=market limit"`
	Price  *decimal.Decimal `json:"price,omitempty"`
	Qty    decimal.Decimal  `json:"qty"`
}

// Config tunes intake
type Config struct {
	// MarketBuyBuffer scales the best ask when reserving for a market buy
	MarketBuyBuffer decimal.Decimal
	// SubmitRetries bounds retries of a matching pass that hit a stale write
	SubmitRetries int
	// BookDepth is the default number of levels in a book snapshot
	BookDepth int
}

// Service implements order intake, cancellation and queries
type Service struct {
	orders   *repository.OrderRepository
	ledger   *ledger.Ledger
	engine   *engine.Engine
	books    *marketdata.Publisher
	reserver Reserver
	config   Config
	logger   *zap.Logger

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewService creates the trading service
func NewService(orders *repository.OrderRepository, ledger *ledger.Ledger, engine *engine.Engine, books *marketdata.Publisher, reserver Reserver, config Config, logger *zap.Logger) *Service {
	if config.MarketBuyBuffer.LessThan(decimal.NewFromInt(1)) {
		config.MarketBuyBuffer = decimal.RequireFromString("1.1")
	}
	if config.SubmitRetries <= 0 {
		config.SubmitRetries = 3
	}
	if config.BookDepth <= 0 {
		config.BookDepth = 10
	}
	return &Service{
		orders:   orders,
		ledger:   ledger,
		engine:   engine,
		books:    books,
		reserver: reserver,
		config:   config,
		logger:   logger.Named("trading"),
		now:      time.Now,
	}
}

// PlaceOrder validates the request, reserves funds with the caller's
// credential, persists the order and runs it through the matching engine
func (s *Service) PlaceOrder(ctx context.Context, token, userID string, req PlaceOrderRequest) (*model.Order, error) {
	order := &model.Order{
		ID:          uuid.New(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Price:       decimal.Zero,
		InitQty:     req.Qty,
		ExecutedQty: decimal.Zero,
		SpentAmount: decimal.Zero,
		Status:      model.StatusOpen,
		UserID:      userID,
	}
	if req.Type == model.TypeLimit && req.Price != nil {
		order.Price = *req.Price
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	amount, err := s.reservation(ctx, order)
	if err != nil {
		return nil, err
	}
	order.ReservedAmount = amount

	if err := s.reserver.Reserve(ctx, token, accounts.Reservation{
		UserID:   userID,
		Currency: order.ReservationCurrency(),
		Amount:   amount,
	}); err != nil {
		return nil, fmt.Errorf("failed to reserve funds: %w", err)
	}

	order.CreatedAt = s.stamp()
	if err := s.orders.Create(ctx, order); err != nil {
		s.logger.Error("Order lost after reservation",
			zap.String("order_id", order.ID.String()),
			zap.String("user_id", userID),
			zap.String("currency", order.ReservationCurrency()),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Order accepted",
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", userID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("qty", order.InitQty.String()))
	return s.submit(ctx, order)
}

// submit runs the matching pass to completion regardless of the caller's
// context. A pass that still fails after retries leaves no half-accepted
// order behind: the order is ended and its reservation refunded.
func (s *Service) submit(ctx context.Context, order *model.Order) (*model.Order, error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= s.config.SubmitRetries; attempt++ {
		var result *model.Order
		result, err = s.engine.Submit(ctx, order)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			break
		}
		s.logger.Warn("Retrying matching pass",
			zap.String("order_id", order.ID.String()),
			zap.Int("attempt", attempt))
	}

	if _, aerr := s.engine.Abandon(ctx, order.ID); aerr != nil {
		s.logger.Error("Order left open after failed matching pass",
			zap.String("order_id", order.ID.String()),
			zap.NamedError("pass_error", err),
			zap.Error(aerr))
	}
	return nil, fmt.Errorf("failed to match order %s: %w", order.ID, err)
}

// reservation is the amount held for order in its reservation currency
func (s *Service) reservation(ctx context.Context, order *model.Order) (decimal.Decimal, error) {
	switch {
	case order.Side == model.SideSell:
		return order.InitQty, nil
	case order.Type == model.TypeLimit:
		return model.Notional(order.InitQty, order.Price), nil
	}

	best, err := s.orders.Best(ctx, order.Symbol, model.SideSell)
	if errors.Is(err, repository.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w on %s", ErrNoLiquidity, order.Symbol)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to price market buy: %w", err)
	}
	return model.Round(order.InitQty.Mul(best.Price).Mul(s.config.MarketBuyBuffer)), nil
}

// stamp returns a creation time strictly after every earlier one, at the
// microsecond precision the database keeps
func (s *Service) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// CancelOrder cancels the caller's open order
func (s *Service) CancelOrder(ctx context.Context, userID string, id uuid.UUID) (*model.Order, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrForbidden
	}
	return s.engine.Cancel(ctx, order, userID)
}

// GetOrder returns one of the caller's orders
func (s *Service) GetOrder(ctx context.Context, userID string, id uuid.UUID) (*model.Order, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrForbidden
	}
	return order, nil
}

// ListOrders returns the caller's orders, newest first
func (s *Service) ListOrders(ctx context.Context, userID, symbol string, limit int) ([]*model.Order, error) {
	return s.orders.ListByUser(ctx, userID, symbol, limit)
}

// UserTrades returns the trades the caller took part in
func (s *Service) UserTrades(ctx context.Context, userID, symbol string) ([]*model.Trade, error) {
	return s.ledger.ByUser(ctx, userID, symbol)
}

// OrderTrades returns the trades of one of the caller's orders
func (s *Service) OrderTrades(ctx context.Context, userID string, id uuid.UUID) ([]*model.Trade, error) {
	if _, err := s.GetOrder(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.ledger.ByOrder(ctx, id)
}

// Trades returns the latest public trades on a symbol
func (s *Service) Trades(ctx context.Context, symbol string, limit int) ([]model.PublicTrade, error) {
	if _, _, err := model.SplitSymbol(symbol); err != nil {
		return nil, err
	}
	trades, err := s.ledger.BySymbol(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.PublicTrade, 0, len(trades))
	for _, t := range trades {
		out = append(out, t.Public())
	}
	return out, nil
}

// Symbols returns the names of the symbols that have traded
func (s *Service) Symbols(ctx context.Context) ([]string, error) {
	symbols, err := s.ledger.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	if symbols == nil {
		symbols = []string{}
	}
	return symbols, nil
}

// Trade returns the public form of one trade
func (s *Service) Trade(ctx context.Context, id uuid.UUID) (model.PublicTrade, error) {
	t, err := s.ledger.Get(ctx, id)
	if err != nil {
		return model.PublicTrade{}, err
	}
	return t.Public(), nil
}

// Book returns the top depth levels of a symbol
func (s *Service) Book(ctx context.Context, symbol string, depth int) (*marketdata.BookSnapshot, error) {
	if _, _, err := model.SplitSymbol(symbol); err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = s.config.BookDepth
	}
	return s.books.Snapshot(ctx, symbol, depth)
}
