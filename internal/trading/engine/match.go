package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/tickerex/internal/marketdata"
	"github.com/Aidin1998/tickerex/internal/settlement"
	"github.com/Aidin1998/tickerex/internal/store"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/Aidin1998/tickerex/internal/trading/repository"
	"github.com/Aidin1998/tickerex/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tick = decimal.New(1, -model.Scale)

// pass collects what a matching pass committed, for fanout once it ends
type pass struct {
	symbol  string
	trades  []*model.Trade
	touched map[uuid.UUID]*model.Order
	order   []uuid.UUID
}

func newPass(symbol string) *pass {
	return &pass{symbol: symbol, touched: make(map[uuid.UUID]*model.Order)}
}

func (p *pass) touch(o *model.Order) {
	if _, ok := p.touched[o.ID]; !ok {
		p.order = append(p.order, o.ID)
	}
	p.touched[o.ID] = o
}

// fillID names a fill of order by the sequence it was applied at
func fillID(order *model.Order) string {
	return fmt.Sprintf("%s:%d", order.ID, order.FillSeq)
}

func (e *Engine) match(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id.String()))
	start := time.Now()

	order, err := e.orders.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	if !order.IsOpen() {
		return order, nil
	}
	span.SetAttributes(
		attribute.String("order.symbol", order.Symbol),
		attribute.String("order.side", string(order.Side)),
		attribute.String("order.type", string(order.Type)))

	p := newPass(order.Symbol)
	defer e.publish(ctx, p)

	order, err = e.fillAgainstBook(ctx, order, p)
	if err == nil && order.IsOpen() && order.Type == model.TypeMarket {
		order, err = e.end(ctx, order, p)
	}
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			metrics.FillConflicts.WithLabelValues(order.Symbol).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("Matching pass failed",
			zap.String("order_id", id.String()),
			zap.String("symbol", order.Symbol),
			zap.Error(err))
		return nil, err
	}

	metrics.OrdersProcessed.WithLabelValues(string(order.Side), string(order.Status)).Inc()
	metrics.OrderLatency.Observe(time.Since(start).Seconds())
	e.logger.Debug("Matching pass finished",
		zap.String("order_id", order.ID.String()),
		zap.String("status", string(order.Status)),
		zap.String("executed_qty", order.ExecutedQty.String()),
		zap.Int("trades", len(p.trades)))
	return order, nil
}

// fillAgainstBook walks the compatible resting orders in price-time priority
// and fills against each until the order closes, the book runs out or a
// market buy exhausts its reservation.
func (e *Engine) fillAgainstBook(ctx context.Context, order *model.Order, p *pass) (*model.Order, error) {
	candidates, err := e.orders.FindMatchable(ctx, order)
	if err != nil {
		return order, err
	}

	for _, resting := range candidates {
		if !order.IsOpen() {
			break
		}
		price := resting.Price
		qty := decimal.Min(order.Remaining(), resting.Remaining())
		if order.Type == model.TypeMarket && order.Side == model.SideBuy {
			qty = decimal.Min(qty, affordable(order, price))
			if !qty.IsPositive() {
				break
			}
		}

		taker, maker, trade, err := e.fill(ctx, order, resting, qty, price)
		if err != nil {
			return order, err
		}
		order = taker
		p.touch(taker)
		p.touch(maker)
		if trade != nil {
			p.trades = append(p.trades, trade)
		}
	}
	return order, nil
}

// affordable is the largest quantity a market buy can still pay for at price
func affordable(order *model.Order, price decimal.Decimal) decimal.Decimal {
	budget := order.Unspent()
	if !budget.IsPositive() {
		return decimal.Zero
	}
	qty := budget.DivRound(price, model.Scale+4).RoundDown(model.Scale)
	for qty.IsPositive() && model.Notional(qty, price).GreaterThan(budget) {
		qty = qty.Sub(tick)
	}
	return qty
}

// fill applies one fill to copies of both orders and commits them with the
// trade and settlement rows in a single transaction. The originals are left
// untouched when the transaction fails.
func (e *Engine) fill(ctx context.Context, taker, maker *model.Order, qty, price decimal.Decimal) (*model.Order, *model.Order, *model.Trade, error) {
	id := fillID(taker)
	now := e.now()
	t, m := *taker, *maker
	t.Fill(qty, price, now)
	m.Fill(qty, price, now)

	var trade *model.Trade
	err := store.Transaction(ctx, e.db, func(tx *gorm.DB) error {
		orders := e.orders.WithTx(tx)
		if err := orders.Save(ctx, &m); err != nil {
			return err
		}
		if err := orders.Save(ctx, &t); err != nil {
			return err
		}

		if t.UserID != m.UserID {
			var err error
			if trade, err = e.ledger.RecordTrade(ctx, tx, &t, &m, qty, price, id); err != nil {
				return err
			}
		}

		buyer, seller := &t, &m
		if t.Side == model.SideSell {
			buyer, seller = &m, &t
		}
		if err := e.credit(ctx, tx, id, settlement.ReasonFill, buyer.UserID, buyer.Base(), qty); err != nil {
			return err
		}
		if err := e.credit(ctx, tx, id, settlement.ReasonFill, seller.UserID, seller.Quote(), model.Notional(qty, price)); err != nil {
			return err
		}

		for _, o := range []*model.Order{&m, &t} {
			if !o.IsOpen() {
				if err := e.settleEnded(ctx, tx, id, o); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to fill %s against %s: %w", taker.ID, maker.ID, err)
	}

	metrics.FillsExecuted.WithLabelValues(t.Symbol).Inc()
	e.settlement.Kick()
	return &t, &m, trade, nil
}

// end cancels what is left of an open order
func (e *Engine) end(ctx context.Context, order *model.Order, p *pass) (*model.Order, error) {
	id := fillID(order)
	o := *order
	o.Cancel(e.now())

	err := store.Transaction(ctx, e.db, func(tx *gorm.DB) error {
		if err := e.orders.WithTx(tx).Save(ctx, &o); err != nil {
			return err
		}
		return e.settleEnded(ctx, tx, id, &o)
	})
	if err != nil {
		return order, fmt.Errorf("failed to cancel %s: %w", order.ID, err)
	}

	e.settlement.Kick()
	p.touch(&o)
	return &o, nil
}

// settleEnded refunds the unspent reservation of an ended order and queues
// its closing notice
func (e *Engine) settleEnded(ctx context.Context, tx *gorm.DB, id string, o *model.Order) error {
	if err := e.credit(ctx, tx, id, settlement.ReasonRefund, o.UserID, o.ReservationCurrency(), o.Unspent()); err != nil {
		return err
	}
	return e.settlement.NotifyClosed(ctx, tx, o)
}

func (e *Engine) credit(ctx context.Context, tx *gorm.DB, id, reason, userID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	return e.settlement.Settle(ctx, tx, settlement.Credit{
		FillID:   id,
		UserID:   userID,
		Currency: currency,
		Amount:   amount,
		Reason:   reason,
	})
}

func (e *Engine) cancel(ctx context.Context, id uuid.UUID, userID string) (*model.Order, error) {
	order, err := e.orders.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	if order.UserID != userID {
		return nil, ErrForbidden
	}
	if !order.IsOpen() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, order.Status)
	}

	p := newPass(order.Symbol)
	defer e.publish(ctx, p)
	order, err = e.end(ctx, order, p)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			metrics.FillConflicts.WithLabelValues(order.Symbol).Inc()
		}
		return nil, err
	}

	metrics.OrdersProcessed.WithLabelValues(string(order.Side), string(order.Status)).Inc()
	e.logger.Info("Order canceled",
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", userID),
		zap.String("executed_qty", order.ExecutedQty.String()))
	return order, nil
}

// publish pushes what the pass committed. Failures are logged by the
// notifier and never affect the pass result.
func (e *Engine) publish(ctx context.Context, p *pass) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.PublishTrades(ctx, p.symbol, p.trades); err != nil {
		e.logger.Warn("Trade broadcast failed", zap.String("symbol", p.symbol), zap.Error(err))
	}
	if err := e.notifier.PublishBookSnapshot(ctx, p.symbol); err != nil {
		e.logger.Warn("Book broadcast failed", zap.String("symbol", p.symbol), zap.Error(err))
	}
	for _, id := range p.order {
		o := p.touched[id]
		if err := e.notifier.NotifyUser(ctx, o.UserID, marketdata.TargetOrder, o); err != nil {
			e.logger.Warn("Order update failed",
				zap.String("order_id", o.ID.String()),
				zap.String("user_id", o.UserID),
				zap.Error(err))
		}
	}
}
