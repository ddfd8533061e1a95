// Package marketdata computes book snapshots and publishes market and user
// events to the realtime broker.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aidin1998/tickerex/internal/pubsub"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/Aidin1998/tickerex/pkg/metrics"
	"go.uber.org/zap"
)

// Envelope types and targets understood by websocket clients
const (
	TypeBroadcast = "broadcast"
	TypeUpdate    = "update"

	TargetLastOrders = "last_orders"
	TargetNewTrades  = "new_trades"
	TargetOrder      = "order"
)

// Envelope is the JSON frame relayed verbatim to websocket clients
type Envelope struct {
	Type   string      `json:"type"`
	Target string      `json:"target"`
	Data   interface{} `json:"data"`
}

// TradeBatch is the data of a new_trades broadcast
type TradeBatch struct {
	Symbol string              `json:"symbol"`
	Trades []model.PublicTrade `json:"trades"`
}

// OrderSource lists open orders for snapshots
type OrderSource interface {
	ListOpen(ctx context.Context, symbol string, side model.Side) ([]*model.Order, error)
}

// Config tunes fanout
type Config struct {
	Depth      int
	Retries    int
	RetryDelay time.Duration
}

// Publisher publishes book snapshots, trade batches and user notices
type Publisher struct {
	broker pubsub.Broker
	orders OrderSource
	config Config
	logger *zap.Logger
}

// NewPublisher creates a fanout publisher
func NewPublisher(broker pubsub.Broker, orders OrderSource, config Config, logger *zap.Logger) *Publisher {
	if config.Depth <= 0 {
		config.Depth = 10
	}
	if config.Retries <= 0 {
		config.Retries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 50 * time.Millisecond
	}
	return &Publisher{
		broker: broker,
		orders: orders,
		config: config,
		logger: logger.Named("fanout"),
	}
}

// Snapshot computes the top depth levels of both sides of a symbol
func (p *Publisher) Snapshot(ctx context.Context, symbol string, depth int) (*BookSnapshot, error) {
	if depth <= 0 {
		depth = p.config.Depth
	}
	bids, err := p.orders.ListOpen(ctx, symbol, model.SideBuy)
	if err != nil {
		return nil, fmt.Errorf("failed to load bids for %s: %w", symbol, err)
	}
	asks, err := p.orders.ListOpen(ctx, symbol, model.SideSell)
	if err != nil {
		return nil, fmt.Errorf("failed to load asks for %s: %w", symbol, err)
	}
	return &BookSnapshot{
		Symbol: symbol,
		Bids:   Aggregate(bids, model.SideBuy, depth),
		Asks:   Aggregate(asks, model.SideSell, depth),
	}, nil
}

// PublishBookSnapshot publishes the current top of book to the symbol's broadcast topic
func (p *Publisher) PublishBookSnapshot(ctx context.Context, symbol string) error {
	snap, err := p.Snapshot(ctx, symbol, p.config.Depth)
	if err != nil {
		return err
	}
	return p.publish(ctx, pubsub.BroadcastTopic(symbol), Envelope{
		Type:   TypeBroadcast,
		Target: TargetLastOrders,
		Data:   snap,
	})
}

// PublishTrades publishes a batch of new trades without counterparty details.
// An empty batch publishes nothing.
func (p *Publisher) PublishTrades(ctx context.Context, symbol string, trades []*model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := TradeBatch{Symbol: symbol, Trades: make([]model.PublicTrade, 0, len(trades))}
	for _, t := range trades {
		batch.Trades = append(batch.Trades, t.Public())
	}
	return p.publish(ctx, pubsub.BroadcastTopic(symbol), Envelope{
		Type:   TypeBroadcast,
		Target: TargetNewTrades,
		Data:   batch,
	})
}

// NotifyUser publishes a personal update on the user's private topic
func (p *Publisher) NotifyUser(ctx context.Context, userID, target string, data interface{}) error {
	return p.publish(ctx, pubsub.PrivateTopic(userID), Envelope{
		Type:   TypeUpdate,
		Target: target,
		Data:   data,
	})
}

func (p *Publisher) publish(ctx context.Context, topic string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", env.Target, err)
	}

	delay := p.config.RetryDelay
	for attempt := 1; ; attempt++ {
		err = p.broker.Publish(ctx, topic, payload)
		if err == nil {
			metrics.FanoutPublished.WithLabelValues(env.Target).Inc()
			return nil
		}
		if attempt >= p.config.Retries {
			break
		}
		p.logger.Debug("Publish failed, retrying",
			zap.String("topic", topic),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	metrics.FanoutFailures.WithLabelValues(env.Target).Inc()
	p.logger.Error("Dropping fanout message after retries",
		zap.String("topic", topic),
		zap.String("target", env.Target),
		zap.Int("attempts", p.config.Retries),
		zap.Error(err))
	return fmt.Errorf("failed to publish %s to %s: %w", env.Target, topic, err)
}
