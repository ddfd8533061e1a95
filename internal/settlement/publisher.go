package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/tickerex/internal/messaging"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reasons attached to credits
const (
	ReasonFill   = "fill"
	ReasonRefund = "refund"
)

// ErrInvalidCredit is returned for credits that cannot be delivered
var ErrInvalidCredit = errors.New("invalid credit")

// Credit instructs the accounts service to add Amount of Currency to UserID
type Credit struct {
	FillID   string
	UserID   string
	Currency string
	Amount   decimal.Decimal
	Reason   string
}

// MessageID is unique per credit and stable across retries of the same fill
func (c Credit) MessageID() string {
	return fmt.Sprintf("%s:%s:%s:%s", c.FillID, c.Reason, c.UserID, c.Currency)
}

// Topics names the accounts queues
type Topics struct {
	Credit messaging.Topic
	Closed messaging.Topic
}

// Publisher appends settlement instructions to the outbox
type Publisher struct {
	topics Topics
	source string
	logger *zap.Logger
	wake   func()
	now    func() time.Time
}

// NewPublisher creates a publisher. wake is called by Kick and may be nil.
func NewPublisher(topics Topics, source string, logger *zap.Logger, wake func()) *Publisher {
	if wake == nil {
		wake = func() {}
	}
	return &Publisher{
		topics: topics,
		source: source,
		logger: logger.Named("settlement"),
		wake:   wake,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Settle queues a credit inside tx. Queuing the same credit twice is a no-op.
func (p *Publisher) Settle(ctx context.Context, tx *gorm.DB, c Credit) error {
	if c.FillID == "" || c.UserID == "" || c.Currency == "" || !c.Amount.IsPositive() {
		return fmt.Errorf("%w: %+v", ErrInvalidCredit, c)
	}

	now := p.now()
	env, err := messaging.NewEnvelope(c.MessageID(), messaging.MsgBalanceCredit, p.source, now, messaging.CreditMessage{
		FillID:   c.FillID,
		UserID:   c.UserID,
		Currency: c.Currency,
		Amount:   c.Amount,
		Reason:   c.Reason,
	})
	if err != nil {
		return fmt.Errorf("failed to encode credit: %w", err)
	}
	return p.enqueue(ctx, tx, KindCredit, p.topics.Credit, c.UserID, env, now)
}

// NotifyClosed queues the final state of an ended order inside tx
func (p *Publisher) NotifyClosed(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	now := p.now()
	id := fmt.Sprintf("order:%s:%s", order.ID, order.Status)
	env, err := messaging.NewEnvelope(id, messaging.MsgOrderClosed, p.source, now, order)
	if err != nil {
		return fmt.Errorf("failed to encode order notice: %w", err)
	}
	return p.enqueue(ctx, tx, KindOrderClosed, p.topics.Closed, order.UserID, env, now)
}

func (p *Publisher) enqueue(ctx context.Context, tx *gorm.DB, kind Kind, topic messaging.Topic, key string, env *messaging.Envelope, now time.Time) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	msg := &Message{
		ID:            env.MessageID,
		Kind:          kind,
		Topic:         string(topic),
		Key:           key,
		Payload:       payload,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(msg).Error; err != nil {
		p.logger.Error("Failed to queue settlement message",
			zap.String("message_id", msg.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return fmt.Errorf("failed to queue settlement message %s: %w", msg.ID, err)
	}
	return nil
}

// Kick tells the relay that new messages were committed
func (p *Publisher) Kick() {
	p.wake()
}
