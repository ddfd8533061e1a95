package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Aidin1998/tickerex/internal/messaging"
	"github.com/Aidin1998/tickerex/internal/store"
	"github.com/Aidin1998/tickerex/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RelayConfig tunes outbox delivery
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// DefaultRelayConfig returns the defaults used when a field is zero
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: time.Second,
		BatchSize:    100,
		MaxAttempts:  20,
		BaseBackoff:  500 * time.Millisecond,
		MaxBackoff:   5 * time.Minute,
	}
}

// Relay delivers outbox messages to Kafka
type Relay struct {
	outbox   *store.Store[Message]
	producer messaging.Producer
	config   RelayConfig
	logger   *zap.Logger
	wake     chan struct{}
	now      func() time.Time
	jitter   func() float64
}

// NewRelay creates a relay reading the outbox in db
func NewRelay(db *gorm.DB, producer messaging.Producer, config RelayConfig, logger *zap.Logger) *Relay {
	def := DefaultRelayConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = def.BaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	return &Relay{
		outbox:   store.New[Message](db, logger),
		producer: producer,
		config:   config,
		logger:   logger.Named("settlement-relay"),
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
		jitter:   rand.Float64,
	}
}

// Kick schedules a flush without waiting for the next poll
func (r *Relay) Kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run flushes the outbox until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	r.logger.Info("Settlement relay started", zap.Duration("poll_interval", r.config.PollInterval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Settlement relay stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-r.wake:
		}

		for {
			n, err := r.Flush(ctx)
			if err != nil {
				r.logger.Error("Outbox flush failed", zap.Error(err))
				break
			}
			if n < r.config.BatchSize {
				break
			}
		}
	}
}

// Flush attempts delivery of one batch of due messages and returns how many
// it tried
func (r *Relay) Flush(ctx context.Context) (int, error) {
	now := r.now()
	due, err := r.outbox.Find(ctx, store.Query{
		Conds: []store.Cond{
			store.Where("status", StatusPending),
			{Field: "next_attempt_at", Op: store.Lte, Value: now},
		},
		Sort:  []store.Sort{{Field: "created_at"}, {Field: "id"}},
		Limit: r.config.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load due messages: %w", err)
	}

	if pending, err := r.outbox.Count(ctx, store.Query{Conds: []store.Cond{store.Where("status", StatusPending)}}); err == nil {
		metrics.SettlementPending.Set(float64(pending))
	}

	for _, msg := range due {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		r.deliver(ctx, msg)
	}
	return len(due), nil
}

func (r *Relay) deliver(ctx context.Context, msg *Message) {
	headers := map[string]string{"message_id": msg.ID, "kind": string(msg.Kind)}
	pubErr := r.producer.Publish(ctx, messaging.Topic(msg.Topic), msg.Key, msg.Payload, headers)

	now := r.now()
	var fields map[string]interface{}
	if pubErr == nil {
		fields = map[string]interface{}{
			"status":       StatusDelivered,
			"attempts":     msg.Attempts + 1,
			"delivered_at": now,
			"last_error":   "",
		}
		metrics.SettlementDelivered.WithLabelValues(string(msg.Kind)).Inc()
	} else {
		attempts := msg.Attempts + 1
		status := StatusPending
		if attempts >= r.config.MaxAttempts {
			status = StatusFailed
		}
		fields = map[string]interface{}{
			"status":          status,
			"attempts":        attempts,
			"next_attempt_at": now.Add(r.Backoff(attempts)),
			"last_error":      pubErr.Error(),
		}
		metrics.SettlementFailures.WithLabelValues(string(msg.Kind)).Inc()
		r.logger.Warn("Settlement delivery failed",
			zap.String("message_id", msg.ID),
			zap.Int("attempts", attempts),
			zap.String("status", string(status)),
			zap.Error(pubErr))
	}

	if err := r.outbox.Update(ctx, msg.ID, fields); err != nil {
		// a delivered message left pending is sent again later; consumers dedupe on message_id
		r.logger.Error("Failed to record delivery outcome", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// Backoff is the delay before the given attempt number is retried:
// exponential from BaseBackoff, capped at MaxBackoff, plus up to 20% jitter
func (r *Relay) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(r.config.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.config.MaxBackoff) {
		delay = float64(r.config.MaxBackoff)
	}
	return time.Duration(delay * (1 + 0.2*r.jitter()))
}

// List returns outbox messages in a given status, oldest first, optionally
// only those with key
func (r *Relay) List(ctx context.Context, status Status, key string, limit int) ([]*Message, error) {
	q := store.Query{
		Conds: []store.Cond{store.Where("status", status)},
		Sort:  []store.Sort{{Field: "created_at"}, {Field: "id"}},
		Limit: limit,
	}
	if key != "" {
		q.Conds = append(q.Conds, store.Where("key", key))
	}
	return r.outbox.Find(ctx, q)
}

// ErrNotRetryable is returned when retrying a message that is not failed
var ErrNotRetryable = errors.New("message is not in failed state")

// Retry puts a failed message back in the delivery queue. A non-empty key
// restricts it to messages with that key; others are reported as not found.
func (r *Relay) Retry(ctx context.Context, id, key string) error {
	conds := []store.Cond{store.Where("id", id), store.Where("status", StatusFailed)}
	if key != "" {
		conds = append(conds, store.Where("key", key))
	}
	n, err := r.outbox.UpdateWhere(ctx, conds,
		map[string]interface{}{
			"status":          StatusPending,
			"attempts":        0,
			"next_attempt_at": r.now(),
		})
	if err != nil {
		return err
	}
	if n == 0 {
		msg, err := r.outbox.Get(ctx, id)
		if err != nil {
			return err
		}
		if key != "" && msg.Key != key {
			return store.ErrNotFound
		}
		return ErrNotRetryable
	}
	r.Kick()
	return nil
}
