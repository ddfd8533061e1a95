package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/tickerex/internal/messaging"
	"github.com/Aidin1998/tickerex/internal/store"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type published struct {
	topic messaging.Topic
	key   string
	value []byte
}

type fakeProducer struct {
	mu       sync.Mutex
	failures int
	sent     []published
}

func (f *fakeProducer) Publish(_ context.Context, topic messaging.Topic, key string, value []byte, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, published{topic: topic, key: key, value: value})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

var topics = Topics{Credit: "accounts.balance.credit", Closed: "accounts.orders.closed"}

func setup(t *testing.T, producer *fakeProducer, cfg RelayConfig) (*gorm.DB, *Publisher, *Relay, *time.Time) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Message{}))

	logger := zaptest.NewLogger(t)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	relay := NewRelay(db, producer, cfg, logger)
	relay.now = func() time.Time { return clock }
	relay.jitter = func() float64 { return 0 }

	pub := NewPublisher(topics, "tickers", logger, relay.Kick)
	pub.now = func() time.Time { return clock }
	return db, pub, relay, &clock
}

func credit(fill, user, currency, amount string) Credit {
	return Credit{FillID: fill, UserID: user, Currency: currency, Amount: decimal.RequireFromString(amount), Reason: ReasonFill}
}

func TestSettleIsIdempotentPerCredit(t *testing.T) {
	producer := &fakeProducer{}
	db, pub, relay, _ := setup(t, producer, RelayConfig{})
	ctx := context.Background()

	require.NoError(t, store.Transaction(ctx, db, func(tx *gorm.DB) error {
		if err := pub.Settle(ctx, tx, credit("o1:0", "B", "USD", "400")); err != nil {
			return err
		}
		if err := pub.Settle(ctx, tx, credit("o1:0", "A", "AAPL", "4")); err != nil {
			return err
		}
		return pub.Settle(ctx, tx, credit("o1:0", "B", "USD", "400"))
	}))

	pending, err := relay.List(ctx, StatusPending, "", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, producer.sent, 2)

	var env messaging.Envelope
	require.NoError(t, json.Unmarshal(producer.sent[0].value, &env))
	assert.Equal(t, messaging.MsgBalanceCredit, env.Type)
	assert.Equal(t, topics.Credit, producer.sent[0].topic)

	var data messaging.CreditMessage
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "o1:0", data.FillID)
	assert.Equal(t, producer.sent[0].key, data.UserID)

	n, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSettleRejectsInvalidCredit(t *testing.T) {
	db, pub, _, _ := setup(t, &fakeProducer{}, RelayConfig{})
	ctx := context.Background()

	err := pub.Settle(ctx, db, credit("f", "A", "USD", "0"))
	assert.ErrorIs(t, err, ErrInvalidCredit)
	err = pub.Settle(ctx, db, credit("f", "", "USD", "1"))
	assert.ErrorIs(t, err, ErrInvalidCredit)
}

func TestNotifyClosed(t *testing.T) {
	producer := &fakeProducer{}
	db, pub, relay, _ := setup(t, producer, RelayConfig{})
	ctx := context.Background()

	order := &model.Order{ID: uuid.New(), Symbol: "AAPL/USD", Status: model.StatusClosed, UserID: "B"}
	require.NoError(t, pub.NotifyClosed(ctx, db, order))

	_, err := relay.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, producer.sent, 1)
	assert.Equal(t, topics.Closed, producer.sent[0].topic)

	var env messaging.Envelope
	require.NoError(t, json.Unmarshal(producer.sent[0].value, &env))
	assert.Equal(t, messaging.MsgOrderClosed, env.Type)
	assert.Contains(t, string(env.Data), order.ID.String())
}

func TestRelayBacksOffAndFails(t *testing.T) {
	producer := &fakeProducer{failures: 100}
	db, pub, relay, clock := setup(t, producer, RelayConfig{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute})
	ctx := context.Background()

	require.NoError(t, pub.Settle(ctx, db, credit("f1", "A", "USD", "10")))

	_, err := relay.Flush(ctx)
	require.NoError(t, err)

	msgs, err := relay.List(ctx, StatusPending, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.True(t, msgs[0].NextAttemptAt.Equal(clock.Add(time.Second)))
	assert.Equal(t, "broker unavailable", msgs[0].LastError)

	// not due yet
	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*clock = clock.Add(time.Second)
	_, err = relay.Flush(ctx)
	require.NoError(t, err)
	*clock = clock.Add(2 * time.Second)
	_, err = relay.Flush(ctx)
	require.NoError(t, err)

	failed, err := relay.List(ctx, StatusFailed, "", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)

	producer.failures = 0
	require.NoError(t, relay.Retry(ctx, failed[0].ID, ""))
	assert.ErrorIs(t, relay.Retry(ctx, failed[0].ID, ""), ErrNotRetryable)
	assert.ErrorIs(t, relay.Retry(ctx, "missing", ""), store.ErrNotFound)

	n, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, producer.sent, 1)

	delivered, err := relay.List(ctx, StatusDelivered, "", 10)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.NotNil(t, delivered[0].DeliveredAt)
}

func TestBackoffIsCapped(t *testing.T) {
	_, _, relay, _ := setup(t, &fakeProducer{}, RelayConfig{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second})

	assert.Equal(t, time.Second, relay.Backoff(1))
	assert.Equal(t, 4*time.Second, relay.Backoff(3))
	assert.Equal(t, 10*time.Second, relay.Backoff(10))

	relay.jitter = func() float64 { return 1 }
	assert.Equal(t, 12*time.Second, relay.Backoff(10))
}

func TestRunStopsOnCancel(t *testing.T) {
	producer := &fakeProducer{}
	db, pub, relay, _ := setup(t, producer, RelayConfig{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.NoError(t, pub.Settle(ctx, db, credit("f1", "A", "USD", "10")))
	pub.Kick()

	assert.Eventually(t, func() bool {
		producer.mu.Lock()
		defer producer.mu.Unlock()
		return len(producer.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestListAndRetryScopedByKey(t *testing.T) {
	producer := &fakeProducer{failures: 100}
	db, pub, relay, _ := setup(t, producer, RelayConfig{MaxAttempts: 1, BaseBackoff: time.Second, MaxBackoff: time.Minute})
	ctx := context.Background()

	require.NoError(t, pub.Settle(ctx, db, credit("f1", "A", "USD", "10")))
	require.NoError(t, pub.Settle(ctx, db, credit("f1", "B", "BTC", "1")))
	_, err := relay.Flush(ctx)
	require.NoError(t, err)

	mine, err := relay.List(ctx, StatusFailed, "A", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "A", mine[0].Key)

	theirs, err := relay.List(ctx, StatusFailed, "B", 10)
	require.NoError(t, err)
	require.Len(t, theirs, 1)

	assert.ErrorIs(t, relay.Retry(ctx, theirs[0].ID, "A"), store.ErrNotFound)
	require.NoError(t, relay.Retry(ctx, mine[0].ID, "A"))

	still, err := relay.List(ctx, StatusFailed, "", 10)
	require.NoError(t, err)
	require.Len(t, still, 1)
	assert.Equal(t, theirs[0].ID, still[0].ID)
}
