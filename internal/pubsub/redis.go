package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker implements Broker over Redis pub/sub channels
type RedisBroker struct {
	client    *redis.Client
	logger    *zap.Logger
	queueSize int
}

// RedisOptions configures the Redis connection
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	QueueSize int
}

// NewRedisBroker connects to Redis and verifies the connection
func NewRedisBroker(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &RedisBroker{client: client, logger: logger.Named("redis-pubsub"), queueSize: opts.QueueSize}, nil
}

// Publish sends payload to every subscriber of topic
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// NewQueue opens a dedicated subscriber connection
func (b *RedisBroker) NewQueue(ctx context.Context) (Queue, error) {
	ps := b.client.Subscribe(ctx)
	q := &redisQueue{
		ps:   ps,
		out:  make(chan Message, b.queueSize),
		done: make(chan struct{}),
	}
	go q.pump(ps.Channel(redis.WithChannelSize(b.queueSize)))
	return q, nil
}

// Close closes the Redis client
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisQueue struct {
	ps        *redis.PubSub
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (q *redisQueue) pump(in <-chan *redis.Message) {
	defer close(q.out)
	for {
		select {
		case <-q.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case q.out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
			case <-q.done:
				return
			}
		}
	}
}

func (q *redisQueue) Bind(ctx context.Context, topic string) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	return q.ps.Subscribe(ctx, topic)
}

func (q *redisQueue) Unbind(ctx context.Context, topic string) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	return q.ps.Unsubscribe(ctx, topic)
}

func (q *redisQueue) Messages() <-chan Message {
	return q.out
}

// Close drops the subscriber connection, which removes every binding at once
func (q *redisQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		err = q.ps.Close()
	})
	return err
}
