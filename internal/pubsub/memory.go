package pubsub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryBroker is an in-process Broker for single-binary deployments and tests.
// A queue whose buffer is full drops the message, like a slow Redis subscriber.
type MemoryBroker struct {
	mu        sync.RWMutex
	topics    map[string]map[*memoryQueue]struct{}
	queueSize int
	closed    bool
	logger    *zap.Logger
}

// NewMemoryBroker creates an in-process broker
func NewMemoryBroker(queueSize int, logger *zap.Logger) *MemoryBroker {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &MemoryBroker{
		topics:    make(map[string]map[*memoryQueue]struct{}),
		queueSize: queueSize,
		logger:    logger.Named("memory-pubsub"),
	}
}

// Publish delivers payload to the queues currently bound to topic
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for q := range b.topics[topic] {
		q.deliver(Message{Topic: topic, Payload: payload}, b.logger)
	}
	return nil
}

// Subscribers reports how many queues are bound to topic
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// NewQueue creates an unbound queue
func (b *MemoryBroker) NewQueue(ctx context.Context) (Queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return &memoryQueue{
		broker: b,
		out:    make(chan Message, b.queueSize),
		bound:  make(map[string]struct{}),
	}, nil
}

// Close rejects further publishes
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memoryQueue struct {
	broker *MemoryBroker
	mu     sync.Mutex
	out    chan Message
	bound  map[string]struct{}
	closed bool
}

func (q *memoryQueue) deliver(m Message, logger *zap.Logger) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.out <- m:
	default:
		logger.Warn("Queue full, dropping message", zap.String("topic", m.Topic))
	}
}

func (q *memoryQueue) Bind(_ context.Context, topic string) error {
	q.broker.mu.Lock()
	defer q.broker.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	subs, ok := q.broker.topics[topic]
	if !ok {
		subs = make(map[*memoryQueue]struct{})
		q.broker.topics[topic] = subs
	}
	subs[q] = struct{}{}
	q.bound[topic] = struct{}{}
	return nil
}

func (q *memoryQueue) Unbind(_ context.Context, topic string) error {
	q.broker.mu.Lock()
	defer q.broker.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.unbindLocked(topic)
	return nil
}

func (q *memoryQueue) unbindLocked(topic string) {
	if subs, ok := q.broker.topics[topic]; ok {
		delete(subs, q)
		if len(subs) == 0 {
			delete(q.broker.topics, topic)
		}
	}
	delete(q.bound, topic)
}

func (q *memoryQueue) Messages() <-chan Message {
	return q.out
}

func (q *memoryQueue) Close() error {
	q.broker.mu.Lock()
	defer q.broker.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	for topic := range q.bound {
		q.unbindLocked(topic)
	}
	q.closed = true
	close(q.out)
	return nil
}
