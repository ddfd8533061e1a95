// Package pubsub is the realtime transport between the order service and the
// websocket gateway. Topics are fire-and-forget: a message published while no
// queue is bound to its topic is lost.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed queue or broker
var ErrClosed = errors.New("pubsub: closed")

// Message is a payload received on a bound topic
type Message struct {
	Topic   string
	Payload []byte
}

// Broker publishes to topics and creates consumer queues
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	NewQueue(ctx context.Context) (Queue, error)
	Close() error
}

// Queue receives the messages of every topic bound to it. A queue is owned by
// a single consumer.
type Queue interface {
	Bind(ctx context.Context, topic string) error
	Unbind(ctx context.Context, topic string) error
	// Messages is closed when the queue is closed
	Messages() <-chan Message
	// Close removes all bindings and releases the queue
	Close() error
}

// BroadcastTopic is the public market-data topic of a symbol
func BroadcastTopic(symbol string) string {
	return "broadcast:" + symbol
}

// PrivateTopic is the notification topic of a user
func PrivateTopic(userID string) string {
	return "user:" + userID
}
