// Package settlement turns fills into durable credit instructions for the
// accounts service. Messages are written to an outbox table inside the fill
// transaction and delivered to Kafka by a Relay, at least once.
package settlement

import (
	"time"
)

// Kind is the category of an outbox message
type Kind string

const (
	KindCredit      Kind = "credit"
	KindOrderClosed Kind = "order_closed"
)

// Status is the delivery state of an outbox message
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Message is one queued instruction
type Message struct {
	ID            string     `gorm:"type:varchar(200);primaryKey" json:"id"`
	Kind          Kind       `gorm:"type:varchar(16);not null" json:"kind"`
	Topic         string     `gorm:"type:varchar(128);not null" json:"topic"`
	Key           string     `gorm:"type:varchar(128);not null" json:"key"`
	Payload       []byte     `gorm:"not null" json:"-"`
	Status        Status     `gorm:"type:varchar(10);not null;index:idx_outbox_due,priority:1" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time  `gorm:"not null;index:idx_outbox_due,priority:2" json:"next_attempt_at"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt     time.Time  `gorm:"not null" json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

// TableName pins the table name
func (Message) TableName() string { return "settlement_outbox" }
