package messaging

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Topic is a durable queue name
type Topic string

// MessageType identifies the payload carried by an envelope
type MessageType string

const (
	// MsgBalanceCredit instructs the accounts service to credit a balance
	MsgBalanceCredit MessageType = "balance.credit"
	// MsgOrderClosed carries the final state of an order that ended
	MsgOrderClosed MessageType = "order.closed"
)

// SchemaVersion is stamped on every envelope
const SchemaVersion = "1"

// BaseMessage contains the fields common to every message
type BaseMessage struct {
	MessageID string      `json:"message_id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Version   string      `json:"version"`
	Source    string      `json:"source"`
}

// Envelope is the wire format of a queued message
type Envelope struct {
	BaseMessage
	Data json.RawMessage `json:"data"`
}

// CreditMessage is the data of a balance.credit envelope. MessageID on the
// envelope is unique per credit so consumers can drop redeliveries.
type CreditMessage struct {
	FillID   string          `json:"fill_id"`
	UserID   string          `json:"user_id"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
}

// NewEnvelope wraps data into an envelope
func NewEnvelope(id string, typ MessageType, source string, at time.Time, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		BaseMessage: BaseMessage{
			MessageID: id,
			Type:      typ,
			Timestamp: at,
			Version:   SchemaVersion,
			Source:    source,
		},
		Data: raw,
	}, nil
}
