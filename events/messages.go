/*
Package events carries transaction change notifications to the cycle ledger.

PURPOSE:
  The transaction store announces creates, edits, voids and reassignments.
  Each announcement names the cycle(s) that must be recomputed. This package
  turns those announcements into CycleLedger.OnTransactionChanged calls,
  either in-process (SyncDispatcher) or through a RabbitMQ queue
  (AMQPClient publishes, a consumer drains it).

MESSAGE FORMAT:
  {
    "message_id": "1d0c5f0e-...",
    "transaction_id": "tx-42",
    "kind": "edited",
    "account_id": "card-visa",
    "occurred_at": "2025-03-09T10:00:00Z",
    "previous_account_id": "card-master",
    "previous_occurred_at": "2025-02-27T10:00:00Z",
    "timestamp": "2025-03-09T10:00:01Z"
  }

  The message carries identifiers only. Consumers re-read the transactions
  from the store, so replays and duplicates are harmless: recompute is
  idempotent.
*/
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
)

// TransactionChangedMessage is the queued form of cashback.TransactionChange.
type TransactionChangedMessage struct {
	MessageID          string     `json:"message_id"`
	TransactionID      string     `json:"transaction_id"`
	Kind               string     `json:"kind"`
	AccountID          string     `json:"account_id"`
	OccurredAt         time.Time  `json:"occurred_at"`
	PreviousAccountID  string     `json:"previous_account_id,omitempty"`
	PreviousOccurredAt *time.Time `json:"previous_occurred_at,omitempty"`
	Timestamp          time.Time  `json:"timestamp"`
}

// NewTransactionChangedMessage wraps a change with a fresh message ID.
func NewTransactionChangedMessage(change cashback.TransactionChange) *TransactionChangedMessage {
	return &TransactionChangedMessage{
		MessageID:          uuid.NewString(),
		TransactionID:      string(change.TransactionID),
		Kind:               string(change.Kind),
		AccountID:          string(change.AccountID),
		OccurredAt:         change.OccurredAt.UTC(),
		PreviousAccountID:  string(change.PreviousAccountID),
		PreviousOccurredAt: change.PreviousOccurredAt,
		Timestamp:          time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *TransactionChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// TransactionChangedMessageFromJSON decodes and validates a message body.
func TransactionChangedMessageFromJSON(data []byte) (*TransactionChangedMessage, error) {
	var msg TransactionChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if _, err := msg.Change(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Change converts the message back to the ledger's notification type.
func (m *TransactionChangedMessage) Change() (cashback.TransactionChange, error) {
	change := cashback.TransactionChange{
		TransactionID:      cashback.TransactionID(m.TransactionID),
		Kind:               cashback.ChangeKind(m.Kind),
		AccountID:          cashback.AccountID(m.AccountID),
		OccurredAt:         m.OccurredAt,
		PreviousAccountID:  cashback.AccountID(m.PreviousAccountID),
		PreviousOccurredAt: m.PreviousOccurredAt,
	}
	return change, Validate(change)
}

// Validate checks that a change names a transaction, an account and a
// known kind.
func Validate(change cashback.TransactionChange) error {
	if change.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction_id", ErrInvalidChange)
	}
	if change.AccountID == "" {
		return fmt.Errorf("%w: missing account_id", ErrInvalidChange)
	}
	if change.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidChange)
	}
	switch change.Kind {
	case cashback.ChangeCreated, cashback.ChangeEdited, cashback.ChangeVoided, cashback.ChangeReassigned:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidChange, change.Kind)
	}
}
