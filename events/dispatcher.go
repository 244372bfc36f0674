package events

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
)

// ErrInvalidChange is returned for notifications that cannot be routed.
var ErrInvalidChange = errors.New("invalid transaction change")

// Recomputer is the ledger side of a notification.
type Recomputer interface {
	OnTransactionChanged(ctx context.Context, change cashback.TransactionChange) ([]cashback.Cycle, error)
}

// Result reports what a dispatcher did with a change.
type Result struct {
	// Queued is true when the recompute was handed to a queue and has not
	// run yet. Cycles is empty in that case.
	Queued bool
	Cycles []cashback.Cycle
}

// Dispatcher routes transaction changes to a recompute.
type Dispatcher interface {
	Dispatch(ctx context.Context, change cashback.TransactionChange) (Result, error)
}

// =============================================================================
// SYNCHRONOUS DISPATCH
// =============================================================================

// SyncDispatcher recomputes in the caller's goroutine. Failures are
// returned to the writer that triggered them.
type SyncDispatcher struct {
	ledger Recomputer
	log    logrus.FieldLogger
}

func NewSyncDispatcher(ledger Recomputer, log logrus.FieldLogger) *SyncDispatcher {
	return &SyncDispatcher{ledger: ledger, log: log}
}

func (d *SyncDispatcher) Dispatch(ctx context.Context, change cashback.TransactionChange) (Result, error) {
	if err := Validate(change); err != nil {
		return Result{}, err
	}

	cycles, err := d.ledger.OnTransactionChanged(ctx, change)
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"transaction_id": change.TransactionID,
			"account_id":     change.AccountID,
			"kind":           change.Kind,
		}).WithError(err).Warn("recompute after transaction change failed")
		return Result{Cycles: cycles}, err
	}
	return Result{Cycles: cycles}, nil
}

// Handle adapts the ledger to the AMQP consumer's handler signature.
func (d *SyncDispatcher) Handle(ctx context.Context, msg *TransactionChangedMessage) error {
	change, err := msg.Change()
	if err != nil {
		return err
	}
	_, err = d.Dispatch(ctx, change)
	return err
}
