/*
store.go - Collaborator and ledger persistence interfaces

PURPOSE:
  The engine never reaches into ambient database state. Every collaborator
  is injected through one of these interfaces.

EXTERNAL (read-only inputs):
  TransactionStore: filtered fetch by account + window
  PolicyStore:      per-account cashback configuration
  ShareLineSource:  per-transaction split attribution

OWNED (written only by CycleLedger):
  CycleStore:   cycles and their entry sets
  TxCycleStore: CycleStore with atomic multi-write support

REPLACE, NOT APPEND:
  Unlike an append-only ledger, a cycle's entries are a derived view. A
  recompute replaces the whole entry set of a cycle in one atomic write;
  rows are never hand-edited.

IMPLEMENTATIONS:
  - store/memory: in-memory, for tests and the memory backend
  - store/sqlite: SQLite with migrations
*/
package cashback

import (
	"context"

	"github.com/duynguyen2626/money-flow-sub010/generic"
)

// TransactionStore is the external source of transactions.
type TransactionStore interface {
	// ListTransactions returns the account's transactions with
	// period.Start <= OccurredAt < period.End, voided ones included.
	ListTransactions(ctx context.Context, accountID AccountID, period generic.Period) ([]Transaction, error)

	// GetTransaction returns ErrTransactionNotFound for unknown IDs.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
}

// PolicyStore is the external source of cashback configuration.
type PolicyStore interface {
	// GetPolicy returns ErrPolicyNotFound when the account has no policy.
	GetPolicy(ctx context.Context, accountID AccountID) (*Policy, error)

	// ListPolicies returns every configured policy, ordered by account.
	ListPolicies(ctx context.Context) ([]Policy, error)
}

// ShareLineSource reports how transactions were split with other people.
type ShareLineSource interface {
	// ShareLines returns the lines of each requested transaction. Missing
	// keys mean no share lines.
	ShareLines(ctx context.Context, ids []TransactionID) (map[TransactionID][]ShareLine, error)
}

// CycleStore persists the ledger.
type CycleStore interface {
	// GetCycle returns ErrCycleNotFound for unknown IDs.
	GetCycle(ctx context.Context, id CycleID) (*Cycle, error)

	// ListCycles returns the account's cycles, newest window first.
	ListCycles(ctx context.Context, accountID AccountID) ([]Cycle, error)

	// Entries returns a cycle's entries ordered by Position.
	Entries(ctx context.Context, id CycleID) ([]Entry, error)

	// EntriesByTransaction returns every entry referencing the transaction.
	EntriesByTransaction(ctx context.Context, id TransactionID) ([]Entry, error)

	// ReplaceCycle upserts the cycle row and replaces its full entry set.
	ReplaceCycle(ctx context.Context, cycle Cycle, entries []Entry) error
}

// TxCycleStore wraps CycleStore with transaction support.
type TxCycleStore interface {
	CycleStore

	// WithTx executes fn within a transaction.
	// If fn returns error, everything fn wrote is rolled back.
	WithTx(ctx context.Context, fn func(CycleStore) error) error
}
