/*
errors.go - Error kinds surfaced by the cashback engine

ERROR KINDS:
  ConfigurationError:  malformed or missing policy; no cycle can be resolved.
                       Surfaced, never retried.
  AggregationFailure:  transaction store unavailable. Propagated; nothing
                       is committed.
  InconsistentLedger:  entries do not reconcile with cycle totals after a
                       recompute. Logged, recompute aborted, prior state kept.

  A simulation against an account without a policy is NOT an error: it
  returns a zero result with SimulationMetadata.NoPolicy set.

USAGE:
  if errors.Is(err, cashback.ErrConfiguration) { ... }

  var agg *cashback.AggregationFailure
  if errors.As(err, &agg) { ... agg.Err ... }
*/
package cashback

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/duynguyen2626/money-flow-sub010/generic"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is returned when a policy is malformed or missing.
	ErrConfiguration = errors.New("cashback configuration error")

	// ErrPolicyNotFound is returned by policy stores for accounts without a policy.
	ErrPolicyNotFound = errors.New("cashback policy not found")

	// ErrAggregation is returned when the transaction store cannot be read.
	ErrAggregation = errors.New("transaction aggregation failed")

	// ErrInconsistentLedger is returned when entries do not reconcile with
	// the cycle totals they produced.
	ErrInconsistentLedger = errors.New("inconsistent cashback ledger")

	// ErrCycleNotFound is returned for unknown cycle IDs or tags.
	ErrCycleNotFound = errors.New("cashback cycle not found")

	// ErrTransactionNotFound is returned for unknown transaction IDs.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidAmount is returned for non-positive simulation amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError describes why an account's policy is unusable.
type ConfigurationError struct {
	AccountID AccountID
	Reason    string
	Err       error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cashback configuration for account %s: %s: %v", e.AccountID, e.Reason, e.Err)
	}
	return fmt.Sprintf("cashback configuration for account %s: %s", e.AccountID, e.Reason)
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

// AggregationFailure wraps a transaction store error.
type AggregationFailure struct {
	AccountID AccountID
	Period    generic.Period
	Err       error
}

func (e *AggregationFailure) Error() string {
	return fmt.Sprintf("aggregate transactions for account %s in %s: %v", e.AccountID, e.Period, e.Err)
}

func (e *AggregationFailure) Unwrap() []error {
	return []error{ErrAggregation, e.Err}
}

// InconsistentLedgerError reports a reconciliation mismatch.
type InconsistentLedgerError struct {
	CycleID    CycleID
	Field      string // "real_awarded", "spent_amount", "virtual_profit", "entries"
	EntrySum   decimal.Decimal
	CycleTotal decimal.Decimal
}

func (e *InconsistentLedgerError) Error() string {
	return fmt.Sprintf("cycle %s: %s does not reconcile (entries %s, cycle %s)",
		e.CycleID, e.Field, e.EntrySum, e.CycleTotal)
}

func (e *InconsistentLedgerError) Unwrap() error {
	return ErrInconsistentLedger
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, generic.ErrInvalidTag)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrCycleNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsUnavailable returns true if a collaborator failed and a retry may succeed.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrAggregation)
}
