/*
Package cashback implements the cashback cycle and rewards engine.

PURPOSE:
  For a card-like account with a reward policy, the engine determines
  billing-cycle boundaries, aggregates spend within a cycle, computes the
  cashback each transaction earned under rate/cap/min-spend rules, splits
  the reward between the account holder and the people an expense was
  shared with, and answers "what would this earn" previews.

PIPELINE:
  reference date/offset
    -> ResolveCycle          (resolver.go)   cycle window + tag
    -> Aggregator.Aggregate  (aggregator.go) ordered contributions
    -> Engine.Apply          (engine.go)     per-entry rewards + totals
    -> SplitProfit           (splitter.go)   bank back / people back / profit
    -> CycleLedger.Recompute (ledger.go)     persisted cycle + entries
       or Simulator.Simulate (simulator.go)  ephemeral preview

OWNERSHIP:
  The ledger (Cycle + Entry rows) is owned here. Transactions, policies
  and share lines belong to external stores and are read-only inputs
  (see store.go).

MONEY:
  All amounts are decimal.Decimal values in the currency's minor unit.
  Rewards are rounded once per entry with banker's rounding.
*/
package cashback

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/duynguyen2626/money-flow-sub010/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string
type CategoryID string
type ShopID string
type PersonID string
type CycleID string

// =============================================================================
// TRANSACTIONS - Owned by the external transaction store
// =============================================================================

// TransactionKind classifies a transaction. Only expenses earn cashback.
type TransactionKind string

const (
	KindExpense  TransactionKind = "expense"
	KindIncome   TransactionKind = "income"
	KindTransfer TransactionKind = "transfer"
	KindRefund   TransactionKind = "refund"
)

// Transaction is a spend record as the transaction store reports it.
type Transaction struct {
	ID         TransactionID
	AccountID  AccountID
	Kind       TransactionKind
	Amount     decimal.Decimal // Positive, minor units
	OccurredAt time.Time
	CreatedAt  time.Time // Tie-breaker for equal OccurredAt
	CategoryID CategoryID
	ShopID     ShopID
	Note       string
	Voided     bool
}

// ShareLine attributes part of a transaction's value to another person.
type ShareLine struct {
	TransactionID TransactionID
	PersonID      PersonID
	Amount        decimal.Decimal
}

// =============================================================================
// LEDGER - Owned by this package
// =============================================================================

// Cycle is the persisted state of one (account, cycle tag) window.
type Cycle struct {
	ID        CycleID
	AccountID AccountID
	Tag       string
	Start     time.Time
	End       time.Time

	SpentAmount   decimal.Decimal // Σ entries.AmountConsidered
	RealAwarded   decimal.Decimal // Σ entries.RewardAmount
	PeopleBack    decimal.Decimal // Σ shared-away reward
	VirtualProfit decimal.Decimal // RealAwarded - PeopleBack
	MinSpendMet   bool

	// Version increments each time the persisted content changes.
	Version int64
}

// Period returns the cycle window.
func (c Cycle) Period() generic.Period {
	return generic.Period{Start: c.Start, End: c.End}
}

// Rule names the policy rule that determined an entry's reward.
type Rule string

const (
	RuleRate         Rule = "rate"          // amount * base rate
	RuleCategoryRate Rule = "category_rate" // amount * category override rate
	RuleMinSpend     Rule = "min_spend"     // zero: cumulative spend below threshold
	RuleCap          Rule = "cap"           // truncated to what was left of the cap
	RuleCapExhausted Rule = "cap_exhausted" // zero: cap already fully consumed
)

// Entry is one transaction's contribution to a cycle.
type Entry struct {
	CycleID          CycleID
	TransactionID    TransactionID
	Position         int // Consumption order within the cycle
	OccurredAt       time.Time
	AmountConsidered decimal.Decimal
	RateApplied      decimal.Decimal
	RawReward        decimal.Decimal // Rounded reward before the cap
	RewardAmount     decimal.Decimal
	PeopleBack       decimal.Decimal
	Capped           bool
	BelowThreshold   bool
	Rule             Rule
	SpentBefore      decimal.Decimal // Cumulative considered spend before this entry
	ConsumedBefore   decimal.Decimal // Cap consumed before this entry
}

// Profit returns the reward kept by the account owner.
func (e Entry) Profit() decimal.Decimal {
	return e.RewardAmount.Sub(e.PeopleBack)
}

// =============================================================================
// READ MODELS
// =============================================================================

// CycleWindow is the output of the resolver.
type CycleWindow struct {
	Period generic.Period
	Tag    string
}

// CashbackTransaction is a transaction joined with its ledger entry.
type CashbackTransaction struct {
	Transaction Transaction
	Entry       *Entry // nil when the transaction has no entry (e.g. filtered out)
	ShareLines  []ShareLine
}

// CycleSummary is a compact view of a cycle for history lists.
type CycleSummary struct {
	Tag           string
	Start         time.Time
	End           time.Time
	SpentAmount   decimal.Decimal
	RealAwarded   decimal.Decimal
	VirtualProfit decimal.Decimal
	MinSpendMet   bool
	Persisted     bool
}

// Card is the progress projection for one account's cycle.
type Card struct {
	AccountID AccountID
	Policy    Policy
	Cycle     CycleSummary

	CapRemaining      *decimal.Decimal // nil when the policy has no cap
	MinSpendRemaining *decimal.Decimal // nil when the policy has no min spend
	PeopleBack        decimal.Decimal

	Transactions []CashbackTransaction
	History      []CycleSummary

	// Stale is set when fresh numbers could not be produced and the card
	// shows the last known persisted totals.
	Stale bool
}

// SimulationResult is a transient projection, never persisted.
type SimulationResult struct {
	Rate            decimal.Decimal
	EstimatedReward decimal.Decimal
	IsCapped        bool
	Metadata        SimulationMetadata
}

// SimulationMetadata explains how a simulation was derived.
type SimulationMetadata struct {
	AccountID      AccountID
	CycleTag       string
	Rule           Rule
	NoPolicy       bool // No policy configured; result is zero
	Excluded       bool // Candidate would be filtered out by the policy
	BelowThreshold bool
	SpentBefore    decimal.Decimal
	ConsumedBefore decimal.Decimal
	CapRemaining   *decimal.Decimal
	Reason         string
}

// Explanation describes which rule determined a transaction's reward.
type Explanation struct {
	TransactionID  TransactionID
	AccountID      AccountID
	CycleID        CycleID
	CycleTag       string
	Rule           Rule
	Excluded       bool
	Rate           decimal.Decimal
	RawReward      decimal.Decimal
	Reward         decimal.Decimal
	SpentBefore    decimal.Decimal
	ConsumedBefore decimal.Decimal
	MinSpend       *decimal.Decimal
	MaxCashback    *decimal.Decimal
	Message        string
}
