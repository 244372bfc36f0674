/*
ledger.go - Cycle Ledger write path

PURPOSE:
  The ledger is the persisted record of each cycle's cumulative state
  (spent, awarded, profit) and its per-transaction entries. It is rebuilt
  by re-running resolver -> aggregator -> engine -> splitter, never edited
  by hand.

RECOMPUTE:
  1. Re-derive the window from the tag (ResolveTag)
  2. Take the per-(account, tag) lock
  3. Aggregate, apply with an empty carry (the cap resets every cycle),
     split profit
  4. Reconcile entries against totals; a mismatch aborts (InconsistentLedger)
  5. In one store transaction: compare with the stored state, replace the
     entry set only if something changed, read back and reconcile again

CONCURRENCY:
  Recomputes of the same (account, tag) are mutually exclusive. Different
  cycles run independently. Readers never take the lock; they see the last
  committed state.

IDEMPOTENCE:
  Unchanged inputs produce an identical cycle and entry set; the store is
  not written and Version does not move.

TRIGGERS:
  The transaction store calls OnTransactionChanged whenever a transaction
  is created, edited, voided, re-categorized or reassigned (see events/).
*/
package cashback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/duynguyen2626/money-flow-sub010/generic"
)

// CycleLedger owns cycles and entries.
type CycleLedger struct {
	Policies   PolicyStore
	Aggregator *Aggregator
	Shares     ShareLineSource
	Cycles     TxCycleStore
	Log        logrus.FieldLogger

	// Parallelism bounds concurrent recomputes in RecomputeAccount and
	// concurrent reads in GetProgress.
	Parallelism int

	// HistoryCycles is how many previous cycles ListProgress summarizes.
	HistoryCycles int

	// Now is the clock used by read paths. Defaults to time.Now.
	Now func() time.Time

	locks *cycleLocks
}

// NewCycleLedger wires a ledger from its collaborators.
func NewCycleLedger(policies PolicyStore, transactions TransactionStore, shares ShareLineSource, cycles TxCycleStore, log logrus.FieldLogger) *CycleLedger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CycleLedger{
		Policies:      policies,
		Aggregator:    NewAggregator(transactions),
		Shares:        shares,
		Cycles:        cycles,
		Log:           log,
		Parallelism:   4,
		HistoryCycles: 3,
		Now:           time.Now,
		locks:         newCycleLocks(),
	}
}

// =============================================================================
// RECOMPUTE
// =============================================================================

// Recompute rebuilds the (account, tag) cycle and returns its committed state.
func (l *CycleLedger) Recompute(ctx context.Context, accountID AccountID, tag string) (*Cycle, error) {
	policy, err := l.policy(ctx, accountID)
	if err != nil {
		return nil, err
	}
	window, err := ResolveTag(*policy, tag)
	if err != nil {
		return nil, err
	}
	return l.recompute(ctx, *policy, window)
}

func (l *CycleLedger) recompute(ctx context.Context, policy Policy, window CycleWindow) (*Cycle, error) {
	unlock := l.locks.lock(policy.AccountID, window.Tag)
	defer unlock()

	log := l.Log.WithFields(logrus.Fields{
		"account_id": policy.AccountID,
		"cycle_tag":  window.Tag,
	})

	cycle, entries, err := l.build(ctx, policy, window)
	if err != nil {
		log.WithError(err).Warn("cashback recompute failed")
		return nil, err
	}
	if err := Reconcile(policy, cycle, entries); err != nil {
		log.WithError(err).Error("cashback recompute produced an inconsistent ledger, keeping previous state")
		return nil, err
	}

	written := false
	err = l.Cycles.WithTx(ctx, func(s CycleStore) error {
		prev, err := s.GetCycle(ctx, cycle.ID)
		switch {
		case errors.Is(err, ErrCycleNotFound):
			if len(entries) == 0 {
				// Materialized lazily: nothing to record yet
				return nil
			}
			cycle.Version = 1
		case err != nil:
			return err
		default:
			prevEntries, err := s.Entries(ctx, cycle.ID)
			if err != nil {
				return err
			}
			if sameCycle(*prev, cycle) && sameEntries(prevEntries, entries) {
				cycle = *prev
				return nil
			}
			cycle.Version = prev.Version + 1
		}

		if err := s.ReplaceCycle(ctx, cycle, entries); err != nil {
			return err
		}
		stored, err := s.Entries(ctx, cycle.ID)
		if err != nil {
			return err
		}
		if err := Reconcile(policy, cycle, stored); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInconsistentLedger) {
			log.WithError(err).Error("cashback ledger failed read-back reconciliation, rolled back")
		} else {
			log.WithError(err).Warn("cashback recompute could not be committed")
		}
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"entries":      len(entries),
		"spent":        cycle.SpentAmount.String(),
		"real_awarded": cycle.RealAwarded.String(),
		"version":      cycle.Version,
		"written":      written,
	}).Debug("cashback cycle recomputed")
	return &cycle, nil
}

// build runs the pipeline for one window without touching the ledger.
func (l *CycleLedger) build(ctx context.Context, policy Policy, window CycleWindow) (Cycle, []Entry, error) {
	agg, err := l.Aggregator.Aggregate(ctx, policy, window.Period)
	if err != nil {
		return Cycle{}, nil, err
	}
	res := Apply(policy, agg.Contributions, Carry{})

	ids := make([]TransactionID, len(res.Entries))
	for i, e := range res.Entries {
		ids[i] = e.TransactionID
	}
	shares, err := l.Shares.ShareLines(ctx, ids)
	if err != nil {
		return Cycle{}, nil, &AggregationFailure{AccountID: policy.AccountID, Period: window.Period, Err: err}
	}

	txs := make(map[TransactionID]Transaction, len(agg.Transactions))
	for _, tx := range agg.Transactions {
		txs[tx.ID] = tx
	}

	cycle := Cycle{
		ID:          CycleIDFor(policy.AccountID, window.Tag),
		AccountID:   policy.AccountID,
		Tag:         window.Tag,
		Start:       window.Period.Start,
		End:         window.Period.End,
		SpentAmount: res.TotalSpent,
		RealAwarded: res.TotalAwarded,
		PeopleBack:  decimal.Zero,
		MinSpendMet: res.MinSpendMet,
	}
	for i := range res.Entries {
		e := &res.Entries[i]
		e.CycleID = cycle.ID
		split := SplitProfit(txs[e.TransactionID], shares[e.TransactionID], e.RewardAmount)
		e.PeopleBack = split.PeopleBack
		cycle.PeopleBack = cycle.PeopleBack.Add(split.PeopleBack)
	}
	cycle.VirtualProfit = cycle.RealAwarded.Sub(cycle.PeopleBack)
	return cycle, res.Entries, nil
}

// =============================================================================
// TRIGGERS
// =============================================================================

// ChangeKind says what happened to a transaction.
type ChangeKind string

const (
	ChangeCreated    ChangeKind = "created"
	ChangeEdited     ChangeKind = "edited"
	ChangeVoided     ChangeKind = "voided"
	ChangeReassigned ChangeKind = "reassigned"
)

// TransactionChange is the notification the transaction store sends.
// Previous* describe where the transaction was before an edit moved it to
// another account or date; both cycles are recomputed.
type TransactionChange struct {
	TransactionID      TransactionID
	Kind               ChangeKind
	AccountID          AccountID
	OccurredAt         time.Time
	PreviousAccountID  AccountID
	PreviousOccurredAt *time.Time
}

// OnTransactionChanged recomputes every cycle the change touches. Accounts
// without a cashback policy are ignored.
func (l *CycleLedger) OnTransactionChanged(ctx context.Context, change TransactionChange) ([]Cycle, error) {
	type target struct {
		account AccountID
		at      time.Time
	}
	targets := []target{{change.AccountID, change.OccurredAt}}
	if change.PreviousAccountID != "" || change.PreviousOccurredAt != nil {
		prev := target{change.PreviousAccountID, change.OccurredAt}
		if prev.account == "" {
			prev.account = change.AccountID
		}
		if change.PreviousOccurredAt != nil {
			prev.at = *change.PreviousOccurredAt
		}
		targets = append(targets, prev)
	}

	var cycles []Cycle
	seen := make(map[CycleID]bool)
	for _, t := range targets {
		policy, err := l.Policies.GetPolicy(ctx, t.account)
		if errors.Is(err, ErrPolicyNotFound) {
			l.Log.WithFields(logrus.Fields{
				"account_id":     t.account,
				"transaction_id": change.TransactionID,
			}).Debug("no cashback policy, change ignored")
			continue
		}
		if err != nil {
			return cycles, err
		}

		window, err := ResolveCycle(*policy, t.at, 0)
		if err != nil {
			return cycles, err
		}
		id := CycleIDFor(t.account, window.Tag)
		if seen[id] {
			continue
		}
		seen[id] = true

		cycle, err := l.recompute(ctx, *policy, window)
		if err != nil {
			return cycles, err
		}
		cycles = append(cycles, *cycle)
	}
	return cycles, nil
}

// RecomputeAccount recomputes every persisted cycle of an account, e.g.
// after its policy changed.
func (l *CycleLedger) RecomputeAccount(ctx context.Context, accountID AccountID) ([]Cycle, error) {
	policy, err := l.policy(ctx, accountID)
	if err != nil {
		return nil, err
	}
	existing, err := l.Cycles.ListCycles(ctx, accountID)
	if err != nil {
		return nil, err
	}

	out := make([]Cycle, len(existing))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(l.Parallelism, 1))
	for i, c := range existing {
		g.Go(func() error {
			window, err := ResolveTag(*policy, c.Tag)
			if errors.Is(err, generic.ErrInvalidTag) {
				// Minted under an earlier cycle type; keep the stored window.
				window = CycleWindow{Period: c.Period(), Tag: c.Tag}
			} else if err != nil {
				return err
			}
			cycle, err := l.recompute(gctx, *policy, window)
			if err != nil {
				return err
			}
			out[i] = *cycle
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// policy loads and validates an account's policy.
func (l *CycleLedger) policy(ctx context.Context, accountID AccountID) (*Policy, error) {
	policy, err := l.Policies.GetPolicy(ctx, accountID)
	if errors.Is(err, ErrPolicyNotFound) {
		return nil, &ConfigurationError{AccountID: accountID, Reason: "no cashback policy", Err: err}
	}
	if err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile checks the ledger invariants of a cycle and its entries:
//   - Σ RewardAmount == RealAwarded
//   - Σ AmountConsidered == SpentAmount
//   - Σ PeopleBack == PeopleBack and VirtualProfit == RealAwarded - PeopleBack
//   - RealAwarded <= MaxCashback when the policy is capped
//   - entries are unique per transaction
func Reconcile(policy Policy, cycle Cycle, entries []Entry) error {
	awarded, spent, people := decimal.Zero, decimal.Zero, decimal.Zero
	seen := make(map[TransactionID]bool, len(entries))
	for _, e := range entries {
		if seen[e.TransactionID] || e.CycleID != cycle.ID {
			return &InconsistentLedgerError{CycleID: cycle.ID, Field: "entries"}
		}
		seen[e.TransactionID] = true
		awarded = awarded.Add(e.RewardAmount)
		spent = spent.Add(e.AmountConsidered)
		people = people.Add(e.PeopleBack)
	}

	switch {
	case !awarded.Equal(cycle.RealAwarded):
		return &InconsistentLedgerError{CycleID: cycle.ID, Field: "real_awarded", EntrySum: awarded, CycleTotal: cycle.RealAwarded}
	case !spent.Equal(cycle.SpentAmount):
		return &InconsistentLedgerError{CycleID: cycle.ID, Field: "spent_amount", EntrySum: spent, CycleTotal: cycle.SpentAmount}
	case !people.Equal(cycle.PeopleBack):
		return &InconsistentLedgerError{CycleID: cycle.ID, Field: "people_back", EntrySum: people, CycleTotal: cycle.PeopleBack}
	case !awarded.Sub(people).Equal(cycle.VirtualProfit):
		return &InconsistentLedgerError{CycleID: cycle.ID, Field: "virtual_profit", EntrySum: awarded.Sub(people), CycleTotal: cycle.VirtualProfit}
	case policy.MaxCashback != nil && cycle.RealAwarded.GreaterThan(*policy.MaxCashback):
		return &InconsistentLedgerError{CycleID: cycle.ID, Field: "max_cashback", EntrySum: awarded, CycleTotal: *policy.MaxCashback}
	}
	return nil
}

func sameCycle(a, b Cycle) bool {
	return a.ID == b.ID && a.AccountID == b.AccountID && a.Tag == b.Tag &&
		a.Start.Equal(b.Start) && a.End.Equal(b.End) &&
		a.SpentAmount.Equal(b.SpentAmount) &&
		a.RealAwarded.Equal(b.RealAwarded) &&
		a.PeopleBack.Equal(b.PeopleBack) &&
		a.VirtualProfit.Equal(b.VirtualProfit) &&
		a.MinSpendMet == b.MinSpendMet
}

func sameEntries(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.CycleID != y.CycleID || x.TransactionID != y.TransactionID || x.Position != y.Position ||
			!x.OccurredAt.Equal(y.OccurredAt) ||
			!x.AmountConsidered.Equal(y.AmountConsidered) ||
			!x.RateApplied.Equal(y.RateApplied) ||
			!x.RawReward.Equal(y.RawReward) ||
			!x.RewardAmount.Equal(y.RewardAmount) ||
			!x.PeopleBack.Equal(y.PeopleBack) ||
			x.Capped != y.Capped || x.BelowThreshold != y.BelowThreshold || x.Rule != y.Rule ||
			!x.SpentBefore.Equal(y.SpentBefore) ||
			!x.ConsumedBefore.Equal(y.ConsumedBefore) {
			return false
		}
	}
	return true
}

// =============================================================================
// CYCLE LOCKS - One mutex per (account, tag), released when unused
// =============================================================================

type cycleLocks struct {
	mu    sync.Mutex
	locks map[cycleLockKey]*cycleLock
}

type cycleLockKey struct {
	accountID AccountID
	tag       string
}

type cycleLock struct {
	mu   sync.Mutex
	refs int
}

func newCycleLocks() *cycleLocks {
	return &cycleLocks{locks: make(map[cycleLockKey]*cycleLock)}
}

func (c *cycleLocks) lock(accountID AccountID, tag string) (unlock func()) {
	key := cycleLockKey{accountID: accountID, tag: tag}

	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &cycleLock{}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}
