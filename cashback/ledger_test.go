package cashback_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
	"github.com/duynguyen2626/money-flow-sub010/generic"
	"github.com/duynguyen2626/money-flow-sub010/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march15 = time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC)

func on(day int, month time.Month) time.Time {
	return time.Date(2025, month, day, 10, 0, 0, 0, time.UTC)
}

func expense(id, account string, at time.Time, amount int64) cashback.Transaction {
	return cashback.Transaction{
		ID:         cashback.TransactionID(id),
		AccountID:  cashback.AccountID(account),
		Kind:       cashback.KindExpense,
		Amount:     d(amount),
		OccurredAt: at,
		CreatedAt:  at,
	}
}

type harness struct {
	store  *memory.TxMemory
	ledger *cashback.CycleLedger
	logs   *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewTxMemory()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	ledger := cashback.NewCycleLedger(store, store, store, store, logger)
	ledger.Now = func() time.Time { return march15 }
	return &harness{store: store, ledger: ledger, logs: hook}
}

func (h *harness) policy(t *testing.T, p cashback.Policy) {
	t.Helper()
	require.NoError(t, h.store.SavePolicy(context.Background(), p))
}

func (h *harness) save(t *testing.T, txs ...cashback.Transaction) {
	t.Helper()
	for _, tx := range txs {
		_, err := h.store.SaveTransaction(context.Background(), tx)
		require.NoError(t, err)
	}
}

func scenarioBPolicy() cashback.Policy {
	p := monthlyPolicy("card-1", "0.1")
	p.MaxCashback = dp(100_000)
	return p
}

// =============================================================================
// RECOMPUTE
// =============================================================================

func TestRecompute_ScenarioB_PersistsCycleAndEntries(t *testing.T) {
	// GIVEN: rate 10%, cap 100,000 and 800,000 then 500,000 in March
	// WHEN: Recomputing 2025-03
	// THEN: 80,000 + 20,000 (capped) and the cycle totals match
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())
	h.save(t, expense("tx-1", "card-1", on(3, time.March), 800_000), expense("tx-2", "card-1", on(9, time.March), 500_000))

	cycle, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)

	assert.Equal(t, cashback.CycleIDFor("card-1", "2025-03"), cycle.ID)
	assert.Equal(t, int64(1), cycle.Version)
	assertDec(t, 1_300_000, cycle.SpentAmount, "spent")
	assertDec(t, 100_000, cycle.RealAwarded, "awarded")
	assertDec(t, 100_000, cycle.VirtualProfit, "profit")
	assert.Equal(t, generic.Date(2025, time.March, 1), cycle.Start)
	assert.Equal(t, generic.Date(2025, time.April, 1), cycle.End)

	entries, err := h.store.Entries(ctx, cycle.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assertDec(t, 80_000, entries[0].RewardAmount, "first")
	assertDec(t, 20_000, entries[1].RewardAmount, "second")
	assert.True(t, entries[1].Capped)
}

func TestRecompute_IsIdempotent(t *testing.T) {
	// GIVEN: A recomputed cycle
	// WHEN: Recomputing again with unchanged inputs
	// THEN: Same state, Version unchanged
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())
	h.save(t, expense("tx-1", "card-1", on(3, time.March), 800_000), expense("tx-2", "card-1", on(9, time.March), 500_000))

	first, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)
	firstEntries, err := h.store.Entries(ctx, first.ID)
	require.NoError(t, err)

	second, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)
	secondEntries, err := h.store.Entries(ctx, second.ID)
	require.NoError(t, err)

	assert.Equal(t, *first, *second)
	assert.Equal(t, firstEntries, secondEntries)
	assert.Equal(t, int64(1), second.Version)
}

func TestRecompute_ChangedInputBumpsVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())
	h.save(t, expense("tx-1", "card-1", on(3, time.March), 100_000))

	_, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)

	h.save(t, expense("tx-1", "card-1", on(3, time.March), 300_000))
	cycle, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)

	assert.Equal(t, int64(2), cycle.Version)
	assertDec(t, 30_000, cycle.RealAwarded, "awarded")
}

func TestRecompute_EmptyCycleIsNotMaterialized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())

	cycle, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cycle.Version)
	assertDec(t, 0, cycle.RealAwarded, "awarded")

	_, err = h.store.GetCycle(ctx, cycle.ID)
	assert.ErrorIs(t, err, cashback.ErrCycleNotFound)
}

func TestRecompute_ExcludedTransactionsDoNotCount(t *testing.T) {
	// GIVEN: A category allow-list, a voided expense and an income
	// WHEN: Recomputing
	// THEN: Only the allowed live expense counts
	ctx := context.Background()
	h := newHarness(t)
	p := scenarioBPolicy()
	p.Filters.CategoryIDs = []cashback.CategoryID{"groceries"}
	h.policy(t, p)

	allowed := expense("tx-1", "card-1", on(3, time.March), 100_000)
	allowed.CategoryID = "groceries"
	other := expense("tx-2", "card-1", on(4, time.March), 100_000)
	other.CategoryID = "travel"
	voided := expense("tx-3", "card-1", on(5, time.March), 100_000)
	voided.CategoryID = "groceries"
	voided.Voided = true
	income := expense("tx-4", "card-1", on(6, time.March), 100_000)
	income.CategoryID = "groceries"
	income.Kind = cashback.KindIncome
	h.save(t, allowed, other, voided, income)

	cycle, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)
	assertDec(t, 100_000, cycle.SpentAmount, "spent")
	assertDec(t, 10_000, cycle.RealAwarded, "awarded")
}

func TestRecompute_SplitsProfitWithShareLines(t *testing.T) {
	// Scenario C on the ledger
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, monthlyPolicy("card-1", "0.05"))
	h.save(t, expense("tx-1", "card-1", on(3, time.March), 200_000))
	require.NoError(t, h.store.SaveShareLines(ctx, "tx-1", []cashback.ShareLine{
		{TransactionID: "tx-1", PersonID: "bob", Amount: d(100_000)},
	}))

	cycle, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)
	assertDec(t, 10_000, cycle.RealAwarded, "bank back")
	assertDec(t, 5_000, cycle.PeopleBack, "people back")
	assertDec(t, 5_000, cycle.VirtualProfit, "profit")
}

func TestRecompute_UnknownAccount(t *testing.T) {
	h := newHarness(t)

	_, err := h.ledger.Recompute(context.Background(), "nobody", "2025-03")
	assert.ErrorIs(t, err, cashback.ErrConfiguration)
	assert.ErrorIs(t, err, cashback.ErrPolicyNotFound)
}

func TestRecompute_BadTag(t *testing.T) {
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())

	_, err := h.ledger.Recompute(context.Background(), "card-1", "2025-3")
	assert.ErrorIs(t, err, generic.ErrInvalidTag)
	assert.True(t, cashback.IsClientError(err))
}

func TestCycleIDFor_AccountAndTagDoNotBleed(t *testing.T) {
	// GIVEN: Account IDs that contain separator-like characters
	// WHEN: The same characters move between the account and the tag
	// THEN: The cycle IDs differ
	assert.NotEqual(t, cashback.CycleIDFor("a|2025", "03"), cashback.CycleIDFor("a", "2025|03"))
	assert.NotEqual(t, cashback.CycleIDFor("card-1", "2025-03"), cashback.CycleIDFor("card-12", "025-03"))
	assert.NotEqual(t, cashback.CycleIDFor("1:a", "2025-03"), cashback.CycleIDFor("1", ":a2025-03"))
	assert.Equal(t, cashback.CycleIDFor("card-1", "2025-03"), cashback.CycleIDFor("card-1", "2025-03"))
}

func TestRecompute_SeparatorInAccountIDKeepsCyclesApart(t *testing.T) {
	// GIVEN: Two accounts "a" and "a|b" with March spend
	// WHEN: Both March cycles are recomputed
	// THEN: Each gets its own cycle and entries
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, monthlyPolicy("a", "0.1"))
	h.policy(t, monthlyPolicy("a|b", "0.1"))
	h.save(t, expense("tx-a", "a", on(3, time.March), 100_000), expense("tx-ab", "a|b", on(3, time.March), 300_000))

	first, err := h.ledger.Recompute(ctx, "a", "2025-03")
	require.NoError(t, err)
	second, err := h.ledger.Recompute(ctx, "a|b", "2025-03")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assertDec(t, 10_000, first.RealAwarded, "a")
	assertDec(t, 30_000, second.RealAwarded, "a|b")
}

// =============================================================================
// FAILURES - Nothing is committed
// =============================================================================

type failingTransactions struct {
	cashback.TransactionStore
}

func (failingTransactions) ListTransactions(context.Context, cashback.AccountID, generic.Period) ([]cashback.Transaction, error) {
	return nil, errors.New("connection refused")
}

func TestRecompute_AggregationFailureKeepsPriorState(t *testing.T) {
	// GIVEN: A committed cycle
	// WHEN: The transaction store goes down during a recompute
	// THEN: AggregationFailure surfaces and the cycle is untouched
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())
	h.save(t, expense("tx-1", "card-1", on(3, time.March), 100_000))
	before, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)

	h.save(t, expense("tx-2", "card-1", on(4, time.March), 100_000))
	h.ledger.Aggregator = cashback.NewAggregator(failingTransactions{h.store})

	_, err = h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.Error(t, err)
	assert.ErrorIs(t, err, cashback.ErrAggregation)
	assert.True(t, cashback.IsUnavailable(err))

	var agg *cashback.AggregationFailure
	require.True(t, errors.As(err, &agg))
	assert.Equal(t, cashback.AccountID("card-1"), agg.AccountID)

	after, err := h.store.GetCycle(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, *before, *after)
}

// failingWrites commits the replace and then fails, so the store must roll back.
type failingWrites struct {
	*memory.TxMemory
}

func (f failingWrites) WithTx(ctx context.Context, fn func(cashback.CycleStore) error) error {
	return f.TxMemory.WithTx(ctx, func(s cashback.CycleStore) error {
		return fn(failingView{s})
	})
}

type failingView struct {
	cashback.CycleStore
}

func (v failingView) ReplaceCycle(ctx context.Context, c cashback.Cycle, e []cashback.Entry) error {
	if err := v.CycleStore.ReplaceCycle(ctx, c, e); err != nil {
		return err
	}
	return errors.New("disk full")
}

func TestRecompute_WriteFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())
	h.save(t, expense("tx-1", "card-1", on(3, time.March), 100_000))
	before, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)

	h.save(t, expense("tx-2", "card-1", on(4, time.March), 100_000))
	h.ledger.Cycles = failingWrites{h.store}

	_, err = h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.Error(t, err)

	after, err := h.store.GetCycle(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, *before, *after)
	entries, err := h.store.Entries(ctx, before.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcile(t *testing.T) {
	p := scenarioBPolicy()
	id := cashback.CycleIDFor("card-1", "2025-03")
	cycle := cashback.Cycle{
		ID: id, AccountID: "card-1", Tag: "2025-03",
		SpentAmount: d(1_300_000), RealAwarded: d(100_000), PeopleBack: d(0), VirtualProfit: d(100_000),
	}
	entries := []cashback.Entry{
		{CycleID: id, TransactionID: "tx-1", AmountConsidered: d(800_000), RewardAmount: d(80_000), PeopleBack: d(0)},
		{CycleID: id, TransactionID: "tx-2", AmountConsidered: d(500_000), RewardAmount: d(20_000), PeopleBack: d(0)},
	}
	require.NoError(t, cashback.Reconcile(p, cycle, entries))

	t.Run("reward mismatch", func(t *testing.T) {
		bad := append([]cashback.Entry{}, entries...)
		bad[1].RewardAmount = d(50_000)
		err := cashback.Reconcile(p, cycle, bad)
		assert.ErrorIs(t, err, cashback.ErrInconsistentLedger)

		var ile *cashback.InconsistentLedgerError
		require.True(t, errors.As(err, &ile))
		assert.Equal(t, "real_awarded", ile.Field)
	})

	t.Run("spend mismatch", func(t *testing.T) {
		bad := cycle
		bad.SpentAmount = d(1)
		assert.ErrorIs(t, cashback.Reconcile(p, bad, entries), cashback.ErrInconsistentLedger)
	})

	t.Run("over the cap", func(t *testing.T) {
		tight := p
		tight.MaxCashback = dp(90_000)
		assert.ErrorIs(t, cashback.Reconcile(tight, cycle, entries), cashback.ErrInconsistentLedger)
	})

	t.Run("duplicate transaction", func(t *testing.T) {
		dup := []cashback.Entry{entries[0], entries[0]}
		dupCycle := cycle
		dupCycle.SpentAmount = d(1_600_000)
		dupCycle.RealAwarded = d(160_000)
		assert.ErrorIs(t, cashback.Reconcile(monthlyPolicy("card-1", "0.1"), dupCycle, dup), cashback.ErrInconsistentLedger)
	})
}

// =============================================================================
// TRIGGERS
// =============================================================================

func TestOnTransactionChanged_RecomputesOldAndNewCycles(t *testing.T) {
	// GIVEN: A transaction recorded in March
	// WHEN: It is edited to fall in April
	// THEN: March loses it, April gains it
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())

	tx := expense("tx-1", "card-1", on(31, time.March), 100_000)
	h.save(t, tx)
	_, err := h.ledger.OnTransactionChanged(ctx, cashback.TransactionChange{
		TransactionID: tx.ID, Kind: cashback.ChangeCreated, AccountID: tx.AccountID, OccurredAt: tx.OccurredAt,
	})
	require.NoError(t, err)

	moved := tx
	moved.OccurredAt = on(1, time.April)
	h.save(t, moved)
	prevAt := tx.OccurredAt
	cycles, err := h.ledger.OnTransactionChanged(ctx, cashback.TransactionChange{
		TransactionID:      tx.ID,
		Kind:               cashback.ChangeEdited,
		AccountID:          moved.AccountID,
		OccurredAt:         moved.OccurredAt,
		PreviousOccurredAt: &prevAt,
	})
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, "2025-04", cycles[0].Tag)
	assertDec(t, 10_000, cycles[0].RealAwarded, "april")
	assert.Equal(t, "2025-03", cycles[1].Tag)
	assertDec(t, 0, cycles[1].RealAwarded, "march")
	assert.Equal(t, int64(2), cycles[1].Version)
}

func TestOnTransactionChanged_ReassignedBetweenAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())
	h.policy(t, monthlyPolicy("card-2", "0.02"))

	tx := expense("tx-1", "card-1", on(3, time.March), 100_000)
	h.save(t, tx)
	_, err := h.ledger.OnTransactionChanged(ctx, cashback.TransactionChange{
		TransactionID: tx.ID, Kind: cashback.ChangeCreated, AccountID: "card-1", OccurredAt: tx.OccurredAt,
	})
	require.NoError(t, err)

	tx.AccountID = "card-2"
	h.save(t, tx)
	cycles, err := h.ledger.OnTransactionChanged(ctx, cashback.TransactionChange{
		TransactionID: tx.ID, Kind: cashback.ChangeReassigned,
		AccountID: "card-2", OccurredAt: tx.OccurredAt, PreviousAccountID: "card-1",
	})
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assertDec(t, 2_000, cycles[0].RealAwarded, "new account")
	assertDec(t, 0, cycles[1].RealAwarded, "old account")

	entries, err := h.store.EntriesByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cashback.CycleIDFor("card-2", "2025-03"), entries[0].CycleID)
}

func TestOnTransactionChanged_VoidRemovesEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())

	tx := expense("tx-1", "card-1", on(3, time.March), 100_000)
	h.save(t, tx)
	change := cashback.TransactionChange{TransactionID: tx.ID, Kind: cashback.ChangeCreated, AccountID: "card-1", OccurredAt: tx.OccurredAt}
	_, err := h.ledger.OnTransactionChanged(ctx, change)
	require.NoError(t, err)

	tx.Voided = true
	h.save(t, tx)
	change.Kind = cashback.ChangeVoided
	cycles, err := h.ledger.OnTransactionChanged(ctx, change)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assertDec(t, 0, cycles[0].SpentAmount, "spent")
	assertDec(t, 0, cycles[0].RealAwarded, "awarded")
}

func TestOnTransactionChanged_RollingWindowsCountEachTransactionOnce(t *testing.T) {
	// GIVEN: 10% over 30-day blocks from March 1, capped at 100,000
	// WHEN: Two spends land in the first block, one in the next, and the
	// first is voided
	// THEN: Each transaction has one entry, the void frees cap in the block
	// that held it, and a later simulation sees the remaining cap
	ctx := context.Background()
	h := newHarness(t)
	p := scenarioBPolicy()
	p.Cycle = generic.PeriodConfig{
		Type:        generic.PeriodRollingDays,
		RollingDays: 30,
		AnchorDate:  generic.Date(2025, time.March, 1),
	}
	h.policy(t, p)

	txs := []cashback.Transaction{
		expense("tx-1", "card-1", on(1, time.March), 500_000),
		expense("tx-2", "card-1", on(5, time.March), 500_000),
		expense("tx-3", "card-1", on(31, time.March), 100_000),
	}
	for _, tx := range txs {
		h.save(t, tx)
		_, err := h.ledger.OnTransactionChanged(ctx, cashback.TransactionChange{
			TransactionID: tx.ID, Kind: cashback.ChangeCreated, AccountID: tx.AccountID, OccurredAt: tx.OccurredAt,
		})
		require.NoError(t, err)
	}

	for _, tx := range txs {
		entries, err := h.store.EntriesByTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "entries for %s", tx.ID)
	}
	cycles, err := h.store.ListCycles(ctx, "card-1")
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, "R30-2025-04-29", cycles[0].Tag)
	assert.Equal(t, "R30-2025-03-30", cycles[1].Tag)
	assertDec(t, 100_000, cycles[1].RealAwarded, "first block before void")

	voided := txs[0]
	voided.Voided = true
	h.save(t, voided)
	changed, err := h.ledger.OnTransactionChanged(ctx, cashback.TransactionChange{
		TransactionID: voided.ID, Kind: cashback.ChangeVoided, AccountID: voided.AccountID, OccurredAt: voided.OccurredAt,
	})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "R30-2025-03-30", changed[0].Tag)
	assertDec(t, 500_000, changed[0].SpentAmount, "spent after void")
	assertDec(t, 50_000, changed[0].RealAwarded, "awarded after void")

	at := on(6, time.March)
	res, err := newSimulator(h).Simulate(ctx, cashback.SimulationInput{
		AccountID:  "card-1",
		Amount:     d(600_000),
		OccurredAt: &at,
	})
	require.NoError(t, err)
	assert.Equal(t, "R30-2025-03-30", res.Metadata.CycleTag)
	assertDec(t, 50_000, res.Metadata.ConsumedBefore, "consumed before")
	assertDec(t, 50_000, res.EstimatedReward, "estimated")
	assert.True(t, res.IsCapped)
}

func TestOnTransactionChanged_EarlierTransactionWinsTheCap(t *testing.T) {
	// GIVEN: A 100,000 cap and two 1,000,000 spends, the later one saved first
	// WHEN: Both are notified
	// THEN: The earlier occurredAt takes the whole cap and the later is capped
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())

	late := expense("tx-late", "card-1", on(20, time.March), 1_000_000)
	early := expense("tx-early", "card-1", on(4, time.March), 1_000_000)
	early.CreatedAt = on(25, time.March)
	for _, tx := range []cashback.Transaction{late, early} {
		h.save(t, tx)
		_, err := h.ledger.OnTransactionChanged(ctx, cashback.TransactionChange{
			TransactionID: tx.ID, Kind: cashback.ChangeCreated, AccountID: tx.AccountID, OccurredAt: tx.OccurredAt,
		})
		require.NoError(t, err)
	}

	entries, err := h.store.Entries(ctx, cashback.CycleIDFor("card-1", "2025-03"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, early.ID, entries[0].TransactionID)
	assertDec(t, 100_000, entries[0].RewardAmount, "early")
	assert.False(t, entries[0].Capped)
	assert.Equal(t, late.ID, entries[1].TransactionID)
	assertDec(t, 0, entries[1].RewardAmount, "late")
	assert.True(t, entries[1].Capped)
}

func TestOnTransactionChanged_AccountWithoutPolicyIsIgnored(t *testing.T) {
	h := newHarness(t)

	cycles, err := h.ledger.OnTransactionChanged(context.Background(), cashback.TransactionChange{
		TransactionID: "tx-1", Kind: cashback.ChangeCreated, AccountID: "cash-wallet", OccurredAt: march15,
	})
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestRecomputeAccount_AfterPolicyChange(t *testing.T) {
	// GIVEN: Two materialized cycles at 10%
	// WHEN: The rate drops to 5% and the account is recomputed
	// THEN: Both cycles reflect the new rate
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, monthlyPolicy("card-1", "0.1"))
	h.save(t, expense("tx-1", "card-1", on(3, time.February), 100_000), expense("tx-2", "card-1", on(3, time.March), 200_000))
	for _, tag := range []string{"2025-02", "2025-03"} {
		_, err := h.ledger.Recompute(ctx, "card-1", tag)
		require.NoError(t, err)
	}

	h.policy(t, monthlyPolicy("card-1", "0.05"))
	cycles, err := h.ledger.RecomputeAccount(ctx, "card-1")
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, "2025-03", cycles[0].Tag)
	assertDec(t, 10_000, cycles[0].RealAwarded, "march")
	assertDec(t, 5_000, cycles[1].RealAwarded, "february")
}

func TestRecomputeAccount_CycleTypeChangeKeepsStoredWindows(t *testing.T) {
	// GIVEN: A calendar-month cycle for March
	// WHEN: The policy moves to a statement day and the account is recomputed
	// THEN: The old cycle keeps its tag and window and picks up the new rate
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, monthlyPolicy("card-1", "0.1"))
	h.save(t, expense("tx-1", "card-1", on(3, time.March), 100_000))
	_, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)

	p := monthlyPolicy("card-1", "0.05")
	p.Cycle = generic.PeriodConfig{Type: generic.PeriodStatementDay, AnchorDay: 25}
	h.policy(t, p)

	cycles, err := h.ledger.RecomputeAccount(ctx, "card-1")
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, "2025-03", cycles[0].Tag)
	assert.Equal(t, generic.Date(2025, time.March, 1), cycles[0].Start)
	assertDec(t, 5_000, cycles[0].RealAwarded, "march at new rate")
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRecompute_ConcurrentRecomputesConverge(t *testing.T) {
	// GIVEN: Transactions being added while recomputes race
	// WHEN: Everything settles and a final recompute runs
	// THEN: The ledger reconciles and reflects every transaction exactly once
	ctx := context.Background()
	h := newHarness(t)
	p := scenarioBPolicy()
	h.policy(t, p)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.store.SaveTransaction(ctx, expense(fmt.Sprintf("tx-%02d", i), "card-1", on(1+i, time.March), 10_000))
			assert.NoError(t, err)
			_, err = h.ledger.Recompute(ctx, "card-1", "2025-03")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cycle, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)
	assertDec(t, 200_000, cycle.SpentAmount, "spent")
	assertDec(t, 20_000, cycle.RealAwarded, "awarded")

	entries, err := h.store.Entries(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
	assert.NoError(t, cashback.Reconcile(p, *cycle, entries))
}

func TestRecompute_InconsistencyIsLoggedAtError(t *testing.T) {
	// A store that corrupts what it writes fails read-back reconciliation.
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())
	h.save(t, expense("tx-1", "card-1", on(3, time.March), 100_000))
	h.ledger.Cycles = corruptingWrites{h.store}

	_, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.ErrorIs(t, err, cashback.ErrInconsistentLedger)

	require.NotNil(t, h.logs.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, h.logs.LastEntry().Level)

	_, err = h.store.GetCycle(ctx, cashback.CycleIDFor("card-1", "2025-03"))
	assert.ErrorIs(t, err, cashback.ErrCycleNotFound)
}

type corruptingWrites struct {
	*memory.TxMemory
}

func (c corruptingWrites) WithTx(ctx context.Context, fn func(cashback.CycleStore) error) error {
	return c.TxMemory.WithTx(ctx, func(s cashback.CycleStore) error {
		return fn(corruptingView{s})
	})
}

type corruptingView struct {
	cashback.CycleStore
}

func (v corruptingView) ReplaceCycle(ctx context.Context, c cashback.Cycle, entries []cashback.Entry) error {
	bad := append([]cashback.Entry{}, entries...)
	for i := range bad {
		bad[i].RewardAmount = bad[i].RewardAmount.Add(d(1))
	}
	return v.CycleStore.ReplaceCycle(ctx, c, bad)
}
