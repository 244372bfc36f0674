package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
	"github.com/duynguyen2626/money-flow-sub010/generic"
	"github.com/duynguyen2626/money-flow-sub010/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func at(day int) time.Time {
	return time.Date(2025, time.March, day, 14, 30, 0, 0, time.UTC)
}

func expense(id string, day int, amount int64) cashback.Transaction {
	return cashback.Transaction{
		ID:         cashback.TransactionID(id),
		AccountID:  "card-1",
		Kind:       cashback.KindExpense,
		Amount:     d(amount),
		OccurredAt: at(day),
		CreatedAt:  at(day),
		CategoryID: "groceries",
	}
}

func cappedPolicy() cashback.Policy {
	limit := d(100_000)
	return cashback.Policy{
		AccountID:   "card-1",
		Name:        "Card One",
		Rate:        decimal.RequireFromString("0.1"),
		Cycle:       generic.PeriodConfig{Type: generic.PeriodCalendarMonth},
		MaxCashback: &limit,
	}
}

// =============================================================================
// EXTERNAL DATA
// =============================================================================

func TestStore_Transactions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	prev, err := store.SaveTransaction(ctx, expense("tx-2", 9, 500_000))
	require.NoError(t, err)
	assert.Nil(t, prev)
	_, err = store.SaveTransaction(ctx, expense("tx-1", 3, 800_000))
	require.NoError(t, err)
	outside := expense("tx-3", 1, 100)
	outside.OccurredAt = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	_, err = store.SaveTransaction(ctx, outside)
	require.NoError(t, err)

	march := generic.Period{
		Start: generic.Date(2025, time.March, 1),
		End:   generic.Date(2025, time.April, 1),
	}
	txs, err := store.ListTransactions(ctx, "card-1", march)
	require.NoError(t, err)
	require.Len(t, txs, 2, "window end is exclusive")
	assert.Equal(t, cashback.TransactionID("tx-1"), txs[0].ID)
	assert.True(t, txs[0].Amount.Equal(d(800_000)))
	assert.True(t, txs[0].OccurredAt.Equal(at(3)))
	assert.Equal(t, cashback.CategoryID("groceries"), txs[0].CategoryID)

	edited := expense("tx-1", 4, 900_000)
	edited.Voided = true
	prev, err = store.SaveTransaction(ctx, edited)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.True(t, prev.OccurredAt.Equal(at(3)))

	got, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, got.Voided)
	assert.True(t, got.Amount.Equal(d(900_000)))
	assert.True(t, got.CreatedAt.Equal(at(3)), "an upsert keeps the original created_at")

	_, err = store.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, cashback.ErrTransactionNotFound)
}

func TestStore_ShareLines(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveShareLines(ctx, "tx-1", []cashback.ShareLine{
		{TransactionID: "tx-1", PersonID: "bob", Amount: d(100)},
		{TransactionID: "tx-1", PersonID: "eve", Amount: d(50)},
	}))

	lines, err := store.ShareLines(ctx, []cashback.TransactionID{"tx-1", "tx-2"})
	require.NoError(t, err)
	require.Len(t, lines["tx-1"], 2)
	assert.Empty(t, lines["tx-2"])

	require.NoError(t, store.SaveShareLines(ctx, "tx-1", nil))
	lines, err = store.ShareLines(ctx, []cashback.TransactionID{"tx-1"})
	require.NoError(t, err)
	assert.Empty(t, lines["tx-1"])
}

func TestStore_Policies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetPolicy(ctx, "card-1")
	assert.ErrorIs(t, err, cashback.ErrPolicyNotFound)

	require.NoError(t, store.SavePolicy(ctx, cappedPolicy()))
	p, err := store.GetPolicy(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "Card One", p.Name)
	assert.True(t, p.Rate.Equal(decimal.RequireFromString("0.1")))
	require.NotNil(t, p.MaxCashback)
	assert.True(t, p.MaxCashback.Equal(d(100_000)))

	bad := cappedPolicy()
	bad.Rate = d(2)
	assert.ErrorIs(t, store.SavePolicy(ctx, bad), cashback.ErrConfiguration)

	policies, err := store.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 1)

	require.NoError(t, store.DeletePolicy(ctx, "card-1"))
	_, err = store.GetPolicy(ctx, "card-1")
	assert.ErrorIs(t, err, cashback.ErrPolicyNotFound)
}

// =============================================================================
// LEDGER
// =============================================================================

func newLedger(store *sqlite.Store) *cashback.CycleLedger {
	logger, _ := test.NewNullLogger()
	return cashback.NewCycleLedger(store, store, store, store, logger)
}

func TestStore_LedgerRoundTrip(t *testing.T) {
	// GIVEN: Scenario B persisted through SQLite
	// WHEN: Recomputing twice
	// THEN: Entries read back exactly and the second run writes nothing
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.SavePolicy(ctx, cappedPolicy()))
	_, err := store.SaveTransaction(ctx, expense("tx-1", 3, 800_000))
	require.NoError(t, err)
	_, err = store.SaveTransaction(ctx, expense("tx-2", 9, 500_000))
	require.NoError(t, err)
	ledger := newLedger(store)

	first, err := ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	stored, err := store.GetCycle(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-03", stored.Tag)
	assert.True(t, stored.RealAwarded.Equal(d(100_000)))
	assert.True(t, stored.SpentAmount.Equal(d(1_300_000)))
	assert.True(t, stored.Start.Equal(generic.Date(2025, time.March, 1)))

	entries, err := store.Entries(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].RewardAmount.Equal(d(20_000)))
	assert.True(t, entries[1].RawReward.Equal(d(50_000)))
	assert.True(t, entries[1].Capped)
	assert.Equal(t, cashback.RuleCap, entries[1].Rule)
	assert.True(t, entries[1].OccurredAt.Equal(at(9)))

	second, err := ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Version)

	byTx, err := store.EntriesByTransaction(ctx, "tx-2")
	require.NoError(t, err)
	require.Len(t, byTx, 1)
	assert.Equal(t, first.ID, byTx[0].CycleID)

	cycles, err := store.ListCycles(ctx, "card-1")
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := cashback.CycleIDFor("card-1", "2025-03")
	cycle := cashback.Cycle{
		ID: id, AccountID: "card-1", Tag: "2025-03",
		Start: generic.Date(2025, time.March, 1), End: generic.Date(2025, time.April, 1),
		SpentAmount: d(100), RealAwarded: d(10), PeopleBack: d(0), VirtualProfit: d(10), Version: 1,
	}
	entry := cashback.Entry{
		CycleID: id, TransactionID: "tx-1", OccurredAt: at(3),
		AmountConsidered: d(100), RateApplied: decimal.RequireFromString("0.1"),
		RawReward: d(10), RewardAmount: d(10), PeopleBack: d(0),
		Rule: cashback.RuleRate, SpentBefore: d(0), ConsumedBefore: d(0),
	}
	require.NoError(t, store.ReplaceCycle(ctx, cycle, []cashback.Entry{entry}))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(cs cashback.CycleStore) error {
		changed := cycle
		changed.Version = 2
		if err := cs.ReplaceCycle(ctx, changed, nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetCycle(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	entries, err := store.Entries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.SavePolicy(ctx, cappedPolicy()))
	_, err := store.SaveTransaction(ctx, expense("tx-1", 3, 100))
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx))

	_, err = store.GetPolicy(ctx, "card-1")
	assert.ErrorIs(t, err, cashback.ErrPolicyNotFound)
	_, err = store.GetTransaction(ctx, "tx-1")
	assert.ErrorIs(t, err, cashback.ErrTransactionNotFound)
}

func TestNew_FileDatabaseMigratesOnce(t *testing.T) {
	path := t.TempDir() + "/cashback.db"

	first, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, first.SavePolicy(context.Background(), cappedPolicy()))
	require.NoError(t, first.Close())

	second, err := sqlite.New(path)
	require.NoError(t, err)
	defer second.Close()
	p, err := second.GetPolicy(context.Background(), "card-1")
	require.NoError(t, err)
	assert.Equal(t, cashback.AccountID("card-1"), p.AccountID)
}

func TestStore_CorruptTimestampIsAnError(t *testing.T) {
	// GIVEN: A transaction whose stored occurred_at was damaged outside the store
	// WHEN: Reading it back directly or through a window query
	// THEN: The read fails instead of returning a zero time
	ctx := context.Background()
	path := t.TempDir() + "/cashback.db"
	store, err := sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.SaveTransaction(ctx, expense("tx-1", 3, 100_000))
	require.NoError(t, err)

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, "UPDATE transactions SET occurred_at = '2025-03-03 not a time' WHERE id = 'tx-1'")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = store.GetTransaction(ctx, "tx-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a time")

	_, err = store.ListTransactions(ctx, "card-1", generic.Period{
		Start: generic.Date(2025, time.March, 1),
		End:   generic.Date(2025, time.April, 1),
	})
	assert.Error(t, err)
}
