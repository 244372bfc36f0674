package cashback_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
)

func newSimulator(h *harness) *cashback.Simulator {
	logger, _ := test.NewNullLogger()
	sim := cashback.NewSimulator(h.store, h.store, logger)
	sim.Now = func() time.Time { return march15 }
	return sim
}

func TestSimulate_ScenarioD_TruncatedToRemainingCap(t *testing.T) {
	// GIVEN: 90,000 of a 100,000 cap already consumed this cycle
	// WHEN: Simulating a candidate whose raw reward is 20,000
	// THEN: 10,000, capped, and the persisted cycle is unchanged
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())
	h.save(t, expense("tx-1", "card-1", on(2, time.March), 900_000))
	before, err := h.ledger.Recompute(ctx, "card-1", "2025-03")
	require.NoError(t, err)
	assertDec(t, 90_000, before.RealAwarded, "setup")
	beforeEntries, err := h.store.Entries(ctx, before.ID)
	require.NoError(t, err)

	res, err := newSimulator(h).Simulate(ctx, cashback.SimulationInput{
		AccountID: "card-1",
		Amount:    d(200_000),
	})
	require.NoError(t, err)

	assertDec(t, 10_000, res.EstimatedReward, "estimated")
	assert.True(t, res.IsCapped)
	assert.True(t, res.Rate.Equal(rate("0.1")))
	assert.Equal(t, "2025-03", res.Metadata.CycleTag)
	assert.Equal(t, cashback.RuleCap, res.Metadata.Rule)
	assertDec(t, 90_000, res.Metadata.ConsumedBefore, "consumed before")
	require.NotNil(t, res.Metadata.CapRemaining)
	assertDec(t, 10_000, *res.Metadata.CapRemaining, "cap remaining")

	after, err := h.store.GetCycle(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, *before, *after)
	afterEntries, err := h.store.Entries(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, beforeEntries, afterEntries)
}

func TestSimulate_UnmaterializedCycleStartsEmpty(t *testing.T) {
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())

	res, err := newSimulator(h).Simulate(context.Background(), cashback.SimulationInput{AccountID: "card-1", Amount: d(200_000)})
	require.NoError(t, err)
	assertDec(t, 20_000, res.EstimatedReward, "estimated")
	assert.False(t, res.IsCapped)
	assert.Equal(t, cashback.RuleRate, res.Metadata.Rule)
}

func TestSimulate_NoPolicyIsZeroNotError(t *testing.T) {
	h := newHarness(t)

	res, err := newSimulator(h).Simulate(context.Background(), cashback.SimulationInput{AccountID: "cash", Amount: d(200_000)})
	require.NoError(t, err)
	assert.True(t, res.Metadata.NoPolicy)
	assert.True(t, res.EstimatedReward.IsZero())
	assert.True(t, res.Rate.IsZero())
	assert.False(t, res.IsCapped)
}

func TestSimulate_BelowMinSpend(t *testing.T) {
	h := newHarness(t)
	p := monthlyPolicy("card-1", "0.05")
	p.MinSpend = dp(1_000_000)
	h.policy(t, p)

	res, err := newSimulator(h).Simulate(context.Background(), cashback.SimulationInput{AccountID: "card-1", Amount: d(500_000)})
	require.NoError(t, err)
	assert.True(t, res.EstimatedReward.IsZero())
	assert.True(t, res.Metadata.BelowThreshold)
	assert.Equal(t, cashback.RuleMinSpend, res.Metadata.Rule)
}

func TestSimulate_CategoryRateAndFilters(t *testing.T) {
	h := newHarness(t)
	p := monthlyPolicy("card-1", "0.01")
	p.CategoryRates = map[cashback.CategoryID]decimal.Decimal{"dining": rate("0.05")}
	p.Filters.CategoryIDs = []cashback.CategoryID{"dining", "groceries"}
	h.policy(t, p)
	sim := newSimulator(h)
	ctx := context.Background()

	dining, err := sim.Simulate(ctx, cashback.SimulationInput{AccountID: "card-1", Amount: d(100_000), CategoryID: "dining"})
	require.NoError(t, err)
	assertDec(t, 5_000, dining.EstimatedReward, "dining")
	assert.Equal(t, cashback.RuleCategoryRate, dining.Metadata.Rule)

	groceries, err := sim.Simulate(ctx, cashback.SimulationInput{AccountID: "card-1", Amount: d(100_000), CategoryID: "groceries"})
	require.NoError(t, err)
	assertDec(t, 1_000, groceries.EstimatedReward, "groceries")

	travel, err := sim.Simulate(ctx, cashback.SimulationInput{AccountID: "card-1", Amount: d(100_000), CategoryID: "travel"})
	require.NoError(t, err)
	assert.True(t, travel.Metadata.Excluded)
	assert.True(t, travel.EstimatedReward.IsZero())
}

func TestSimulate_UsesCycleOfOccurredAt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())
	h.save(t, expense("tx-1", "card-1", on(2, time.February), 1_000_000))
	_, err := h.ledger.Recompute(ctx, "card-1", "2025-02")
	require.NoError(t, err)

	feb := on(20, time.February)
	res, err := newSimulator(h).Simulate(ctx, cashback.SimulationInput{AccountID: "card-1", Amount: d(100_000), OccurredAt: &feb})
	require.NoError(t, err)
	assert.Equal(t, "2025-02", res.Metadata.CycleTag)
	assert.True(t, res.IsCapped)
	assert.Equal(t, cashback.RuleCapExhausted, res.Metadata.Rule)
}

func TestSimulate_RejectsNonPositiveAmount(t *testing.T) {
	h := newHarness(t)
	h.policy(t, scenarioBPolicy())

	_, err := newSimulator(h).Simulate(context.Background(), cashback.SimulationInput{AccountID: "card-1", Amount: d(0)})
	assert.ErrorIs(t, err, cashback.ErrInvalidAmount)
}
