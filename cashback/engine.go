package cashback

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// REWARD POLICY ENGINE - Rate / min-spend / cap over ordered contributions
// =============================================================================

// RewardPlaces is the number of decimal places rewards are rounded to.
// Amounts are in minor units, so rewards are whole minor units.
const RewardPlaces int32 = 0

// Carry is the state a run starts from: spend and cap consumed by
// contributions processed earlier in the same cycle.
type Carry struct {
	Spent    decimal.Decimal
	Consumed decimal.Decimal
}

// Result is the output of one engine run.
type Result struct {
	Entries      []Entry
	TotalSpent   decimal.Decimal // Σ AmountConsidered of this run
	TotalAwarded decimal.Decimal // Σ RewardAmount of this run
	Consumed     decimal.Decimal // Cap consumed after this run, carry included
	MinSpendMet  bool
}

// Apply processes contributions in order.
//
// For each contribution:
//  1. Cumulative spend grows by AmountConsidered, whatever the outcome.
//  2. While cumulative spend is below MinSpend the entry earns zero. The
//     threshold is forward-only: crossing it never re-awards earlier entries.
//  3. Otherwise the raw reward is AmountConsidered * rate, rounded once
//     (banker's rounding) to RewardPlaces.
//  4. If the reward would push consumption past MaxCashback it is truncated
//     to what is left (possibly zero) and flagged capped; later entries earn zero.
//  5. Consumption grows by the granted reward.
func Apply(policy Policy, contributions []Contribution, carry Carry) Result {
	spent := carry.Spent
	consumed := carry.Consumed

	res := Result{
		Entries:      make([]Entry, 0, len(contributions)),
		TotalSpent:   decimal.Zero,
		TotalAwarded: decimal.Zero,
	}

	for i, c := range contributions {
		e := Entry{
			TransactionID:    c.TransactionID,
			Position:         i,
			OccurredAt:       c.OccurredAt,
			AmountConsidered: c.AmountConsidered,
			RateApplied:      c.Rate,
			RawReward:        c.AmountConsidered.Mul(c.Rate).RoundBank(RewardPlaces),
			RewardAmount:     decimal.Zero,
			PeopleBack:       decimal.Zero,
			Rule:             c.Rule,
			SpentBefore:      spent,
			ConsumedBefore:   consumed,
		}
		spent = spent.Add(c.AmountConsidered)

		switch {
		case policy.MinSpend != nil && spent.LessThan(*policy.MinSpend):
			e.BelowThreshold = true
			e.Rule = RuleMinSpend

		case policy.MaxCashback != nil && consumed.Add(e.RawReward).GreaterThan(*policy.MaxCashback):
			left := policy.MaxCashback.Sub(consumed)
			if left.IsPositive() {
				e.RewardAmount = left
				e.Rule = RuleCap
			} else {
				e.Rule = RuleCapExhausted
			}
			e.Capped = true

		default:
			e.RewardAmount = e.RawReward
		}

		consumed = consumed.Add(e.RewardAmount)
		res.TotalSpent = res.TotalSpent.Add(e.AmountConsidered)
		res.TotalAwarded = res.TotalAwarded.Add(e.RewardAmount)
		res.Entries = append(res.Entries, e)
	}

	res.Consumed = consumed
	res.MinSpendMet = policy.MinSpend == nil || !spent.LessThan(*policy.MinSpend)
	return res
}
