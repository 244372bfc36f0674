package cashback

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// PROFIT SPLITTER - Bank-awarded vs shared-away reward
// =============================================================================

// Split is the division of one entry's reward.
type Split struct {
	BankBack   decimal.Decimal // Reward the bank paid
	PeopleBack decimal.Decimal // Part attributed to people the expense was shared with
	Profit     decimal.Decimal // BankBack - PeopleBack
}

// SplitProfit apportions reward pro-rata to the fraction of the
// transaction value attributed to other people. A 50/50 split of a
// transaction that earned 100 gives 50 away.
//
// The shared fraction is clamped to [0, 1]; PeopleBack is rounded once with
// banker's rounding.
func SplitProfit(tx Transaction, shares []ShareLine, reward decimal.Decimal) Split {
	split := Split{BankBack: reward, PeopleBack: decimal.Zero, Profit: reward}
	if len(shares) == 0 || !tx.Amount.IsPositive() || reward.IsZero() {
		return split
	}

	shared := decimal.Zero
	for _, s := range shares {
		if s.Amount.IsPositive() {
			shared = shared.Add(s.Amount)
		}
	}
	if shared.GreaterThan(tx.Amount) {
		shared = tx.Amount
	}

	split.PeopleBack = shared.Mul(reward).Div(tx.Amount).RoundBank(RewardPlaces)
	split.Profit = reward.Sub(split.PeopleBack)
	return split
}
