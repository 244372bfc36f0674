package cashback

import (
	"context"
	"fmt"
)

// GetPolicyExplanation reports which rule determined a transaction's
// reward. The canonical cycle (the one containing OccurredAt) is preferred;
// a transaction in a cycle that was never recomputed is explained from a
// fresh projection.
func (l *CycleLedger) GetPolicyExplanation(ctx context.Context, id TransactionID) (*Explanation, error) {
	tx, err := l.Aggregator.Transactions.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	policy, err := l.policy(ctx, tx.AccountID)
	if err != nil {
		return nil, err
	}
	window, err := ResolveCycle(*policy, tx.OccurredAt, 0)
	if err != nil {
		return nil, err
	}
	cycleID := CycleIDFor(tx.AccountID, window.Tag)

	exp := &Explanation{
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		CycleID:       cycleID,
		CycleTag:      window.Tag,
		MinSpend:      policy.MinSpend,
		MaxCashback:   policy.MaxCashback,
	}
	exp.Rate, exp.Rule = policy.RateFor(tx.CategoryID)

	if !policy.Qualifies(*tx) {
		exp.Excluded = true
		exp.Message = exclusionReason(*tx)
		return exp, nil
	}

	entries, err := l.Cycles.EntriesByTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	var entry *Entry
	for i := range entries {
		if entries[i].CycleID == cycleID {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		_, projected, err := l.build(ctx, *policy, window)
		if err != nil {
			return nil, err
		}
		for i := range projected {
			if projected[i].TransactionID == id {
				entry = &projected[i]
				break
			}
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionNotFound)
	}

	exp.Rule = entry.Rule
	exp.Rate = entry.RateApplied
	exp.RawReward = entry.RawReward
	exp.Reward = entry.RewardAmount
	exp.SpentBefore = entry.SpentBefore
	exp.ConsumedBefore = entry.ConsumedBefore
	exp.Message = ruleMessage(*entry, *policy)
	return exp, nil
}

func exclusionReason(tx Transaction) string {
	switch {
	case tx.Voided:
		return "voided transactions earn no cashback"
	case tx.Kind != KindExpense:
		return fmt.Sprintf("%s transactions earn no cashback", tx.Kind)
	case !tx.Amount.IsPositive():
		return "non-positive amounts earn no cashback"
	default:
		return "excluded by the policy's category or shop filters"
	}
}

func ruleMessage(e Entry, p Policy) string {
	switch e.Rule {
	case RuleMinSpend:
		return fmt.Sprintf("cycle spend %s is below the minimum spend of %s", e.SpentBefore.Add(e.AmountConsidered), p.MinSpend)
	case RuleCap:
		return fmt.Sprintf("reward %s truncated to %s, the rest of the %s cap", e.RawReward, e.RewardAmount, p.MaxCashback)
	case RuleCapExhausted:
		return fmt.Sprintf("the %s cap was already used up", p.MaxCashback)
	case RuleCategoryRate:
		return fmt.Sprintf("%s at the category rate of %s", e.AmountConsidered, e.RateApplied)
	default:
		return fmt.Sprintf("%s at the base rate of %s", e.AmountConsidered, e.RateApplied)
	}
}
