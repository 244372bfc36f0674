package cashback

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/duynguyen2626/money-flow-sub010/generic"
)

// =============================================================================
// TRANSACTION AGGREGATOR - Window -> ordered contributions
// =============================================================================

// Contribution is one qualifying transaction as the engine consumes it.
type Contribution struct {
	TransactionID    TransactionID
	OccurredAt       time.Time
	CreatedAt        time.Time
	AmountConsidered decimal.Decimal
	Rate             decimal.Decimal
	Rule             Rule // RuleRate or RuleCategoryRate
}

// Aggregation is the result of fetching one cycle window.
type Aggregation struct {
	// Contributions in consumption order.
	Contributions []Contribution

	// Transactions holds everything fetched for the window, qualifying or
	// not, in the same order.
	Transactions []Transaction
}

// Aggregator fetches and orders the transactions of a cycle.
type Aggregator struct {
	Transactions TransactionStore
}

func NewAggregator(transactions TransactionStore) *Aggregator {
	return &Aggregator{Transactions: transactions}
}

// Aggregate returns the contributions of the account's transactions in
// [period.Start, period.End). Voided, non-expense and filtered-out
// transactions are omitted. Order is OccurredAt ascending, then creation
// order; cap consumption follows this order.
func (a *Aggregator) Aggregate(ctx context.Context, policy Policy, period generic.Period) (*Aggregation, error) {
	txs, err := a.Transactions.ListTransactions(ctx, policy.AccountID, period)
	if err != nil {
		return nil, &AggregationFailure{AccountID: policy.AccountID, Period: period, Err: err}
	}

	inWindow := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.AccountID == policy.AccountID && period.Contains(tx.OccurredAt) {
			inWindow = append(inWindow, tx)
		}
	}
	SortTransactions(inWindow)

	agg := &Aggregation{Transactions: inWindow}
	for _, tx := range inWindow {
		if !policy.Qualifies(tx) {
			continue
		}
		rate, rule := policy.RateFor(tx.CategoryID)
		agg.Contributions = append(agg.Contributions, Contribution{
			TransactionID:    tx.ID,
			OccurredAt:       tx.OccurredAt,
			CreatedAt:        tx.CreatedAt,
			AmountConsidered: policy.Considered(tx.Amount),
			Rate:             rate,
			Rule:             rule,
		})
	}
	return agg, nil
}

// SortTransactions orders by OccurredAt, then CreatedAt, then ID.
func SortTransactions(txs []Transaction) {
	slices.SortStableFunc(txs, func(a, b Transaction) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
