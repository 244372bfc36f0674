package cashback

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/duynguyen2626/money-flow-sub010/generic"
)

// =============================================================================
// READ PATHS - Progress cards and cycle listings
// =============================================================================
//
// Reads never trigger a recompute and never take the cycle lock. A
// materialized cycle is shown as last committed; a cycle nobody has
// recomputed yet is projected on the fly without being written.

// ListProgress returns the card of an account's cycle monthOffset cycles
// away from the one containing now.
func (l *CycleLedger) ListProgress(ctx context.Context, accountID AccountID, monthOffset int) (*Card, error) {
	policy, err := l.policy(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return l.card(ctx, *policy, monthOffset)
}

// GetProgress returns the cards of every account with a policy, or of the
// listed accounts only. Accounts with a malformed policy are skipped.
func (l *CycleLedger) GetProgress(ctx context.Context, monthOffset int, accountIDs []AccountID) ([]Card, error) {
	policies, err := l.Policies.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	if len(accountIDs) > 0 {
		policies = slices.DeleteFunc(policies, func(p Policy) bool {
			return !slices.Contains(accountIDs, p.AccountID)
		})
	}

	cards := make([]*Card, len(policies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(l.Parallelism, 1))
	for i, p := range policies {
		g.Go(func() error {
			if err := p.Validate(); err != nil {
				l.Log.WithError(err).WithField("account_id", p.AccountID).Warn("skipping account with invalid cashback policy")
				return nil
			}
			card, err := l.card(gctx, p, monthOffset)
			if err != nil {
				return err
			}
			cards[i] = card
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Card, 0, len(cards))
	for _, c := range cards {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

// GetMonthlyTransactions lists the transactions of the cycle associated
// with a calendar month: the month itself, the statement cycle starting in
// it, or the rolling window containing its last day.
func (l *CycleLedger) GetMonthlyTransactions(ctx context.Context, accountID AccountID, month time.Month, year int) ([]CashbackTransaction, error) {
	policy, err := l.policy(ctx, accountID)
	if err != nil {
		return nil, err
	}
	window, err := ResolveCycle(*policy, monthReference(policy.Cycle, year, month), 0)
	if err != nil {
		return nil, err
	}
	view, err := l.view(ctx, *policy, window)
	if err != nil {
		return nil, err
	}
	return view.transactions, nil
}

func monthReference(cfg generic.PeriodConfig, year int, month time.Month) time.Time {
	switch cfg.Type {
	case generic.PeriodStatementDay:
		return generic.ClampedDate(year, month, cfg.AnchorDay)
	case generic.PeriodRollingDays:
		return generic.ClampedDate(year, month, 31)
	default:
		return generic.Date(year, month, 1)
	}
}

// GetAccountCycles returns an account's persisted cycles, newest first.
func (l *CycleLedger) GetAccountCycles(ctx context.Context, accountID AccountID) ([]Cycle, error) {
	return l.Cycles.ListCycles(ctx, accountID)
}

// GetTransactionsForCycle returns a persisted cycle's entries joined with
// their transactions, in consumption order.
func (l *CycleLedger) GetTransactionsForCycle(ctx context.Context, id CycleID) ([]CashbackTransaction, error) {
	cycle, err := l.Cycles.GetCycle(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := l.Cycles.Entries(ctx, id)
	if err != nil {
		return nil, err
	}
	txs, err := l.Aggregator.Transactions.ListTransactions(ctx, cycle.AccountID, cycle.Period())
	if err != nil {
		return nil, &AggregationFailure{AccountID: cycle.AccountID, Period: cycle.Period(), Err: err}
	}
	byID := make(map[TransactionID]Transaction, len(txs))
	for _, tx := range txs {
		byID[tx.ID] = tx
	}

	out := make([]CashbackTransaction, len(entries))
	ids := make([]TransactionID, len(entries))
	for i := range entries {
		tx, ok := byID[entries[i].TransactionID]
		if !ok {
			// Deleted since the last recompute
			tx = Transaction{ID: entries[i].TransactionID, AccountID: cycle.AccountID, OccurredAt: entries[i].OccurredAt}
		}
		out[i] = CashbackTransaction{Transaction: tx, Entry: &entries[i]}
		ids[i] = tx.ID
	}
	l.attachShares(ctx, out, ids)
	return out, nil
}

// =============================================================================
// CARD ASSEMBLY
// =============================================================================

type cycleView struct {
	summary      CycleSummary
	peopleBack   decimal.Decimal
	transactions []CashbackTransaction
	stale        bool
}

func (l *CycleLedger) card(ctx context.Context, policy Policy, offset int) (*Card, error) {
	now := l.now()
	window, err := ResolveCycle(policy, now, offset)
	if err != nil {
		return nil, err
	}
	view, err := l.view(ctx, policy, window)
	if err != nil {
		return nil, err
	}

	card := &Card{
		AccountID:    policy.AccountID,
		Policy:       policy,
		Cycle:        view.summary,
		PeopleBack:   view.peopleBack,
		Transactions: view.transactions,
		Stale:        view.stale,
	}
	if policy.MaxCashback != nil {
		left := decimal.Max(policy.MaxCashback.Sub(view.summary.RealAwarded), decimal.Zero)
		card.CapRemaining = &left
	}
	if policy.MinSpend != nil {
		left := decimal.Max(policy.MinSpend.Sub(view.summary.SpentAmount), decimal.Zero)
		card.MinSpendRemaining = &left
	}

	card.History, err = l.history(ctx, policy, now, offset)
	if err != nil {
		return nil, err
	}
	return card, nil
}

// view assembles one window. Store failures degrade to the last persisted
// totals with stale set; they are logged, not returned.
func (l *CycleLedger) view(ctx context.Context, policy Policy, window CycleWindow) (*cycleView, error) {
	log := l.Log.WithFields(logrus.Fields{"account_id": policy.AccountID, "cycle_tag": window.Tag})
	id := CycleIDFor(policy.AccountID, window.Tag)
	v := &cycleView{
		summary: CycleSummary{
			Tag:           window.Tag,
			Start:         window.Period.Start,
			End:           window.Period.End,
			SpentAmount:   decimal.Zero,
			RealAwarded:   decimal.Zero,
			VirtualProfit: decimal.Zero,
			MinSpendMet:   policy.MinSpend == nil || !policy.MinSpend.IsPositive(),
		},
		peopleBack: decimal.Zero,
	}

	persisted, err := l.Cycles.GetCycle(ctx, id)
	switch {
	case errors.Is(err, ErrCycleNotFound):
		persisted = nil
	case err != nil:
		log.WithError(err).Warn("could not read cashback cycle")
		v.stale = true
		return v, nil
	}

	var entries []Entry
	if persisted != nil {
		v.summary = summarize(*persisted, true)
		v.peopleBack = persisted.PeopleBack
		entries, err = l.Cycles.Entries(ctx, id)
		if err != nil {
			log.WithError(err).Warn("could not read cashback entries")
			v.stale = true
			return v, nil
		}
	} else {
		cycle, projected, err := l.build(ctx, policy, window)
		if err != nil {
			log.WithError(err).Warn("could not project cashback cycle")
			v.stale = true
			return v, nil
		}
		v.summary = summarize(cycle, false)
		v.peopleBack = cycle.PeopleBack
		entries = projected
	}

	txs, err := l.Aggregator.Transactions.ListTransactions(ctx, policy.AccountID, window.Period)
	if err != nil {
		log.WithError(err).Warn("could not list cycle transactions")
		v.stale = true
		return v, nil
	}
	SortTransactions(txs)

	byTx := make(map[TransactionID]*Entry, len(entries))
	for i := range entries {
		byTx[entries[i].TransactionID] = &entries[i]
	}
	v.transactions = make([]CashbackTransaction, 0, len(txs))
	ids := make([]TransactionID, 0, len(txs))
	for _, tx := range txs {
		if !window.Period.Contains(tx.OccurredAt) {
			continue
		}
		v.transactions = append(v.transactions, CashbackTransaction{Transaction: tx, Entry: byTx[tx.ID]})
		ids = append(ids, tx.ID)
	}
	l.attachShares(ctx, v.transactions, ids)
	return v, nil
}

func (l *CycleLedger) history(ctx context.Context, policy Policy, now time.Time, offset int) ([]CycleSummary, error) {
	n := l.HistoryCycles
	if n <= 0 {
		return nil, nil
	}
	out := make([]CycleSummary, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(l.Parallelism, 1))
	for i := range n {
		g.Go(func() error {
			window, err := ResolveCycle(policy, now, offset-i-1)
			if err != nil {
				return err
			}
			out[i] = CycleSummary{
				Tag:           window.Tag,
				Start:         window.Period.Start,
				End:           window.Period.End,
				SpentAmount:   decimal.Zero,
				RealAwarded:   decimal.Zero,
				VirtualProfit: decimal.Zero,
			}
			c, err := l.Cycles.GetCycle(gctx, CycleIDFor(policy.AccountID, window.Tag))
			switch {
			case errors.Is(err, ErrCycleNotFound):
			case err != nil:
				l.Log.WithError(err).WithField("cycle_tag", window.Tag).Warn("could not read cashback history")
			default:
				out[i] = summarize(*c, true)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *CycleLedger) attachShares(ctx context.Context, txs []CashbackTransaction, ids []TransactionID) {
	if len(ids) == 0 {
		return
	}
	shares, err := l.Shares.ShareLines(ctx, ids)
	if err != nil {
		l.Log.WithError(err).Warn("could not read share lines")
		return
	}
	for i := range txs {
		txs[i].ShareLines = shares[txs[i].Transaction.ID]
	}
}

func summarize(c Cycle, persisted bool) CycleSummary {
	return CycleSummary{
		Tag:           c.Tag,
		Start:         c.Start,
		End:           c.End,
		SpentAmount:   c.SpentAmount,
		RealAwarded:   c.RealAwarded,
		VirtualProfit: c.VirtualProfit,
		MinSpendMet:   c.MinSpendMet,
		Persisted:     persisted,
	}
}

func (l *CycleLedger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}
