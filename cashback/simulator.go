package cashback

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// SIMULATOR - "What would this earn" without writing anything
// =============================================================================

// SimulationInput describes a hypothetical expense.
type SimulationInput struct {
	AccountID  AccountID
	Amount     decimal.Decimal
	CategoryID CategoryID
	ShopID     ShopID

	// OccurredAt picks the cycle; nil means now.
	OccurredAt *time.Time
}

// Simulator previews rewards against the persisted cycle state. It never
// writes to the ledger.
type Simulator struct {
	Policies PolicyStore
	Cycles   CycleStore
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func NewSimulator(policies PolicyStore, cycles CycleStore, log logrus.FieldLogger) *Simulator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Simulator{Policies: policies, Cycles: cycles, Log: log, Now: time.Now}
}

// Simulate runs the engine for one candidate on top of the cycle's
// persisted spend and cap consumption, as if the candidate were appended
// after everything already recorded. A cycle that was never materialized
// counts as empty.
//
// An account without a policy yields a zero result with NoPolicy set.
func (s *Simulator) Simulate(ctx context.Context, in SimulationInput) (SimulationResult, error) {
	if !in.Amount.IsPositive() {
		return SimulationResult{}, ErrInvalidAmount
	}

	zero := SimulationResult{
		Rate:            decimal.Zero,
		EstimatedReward: decimal.Zero,
		Metadata: SimulationMetadata{
			AccountID:      in.AccountID,
			SpentBefore:    decimal.Zero,
			ConsumedBefore: decimal.Zero,
		},
	}

	policy, err := s.Policies.GetPolicy(ctx, in.AccountID)
	if errors.Is(err, ErrPolicyNotFound) {
		zero.Metadata.NoPolicy = true
		zero.Metadata.Reason = "account has no cashback policy"
		return zero, nil
	}
	if err != nil {
		return SimulationResult{}, err
	}

	at := s.now()
	if in.OccurredAt != nil {
		at = *in.OccurredAt
	}
	window, err := ResolveCycle(*policy, at, 0)
	if err != nil {
		return SimulationResult{}, err
	}
	zero.Metadata.CycleTag = window.Tag

	carry := Carry{Spent: decimal.Zero, Consumed: decimal.Zero}
	cycle, err := s.Cycles.GetCycle(ctx, CycleIDFor(policy.AccountID, window.Tag))
	switch {
	case errors.Is(err, ErrCycleNotFound):
	case err != nil:
		return SimulationResult{}, err
	default:
		carry = Carry{Spent: cycle.SpentAmount, Consumed: cycle.RealAwarded}
	}
	zero.Metadata.SpentBefore = carry.Spent
	zero.Metadata.ConsumedBefore = carry.Consumed
	zero.Metadata.CapRemaining = capRemaining(*policy, carry.Consumed)

	candidate := Transaction{
		AccountID:  in.AccountID,
		Kind:       KindExpense,
		Amount:     in.Amount,
		OccurredAt: at,
		CategoryID: in.CategoryID,
		ShopID:     in.ShopID,
	}
	if !policy.Qualifies(candidate) {
		zero.Metadata.Excluded = true
		zero.Metadata.Reason = "excluded by the policy's category or shop filters"
		return zero, nil
	}

	rate, rule := policy.RateFor(in.CategoryID)
	res := Apply(*policy, []Contribution{{
		OccurredAt:       at,
		AmountConsidered: policy.Considered(in.Amount),
		Rate:             rate,
		Rule:             rule,
	}}, carry)
	e := res.Entries[0]

	out := SimulationResult{
		Rate:            e.RateApplied,
		EstimatedReward: e.RewardAmount,
		IsCapped:        e.Capped,
		Metadata:        zero.Metadata,
	}
	out.Metadata.Rule = e.Rule
	out.Metadata.BelowThreshold = e.BelowThreshold
	out.Metadata.Reason = ruleMessage(e, *policy)

	s.Log.WithFields(logrus.Fields{
		"account_id": in.AccountID,
		"cycle_tag":  window.Tag,
		"amount":     in.Amount.String(),
		"reward":     e.RewardAmount.String(),
		"rule":       e.Rule,
	}).Debug("cashback simulated")
	return out, nil
}

func (s *Simulator) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func capRemaining(p Policy, consumed decimal.Decimal) *decimal.Decimal {
	if p.MaxCashback == nil {
		return nil
	}
	left := decimal.Max(p.MaxCashback.Sub(consumed), decimal.Zero)
	return &left
}
