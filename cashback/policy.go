package cashback

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/duynguyen2626/money-flow-sub010/generic"
)

// =============================================================================
// POLICY - Per-account reward configuration (read-only to this package)
// =============================================================================

// Policy is an account's cashback configuration.
//
// INVARIANTS (checked by Validate):
//   - Rate and every category rate lie in [0, 1]
//   - MinSpend and MaxCashback, when set, are non-negative
//   - Cycle describes a resolvable window layout
type Policy struct {
	AccountID AccountID
	Name      string

	Rate  decimal.Decimal
	Cycle generic.PeriodConfig

	// MinSpend gates the cycle: nothing is awarded until cumulative spend
	// reaches it. nil = no threshold.
	MinSpend *decimal.Decimal

	// MaxCashback caps the reward a cycle can pay out. nil = uncapped.
	MaxCashback *decimal.Decimal

	// CategoryRates overrides Rate for specific categories.
	CategoryRates map[CategoryID]decimal.Decimal

	Filters Filters
}

// Filters restrict which transactions count toward a cycle. Excluded
// transactions neither count toward spend nor earn reward.
type Filters struct {
	// Allow-lists; an empty list allows everything. When both are set a
	// transaction must match both.
	CategoryIDs []CategoryID
	ShopIDs     []ShopID

	// MaxAmountPerTransaction limits how much of a single transaction is
	// considered. nil = the full amount.
	MaxAmountPerTransaction *decimal.Decimal
}

var one = decimal.NewFromInt(1)

// Validate returns a *ConfigurationError describing the first problem found.
func (p Policy) Validate() error {
	if p.AccountID == "" {
		return &ConfigurationError{Reason: "policy has no account"}
	}
	if err := validRate(p.Rate); err != nil {
		return &ConfigurationError{AccountID: p.AccountID, Reason: "rate", Err: err}
	}
	for cat, rate := range p.CategoryRates {
		if err := validRate(rate); err != nil {
			return &ConfigurationError{AccountID: p.AccountID, Reason: fmt.Sprintf("rate for category %s", cat), Err: err}
		}
	}
	if p.MinSpend != nil && p.MinSpend.IsNegative() {
		return &ConfigurationError{AccountID: p.AccountID, Reason: "min spend is negative"}
	}
	if p.MaxCashback != nil && p.MaxCashback.IsNegative() {
		return &ConfigurationError{AccountID: p.AccountID, Reason: "max cashback is negative"}
	}
	if lim := p.Filters.MaxAmountPerTransaction; lim != nil && !lim.IsPositive() {
		return &ConfigurationError{AccountID: p.AccountID, Reason: "max amount per transaction must be positive"}
	}
	if err := p.Cycle.Validate(); err != nil {
		return &ConfigurationError{AccountID: p.AccountID, Reason: "cycle", Err: err}
	}
	return nil
}

func validRate(r decimal.Decimal) error {
	if r.IsNegative() || r.GreaterThan(one) {
		return fmt.Errorf("%s outside [0, 1]", r)
	}
	return nil
}

// RateFor returns the rate applied to a category and the rule it comes from.
func (p Policy) RateFor(category CategoryID) (decimal.Decimal, Rule) {
	if rate, ok := p.CategoryRates[category]; ok && category != "" {
		return rate, RuleCategoryRate
	}
	return p.Rate, RuleRate
}

// Qualifies reports whether a transaction counts toward the policy's cycles.
func (p Policy) Qualifies(tx Transaction) bool {
	if tx.Voided || tx.Kind != KindExpense || !tx.Amount.IsPositive() {
		return false
	}
	return p.Filters.allows(tx.CategoryID, tx.ShopID)
}

func (f Filters) allows(category CategoryID, shop ShopID) bool {
	if len(f.CategoryIDs) > 0 && !slices.Contains(f.CategoryIDs, category) {
		return false
	}
	if len(f.ShopIDs) > 0 && !slices.Contains(f.ShopIDs, shop) {
		return false
	}
	return true
}

// Considered returns the part of amount that counts toward spend.
func (p Policy) Considered(amount decimal.Decimal) decimal.Decimal {
	if lim := p.Filters.MaxAmountPerTransaction; lim != nil && amount.GreaterThan(*lim) {
		return *lim
	}
	return amount
}
