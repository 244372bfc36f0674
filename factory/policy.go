/*
Package factory provides JSON to Go cashback policy conversion.

PURPOSE:
  Converts JSON policy definitions into cashback.Policy values. Policies are
  stored as JSON (store/sqlite keeps one document per account) and accepted
  as JSON by the API, so both go through the same parser and validation.

JSON SCHEMA:
  {
    "account_id": "card-visa",
    "name": "Visa Platinum",
    "rate": "0.05",
    "cycle": {"type": "statement_day", "anchor_day": 25},
    "min_spend": "1000000",
    "max_cashback": "200000",
    "category_rates": {"dining": "0.1"},
    "filters": {
      "category_ids": ["dining", "groceries"],
      "shop_ids": [],
      "max_amount_per_transaction": "5000000"
    }
  }

  Amounts and rates accept JSON strings or numbers. Strings are preferred:
  they round-trip exactly.

CYCLE TYPES:
  calendar_month  (alias "calendar")
  statement_day   (alias "statement"), requires anchor_day 1-31
  rolling_days    (alias "rolling"),   requires rolling_days >= 1;
                  optional anchor_date "YYYY-MM-DD" on which a window starts

ERRORS:
  Every failure is a *cashback.ConfigurationError, so callers can map it
  with errors.Is(err, cashback.ErrConfiguration).

USAGE:
  f := factory.NewPolicyFactory()
  policy, err := f.ParsePolicy(jsonString)
  doc, err := f.MarshalPolicy(*policy)
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
	"github.com/duynguyen2626/money-flow-sub010/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a policy.
type PolicyJSON struct {
	AccountID     string                     `json:"account_id"`
	Name          string                     `json:"name,omitempty"`
	Rate          decimal.Decimal            `json:"rate"`
	Cycle         CycleJSON                  `json:"cycle"`
	MinSpend      *decimal.Decimal           `json:"min_spend,omitempty"`
	MaxCashback   *decimal.Decimal           `json:"max_cashback,omitempty"`
	CategoryRates map[string]decimal.Decimal `json:"category_rates,omitempty"`
	Filters       *FiltersJSON               `json:"filters,omitempty"`
}

// CycleJSON represents the cycle layout.
type CycleJSON struct {
	Type        string `json:"type"`
	AnchorDay   int    `json:"anchor_day,omitempty"`
	RollingDays int    `json:"rolling_days,omitempty"`
	AnchorDate  string `json:"anchor_date,omitempty"`
}

// FiltersJSON represents transaction restrictions.
type FiltersJSON struct {
	CategoryIDs             []string         `json:"category_ids,omitempty"`
	ShopIDs                 []string         `json:"shop_ids,omitempty"`
	MaxAmountPerTransaction *decimal.Decimal `json:"max_amount_per_transaction,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses and validates a JSON policy document.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (*cashback.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, &cashback.ConfigurationError{Reason: "invalid policy JSON", Err: err}
	}
	return f.FromJSON(pj)
}

// FromJSON converts PolicyJSON to a validated cashback.Policy.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (*cashback.Policy, error) {
	cycleType, err := parseCycleType(pj.Cycle.Type)
	if err != nil {
		return nil, &cashback.ConfigurationError{AccountID: cashback.AccountID(pj.AccountID), Reason: "cycle", Err: err}
	}

	var anchor time.Time
	if pj.Cycle.AnchorDate != "" {
		anchor, err = time.Parse(generic.DateLayout, pj.Cycle.AnchorDate)
		if err != nil {
			return nil, &cashback.ConfigurationError{AccountID: cashback.AccountID(pj.AccountID), Reason: "cycle anchor_date", Err: err}
		}
	}

	policy := &cashback.Policy{
		AccountID: cashback.AccountID(pj.AccountID),
		Name:      pj.Name,
		Rate:      pj.Rate,
		Cycle: generic.PeriodConfig{
			Type:        cycleType,
			AnchorDay:   pj.Cycle.AnchorDay,
			RollingDays: pj.Cycle.RollingDays,
			AnchorDate:  anchor,
		},
		MinSpend:    pj.MinSpend,
		MaxCashback: pj.MaxCashback,
	}
	if policy.Name == "" {
		policy.Name = pj.AccountID
	}

	if len(pj.CategoryRates) > 0 {
		policy.CategoryRates = make(map[cashback.CategoryID]decimal.Decimal, len(pj.CategoryRates))
		for cat, r := range pj.CategoryRates {
			policy.CategoryRates[cashback.CategoryID(cat)] = r
		}
	}

	if pj.Filters != nil {
		for _, c := range pj.Filters.CategoryIDs {
			policy.Filters.CategoryIDs = append(policy.Filters.CategoryIDs, cashback.CategoryID(c))
		}
		for _, s := range pj.Filters.ShopIDs {
			policy.Filters.ShopIDs = append(policy.Filters.ShopIDs, cashback.ShopID(s))
		}
		policy.Filters.MaxAmountPerTransaction = pj.Filters.MaxAmountPerTransaction
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// ToJSON converts a Policy to PolicyJSON.
func (f *PolicyFactory) ToJSON(policy cashback.Policy) PolicyJSON {
	pj := PolicyJSON{
		AccountID:   string(policy.AccountID),
		Name:        policy.Name,
		Rate:        policy.Rate,
		MinSpend:    policy.MinSpend,
		MaxCashback: policy.MaxCashback,
		Cycle: CycleJSON{
			Type:        string(policy.Cycle.Type),
			AnchorDay:   policy.Cycle.AnchorDay,
			RollingDays: policy.Cycle.RollingDays,
		},
	}
	if !policy.Cycle.AnchorDate.IsZero() {
		pj.Cycle.AnchorDate = policy.Cycle.AnchorDate.UTC().Format(generic.DateLayout)
	}

	if len(policy.CategoryRates) > 0 {
		pj.CategoryRates = make(map[string]decimal.Decimal, len(policy.CategoryRates))
		for cat, r := range policy.CategoryRates {
			pj.CategoryRates[string(cat)] = r
		}
	}

	fl := policy.Filters
	if len(fl.CategoryIDs) > 0 || len(fl.ShopIDs) > 0 || fl.MaxAmountPerTransaction != nil {
		pj.Filters = &FiltersJSON{MaxAmountPerTransaction: fl.MaxAmountPerTransaction}
		for _, c := range fl.CategoryIDs {
			pj.Filters.CategoryIDs = append(pj.Filters.CategoryIDs, string(c))
		}
		for _, s := range fl.ShopIDs {
			pj.Filters.ShopIDs = append(pj.Filters.ShopIDs, string(s))
		}
	}
	return pj
}

// MarshalPolicy encodes a policy as a JSON document ParsePolicy accepts.
func (f *PolicyFactory) MarshalPolicy(policy cashback.Policy) (string, error) {
	b, err := json.Marshal(f.ToJSON(policy))
	if err != nil {
		return "", fmt.Errorf("failed to encode policy: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseCycleType(s string) (generic.PeriodType, error) {
	switch s {
	case "calendar_month", "calendar":
		return generic.PeriodCalendarMonth, nil
	case "statement_day", "statement":
		return generic.PeriodStatementDay, nil
	case "rolling_days", "rolling":
		return generic.PeriodRollingDays, nil
	case "":
		return "", fmt.Errorf("%w: missing cycle type", generic.ErrInvalidPeriodConfig)
	default:
		return "", fmt.Errorf("%w: unknown cycle type %q", generic.ErrInvalidPeriodConfig, s)
	}
}
