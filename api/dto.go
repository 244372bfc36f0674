/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the cashback domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND TIME:
  Amounts and rates are decimal strings ("35000", "0.05") so clients never
  see float rounding. Times are RFC 3339 in UTC; dates are YYYY-MM-DD.

TYPES:
  Policy:       factory.PolicyJSON (shared with storage)
  Cycles:       CycleDTO, CycleSummaryDTO, CycleWindowDTO, EntryDTO
  Transactions: TransactionDTO, TransactionRequest, CashbackTransactionDTO
  Progress:     CardDTO
  Simulation:   SimulateRequest, SimulationDTO
  Explanation:  ExplanationDTO
  Scenarios:    ScenarioDTO

VALIDATION:
  Validation is done in handlers and the domain, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
	"github.com/duynguyen2626/money-flow-sub010/factory"
)

const dateLayout = "2006-01-02"

// =============================================================================
// CYCLES
// =============================================================================

// CycleWindowDTO is a resolved cycle window.
type CycleWindowDTO struct {
	Tag   string `json:"tag"`
	Start string `json:"start"`
	End   string `json:"end"` // exclusive
}

// CycleDTO represents a persisted cycle.
type CycleDTO struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Tag           string          `json:"tag"`
	Start         string          `json:"start"`
	End           string          `json:"end"`
	SpentAmount   decimal.Decimal `json:"spent_amount"`
	RealAwarded   decimal.Decimal `json:"real_awarded"`
	PeopleBack    decimal.Decimal `json:"people_back"`
	VirtualProfit decimal.Decimal `json:"virtual_profit"`
	MinSpendMet   bool            `json:"min_spend_met"`
	Version       int64           `json:"version"`
}

// CycleSummaryDTO is a compact cycle for progress cards.
type CycleSummaryDTO struct {
	Tag           string          `json:"tag"`
	Start         string          `json:"start"`
	End           string          `json:"end"`
	SpentAmount   decimal.Decimal `json:"spent_amount"`
	RealAwarded   decimal.Decimal `json:"real_awarded"`
	VirtualProfit decimal.Decimal `json:"virtual_profit"`
	MinSpendMet   bool            `json:"min_spend_met"`
	Persisted     bool            `json:"persisted"`
}

// EntryDTO is one transaction's contribution to a cycle.
type EntryDTO struct {
	CycleID          string          `json:"cycle_id"`
	Position         int             `json:"position"`
	AmountConsidered decimal.Decimal `json:"amount_considered"`
	RateApplied      decimal.Decimal `json:"rate_applied"`
	RawReward        decimal.Decimal `json:"raw_reward"`
	RewardAmount     decimal.Decimal `json:"reward_amount"`
	PeopleBack       decimal.Decimal `json:"people_back"`
	Profit           decimal.Decimal `json:"profit"`
	Capped           bool            `json:"capped"`
	BelowThreshold   bool            `json:"below_threshold"`
	Rule             string          `json:"rule"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents a spend record.
type TransactionDTO struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"account_id"`
	Kind       string          `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredAt string          `json:"occurred_at"`
	CategoryID string          `json:"category_id,omitempty"`
	ShopID     string          `json:"shop_id,omitempty"`
	Note       string          `json:"note,omitempty"`
	Voided     bool            `json:"voided,omitempty"`
}

// ShareLineDTO attributes part of a transaction to another person.
type ShareLineDTO struct {
	PersonID string          `json:"person_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// CashbackTransactionDTO is a transaction joined with its ledger entry.
type CashbackTransactionDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Entry       *EntryDTO      `json:"entry,omitempty"`
	ShareLines  []ShareLineDTO `json:"share_lines,omitempty"`
}

// TransactionRequest creates or replaces a transaction. ShareLines nil
// leaves stored lines untouched; an empty list clears them.
type TransactionRequest struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"account_id"`
	Kind       string          `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredAt time.Time       `json:"occurred_at"`
	CategoryID string          `json:"category_id,omitempty"`
	ShopID     string          `json:"shop_id,omitempty"`
	Note       string          `json:"note,omitempty"`
	Voided     bool            `json:"voided,omitempty"`
	ShareLines []ShareLineDTO  `json:"share_lines,omitempty"`
}

// TransactionChangeRequest is a raw change notification from an external
// transaction store.
type TransactionChangeRequest struct {
	TransactionID      string     `json:"transaction_id"`
	Kind               string     `json:"kind"`
	AccountID          string     `json:"account_id"`
	OccurredAt         time.Time  `json:"occurred_at"`
	PreviousAccountID  string     `json:"previous_account_id,omitempty"`
	PreviousOccurredAt *time.Time `json:"previous_occurred_at,omitempty"`
}

// RecomputeDTO reports the outcome of a change or recompute.
type RecomputeDTO struct {
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Queued      bool            `json:"queued"`
	Cycles      []CycleDTO      `json:"cycles"`
}

// =============================================================================
// PROGRESS
// =============================================================================

// CardDTO is the progress card of one account.
type CardDTO struct {
	AccountID         string                   `json:"account_id"`
	Policy            factory.PolicyJSON       `json:"policy"`
	Cycle             CycleSummaryDTO          `json:"cycle"`
	CapRemaining      *decimal.Decimal         `json:"cap_remaining,omitempty"`
	MinSpendRemaining *decimal.Decimal         `json:"min_spend_remaining,omitempty"`
	PeopleBack        decimal.Decimal          `json:"people_back"`
	Transactions      []CashbackTransactionDTO `json:"transactions"`
	History           []CycleSummaryDTO        `json:"history"`
	Stale             bool                     `json:"stale"`
}

// =============================================================================
// SIMULATION & EXPLANATION
// =============================================================================

// SimulateRequest previews the reward of a transaction not yet recorded.
type SimulateRequest struct {
	AccountID  string          `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	CategoryID string          `json:"category_id,omitempty"`
	ShopID     string          `json:"shop_id,omitempty"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
}

// SimulationDTO is a transient projection.
type SimulationDTO struct {
	Rate            decimal.Decimal       `json:"rate"`
	EstimatedReward decimal.Decimal       `json:"estimated_reward"`
	IsCapped        bool                  `json:"is_capped"`
	Metadata        SimulationMetadataDTO `json:"metadata"`
}

// SimulationMetadataDTO explains a simulation.
type SimulationMetadataDTO struct {
	AccountID      string           `json:"account_id"`
	CycleTag       string           `json:"cycle_tag,omitempty"`
	Rule           string           `json:"rule,omitempty"`
	NoPolicy       bool             `json:"no_policy"`
	Excluded       bool             `json:"excluded"`
	BelowThreshold bool             `json:"below_threshold"`
	SpentBefore    decimal.Decimal  `json:"spent_before"`
	ConsumedBefore decimal.Decimal  `json:"consumed_before"`
	CapRemaining   *decimal.Decimal `json:"cap_remaining,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

// ExplanationDTO says which rule set a transaction's reward.
type ExplanationDTO struct {
	TransactionID  string           `json:"transaction_id"`
	AccountID      string           `json:"account_id"`
	CycleID        string           `json:"cycle_id,omitempty"`
	CycleTag       string           `json:"cycle_tag,omitempty"`
	Rule           string           `json:"rule,omitempty"`
	Excluded       bool             `json:"excluded"`
	Rate           decimal.Decimal  `json:"rate"`
	RawReward      decimal.Decimal  `json:"raw_reward"`
	Reward         decimal.Decimal  `json:"reward"`
	SpentBefore    decimal.Decimal  `json:"spent_before"`
	ConsumedBefore decimal.Decimal  `json:"consumed_before"`
	MinSpend       *decimal.Decimal `json:"min_spend,omitempty"`
	MaxCashback    *decimal.Decimal `json:"max_cashback,omitempty"`
	Message        string           `json:"message"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	AccountID   string `json:"account_id"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toWindowDTO(w cashback.CycleWindow) CycleWindowDTO {
	return CycleWindowDTO{
		Tag:   w.Tag,
		Start: w.Period.Start.Format(dateLayout),
		End:   w.Period.End.Format(dateLayout),
	}
}

func toCycleDTO(c cashback.Cycle) CycleDTO {
	return CycleDTO{
		ID:            string(c.ID),
		AccountID:     string(c.AccountID),
		Tag:           c.Tag,
		Start:         c.Start.Format(dateLayout),
		End:           c.End.Format(dateLayout),
		SpentAmount:   c.SpentAmount,
		RealAwarded:   c.RealAwarded,
		PeopleBack:    c.PeopleBack,
		VirtualProfit: c.VirtualProfit,
		MinSpendMet:   c.MinSpendMet,
		Version:       c.Version,
	}
}

func toCycleDTOs(cycles []cashback.Cycle) []CycleDTO {
	dtos := make([]CycleDTO, 0, len(cycles))
	for _, c := range cycles {
		dtos = append(dtos, toCycleDTO(c))
	}
	return dtos
}

func toSummaryDTO(s cashback.CycleSummary) CycleSummaryDTO {
	return CycleSummaryDTO{
		Tag:           s.Tag,
		Start:         s.Start.Format(dateLayout),
		End:           s.End.Format(dateLayout),
		SpentAmount:   s.SpentAmount,
		RealAwarded:   s.RealAwarded,
		VirtualProfit: s.VirtualProfit,
		MinSpendMet:   s.MinSpendMet,
		Persisted:     s.Persisted,
	}
}

func toEntryDTO(e cashback.Entry) *EntryDTO {
	return &EntryDTO{
		CycleID:          string(e.CycleID),
		Position:         e.Position,
		AmountConsidered: e.AmountConsidered,
		RateApplied:      e.RateApplied,
		RawReward:        e.RawReward,
		RewardAmount:     e.RewardAmount,
		PeopleBack:       e.PeopleBack,
		Profit:           e.Profit(),
		Capped:           e.Capped,
		BelowThreshold:   e.BelowThreshold,
		Rule:             string(e.Rule),
	}
}

func toTransactionDTO(tx cashback.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:         string(tx.ID),
		AccountID:  string(tx.AccountID),
		Kind:       string(tx.Kind),
		Amount:     tx.Amount,
		OccurredAt: tx.OccurredAt.UTC().Format(time.RFC3339),
		CategoryID: string(tx.CategoryID),
		ShopID:     string(tx.ShopID),
		Note:       tx.Note,
		Voided:     tx.Voided,
	}
}

func toCashbackTransactionDTOs(txs []cashback.CashbackTransaction) []CashbackTransactionDTO {
	dtos := make([]CashbackTransactionDTO, 0, len(txs))
	for _, ct := range txs {
		dto := CashbackTransactionDTO{Transaction: toTransactionDTO(ct.Transaction)}
		if ct.Entry != nil {
			dto.Entry = toEntryDTO(*ct.Entry)
		}
		for _, line := range ct.ShareLines {
			dto.ShareLines = append(dto.ShareLines, ShareLineDTO{PersonID: string(line.PersonID), Amount: line.Amount})
		}
		dtos = append(dtos, dto)
	}
	return dtos
}

func toCardDTO(card cashback.Card, pf *factory.PolicyFactory) CardDTO {
	dto := CardDTO{
		AccountID:         string(card.AccountID),
		Policy:            pf.ToJSON(card.Policy),
		Cycle:             toSummaryDTO(card.Cycle),
		CapRemaining:      card.CapRemaining,
		MinSpendRemaining: card.MinSpendRemaining,
		PeopleBack:        card.PeopleBack,
		Transactions:      toCashbackTransactionDTOs(card.Transactions),
		History:           make([]CycleSummaryDTO, 0, len(card.History)),
		Stale:             card.Stale,
	}
	for _, s := range card.History {
		dto.History = append(dto.History, toSummaryDTO(s))
	}
	return dto
}

func toSimulationDTO(res cashback.SimulationResult) SimulationDTO {
	m := res.Metadata
	return SimulationDTO{
		Rate:            res.Rate,
		EstimatedReward: res.EstimatedReward,
		IsCapped:        res.IsCapped,
		Metadata: SimulationMetadataDTO{
			AccountID:      string(m.AccountID),
			CycleTag:       m.CycleTag,
			Rule:           string(m.Rule),
			NoPolicy:       m.NoPolicy,
			Excluded:       m.Excluded,
			BelowThreshold: m.BelowThreshold,
			SpentBefore:    m.SpentBefore,
			ConsumedBefore: m.ConsumedBefore,
			CapRemaining:   m.CapRemaining,
			Reason:         m.Reason,
		},
	}
}

func toExplanationDTO(e cashback.Explanation) ExplanationDTO {
	return ExplanationDTO{
		TransactionID:  string(e.TransactionID),
		AccountID:      string(e.AccountID),
		CycleID:        string(e.CycleID),
		CycleTag:       e.CycleTag,
		Rule:           string(e.Rule),
		Excluded:       e.Excluded,
		Rate:           e.Rate,
		RawReward:      e.RawReward,
		Reward:         e.Reward,
		SpentBefore:    e.SpentBefore,
		ConsumedBefore: e.ConsumedBefore,
		MinSpend:       e.MinSpend,
		MaxCashback:    e.MaxCashback,
		Message:        e.Message,
	}
}
