/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the stores with realistic
	data for demos. Each scenario creates one card's policy and the current
	cycle's transactions, then recomputes so the card is materialized.

AVAILABLE SCENARIOS:

	min-spend:   5% with a 1,000,000 minimum spend; only the crossing
	             transaction earns (forward-only threshold)
	cap:         10% with a 100,000 cap; the later transaction is truncated
	shared:      A transaction split 50/50 with a friend; profit is halved
	simulation:  90,000 of a 100,000 cap already consumed; simulate
	             200,000 to see a capped 10,000 preview

HOW SCENARIOS WORK:
 1. Reset stores (clear all data)
 2. Create the policy via factory JSON
 3. Save transactions dated inside the current cycle
 4. Recompute through the ledger

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "cap"}

NOTE:

	Scenarios reset the stores. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase handler
  - factory/policy.go: Policy JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "min-spend",
		Name:        "Minimum Spend",
		Description: "5% above a 1,000,000 minimum spend, capped at 200,000. Only the transaction that crosses the threshold earns.",
		AccountID:   "card-min-spend",
	},
	{
		ID:          "cap",
		Name:        "Cap Truncation",
		Description: "10% capped at 100,000. The second transaction is truncated to what is left of the cap.",
		AccountID:   "card-cap",
	},
	{
		ID:          "shared",
		Name:        "Shared Expense",
		Description: "A 200,000 dinner split with a friend. Half of the 10,000 reward goes back to them.",
		AccountID:   "card-shared",
	},
	{
		ID:          "simulation",
		Name:        "Simulation Headroom",
		Description: "90,000 of a 100,000 cap consumed. Simulate 200,000 to see a capped 10,000 preview.",
		AccountID:   "card-simulation",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "min-spend":
		load = h.loadMinSpendScenario
	case "cap":
		load = h.loadCapScenario
	case "shared":
		load = h.loadSharedScenario
	case "simulation":
		load = h.loadSimulationScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.setCurrentScenario(req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadMinSpendScenario(ctx context.Context) error {
	const account = "card-min-spend"
	if err := h.createPolicyFromJSON(ctx, `{
		"account_id": "card-min-spend",
		"name": "Min Spend Card",
		"rate": "0.05",
		"cycle": {"type": "calendar_month"},
		"min_spend": "1000000",
		"max_cashback": "200000"
	}`); err != nil {
		return err
	}
	return h.addTransactions(ctx, account,
		spend{day: 1, amount: 500_000, category: "groceries", note: "Weekly groceries"},
		spend{day: 2, amount: 700_000, category: "electronics", note: "Headphones"},
	)
}

func (h *Handler) loadCapScenario(ctx context.Context) error {
	const account = "card-cap"
	if err := h.createPolicyFromJSON(ctx, `{
		"account_id": "card-cap",
		"name": "Capped Card",
		"rate": "0.1",
		"cycle": {"type": "calendar_month"},
		"max_cashback": "100000"
	}`); err != nil {
		return err
	}
	return h.addTransactions(ctx, account,
		spend{day: 1, amount: 800_000, category: "travel", note: "Train tickets"},
		spend{day: 2, amount: 500_000, category: "travel", note: "Hotel"},
	)
}

func (h *Handler) loadSharedScenario(ctx context.Context) error {
	const account = "card-shared"
	if err := h.createPolicyFromJSON(ctx, `{
		"account_id": "card-shared",
		"name": "Dining Card",
		"rate": "0.05",
		"cycle": {"type": "calendar_month"},
		"category_rates": {"dining": "0.05"}
	}`); err != nil {
		return err
	}
	return h.addTransactions(ctx, account,
		spend{day: 1, amount: 200_000, category: "dining", note: "Dinner with Sam", sharedWith: "sam", shared: 100_000},
	)
}

func (h *Handler) loadSimulationScenario(ctx context.Context) error {
	const account = "card-simulation"
	if err := h.createPolicyFromJSON(ctx, `{
		"account_id": "card-simulation",
		"name": "Preview Card",
		"rate": "0.1",
		"cycle": {"type": "calendar_month"},
		"max_cashback": "100000"
	}`); err != nil {
		return err
	}
	return h.addTransactions(ctx, account,
		spend{day: 1, amount: 900_000, category: "furniture", note: "Sofa"},
	)
}

// =============================================================================
// HELPERS
// =============================================================================

// spend is one scenario transaction, dated on a day of the current cycle.
type spend struct {
	day        int
	amount     int64
	category   string
	note       string
	sharedWith string
	shared     int64
}

func (h *Handler) createPolicyFromJSON(ctx context.Context, jsonStr string) error {
	policy, err := h.PolicyFactory.ParsePolicy(jsonStr)
	if err != nil {
		return err
	}
	return h.Store.SavePolicy(ctx, *policy)
}

// addTransactions saves the spends inside the current cycle and recomputes
// it. It bypasses the dispatcher so the cycle is materialized even when
// recomputes are queued.
func (h *Handler) addTransactions(ctx context.Context, account cashback.AccountID, spends ...spend) error {
	policy, err := h.Store.GetPolicy(ctx, account)
	if err != nil {
		return err
	}
	window, err := cashback.ResolveCycle(*policy, h.now(), 0)
	if err != nil {
		return err
	}

	for i, s := range spends {
		at := window.Period.Start.AddDate(0, 0, s.day-1).Add(time.Duration(10+i) * time.Hour)
		tx := cashback.Transaction{
			ID:         cashback.TransactionID(uuid.NewString()),
			AccountID:  account,
			Kind:       cashback.KindExpense,
			Amount:     decimal.NewFromInt(s.amount),
			OccurredAt: at,
			CreatedAt:  at,
			CategoryID: cashback.CategoryID(s.category),
			Note:       s.note,
		}
		if _, err := h.Store.SaveTransaction(ctx, tx); err != nil {
			return err
		}
		if s.sharedWith != "" {
			if err := h.Store.SaveShareLines(ctx, tx.ID, []cashback.ShareLine{{
				TransactionID: tx.ID,
				PersonID:      cashback.PersonID(s.sharedWith),
				Amount:        decimal.NewFromInt(s.shared),
			}}); err != nil {
				return err
			}
		}
	}

	_, err = h.Ledger.Recompute(ctx, account, window.Tag)
	return err
}
