/*
handlers.go - HTTP API handlers for the cashback engine

PURPOSE:
  Exposes the cashback engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the cycle ledger, the simulator and
  the change dispatcher.

ENDPOINTS:
  Policies:
    GET    /api/policies                          List policies
    GET    /api/policies/{accountID}              Get one policy
    PUT    /api/policies/{accountID}              Create/replace, recompute cycles
    DELETE /api/policies/{accountID}              Remove policy

  Progress (read-only, never recompute):
    GET    /api/progress?month_offset=&account_id=a,b   Cards
    GET    /api/accounts/{accountID}/progress           One card
    GET    /api/accounts/{accountID}/cycles             Persisted cycles
    GET    /api/accounts/{accountID}/cycles/resolve     Window for a date
    GET    /api/accounts/{accountID}/transactions?month=&year=
    GET    /api/cycles/{cycleID}/transactions           Entries of a cycle

  Recompute (write path):
    POST   /api/accounts/{accountID}/recompute    One tag or every cycle
    POST   /api/transactions                      Upsert + recompute
    POST   /api/transactions/{id}/void            Void + recompute
    POST   /api/events/transaction-changed        Raw change notification

  Preview:
    POST   /api/simulate                          What would this earn
    GET    /api/transactions/{id}/explanation     Which rule applied

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input, bad policy, bad cycle tag
  - 404: Unknown account, cycle or transaction
  - 409: Ledger failed to reconcile; prior state kept
  - 422: Non-positive simulation amount
  - 503: Transaction store unavailable; retry may succeed
  - 500: Internal errors

SECURITY NOTE:
  No authentication. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
	"github.com/duynguyen2626/money-flow-sub010/events"
	"github.com/duynguyen2626/money-flow-sub010/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API reads and writes. Both store/sqlite and
// store/memory implement it.
type Store interface {
	cashback.TransactionStore
	cashback.PolicyStore
	cashback.ShareLineSource
	cashback.TxCycleStore

	// SaveTransaction upserts tx and returns the row it replaced. The
	// replaced row's CreatedAt survives the upsert.
	SaveTransaction(ctx context.Context, tx cashback.Transaction) (*cashback.Transaction, error)
	SaveShareLines(ctx context.Context, id cashback.TransactionID, lines []cashback.ShareLine) error
	SavePolicy(ctx context.Context, policy cashback.Policy) error
	DeletePolicy(ctx context.Context, accountID cashback.AccountID) error
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         Store
	Ledger        *cashback.CycleLedger
	Simulator     *cashback.Simulator
	Dispatcher    events.Dispatcher
	PolicyFactory *factory.PolicyFactory
	Log           logrus.FieldLogger

	mu              sync.RWMutex
	currentScenario string
}

// NewHandler wires a handler over one store. A nil dispatcher recomputes
// synchronously.
func NewHandler(store Store, ledger *cashback.CycleLedger, dispatcher events.Dispatcher, log logrus.FieldLogger) *Handler {
	if dispatcher == nil {
		dispatcher = events.NewSyncDispatcher(ledger, log)
	}
	simulator := cashback.NewSimulator(store, store, log)
	simulator.Now = ledger.Now
	return &Handler{
		Store:         store,
		Ledger:        ledger,
		Simulator:     simulator,
		Dispatcher:    dispatcher,
		PolicyFactory: factory.NewPolicyFactory(),
		Log:           log,
	}
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// ListPolicies returns every configured policy.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Store.ListPolicies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list policies", err)
		return
	}

	dtos := make([]factory.PolicyJSON, 0, len(policies))
	for _, p := range policies {
		dtos = append(dtos, h.PolicyFactory.ToJSON(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPolicy returns one account's policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.Store.GetPolicy(r.Context(), accountParam(r))
	if err != nil {
		writeDomainError(w, "Failed to get policy", err)
		return
	}
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(*policy))
}

// PutPolicy creates or replaces a policy and recomputes the account's
// persisted cycles under it.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	accountID := accountParam(r)

	var req factory.PolicyJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID != "" && req.AccountID != string(accountID) {
		writeError(w, http.StatusBadRequest, "account_id does not match URL", nil)
		return
	}
	req.AccountID = string(accountID)

	policy, err := h.PolicyFactory.FromJSON(req)
	if err != nil {
		writeDomainError(w, "Invalid policy", err)
		return
	}
	if err := h.Store.SavePolicy(r.Context(), *policy); err != nil {
		writeDomainError(w, "Failed to save policy", err)
		return
	}

	cycles, err := h.Ledger.RecomputeAccount(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, "Policy saved but recompute failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policy": h.PolicyFactory.ToJSON(*policy),
		"cycles": toCycleDTOs(cycles),
	})
}

// DeletePolicy removes a policy. Persisted cycles stay readable by ID.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeletePolicy(r.Context(), accountParam(r)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete policy", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// =============================================================================
// PROGRESS HANDLERS
// =============================================================================

// GetProgress returns cards for every account, or for ?account_id=a,b.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	offset, err := intQuery(r, "month_offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month_offset", err)
		return
	}

	var accounts []cashback.AccountID
	if raw := r.URL.Query().Get("account_id"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				accounts = append(accounts, cashback.AccountID(id))
			}
		}
	}

	cards, err := h.Ledger.GetProgress(r.Context(), offset, accounts)
	if err != nil {
		writeDomainError(w, "Failed to get progress", err)
		return
	}

	dtos := make([]CardDTO, 0, len(cards))
	for _, c := range cards {
		dtos = append(dtos, toCardDTO(c, h.PolicyFactory))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccountProgress returns one account's card.
func (h *Handler) GetAccountProgress(w http.ResponseWriter, r *http.Request) {
	offset, err := intQuery(r, "month_offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month_offset", err)
		return
	}

	card, err := h.Ledger.ListProgress(r.Context(), accountParam(r), offset)
	if err != nil {
		writeDomainError(w, "Failed to get progress", err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(*card, h.PolicyFactory))
}

// GetAccountCycles lists an account's persisted cycles, newest first.
func (h *Handler) GetAccountCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.Ledger.GetAccountCycles(r.Context(), accountParam(r))
	if err != nil {
		writeDomainError(w, "Failed to list cycles", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTOs(cycles))
}

// ResolveCycle returns the window containing ?date= (default today),
// shifted by ?offset= cycles.
func (h *Handler) ResolveCycle(w http.ResponseWriter, r *http.Request) {
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}
	ref := h.now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		if ref, err = time.Parse(dateLayout, raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
	}

	policy, err := h.Store.GetPolicy(r.Context(), accountParam(r))
	if err != nil {
		writeDomainError(w, "Failed to get policy", err)
		return
	}
	window, err := cashback.ResolveCycle(*policy, ref, offset)
	if err != nil {
		writeDomainError(w, "Failed to resolve cycle", err)
		return
	}

	dto := toWindowDTO(window)
	writeJSON(w, http.StatusOK, map[string]any{
		"window":   dto,
		"cycle_id": cashback.CycleIDFor(policy.AccountID, window.Tag),
	})
}

// GetMonthlyTransactions lists the transactions of the cycle associated
// with ?month=&year= (defaults: current month).
func (h *Handler) GetMonthlyTransactions(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	month, err := intQuery(r, "month", int(now.Month()))
	if err != nil || month < 1 || month > 12 {
		writeError(w, http.StatusBadRequest, "Invalid month (use 1-12)", err)
		return
	}
	year, err := intQuery(r, "year", now.Year())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}

	txs, err := h.Ledger.GetMonthlyTransactions(r.Context(), accountParam(r), time.Month(month), year)
	if err != nil {
		writeDomainError(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toCashbackTransactionDTOs(txs))
}

// GetCycleTransactions lists a persisted cycle's transactions in
// consumption order.
func (h *Handler) GetCycleTransactions(w http.ResponseWriter, r *http.Request) {
	id := cashback.CycleID(chi.URLParam(r, "cycleID"))

	txs, err := h.Ledger.GetTransactionsForCycle(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get cycle transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toCashbackTransactionDTOs(txs))
}

// =============================================================================
// RECOMPUTE HANDLERS
// =============================================================================

// Recompute rebuilds one cycle ({"tag": "2025-03"}) or, without a tag,
// every persisted cycle of the account.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	accountID := accountParam(r)
	var cycles []cashback.Cycle
	if req.Tag != "" {
		cycle, err := h.Ledger.Recompute(r.Context(), accountID, req.Tag)
		if err != nil {
			writeDomainError(w, "Recompute failed", err)
			return
		}
		cycles = []cashback.Cycle{*cycle}
	} else {
		var err error
		if cycles, err = h.Ledger.RecomputeAccount(r.Context(), accountID); err != nil {
			writeDomainError(w, "Recompute failed", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, RecomputeDTO{Cycles: toCycleDTOs(cycles)})
}

// SaveTransaction upserts a transaction into the transaction store and
// dispatches the matching change so the affected cycles are recomputed.
func (h *Handler) SaveTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.AccountID == "" || req.OccurredAt.IsZero() {
		writeError(w, http.StatusBadRequest, "id, account_id and occurred_at are required", nil)
		return
	}
	if req.Kind == "" {
		req.Kind = string(cashback.KindExpense)
	}

	tx := cashback.Transaction{
		ID:         cashback.TransactionID(req.ID),
		AccountID:  cashback.AccountID(req.AccountID),
		Kind:       cashback.TransactionKind(req.Kind),
		Amount:     req.Amount,
		OccurredAt: req.OccurredAt.UTC(),
		CreatedAt:  h.now(),
		CategoryID: cashback.CategoryID(req.CategoryID),
		ShopID:     cashback.ShopID(req.ShopID),
		Note:       req.Note,
		Voided:     req.Voided,
	}

	var lines []cashback.ShareLine
	if req.ShareLines != nil {
		lines = make([]cashback.ShareLine, 0, len(req.ShareLines))
		for _, l := range req.ShareLines {
			lines = append(lines, cashback.ShareLine{TransactionID: tx.ID, PersonID: cashback.PersonID(l.PersonID), Amount: l.Amount})
		}
	}

	h.saveAndDispatch(r.Context(), w, tx, lines, req.ShareLines != nil)
}

// VoidTransaction marks a transaction voided and recomputes its cycle.
func (h *Handler) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	id := cashback.TransactionID(chi.URLParam(r, "id"))

	tx, err := h.Store.GetTransaction(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get transaction", err)
		return
	}
	if tx.Voided {
		writeError(w, http.StatusConflict, "Transaction already voided", nil)
		return
	}
	tx.Voided = true

	h.saveAndDispatch(r.Context(), w, *tx, nil, false)
}

func (h *Handler) saveAndDispatch(ctx context.Context, w http.ResponseWriter, tx cashback.Transaction, lines []cashback.ShareLine, replaceLines bool) {
	prev, err := h.Store.SaveTransaction(ctx, tx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save transaction", err)
		return
	}
	if prev != nil {
		// The store keeps the original creation order for tie-breaks.
		tx.CreatedAt = prev.CreatedAt
	}
	if replaceLines {
		if err := h.Store.SaveShareLines(ctx, tx.ID, lines); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save share lines", err)
			return
		}
	}

	res, err := h.Dispatcher.Dispatch(ctx, changeFor(tx, prev))
	if err != nil {
		writeDomainError(w, "Transaction saved but recompute failed", err)
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	dto := toTransactionDTO(tx)
	writeJSON(w, status, RecomputeDTO{Transaction: &dto, Queued: res.Queued, Cycles: toCycleDTOs(res.Cycles)})
}

// changeFor derives the notification for an upsert.
func changeFor(tx cashback.Transaction, prev *cashback.Transaction) cashback.TransactionChange {
	change := cashback.TransactionChange{
		TransactionID: tx.ID,
		Kind:          cashback.ChangeCreated,
		AccountID:     tx.AccountID,
		OccurredAt:    tx.OccurredAt,
	}
	if prev == nil {
		return change
	}

	change.Kind = cashback.ChangeEdited
	switch {
	case tx.Voided && !prev.Voided:
		change.Kind = cashback.ChangeVoided
	case prev.AccountID != tx.AccountID:
		change.Kind = cashback.ChangeReassigned
	}
	if prev.AccountID != tx.AccountID {
		change.PreviousAccountID = prev.AccountID
	}
	if !prev.OccurredAt.Equal(tx.OccurredAt) {
		at := prev.OccurredAt
		change.PreviousOccurredAt = &at
	}
	return change
}

// TransactionChanged accepts a change notification from an external
// transaction store.
func (h *Handler) TransactionChanged(w http.ResponseWriter, r *http.Request) {
	var req TransactionChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Dispatcher.Dispatch(r.Context(), cashback.TransactionChange{
		TransactionID:      cashback.TransactionID(req.TransactionID),
		Kind:               cashback.ChangeKind(req.Kind),
		AccountID:          cashback.AccountID(req.AccountID),
		OccurredAt:         req.OccurredAt.UTC(),
		PreviousAccountID:  cashback.AccountID(req.PreviousAccountID),
		PreviousOccurredAt: req.PreviousOccurredAt,
	})
	if err != nil {
		writeDomainError(w, "Recompute failed", err)
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, RecomputeDTO{Queued: res.Queued, Cycles: toCycleDTOs(res.Cycles)})
}

// =============================================================================
// PREVIEW HANDLERS
// =============================================================================

// Simulate previews the reward of a transaction that is not recorded yet.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}

	res, err := h.Simulator.Simulate(r.Context(), cashback.SimulationInput{
		AccountID:  cashback.AccountID(req.AccountID),
		Amount:     req.Amount,
		CategoryID: cashback.CategoryID(req.CategoryID),
		ShopID:     cashback.ShopID(req.ShopID),
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		writeDomainError(w, "Simulation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSimulationDTO(res))
}

// GetExplanation says which rule determined a transaction's reward.
func (h *Handler) GetExplanation(w http.ResponseWriter, r *http.Request) {
	id := cashback.TransactionID(chi.URLParam(r, "id"))

	exp, err := h.Ledger.GetPolicyExplanation(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to explain transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toExplanationDTO(*exp))
}

// ResetDatabase drops every record.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) now() time.Time {
	if h.Ledger.Now != nil {
		return h.Ledger.Now().UTC()
	}
	return time.Now().UTC()
}

func accountParam(r *http.Request) cashback.AccountID {
	return cashback.AccountID(chi.URLParam(r, "accountID"))
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cashback.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case cashback.IsNotFound(err):
		// A missing policy also surfaces as a configuration error
		return http.StatusNotFound
	case errors.Is(err, events.ErrInvalidChange), cashback.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, cashback.ErrInconsistentLedger):
		return http.StatusConflict
	case cashback.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) setCurrentScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

func (h *Handler) scenario() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentScenario
}
