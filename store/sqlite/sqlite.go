/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every store the cashback engine reads or owns using SQLite.
  In production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  cashback.TransactionStore: Window fetch of transactions
  cashback.PolicyStore:      Per-account policy documents
  cashback.ShareLineSource:  Split attribution
  cashback.TxCycleStore:     Cycles and entries, atomic replace

REPLACE SEMANTICS:
  A cycle's entries are derived data. ReplaceCycle upserts the cycle row,
  deletes the old entry set and inserts the new one. Callers run it inside
  WithTx so a failure leaves the previous set in place.

KEY TABLES:
  transactions:     External spend records (the app's transaction store)
  share_lines:      External split attribution
  policies:         Cashback policy JSON per account (see factory/)
  cashback_cycles:  Ledger header, one row per (account, tag)
  cashback_entries: Per-transaction contribution, keyed (cycle, transaction)

INDEXES:
  - idx_transactions_account_occurred: Window fetch (hot path)
  - idx_cashback_cycles_account_start: Account cycle listing, newest first
  - idx_cashback_entries_transaction:  Explanation lookup

MONEY AND TIME:
  Decimals are stored as TEXT (exact). Times are stored as fixed-width UTC
  text so lexicographic order is chronological order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

MIGRATION:
  Schema is managed by golang-migrate from the embedded migrations/*.sql
  and applied on New().

USAGE:
  store, err := sqlite.New("./data/cashback.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := cashback.NewCycleLedger(store, store, store, store, logger)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
	"github.com/duynguyen2626/money-flow-sub010/factory"
	"github.com/duynguyen2626/money-flow-sub010/generic"
)

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	policies *factory.PolicyFactory
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for a private in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		// Named shared-cache database so the migration connection sees it
		dsn = fmt.Sprintf("file:cashback-%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Keeps an in-memory database alive while migrations run
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, policies: factory.NewPolicyFactory()}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// TRANSACTION STORE (cashback.TransactionStore interface)
// =============================================================================

const transactionColumns = `id, account_id, kind, amount, occurred_at, created_at, category_id, shop_id, note, voided`

// SaveTransaction upserts a transaction and returns the version it replaced,
// if any.
func (s *Store) SaveTransaction(ctx context.Context, tx cashback.Transaction) (*cashback.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	prev, err := getTransaction(ctx, sqlTx, tx.ID)
	if err != nil && !errors.Is(err, cashback.ErrTransactionNotFound) {
		return nil, err
	}

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	kind := tx.Kind
	if kind == "" {
		kind = cashback.KindExpense
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			kind = excluded.kind,
			amount = excluded.amount,
			occurred_at = excluded.occurred_at,
			category_id = excluded.category_id,
			shop_id = excluded.shop_id,
			note = excluded.note,
			voided = excluded.voided
	`,
		tx.ID, tx.AccountID, kind, tx.Amount.String(),
		formatTime(tx.OccurredAt), formatTime(createdAt),
		tx.CategoryID, tx.ShopID, tx.Note, tx.Voided,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save transaction: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

// ListTransactions returns the account's transactions in [Start, End).
func (s *Store) ListTransactions(ctx context.Context, accountID cashback.AccountID, period generic.Period) ([]cashback.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at ASC, created_at ASC, id ASC
	`
	return queryTransactions(ctx, s.db, query, accountID, formatTime(period.Start), formatTime(period.End))
}

// GetTransaction returns a specific transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id cashback.TransactionID) (*cashback.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q querier, id cashback.TransactionID) (*cashback.Transaction, error) {
	txs, err := queryTransactions(ctx, q, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, cashback.ErrTransactionNotFound
	}
	return &txs[0], nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]cashback.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []cashback.Transaction
	for rows.Next() {
		var (
			tx                    cashback.Transaction
			amount                string
			occurredAt, createdAt string
		)
		err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Kind, &amount, &occurredAt, &createdAt,
			&tx.CategoryID, &tx.ShopID, &tx.Note, &tx.Voided)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", tx.ID, err)
		}
		if err := parseTimes(
			timeField{occurredAt, &tx.OccurredAt},
			timeField{createdAt, &tx.CreatedAt},
		); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// =============================================================================
// SHARE LINES (cashback.ShareLineSource interface)
// =============================================================================

// SaveShareLines replaces the share lines of a transaction.
func (s *Store) SaveShareLines(ctx context.Context, id cashback.TransactionID, lines []cashback.ShareLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM share_lines WHERE transaction_id = ?", id); err != nil {
		return err
	}
	for _, l := range lines {
		_, err := sqlTx.ExecContext(ctx,
			"INSERT INTO share_lines (transaction_id, person_id, amount) VALUES (?, ?, ?)",
			id, l.PersonID, l.Amount.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to save share line: %w", err)
		}
	}
	return sqlTx.Commit()
}

// ShareLines returns the share lines of the given transactions.
func (s *Store) ShareLines(ctx context.Context, ids []cashback.TransactionID) (map[cashback.TransactionID][]cashback.ShareLine, error) {
	result := make(map[cashback.TransactionID][]cashback.ShareLine)
	if len(ids) == 0 {
		return result, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `
		SELECT transaction_id, person_id, amount
		FROM share_lines
		WHERE transaction_id IN (` + placeholders(len(ids)) + `)
		ORDER BY transaction_id, person_id
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query share lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l      cashback.ShareLine
			amount string
		)
		if err := rows.Scan(&l.TransactionID, &l.PersonID, &amount); err != nil {
			return nil, err
		}
		if l.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		result[l.TransactionID] = append(result[l.TransactionID], l)
	}
	return result, rows.Err()
}

// =============================================================================
// POLICY STORE (cashback.PolicyStore interface)
// =============================================================================

// SavePolicy validates and upserts an account's policy.
func (s *Store) SavePolicy(ctx context.Context, policy cashback.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	doc, err := s.policies.MarshalPolicy(policy)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO policies (account_id, name, config_json, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			name = excluded.name,
			config_json = excluded.config_json,
			version = policies.version + 1,
			updated_at = excluded.updated_at
	`
	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx, query, policy.AccountID, policy.Name, doc, now, now)
	return err
}

// GetPolicy retrieves an account's policy.
func (s *Store) GetPolicy(ctx context.Context, accountID cashback.AccountID) (*cashback.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRowContext(ctx,
		"SELECT config_json FROM policies WHERE account_id = ?", accountID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cashback.ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.policies.ParsePolicy(doc)
}

// ListPolicies returns all policies ordered by account.
func (s *Store) ListPolicies(ctx context.Context) ([]cashback.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT config_json FROM policies ORDER BY account_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []cashback.Policy
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		p, err := s.policies.ParsePolicy(doc)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

// DeletePolicy removes an account's policy.
func (s *Store) DeletePolicy(ctx context.Context, accountID cashback.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM policies WHERE account_id = ?", accountID)
	return err
}

// =============================================================================
// CYCLE STORE (cashback.CycleStore interface)
// =============================================================================

const cycleColumns = `id, account_id, tag, start_at, end_at, spent_amount, real_awarded, people_back, virtual_profit, min_spend_met, version`

const entryColumns = `cycle_id, transaction_id, position, occurred_at, amount_considered, rate_applied, raw_reward,
	reward_amount, people_back, capped, below_threshold, rule, spent_before, consumed_before`

func (s *Store) GetCycle(ctx context.Context, id cashback.CycleID) (*cashback.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCycle(ctx, s.db, id)
}

func (s *Store) ListCycles(ctx context.Context, accountID cashback.AccountID) ([]cashback.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCycles(ctx, s.db, accountID)
}

func (s *Store) Entries(ctx context.Context, id cashback.CycleID) ([]cashback.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM cashback_entries WHERE cycle_id = ? ORDER BY position`, id)
}

func (s *Store) EntriesByTransaction(ctx context.Context, id cashback.TransactionID) ([]cashback.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM cashback_entries WHERE transaction_id = ? ORDER BY cycle_id`, id)
}

// ReplaceCycle upserts the cycle and replaces its entries atomically.
func (s *Store) ReplaceCycle(ctx context.Context, cycle cashback.Cycle, entries []cashback.Entry) error {
	return s.WithTx(ctx, func(cs cashback.CycleStore) error {
		return cs.ReplaceCycle(ctx, cycle, entries)
	})
}

func getCycle(ctx context.Context, q querier, id cashback.CycleID) (*cashback.Cycle, error) {
	cycles, err := queryCycles(ctx, q, `SELECT `+cycleColumns+` FROM cashback_cycles WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(cycles) == 0 {
		return nil, cashback.ErrCycleNotFound
	}
	return &cycles[0], nil
}

func listCycles(ctx context.Context, q querier, accountID cashback.AccountID) ([]cashback.Cycle, error) {
	return queryCycles(ctx, q, `SELECT `+cycleColumns+` FROM cashback_cycles WHERE account_id = ? ORDER BY start_at DESC`, accountID)
}

func queryCycles(ctx context.Context, q querier, query string, args ...any) ([]cashback.Cycle, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []cashback.Cycle
	for rows.Next() {
		var (
			c                                       cashback.Cycle
			start, end                              string
			spent, awarded, peopleBack, profitValue string
		)
		err := rows.Scan(&c.ID, &c.AccountID, &c.Tag, &start, &end,
			&spent, &awarded, &peopleBack, &profitValue, &c.MinSpendMet, &c.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		if err := parseTimes(timeField{start, &c.Start}, timeField{end, &c.End}); err != nil {
			return nil, fmt.Errorf("cycle %s: %w", c.ID, err)
		}
		if err := parseDecimals(
			decimalField{spent, &c.SpentAmount},
			decimalField{awarded, &c.RealAwarded},
			decimalField{peopleBack, &c.PeopleBack},
			decimalField{profitValue, &c.VirtualProfit},
		); err != nil {
			return nil, fmt.Errorf("cycle %s: %w", c.ID, err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]cashback.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []cashback.Entry
	for rows.Next() {
		var (
			e                                  cashback.Entry
			occurredAt                         string
			considered, rate, raw, reward, ppl string
			spentBefore, consumedBefore        string
		)
		err := rows.Scan(&e.CycleID, &e.TransactionID, &e.Position, &occurredAt,
			&considered, &rate, &raw, &reward, &ppl,
			&e.Capped, &e.BelowThreshold, &e.Rule, &spentBefore, &consumedBefore)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if err := parseTimes(timeField{occurredAt, &e.OccurredAt}); err != nil {
			return nil, fmt.Errorf("entry %s/%s: %w", e.CycleID, e.TransactionID, err)
		}
		if err := parseDecimals(
			decimalField{considered, &e.AmountConsidered},
			decimalField{rate, &e.RateApplied},
			decimalField{raw, &e.RawReward},
			decimalField{reward, &e.RewardAmount},
			decimalField{ppl, &e.PeopleBack},
			decimalField{spentBefore, &e.SpentBefore},
			decimalField{consumedBefore, &e.ConsumedBefore},
		); err != nil {
			return nil, fmt.Errorf("entry %s/%s: %w", e.CycleID, e.TransactionID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func replaceCycle(ctx context.Context, q querier, c cashback.Cycle, entries []cashback.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cashback_cycles (`+cycleColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			spent_amount = excluded.spent_amount,
			real_awarded = excluded.real_awarded,
			people_back = excluded.people_back,
			virtual_profit = excluded.virtual_profit,
			min_spend_met = excluded.min_spend_met,
			version = excluded.version,
			updated_at = excluded.updated_at
	`,
		c.ID, c.AccountID, c.Tag, formatTime(c.Start), formatTime(c.End),
		c.SpentAmount.String(), c.RealAwarded.String(), c.PeopleBack.String(), c.VirtualProfit.String(),
		c.MinSpendMet, c.Version, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save cycle: %w", err)
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM cashback_entries WHERE cycle_id = ?", c.ID); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}
	for _, e := range entries {
		_, err := q.ExecContext(ctx, `
			INSERT INTO cashback_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			c.ID, e.TransactionID, e.Position, formatTime(e.OccurredAt),
			e.AmountConsidered.String(), e.RateApplied.String(), e.RawReward.String(),
			e.RewardAmount.String(), e.PeopleBack.String(),
			e.Capped, e.BelowThreshold, e.Rule,
			e.SpentBefore.String(), e.ConsumedBefore.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to save entry %s: %w", e.TransactionID, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (cashback.TxCycleStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(cashback.CycleStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetCycle(ctx context.Context, id cashback.CycleID) (*cashback.Cycle, error) {
	return getCycle(ctx, ts.tx, id)
}

func (ts *txStore) ListCycles(ctx context.Context, accountID cashback.AccountID) ([]cashback.Cycle, error) {
	return listCycles(ctx, ts.tx, accountID)
}

func (ts *txStore) Entries(ctx context.Context, id cashback.CycleID) ([]cashback.Entry, error) {
	return queryEntries(ctx, ts.tx, `SELECT `+entryColumns+` FROM cashback_entries WHERE cycle_id = ? ORDER BY position`, id)
}

func (ts *txStore) EntriesByTransaction(ctx context.Context, id cashback.TransactionID) ([]cashback.Entry, error) {
	return queryEntries(ctx, ts.tx, `SELECT `+entryColumns+` FROM cashback_entries WHERE transaction_id = ? ORDER BY cycle_id`, id)
}

func (ts *txStore) ReplaceCycle(ctx context.Context, c cashback.Cycle, entries []cashback.Entry) error {
	return replaceCycle(ctx, ts.tx, c, entries)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"cashback_entries", "cashback_cycles", "share_lines", "transactions", "policies"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type timeField struct {
	text string
	dst  *time.Time
}

func parseTimes(fields ...timeField) error {
	for _, f := range fields {
		t, err := time.Parse(timeLayout, f.text)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", f.text, err)
		}
		*f.dst = t
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type decimalField struct {
	text string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.text)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}
