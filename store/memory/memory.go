// Package memory provides an in-memory backend for every store the cashback
// engine reads or owns. It backs tests and the "memory" data backend.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
	"github.com/duynguyen2626/money-flow-sub010/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	transactions map[cashback.TransactionID]cashback.Transaction
	shares       map[cashback.TransactionID][]cashback.ShareLine
	policies     map[cashback.AccountID]cashback.Policy
	cycles       map[cashback.CycleID]cashback.Cycle
	entries      map[cashback.CycleID][]cashback.Entry
}

func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.transactions = make(map[cashback.TransactionID]cashback.Transaction)
	m.shares = make(map[cashback.TransactionID][]cashback.ShareLine)
	m.policies = make(map[cashback.AccountID]cashback.Policy)
	m.cycles = make(map[cashback.CycleID]cashback.Cycle)
	m.entries = make(map[cashback.CycleID][]cashback.Entry)
}

// Reset drops everything.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

// =============================================================================
// EXTERNAL DATA - Transactions, share lines, policies
// =============================================================================

// SaveTransaction upserts a transaction and returns the version it replaced,
// if any. An existing transaction keeps its original CreatedAt.
func (m *Memory) SaveTransaction(_ context.Context, tx cashback.Transaction) (*cashback.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *cashback.Transaction
	if old, ok := m.transactions[tx.ID]; ok {
		prev = &old
		tx.CreatedAt = old.CreatedAt
	}
	m.transactions[tx.ID] = tx
	return prev, nil
}

func (m *Memory) ListTransactions(_ context.Context, accountID cashback.AccountID, period generic.Period) ([]cashback.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []cashback.Transaction
	for _, tx := range m.transactions {
		if tx.AccountID == accountID && period.Contains(tx.OccurredAt) {
			result = append(result, tx)
		}
	}
	cashback.SortTransactions(result)
	return result, nil
}

func (m *Memory) GetTransaction(_ context.Context, id cashback.TransactionID) (*cashback.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, cashback.ErrTransactionNotFound
	}
	return &tx, nil
}

// SaveShareLines replaces the share lines of a transaction.
func (m *Memory) SaveShareLines(_ context.Context, id cashback.TransactionID, lines []cashback.ShareLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(lines) == 0 {
		delete(m.shares, id)
		return nil
	}
	m.shares[id] = slices.Clone(lines)
	return nil
}

func (m *Memory) ShareLines(_ context.Context, ids []cashback.TransactionID) (map[cashback.TransactionID][]cashback.ShareLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[cashback.TransactionID][]cashback.ShareLine)
	for _, id := range ids {
		if lines, ok := m.shares[id]; ok {
			result[id] = slices.Clone(lines)
		}
	}
	return result, nil
}

// SavePolicy upserts an account's policy. The policy must validate.
func (m *Memory) SavePolicy(_ context.Context, p cashback.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.AccountID] = clonePolicy(p)
	return nil
}

func (m *Memory) GetPolicy(_ context.Context, accountID cashback.AccountID) (*cashback.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[accountID]
	if !ok {
		return nil, cashback.ErrPolicyNotFound
	}
	p = clonePolicy(p)
	return &p, nil
}

func (m *Memory) ListPolicies(_ context.Context) ([]cashback.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]cashback.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		result = append(result, clonePolicy(p))
	}
	slices.SortFunc(result, func(a, b cashback.Policy) int { return cmp.Compare(a.AccountID, b.AccountID) })
	return result, nil
}

// DeletePolicy removes an account's policy. Persisted cycles are kept.
func (m *Memory) DeletePolicy(_ context.Context, accountID cashback.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, accountID)
	return nil
}

func clonePolicy(p cashback.Policy) cashback.Policy {
	p.CategoryRates = maps.Clone(p.CategoryRates)
	p.Filters.CategoryIDs = slices.Clone(p.Filters.CategoryIDs)
	p.Filters.ShopIDs = slices.Clone(p.Filters.ShopIDs)
	return p
}

// =============================================================================
// LEDGER - Cycles and entries
// =============================================================================

func (m *Memory) GetCycle(_ context.Context, id cashback.CycleID) (*cashback.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCycleLocked(id)
}

func (m *Memory) getCycleLocked(id cashback.CycleID) (*cashback.Cycle, error) {
	c, ok := m.cycles[id]
	if !ok {
		return nil, cashback.ErrCycleNotFound
	}
	return &c, nil
}

func (m *Memory) ListCycles(_ context.Context, accountID cashback.AccountID) ([]cashback.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCyclesLocked(accountID), nil
}

func (m *Memory) listCyclesLocked(accountID cashback.AccountID) []cashback.Cycle {
	var result []cashback.Cycle
	for _, c := range m.cycles {
		if c.AccountID == accountID {
			result = append(result, c)
		}
	}
	slices.SortFunc(result, func(a, b cashback.Cycle) int { return b.Start.Compare(a.Start) })
	return result
}

func (m *Memory) Entries(_ context.Context, id cashback.CycleID) ([]cashback.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.entries[id]), nil
}

func (m *Memory) EntriesByTransaction(_ context.Context, id cashback.TransactionID) ([]cashback.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesByTransactionLocked(id), nil
}

func (m *Memory) entriesByTransactionLocked(id cashback.TransactionID) []cashback.Entry {
	var result []cashback.Entry
	for _, entries := range m.entries {
		for _, e := range entries {
			if e.TransactionID == id {
				result = append(result, e)
			}
		}
	}
	slices.SortFunc(result, func(a, b cashback.Entry) int { return cmp.Compare(a.CycleID, b.CycleID) })
	return result
}

func (m *Memory) ReplaceCycle(_ context.Context, cycle cashback.Cycle, entries []cashback.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceCycleLocked(cycle, entries)
	return nil
}

func (m *Memory) replaceCycleLocked(cycle cashback.Cycle, entries []cashback.Entry) {
	m.cycles[cycle.ID] = cycle
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b cashback.Entry) int { return cmp.Compare(a.Position, b.Position) })
	m.entries[cycle.ID] = sorted
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Ledger writes made by fn are held under the store lock until it returns.
func (tm *TxMemory) WithTx(_ context.Context, fn func(cashback.CycleStore) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	cycles  map[cashback.CycleID]cashback.Cycle
	entries map[cashback.CycleID][]cashback.Entry
}

func (tm *TxMemory) snapshot() memorySnapshot {
	entries := make(map[cashback.CycleID][]cashback.Entry, len(tm.entries))
	for k, v := range tm.entries {
		entries[k] = slices.Clone(v)
	}
	return memorySnapshot{cycles: maps.Clone(tm.cycles), entries: entries}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.cycles = s.cycles
	tm.entries = s.entries
}

// txMemoryView is the CycleStore handed to WithTx callbacks. The parent
// lock is already held.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetCycle(_ context.Context, id cashback.CycleID) (*cashback.Cycle, error) {
	return tv.parent.getCycleLocked(id)
}

func (tv *txMemoryView) ListCycles(_ context.Context, accountID cashback.AccountID) ([]cashback.Cycle, error) {
	return tv.parent.listCyclesLocked(accountID), nil
}

func (tv *txMemoryView) Entries(_ context.Context, id cashback.CycleID) ([]cashback.Entry, error) {
	return slices.Clone(tv.parent.entries[id]), nil
}

func (tv *txMemoryView) EntriesByTransaction(_ context.Context, id cashback.TransactionID) ([]cashback.Entry, error) {
	return tv.parent.entriesByTransactionLocked(id), nil
}

func (tv *txMemoryView) ReplaceCycle(_ context.Context, cycle cashback.Cycle, entries []cashback.Entry) error {
	tv.parent.replaceCycleLocked(cycle, entries)
	return nil
}
