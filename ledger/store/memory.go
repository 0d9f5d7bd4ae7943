// Package store provides in-memory ledger.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore, ledger.UnitDirectory and
// ledger.BillingConfigSource. A single mutex serializes every call, and
// WithTx holds it for the whole callback.
type Memory struct {
	mu   sync.Mutex
	data *memData
}

func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

type statementKey struct {
	TenantID string
	UnitID   string
	Period   ledger.Period
}

// memData holds the state and implements ledger.Store without locking.
type memData struct {
	transactions map[string]ledger.Transaction
	adjustments  map[string][]ledger.Adjustment
	statements   map[string]ledger.DuesStatement
	statementIdx map[statementKey]string
	accounts     map[string]ledger.CreditAccount
	entries      map[string][]ledger.CreditEntry
	seq          int64
	discounts    map[string][]ledger.DiscountPolicy
	penalties    map[string][]ledger.PenaltyPolicy
	units        map[string]ledger.Unit
	configs      map[string]ledger.BillingConfig
}

func newMemData() *memData {
	return &memData{
		transactions: make(map[string]ledger.Transaction),
		adjustments:  make(map[string][]ledger.Adjustment),
		statements:   make(map[string]ledger.DuesStatement),
		statementIdx: make(map[statementKey]string),
		accounts:     make(map[string]ledger.CreditAccount),
		entries:      make(map[string][]ledger.CreditEntry),
		discounts:    make(map[string][]ledger.DiscountPolicy),
		penalties:    make(map[string][]ledger.PenaltyPolicy),
		units:        make(map[string]ledger.Unit),
		configs:      make(map[string]ledger.BillingConfig),
	}
}

// =============================================================================
// TRANSACTIONAL SUPPORT
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	for k, v := range d.adjustments {
		c.adjustments[k] = append([]ledger.Adjustment(nil), v...)
	}
	for k, v := range d.statements {
		c.statements[k] = v
	}
	for k, v := range d.statementIdx {
		c.statementIdx[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.entries {
		c.entries[k] = append([]ledger.CreditEntry(nil), v...)
	}
	c.seq = d.seq
	for k, v := range d.discounts {
		c.discounts[k] = append([]ledger.DiscountPolicy(nil), v...)
	}
	for k, v := range d.penalties {
		c.penalties[k] = append([]ledger.PenaltyPolicy(nil), v...)
	}
	for k, v := range d.units {
		c.units[k] = v
	}
	for k, v := range d.configs {
		c.configs[k] = v
	}
	return c
}

// =============================================================================
// LOCKED DELEGATES - ledger.Store
// =============================================================================

func (m *Memory) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertTransaction(ctx, tx)
}

func (m *Memory) UpdateTransaction(ctx context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateTransaction(ctx, tx)
}

func (m *Memory) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetTransaction(ctx, id)
}

func (m *Memory) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListTransactions(ctx, f)
}

func (m *Memory) InsertAdjustments(ctx context.Context, adj []ledger.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertAdjustments(ctx, adj)
}

func (m *Memory) ListAdjustments(ctx context.Context, txID string) ([]ledger.Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListAdjustments(ctx, txID)
}

func (m *Memory) InsertStatement(ctx context.Context, st ledger.DuesStatement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertStatement(ctx, st)
}

func (m *Memory) UpdateStatement(ctx context.Context, st ledger.DuesStatement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateStatement(ctx, st)
}

func (m *Memory) GetStatement(ctx context.Context, id string) (ledger.DuesStatement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetStatement(ctx, id)
}

func (m *Memory) FindStatement(ctx context.Context, tenantID, unitID string, p ledger.Period) (ledger.DuesStatement, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.FindStatement(ctx, tenantID, unitID, p)
}

func (m *Memory) OutstandingStatements(ctx context.Context, tenantID, unitID string) ([]ledger.DuesStatement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.OutstandingStatements(ctx, tenantID, unitID)
}

func (m *Memory) GetCreditAccount(ctx context.Context, unitID string) (ledger.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetCreditAccount(ctx, unitID)
}

func (m *Memory) AppendCreditEntry(ctx context.Context, e ledger.CreditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.AppendCreditEntry(ctx, e)
}

func (m *Memory) CreditEntries(ctx context.Context, unitID string, limit int) ([]ledger.CreditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreditEntries(ctx, unitID, limit)
}

func (m *Memory) DiscountPolicies(ctx context.Context, tenantID string) ([]ledger.DiscountPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DiscountPolicies(ctx, tenantID)
}

func (m *Memory) PenaltyPolicies(ctx context.Context, tenantID string) ([]ledger.PenaltyPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.PenaltyPolicies(ctx, tenantID)
}

// =============================================================================
// COLLABORATOR DATA - units, billing configs, policy setup
// =============================================================================

func (m *Memory) SaveUnit(_ context.Context, u ledger.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.units[u.ID] = u
	return nil
}

func (m *Memory) Unit(_ context.Context, unitID string) (ledger.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.data.units[unitID]
	if !ok {
		return ledger.Unit{}, ledger.ErrUnitNotFound
	}
	return u, nil
}

func (m *Memory) ActiveUnits(_ context.Context, tenantID string) ([]ledger.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Unit
	for _, u := range m.data.units {
		if u.TenantID == tenantID && u.Active {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveBillingConfig(_ context.Context, cfg ledger.BillingConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.configs[cfg.TenantID] = cfg
	return nil
}

func (m *Memory) BillingConfig(_ context.Context, tenantID string) (ledger.BillingConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.data.configs[tenantID]
	return cfg, ok, nil
}

// BillingTenants lists tenants with an active billing configuration.
func (m *Memory) BillingTenants(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, cfg := range m.data.configs {
		if cfg.Active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SaveDiscountPolicy(_ context.Context, p ledger.DiscountPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.data.discounts[p.TenantID]
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			return nil
		}
	}
	m.data.discounts[p.TenantID] = append(list, p)
	return nil
}

func (m *Memory) SavePenaltyPolicy(_ context.Context, p ledger.PenaltyPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.data.penalties[p.TenantID]
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			return nil
		}
	}
	m.data.penalties[p.TenantID] = append(list, p)
	return nil
}

// =============================================================================
// UNLOCKED VIEW - ledger.Store
// =============================================================================

func (d *memData) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	if _, exists := d.transactions[tx.ID]; exists {
		return &ledger.ValidationError{Field: "id", Reason: "transaction " + tx.ID + " already exists"}
	}
	d.transactions[tx.ID] = tx
	return nil
}

func (d *memData) UpdateTransaction(_ context.Context, tx ledger.Transaction) error {
	if _, exists := d.transactions[tx.ID]; !exists {
		return ledger.ErrTransactionNotFound
	}
	d.transactions[tx.ID] = tx
	return nil
}

func (d *memData) GetTransaction(_ context.Context, id string) (ledger.Transaction, error) {
	tx, ok := d.transactions[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return tx, nil
}

func (d *memData) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, tx := range d.transactions {
		if f.Matches(tx) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].TransactionDate.Before(out[j].TransactionDate)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (d *memData) InsertAdjustments(_ context.Context, adj []ledger.Adjustment) error {
	for _, a := range adj {
		if a.Amount.IsNegative() {
			return &ledger.ValidationError{Field: "amount", Reason: "adjustment amount must not be negative"}
		}
	}
	for _, a := range adj {
		d.adjustments[a.TransactionID] = append(d.adjustments[a.TransactionID], a)
	}
	return nil
}

func (d *memData) ListAdjustments(_ context.Context, txID string) ([]ledger.Adjustment, error) {
	return append([]ledger.Adjustment(nil), d.adjustments[txID]...), nil
}

func (d *memData) InsertStatement(_ context.Context, st ledger.DuesStatement) error {
	k := statementKey{TenantID: st.TenantID, UnitID: st.UnitID, Period: st.Period}
	if _, exists := d.statementIdx[k]; exists {
		return ledger.ErrDuplicateStatement
	}
	if err := checkStatement(st); err != nil {
		return err
	}
	d.statements[st.ID] = st
	d.statementIdx[k] = st.ID
	return nil
}

func (d *memData) UpdateStatement(_ context.Context, st ledger.DuesStatement) error {
	if _, exists := d.statements[st.ID]; !exists {
		return ledger.ErrStatementNotFound
	}
	if err := checkStatement(st); err != nil {
		return err
	}
	d.statements[st.ID] = st
	return nil
}

// checkStatement mirrors the SQLite CHECK on balance due.
func checkStatement(st ledger.DuesStatement) error {
	if st.BalanceDue().IsNegative() {
		return &ledger.ValidationError{Field: "amount_paid", Reason: "statement would be overpaid"}
	}
	return nil
}

func (d *memData) GetStatement(_ context.Context, id string) (ledger.DuesStatement, error) {
	st, ok := d.statements[id]
	if !ok {
		return ledger.DuesStatement{}, ledger.ErrStatementNotFound
	}
	return st, nil
}

func (d *memData) FindStatement(_ context.Context, tenantID, unitID string, p ledger.Period) (ledger.DuesStatement, bool, error) {
	id, ok := d.statementIdx[statementKey{TenantID: tenantID, UnitID: unitID, Period: p}]
	if !ok {
		return ledger.DuesStatement{}, false, nil
	}
	return d.statements[id], true, nil
}

func (d *memData) OutstandingStatements(_ context.Context, tenantID, unitID string) ([]ledger.DuesStatement, error) {
	var out []ledger.DuesStatement
	for _, st := range d.statements {
		if st.TenantID == tenantID && st.UnitID == unitID && st.Status.Outstanding() {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out, nil
}

func (d *memData) GetCreditAccount(_ context.Context, unitID string) (ledger.CreditAccount, error) {
	acct, ok := d.accounts[unitID]
	if !ok {
		return ledger.CreditAccount{UnitID: unitID, Balance: decimal.Zero}, nil
	}
	return acct, nil
}

func (d *memData) AppendCreditEntry(_ context.Context, e ledger.CreditEntry) error {
	if e.BalanceAfter.IsNegative() {
		return ledger.ErrNegativeBalance
	}
	d.seq++
	e.Seq = d.seq
	d.entries[e.UnitID] = append(d.entries[e.UnitID], e)
	d.accounts[e.UnitID] = ledger.CreditAccount{
		TenantID:  e.TenantID,
		UnitID:    e.UnitID,
		Balance:   e.BalanceAfter,
		UpdatedAt: e.CreatedAt,
	}
	return nil
}

func (d *memData) CreditEntries(_ context.Context, unitID string, limit int) ([]ledger.CreditEntry, error) {
	src := d.entries[unitID]
	out := make([]ledger.CreditEntry, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (d *memData) DiscountPolicies(_ context.Context, tenantID string) ([]ledger.DiscountPolicy, error) {
	out := append([]ledger.DiscountPolicy(nil), d.discounts[tenantID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *memData) PenaltyPolicies(_ context.Context, tenantID string) ([]ledger.PenaltyPolicy, error) {
	out := append([]ledger.PenaltyPolicy(nil), d.penalties[tenantID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var (
	_ ledger.TxStore             = (*Memory)(nil)
	_ ledger.UnitDirectory       = (*Memory)(nil)
	_ ledger.BillingConfigSource = (*Memory)(nil)
	_ ledger.Store               = (*memData)(nil)
)
