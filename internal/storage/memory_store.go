package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for development and tests.
// All conditional writes happen under a single mutex, so each primitive is atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	vouchers     map[string]Voucher
	transactions map[string]Transaction
	byGatewayID  map[string]string // transaction_id -> temp_id
	byBillLink   map[string]string // bill_link_id -> temp_id
}

// NewMemoryStore constructs an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vouchers:     make(map[string]Voucher),
		transactions: make(map[string]Transaction),
		byGatewayID:  make(map[string]string),
		byBillLink:   make(map[string]string),
	}
}

// AddVouchers inserts new vouchers, skipping codes already present.
func (m *MemoryStore) AddVouchers(_ context.Context, vouchers []Voucher) (int, error) {
	now := time.Now().UTC()
	prepared := make([]Voucher, 0, len(vouchers))
	for _, v := range vouchers {
		if err := validateAndPrepareVoucher(&v, now); err != nil {
			return 0, err
		}
		prepared = append(prepared, v)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, v := range prepared {
		if _, exists := m.vouchers[v.Code]; exists {
			continue
		}
		m.vouchers[v.Code] = cloneVoucher(v)
		inserted++
	}
	return inserted, nil
}

// GetVoucher returns a voucher by code.
func (m *MemoryStore) GetVoucher(_ context.Context, code string) (Voucher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vouchers[code]
	if !ok {
		return Voucher{}, ErrNotFound
	}
	return cloneVoucher(v), nil
}

// ClaimVoucher marks the oldest unused voucher for product as used.
func (m *MemoryStore) ClaimVoucher(_ context.Context, product string) (Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimLocked(product)
}

func (m *MemoryStore) claimLocked(product string) (Voucher, error) {
	var best *Voucher
	for code := range m.vouchers {
		v := m.vouchers[code]
		if v.Used || (product != "" && v.ProductName != product) {
			continue
		}
		if best == nil || v.CreatedAt.Before(best.CreatedAt) ||
			(v.CreatedAt.Equal(best.CreatedAt) && v.Code < best.Code) {
			candidate := v
			best = &candidate
		}
	}
	if best == nil {
		return Voucher{}, ErrNoVoucherAvailable
	}
	best.Used = true
	m.vouchers[best.Code] = *best
	return cloneVoucher(*best), nil
}

// ReleaseVoucher returns a reserved but unsold voucher to the pool.
func (m *MemoryStore) ReleaseVoucher(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[code]
	if !ok || !v.Used || v.UsedAt != nil {
		return false, nil
	}
	v.Used = false
	v.UsedBy = ""
	m.vouchers[code] = v
	return true, nil
}

// FinalizeVoucher stamps the sale on a voucher once.
func (m *MemoryStore) FinalizeVoucher(_ context.Context, code, usedBy string, usedAt time.Time, validity time.Duration) (Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[code]
	if !ok {
		return Voucher{}, ErrNotFound
	}
	if v.UsedAt != nil {
		return cloneVoucher(v), nil
	}
	v.Used = true
	v.UsedBy = normalizeEmail(usedBy)
	v.UsedAt = ptrTime(usedAt)
	v.ExpiryDate = ptrTime(usedAt.Add(validityOrDefault(validity)))
	m.vouchers[code] = v
	return cloneVoucher(v), nil
}

// BackfillVoucherExpiry fills in a missing expiry date from used_at, or usedAt when absent.
func (m *MemoryStore) BackfillVoucherExpiry(_ context.Context, code string, usedAt time.Time, validity time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[code]
	if !ok {
		return false, ErrNotFound
	}
	if v.ExpiryDate != nil {
		return false, nil
	}
	if v.UsedAt == nil {
		v.UsedAt = ptrTime(usedAt)
	}
	v.Used = true
	v.ExpiryDate = ptrTime(v.UsedAt.Add(validityOrDefault(validity)))
	m.vouchers[code] = v
	return true, nil
}

// DeleteVoucher removes a voucher from the pool.
func (m *MemoryStore) DeleteVoucher(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vouchers[code]; !ok {
		return ErrNotFound
	}
	delete(m.vouchers, code)
	return nil
}

// InventorySummary groups the pool by product.
func (m *MemoryStore) InventorySummary(_ context.Context) ([]InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make(map[string]*InventoryItem)
	for _, v := range m.vouchers {
		item, ok := items[v.ProductName]
		if !ok {
			item = &InventoryItem{ProductName: v.ProductName, Amount: v.Amount}
			if v.DiscountedAmount != nil {
				item.DiscountedAmount = ptrInt64(*v.DiscountedAmount)
			}
			items[v.ProductName] = item
		}
		item.Total++
		if !v.Used {
			item.Available++
		}
	}
	return sortedInventory(items), nil
}

// CreateTransaction inserts a transaction into the ledger.
func (m *MemoryStore) CreateTransaction(_ context.Context, tx Transaction) error {
	if err := validateAndPrepareTransaction(&tx, time.Now().UTC()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(tx)
}

func (m *MemoryStore) insertLocked(tx Transaction) error {
	if _, exists := m.transactions[tx.TempID]; exists {
		return ErrDuplicate
	}
	if tx.TransactionID != "" {
		if _, exists := m.byGatewayID[tx.TransactionID]; exists {
			return ErrDuplicate
		}
	}
	if tx.Status == StatusPending && tx.VoucherCode != "" {
		for _, other := range m.transactions {
			if other.Status == StatusPending && other.VoucherCode == tx.VoucherCode {
				return ErrVoucherTaken
			}
		}
	}
	m.transactions[tx.TempID] = cloneTransaction(tx)
	m.indexLocked(tx)
	return nil
}

func (m *MemoryStore) indexLocked(tx Transaction) {
	if tx.TransactionID != "" {
		m.byGatewayID[tx.TransactionID] = tx.TempID
	}
	if tx.BillLinkID != "" {
		m.byBillLink[tx.BillLinkID] = tx.TempID
	}
}

// ReserveVoucher claims a voucher and records its PENDING transaction under one lock.
func (m *MemoryStore) ReserveVoucher(_ context.Context, product string, tx Transaction) (Voucher, error) {
	if err := validateAndPrepareTransaction(&tx, time.Now().UTC()); err != nil {
		return Voucher{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.claimLocked(product)
	if err != nil {
		return Voucher{}, err
	}
	tx.VoucherCode = v.Code
	tx.Amount = v.Amount
	tx.DiscountedAmount = v.DiscountedAmount
	if err := m.insertLocked(tx); err != nil {
		v.Used = false
		m.vouchers[v.Code] = v
		return Voucher{}, err
	}
	return v, nil
}

// GetTransaction returns a transaction by temp id.
func (m *MemoryStore) GetTransaction(_ context.Context, tempID string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[tempID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return cloneTransaction(tx), nil
}

// GetTransactionByGatewayID returns a transaction by gateway transaction id.
func (m *MemoryStore) GetTransactionByGatewayID(_ context.Context, transactionID string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tempID, ok := m.byGatewayID[transactionID]
	if !ok || transactionID == "" {
		return Transaction{}, ErrNotFound
	}
	return cloneTransaction(m.transactions[tempID]), nil
}

// GetTransactionByBillLinkID returns a transaction by bill link id.
func (m *MemoryStore) GetTransactionByBillLinkID(_ context.Context, billLinkID string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tempID, ok := m.byBillLink[billLinkID]
	if !ok || billLinkID == "" {
		return Transaction{}, ErrNotFound
	}
	return cloneTransaction(m.transactions[tempID]), nil
}

// FindLatestPending returns the newest PENDING transaction matching the query.
func (m *MemoryStore) FindLatestPending(_ context.Context, q PendingQuery) (Transaction, error) {
	email := normalizeEmail(q.Email)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Transaction
	for _, tx := range m.transactions {
		if tx.Status != StatusPending || tx.Email != email {
			continue
		}
		if q.Amount > 0 && tx.EffectiveAmount() != q.Amount {
			continue
		}
		if q.Unlinked && tx.TransactionID != "" {
			continue
		}
		if best == nil || tx.CreatedAt.After(best.CreatedAt) {
			candidate := tx
			best = &candidate
		}
	}
	if best == nil {
		return Transaction{}, ErrNotFound
	}
	return cloneTransaction(*best), nil
}

// LinkGateway attaches gateway identifiers to a PENDING transaction.
func (m *MemoryStore) LinkGateway(_ context.Context, tempID, transactionID, billLinkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[tempID]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != StatusPending {
		return ErrNotPending
	}
	if transactionID != "" {
		if owner, exists := m.byGatewayID[transactionID]; exists && owner != tempID {
			return ErrDuplicate
		}
		tx.TransactionID = transactionID
	}
	if billLinkID != "" {
		tx.BillLinkID = billLinkID
	}
	tx.UpdatedAt = time.Now().UTC()
	m.transactions[tempID] = tx
	m.indexLocked(tx)
	return nil
}

// TransitionStatus applies t when the transaction is still PENDING.
// On ErrNotPending the current row is returned alongside the error.
func (m *MemoryStore) TransitionStatus(_ context.Context, tempID string, t Transition) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[tempID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if tx.Status != StatusPending {
		return cloneTransaction(tx), ErrNotPending
	}
	if t.TransactionID != "" {
		if owner, exists := m.byGatewayID[t.TransactionID]; exists && owner != tempID {
			return Transaction{}, ErrDuplicate
		}
		tx.TransactionID = t.TransactionID
	}
	if t.BillLinkID != "" {
		tx.BillLinkID = t.BillLinkID
	}
	if t.VoucherCode != "" {
		tx.VoucherCode = t.VoucherCode
	}
	if t.PaymentMethod != "" {
		tx.PaymentMethod = t.PaymentMethod
	}
	tx.Status = t.To
	tx.UpdatedAt = transitionAt(t)
	m.transactions[tempID] = tx
	m.indexLocked(tx)
	return cloneTransaction(tx), nil
}

// ListExpiredPending returns PENDING transactions whose expiry is before now, oldest first.
func (m *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]Transaction, error) {
	m.mu.RLock()
	var out []Transaction
	for _, tx := range m.transactions {
		if tx.Status == StatusPending && tx.ExpiryDate.Before(now) {
			out = append(out, cloneTransaction(tx))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryDate.Before(out[j].ExpiryDate) })
	if l := limitOrDefault(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

// ListTransactions returns transactions matching filter, newest first.
func (m *MemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]Transaction, error) {
	email := normalizeEmail(filter.Email)
	m.mu.RLock()
	var out []Transaction
	for _, tx := range m.transactions {
		if email != "" && tx.Email != email {
			continue
		}
		if !filter.Since.IsZero() && tx.CreatedAt.Before(filter.Since) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, tx.Status) {
			continue
		}
		out = append(out, cloneTransaction(tx))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if l := limitOrDefault(filter.Limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

func containsStatus(statuses []Status, s Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func sortedInventory(items map[string]*InventoryItem) []InventoryItem {
	out := make([]InventoryItem, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductName < out[j].ProductName })
	return out
}

func cloneVoucher(v Voucher) Voucher {
	if v.DiscountedAmount != nil {
		v.DiscountedAmount = ptrInt64(*v.DiscountedAmount)
	}
	if v.UsedAt != nil {
		v.UsedAt = ptrTime(*v.UsedAt)
	}
	if v.ExpiryDate != nil {
		v.ExpiryDate = ptrTime(*v.ExpiryDate)
	}
	return v
}

func cloneTransaction(tx Transaction) Transaction {
	if tx.DiscountedAmount != nil {
		tx.DiscountedAmount = ptrInt64(*tx.DiscountedAmount)
	}
	return tx
}
