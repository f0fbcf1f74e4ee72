package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedVouchers(t *testing.T, store Store, product string, n int, base time.Time) []string {
	t.Helper()
	vouchers := make([]Voucher, 0, n)
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code := fmt.Sprintf("%s-%03d", product, i)
		codes = append(codes, code)
		vouchers = append(vouchers, Voucher{
			Code:        code,
			ProductName: product,
			Amount:      50000,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
	}
	inserted, err := store.AddVouchers(context.Background(), vouchers)
	if err != nil {
		t.Fatalf("AddVouchers: %v", err)
	}
	if inserted != n {
		t.Fatalf("inserted = %d, want %d", inserted, n)
	}
	return codes
}

func pendingTx(tempID, email, code string, expires time.Time) Transaction {
	return Transaction{
		TempID:      tempID,
		Email:       email,
		Name:        "Budi",
		ProductName: "netflix",
		Amount:      50000,
		VoucherCode: code,
		Status:      StatusPending,
		ExpiryDate:  expires,
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
		ok   bool
	}{
		{"SUCCESSFUL", StatusSuccessful, true},
		{"success", StatusSuccessful, true},
		{" pending ", StatusPending, true},
		{"Cancelled", StatusCancelled, true},
		{"FAILED", StatusFailed, true},
		{"expired", StatusExpired, true},
		{"REFUNDED", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseStatus(tt.raw)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseStatus(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestStatusClasses(t *testing.T) {
	if StatusPending.IsTerminal() {
		t.Error("PENDING must not be terminal")
	}
	for _, s := range []Status{StatusSuccessful, StatusCancelled, StatusFailed, StatusExpired} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusSuccessful.IsFailure() {
		t.Error("SUCCESSFUL is not a failure")
	}
	if !StatusExpired.IsFailure() {
		t.Error("EXPIRED is a failure")
	}
}

func TestEffectiveAmount(t *testing.T) {
	if got := EffectiveAmount(50000, nil); got != 50000 {
		t.Errorf("got %d, want 50000", got)
	}
	if got := EffectiveAmount(50000, ptrInt64(45000)); got != 45000 {
		t.Errorf("got %d, want 45000", got)
	}
}

func TestMemoryStore_AddVouchersSkipsDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedVouchers(t, store, "netflix", 2, time.Now())

	inserted, err := store.AddVouchers(ctx, []Voucher{
		{Code: "netflix-000", ProductName: "netflix", Amount: 50000},
		{Code: "fresh", ProductName: "netflix", Amount: 50000},
	})
	if err != nil {
		t.Fatalf("AddVouchers: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1", inserted)
	}

	if _, err := store.AddVouchers(ctx, []Voucher{{Code: "bad", ProductName: "netflix"}}); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestMemoryStore_ClaimOldestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	codes := seedVouchers(t, store, "netflix", 3, base)
	seedVouchers(t, store, "spotify", 1, base.Add(-time.Hour))

	v, err := store.ClaimVoucher(ctx, "netflix")
	if err != nil {
		t.Fatalf("ClaimVoucher: %v", err)
	}
	if v.Code != codes[0] {
		t.Errorf("claimed %s, want %s", v.Code, codes[0])
	}
	if !v.Used {
		t.Error("claimed voucher must be marked used")
	}

	oldest, err := store.ClaimVoucher(ctx, "")
	if err != nil {
		t.Fatalf("ClaimVoucher any: %v", err)
	}
	if oldest.ProductName != "spotify" {
		t.Errorf("empty product should claim the globally oldest voucher, got %s", oldest.Code)
	}
}

func TestMemoryStore_ClaimExhausted(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.ClaimVoucher(context.Background(), "netflix"); !errors.Is(err, ErrNoVoucherAvailable) {
		t.Fatalf("err = %v, want ErrNoVoucherAvailable", err)
	}
}

func TestMemoryStore_ConcurrentClaimsNeverShareVoucher(t *testing.T) {
	store := NewMemoryStore()
	seedVouchers(t, store, "netflix", 10, time.Now())

	const workers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
		soldOut int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := store.ClaimVoucher(context.Background(), "netflix")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrNoVoucherAvailable) {
				soldOut++
				return
			}
			if err != nil {
				t.Errorf("ClaimVoucher: %v", err)
				return
			}
			claimed[v.Code]++
		}()
	}
	wg.Wait()

	if len(claimed) != 10 {
		t.Errorf("claimed %d distinct vouchers, want 10", len(claimed))
	}
	for code, n := range claimed {
		if n != 1 {
			t.Errorf("voucher %s claimed %d times", code, n)
		}
	}
	if soldOut != workers-10 {
		t.Errorf("soldOut = %d, want %d", soldOut, workers-10)
	}
}

func TestMemoryStore_ReleaseOnlyUnsold(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedVouchers(t, store, "netflix", 2, time.Now())

	v, _ := store.ClaimVoucher(ctx, "netflix")
	released, err := store.ReleaseVoucher(ctx, v.Code)
	if err != nil || !released {
		t.Fatalf("ReleaseVoucher = (%v, %v), want (true, nil)", released, err)
	}
	released, _ = store.ReleaseVoucher(ctx, v.Code)
	if released {
		t.Error("second release must be a no-op")
	}

	sold, _ := store.ClaimVoucher(ctx, "netflix")
	if _, err := store.FinalizeVoucher(ctx, sold.Code, "buyer@example.com", time.Now(), time.Hour); err != nil {
		t.Fatalf("FinalizeVoucher: %v", err)
	}
	released, _ = store.ReleaseVoucher(ctx, sold.Code)
	if released {
		t.Error("sold voucher must not be released")
	}
	got, _ := store.GetVoucher(ctx, sold.Code)
	if !got.Used {
		t.Error("sold voucher must stay used")
	}
}

func TestMemoryStore_FinalizeIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedVouchers(t, store, "netflix", 1, time.Now())
	v, _ := store.ClaimVoucher(ctx, "netflix")

	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	got, err := store.FinalizeVoucher(ctx, v.Code, "Buyer@Example.com", first, 24*time.Hour)
	if err != nil {
		t.Fatalf("FinalizeVoucher: %v", err)
	}
	if got.UsedBy != "buyer@example.com" {
		t.Errorf("UsedBy = %q", got.UsedBy)
	}
	if got.ExpiryDate == nil || !got.ExpiryDate.Equal(first.Add(24*time.Hour)) {
		t.Errorf("ExpiryDate = %v", got.ExpiryDate)
	}

	again, err := store.FinalizeVoucher(ctx, v.Code, "other@example.com", first.Add(time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("FinalizeVoucher again: %v", err)
	}
	if again.UsedBy != "buyer@example.com" || !again.UsedAt.Equal(first) {
		t.Errorf("second finalize overwrote sale: %+v", again)
	}
}

func TestMemoryStore_BackfillVoucherExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedVouchers(t, store, "netflix", 1, time.Now())
	v, _ := store.ClaimVoucher(ctx, "netflix")

	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	changed, err := store.BackfillVoucherExpiry(ctx, v.Code, at, 48*time.Hour)
	if err != nil || !changed {
		t.Fatalf("BackfillVoucherExpiry = (%v, %v)", changed, err)
	}
	got, _ := store.GetVoucher(ctx, v.Code)
	if got.ExpiryDate == nil || !got.ExpiryDate.Equal(at.Add(48*time.Hour)) {
		t.Errorf("ExpiryDate = %v", got.ExpiryDate)
	}

	changed, _ = store.BackfillVoucherExpiry(ctx, v.Code, at.Add(time.Hour), time.Hour)
	if changed {
		t.Error("backfill must not overwrite an existing expiry")
	}
}

func TestMemoryStore_PendingVoucherUniqueness(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	exp := time.Now().Add(30 * time.Minute)

	if err := store.CreateTransaction(ctx, pendingTx("TX-1", "a@example.com", "CODE-1", exp)); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	err := store.CreateTransaction(ctx, pendingTx("TX-2", "b@example.com", "CODE-1", exp))
	if !errors.Is(err, ErrVoucherTaken) {
		t.Fatalf("err = %v, want ErrVoucherTaken", err)
	}
	if err := store.CreateTransaction(ctx, pendingTx("TX-1", "a@example.com", "CODE-2", exp)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	if _, err := store.TransitionStatus(ctx, "TX-1", Transition{To: StatusFailed}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if err := store.CreateTransaction(ctx, pendingTx("TX-3", "b@example.com", "CODE-1", exp)); err != nil {
		t.Fatalf("voucher should be reusable once the holder is terminal: %v", err)
	}
}

func TestMemoryStore_CreateNormalizesEmail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateTransaction(ctx, pendingTx("TX-1", "  Buyer@Example.COM ", "", time.Now())); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	tx, _ := store.GetTransaction(ctx, "TX-1")
	if tx.Email != "buyer@example.com" {
		t.Errorf("Email = %q", tx.Email)
	}
	if tx.CreatedAt.IsZero() || tx.UpdatedAt.IsZero() {
		t.Error("timestamps must be filled")
	}
}

func TestMemoryStore_TransitionExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateTransaction(ctx, pendingTx("TX-1", "a@example.com", "CODE-1", time.Now())); err != nil {
		t.Fatal(err)
	}

	targets := []Status{StatusSuccessful, StatusCancelled, StatusExpired, StatusFailed}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []Status
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		to := targets[i%len(targets)]
		go func() {
			defer wg.Done()
			_, err := store.TransitionStatus(ctx, "TX-1", Transition{To: to})
			if err == nil {
				mu.Lock()
				winners = append(winners, to)
				mu.Unlock()
			} else if !errors.Is(err, ErrNotPending) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	tx, _ := store.GetTransaction(ctx, "TX-1")
	if tx.Status != winners[0] {
		t.Errorf("stored status %s, winner %s", tx.Status, winners[0])
	}

	current, err := store.TransitionStatus(ctx, "TX-1", Transition{To: StatusSuccessful})
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("err = %v, want ErrNotPending", err)
	}
	if current.Status != winners[0] {
		t.Errorf("ErrNotPending should carry current row, got %s", current.Status)
	}

	if _, err := store.TransitionStatus(ctx, "missing", Transition{To: StatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_TransitionWritesFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.CreateTransaction(ctx, pendingTx("TX-1", "a@example.com", "", time.Now()))

	tx, err := store.TransitionStatus(ctx, "TX-1", Transition{
		To:            StatusSuccessful,
		TransactionID: "FLIP-9",
		VoucherCode:   "CODE-9",
		PaymentMethod: "qris",
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if tx.TransactionID != "FLIP-9" || tx.VoucherCode != "CODE-9" || tx.PaymentMethod != "qris" {
		t.Errorf("fields not written: %+v", tx)
	}
	byGateway, err := store.GetTransactionByGatewayID(ctx, "FLIP-9")
	if err != nil || byGateway.TempID != "TX-1" {
		t.Errorf("GetTransactionByGatewayID = (%+v, %v)", byGateway, err)
	}
}

func TestMemoryStore_LinkGateway(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.CreateTransaction(ctx, pendingTx("TX-1", "a@example.com", "C1", time.Now()))
	_ = store.CreateTransaction(ctx, pendingTx("TX-2", "b@example.com", "C2", time.Now()))

	if err := store.LinkGateway(ctx, "TX-1", "FLIP-1", "BILL-1"); err != nil {
		t.Fatalf("LinkGateway: %v", err)
	}
	tx, err := store.GetTransactionByBillLinkID(ctx, "BILL-1")
	if err != nil || tx.TransactionID != "FLIP-1" {
		t.Errorf("GetTransactionByBillLinkID = (%+v, %v)", tx, err)
	}
	if err := store.LinkGateway(ctx, "TX-2", "FLIP-1", ""); !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}

	_, _ = store.TransitionStatus(ctx, "TX-2", Transition{To: StatusCancelled})
	if err := store.LinkGateway(ctx, "TX-2", "FLIP-2", ""); !errors.Is(err, ErrNotPending) {
		t.Errorf("err = %v, want ErrNotPending", err)
	}
	if err := store.LinkGateway(ctx, "TX-404", "FLIP-3", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_FindLatestPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	older := pendingTx("TX-old", "a@example.com", "C1", base.Add(time.Hour))
	older.CreatedAt = base
	newer := pendingTx("TX-new", "a@example.com", "C2", base.Add(time.Hour))
	newer.CreatedAt = base.Add(time.Minute)
	discounted := pendingTx("TX-disc", "a@example.com", "C3", base.Add(time.Hour))
	discounted.DiscountedAmount = ptrInt64(45000)
	discounted.CreatedAt = base.Add(2 * time.Minute)
	for _, tx := range []Transaction{older, newer, discounted} {
		if err := store.CreateTransaction(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.FindLatestPending(ctx, PendingQuery{Email: "A@example.com", Amount: 50000})
	if err != nil {
		t.Fatalf("FindLatestPending: %v", err)
	}
	if got.TempID != "TX-new" {
		t.Errorf("got %s, want TX-new", got.TempID)
	}

	got, err = store.FindLatestPending(ctx, PendingQuery{Email: "a@example.com", Amount: 45000})
	if err != nil || got.TempID != "TX-disc" {
		t.Errorf("effective amount match = (%s, %v), want TX-disc", got.TempID, err)
	}

	_ = store.LinkGateway(ctx, "TX-new", "FLIP-1", "")
	got, err = store.FindLatestPending(ctx, PendingQuery{Email: "a@example.com", Amount: 50000, Unlinked: true})
	if err != nil || got.TempID != "TX-old" {
		t.Errorf("unlinked match = (%s, %v), want TX-old", got.TempID, err)
	}

	if _, err := store.FindLatestPending(ctx, PendingQuery{Email: "nobody@example.com", Amount: 50000}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListExpiredPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.CreateTransaction(ctx, pendingTx("TX-late", "a@example.com", "C1", now.Add(-time.Minute)))
	_ = store.CreateTransaction(ctx, pendingTx("TX-later", "a@example.com", "C2", now.Add(-time.Hour)))
	_ = store.CreateTransaction(ctx, pendingTx("TX-fresh", "a@example.com", "C3", now.Add(time.Hour)))
	_ = store.CreateTransaction(ctx, pendingTx("TX-done", "a@example.com", "C4", now.Add(-time.Hour)))
	_, _ = store.TransitionStatus(ctx, "TX-done", Transition{To: StatusSuccessful})

	expired, err := store.ListExpiredPending(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredPending: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("len = %d, want 2", len(expired))
	}
	if expired[0].TempID != "TX-later" {
		t.Errorf("oldest expiry first, got %s", expired[0].TempID)
	}

	limited, _ := store.ListExpiredPending(ctx, now, 1)
	if len(limited) != 1 {
		t.Errorf("limit not applied: %d", len(limited))
	}
}

func TestMemoryStore_ListTransactionsFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.CreateTransaction(ctx, pendingTx("TX-1", "a@example.com", "C1", time.Now()))
	_ = store.CreateTransaction(ctx, pendingTx("TX-2", "b@example.com", "C2", time.Now()))
	_, _ = store.TransitionStatus(ctx, "TX-2", Transition{To: StatusSuccessful})

	got, _ := store.ListTransactions(ctx, TransactionFilter{Statuses: []Status{StatusSuccessful}})
	if len(got) != 1 || got[0].TempID != "TX-2" {
		t.Errorf("status filter = %+v", got)
	}
	got, _ = store.ListTransactions(ctx, TransactionFilter{Email: "A@EXAMPLE.COM"})
	if len(got) != 1 || got[0].TempID != "TX-1" {
		t.Errorf("email filter = %+v", got)
	}
	got, _ = store.ListTransactions(ctx, TransactionFilter{Since: time.Now().Add(time.Hour)})
	if len(got) != 0 {
		t.Errorf("since filter = %+v", got)
	}
}

func TestMemoryStore_ReserveVoucher(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedVouchers(t, store, "netflix", 1, time.Now())

	tx := pendingTx("TX-1", "a@example.com", "", time.Now().Add(time.Hour))
	tx.Amount = 0
	v, err := store.ReserveVoucher(ctx, "netflix", tx)
	if err != nil {
		t.Fatalf("ReserveVoucher: %v", err)
	}
	stored, _ := store.GetTransaction(ctx, "TX-1")
	if stored.VoucherCode != v.Code || stored.Amount != v.Amount {
		t.Errorf("transaction not bound to voucher: %+v", stored)
	}

	if _, err := store.ReserveVoucher(ctx, "netflix", pendingTx("TX-2", "b@example.com", "", time.Now())); !errors.Is(err, ErrNoVoucherAvailable) {
		t.Errorf("err = %v, want ErrNoVoucherAvailable", err)
	}

	_, _ = store.ReleaseVoucher(ctx, v.Code)
	if _, err := store.ReserveVoucher(ctx, "netflix", pendingTx("TX-1", "c@example.com", "", time.Now())); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	again, _ := store.GetVoucher(ctx, v.Code)
	if again.Used {
		t.Error("failed reservation must return the voucher to the pool")
	}
}

func TestMemoryStore_InventorySummary(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedVouchers(t, store, "netflix", 3, time.Now())
	_, _ = store.AddVouchers(ctx, []Voucher{{Code: "SP-1", ProductName: "spotify", Amount: 30000, DiscountedAmount: ptrInt64(25000)}})
	_, _ = store.ClaimVoucher(ctx, "netflix")

	items, err := store.InventorySummary(ctx)
	if err != nil {
		t.Fatalf("InventorySummary: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].ProductName != "netflix" || items[0].Available != 2 || items[0].Total != 3 {
		t.Errorf("netflix = %+v", items[0])
	}
	if items[1].DiscountedAmount == nil || *items[1].DiscountedAmount != 25000 {
		t.Errorf("spotify = %+v", items[1])
	}
}

func TestMemoryStore_DeleteVoucher(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	codes := seedVouchers(t, store, "netflix", 1, time.Now())
	if err := store.DeleteVoucher(ctx, codes[0]); err != nil {
		t.Fatalf("DeleteVoucher: %v", err)
	}
	if err := store.DeleteVoucher(ctx, codes[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestNewStore_UnknownBackend(t *testing.T) {
	if _, err := NewStore(context.Background(), StoreConfig{Backend: "sqlite"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	store, err := NewStore(context.Background(), StoreConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := store.(AtomicReserver); !ok {
		t.Error("memory store should reserve atomically")
	}
}

func TestPtrTime(t *testing.T) {
	now := time.Now()
	ptr := ptrTime(now)

	if ptr == nil {
		t.Fatal("ptrTime() returned nil")
	}
	if !ptr.Equal(now) {
		t.Errorf("ptrTime() = %v, want %v", *ptr, now)
	}
}
