package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/vouchers/internal/flip"
	"github.com/CedrosPay/vouchers/internal/mailer"
	"github.com/CedrosPay/vouchers/internal/reservation"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/rs/zerolog"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []mailer.VoucherEmail
}

func (m *recordingMailer) SendVoucher(_ context.Context, e mailer.VoucherEmail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, e)
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fixture struct {
	store  *storage.MemoryStore
	engine *reservation.Engine
	rec    *Reconciler
	mail   *recordingMailer
	now    time.Time
}

func newFixture(t *testing.T, vouchers ...storage.Voucher) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	if len(vouchers) > 0 {
		if _, err := store.AddVouchers(context.Background(), vouchers); err != nil {
			t.Fatalf("AddVouchers: %v", err)
		}
	}
	mail := &recordingMailer{}
	rec := New(store, mail, Config{VoucherValidity: 30 * 24 * time.Hour}, nil, zerolog.Nop())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return now }
	engine := reservation.NewEngine(store, reservation.Config{PendingTTL: 30 * time.Minute, Attempts: 3}, nil, zerolog.Nop())
	return &fixture{store: store, engine: engine, rec: rec, mail: mail, now: now}
}

func latte(code string) storage.Voucher {
	return storage.Voucher{Code: code, ProductName: "Latte", Amount: 25000}
}

func (f *fixture) reserve(t *testing.T, email string) reservation.Reservation {
	t.Helper()
	res, err := f.engine.Reserve(context.Background(), reservation.Request{
		ProductName: "Latte",
		Email:       email,
		Name:        "Sari",
		Amount:      25000,
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	return res
}

func (f *fixture) tx(t *testing.T, tempID string) storage.Transaction {
	t.Helper()
	tx, err := f.store.GetTransaction(context.Background(), tempID)
	if err != nil {
		t.Fatalf("GetTransaction(%s): %v", tempID, err)
	}
	return tx
}

func (f *fixture) voucher(t *testing.T, code string) storage.Voucher {
	t.Helper()
	v, err := f.store.GetVoucher(context.Background(), code)
	if err != nil {
		t.Fatalf("GetVoucher(%s): %v", code, err)
	}
	return v
}

func notification(status string) flip.Notification {
	return flip.Notification{
		GatewayTransactionID: "FT1001",
		BillLinkID:           "5501",
		BillTitle:            "Latte",
		Amount:               25000,
		Status:               status,
		SenderEmail:          "sari@example.com",
		SenderName:           "Sari",
		PaymentMethod:        "qris",
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]EventClass{
		"SUCCESSFUL": EventSuccess,
		"successful": EventSuccess,
		"CANCELLED":  EventFailure,
		"cancelled":  EventFailure,
		"FAILED":     EventFailure,
		"Expired":    EventFailure,
		"PENDING":    EventIgnored,
		"REFUNDED":   EventIgnored,
		"":           EventIgnored,
	}
	for status, want := range tests {
		if got := Classify(status); got != want {
			t.Errorf("Classify(%q) = %s, want %s", status, got, want)
		}
	}
}

func TestDecide(t *testing.T) {
	pending := &storage.Transaction{Status: storage.StatusPending, VoucherCode: "V1"}
	pendingBare := &storage.Transaction{Status: storage.StatusPending}
	succeeded := &storage.Transaction{Status: storage.StatusSuccessful, VoucherCode: "V1"}
	succeededBare := &storage.Transaction{Status: storage.StatusSuccessful}
	cancelled := &storage.Transaction{Status: storage.StatusCancelled, VoucherCode: "V1"}
	expired := &storage.Transaction{Status: storage.StatusExpired}

	tests := []struct {
		name    string
		current *storage.Transaction
		event   EventClass
		want    Action
	}{
		{"unmatched success", nil, EventSuccess, ActionCreateSucceeded},
		{"unmatched failure", nil, EventFailure, ActionIgnore},
		{"unmatched ignored", nil, EventIgnored, ActionIgnore},
		{"pending success with voucher", pending, EventSuccess, ActionSucceed},
		{"pending success without voucher", pendingBare, EventSuccess, ActionAssignAndSucceed},
		{"pending failure", pending, EventFailure, ActionFailAndRelease},
		{"pending ignored", pending, EventIgnored, ActionIgnore},
		{"successful redelivery", succeeded, EventSuccess, ActionBackfillExpiry},
		{"successful then failure", succeeded, EventFailure, ActionBackfillExpiry},
		{"successful without voucher", succeededBare, EventSuccess, ActionIgnore},
		{"cancelled then success", cancelled, EventSuccess, ActionIgnore},
		{"expired then failure", expired, EventFailure, ActionIgnore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.current, tt.event); got != tt.want {
				t.Errorf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

type stubFinder struct {
	byGateway map[string]storage.Transaction
	byBill    map[string]storage.Transaction
	pending   func(q storage.PendingQuery) (storage.Transaction, error)
	err       error
}

func (s stubFinder) GetTransactionByGatewayID(_ context.Context, id string) (storage.Transaction, error) {
	if s.err != nil {
		return storage.Transaction{}, s.err
	}
	if tx, ok := s.byGateway[id]; ok {
		return tx, nil
	}
	return storage.Transaction{}, storage.ErrNotFound
}

func (s stubFinder) GetTransactionByBillLinkID(_ context.Context, id string) (storage.Transaction, error) {
	if tx, ok := s.byBill[id]; ok {
		return tx, nil
	}
	return storage.Transaction{}, storage.ErrNotFound
}

func (s stubFinder) FindLatestPending(_ context.Context, q storage.PendingQuery) (storage.Transaction, error) {
	if s.pending != nil {
		return s.pending(q)
	}
	return storage.Transaction{}, storage.ErrNotFound
}

func TestResolve_RuleOrder(t *testing.T) {
	byGateway := map[string]storage.Transaction{"FT1001": {TempID: "A"}}
	byBill := map[string]storage.Transaction{"5501": {TempID: "B"}}
	var lastQuery storage.PendingQuery
	pending := func(q storage.PendingQuery) (storage.Transaction, error) {
		lastQuery = q
		return storage.Transaction{TempID: "C"}, nil
	}

	tests := []struct {
		name      string
		finder    stubFinder
		status    string
		wantRule  Rule
		wantTemp  string
		unlinked  bool
		checkPend bool
	}{
		{"gateway id first", stubFinder{byGateway: byGateway, byBill: byBill, pending: pending}, "SUCCESSFUL", RuleGatewayID, "A", false, false},
		{"bill link second", stubFinder{byBill: byBill, pending: pending}, "SUCCESSFUL", RuleBillLink, "B", false, false},
		{"failure falls back to email and amount", stubFinder{pending: pending}, "CANCELLED", RulePendingFailure, "C", false, true},
		{"success falls back to unlinked pending", stubFinder{pending: pending}, "SUCCESSFUL", RulePendingUnlinked, "C", true, true},
		{"ignored status never uses fallbacks", stubFinder{pending: pending}, "PENDING", RuleUnmatched, "", false, false},
		{"nothing found", stubFinder{}, "SUCCESSFUL", RuleUnmatched, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lastQuery = storage.PendingQuery{}
			m, err := Resolve(context.Background(), tt.finder, notification(tt.status))
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if m.Rule != tt.wantRule {
				t.Errorf("rule = %s, want %s", m.Rule, tt.wantRule)
			}
			if tt.wantTemp == "" {
				if m.Transaction != nil {
					t.Errorf("expected no transaction, got %s", m.Transaction.TempID)
				}
				return
			}
			if m.Transaction == nil || m.Transaction.TempID != tt.wantTemp {
				t.Fatalf("transaction = %+v, want %s", m.Transaction, tt.wantTemp)
			}
			if tt.checkPend {
				if lastQuery.Email != "sari@example.com" || lastQuery.Amount != 25000 || lastQuery.Unlinked != tt.unlinked {
					t.Errorf("pending query = %+v", lastQuery)
				}
			}
		})
	}
}

func TestResolve_SkipsFallbackWithoutEmailOrAmount(t *testing.T) {
	called := false
	finder := stubFinder{pending: func(storage.PendingQuery) (storage.Transaction, error) {
		called = true
		return storage.Transaction{TempID: "C"}, nil
	}}
	n := notification("SUCCESSFUL")
	n.GatewayTransactionID, n.BillLinkID, n.Amount = "", "", 0

	m, err := Resolve(context.Background(), finder, n)
	if err != nil || m.Rule != RuleUnmatched || called {
		t.Errorf("Resolve = %+v, %v (fallback called %v)", m, err, called)
	}
}

func TestResolve_PropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := Resolve(context.Background(), stubFinder{err: boom}, notification("SUCCESSFUL"))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}

func TestHandle_RoundTrip(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"))
	ctx := context.Background()
	res := f.reserve(t, "sari@example.com")
	if err := f.engine.Link(ctx, res.TempID, "FT1001", "5501"); err != nil {
		t.Fatalf("Link: %v", err)
	}

	out, err := f.rec.Handle(ctx, notification("SUCCESSFUL"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Rule != RuleGatewayID || out.Action != ActionSucceed || !out.Applied || !out.EmailSent {
		t.Errorf("unexpected outcome %+v", out)
	}

	tx := f.tx(t, res.TempID)
	if tx.Status != storage.StatusSuccessful || tx.VoucherCode != "LATTE-0001" || tx.PaymentMethod != "qris" {
		t.Errorf("unexpected transaction %+v", tx)
	}
	v := f.voucher(t, "LATTE-0001")
	if !v.Used || v.UsedAt == nil || v.ExpiryDate == nil {
		t.Fatalf("voucher not finalized: %+v", v)
	}
	if got := v.ExpiryDate.Sub(*v.UsedAt); got != 30*24*time.Hour {
		t.Errorf("expiry - used_at = %v, want 720h", got)
	}
	if v.UsedBy != "sari@example.com" {
		t.Errorf("used_by = %q", v.UsedBy)
	}
	if f.mail.count() != 1 || f.mail.sent[0].VoucherCode != "LATTE-0001" || f.mail.sent[0].TransactionID != res.TempID {
		t.Errorf("emails = %+v", f.mail.sent)
	}
}

func TestHandle_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"), latte("LATTE-0002"))
	ctx := context.Background()
	res := f.reserve(t, "sari@example.com")
	_ = f.engine.Link(ctx, res.TempID, "FT1001", "5501")

	for i := 0; i < 2; i++ {
		if _, err := f.rec.Handle(ctx, notification("SUCCESSFUL")); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if f.mail.count() != 1 {
		t.Errorf("emails sent = %d, want 1", f.mail.count())
	}
	if tx := f.tx(t, res.TempID); tx.Status != storage.StatusSuccessful || tx.VoucherCode != res.VoucherCode {
		t.Errorf("unexpected transaction %+v", tx)
	}
	other := f.voucher(t, "LATTE-0002")
	if res.VoucherCode == "LATTE-0002" {
		other = f.voucher(t, "LATTE-0001")
	}
	if other.Used {
		t.Error("redelivery assigned a second voucher")
	}
}

func TestHandle_ConcurrentRedeliverySendsOnce(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"), latte("LATTE-0002"), latte("LATTE-0003"))
	ctx := context.Background()
	res := f.reserve(t, "sari@example.com")
	_ = f.engine.Link(ctx, res.TempID, "FT1001", "5501")

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.rec.Handle(ctx, notification("SUCCESSFUL"))
			if err != nil {
				t.Errorf("Handle: %v", err)
				return
			}
			if out.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
	if f.mail.count() != 1 {
		t.Errorf("emails = %d, want 1", f.mail.count())
	}
	items, _ := f.store.InventorySummary(ctx)
	if len(items) != 1 || items[0].Available != 2 {
		t.Errorf("inventory = %+v, want 2 available", items)
	}
}

func TestHandle_FailureReleasesVoucher(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"))
	ctx := context.Background()
	res := f.reserve(t, "sari@example.com")
	_ = f.engine.Link(ctx, res.TempID, "FT1001", "5501")

	out, err := f.rec.Handle(ctx, notification("cancelled"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Action != ActionFailAndRelease || !out.Applied || out.EmailSent {
		t.Errorf("unexpected outcome %+v", out)
	}
	if tx := f.tx(t, res.TempID); tx.Status != storage.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", tx.Status)
	}
	if v := f.voucher(t, "LATTE-0001"); v.Used {
		t.Error("voucher still used after cancellation")
	}

	again := f.reserve(t, "budi@example.com")
	if again.VoucherCode != "LATTE-0001" {
		t.Errorf("released voucher not selectable, got %s", again.VoucherCode)
	}
	if f.mail.count() != 0 {
		t.Errorf("emails = %d, want 0", f.mail.count())
	}
}

func TestHandle_FailureByEmailAndAmount(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"))
	ctx := context.Background()
	res := f.reserve(t, "sari@example.com")

	n := notification("EXPIRED")
	n.GatewayTransactionID, n.BillLinkID = "FT-UNKNOWN", ""
	out, err := f.rec.Handle(ctx, n)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Rule != RulePendingFailure || out.TempID != res.TempID {
		t.Errorf("unexpected outcome %+v", out)
	}
	if tx := f.tx(t, res.TempID); tx.Status != storage.StatusExpired {
		t.Errorf("status = %s, want EXPIRED", tx.Status)
	}
	if v := f.voucher(t, "LATTE-0001"); v.Used {
		t.Error("voucher not released")
	}
}

func TestHandle_SuccessBeforeLink(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"))
	ctx := context.Background()
	res := f.reserve(t, "Sari@Example.com")

	out, err := f.rec.Handle(ctx, notification("SUCCESSFUL"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Rule != RulePendingUnlinked || !out.Applied {
		t.Errorf("unexpected outcome %+v", out)
	}
	tx := f.tx(t, res.TempID)
	if tx.Status != storage.StatusSuccessful || tx.TransactionID != "FT1001" || tx.BillLinkID != "5501" {
		t.Errorf("unexpected transaction %+v", tx)
	}

	// The late Link from the checkout path must not disturb the settled row.
	if err := f.engine.Link(ctx, res.TempID, "FT1001", "5501"); err != nil {
		t.Errorf("late Link: %v", err)
	}
	if tx := f.tx(t, res.TempID); tx.Status != storage.StatusSuccessful {
		t.Errorf("status after late link = %s", tx.Status)
	}
}

func TestHandle_UnmatchedFailureIsNoop(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"))
	out, err := f.rec.Handle(context.Background(), notification("FAILED"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Rule != RuleUnmatched || out.Action != ActionIgnore || out.Applied {
		t.Errorf("unexpected outcome %+v", out)
	}
	txs, _ := f.store.ListTransactions(context.Background(), storage.TransactionFilter{})
	if len(txs) != 0 {
		t.Errorf("transactions = %d, want 0", len(txs))
	}
}

func TestHandle_UnmatchedSuccessCreatesTransaction(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"), storage.Voucher{Code: "MOCHA-1", ProductName: "Mocha", Amount: 30000})
	ctx := context.Background()

	out, err := f.rec.Handle(ctx, notification("SUCCESSFUL"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Action != ActionCreateSucceeded || !out.Applied || out.VoucherCode != "LATTE-0001" || !out.EmailSent {
		t.Fatalf("unexpected outcome %+v", out)
	}
	tx, err := f.store.GetTransactionByGatewayID(ctx, "FT1001")
	if err != nil {
		t.Fatalf("GetTransactionByGatewayID: %v", err)
	}
	if tx.Status != storage.StatusSuccessful || tx.ProductName != "Latte" || tx.Amount != 25000 || tx.TempID != out.TempID {
		t.Errorf("unexpected transaction %+v", tx)
	}
	if v := f.voucher(t, "LATTE-0001"); v.ExpiryDate == nil {
		t.Error("voucher not finalized")
	}

	// Redelivery now matches by gateway id and changes nothing.
	out, err = f.rec.Handle(ctx, notification("SUCCESSFUL"))
	if err != nil || out.Rule != RuleGatewayID || out.Applied {
		t.Errorf("redelivery outcome %+v, %v", out, err)
	}
	if f.mail.count() != 1 {
		t.Errorf("emails = %d, want 1", f.mail.count())
	}
}

func TestHandle_UnmatchedSuccessWithoutIDIssuesNothing(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"), latte("LATTE-0002"))
	ctx := context.Background()
	n := notification("SUCCESSFUL")
	n.GatewayTransactionID = ""
	n.BillLinkID = ""

	for delivery := 1; delivery <= 2; delivery++ {
		out, err := f.rec.Handle(ctx, n)
		if err != nil {
			t.Fatalf("delivery %d: %v", delivery, err)
		}
		if out.Applied || out.VoucherCode != "" || out.EmailSent {
			t.Errorf("delivery %d outcome %+v", delivery, out)
		}
	}
	txs, _ := f.store.ListTransactions(ctx, storage.TransactionFilter{})
	if len(txs) != 0 {
		t.Errorf("recorded %d transactions, want 0", len(txs))
	}
	if f.mail.count() != 0 {
		t.Errorf("emails = %d, want 0", f.mail.count())
	}
	for _, code := range []string{"LATTE-0001", "LATTE-0002"} {
		if f.voucher(t, code).Used {
			t.Errorf("%s claimed", code)
		}
	}
}

func TestHandle_UnmatchedSuccessUnknownProduct(t *testing.T) {
	tests := []struct {
		name  string
		title string
	}{
		{"empty title", ""},
		{"custom title", "Kopi pagi promo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, latte("LATTE-0001"))
			ctx := context.Background()
			n := notification("SUCCESSFUL")
			n.BillTitle = tt.title

			out, err := f.rec.Handle(ctx, n)
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if !out.Applied || out.VoucherCode != "" || out.EmailSent {
				t.Errorf("outcome %+v", out)
			}
			tx, err := f.store.GetTransactionByGatewayID(ctx, "FT1001")
			if err != nil {
				t.Fatalf("GetTransactionByGatewayID: %v", err)
			}
			if tx.Status != storage.StatusSuccessful || tx.VoucherCode != "" {
				t.Errorf("transaction %+v", tx)
			}
			if f.voucher(t, "LATTE-0001").Used {
				t.Error("voucher of another product was claimed")
			}
		})
	}
}

func TestHandle_PendingWithoutVoucherGetsOne(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"))
	ctx := context.Background()
	err := f.store.CreateTransaction(ctx, storage.Transaction{
		TempID:        "TX-manual",
		TransactionID: "FT1001",
		Email:         "sari@example.com",
		ProductName:   "Latte",
		Amount:        25000,
		ExpiryDate:    f.now.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	out, err := f.rec.Handle(ctx, notification("SUCCESSFUL"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Action != ActionAssignAndSucceed || out.VoucherCode != "LATTE-0001" || !out.EmailSent {
		t.Errorf("unexpected outcome %+v", out)
	}
	if tx := f.tx(t, "TX-manual"); tx.VoucherCode != "LATTE-0001" {
		t.Errorf("voucher not attached: %+v", tx)
	}
}

func TestHandle_PaidWhenSoldOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.CreateTransaction(ctx, storage.Transaction{
		TempID:        "TX-manual",
		TransactionID: "FT1001",
		Email:         "sari@example.com",
		ProductName:   "Latte",
		Amount:        25000,
	})

	out, err := f.rec.Handle(ctx, notification("SUCCESSFUL"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !out.Applied || out.EmailSent || out.VoucherCode != "" {
		t.Errorf("unexpected outcome %+v", out)
	}
	if tx := f.tx(t, "TX-manual"); tx.Status != storage.StatusSuccessful {
		t.Errorf("status = %s, want SUCCESSFUL", tx.Status)
	}
}

func TestHandle_BackfillsMissingExpiry(t *testing.T) {
	f := newFixture(t, storage.Voucher{Code: "LATTE-0001", ProductName: "Latte", Amount: 25000, Used: true})
	ctx := context.Background()
	settledAt := f.now.Add(-time.Hour)
	_ = f.store.CreateTransaction(ctx, storage.Transaction{
		TempID:        "TX-old",
		TransactionID: "FT1001",
		Email:         "sari@example.com",
		ProductName:   "Latte",
		Amount:        25000,
		VoucherCode:   "LATTE-0001",
		Status:        storage.StatusSuccessful,
		CreatedAt:     settledAt,
		UpdatedAt:     settledAt,
	})

	out, err := f.rec.Handle(ctx, notification("SUCCESSFUL"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Action != ActionBackfillExpiry || out.Applied || out.EmailSent {
		t.Errorf("unexpected outcome %+v", out)
	}
	v := f.voucher(t, "LATTE-0001")
	if v.UsedAt == nil || !v.UsedAt.Equal(settledAt) || v.ExpiryDate == nil || !v.ExpiryDate.Equal(settledAt.Add(30*24*time.Hour)) {
		t.Errorf("voucher not backfilled: %+v", v)
	}
	if f.mail.count() != 0 {
		t.Errorf("emails = %d, want 0", f.mail.count())
	}
}

func TestHandle_TerminalFailureIgnoresSuccess(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"))
	ctx := context.Background()
	res := f.reserve(t, "sari@example.com")
	_ = f.engine.Link(ctx, res.TempID, "FT1001", "5501")
	if _, err := f.rec.Handle(ctx, notification("CANCELLED")); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	out, err := f.rec.Handle(ctx, notification("SUCCESSFUL"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Action != ActionIgnore || out.Applied {
		t.Errorf("unexpected outcome %+v", out)
	}
	if tx := f.tx(t, res.TempID); tx.Status != storage.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", tx.Status)
	}
}

func TestHandle_PendingStatusIgnored(t *testing.T) {
	f := newFixture(t, latte("LATTE-0001"))
	ctx := context.Background()
	res := f.reserve(t, "sari@example.com")
	_ = f.engine.Link(ctx, res.TempID, "FT1001", "5501")

	out, err := f.rec.Handle(ctx, notification("PENDING"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Action != ActionIgnore {
		t.Errorf("action = %s, want ignore", out.Action)
	}
	if tx := f.tx(t, res.TempID); tx.Status != storage.StatusPending {
		t.Errorf("status = %s, want PENDING", tx.Status)
	}
}
