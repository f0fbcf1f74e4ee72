package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/vouchers/internal/flip"
	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/mailer"
	"github.com/CedrosPay/vouchers/internal/metrics"
	"github.com/CedrosPay/vouchers/internal/reservation"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/rs/zerolog"
)

// Config holds reconciliation settings.
type Config struct {
	VoucherValidity time.Duration
}

// Outcome describes what one notification did.
type Outcome struct {
	Event       EventClass
	Rule        Rule
	Action      Action
	TempID      string
	Status      storage.Status
	VoucherCode string
	// Applied is true only when this call performed the state transition.
	Applied   bool
	EmailSent bool
}

// Reconciler applies gateway notifications to the ledger and voucher pool.
type Reconciler struct {
	store   storage.Store
	mailer  mailer.Mailer
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs a Reconciler. A nil mailer disables email.
func New(store storage.Store, m mailer.Mailer, cfg Config, mt *metrics.Metrics, log zerolog.Logger) *Reconciler {
	if m == nil {
		m = mailer.NoopMailer{}
	}
	if cfg.VoucherValidity <= 0 {
		cfg.VoucherValidity = storage.DefaultVoucherValidity
	}
	return &Reconciler{
		store:   store,
		mailer:  m,
		cfg:     cfg,
		metrics: mt,
		logger:  log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle resolves and applies one notification. It is safe under redelivery:
// only the caller that wins the PENDING transition performs side effects.
func (r *Reconciler) Handle(ctx context.Context, n flip.Notification) (Outcome, error) {
	event := Classify(n.Status)
	log := logger.FromContextOr(ctx, r.logger).With().
		Str("gateway_tx", n.GatewayTransactionID).
		Str("bill_link_id", n.BillLinkID).
		Str("callback_status", n.Status).
		Logger()

	match, err := Resolve(ctx, r.store, n)
	if err != nil {
		log.Error().Err(err).Msg("flip.callback.resolve_failed")
		r.metrics.ObserveCallback(event.String(), "error", "error")
		return Outcome{Event: event}, err
	}

	action := Decide(match.Transaction, event)
	out := Outcome{Event: event, Rule: match.Rule, Action: action}
	if match.Transaction != nil {
		out.TempID = match.Transaction.TempID
		out.Status = match.Transaction.Status
		out.VoucherCode = match.Transaction.VoucherCode
		log = log.With().Str("temp_id", match.Transaction.TempID).Logger()
	}
	log = log.With().Str("rule", string(match.Rule)).Str("action", string(action)).Logger()

	switch action {
	case ActionAssignAndSucceed, ActionSucceed:
		err = r.succeed(ctx, *match.Transaction, n, &out, log)
	case ActionFailAndRelease:
		err = r.fail(ctx, *match.Transaction, n, &out, log)
	case ActionBackfillExpiry:
		err = r.backfill(ctx, *match.Transaction, &out, log)
	case ActionCreateSucceeded:
		err = r.createSucceeded(ctx, n, &out, log)
	default:
		if match.Transaction == nil {
			log.Info().Msg("flip.callback.unmatched")
		} else {
			log.Debug().Str("status", string(match.Transaction.Status)).Msg("flip.callback.ignored")
		}
	}

	r.metrics.ObserveCallback(event.String(), string(match.Rule), string(action))
	if err != nil {
		log.Error().Err(err).Msg("flip.callback.apply_failed")
	}
	return out, err
}

func (r *Reconciler) succeed(ctx context.Context, tx storage.Transaction, n flip.Notification, out *Outcome, log zerolog.Logger) error {
	now := r.now()
	code := tx.VoucherCode
	claimed := false
	if code == "" {
		v, err := r.store.ClaimVoucher(ctx, productFor(tx.ProductName, n.BillTitle))
		switch {
		case err == nil:
			code = v.Code
			claimed = true
		case errors.Is(err, storage.ErrNoVoucherAvailable):
			log.Error().Str("product", tx.ProductName).Msg("flip.callback.paid_without_voucher")
		default:
			return fmt.Errorf("claim voucher: %w", err)
		}
	}

	t := storage.Transition{
		To:            storage.StatusSuccessful,
		BillLinkID:    n.BillLinkID,
		PaymentMethod: n.PaymentMethod,
		At:            now,
	}
	if tx.TransactionID == "" {
		t.TransactionID = n.GatewayTransactionID
	}
	if claimed {
		t.VoucherCode = code
	}

	updated, err := r.store.TransitionStatus(ctx, tx.TempID, t)
	if errors.Is(err, storage.ErrDuplicate) {
		// The gateway id already belongs to another row; settle this one without it.
		t.TransactionID = ""
		updated, err = r.store.TransitionStatus(ctx, tx.TempID, t)
	}
	if err != nil {
		if claimed {
			r.release(ctx, code, "callback_lost_race", log)
		}
		if errors.Is(err, storage.ErrNotPending) {
			out.Status = updated.Status
			out.VoucherCode = updated.VoucherCode
			log.Info().Str("status", string(updated.Status)).Msg("flip.callback.already_settled")
			return nil
		}
		return fmt.Errorf("transition to successful: %w", err)
	}

	out.Applied = true
	out.Status = updated.Status
	out.VoucherCode = updated.VoucherCode
	if code == "" {
		return nil
	}
	r.deliver(ctx, updated, code, now, out, log)
	return nil
}

func (r *Reconciler) fail(ctx context.Context, tx storage.Transaction, n flip.Notification, out *Outcome, log zerolog.Logger) error {
	status, _ := storage.ParseStatus(n.Status)
	t := storage.Transition{
		To:            status,
		BillLinkID:    n.BillLinkID,
		PaymentMethod: n.PaymentMethod,
		At:            r.now(),
	}
	if tx.TransactionID == "" {
		t.TransactionID = n.GatewayTransactionID
	}

	updated, err := r.store.TransitionStatus(ctx, tx.TempID, t)
	if errors.Is(err, storage.ErrDuplicate) {
		t.TransactionID = ""
		updated, err = r.store.TransitionStatus(ctx, tx.TempID, t)
	}
	if errors.Is(err, storage.ErrNotPending) {
		out.Status = updated.Status
		log.Info().Str("status", string(updated.Status)).Msg("flip.callback.already_settled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition to %s: %w", status, err)
	}

	out.Applied = true
	out.Status = updated.Status
	if updated.VoucherCode != "" {
		r.release(ctx, updated.VoucherCode, "callback_"+strings.ToLower(string(status)), log)
	}
	log.Info().Str("status", string(status)).Msg("flip.callback.failed_payment")
	return nil
}

func (r *Reconciler) backfill(ctx context.Context, tx storage.Transaction, out *Outcome, log zerolog.Logger) error {
	v, err := r.store.GetVoucher(ctx, tx.VoucherCode)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn().Str("voucher", logger.RedactCode(tx.VoucherCode)).Msg("flip.callback.voucher_missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load voucher: %w", err)
	}
	if v.ExpiryDate != nil {
		return nil
	}
	changed, err := r.store.BackfillVoucherExpiry(ctx, tx.VoucherCode, tx.UpdatedAt, r.cfg.VoucherValidity)
	if err != nil {
		return fmt.Errorf("backfill voucher expiry: %w", err)
	}
	if changed {
		log.Warn().Str("voucher", logger.RedactCode(tx.VoucherCode)).Msg("flip.callback.expiry_backfilled")
	}
	return nil
}

func (r *Reconciler) createSucceeded(ctx context.Context, n flip.Notification, out *Outcome, log zerolog.Logger) error {
	if n.SenderEmail == "" {
		log.Error().Msg("flip.callback.unmatched_success_without_email")
		return nil
	}
	// The gateway id is the only dedup key for a recorded payment.
	if n.GatewayTransactionID == "" {
		log.Error().Bool("needs_attention", true).Msg("flip.callback.unmatched_success_without_id")
		return nil
	}
	now := r.now()

	// An empty title would claim from any product; the payment is recorded without a voucher.
	var code string
	product := n.BillTitle
	if product == "" {
		log.Error().Msg("flip.callback.paid_unknown_product")
	} else {
		v, err := r.store.ClaimVoucher(ctx, product)
		switch {
		case err == nil:
			code = v.Code
			product = v.ProductName
		case errors.Is(err, storage.ErrNoVoucherAvailable):
			log.Error().Str("product", product).Msg("flip.callback.paid_without_voucher")
		default:
			return fmt.Errorf("claim voucher: %w", err)
		}
	}

	tx := storage.Transaction{
		TempID:        reservation.NewTempID(now),
		TransactionID: n.GatewayTransactionID,
		BillLinkID:    n.BillLinkID,
		Email:         n.SenderEmail,
		Name:          n.SenderName,
		ProductName:   product,
		Amount:        n.Amount,
		VoucherCode:   code,
		Status:        storage.StatusSuccessful,
		PaymentMethod: n.PaymentMethod,
		ExpiryDate:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateTransaction(ctx, tx); err != nil {
		if code != "" {
			r.release(ctx, code, "callback_create_failed", log)
		}
		if errors.Is(err, storage.ErrDuplicate) {
			log.Info().Msg("flip.callback.already_recorded")
			return nil
		}
		return fmt.Errorf("record unmatched payment: %w", err)
	}

	out.Applied = true
	out.TempID = tx.TempID
	out.Status = tx.Status
	out.VoucherCode = code
	log.Warn().Str("temp_id", tx.TempID).Msg("flip.callback.recorded_unmatched_payment")
	if code == "" {
		return nil
	}
	r.deliver(ctx, tx, code, now, out, log)
	return nil
}

// deliver finalizes the sold voucher and hands the email to the mailer.
func (r *Reconciler) deliver(ctx context.Context, tx storage.Transaction, code string, now time.Time, out *Outcome, log zerolog.Logger) {
	v, err := r.store.FinalizeVoucher(ctx, code, tx.Email, now, r.cfg.VoucherValidity)
	if err != nil {
		log.Error().
			Err(err).
			Str("voucher", logger.RedactCode(code)).
			Bool("needs_attention", true).
			Msg("flip.callback.finalize_failed")
	}
	r.metrics.ObserveIssued(tx.ProductName, "gateway", tx.EffectiveAmount())

	r.mailer.SendVoucher(ctx, mailer.VoucherEmail{
		To:            tx.Email,
		Name:          tx.Name,
		ProductName:   tx.ProductName,
		VoucherCode:   code,
		Amount:        tx.EffectiveAmount(),
		ExpiresAt:     v.ExpiryDate,
		TransactionID: tx.TempID,
	})
	out.EmailSent = true
	log.Info().
		Str("voucher", logger.RedactCode(code)).
		Str("email", logger.RedactEmail(tx.Email)).
		Msg("flip.callback.voucher_issued")
}

func (r *Reconciler) release(ctx context.Context, code, reason string, log zerolog.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	released, err := r.store.ReleaseVoucher(releaseCtx, code)
	if err != nil {
		r.metrics.ObserveRollbackFailure(reason)
		log.Error().
			Err(err).
			Str("voucher", logger.RedactCode(code)).
			Str("reason", reason).
			Bool("needs_attention", true).
			Msg("flip.callback.release_failed")
		return
	}
	if released {
		r.metrics.ObserveRelease(reason)
	}
}

func productFor(recorded, billTitle string) string {
	if recorded != "" {
		return recorded
	}
	return billTitle
}
