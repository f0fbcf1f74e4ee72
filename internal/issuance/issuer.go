package issuance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/mailer"
	"github.com/CedrosPay/vouchers/internal/metrics"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidRequest marks a request rejected before touching the pool.
var ErrInvalidRequest = errors.New("issuance: invalid request")

// Request asks for one voucher without a gateway payment.
type Request struct {
	Email       string
	Name        string
	ProductName string
}

// Result is an issued voucher.
type Result struct {
	TransactionID string
	VoucherCode   string
	ProductName   string
	Amount        int64
	ExpiresAt     time.Time
}

// Issuer hands out vouchers directly: the transaction is recorded as SUCCESSFUL
// and the voucher row is removed from the pool.
type Issuer struct {
	store    storage.Store
	mailer   mailer.Mailer
	validity time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an Issuer.
func New(store storage.Store, m mailer.Mailer, validity time.Duration, mt *metrics.Metrics, log zerolog.Logger) *Issuer {
	if m == nil {
		m = mailer.NoopMailer{}
	}
	if validity <= 0 {
		validity = storage.DefaultVoucherValidity
	}
	return &Issuer{
		store:    store,
		mailer:   m,
		validity: validity,
		metrics:  mt,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Issue claims a voucher for req.ProductName (any product when empty).
// Returns storage.ErrNoVoucherAvailable when the pool is empty.
func (i *Issuer) Issue(ctx context.Context, req Request) (Result, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	req.ProductName = strings.TrimSpace(req.ProductName)
	if req.Email == "" {
		return Result{}, fmt.Errorf("%w: email is required", ErrInvalidRequest)
	}

	log := logger.FromContextOr(ctx, i.logger).With().
		Str("email", logger.RedactEmail(req.Email)).
		Str("product", req.ProductName).
		Logger()

	v, err := i.store.ClaimVoucher(ctx, req.ProductName)
	if err != nil {
		if errors.Is(err, storage.ErrNoVoucherAvailable) {
			log.Info().Msg("voucher.issue.sold_out")
		}
		return Result{}, err
	}

	now := i.now()
	id := "DIRECT-" + uuid.NewString()
	tx := storage.Transaction{
		TempID:           id,
		TransactionID:    id,
		Email:            req.Email,
		Name:             req.Name,
		ProductName:      v.ProductName,
		Amount:           v.Amount,
		DiscountedAmount: v.DiscountedAmount,
		VoucherCode:      v.Code,
		Status:           storage.StatusSuccessful,
		PaymentMethod:    "direct",
		ExpiryDate:       now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := i.store.CreateTransaction(ctx, tx); err != nil {
		i.release(ctx, v.Code, log)
		return Result{}, fmt.Errorf("record issuance: %w", err)
	}

	if err := i.store.DeleteVoucher(ctx, v.Code); err != nil {
		// The transaction is committed; a leftover row stays used=true and is never resold.
		log.Error().
			Err(err).
			Str("voucher", logger.RedactCode(v.Code)).
			Bool("needs_attention", true).
			Msg("voucher.issue.delete_failed")
	}

	expiresAt := now.Add(i.validity)
	i.metrics.ObserveIssued(v.ProductName, "direct", tx.EffectiveAmount())
	i.mailer.SendVoucher(ctx, mailer.VoucherEmail{
		To:            req.Email,
		Name:          req.Name,
		ProductName:   v.ProductName,
		VoucherCode:   v.Code,
		Amount:        tx.EffectiveAmount(),
		ExpiresAt:     &expiresAt,
		TransactionID: id,
	})
	log.Info().Str("transaction_id", id).Str("voucher", logger.RedactCode(v.Code)).Msg("voucher.issue.completed")

	return Result{
		TransactionID: id,
		VoucherCode:   v.Code,
		ProductName:   v.ProductName,
		Amount:        tx.EffectiveAmount(),
		ExpiresAt:     expiresAt,
	}, nil
}

func (i *Issuer) release(ctx context.Context, code string, log zerolog.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	released, err := i.store.ReleaseVoucher(releaseCtx, code)
	if err != nil {
		i.metrics.ObserveRollbackFailure("issuance")
		log.Error().
			Err(err).
			Str("voucher", logger.RedactCode(code)).
			Bool("needs_attention", true).
			Msg("voucher.issue.rollback_failed")
		return
	}
	if released {
		i.metrics.ObserveRelease("issuance_failed")
	}
}
