package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/metrics"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("reservation: invalid request")

// Config tunes the engine.
type Config struct {
	PendingTTL time.Duration // lifetime of a PENDING transaction (default 30m)
	Attempts   int           // selections tried when a claimed voucher is already held (default 3)
}

// Request is a purchase attempt for one product.
// Amount and DiscountedAmount are the client-quoted price; the reserved voucher's price is billed.
type Request struct {
	ProductName      string
	Email            string
	Name             string
	Amount           int64
	DiscountedAmount *int64
}

// Reservation is a voucher paired with its new PENDING transaction.
type Reservation struct {
	TempID           string
	VoucherCode      string
	ProductName      string
	Email            string
	Name             string
	Amount           int64
	DiscountedAmount *int64
	EffectiveAmount  int64
	ExpiresAt        time.Time
}

// Engine pairs available vouchers with PENDING transactions.
type Engine struct {
	store   storage.Store
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewEngine constructs a reservation engine.
func NewEngine(store storage.Store, cfg Config, metricsCollector *metrics.Metrics, log zerolog.Logger) *Engine {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 30 * time.Minute
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &Engine{
		store:   store,
		cfg:     cfg,
		metrics: metricsCollector,
		logger:  log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewTempID returns a client-facing transaction id: TX-<unix millis>-<8 random hex chars>.
func NewTempID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("TX-%d-%s", now.UnixMilli(), suffix)
}

// Reserve claims one unused voucher of req.ProductName and records a PENDING transaction for it.
// Returns storage.ErrNoVoucherAvailable when the product is sold out or every retry lost its race.
func (e *Engine) Reserve(ctx context.Context, req Request) (Reservation, error) {
	req.ProductName = strings.TrimSpace(req.ProductName)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	if req.ProductName == "" {
		return Reservation{}, fmt.Errorf("%w: product_name is required", ErrInvalidRequest)
	}
	if req.Email == "" {
		return Reservation{}, fmt.Errorf("%w: email is required", ErrInvalidRequest)
	}

	log := logger.FromContextOr(ctx, e.logger).With().
		Str("product", req.ProductName).
		Str("email", logger.RedactEmail(req.Email)).
		Logger()

	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		res, err := e.reserveOnce(ctx, req, log)
		switch {
		case err == nil:
			e.metrics.ObserveReservation(req.ProductName, "reserved")
			if req.Amount > 0 && storage.EffectiveAmount(req.Amount, req.DiscountedAmount) != res.EffectiveAmount {
				log.Warn().
					Int64("quoted", storage.EffectiveAmount(req.Amount, req.DiscountedAmount)).
					Int64("billed", res.EffectiveAmount).
					Msg("reservation.price_mismatch")
			}
			log.Info().
				Str("temp_id", res.TempID).
				Str("voucher", logger.RedactCode(res.VoucherCode)).
				Int("attempt", attempt).
				Msg("reservation.created")
			return res, nil
		case errors.Is(err, storage.ErrVoucherTaken):
			e.metrics.ObserveReservationRetry()
			log.Warn().Int("attempt", attempt).Msg("reservation.voucher_taken")
			continue
		case errors.Is(err, storage.ErrNoVoucherAvailable):
			e.metrics.ObserveReservation(req.ProductName, "sold_out")
			log.Info().Msg("reservation.sold_out")
			return Reservation{}, storage.ErrNoVoucherAvailable
		default:
			e.metrics.ObserveReservation(req.ProductName, "error")
			return Reservation{}, err
		}
	}

	e.metrics.ObserveReservation(req.ProductName, "sold_out")
	log.Warn().Int("attempts", e.cfg.Attempts).Msg("reservation.retries_exhausted")
	return Reservation{}, storage.ErrNoVoucherAvailable
}

func (e *Engine) reserveOnce(ctx context.Context, req Request, log zerolog.Logger) (Reservation, error) {
	now := e.now()
	tx := storage.Transaction{
		TempID:           NewTempID(now),
		Email:            req.Email,
		Name:             req.Name,
		ProductName:      req.ProductName,
		Amount:           req.Amount,
		DiscountedAmount: req.DiscountedAmount,
		Status:           storage.StatusPending,
		ExpiryDate:       now.Add(e.cfg.PendingTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if atomic, ok := e.store.(storage.AtomicReserver); ok {
		v, err := atomic.ReserveVoucher(ctx, req.ProductName, tx)
		if err != nil {
			return Reservation{}, err
		}
		return newReservation(tx, v), nil
	}

	v, err := e.store.ClaimVoucher(ctx, req.ProductName)
	if err != nil {
		return Reservation{}, err
	}
	tx.VoucherCode = v.Code
	tx.Amount = v.Amount
	tx.DiscountedAmount = v.DiscountedAmount

	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, storage.ErrVoucherTaken) {
			// Another PENDING transaction owns the voucher; leave its flag alone.
			return Reservation{}, err
		}
		e.compensate(ctx, v.Code, "insert_failed", log)
		return Reservation{}, fmt.Errorf("record pending transaction: %w", err)
	}
	return newReservation(tx, v), nil
}

func newReservation(tx storage.Transaction, v storage.Voucher) Reservation {
	return Reservation{
		TempID:           tx.TempID,
		VoucherCode:      v.Code,
		ProductName:      v.ProductName,
		Email:            tx.Email,
		Name:             tx.Name,
		Amount:           v.Amount,
		DiscountedAmount: v.DiscountedAmount,
		EffectiveAmount:  v.EffectiveAmount(),
		ExpiresAt:        tx.ExpiryDate,
	}
}

// Link attaches gateway identifiers to a reservation.
// A transaction already settled by a callback is left as-is.
func (e *Engine) Link(ctx context.Context, tempID, gatewayTransactionID, billLinkID string) error {
	log := logger.FromContextOr(ctx, e.logger)
	err := e.store.LinkGateway(ctx, tempID, gatewayTransactionID, billLinkID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotPending):
		log.Info().Str("temp_id", tempID).Msg("reservation.link_skipped_settled")
		return nil
	case errors.Is(err, storage.ErrDuplicate):
		log.Warn().
			Str("temp_id", tempID).
			Str("gateway_id", logger.TruncateID(gatewayTransactionID)).
			Msg("reservation.link_gateway_id_taken")
		return nil
	default:
		return fmt.Errorf("link gateway ids: %w", err)
	}
}

// Abandon moves a PENDING reservation to status and returns its voucher to the pool.
// Used when the gateway rejects or never receives the bill.
func (e *Engine) Abandon(ctx context.Context, tempID string, status storage.Status) error {
	if !status.IsFailure() {
		return fmt.Errorf("%w: abandon status %s is not a failure status", ErrInvalidRequest, status)
	}
	log := logger.FromContextOr(ctx, e.logger).With().Str("temp_id", tempID).Logger()

	tx, err := e.store.TransitionStatus(ctx, tempID, storage.Transition{To: status, At: e.now()})
	if errors.Is(err, storage.ErrNotPending) {
		log.Info().Str("status", string(tx.Status)).Msg("reservation.abandon_skipped_settled")
		return nil
	}
	if err != nil {
		e.metrics.ObserveRollbackFailure("abandon_transition")
		log.Error().Err(err).Bool("needs_attention", true).Msg("reservation.abandon_failed")
		return fmt.Errorf("abandon transaction: %w", err)
	}

	if tx.VoucherCode != "" {
		if !e.compensate(ctx, tx.VoucherCode, "gateway_failed", log) {
			return fmt.Errorf("release voucher for %s", tempID)
		}
	}
	log.Info().Str("status", string(status)).Msg("reservation.abandoned")
	return nil
}

// compensate releases a voucher, logging loudly when the release itself fails.
func (e *Engine) compensate(ctx context.Context, code, reason string, log zerolog.Logger) bool {
	// The caller's context may already be cancelled; the release must still run.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	released, err := e.store.ReleaseVoucher(releaseCtx, code)
	if err != nil {
		e.metrics.ObserveRollbackFailure(reason)
		log.Error().
			Err(err).
			Str("voucher", logger.RedactCode(code)).
			Str("reason", reason).
			Bool("needs_attention", true).
			Msg("reservation.rollback_failed")
		return false
	}
	if released {
		e.metrics.ObserveRelease(reason)
	}
	return true
}
