package mailer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CedrosPay/vouchers/internal/circuitbreaker"
	"github.com/CedrosPay/vouchers/internal/config"
	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetryConfig holds email retry configuration.
type RetryConfig struct {
	Enabled         bool
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Timeout         time.Duration // per attempt
}

// DefaultRetryConfig returns the default email retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:         true,
		MaxAttempts:     4,
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		Timeout:         15 * time.Second,
	}
}

// RetryConfigFrom converts application config, falling back to defaults for unset fields.
func RetryConfigFrom(cfg config.MailConfig) RetryConfig {
	rc := DefaultRetryConfig()
	rc.Enabled = cfg.Retry.Enabled
	if cfg.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval.Duration > 0 {
		rc.InitialInterval = cfg.Retry.InitialInterval.Duration
	}
	if cfg.Retry.MaxInterval.Duration > 0 {
		rc.MaxInterval = cfg.Retry.MaxInterval.Duration
	}
	if cfg.Retry.Multiplier > 0 {
		rc.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Timeout.Duration > 0 {
		rc.Timeout = cfg.Timeout.Duration
	}
	return rc
}

// AsyncMailer sends through a Sender in the background with exponential backoff.
// Emails that exhaust every attempt go to the DLQ.
type AsyncMailer struct {
	sender   Sender
	retryCfg RetryConfig
	dlq      DLQStore
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	wg       sync.WaitGroup
	sleep    func(time.Duration)
}

// Option customizes the async mailer.
type Option func(*AsyncMailer)

// WithLogger sets the logger used for delivery failures.
func WithLogger(l zerolog.Logger) Option {
	return func(m *AsyncMailer) {
		m.logger = l
	}
}

// WithDLQ enables the dead letter queue.
func WithDLQ(store DLQStore) Option {
	return func(m *AsyncMailer) {
		m.dlq = store
	}
}

// WithRetryConfig replaces the retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(m *AsyncMailer) {
		m.retryCfg = cfg
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *AsyncMailer) {
		m.metrics = mt
	}
}

// NewAsyncMailer wraps sender.
func NewAsyncMailer(sender Sender, opts ...Option) *AsyncMailer {
	m := &AsyncMailer{
		sender:   sender,
		retryCfg: DefaultRetryConfig(),
		logger:   zerolog.Nop(),
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retryCfg.MaxAttempts <= 0 {
		m.retryCfg.MaxAttempts = 1
	}
	return m
}

// New builds the configured mailer: NoopMailer when mail is disabled, otherwise
// an AsyncMailer over SMTP with a file or memory DLQ.
func New(cfg config.MailConfig, breaker *circuitbreaker.Manager, opts ...Option) (Mailer, error) {
	if !cfg.Enabled {
		return NoopMailer{}, nil
	}
	var dlq DLQStore = NewMemoryDLQ()
	if cfg.DLQPath != "" {
		fileDLQ, err := NewFileDLQ(cfg.DLQPath)
		if err != nil {
			return nil, err
		}
		dlq = fileDLQ
	}
	opts = append([]Option{WithRetryConfig(RetryConfigFrom(cfg)), WithDLQ(dlq)}, opts...)
	return NewAsyncMailer(NewSMTPSender(cfg, breaker), opts...), nil
}

// SendVoucher queues delivery and returns immediately.
func (m *AsyncMailer) SendVoucher(ctx context.Context, email VoucherEmail) {
	if m == nil {
		return
	}
	log := logger.FromContextOr(ctx, m.logger)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		bg := context.Background()
		attempts, err := m.sendWithRetry(bg, email)
		if err == nil {
			return
		}
		log.Error().
			Err(err).
			Str("transaction_id", email.TransactionID).
			Str("email", logger.RedactEmail(email.To)).
			Int("attempts", attempts).
			Msg("mail.voucher.undeliverable")
		if m.dlq != nil {
			m.saveToDLQ(bg, email, attempts, err)
		}
	}()
}

// Close waits for in-flight deliveries to finish or ctx to end.
func (m *AsyncMailer) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *AsyncMailer) sendWithRetry(ctx context.Context, email VoucherEmail) (int, error) {
	maxAttempts := m.retryCfg.MaxAttempts
	if !m.retryCfg.Enabled {
		maxAttempts = 1
	}
	interval := m.retryCfg.InitialInterval
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if m.retryCfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, m.retryCfg.Timeout)
		}
		err := m.sender.Send(attemptCtx, email)
		cancel()

		if err == nil {
			m.metrics.ObserveEmail("success", time.Since(start), attempt, false)
			if attempt > 1 {
				m.logger.Info().Int("attempt", attempt).Str("transaction_id", email.TransactionID).Msg("mail.voucher.sent_after_retry")
			}
			return attempt, nil
		}

		lastErr = err
		m.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("next_retry", interval).
			Msg("mail.voucher.attempt_failed")

		if attempt < maxAttempts {
			m.sleep(interval)
			interval = time.Duration(float64(interval) * m.retryCfg.Multiplier)
			if m.retryCfg.MaxInterval > 0 && interval > m.retryCfg.MaxInterval {
				interval = m.retryCfg.MaxInterval
			}
		}
	}

	m.metrics.ObserveEmail("failed", time.Since(start), maxAttempts, false)
	return maxAttempts, fmt.Errorf("voucher email failed after %d attempts: %w", maxAttempts, lastErr)
}

func (m *AsyncMailer) saveToDLQ(ctx context.Context, email VoucherEmail, attempts int, lastErr error) {
	now := time.Now().UTC()
	failed := FailedEmail{
		ID:          "mail_" + uuid.NewString(),
		Email:       email,
		Attempts:    attempts,
		LastError:   lastErr.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}
	if err := m.dlq.SaveFailedEmail(ctx, failed); err != nil {
		m.logger.Error().Err(err).Str("dlq_id", failed.ID).Msg("mail.dlq.save_failed")
		return
	}
	m.metrics.ObserveEmail("dlq", 0, attempts, true)
	m.logger.Info().Str("dlq_id", failed.ID).Int("attempts", attempts).Msg("mail.dlq.saved")
}
