package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CedrosPay/vouchers/internal/config"
	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/metrics"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/rs/zerolog"
)

// maxBatchesPerPass bounds one pass so a stuck row cannot spin the loop.
const maxBatchesPerPass = 50

const releaseTimeout = 5 * time.Second

// Config holds sweeper settings.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig returns the default sweep schedule.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Interval:  5 * time.Minute,
		BatchSize: 200,
	}
}

// ConfigFrom converts application config.
func ConfigFrom(cfg config.SweeperConfig) Config {
	c := DefaultConfig()
	c.Enabled = cfg.Enabled
	if cfg.Interval.Duration > 0 {
		c.Interval = cfg.Interval.Duration
	}
	if cfg.BatchSize > 0 {
		c.BatchSize = cfg.BatchSize
	}
	return c
}

// Result summarizes one sweep pass.
type Result struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	Skipped  int `json:"skipped"`
	Released int `json:"released"`
	Failed   int `json:"failed"`
}

// Sweeper expires PENDING transactions past their deadline and returns their vouchers.
type Sweeper struct {
	store    storage.Store
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	passMu   sync.Mutex
	stopChan chan struct{}
	doneChan chan struct{}
}

// New creates a sweeper.
func New(store storage.Store, cfg Config, m *metrics.Metrics, log zerolog.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Sweeper{
		store:    store,
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the periodic loop. A disabled sweeper still serves RunNow.
func (s *Sweeper) Start() {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("sweeper.disabled")
		close(s.doneChan)
		return
	}
	s.logger.Info().Dur("interval", s.cfg.Interval).Int("batch_size", s.cfg.BatchSize).Msg("sweeper.started")
	go s.run()
}

// Stop ends the periodic loop and waits for an in-flight pass.
func (s *Sweeper) Stop() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	<-s.doneChan
	s.logger.Info().Msg("sweeper.stopped")
}

func (s *Sweeper) run() {
	defer close(s.doneChan)

	s.sweepScheduled()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepScheduled()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Sweeper) sweepScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
	defer cancel()
	if _, err := s.RunNow(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sweeper.pass.failed")
	}
}

// RunNow performs one pass immediately. Passes never overlap.
func (s *Sweeper) RunNow(ctx context.Context) (Result, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	log := logger.FromContextOr(ctx, s.logger)
	var total Result
	for batch := 0; batch < maxBatchesPerPass; batch++ {
		now := s.now()
		pending, err := s.store.ListExpiredPending(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.metrics.ObserveSweep(total.Expired, total.Skipped)
			return total, fmt.Errorf("list expired pending: %w", err)
		}
		res := s.sweepBatch(ctx, pending, now, log)
		total.Scanned += res.Scanned
		total.Expired += res.Expired
		total.Skipped += res.Skipped
		total.Released += res.Released
		total.Failed += res.Failed

		if len(pending) < s.cfg.BatchSize || res.Failed > 0 || ctx.Err() != nil {
			break
		}
	}

	s.metrics.ObserveSweep(total.Expired, total.Skipped)
	log.Info().
		Int("scanned", total.Scanned).
		Int("expired", total.Expired).
		Int("skipped", total.Skipped).
		Int("released", total.Released).
		Int("failed", total.Failed).
		Msg("sweeper.pass.completed")
	return total, nil
}

// release survives cancellation of ctx: once EXPIRED wins, nothing else
// will ever return the voucher to the pool.
func (s *Sweeper) release(ctx context.Context, code string) (bool, error) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	return s.store.ReleaseVoucher(releaseCtx, code)
}

func (s *Sweeper) sweepBatch(ctx context.Context, pending []storage.Transaction, now time.Time, log zerolog.Logger) Result {
	var res Result
	for _, tx := range pending {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		updated, err := s.store.TransitionStatus(ctx, tx.TempID, storage.Transition{To: storage.StatusExpired, At: now})
		switch {
		case errors.Is(err, storage.ErrNotPending):
			// Settled by a callback after the read.
			res.Skipped++
			continue
		case err != nil:
			res.Failed++
			log.Error().Err(err).Str("temp_id", tx.TempID).Msg("sweeper.expire_failed")
			continue
		}
		res.Expired++

		if updated.VoucherCode == "" {
			continue
		}
		released, err := s.release(ctx, updated.VoucherCode)
		if err != nil {
			s.metrics.ObserveRollbackFailure("sweeper")
			log.Error().
				Err(err).
				Str("temp_id", tx.TempID).
				Str("voucher", logger.RedactCode(updated.VoucherCode)).
				Bool("needs_attention", true).
				Msg("sweeper.release_failed")
			continue
		}
		if released {
			res.Released++
			s.metrics.ObserveRelease("expired")
		}
	}
	return res
}
