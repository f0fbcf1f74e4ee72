package vouchers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/vouchers/internal/circuitbreaker"
	"github.com/CedrosPay/vouchers/internal/config"
	"github.com/CedrosPay/vouchers/internal/dbpool"
	"github.com/CedrosPay/vouchers/internal/flip"
	"github.com/CedrosPay/vouchers/internal/httpserver"
	"github.com/CedrosPay/vouchers/internal/idempotency"
	"github.com/CedrosPay/vouchers/internal/issuance"
	"github.com/CedrosPay/vouchers/internal/lifecycle"
	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/mailer"
	"github.com/CedrosPay/vouchers/internal/metrics"
	"github.com/CedrosPay/vouchers/internal/reconcile"
	"github.com/CedrosPay/vouchers/internal/reservation"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/CedrosPay/vouchers/internal/sweeper"
)

// mailDrainTimeout bounds how long Close waits for queued voucher emails.
const mailDrainTimeout = 30 * time.Second

// App wires the voucher checkout components for reuse or standalone serving.
type App struct {
	Config      *Config
	Store       storage.Store
	Gateway     flip.Gateway
	Mailer      mailer.Mailer
	Engine      *reservation.Engine
	Reconciler  *reconcile.Reconciler
	Sweeper     *sweeper.Sweeper
	Issuer      *issuance.Issuer
	Breakers    *circuitbreaker.Manager
	Idempotency idempotency.Store

	logger          zerolog.Logger
	metrics         *metrics.Metrics
	gatherer        prometheus.Gatherer
	resourceManager *lifecycle.Manager

	routerOnce sync.Once
	router     chi.Router
	startOnce  sync.Once
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	gateway  flip.Gateway
	mailer   mailer.Mailer
	router   chi.Router
	registry *prometheus.Registry
	logger   *zerolog.Logger
}

// WithStore sets a custom storage backend. The caller keeps ownership and closes it.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithGateway replaces the Flip client, e.g. with a sandbox stub.
func WithGateway(gateway flip.Gateway) Option {
	return func(o *options) {
		o.gateway = gateway
	}
}

// WithMailer replaces the configured voucher mailer.
func WithMailer(m mailer.Mailer) Option {
	return func(o *options) {
		o.mailer = m
	}
}

// WithRouter registers the routes onto an existing chi.Router.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegistry registers metrics on registry instead of the default one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithLogger sets the application logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// NewApp assembles the checkout services. Call Start to run the periodic sweeper and Close to release resources.
func NewApp(ctx context.Context, cfg *Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("vouchers: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	if optState.logger != nil {
		app.logger = *optState.logger
	} else {
		app.logger = logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     "vouchers",
			Environment: cfg.Logging.Environment,
		})
	}

	if optState.registry != nil {
		app.metrics = metrics.New(optState.registry)
		app.gatherer = optState.registry
	} else {
		app.metrics = metrics.New(prometheus.DefaultRegisterer)
		app.gatherer = prometheus.DefaultGatherer
	}

	if err := app.initStore(ctx, optState.store); err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	if optState.gateway != nil {
		app.Gateway = optState.gateway
	} else {
		flipCfg, err := flip.ConfigFrom(cfg.Flip)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.Gateway = flip.NewClient(flipCfg,
			flip.WithBreaker(app.Breakers),
			flip.WithMetrics(app.metrics),
			flip.WithLogger(app.logger),
		)
	}

	if optState.mailer != nil {
		app.Mailer = optState.mailer
	} else {
		m, err := mailer.New(cfg.Mail, app.Breakers,
			mailer.WithLogger(app.logger),
			mailer.WithMetrics(app.metrics),
		)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("init mailer: %w", err)
		}
		app.Mailer = m
		if async, ok := m.(*mailer.AsyncMailer); ok {
			app.resourceManager.RegisterFunc("mail-queue", func() error {
				ctx, cancel := context.WithTimeout(context.Background(), mailDrainTimeout)
				defer cancel()
				return async.Close(ctx)
			})
		}
	}

	app.Engine = reservation.NewEngine(app.Store, reservation.Config{
		PendingTTL: cfg.Checkout.PendingTTL.Duration,
		Attempts:   cfg.Checkout.ReserveAttempts,
	}, app.metrics, app.logger)
	app.Reconciler = reconcile.New(app.Store, app.Mailer, reconcile.Config{
		VoucherValidity: cfg.Checkout.VoucherValidity.Duration,
	}, app.metrics, app.logger)
	app.Issuer = issuance.New(app.Store, app.Mailer, cfg.Checkout.VoucherValidity.Duration, app.metrics, app.logger)
	app.Sweeper = sweeper.New(app.Store, sweeper.ConfigFrom(cfg.Sweeper), app.metrics, app.logger)

	idem, err := idempotency.Open(cfg.Idempotency)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("init idempotency store: %w", err)
	}
	app.Idempotency = idem
	app.resourceManager.Register("idempotency-store", idem)

	if optState.router != nil {
		app.router = optState.router
		app.routerOnce.Do(func() {
			httpserver.ConfigureRouter(app.router, cfg, app.Services())
		})
	}

	return app, nil
}

// initStore opens the configured backend unless one was injected.
// Postgres runs on a shared pool the store borrows and never closes.
func (a *App) initStore(ctx context.Context, injected storage.Store) error {
	if injected != nil {
		a.Store = injected
		return nil
	}

	storeCfg := storage.StoreConfigFrom(a.Config.Storage, a.metrics)
	if storeCfg.Backend == "postgres" {
		pool, err := dbpool.NewSharedPool(ctx, a.Config.Storage.PostgresURL, a.Config.Storage.PostgresPool)
		if err != nil {
			return fmt.Errorf("init postgres pool: %w", err)
		}
		a.resourceManager.Register("postgres-pool", pool)
		store, err := storage.NewStoreWithDB(ctx, storeCfg, pool.DB())
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		a.Store = store
		return nil
	}

	store, err := storage.NewStore(ctx, storeCfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if storeCfg.Backend == "memory" || storeCfg.Backend == "" {
		a.logger.Warn().Msg("vouchers: defaulting to in-memory store, do not use this backend in production")
	}
	a.resourceManager.Register("storage", store)
	a.Store = store
	return nil
}

// Services exposes the wired components to the HTTP layer.
func (a *App) Services() httpserver.Services {
	return httpserver.Services{
		Store:          a.Store,
		Engine:         a.Engine,
		Gateway:        a.Gateway,
		Reconciler:     a.Reconciler,
		Sweeper:        a.Sweeper,
		Issuer:         a.Issuer,
		Idempotency:    a.Idempotency,
		IdempotencyTTL: a.Config.Idempotency.TTL.Duration,
		Breakers:       a.Breakers,
		Metrics:        a.metrics,
		Gatherer:       a.gatherer,
		Logger:         a.logger,
	}
}

// Logger returns the application logger.
func (a *App) Logger() zerolog.Logger {
	return a.logger
}

// Start runs the periodic expiry sweeper. Close stops it.
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.Sweeper.Start()
		a.resourceManager.RegisterFunc("sweeper", func() error {
			a.Sweeper.Stop()
			return nil
		})
	})
}

// Router returns the chi router with the checkout routes registered.
func (a *App) Router() chi.Router {
	a.routerOnce.Do(func() {
		a.router = chi.NewRouter()
		httpserver.ConfigureRouter(a.router, a.Config, a.Services())
	})
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.Router()
}

// Close stops the sweeper, drains the mail queue and closes the store.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// RegisterRoutes attaches the checkout endpoints to router using an existing App.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}
	httpserver.ConfigureRouter(router, app.Config, app.Services())
}

// NewHandler is a convenience that constructs and starts an App and returns its handler.
func NewHandler(ctx context.Context, cfg *Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	app.Start()
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the checkout.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
