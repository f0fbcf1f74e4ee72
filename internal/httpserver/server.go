package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/vouchers/internal/apikey"
	"github.com/CedrosPay/vouchers/internal/circuitbreaker"
	"github.com/CedrosPay/vouchers/internal/config"
	"github.com/CedrosPay/vouchers/internal/flip"
	"github.com/CedrosPay/vouchers/internal/idempotency"
	"github.com/CedrosPay/vouchers/internal/issuance"
	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/metrics"
	"github.com/CedrosPay/vouchers/internal/ratelimit"
	"github.com/CedrosPay/vouchers/internal/reconcile"
	"github.com/CedrosPay/vouchers/internal/reservation"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/CedrosPay/vouchers/internal/sweeper"
)

// CleanupSecretHeader carries the shared secret for POST /cleanup-expired.
const CleanupSecretHeader = "X-Cleanup-Secret"

var (
	serverStartTime = time.Now()
)

// Services are the components the handlers drive.
type Services struct {
	Store          storage.Store
	Engine         *reservation.Engine
	Gateway        flip.Gateway
	Reconciler     *reconcile.Reconciler
	Sweeper        *sweeper.Sweeper
	Issuer         *issuance.Issuer
	Idempotency    idempotency.Store       // nil disables Idempotency-Key replay
	IdempotencyTTL time.Duration           // zero uses idempotency.DefaultTTL
	Breakers       *circuitbreaker.Manager // reported by /health
	Metrics        *metrics.Metrics        // Prometheus metrics collector
	Gatherer       prometheus.Gatherer     // served at /metrics; nil uses the default registry
	Logger         zerolog.Logger          // Structured logger
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg        *config.Config
	store      storage.Store
	engine     *reservation.Engine
	gateway    flip.Gateway
	reconciler *reconcile.Reconciler
	sweeper    *sweeper.Sweeper
	issuer     *issuance.Issuer
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
	location   *time.Location // bucketing zone for dashboard days
	now        func() time.Time
}

func newHandlers(cfg *config.Config, svc Services) handlers {
	loc, err := time.LoadLocation(cfg.Flip.Location)
	if err != nil || cfg.Flip.Location == "" {
		loc = time.UTC
	}
	return handlers{
		cfg:        cfg,
		store:      svc.Store,
		engine:     svc.Engine,
		gateway:    svc.Gateway,
		reconciler: svc.Reconciler,
		sweeper:    svc.Sweeper,
		issuer:     svc.Issuer,
		breakers:   svc.Breakers,
		metrics:    svc.Metrics,
		gatherer:   svc.Gatherer,
		logger:     svc.Logger,
		location:   loc,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, svc Services) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: newHandlers(cfg, svc),
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, svc)

	return s
}

// ConfigureRouter attaches the checkout routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, svc Services) {
	if router == nil {
		return
	}

	handler := newHandlers(cfg, svc)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location", "X-Request-ID", idempotency.ReplayHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// Logger goes before RequestID so the request-scoped logger is in context for everything below.
	router.Use(logger.Middleware(svc.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// API key tiers must be resolved before the limiters consult them.
	apiKeyCfg := apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		APIKeys: make(map[string]apikey.Tier),
	}
	for key, tierStr := range cfg.APIKey.Keys {
		apiKeyCfg.APIKeys[key] = apikey.Tier(tierStr)
	}
	router.Use(apikey.Middleware(apiKeyCfg))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:   cfg.RateLimit.GlobalEnabled,
		GlobalLimit:     cfg.RateLimit.GlobalLimit,
		GlobalWindow:    cfg.RateLimit.GlobalWindow.Duration,
		PerEmailEnabled: cfg.RateLimit.PerEmailEnabled,
		PerEmailLimit:   cfg.RateLimit.PerEmailLimit,
		PerEmailWindow:  cfg.RateLimit.PerEmailWindow.Duration,
		PerIPEnabled:    cfg.RateLimit.PerIPEnabled,
		PerIPLimit:      cfg.RateLimit.PerIPLimit,
		PerIPWindow:     cfg.RateLimit.PerIPWindow.Duration,
		Metrics:         svc.Metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix
	adminAuth := apikey.RequireBearer(cfg.Server.AdminAPIKey)
	emailLimiter := ratelimit.EmailLimiter(rateLimitCfg)

	idempotencyMW := func(next http.Handler) http.Handler { return next }
	if svc.Idempotency != nil {
		idempotencyMW = idempotency.Middleware(svc.Idempotency, svc.IdempotencyTTL)
	}

	// Reads that only touch the store.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		r.Get(prefix+"/check-transaction", handler.checkTransaction)
		r.Get(prefix+"/redirect-payment", handler.redirectPayment)
		r.Get(prefix+"/vouchers", handler.listVouchers)
		r.With(adminAuth).Handle(prefix+"/metrics", handler.metricsHandler())
	})

	// Writes, gateway calls and scans.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.With(emailLimiter, idempotencyMW).Post(prefix+"/create-payment", handler.createPayment)
		r.With(emailLimiter, idempotencyMW).Post(prefix+"/vouchers/use", handler.useVoucher)

		// Flip posts here; the URL is registered with the gateway and must stay stable.
		r.Post(prefix+"/flip-callback", handler.flipCallback)

		r.With(
			ratelimit.CleanupLimiter(cfg.RateLimit.CleanupLimit, cfg.RateLimit.CleanupWindow.Duration, svc.Metrics),
			apikey.RequireHeaderSecret(CleanupSecretHeader, cfg.Server.CleanupSecret),
		).Post(prefix+"/cleanup-expired", handler.cleanupExpired)

		r.With(adminAuth).Get(prefix+"/dashboard/stats", handler.dashboardStats)
	})
}

func (h *handlers) metricsHandler() http.Handler {
	if h.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
