package circuitbreaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/CedrosPay/vouchers/internal/config"
)

// ServiceType names an outbound dependency with its own breaker.
type ServiceType string

const (
	ServiceFlip ServiceType = "flip_api"
	ServiceMail ServiceType = "mail"
)

// Manager isolates Flip and SMTP failures from each other: a mail outage
// never stops bill creation.
type Manager struct {
	enabled  bool
	breakers map[ServiceType]*gobreaker.CircuitBreaker
}

type Config struct {
	Enabled bool
	FlipAPI BreakerConfig
	Mail    BreakerConfig
}

// BreakerConfig maps onto gobreaker.Settings. The breaker trips on
// ConsecutiveFailures, or on FailureRatio once MinRequests were counted in
// the current Interval.
type BreakerConfig struct {
	MaxRequests         uint32        // allowed through while half-open
	Interval            time.Duration // closed-state count reset; 0 never resets
	Timeout             time.Duration // open before probing again
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// ErrOpen is returned when a breaker rejects a call without executing it.
var ErrOpen = gobreaker.ErrOpenState

// IsOpen reports whether err means the breaker short-circuited the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	convert := func(c config.BreakerServiceConfig) BreakerConfig {
		return BreakerConfig{
			MaxRequests:         c.MaxRequests,
			Interval:            c.Interval.Duration,
			Timeout:             c.Timeout.Duration,
			ConsecutiveFailures: c.ConsecutiveFailures,
			FailureRatio:        c.FailureRatio,
			MinRequests:         c.MinRequests,
		}
	}
	return NewManager(Config{Enabled: cfg.Enabled, FlipAPI: convert(cfg.FlipAPI), Mail: convert(cfg.Mail)})
}

// NewManager builds one breaker per service. A disabled manager passes calls through.
func NewManager(cfg Config) *Manager {
	m := &Manager{enabled: cfg.Enabled, breakers: map[ServiceType]*gobreaker.CircuitBreaker{}}
	if !cfg.Enabled {
		return m
	}
	for svc, bc := range map[ServiceType]BreakerConfig{ServiceFlip: cfg.FlipAPI, ServiceMail: cfg.Mail} {
		m.breakers[svc] = gobreaker.NewCircuitBreaker(settings(string(svc), bc))
	}
	return m
}

func (m *Manager) lookup(service ServiceType) (*gobreaker.CircuitBreaker, bool) {
	if m == nil || !m.enabled {
		return nil, false
	}
	b, ok := m.breakers[service]
	return b, ok
}

// Execute runs fn through the service's breaker, or directly when none is configured.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	b, ok := m.lookup(service)
	if !ok {
		return fn()
	}
	return b.Execute(fn)
}

// State is "closed", "half-open" or "open"; "disabled" when breakers are off.
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.enabled {
		return "disabled"
	}
	b, ok := m.lookup(service)
	if !ok {
		return "not_configured"
	}
	return b.State().String()
}

func settings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && c.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			return cfg.FailureRatio > 0 && cfg.MinRequests > 0 && c.Requests >= cfg.MinRequests &&
				float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit_breaker.state_changed")
		},
	}
}

// DefaultConfig trips Flip sooner than mail; checkout depends on Flip.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		FlipAPI: BreakerConfig{MaxRequests: 3, Interval: time.Minute, Timeout: 30 * time.Second, ConsecutiveFailures: 5, FailureRatio: 0.5, MinRequests: 10},
		Mail:    BreakerConfig{MaxRequests: 2, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 5, FailureRatio: 0.7, MinRequests: 10},
	}
}
