package lifecycle

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager closes long-lived resources (store, sweeper, mail queue, idempotency db)
// in reverse registration order, so workers stop before the store they write to.
type Manager struct {
	mu        sync.Mutex
	resources []named
}

type named struct {
	name string
	io.Closer
}

func NewManager() *Manager {
	return &Manager{}
}

// Register queues closer for Close.
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	m.resources = append(m.resources, named{name: name, Closer: closer})
	m.mu.Unlock()
}

// RegisterFunc registers fn as a closer.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closeFunc(fn))
}

// Close attempts every registered closer, newest first, and joins the failures.
// The manager is empty afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	pending := m.resources
	m.resources = nil
	m.mu.Unlock()

	var errs []error
	for i := len(pending) - 1; i >= 0; i-- {
		if err := pending[i].Close(); err != nil {
			log.Error().Err(err).Str("resource", pending[i].name).Msg("lifecycle.close_resource_failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many resources are registered.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }
