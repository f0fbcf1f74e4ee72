package idempotency

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/CedrosPay/vouchers/internal/config"
)

// Response is a completed checkout response kept for replay.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	Body        []byte
	Fingerprint string // sha256 of the request body that produced it
	CachedAt    time.Time
}

// Store keeps replayable responses by scoped key.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a bounded in-process Store with LRU eviction and a janitor goroutine.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	maxSize  int
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type entry struct {
	key       string
	response  *Response
	expiresAt time.Time
}

// NewMemoryStore holds up to 10,000 responses.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000, 5*time.Minute)
}

// NewMemoryStoreWithSize bounds the store to maxSize entries and purges expired ones every sweep.
func NewMemoryStoreWithSize(maxSize int, sweep time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1
	}
	s := &MemoryStore{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.janitor(sweep)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if now.After(e.expiresAt) {
		s.removeLocked(el)
		return nil, false
	}
	s.order.MoveToFront(el)
	return e.response, true
}

func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		e := el.Value.(*entry)
		e.response = response
		e.expiresAt = expiresAt
		s.order.MoveToFront(el)
		return nil
	}
	for len(s.entries) >= s.maxSize {
		s.removeLocked(s.order.Back())
	}
	s.entries[key] = s.order.PushFront(&entry{key: key, response: response, expiresAt: expiresAt})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
	return nil
}

// Len reports the number of stored responses, expired ones included until purged.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	s.order.Remove(el)
	delete(s.entries, el.Value.(*entry).key)
}

func (s *MemoryStore) purgeExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			s.removeLocked(el)
		}
		el = prev
	}
}

func (s *MemoryStore) janitor(every time.Duration) {
	defer close(s.stopped)
	if every <= 0 {
		<-s.stop
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.purgeExpired(now)
		}
	}
}

// Stop ends the janitor goroutine. Safe to call more than once.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

// Close implements io.Closer.
func (s *MemoryStore) Close() error {
	s.Stop()
	return nil
}

// ClosableStore is a Store that owns background resources.
type ClosableStore interface {
	Store
	io.Closer
}

// Open builds the configured backend.
func Open(cfg config.IdempotencyConfig) (ClosableStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStoreWithSize(cfg.MaxSize, 5*time.Minute), nil
	case "bolt":
		s, err := NewBoltStore(cfg.BoltPath, 5*time.Minute)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend: %s", cfg.Backend)
	}
}
