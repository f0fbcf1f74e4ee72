package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"
)

var boltBucket = []byte("idempotency")

type boltRecord struct {
	Response  *Response `json:"response"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BoltStore keeps replayable responses in a single-file BoltDB database so
// replays survive a restart. Expired records are purged by a janitor goroutine.
type BoltStore struct {
	db       *bolt.DB
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewBoltStore opens (or creates) the database at path and purges expired records every sweep.
func NewBoltStore(path string, sweep time.Duration) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open idempotency db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create idempotency bucket: %w", err)
	}

	s := &BoltStore{
		db:      db,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.janitor(sweep)
	return s, nil
}

func (s *BoltStore) Get(_ context.Context, key string) (*Response, bool) {
	var rec boltRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil || !found || rec.Response == nil || time.Now().After(rec.ExpiresAt) {
		return nil, false
	}
	return rec.Response, true
}

func (s *BoltStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	data, err := json.Marshal(boltRecord{Response: response, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), data)
	})
}

// Delete is a no-op for a missing key.
func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

// PurgeExpired removes records that expired before now and returns how many.
func (s *BoltStore) PurgeExpired(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil || now.After(rec.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		// The bucket must not be modified inside ForEach.
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *BoltStore) janitor(every time.Duration) {
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
			_, _ = s.PurgeExpired(now)
		}
	}
}

// Close stops the janitor and releases the database file lock.
func (s *BoltStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
	return s.db.Close()
}
