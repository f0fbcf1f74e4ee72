package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// FailedEmail is a voucher email that exhausted every delivery attempt.
type FailedEmail struct {
	ID          string       `json:"id"`
	Email       VoucherEmail `json:"email"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"lastError"`
	LastAttempt time.Time    `json:"lastAttempt"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// DLQStore keeps undeliverable emails for manual resend.
type DLQStore interface {
	SaveFailedEmail(ctx context.Context, email FailedEmail) error
	ListFailedEmails(ctx context.Context, limit int) ([]FailedEmail, error)
	DeleteFailedEmail(ctx context.Context, id string) error
}

// MemoryDLQ stores failed emails in memory.
type MemoryDLQ struct {
	mu     sync.RWMutex
	emails map[string]FailedEmail
}

// NewMemoryDLQ creates an in-memory DLQ.
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{emails: make(map[string]FailedEmail)}
}

func (m *MemoryDLQ) SaveFailedEmail(_ context.Context, email FailedEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails[email.ID] = email
	return nil
}

func (m *MemoryDLQ) ListFailedEmails(_ context.Context, limit int) ([]FailedEmail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listOldestFirst(m.emails, limit), nil
}

func (m *MemoryDLQ) DeleteFailedEmail(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.emails, id)
	return nil
}

// FileDLQ stores failed emails in a JSON file, rewritten on every change.
type FileDLQ struct {
	mu       sync.RWMutex
	filePath string
	emails   map[string]FailedEmail
}

// NewFileDLQ opens (or starts) a file-backed DLQ.
func NewFileDLQ(filePath string) (*FileDLQ, error) {
	f := &FileDLQ{
		filePath: filePath,
		emails:   make(map[string]FailedEmail),
	}
	if err := f.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load mail DLQ: %w", err)
	}
	return f, nil
}

func (f *FileDLQ) SaveFailedEmail(_ context.Context, email FailedEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails[email.ID] = email
	return f.persist()
}

func (f *FileDLQ) ListFailedEmails(_ context.Context, limit int) ([]FailedEmail, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return listOldestFirst(f.emails, limit), nil
}

func (f *FileDLQ) DeleteFailedEmail(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.emails, id)
	return f.persist()
}

func (f *FileDLQ) load() error {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}
	var emails map[string]FailedEmail
	if err := json.Unmarshal(data, &emails); err != nil {
		return fmt.Errorf("unmarshal mail DLQ: %w", err)
	}
	if emails != nil {
		f.emails = emails
	}
	return nil
}

func (f *FileDLQ) persist() error {
	data, err := json.MarshalIndent(f.emails, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mail DLQ: %w", err)
	}
	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write mail DLQ: %w", err)
	}
	if err := os.Rename(tmpPath, f.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename mail DLQ: %w", err)
	}
	return nil
}

func listOldestFirst(emails map[string]FailedEmail, limit int) []FailedEmail {
	result := make([]FailedEmail, 0, len(emails))
	for _, e := range emails {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
