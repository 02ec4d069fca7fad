package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/visitor-chat/internal/domain"
)

type memValue struct {
	value     string
	expiresAt time.Time
}

// MemoryStore implements Repository in process memory. Blobs are stored
// encoded so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[Scope]map[string]memValue
	sessions map[string][]byte
	updated  map[string]time.Time
	now      func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		values:   map[Scope]map[string]memValue{ScopeCookie: {}, ScopeSession: {}},
		sessions: map[string][]byte{},
		updated:  map[string]time.Time{},
		now:      time.Now,
	}
}

// SetClock replaces the clock used for expiry checks.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// GetValue returns a stored value.
func (m *MemoryStore) GetValue(_ context.Context, scope Scope, name string) (string, bool, error) {
	if !scope.Valid() {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[scope][name]
	if !ok || m.expired(v) {
		return "", false, nil
	}
	return v.value, true, nil
}

func (m *MemoryStore) expired(v memValue) bool {
	return !v.expiresAt.IsZero() && !v.expiresAt.After(m.now())
}

// SetValue stores a value.
func (m *MemoryStore) SetValue(_ context.Context, scope Scope, name, value string, ttl time.Duration) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := memValue{value: value}
	if ttl > 0 {
		v.expiresAt = m.now().Add(ttl)
	}
	m.values[scope][name] = v
	return nil
}

// DeleteValue removes a value.
func (m *MemoryStore) DeleteValue(_ context.Context, scope Scope, name string) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	m.mu.Lock()
	delete(m.values[scope], name)
	m.mu.Unlock()
	return nil
}

// LoadSession returns the blob stored for chatKey.
func (m *MemoryStore) LoadSession(_ context.Context, chatKey string) (*domain.SessionBlob, error) {
	m.mu.RLock()
	raw, ok := m.sessions[chatKey]
	updated := m.updated[chatKey]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var blob domain.SessionBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("decode chat session %s: %w", chatKey, err)
	}
	if blob.People == nil {
		blob.People = map[domain.ID]domain.Person{}
	}
	blob.UpdatedAt = updated
	return &blob, nil
}

// SaveSession creates or replaces a session blob.
func (m *MemoryStore) SaveSession(_ context.Context, blob *domain.SessionBlob) error {
	if blob == nil || blob.ChatKey == "" {
		return fmt.Errorf("save chat session: missing chat key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blob.UpdatedAt = m.now()
	raw, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encode chat session: %w", err)
	}
	m.sessions[blob.ChatKey] = raw
	m.updated[blob.ChatKey] = blob.UpdatedAt
	return nil
}

// DeleteSession removes the blob stored for chatKey.
func (m *MemoryStore) DeleteSession(_ context.Context, chatKey string) error {
	m.mu.Lock()
	delete(m.sessions, chatKey)
	delete(m.updated, chatKey)
	m.mu.Unlock()
	return nil
}

// CleanupExpired removes expired values and stale session blobs.
func (m *MemoryStore) CleanupExpired(_ context.Context, sessionTTL time.Duration) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var values, sessions int64
	for _, scoped := range m.values {
		for name, v := range scoped {
			if m.expired(v) {
				delete(scoped, name)
				values++
			}
		}
	}
	cutoff := m.now().Add(-sessionTTL)
	for key, at := range m.updated {
		if at.Before(cutoff) {
			delete(m.sessions, key)
			delete(m.updated, key)
			sessions++
		}
	}
	return values, sessions, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
