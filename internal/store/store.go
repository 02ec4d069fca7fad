// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/visitor-chat/internal/domain"
)

// Scope separates values that outlive the page (cookies) from values that
// live only as long as the browsing session.
type Scope string

// Value scopes.
const (
	ScopeCookie  Scope = "cookie"
	ScopeSession Scope = "session"
)

// ErrInvalidScope is returned for an unknown scope.
var ErrInvalidScope = errors.New("invalid scope")

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeCookie || s == ScopeSession
}

// Repository defines the interface for persisting visitor state.
type Repository interface {
	// GetValue returns a stored value. Expired values are reported as absent.
	GetValue(ctx context.Context, scope Scope, name string) (string, bool, error)

	// SetValue stores a value. A zero ttl never expires.
	SetValue(ctx context.Context, scope Scope, name, value string, ttl time.Duration) error

	// DeleteValue removes a value. Removing an absent value is not an error.
	DeleteValue(ctx context.Context, scope Scope, name string) error

	// LoadSession returns the blob stored for chatKey, or nil if none exists.
	LoadSession(ctx context.Context, chatKey string) (*domain.SessionBlob, error)

	// SaveSession creates or replaces the blob for blob.ChatKey.
	SaveSession(ctx context.Context, blob *domain.SessionBlob) error

	// DeleteSession removes the blob stored for chatKey.
	DeleteSession(ctx context.Context, chatKey string) error

	// CleanupExpired removes expired values and session blobs not updated
	// within sessionTTL.
	CleanupExpired(ctx context.Context, sessionTTL time.Duration) (values int64, sessions int64, err error)

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}
