package store

import (
	"context"
	"errors"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
)

var ErrNotFound = errors.New("store: not found")

// Store is the root data access interface for the little state the client
// keeps across restarts. Drivers (sqlite, memory) implement this.
type Store interface {
	Credentials() Credentials

	ApplyMigrations() error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the backing storage is still reachable.
	Ping(ctx context.Context) error
}

// Credentials persists the single active session. There is at most one.
type Credentials interface {
	// LoadCredential returns the saved credential or ErrNotFound.
	LoadCredential(ctx context.Context) (domain.Credential, error)

	// SaveCredential replaces the saved credential.
	SaveCredential(ctx context.Context, c domain.Credential) error

	// ClearCredential removes the saved credential. Clearing nothing is not an
	// error.
	ClearCredential(ctx context.Context) error
}
