// Package memory is a process-local store driver used by tests and by the
// CLI when no database file is configured.
package memory

import (
	"context"
	"sync"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/aussiebroadwan/tabline/internal/live/store"
)

type Store struct {
	mu   sync.Mutex
	cred *domain.Credential

	saves int
}

func NewStore() *Store { return &Store{} }

func (s *Store) Credentials() store.Credentials { return s }
func (s *Store) ApplyMigrations() error         { return nil }
func (s *Store) Close() error                   { return nil }
func (s *Store) Ping(context.Context) error     { return nil }

func (s *Store) LoadCredential(ctx context.Context) (domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		return domain.Credential{}, store.ErrNotFound
	}
	return *s.cred, nil
}

func (s *Store) SaveCredential(ctx context.Context, c domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = &c
	s.saves++
	return nil
}

func (s *Store) ClearCredential(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = nil
	return nil
}

// Saves reports how many times SaveCredential was called.
func (s *Store) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
