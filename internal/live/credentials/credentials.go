// Package credentials holds the signed-in session. It is the single source
// of truth for tokens: the gateway and the bus read it, only login, logout
// and the refresh protocol write it.
package credentials

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/aussiebroadwan/tabline/internal/live/store"
	"github.com/aussiebroadwan/tabline/pkg/cryptox"
	"github.com/aussiebroadwan/tabline/pkg/jwtx"
	"github.com/aussiebroadwan/tabline/pkg/notify"
)

var (
	// ErrIncomplete rejects writes that would leave one of the two tokens
	// empty.
	ErrIncomplete = errors.New("credentials: access and refresh token are both required")

	// ErrNotAuthenticated rejects a token rotation when there is no session
	// to rotate, for example because logout won the race against a refresh.
	ErrNotAuthenticated = errors.New("credentials: not authenticated")
)

type ChangeKind int

const (
	ChangeSet ChangeKind = iota + 1
	ChangeRefreshed
	ChangeCleared
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSet:
		return "set"
	case ChangeRefreshed:
		return "refreshed"
	case ChangeCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Change describes one transition of the store.
type Change struct {
	Kind     ChangeKind
	Previous domain.Credential
	Current  domain.Credential
}

// TokenChanged reports whether the access token differs between Previous and
// Current.
func (c Change) TokenChanged() bool {
	return c.Previous.AccessToken != c.Current.AccessToken
}

type Store struct {
	// writeMu orders writers so listeners observe changes in the order they
	// were applied. Listeners must not write back into the store.
	writeMu sync.Mutex

	mu   sync.RWMutex
	cred domain.Credential

	repo    store.Credentials
	changes *notify.Notifier[Change]
	logger  *slog.Logger
	now     func() time.Time
}

// New returns an empty store persisting through repo. A nil repo keeps the
// session in memory only.
func New(repo store.Credentials, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:    repo,
		changes: notify.New[Change](logger),
		logger:  logger.With("component", "credentials"),
		now:     time.Now,
	}
}

// Watch registers fn for every change. fn runs on the writer's goroutine.
func (s *Store) Watch(fn func(Change)) (cancel func()) {
	return s.changes.Listen(fn)
}

// Load restores the persisted session, if any, and announces it as a Set.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	c, err := s.repo.LoadCredential(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.AccessToken == "" || c.RefreshToken == "" {
		s.logger.WarnContext(ctx, "discarding incomplete persisted credential")
		s.clearPersisted(ctx)
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.swap(c)
	s.logger.InfoContext(ctx, "session restored",
		"subject", c.SubjectID,
		"token", cryptox.ShortFingerprint(c.AccessToken),
	)
	s.changes.Emit(Change{Kind: ChangeSet, Previous: prev, Current: c})
	return nil
}

// Set installs a fresh session from a login or register response.
func (s *Store) Set(ctx context.Context, resp domain.AuthResponse) error {
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return ErrIncomplete
	}

	c := domain.Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		SubjectID:    domain.SubjectFromUserID(resp.UserID),
		Email:        resp.Email,
		Premium:      resp.IsPremium,
		UpdatedAt:    s.now().UTC(),
	}
	s.applyClaims(ctx, &c)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.swap(c)
	s.persist(ctx, c)
	s.logger.InfoContext(ctx, "session established",
		"subject", c.SubjectID,
		"token", cryptox.ShortFingerprint(c.AccessToken),
	)
	s.changes.Emit(Change{Kind: ChangeSet, Previous: prev, Current: c})
	return nil
}

// UpdateTokens rotates both tokens of the current session, keeping identity.
func (s *Store) UpdateTokens(ctx context.Context, access, refresh string) error {
	if access == "" || refresh == "" {
		return ErrIncomplete
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.Credential()
	if prev.IsZero() {
		return ErrNotAuthenticated
	}

	c := prev
	c.AccessToken = access
	c.RefreshToken = refresh
	c.ExpiresAt = time.Time{}
	c.UpdatedAt = s.now().UTC()
	s.applyClaims(ctx, &c)

	s.swap(c)
	s.persist(ctx, c)
	s.logger.InfoContext(ctx, "tokens rotated",
		"subject", c.SubjectID,
		"from", cryptox.ShortFingerprint(prev.AccessToken),
		"to", cryptox.ShortFingerprint(c.AccessToken),
	)
	s.changes.Emit(Change{Kind: ChangeRefreshed, Previous: prev, Current: c})
	return nil
}

// Clear ends the session. Clearing an empty store is a no-op and does not
// notify.
func (s *Store) Clear(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.swap(domain.Credential{})
	s.clearPersisted(ctx)
	if prev.IsZero() {
		return
	}

	s.logger.InfoContext(ctx, "session cleared", "subject", prev.SubjectID)
	s.changes.Emit(Change{Kind: ChangeCleared, Previous: prev})
}

// IsAuthenticated reports whether both tokens are present.
func (s *Store) IsAuthenticated() bool {
	c := s.Credential()
	return c.AccessToken != "" && c.RefreshToken != ""
}

// Credential returns a snapshot of the current session.
func (s *Store) Credential() domain.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

func (s *Store) AccessToken() string  { return s.Credential().AccessToken }
func (s *Store) RefreshToken() string { return s.Credential().RefreshToken }
func (s *Store) Subject() string      { return s.Credential().SubjectID }

func (s *Store) swap(c domain.Credential) (prev domain.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, s.cred = s.cred, c
	return prev
}

// applyClaims fills expiry and any identity the response did not carry from
// the access token. Opaque tokens are fine, they just have no known expiry.
func (s *Store) applyClaims(ctx context.Context, c *domain.Credential) {
	claims, err := jwtx.ParseUnverified(c.AccessToken)
	if err != nil {
		s.logger.DebugContext(ctx, "access token is not a readable jwt", "error", err)
		return
	}

	c.ExpiresAt = claims.Expiry()
	if c.SubjectID == "" {
		c.SubjectID = claims.Subject
	}
	if c.Email == "" {
		c.Email = claims.Email
	}
	if claims.Premium {
		c.Premium = true
	}
}

// Persistence failures never fail the caller, the in-memory session stays
// authoritative for this process.
func (s *Store) persist(ctx context.Context, c domain.Credential) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveCredential(ctx, c); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist credential", "error", err)
	}
}

func (s *Store) clearPersisted(ctx context.Context) {
	if s.repo == nil {
		return
	}
	if err := s.repo.ClearCredential(ctx); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear persisted credential", "error", err)
	}
}
