// Package session holds the one explicit object that replaces module-level
// auth singletons: created at startup, injected into every service, torn down
// at logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pocketledger/pocketledger/internal/localstore"
)

var (
	// ErrNotAuthenticated short-circuits every operation before any network
	// or queue access is attempted.
	ErrNotAuthenticated = errors.New("no authenticated user")

	// ErrReadOnlySession rejects mutations while a viewing-as target is
	// active. Impersonation is strictly read-only.
	ErrReadOnlySession = errors.New("session is viewing another account and cannot mutate")

	// ErrInitTimeout surfaces when the identity provider does not answer
	// within the init deadline.
	ErrInitTimeout = errors.New("authentication initialization timed out")
)

// DefaultInitTimeout bounds how long app start waits for the identity
// provider before showing a user-visible error.
const DefaultInitTimeout = 15 * time.Second

const viewAsKey = "session:view_as"

// Authenticator resolves the signed-in user from the identity provider.
type Authenticator interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// StaticAuthenticator serves deployments where the identity is established
// out-of-band (the daemon runs under one account).
type StaticAuthenticator struct {
	UserID string
}

func (a StaticAuthenticator) CurrentUserID(ctx context.Context) (string, error) {
	if a.UserID == "" {
		return "", ErrNotAuthenticated
	}
	return a.UserID, nil
}

// Session resolves user identity for reads and writes. Reads follow the
// viewing-as indirection when one is active; writes never do.
type Session struct {
	auth   Authenticator
	kv     *localstore.KV
	logger *slog.Logger

	initTimeout time.Duration

	mu     sync.RWMutex
	userID string
}

func New(auth Authenticator, kv *localstore.KV, logger *slog.Logger) *Session {
	return &Session{
		auth:        auth,
		kv:          kv,
		logger:      logger,
		initTimeout: DefaultInitTimeout,
	}
}

// Init resolves the authenticated user, racing the identity provider against
// a fixed deadline so a hung provider cannot stall app start forever.
func (s *Session) Init(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, s.initTimeout)
	defer cancel()

	type result struct {
		userID string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		id, err := s.auth.CurrentUserID(initCtx)
		done <- result{userID: id, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("identity provider error: %w", r.err)
		}
		s.mu.Lock()
		s.userID = r.userID
		s.mu.Unlock()
		s.logger.Info("Session established", "user_id", r.userID)
		return nil
	case <-initCtx.Done():
		if errors.Is(initCtx.Err(), context.DeadlineExceeded) {
			return ErrInitTimeout
		}
		return initCtx.Err()
	}
}

// ReadUserID returns the id whose data read operations should show: the
// viewing-as target when one is active, else the authenticated user.
func (s *Session) ReadUserID(ctx context.Context) (string, error) {
	owner, err := s.authenticatedUserID()
	if err != nil {
		return "", err
	}
	target, ok, err := s.ViewingAs(ctx)
	if err != nil {
		return "", err
	}
	if ok {
		return target, nil
	}
	return owner, nil
}

// WriteUserID returns the id mutations run under. It refuses while a
// viewing-as session is active, before any queue or remote write happens.
func (s *Session) WriteUserID(ctx context.Context) (string, error) {
	owner, err := s.authenticatedUserID()
	if err != nil {
		return "", err
	}
	if _, ok, err := s.ViewingAs(ctx); err != nil {
		return "", err
	} else if ok {
		return "", ErrReadOnlySession
	}
	return owner, nil
}

// OwnerUserID returns the authenticated user regardless of any viewing-as
// target. Queue bookkeeping always belongs to the device owner.
func (s *Session) OwnerUserID() (string, error) {
	return s.authenticatedUserID()
}

func (s *Session) authenticatedUserID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == "" {
		return "", ErrNotAuthenticated
	}
	return s.userID, nil
}

// ViewAs persists a read-only impersonation target.
func (s *Session) ViewAs(ctx context.Context, targetUserID string) error {
	if _, err := s.authenticatedUserID(); err != nil {
		return err
	}
	if targetUserID == "" {
		return fmt.Errorf("viewing-as target must not be empty")
	}
	if err := s.kv.Set(ctx, viewAsKey, []byte(targetUserID)); err != nil {
		return err
	}
	s.logger.Info("Viewing-as session started", "target", targetUserID)
	return nil
}

// ClearViewAs ends the impersonation, returning the session to its own data.
func (s *Session) ClearViewAs(ctx context.Context) error {
	return s.kv.Delete(ctx, viewAsKey)
}

// ViewingAs reports the active impersonation target, if any.
func (s *Session) ViewingAs(ctx context.Context) (string, bool, error) {
	raw, ok, err := s.kv.Get(ctx, viewAsKey)
	if err != nil {
		return "", false, err
	}
	if !ok || len(raw) == 0 {
		return "", false, nil
	}
	return string(raw), true, nil
}

// Close tears the session down at logout. The viewing-as target is cleared so
// the next sign-in starts on its own data.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.userID = ""
	s.mu.Unlock()
	return s.ClearViewAs(ctx)
}
