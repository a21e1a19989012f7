// The session manager keeps the signed-in user and their session token in the durable store. The user survives
// restarts in the local scope, obfuscated at rest; the token lives in the session scope and expires with the session.
// Revoked tokens are remembered in the local scope until their session would have ended anyway, and a bloom filter
// answers most "is this token revoked?" questions without a medium read.

package crm

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/nobletooth/tiercache/pkg/storage"
)

var (
	sessionTTL = flag.Duration("crm_session_ttl", 8*time.Hour,
		"Lifetime of a session token; revocations are kept as long.")
	revocationEntries = flag.Uint("crm_revocation_entries", 10_000,
		"Expected number of revoked tokens the revocation filter is sized for.")
	revocationFPRate = flag.Float64("crm_revocation_fp_rate", 0.01,
		"False positive rate of the revocation filter; false positives cost one local storage read.")
)

var ErrNotLoggedIn = errors.New("no user is logged in")

// UserTransform is the at-rest transform of the current user. Stores shared with a SessionManager should list it in
// their known transforms so the initial sweep keeps the user.
var UserTransform = storage.Obfuscate(storage.DefaultObfuscationKey)

const (
	currentUserKey   = "currentUser"
	sessionTokenKey  = "session_token"
	revokedKeyPrefix = "revoked_token_"
)

type Role string

const (
	RoleAgent  Role = "agent"
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      Role   `json:"role"`
	Phone     string `json:"phone,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// SessionManager is the identity collaborator of the CRM.
type SessionManager struct {
	store   *storage.Store
	ttl     time.Duration
	mux     sync.Mutex // Protects revoked.
	revoked *bloom.BloomFilter
}

// NewSessionManager builds a manager over `store` and loads the revoked tokens already in its local scope.
func NewSessionManager(ctx context.Context, store *storage.Store) (*SessionManager, error) {
	m := &SessionManager{
		store:   store,
		ttl:     *sessionTTL,
		revoked: bloom.NewWithEstimates(*revocationEntries, *revocationFPRate),
	}
	keys, err := store.GetAllKeys(ctx, storage.Local)
	if err != nil {
		return nil, fmt.Errorf("failed to load revoked tokens: %w", err)
	}
	loaded := 0
	for _, key := range keys {
		if token, isRevocation := strings.CutPrefix(key, revokedKeyPrefix); isRevocation {
			m.revoked.AddString(token)
			loaded++
		}
	}
	slog.Debug("Session manager is ready.", "revokedTokens", loaded)
	return m, nil
}

// Login makes `user` the current user and starts a new session, returning its token.
func (m *SessionManager) Login(ctx context.Context, user User) (string, error) {
	if err := m.store.SetItem(ctx, currentUserKey, user, storage.WithTransform(UserTransform)); err != nil {
		return "", fmt.Errorf("failed to store current user: %w", err)
	}
	token := uuid.NewString()
	if err := m.store.SetItem(ctx, sessionTokenKey, token,
		storage.InScope(storage.Session), storage.WithTTL(m.ttl)); err != nil {
		return "", fmt.Errorf("failed to store session token: %w", err)
	}
	slog.Info("User logged in.", "userID", user.ID, "role", user.Role)
	return token, nil
}

// Current returns the logged-in user.
func (m *SessionManager) Current(ctx context.Context) (User, error) {
	user, found, err := storage.Load[User](ctx, m.store, currentUserKey, storage.WithTransform(UserTransform))
	if err != nil {
		return User{}, err
	}
	if !found {
		return User{}, ErrNotLoggedIn
	}
	return user, nil
}

// Token returns the token of the running session; it's missing once the session expired.
func (m *SessionManager) Token(ctx context.Context) (string, bool, error) {
	return storage.Load[string](ctx, m.store, sessionTokenKey, storage.InScope(storage.Session))
}

// Logout forgets the current user and ends the session.
func (m *SessionManager) Logout(ctx context.Context) error {
	return errors.Join(
		m.store.RemoveItem(ctx, currentUserKey),
		m.store.RemoveItem(ctx, sessionTokenKey, storage.InScope(storage.Session)),
	)
}

// Revoke invalidates `token` and ends the running session if it's the one revoked.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if err := m.store.SetItem(ctx, revokedKeyPrefix+token, true, storage.WithTTL(m.ttl)); err != nil {
		return fmt.Errorf("failed to store revocation: %w", err)
	}
	m.mux.Lock()
	m.revoked.AddString(token)
	m.mux.Unlock()

	current, found, err := m.Token(ctx)
	if err != nil || !found || current != token {
		return err
	}
	return m.store.RemoveItem(ctx, sessionTokenKey, storage.InScope(storage.Session))
}

// IsRevoked reports whether `token` was revoked within the last session lifetime.
func (m *SessionManager) IsRevoked(ctx context.Context, token string) (bool, error) {
	m.mux.Lock()
	maybeRevoked := m.revoked.TestString(token)
	m.mux.Unlock()
	if !maybeRevoked {
		return false, nil
	}
	return m.store.HasItem(ctx, revokedKeyPrefix+token)
}
