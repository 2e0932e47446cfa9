package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/nexuschat/nexus/internal/chat"
	"github.com/nexuschat/nexus/internal/store"
	"go.uber.org/zap"
)

// Backend is the slice of the REST client used for authentication.
type Backend interface {
	Login(ctx context.Context, email, password string) (string, chat.User, error)
	Logout(ctx context.Context) error
	SetToken(token string)
}

// CredentialStore persists the session login.
type CredentialStore interface {
	SaveCredentials(c *store.Credentials) error
	LoadCredentials() (*store.Credentials, error)
	ClearCredentials() error
}

// Manager restores, creates and forgets the session login.
type Manager struct {
	backend Backend
	store   CredentialStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a manager.
func NewManager(backend Backend, cs CredentialStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{backend: backend, store: cs, logger: logger, now: time.Now}
}

// Restore loads the stored login and installs its token on the backend.
// It returns ErrLoggedOut when nothing is stored or the token expired; an
// expired login is cleared.
func (m *Manager) Restore() (Token, chat.User, error) {
	c, err := m.store.LoadCredentials()
	if err != nil {
		return Token{}, chat.User{}, fmt.Errorf("load credentials: %w", err)
	}
	if c == nil || c.Token == "" {
		return Token{}, chat.User{}, ErrLoggedOut
	}
	tok, err := Parse(c.Token)
	if err != nil {
		m.logger.Warn("stored token unreadable, clearing", zap.Error(err))
		_ = m.store.ClearCredentials()
		return Token{}, chat.User{}, ErrLoggedOut
	}
	if tok.Expired(m.now()) {
		m.logger.Info("stored token expired", zap.Time("expires_at", tok.ExpiresAt))
		_ = m.store.ClearCredentials()
		return Token{}, chat.User{}, ErrLoggedOut
	}
	m.backend.SetToken(tok.Raw)
	user := chat.User{ID: c.UserID, Username: c.Username, Name: c.Name, Email: c.Email}
	return tok, user, nil
}

// Login authenticates against the backend and stores the result.
func (m *Manager) Login(ctx context.Context, email, password string) (Token, chat.User, error) {
	raw, user, err := m.backend.Login(ctx, email, password)
	if err != nil {
		return Token{}, chat.User{}, fmt.Errorf("login: %w", err)
	}
	tok, err := Parse(raw)
	if err != nil {
		return Token{}, chat.User{}, err
	}
	if user.ID == "" {
		user.ID = tok.UserID
	}
	var exp int64
	if !tok.ExpiresAt.IsZero() {
		exp = tok.ExpiresAt.Unix()
	}
	if err := m.store.SaveCredentials(&store.Credentials{
		Token:     raw,
		UserID:    user.ID,
		Username:  user.Username,
		Name:      user.Name,
		Email:     user.Email,
		ExpiresAt: exp,
	}); err != nil {
		return Token{}, chat.User{}, fmt.Errorf("save credentials: %w", err)
	}
	m.logger.Info("logged in", zap.String("user_id", user.ID), zap.Time("expires_at", tok.ExpiresAt))
	return tok, user, nil
}

// UpdateUser refreshes the stored profile fields after a /me call.
func (m *Manager) UpdateUser(tok Token, user chat.User) error {
	var exp int64
	if !tok.ExpiresAt.IsZero() {
		exp = tok.ExpiresAt.Unix()
	}
	return m.store.SaveCredentials(&store.Credentials{
		Token:     tok.Raw,
		UserID:    user.ID,
		Username:  user.Username,
		Name:      user.Name,
		Email:     user.Email,
		ExpiresAt: exp,
	})
}

// Logout forgets the login locally. The backend call is best effort.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.backend.Logout(ctx); err != nil {
		m.logger.Warn("backend logout failed", zap.Error(err))
	}
	m.backend.SetToken("")
	return m.store.ClearCredentials()
}
