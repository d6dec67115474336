package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"molva/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const DefaultTokenExpiry = 24 * time.Hour

var (
	ErrUserExists        = errors.New("user already exists")
	ErrLoginFailed       = errors.New("login failed")
	ErrInvalidCredential = errors.New("invalid credential")
)

// CredentialStore persists accounts and hashed session tokens.
type CredentialStore interface {
	CreateUser(user models.User, passwordHash string) error
	GetUserByHandle(handle string) (models.User, error)
	GetPasswordHash(handle string) (string, error)
	UpsertToken(session models.Session) error
	DeleteToken(tokenHash string) error
	ListTokens() ([]models.Session, error)
}

type Config struct {
	Secret      string
	secretBytes []byte
	TokenExpiry time.Duration
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Service authenticates connections. A bearer token issued at login is
// checked exactly once per connection, before any other operation is
// permitted. Only token hashes are cached and persisted.
type Service struct {
	Config
	store      CredentialStore
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewService(ctx context.Context, config Config, store CredentialStore) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		Config:     config,
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}

	// Restore sessions that survived a restart. Sessions past their expiry
	// are purged instead of being revived with a fresh TTL.
	sessions, err := store.ListTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	for _, sess := range sessions {
		if s.now().Sub(time.UnixMilli(sess.IssuedAt)) >= s.TokenExpiry {
			if err := store.DeleteToken(sess.TokenHash); err != nil {
				slog.Error("failed to delete expired token", "user_id", sess.UserID, "error", err)
			}
			continue
		}
		s.liveTokens.Set(sess.TokenHash, sess.UserID)
	}

	return s, nil
}

// Register creates a new account. The handle is expected to be normalized
// and validated by the caller.
func (s *Service) Register(handle, displayName, password string) (models.User, error) {
	user := models.User{
		ID:          uuid.NewString(),
		Handle:      handle,
		DisplayName: displayName,
	}
	err := s.store.CreateUser(user, s.hashPassword(handle, password))
	if errors.Is(err, models.ErrExists) {
		return models.User{}, ErrUserExists
	}
	if err != nil {
		return models.User{}, err
	}

	return user, nil
}

// Login verifies a handle/password pair and issues a bearer token.
func (s *Service) Login(handle, password string) (string, models.User, error) {
	user, err := s.store.GetUserByHandle(handle)
	if err != nil {
		return "", models.User{}, ErrLoginFailed
	}
	storedHash, err := s.store.GetPasswordHash(handle)
	if err != nil {
		return "", models.User{}, ErrLoginFailed
	}

	// Constant-time comparison for password hashes.
	if !hmac.Equal([]byte(storedHash), []byte(s.hashPassword(handle, password))) {
		return "", models.User{}, ErrLoginFailed
	}

	token, err := s.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return "", models.User{}, ErrLoginFailed
	}

	tokenHash := s.hashToken(token)
	s.liveTokens.Set(tokenHash, user.ID)
	err = s.store.UpsertToken(models.Session{
		UserID:    user.ID,
		TokenHash: tokenHash,
		IssuedAt:  s.now().UnixMilli(),
	})
	if err != nil {
		slog.Error("failed to persist token", "user_id", user.ID, "error", err)
	}

	return token, user, nil
}

// Logoff revokes a token.
func (s *Service) Logoff(token string) error {
	tokenHash := s.hashToken(token)
	if err := s.store.DeleteToken(tokenHash); err != nil {
		slog.Error("failed to delete token", "error", err)
	}
	return s.liveTokens.Del(tokenHash)
}

// Authenticate resolves a bearer token to the owning user id. Malformed or
// unrecognized tokens fail with ErrInvalidCredential.
func (s *Service) Authenticate(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidCredential
	}
	userID, err := s.liveTokens.Get(s.hashToken(token))
	if err != nil {
		return "", ErrInvalidCredential
	}
	return userID, nil
}

// TokenExpiresAt returns the absolute expiry for a token issued now.
func (s *Service) TokenExpiresAt() time.Time {
	return s.now().Add(s.TokenExpiry)
}

func (s *Service) hashPassword(handle, password string) string {
	h := hmac.New(sha512.New, s.secretBytes)
	h.Write([]byte(handle + password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (s *Service) hashToken(token string) string {
	h := hmac.New(sha512.New, s.secretBytes)
	h.Write([]byte("token:" + token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (s *Service) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
