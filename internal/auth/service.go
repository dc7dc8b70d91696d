package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/tremor-api/internal/apperr"
	"github.com/example/tremor-api/internal/logging"
	"github.com/example/tremor-api/internal/repository"
)

// UserStore is the persistence the auth service needs.
type UserStore interface {
	CreateUser(ctx context.Context, user *repository.User) error
	FindUserByEmail(ctx context.Context, email string) (*repository.User, error)
}

// PublicUser is the part of an account returned to clients.
type PublicUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Session is the outcome of a successful signup or login.
type Session struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      PublicUser `json:"user"`
}

// Service registers and authenticates users.
type Service struct {
	users      UserStore
	tokens     *TokenManager
	bcryptCost int
	dummyHash  []byte
	logger     *zap.Logger
}

// NewService constructs an auth service.
func NewService(users UserStore, tokens *TokenManager, bcryptCost int, logger *zap.Logger) *Service {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	dummyHash, _ := bcrypt.GenerateFromPassword([]byte("placeholder"), bcryptCost)
	return &Service{
		users:      users,
		tokens:     tokens,
		bcryptCost: bcryptCost,
		dummyHash:  dummyHash,
		logger:     logger.Named("auth_service"),
	}
}

// Tokens exposes the token manager for request authentication.
func (s *Service) Tokens() *TokenManager {
	return s.tokens
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Signup creates an account and returns a fresh token for it.
func (s *Service) Signup(ctx context.Context, email, password, name string) (*Session, error) {
	opLogger := logging.WithOperation(s.logger, "auth.signup", logging.RequestIDFrom(ctx))

	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("email & password required: %w", apperr.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return nil, fmt.Errorf("password too long: %w", apperr.ErrValidation)
		}
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &repository.User{
		Email:        email,
		PasswordHash: string(hash),
		Name:         strings.TrimSpace(name),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			opLogger.Info("signup for existing email rejected")
			return nil, fmt.Errorf("email already in use: %w", apperr.ErrConflict)
		}
		opLogger.Error("user creation failed", zap.Error(err))
		return nil, err
	}

	opLogger.Info("user registered", zap.String("user_id", user.ID))
	return s.issue(user)
}

// Login verifies credentials. Unknown email and wrong password fail identically.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	opLogger := logging.WithOperation(s.logger, "auth.login", logging.RequestIDFrom(ctx))

	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("email & password required: %w", apperr.ErrValidation)
	}

	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Both failure paths cost one bcrypt comparison.
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return nil, fmt.Errorf("invalid credentials: %w", apperr.ErrUnauthorized)
		}
		opLogger.Error("user lookup failed", zap.Error(err))
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		opLogger.Info("login rejected", zap.String("user_id", user.ID))
		return nil, fmt.Errorf("invalid credentials: %w", apperr.ErrUnauthorized)
	}

	return s.issue(user)
}

// Verify resolves a bearer token to its principal.
func (s *Service) Verify(token string) (Principal, error) {
	return s.tokens.Verify(token)
}

func (s *Service) issue(user *repository.User) (*Session, error) {
	token, expiresAt, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	return &Session{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      PublicUser{Email: user.Email, Name: user.Name},
	}, nil
}
