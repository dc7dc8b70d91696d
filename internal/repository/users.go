package repository

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/tremor-api/internal/logging"
)

// UserRepository persists accounts. Email uniqueness is enforced by the
// unique index on users.email.
type UserRepository struct {
	retryPolicy
	db *gorm.DB
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *gorm.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		retryPolicy: defaultRetryPolicy(logger.Named("user_repository")),
		db:          db,
	}
}

// CreateUser inserts user. A duplicate email fails with apperr.ErrConflict.
func (r *UserRepository) CreateUser(ctx context.Context, user *User) error {
	return r.executeWithRetry(ctx, "repository.create_user", logging.RequestIDFrom(ctx), func() error {
		return r.db.WithContext(ctx).Create(user).Error
	})
}

// FindUserByEmail looks up an account by its normalized email.
func (r *UserRepository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrNotFound
	}

	var user User
	err := r.executeWithRetry(ctx, "repository.find_user_by_email", logging.RequestIDFrom(ctx), func() error {
		return r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
