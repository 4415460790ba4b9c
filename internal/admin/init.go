package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MinPasswordLength is the shortest accepted admin password.
const MinPasswordLength = 8

// ErrUserExists is returned by CreateAdminUser for a taken username.
var ErrUserExists = errors.New("admin user already exists")

// EnsureInitialAdminUser creates the initial admin user if no users exist.
func EnsureInitialAdminUser(ctx context.Context, store storage.AdminUserStore, username, password string, logger zerolog.Logger) error {
	users, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		logger.Debug().Int("count", len(users)).Msg("Admin users already exist")
		return nil
	}

	if username == "" {
		username = "admin"
	}
	if password == "" {
		return errors.New("initial admin password cannot be empty")
	}

	if _, err := CreateAdminUser(ctx, store, username, password); err != nil {
		return err
	}
	logger.Info().Str("username", username).Msg("Created initial admin user")

	if password == "changeme" || password == "password" {
		logger.Warn().Msg("Using a default admin password, change it immediately")
	}
	return nil
}

// CreateAdminUser stores a new admin account with a bcrypt-hashed password.
func CreateAdminUser(ctx context.Context, store storage.AdminUserStore, username, password string) (*storage.AdminUser, error) {
	if username == "" {
		return nil, errors.New("username cannot be empty")
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}

	_, err := store.Get(ctx, username)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("look up admin user: %w", err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := storage.AdminUser{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("save admin user: %w", err)
	}
	return &user, nil
}
