package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shop-api/internal/apperr"
	"shop-api/internal/models"
)

const userColumns = `id, username, email, password, full_name, phone, role, is_active,
	oauth_provider, oauth_id, created_at, updated_at`

// CreateUser inserts a user. Duplicate email or username is a ConflictError.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	err := s.db.GetContext(ctx, user, `
		INSERT INTO users (username, email, password, full_name, phone, role, is_active, oauth_provider, oauth_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		user.Username, user.Email, user.PasswordHash, user.FullName, user.Phone,
		user.Role, user.IsActive, user.OAuthProvider, user.OAuthID)
	switch {
	case isUniqueViolation(err, "users_email_key"):
		return apperr.ErrEmailTaken.Wrap(err)
	case isUniqueViolation(err, "users_username_key"):
		return apperr.Conflict("username %q is already taken", user.Username)
	case isUniqueViolation(err, ""):
		return apperr.Conflict("account already exists")
	case err != nil:
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.getUser(ctx, "id = $1", id)
}

// GetUserByEmail retrieves a user by email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email = $1", email)
}

// GetUserByOAuth retrieves a user linked to an external identity
func (s *Store) GetUserByOAuth(ctx context.Context, provider, externalID string) (*models.User, error) {
	return s.getUser(ctx, "oauth_provider = $1 AND oauth_id = $2", provider, externalID)
}

func (s *Store) getUser(ctx context.Context, where string, args ...any) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT "+userColumns+" FROM users WHERE "+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}
