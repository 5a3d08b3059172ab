package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UserRepo covers the minimal account shape projects can be owned by.
// The login/session flow that issues these accounts is an external
// concern; this repo only keeps project ownership referentially sound.
type UserRepo struct {
	s *Store
}

func NewUserRepo(s *Store) *UserRepo { return &UserRepo{s: s} }

type User struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	Role         string
	IsActive     bool
	CreatedAt    string
	LastLoginAt  sql.NullString
}

func (r *UserRepo) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	if u.Role == "" {
		u.Role = "user"
	}
	if u.CreatedAt == "" {
		u.CreatedAt = formatTimestamp(nowUTC())
	}
	_, err := r.s.ExecWrite(ctx, `
INSERT INTO users (id, email, password_hash, display_name, role, is_active, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, u.ID, u.Email, u.PasswordHash, u.DisplayName, u.Role, u.IsActive, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *UserRepo) Get(ctx context.Context, id string) (*User, error) {
	var u User
	err := r.s.QueryRow(ctx, `
SELECT id, email, password_hash, display_name, role, is_active, created_at, last_login_at
FROM users WHERE id = ?
`, id).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Role, &u.IsActive, &u.CreatedAt, &u.LastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %q: %w", id, err)
	}
	return &u, nil
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := r.s.QueryRow(ctx, `
SELECT id, email, password_hash, display_name, role, is_active, created_at, last_login_at
FROM users WHERE email = ?
`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Role, &u.IsActive, &u.CreatedAt, &u.LastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email %q: %w", email, err)
	}
	return &u, nil
}

func (r *UserRepo) TouchLogin(ctx context.Context, id string) error {
	_, err := r.s.ExecWrite(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to touch login for user %q: %w", id, err)
	}
	return nil
}

// UserIdentityRepo links an external identity provider's subject id to a
// local user id, the join table an OIDC/OAuth login flow resolves
// against.
type UserIdentityRepo struct {
	s *Store
}

func NewUserIdentityRepo(s *Store) *UserIdentityRepo { return &UserIdentityRepo{s: s} }

func (r *UserIdentityRepo) Link(ctx context.Context, userID, provider, providerUserID, providerEmail string) error {
	_, err := r.s.ExecWrite(ctx, `
INSERT INTO user_identities (id, user_id, provider, provider_user_id, provider_email, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, NewID(), userID, provider, providerUserID, nullIfEmpty(providerEmail), formatTimestamp(nowUTC()))
	if err != nil {
		return fmt.Errorf("failed to link identity: %w", err)
	}
	return nil
}

func (r *UserIdentityRepo) FindUserID(ctx context.Context, provider, providerUserID string) (string, error) {
	var userID string
	err := r.s.QueryRow(ctx, `
SELECT user_id FROM user_identities WHERE provider = ? AND provider_user_id = ?
`, provider, providerUserID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up identity: %w", err)
	}
	return userID, nil
}
