package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Proton-105/forward-bot/internal/domain"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	FindByID(ctx context.Context, id int64) (*domain.User, error)
	// Upsert creates the user on first contact or refreshes the profile
	// fields and last_seen on subsequent ones. Ban and verification state
	// are never touched here.
	Upsert(ctx context.Context, user *domain.User) error
	SetBanned(ctx context.Context, id int64, banned bool) error
	SetVerification(ctx context.Context, id int64, v domain.Verification) error
	// ListActiveIDs returns the ids of all non-banned users, the broadcast
	// target snapshot.
	ListActiveIDs(ctx context.Context) ([]int64, error)
}

type userRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewUserRepository creates a new SQL-backed user repository.
func NewUserRepository(db *sql.DB, log *slog.Logger) UserRepository {
	return &userRepository{
		db:  db,
		log: log,
	}
}

// FindByID retrieves a user by their Telegram identifier. Returns
// sql.ErrNoRows when the user is unknown.
func (r *userRepository) FindByID(ctx context.Context, id int64) (*domain.User, error) {
	const query = `
		SELECT id, first_name, last_name, username, banned, verification, last_seen, created_at
		FROM users
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	var user domain.User
	if err := row.Scan(
		&user.ID,
		&user.FirstName,
		&user.LastName,
		&user.Username,
		&user.Banned,
		&user.Verification,
		&user.LastSeen,
		&user.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		if r.log != nil {
			r.log.Error("failed to fetch user", slog.Int64("user_id", id), slog.Any("error", err))
		}
		return nil, fmt.Errorf("select user: %w", err)
	}

	return &user, nil
}

// Upsert persists the user, refreshing profile fields on conflict.
func (r *userRepository) Upsert(ctx context.Context, user *domain.User) error {
	const query = `
		INSERT INTO users (id, first_name, last_name, username, banned, verification, last_seen, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE
		SET first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    username = EXCLUDED.username,
		    last_seen = EXCLUDED.last_seen
	`

	if _, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.FirstName,
		user.LastName,
		user.Username,
		user.Verification,
		user.LastSeen,
	); err != nil {
		if r.log != nil {
			r.log.Error("failed to upsert user", slog.Int64("user_id", user.ID), slog.Any("error", err))
		}
		return fmt.Errorf("upsert user: %w", err)
	}

	return nil
}

// SetBanned flips the banned flag for the given user.
func (r *userRepository) SetBanned(ctx context.Context, id int64, banned bool) error {
	const query = `UPDATE users SET banned = $2 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, banned); err != nil {
		if r.log != nil {
			r.log.Error("failed to update banned flag", slog.Int64("user_id", id), slog.Any("error", err))
		}
		return fmt.Errorf("update banned flag: %w", err)
	}

	return nil
}

// SetVerification stores the captcha sub-state for the given user.
func (r *userRepository) SetVerification(ctx context.Context, id int64, v domain.Verification) error {
	const query = `UPDATE users SET verification = $2 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, v); err != nil {
		if r.log != nil {
			r.log.Error("failed to update verification", slog.Int64("user_id", id), slog.Any("error", err))
		}
		return fmt.Errorf("update verification: %w", err)
	}

	return nil
}

// ListActiveIDs returns ids of all non-banned users.
func (r *userRepository) ListActiveIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT id FROM users WHERE banned = FALSE ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select active users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active users: %w", err)
	}

	return ids, nil
}
