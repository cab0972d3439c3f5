package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// SettingsRepository stores bot configuration that lives in the database
// rather than the config file: the spam topic id, the default user-facing
// reply, and similar operator-tunable values.
type SettingsRepository interface {
	// Get returns the value for key, or an empty string and found=false.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type settingsRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSettingsRepository creates a new SQL-backed settings repository.
func NewSettingsRepository(db *sql.DB, log *slog.Logger) SettingsRepository {
	return &settingsRepository{
		db:  db,
		log: log,
	}
}

func (r *settingsRepository) Get(ctx context.Context, key string) (string, bool, error) {
	const query = `SELECT COALESCE(value, '') FROM settings WHERE key = $1`

	var value string
	if err := r.db.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}

		if r.log != nil {
			r.log.Error("failed to fetch setting", slog.String("key", key), slog.Any("error", err))
		}
		return "", false, fmt.Errorf("select setting: %w", err)
	}

	return value, true, nil
}

func (r *settingsRepository) Set(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`

	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		if r.log != nil {
			r.log.Error("failed to store setting", slog.String("key", key), slog.Any("error", err))
		}
		return fmt.Errorf("upsert setting: %w", err)
	}

	return nil
}
