package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Proton-105/forward-bot/internal/domain"
)

// KeywordRepository defines persistence operations for spam keywords.
type KeywordRepository interface {
	List(ctx context.Context) ([]domain.Keyword, error)
	Add(ctx context.Context, pattern string) (bool, error)
	Remove(ctx context.Context, pattern string) (bool, error)
	// Replace overwrites the whole keyword set, used when the mirror file is
	// authoritative at startup.
	Replace(ctx context.Context, patterns []string) error
}

type keywordRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewKeywordRepository creates a new SQL-backed keyword repository.
func NewKeywordRepository(db *sql.DB, log *slog.Logger) KeywordRepository {
	return &keywordRepository{
		db:  db,
		log: log,
	}
}

// List returns all keywords in insertion order.
func (r *keywordRepository) List(ctx context.Context) ([]domain.Keyword, error) {
	const query = `SELECT id, pattern, created_at FROM spam_keywords ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select keywords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keywords []domain.Keyword
	for rows.Next() {
		var kw domain.Keyword
		if err := rows.Scan(&kw.ID, &kw.Pattern, &kw.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		keywords = append(keywords, kw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keywords: %w", err)
	}

	return keywords, nil
}

// Add inserts the pattern and reports whether it was new.
func (r *keywordRepository) Add(ctx context.Context, pattern string) (bool, error) {
	const query = `
		INSERT INTO spam_keywords (pattern, created_at)
		VALUES ($1, $2)
		ON CONFLICT (pattern) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, pattern, time.Now().UTC())
	if err != nil {
		if r.log != nil {
			r.log.Error("failed to add keyword", slog.String("pattern", pattern), slog.Any("error", err))
		}
		return false, fmt.Errorf("insert keyword: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert keyword rows affected: %w", err)
	}

	return affected > 0, nil
}

// Remove deletes the pattern and reports whether it existed.
func (r *keywordRepository) Remove(ctx context.Context, pattern string) (bool, error) {
	const query = `DELETE FROM spam_keywords WHERE pattern = $1`

	result, err := r.db.ExecContext(ctx, query, pattern)
	if err != nil {
		if r.log != nil {
			r.log.Error("failed to remove keyword", slog.String("pattern", pattern), slog.Any("error", err))
		}
		return false, fmt.Errorf("delete keyword: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete keyword rows affected: %w", err)
	}

	return affected > 0, nil
}

// Replace rewrites the keyword set in a single transaction.
func (r *keywordRepository) Replace(ctx context.Context, patterns []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin keyword replace: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM spam_keywords`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear keywords: %w", err)
	}

	now := time.Now().UTC()
	for _, pattern := range patterns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO spam_keywords (pattern, created_at) VALUES ($1, $2) ON CONFLICT (pattern) DO NOTHING`,
			pattern, now,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert keyword %q: %w", pattern, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit keyword replace: %w", err)
	}

	return nil
}
