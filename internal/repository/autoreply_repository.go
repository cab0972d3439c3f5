package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Proton-105/forward-bot/internal/domain"
)

// AutoReplyRepository defines persistence operations for auto-reply rules.
type AutoReplyRepository interface {
	List(ctx context.Context) ([]domain.AutoReplyRule, error)
	Add(ctx context.Context, rule *domain.AutoReplyRule) error
	Delete(ctx context.Context, id int64) (bool, error)
}

type autoReplyRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewAutoReplyRepository creates a new SQL-backed auto-reply repository.
func NewAutoReplyRepository(db *sql.DB, log *slog.Logger) AutoReplyRepository {
	return &autoReplyRepository{
		db:  db,
		log: log,
	}
}

// List returns all rules in configured order.
func (r *autoReplyRepository) List(ctx context.Context) ([]domain.AutoReplyRule, error) {
	const query = `
		SELECT id, pattern, is_regex, response, COALESCE(start_time, ''), COALESCE(end_time, ''), position
		FROM auto_reply_rules
		ORDER BY position, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select auto-reply rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []domain.AutoReplyRule
	for rows.Next() {
		var rule domain.AutoReplyRule
		if err := rows.Scan(
			&rule.ID,
			&rule.Pattern,
			&rule.IsRegex,
			&rule.Response,
			&rule.StartTime,
			&rule.EndTime,
			&rule.Position,
		); err != nil {
			return nil, fmt.Errorf("scan auto-reply rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auto-reply rules: %w", err)
	}

	return rules, nil
}

// Add appends the rule after the current highest position.
func (r *autoReplyRepository) Add(ctx context.Context, rule *domain.AutoReplyRule) error {
	const query = `
		INSERT INTO auto_reply_rules (pattern, is_regex, response, start_time, end_time, position)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), (SELECT COALESCE(MAX(position), 0) + 1 FROM auto_reply_rules))
		RETURNING id
	`

	if err := r.db.QueryRowContext(
		ctx,
		query,
		rule.Pattern,
		rule.IsRegex,
		rule.Response,
		rule.StartTime,
		rule.EndTime,
	).Scan(&rule.ID); err != nil {
		if r.log != nil {
			r.log.Error("failed to add auto-reply rule", slog.String("pattern", rule.Pattern), slog.Any("error", err))
		}
		return fmt.Errorf("insert auto-reply rule: %w", err)
	}

	return nil
}

// Delete removes the rule and reports whether it existed.
func (r *autoReplyRepository) Delete(ctx context.Context, id int64) (bool, error) {
	const query = `DELETE FROM auto_reply_rules WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		if r.log != nil {
			r.log.Error("failed to delete auto-reply rule", slog.Int64("rule_id", id), slog.Any("error", err))
		}
		return false, fmt.Errorf("delete auto-reply rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete auto-reply rule rows affected: %w", err)
	}

	return affected > 0, nil
}
