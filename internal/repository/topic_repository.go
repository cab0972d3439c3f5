package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/Proton-105/forward-bot/internal/domain"
	apperrors "github.com/Proton-105/forward-bot/internal/errors"
)

// uniqueViolation is the PostgreSQL error code for a unique-constraint hit.
const uniqueViolation = pq.ErrorCode("23505")

// TopicRepository defines persistence operations for the user↔topic mapping.
// Insert surfaces a unique-constraint race as a persistence conflict so the
// directory can retry it as a get.
type TopicRepository interface {
	FindByUser(ctx context.Context, userID int64) (*domain.Topic, error)
	FindByTopic(ctx context.Context, topicID int64) (*domain.Topic, error)
	Insert(ctx context.Context, topic *domain.Topic) error
	DeleteByUser(ctx context.Context, userID int64) error
	DeleteByTopic(ctx context.Context, topicID int64) error
}

type topicRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewTopicRepository creates a new SQL-backed topic repository.
func NewTopicRepository(db *sql.DB, log *slog.Logger) TopicRepository {
	return &topicRepository{
		db:  db,
		log: log,
	}
}

// FindByUser returns the topic mapped to the given user, or sql.ErrNoRows.
func (r *topicRepository) FindByUser(ctx context.Context, userID int64) (*domain.Topic, error) {
	const query = `
		SELECT topic_id, user_id, created_at
		FROM topics
		WHERE user_id = $1
	`

	return r.scanOne(ctx, query, userID)
}

// FindByTopic returns the mapping that owns the given forum thread, or sql.ErrNoRows.
func (r *topicRepository) FindByTopic(ctx context.Context, topicID int64) (*domain.Topic, error) {
	const query = `
		SELECT topic_id, user_id, created_at
		FROM topics
		WHERE topic_id = $1
	`

	return r.scanOne(ctx, query, topicID)
}

func (r *topicRepository) scanOne(ctx context.Context, query string, arg int64) (*domain.Topic, error) {
	row := r.db.QueryRowContext(ctx, query, arg)

	var topic domain.Topic
	if err := row.Scan(&topic.ID, &topic.UserID, &topic.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		if r.log != nil {
			r.log.Error("failed to fetch topic mapping", slog.Int64("key", arg), slog.Any("error", err))
		}
		return nil, fmt.Errorf("select topic: %w", err)
	}

	return &topic, nil
}

// Insert persists a new mapping. A concurrent insert for the same user is
// reported as a persistence conflict, not a generic failure.
func (r *topicRepository) Insert(ctx context.Context, topic *domain.Topic) error {
	const query = `
		INSERT INTO topics (topic_id, user_id, created_at)
		VALUES ($1, $2, $3)
	`

	if _, err := r.db.ExecContext(ctx, query, topic.ID, topic.UserID, topic.CreatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return apperrors.NewPersistenceConflict(err)
		}

		if r.log != nil {
			r.log.Error("failed to insert topic mapping",
				slog.Int64("user_id", topic.UserID),
				slog.Int64("topic_id", topic.ID),
				slog.Any("error", err),
			)
		}
		return fmt.Errorf("insert topic: %w", err)
	}

	return nil
}

// DeleteByUser removes the mapping for the given user. Idempotent.
func (r *topicRepository) DeleteByUser(ctx context.Context, userID int64) error {
	const query = `DELETE FROM topics WHERE user_id = $1`

	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		if r.log != nil {
			r.log.Error("failed to delete topic mapping", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return fmt.Errorf("delete topic by user: %w", err)
	}

	return nil
}

// DeleteByTopic removes the mapping that owns the given forum thread. Idempotent.
func (r *topicRepository) DeleteByTopic(ctx context.Context, topicID int64) error {
	const query = `DELETE FROM topics WHERE topic_id = $1`

	if _, err := r.db.ExecContext(ctx, query, topicID); err != nil {
		if r.log != nil {
			r.log.Error("failed to delete topic mapping", slog.Int64("topic_id", topicID), slog.Any("error", err))
		}
		return fmt.Errorf("delete topic by id: %w", err)
	}

	return nil
}
