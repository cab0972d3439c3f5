package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// MessageLink records one forwarded message: the id the bot received and
// the id it produced on the other side, scoped to a topic and a direction.
// It lets replies, edits and /delete resolve their counterpart message.
type MessageLink struct {
	ReceivedID  int64
	ForwardedID int64
	TopicID     int64
	InGroup     bool
}

// MessageRepository defines persistence operations for message id links.
type MessageRepository interface {
	Insert(ctx context.Context, link *MessageLink) error
	// FindForwarded resolves the forwarded counterpart of a message the bot
	// received (same direction).
	FindForwarded(ctx context.Context, receivedID, topicID int64, inGroup bool) (int64, error)
	// FindReceived resolves the original of a message the bot produced
	// (opposite direction).
	FindReceived(ctx context.Context, forwardedID, topicID int64, inGroup bool) (int64, error)
	// DeleteLink drops one link after its message pair was retracted.
	DeleteLink(ctx context.Context, receivedID, topicID int64, inGroup bool) error
	DeleteByTopic(ctx context.Context, topicID int64) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type messageRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewMessageRepository creates a new SQL-backed message link repository.
func NewMessageRepository(db *sql.DB, log *slog.Logger) MessageRepository {
	return &messageRepository{
		db:  db,
		log: log,
	}
}

func (r *messageRepository) Insert(ctx context.Context, link *MessageLink) error {
	const query = `
		INSERT INTO messages (received_id, forwarded_id, topic_id, in_group, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := r.db.ExecContext(
		ctx,
		query,
		link.ReceivedID,
		link.ForwardedID,
		link.TopicID,
		link.InGroup,
		time.Now().UTC(),
	); err != nil {
		if r.log != nil {
			r.log.Error("failed to insert message link", slog.Int64("topic_id", link.TopicID), slog.Any("error", err))
		}
		return fmt.Errorf("insert message link: %w", err)
	}

	return nil
}

func (r *messageRepository) FindForwarded(ctx context.Context, receivedID, topicID int64, inGroup bool) (int64, error) {
	const query = `
		SELECT forwarded_id FROM messages
		WHERE received_id = $1 AND topic_id = $2 AND in_group = $3
		LIMIT 1
	`

	return r.scanID(ctx, query, receivedID, topicID, inGroup)
}

func (r *messageRepository) FindReceived(ctx context.Context, forwardedID, topicID int64, inGroup bool) (int64, error) {
	const query = `
		SELECT received_id FROM messages
		WHERE forwarded_id = $1 AND topic_id = $2 AND in_group = $3
		LIMIT 1
	`

	return r.scanID(ctx, query, forwardedID, topicID, inGroup)
}

func (r *messageRepository) scanID(ctx context.Context, query string, msgID, topicID int64, inGroup bool) (int64, error) {
	var id int64
	if err := r.db.QueryRowContext(ctx, query, msgID, topicID, inGroup).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sql.ErrNoRows
		}
		return 0, fmt.Errorf("select message link: %w", err)
	}

	return id, nil
}

func (r *messageRepository) DeleteLink(ctx context.Context, receivedID, topicID int64, inGroup bool) error {
	const query = `DELETE FROM messages WHERE received_id = $1 AND topic_id = $2 AND in_group = $3`

	if _, err := r.db.ExecContext(ctx, query, receivedID, topicID, inGroup); err != nil {
		if r.log != nil {
			r.log.Error("failed to delete message link", slog.Int64("received_id", receivedID), slog.Any("error", err))
		}
		return fmt.Errorf("delete message link: %w", err)
	}

	return nil
}

func (r *messageRepository) DeleteByTopic(ctx context.Context, topicID int64) error {
	const query = `DELETE FROM messages WHERE topic_id = $1`

	if _, err := r.db.ExecContext(ctx, query, topicID); err != nil {
		if r.log != nil {
			r.log.Error("failed to delete message links", slog.Int64("topic_id", topicID), slog.Any("error", err))
		}
		return fmt.Errorf("delete message links: %w", err)
	}

	return nil
}

// DeleteOlderThan prunes links older than cutoff and returns how many rows
// were removed. Invoked by the scheduled cleanup job.
func (r *messageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM messages WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		if r.log != nil {
			r.log.Error("failed to prune message links", slog.Time("cutoff", cutoff), slog.Any("error", err))
		}
		return 0, fmt.Errorf("prune message links: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune message links rows affected: %w", err)
	}

	return affected, nil
}
