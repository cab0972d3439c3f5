// Package directory maintains the invariant at the heart of the relay: every
// end user maps to at most one forum topic in the operator group. Lookups go
// through a Redis read-through cache; creation is serialized per user by an
// in-process lock arena and guarded by the database unique constraint, so a
// lost race degrades into a plain lookup instead of a duplicate topic.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Proton-105/forward-bot/internal/domain"
	apperrors "github.com/Proton-105/forward-bot/internal/errors"
	"github.com/Proton-105/forward-bot/internal/repository"
	"github.com/Proton-105/forward-bot/internal/transport"
)

const (
	cacheKeyPrefix = "directory:user:"
	cacheTTL       = 6 * time.Hour
)

// TopicCreator is the slice of the transport the directory needs.
type TopicCreator interface {
	CreateTopic(ctx context.Context, title string) (int64, error)
	DeleteTopic(ctx context.Context, topicID int64) error
}

// Cache is the key-value slice of the Redis client used for the mapping
// cache.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Service resolves users to topics, creating the topic on first contact.
type Service struct {
	topics  repository.TopicRepository
	creator TopicCreator
	cache   Cache
	locks   *lockArena
	log     *slog.Logger
}

// NewService constructs the directory service. cache may be nil, in which
// case every lookup hits the database.
func NewService(topics repository.TopicRepository, creator TopicCreator, cache Cache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		topics:  topics,
		creator: creator,
		cache:   cache,
		locks:   newLockArena(),
		log:     log,
	}
}

// ResolveOrCreate returns the topic id for the user, creating the forum
// topic and the mapping row on first contact. The created flag tells the
// caller whether a welcome card should be posted.
func (s *Service) ResolveOrCreate(ctx context.Context, userID int64, title string) (int64, bool, error) {
	if topicID, ok := s.cached(ctx, userID); ok {
		return topicID, false, nil
	}

	release := s.locks.acquire(userID)
	defer release()

	topic, err := s.topics.FindByUser(ctx, userID)
	if err == nil {
		s.remember(ctx, userID, topic.ID)
		return topic.ID, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, apperrors.NewPersistenceError(err)
	}

	topicID, err := s.creator.CreateTopic(ctx, title)
	if err != nil {
		return 0, false, fmt.Errorf("create topic for user %d: %w", userID, err)
	}

	insertErr := s.topics.Insert(ctx, &domain.Topic{
		ID:        topicID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	})
	if insertErr == nil {
		s.remember(ctx, userID, topicID)
		return topicID, true, nil
	}

	if apperrors.IsConflict(insertErr) {
		// Another instance won the race. Keep its topic, discard ours.
		s.log.Warn("lost topic creation race, reusing existing mapping",
			slog.Int64("user_id", userID),
			slog.Int64("orphan_topic_id", topicID),
		)
		if delErr := s.creator.DeleteTopic(ctx, topicID); delErr != nil {
			s.log.Warn("failed to remove orphan topic", slog.Int64("topic_id", topicID), slog.Any("error", delErr))
		}

		existing, findErr := s.topics.FindByUser(ctx, userID)
		if findErr != nil {
			return 0, false, apperrors.NewPersistenceError(findErr)
		}
		s.remember(ctx, userID, existing.ID)

		return existing.ID, false, nil
	}

	return 0, false, apperrors.NewPersistenceError(insertErr)
}

// ResolveUser returns the user behind a forum topic, or sql.ErrNoRows when
// the topic is not a relayed conversation.
func (s *Service) ResolveUser(ctx context.Context, topicID int64) (int64, error) {
	topic, err := s.topics.FindByTopic(ctx, topicID)
	if err != nil {
		return 0, err
	}

	return topic.UserID, nil
}

// ResolveTopic returns the topic for a user without creating one. The second
// return value reports whether a mapping exists.
func (s *Service) ResolveTopic(ctx context.Context, userID int64) (int64, bool, error) {
	if topicID, ok := s.cached(ctx, userID); ok {
		return topicID, true, nil
	}

	topic, err := s.topics.FindByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}

	s.remember(ctx, userID, topic.ID)

	return topic.ID, true, nil
}

// Forget removes the mapping for a terminated conversation, both the row
// and the cache entry. The forum topic itself is the caller's to delete.
func (s *Service) Forget(ctx context.Context, userID, topicID int64) error {
	release := s.locks.acquire(userID)
	defer release()

	if err := s.topics.DeleteByTopic(ctx, topicID); err != nil {
		return err
	}

	s.invalidate(ctx, userID)

	return nil
}

// LiveLocks reports the number of in-flight per-user locks, exported as a
// gauge.
func (s *Service) LiveLocks() int {
	return s.locks.size()
}

func (s *Service) cached(ctx context.Context, userID int64) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}

	raw, err := s.cache.Get(ctx, cacheKey(userID))
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			s.log.Warn("directory cache read failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return 0, false
	}

	topicID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.invalidate(ctx, userID)
		return 0, false
	}

	return topicID, true
}

func (s *Service) remember(ctx context.Context, userID, topicID int64) {
	if s.cache == nil {
		return
	}

	if err := s.cache.Set(ctx, cacheKey(userID), strconv.FormatInt(topicID, 10), cacheTTL); err != nil {
		s.log.Warn("directory cache write failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}

	if err := s.cache.Delete(ctx, cacheKey(userID)); err != nil {
		s.log.Warn("directory cache invalidation failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

func cacheKey(userID int64) string {
	return cacheKeyPrefix + strconv.FormatInt(userID, 10)
}

var _ TopicCreator = (*transport.TelegramSender)(nil)
