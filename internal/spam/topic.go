package spam

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/Proton-105/forward-bot/internal/repository"
)

// spamTopicKey is the settings row holding the singleton spam topic id.
const spamTopicKey = "spam_topic_id"

// TopicCreator is the transport slice needed to open the spam topic.
type TopicCreator interface {
	CreateTopic(ctx context.Context, title string) (int64, error)
}

// TopicKeeper owns the singleton spam topic: all keyword-flagged traffic
// from every user lands in this one thread. The id survives restarts in the
// settings table; creation is serialized so concurrent spam from different
// users yields exactly one topic.
type TopicKeeper struct {
	settings repository.SettingsRepository
	creator  TopicCreator
	title    string
	log      *slog.Logger

	mu     sync.Mutex
	cached int64
}

// NewTopicKeeper constructs the keeper. title names the topic on first
// creation.
func NewTopicKeeper(settings repository.SettingsRepository, creator TopicCreator, title string, log *slog.Logger) *TopicKeeper {
	if title == "" {
		title = "Spam"
	}
	if log == nil {
		log = slog.Default()
	}

	return &TopicKeeper{
		settings: settings,
		creator:  creator,
		title:    title,
		log:      log,
	}
}

// Ensure returns the spam topic id, creating the topic on first use.
func (k *TopicKeeper) Ensure(ctx context.Context) (int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cached != 0 {
		return k.cached, nil
	}

	raw, found, err := k.settings.Get(ctx, spamTopicKey)
	if err != nil {
		return 0, err
	}
	if found {
		id, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr == nil && id != 0 {
			k.cached = id
			return id, nil
		}
		k.log.Warn("stored spam topic id is malformed, recreating", slog.String("value", raw))
	}

	id, err := k.creator.CreateTopic(ctx, k.title)
	if err != nil {
		return 0, err
	}

	if err := k.settings.Set(ctx, spamTopicKey, strconv.FormatInt(id, 10)); err != nil {
		return 0, err
	}

	k.cached = id
	k.log.Info("created spam topic", slog.Int64("topic_id", id))

	return id, nil
}

// Invalidate drops the cached id, forcing the next Ensure to re-read the
// settings row. Used when the operator deletes the spam thread.
func (k *TopicKeeper) Invalidate() {
	k.mu.Lock()
	k.cached = 0
	k.mu.Unlock()
}
