// Package relay implements the message pipeline: ban and captcha gates,
// spam isolation, auto-replies, topic resolution and the actual forwarding
// in both directions, with message id links recorded for reply threading.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	telebot "gopkg.in/telebot.v3"

	"github.com/Proton-105/forward-bot/internal/autoreply"
	"github.com/Proton-105/forward-bot/internal/directory"
	"github.com/Proton-105/forward-bot/internal/domain"
	"github.com/Proton-105/forward-bot/internal/i18n"
	"github.com/Proton-105/forward-bot/internal/repository"
	"github.com/Proton-105/forward-bot/internal/spam"
	"github.com/Proton-105/forward-bot/internal/state"
	"github.com/Proton-105/forward-bot/internal/transport"
	"github.com/Proton-105/forward-bot/pkg/logger"
	"github.com/Proton-105/forward-bot/pkg/metrics"
)

// Sender is the transport surface the pipeline writes to.
type Sender interface {
	SendToUser(ctx context.Context, userID int64, p transport.Payload) (int, error)
	SendToTopic(ctx context.Context, topicID int64, p transport.Payload, silent bool) (int, error)
	Pin(ctx context.Context, topicID int64, p transport.Payload) error
	EditUserMessage(ctx context.Context, userID int64, messageID int, text string) error
	EditTopicMessage(ctx context.Context, messageID int, text string) error
	DeleteUserMessage(ctx context.Context, userID int64, messageID int) error
}

// Config tunes pipeline behavior.
type Config struct {
	// SpamCheckAll extends the keyword filter to every message instead of
	// first contact only.
	SpamCheckAll bool
	// BannedNotice tells banned users their message was not delivered
	// instead of the default silent drop.
	BannedNotice bool
}

// Service wires the pipeline stages together. One instance serves all
// dispatcher lanes; per-conversation ordering comes from the lanes, not
// from locks here.
type Service struct {
	states    *state.Service
	detector  spam.Detector
	spamTopic *spam.TopicKeeper
	replies   *autoreply.Engine
	dir       *directory.Service
	sender    Sender
	messages  repository.MessageRepository
	tr        i18n.Translator
	cfg       Config
	log       *slog.Logger
}

// NewService constructs the pipeline.
func NewService(
	states *state.Service,
	detector spam.Detector,
	spamTopic *spam.TopicKeeper,
	replies *autoreply.Engine,
	dir *directory.Service,
	sender Sender,
	messages repository.MessageRepository,
	tr i18n.Translator,
	cfg Config,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		states:    states,
		detector:  detector,
		spamTopic: spamTopic,
		replies:   replies,
		dir:       dir,
		sender:    sender,
		messages:  messages,
		tr:        tr,
		cfg:       cfg,
		log:       log,
	}
}

// Handle processes one inbound event on a dispatcher lane.
func (s *Service) Handle(ctx context.Context, ev transport.Event) {
	ctx = logger.WithCorrelationID(ctx)

	timer := time.Now()
	defer func() {
		metrics.HandlerDuration.WithLabelValues(string(ev.Origin)).Observe(time.Since(timer).Seconds())
	}()

	var err error
	if ev.Kind == transport.KindEdit {
		err = s.handleEdit(ctx, ev)
	} else {
		switch ev.Origin {
		case transport.OriginUser:
			err = s.handleUserMessage(ctx, ev)
		case transport.OriginTopic:
			err = s.handleTopicMessage(ctx, ev)
		}
	}

	if err != nil {
		s.log.Error("event processing failed",
			slog.String("origin", string(ev.Origin)),
			slog.Int64("key", ev.Key()),
			slog.Int("message_id", ev.MessageID),
			slog.Any("error", err),
		)
	}
}

// handleUserMessage runs the user→operator half of the pipeline.
func (s *Service) handleUserMessage(ctx context.Context, ev transport.Event) error {
	user, err := s.states.EnsureUser(ctx, userFromEvent(ev))
	if err != nil {
		return fmt.Errorf("ensure user %d: %w", ev.UserID, err)
	}

	// Banned users get no reaction unless the notice is enabled.
	if user.Banned {
		metrics.DroppedEvents.WithLabelValues("banned").Inc()
		if s.cfg.BannedNotice {
			if _, sendErr := s.sender.SendToUser(ctx, user.ID, transport.Payload{Text: s.tr.T("relay.banned_notice")}); sendErr != nil {
				s.log.Warn("banned notice delivery failed", slog.Int64("user_id", user.ID), slog.Any("error", sendErr))
			}
		}
		return nil
	}

	proceed, err := s.screenCaptcha(ctx, user, ev.Text)
	if err != nil || !proceed {
		return err
	}

	topicID, known, err := s.dir.ResolveTopic(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("resolve topic for user %d: %w", user.ID, err)
	}

	if s.shouldCheckSpam(known) && s.detector.Match(ev.Text) {
		return s.quarantine(ctx, user, ev)
	}

	var autoResponse string
	if response, ok := s.replies.Match(ev.Text, ev.Timestamp); ok {
		metrics.AutoReplies.Inc()
		autoResponse = response
		if _, sendErr := s.sender.SendToUser(ctx, user.ID, transport.Payload{Text: response}); sendErr != nil {
			s.log.Warn("auto-reply delivery failed", slog.Int64("user_id", user.ID), slog.Any("error", sendErr))
		}
		// Forwarding continues: the operator still sees the message.
	}

	if !known {
		var created bool
		topicID, created, err = s.dir.ResolveOrCreate(ctx, user.ID, topicTitle(user))
		if err != nil {
			return fmt.Errorf("create topic for user %d: %w", user.ID, err)
		}
		if created {
			metrics.TopicsCreated.Inc()
			s.postUserCard(ctx, topicID, user)
			if _, sendErr := s.sender.SendToUser(ctx, user.ID, transport.Payload{Text: s.tr.T("relay.welcome")}); sendErr != nil {
				s.log.Warn("welcome delivery failed", slog.Int64("user_id", user.ID), slog.Any("error", sendErr))
			}
		}
	}

	replyTo := s.counterpartInTopic(ctx, ev.Message, topicID)

	sentID, err := s.sender.SendToTopic(ctx, topicID, transport.Payload{Copy: ev.Message, ReplyTo: replyTo}, false)
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues(metrics.DirectionToTopic, metrics.StatusFailed).Inc()
		if _, notifyErr := s.sender.SendToUser(ctx, user.ID, transport.Payload{Text: s.tr.T("relay.delivery_failed")}); notifyErr != nil {
			s.log.Warn("failure notice delivery failed", slog.Int64("user_id", user.ID), slog.Any("error", notifyErr))
		}
		return fmt.Errorf("forward message %d to topic %d: %w", ev.MessageID, topicID, err)
	}
	metrics.ForwardsTotal.WithLabelValues(metrics.DirectionToTopic, metrics.StatusOK).Inc()

	// The operator sees which answer the user already got.
	if autoResponse != "" {
		echo := transport.Payload{Text: s.tr.Tf("topic.auto_reply_echo", autoResponse), ReplyTo: sentID}
		if _, echoErr := s.sender.SendToTopic(ctx, topicID, echo, true); echoErr != nil {
			s.log.Warn("auto-reply echo failed", slog.Int64("topic_id", topicID), slog.Any("error", echoErr))
		}
	}

	if err := s.messages.Insert(ctx, &repository.MessageLink{
		ReceivedID:  int64(ev.MessageID),
		ForwardedID: int64(sentID),
		TopicID:     topicID,
		InGroup:     false,
	}); err != nil {
		s.log.Warn("failed to record message link", slog.Int64("topic_id", topicID), slog.Any("error", err))
	}

	return nil
}

// handleTopicMessage runs the operator→user half of the pipeline.
func (s *Service) handleTopicMessage(ctx context.Context, ev transport.Event) error {
	userID, err := s.dir.ResolveUser(ctx, ev.TopicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Not a relayed conversation: the spam topic or an unrelated
			// thread. Nothing to deliver.
			metrics.DroppedEvents.WithLabelValues("unmapped_topic").Inc()
			return nil
		}
		return fmt.Errorf("resolve user for topic %d: %w", ev.TopicID, err)
	}

	replyTo := s.counterpartInChat(ctx, ev.Message, ev.TopicID)

	sentID, err := s.sender.SendToUser(ctx, userID, transport.Payload{Copy: ev.Message, ReplyTo: replyTo})
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues(metrics.DirectionToUser, metrics.StatusFailed).Inc()
		if _, noticeErr := s.sender.SendToTopic(ctx, ev.TopicID, transport.Payload{
			Text:    s.tr.T("relay.delivery_failed"),
			ReplyTo: ev.MessageID,
		}, true); noticeErr != nil {
			s.log.Warn("failure notice delivery failed", slog.Int64("topic_id", ev.TopicID), slog.Any("error", noticeErr))
		}
		return fmt.Errorf("deliver message %d to user %d: %w", ev.MessageID, userID, err)
	}
	metrics.ForwardsTotal.WithLabelValues(metrics.DirectionToUser, metrics.StatusOK).Inc()

	if err := s.messages.Insert(ctx, &repository.MessageLink{
		ReceivedID:  int64(ev.MessageID),
		ForwardedID: int64(sentID),
		TopicID:     ev.TopicID,
		InGroup:     true,
	}); err != nil {
		s.log.Warn("failed to record message link", slog.Int64("topic_id", ev.TopicID), slog.Any("error", err))
	}

	return nil
}

// handleEdit rewrites the relayed copy after its original was edited. Only
// text edits are synced; the copy gets a marker so the other side can tell
// it changed. Messages that were never relayed are ignored.
func (s *Service) handleEdit(ctx context.Context, ev transport.Event) error {
	if ev.Text == "" {
		return nil
	}

	text := ev.Text + "\n\n" + s.tr.Tf("relay.edited_at", time.Now().Format("2006-01-02 15:04"))

	switch ev.Origin {
	case transport.OriginUser:
		topicID, known, err := s.dir.ResolveTopic(ctx, ev.UserID)
		if err != nil {
			return fmt.Errorf("resolve topic for user %d: %w", ev.UserID, err)
		}
		if !known {
			return nil
		}

		forwardedID, err := s.messages.FindForwarded(ctx, int64(ev.MessageID), topicID, false)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("resolve edited message %d: %w", ev.MessageID, err)
		}

		if err := s.sender.EditTopicMessage(ctx, int(forwardedID), text); err != nil {
			return fmt.Errorf("sync edit of message %d into topic %d: %w", ev.MessageID, topicID, err)
		}
	case transport.OriginTopic:
		userID, err := s.dir.ResolveUser(ctx, ev.TopicID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("resolve user for topic %d: %w", ev.TopicID, err)
		}

		forwardedID, err := s.messages.FindForwarded(ctx, int64(ev.MessageID), ev.TopicID, true)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("resolve edited message %d: %w", ev.MessageID, err)
		}

		if err := s.sender.EditUserMessage(ctx, userID, int(forwardedID), text); err != nil {
			return fmt.Errorf("sync edit of message %d to user %d: %w", ev.MessageID, userID, err)
		}
	}

	return nil
}

// RetractOperatorMessage serves the operator's /delete: the user-chat copy
// of the replied-to message is removed and the link dropped. Returns false
// when the message was never relayed.
func (s *Service) RetractOperatorMessage(ctx context.Context, topicID int64, messageID int) (bool, error) {
	userID, err := s.dir.ResolveUser(ctx, topicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("resolve user for topic %d: %w", topicID, err)
	}

	forwardedID, err := s.messages.FindForwarded(ctx, int64(messageID), topicID, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("resolve message %d: %w", messageID, err)
	}

	if err := s.sender.DeleteUserMessage(ctx, userID, int(forwardedID)); err != nil {
		return false, fmt.Errorf("delete message %d for user %d: %w", forwardedID, userID, err)
	}

	if err := s.messages.DeleteLink(ctx, int64(messageID), topicID, true); err != nil {
		s.log.Warn("failed to drop message link", slog.Int64("topic_id", topicID), slog.Any("error", err))
	}

	s.log.Info("operator message retracted", slog.Int64("topic_id", topicID), slog.Int("message_id", messageID))

	return true, nil
}

// RetractUserMessage serves the user's /delete: the topic copy stays for
// the record, the operator gets a deletion notice threaded onto it, and the
// link is dropped.
func (s *Service) RetractUserMessage(ctx context.Context, userID int64, messageID int) (bool, error) {
	topicID, known, err := s.dir.ResolveTopic(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("resolve topic for user %d: %w", userID, err)
	}
	if !known {
		return false, nil
	}

	forwardedID, err := s.messages.FindForwarded(ctx, int64(messageID), topicID, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("resolve message %d: %w", messageID, err)
	}

	notice := transport.Payload{Text: s.tr.T("topic.deleted_by_user"), ReplyTo: int(forwardedID)}
	if _, err := s.sender.SendToTopic(ctx, topicID, notice, true); err != nil {
		return false, fmt.Errorf("post deletion notice to topic %d: %w", topicID, err)
	}

	if err := s.messages.DeleteLink(ctx, int64(messageID), topicID, false); err != nil {
		s.log.Warn("failed to drop message link", slog.Int64("topic_id", topicID), slog.Any("error", err))
	}

	s.log.Info("user message retracted", slog.Int64("user_id", userID), slog.Int("message_id", messageID))

	return true, nil
}

// screenCaptcha runs the captcha gate. Returns true when the message should
// continue down the pipeline.
func (s *Service) screenCaptcha(ctx context.Context, user *domain.User, text string) (bool, error) {
	screening, err := s.states.Screen(ctx, user, text)
	if err != nil {
		return false, fmt.Errorf("captcha screening for user %d: %w", user.ID, err)
	}

	switch screening.Action {
	case state.ActionRelay:
		return true, nil
	case state.ActionChallenged:
		metrics.CaptchaChallenges.WithLabelValues("challenged").Inc()
		_, err = s.sender.SendToUser(ctx, user.ID, transport.Payload{Text: s.tr.Tf("captcha.challenge", screening.Question)})
	case state.ActionRetry:
		metrics.CaptchaChallenges.WithLabelValues("retry").Inc()
		_, err = s.sender.SendToUser(ctx, user.ID, transport.Payload{Text: s.tr.T("captcha.retry")})
	case state.ActionPassed:
		metrics.CaptchaChallenges.WithLabelValues("passed").Inc()
		_, err = s.sender.SendToUser(ctx, user.ID, transport.Payload{Text: s.tr.T("captcha.passed")})
	}
	if err != nil {
		return false, fmt.Errorf("captcha reply to user %d: %w", user.ID, err)
	}

	return false, nil
}

// shouldCheckSpam applies the filter to first-contact users, or to everyone
// when configured.
func (s *Service) shouldCheckSpam(hasTopic bool) bool {
	return s.cfg.SpamCheckAll || !hasTopic
}

// quarantine diverts a flagged message into the singleton spam topic. The
// user gets no signal that the message was filtered.
func (s *Service) quarantine(ctx context.Context, user *domain.User, ev transport.Event) error {
	metrics.SpamDetected.Inc()

	topicID, err := s.spamTopic.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("ensure spam topic: %w", err)
	}

	header := s.tr.Tf("topic.spam_entry", displayName(user), user.ID)
	if _, err := s.sender.SendToTopic(ctx, topicID, transport.Payload{Text: header}, true); err != nil {
		return fmt.Errorf("post spam header: %w", err)
	}
	if _, err := s.sender.SendToTopic(ctx, topicID, transport.Payload{Copy: ev.Message}, true); err != nil {
		return fmt.Errorf("quarantine message %d: %w", ev.MessageID, err)
	}

	s.log.Info("message quarantined",
		slog.Int64("user_id", user.ID),
		slog.Int("message_id", ev.MessageID),
	)

	return nil
}

func (s *Service) postUserCard(ctx context.Context, topicID int64, user *domain.User) {
	card := s.tr.Tf("topic.card", displayName(user), usernameOrDash(user), user.ID)
	if err := s.sender.Pin(ctx, topicID, transport.Payload{Text: card}); err != nil {
		s.log.Warn("failed to post user card", slog.Int64("topic_id", topicID), slog.Any("error", err))
	}
}

// counterpartInTopic resolves the group-side message a user reply should
// thread onto. Zero means no threading.
func (s *Service) counterpartInTopic(ctx context.Context, m *telebot.Message, topicID int64) int {
	if m == nil || m.ReplyTo == nil {
		return 0
	}

	// The user replied to a message the bot delivered into their chat, i.e.
	// the forwarded side of an operator link.
	id, err := s.messages.FindReceived(ctx, int64(m.ReplyTo.ID), topicID, true)
	if err != nil {
		return 0
	}

	return int(id)
}

// counterpartInChat resolves the user-chat message an operator reply should
// thread onto.
func (s *Service) counterpartInChat(ctx context.Context, m *telebot.Message, topicID int64) int {
	if m == nil || m.ReplyTo == nil {
		return 0
	}

	// The operator replied to a forwarded user message in the topic.
	id, err := s.messages.FindReceived(ctx, int64(m.ReplyTo.ID), topicID, false)
	if err != nil {
		return 0
	}

	return int(id)
}

func userFromEvent(ev transport.Event) *domain.User {
	user := &domain.User{ID: ev.UserID}
	if ev.Message != nil && ev.Message.Sender != nil {
		user.FirstName = ev.Message.Sender.FirstName
		user.LastName = ev.Message.Sender.LastName
		user.Username = ev.Message.Sender.Username
	}

	return user
}

func topicTitle(user *domain.User) string {
	name := displayName(user)
	if user.Username != "" {
		name = fmt.Sprintf("%s (@%s)", name, user.Username)
	}

	return name
}

func displayName(user *domain.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		if user.Username != "" {
			return "@" + user.Username
		}
		return fmt.Sprintf("user %d", user.ID)
	}

	return name
}

func usernameOrDash(user *domain.User) string {
	if user.Username == "" {
		return "—"
	}

	return "@" + user.Username
}
