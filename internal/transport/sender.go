package transport

import (
	"context"
	"fmt"
	"log/slog"

	telebot "gopkg.in/telebot.v3"

	apperrors "github.com/Proton-105/forward-bot/internal/errors"
)

// Payload is one outbound message. When Copy is set the content (photo,
// document, sticker…) is taken from that message and Text is used as the
// caption; otherwise Text is sent as-is.
type Payload struct {
	Text      string
	Copy      *telebot.Message
	ReplyTo   int
	ParseMode string
}

// Sender is the outbound half of the transport boundary.
type Sender interface {
	// SendToUser delivers a payload to a user's private chat and returns the
	// sent message id.
	SendToUser(ctx context.Context, userID int64, p Payload) (int, error)
	// SendToTopic delivers a payload into a forum topic of the operator
	// group. Silent sends do not trigger notifications.
	SendToTopic(ctx context.Context, topicID int64, p Payload, silent bool) (int, error)
	// CreateTopic opens a new forum topic and returns its thread id.
	CreateTopic(ctx context.Context, title string) (int64, error)
	// CloseTopic and ReopenTopic toggle a topic when its user is banned or
	// unbanned; DeleteTopic removes a terminated conversation's thread.
	CloseTopic(ctx context.Context, topicID int64) error
	ReopenTopic(ctx context.Context, topicID int64) error
	DeleteTopic(ctx context.Context, topicID int64) error
	// EditUserMessage and EditTopicMessage rewrite an already relayed copy
	// after its original was edited.
	EditUserMessage(ctx context.Context, userID int64, messageID int, text string) error
	EditTopicMessage(ctx context.Context, messageID int, text string) error
	// DeleteUserMessage and DeleteTopicMessage retract relayed copies.
	DeleteUserMessage(ctx context.Context, userID int64, messageID int) error
	DeleteTopicMessage(ctx context.Context, messageID int) error
}

// TelegramSender implements Sender on telebot, wrapping every API call in
// retry-with-backoff and a shared circuit breaker.
type TelegramSender struct {
	bot     *telebot.Bot
	groupID int64
	breaker *apperrors.CircuitBreaker
	log     *slog.Logger
}

// NewTelegramSender constructs the telebot-backed sender.
func NewTelegramSender(bot *telebot.Bot, groupID int64, log *slog.Logger) *TelegramSender {
	if log == nil {
		log = slog.Default()
	}

	return &TelegramSender{
		bot:     bot,
		groupID: groupID,
		breaker: apperrors.NewCircuitBreaker(),
		log:     log,
	}
}

// SendToUser delivers the payload to the user's private chat.
func (s *TelegramSender) SendToUser(ctx context.Context, userID int64, p Payload) (int, error) {
	return s.send(ctx, telebot.ChatID(userID), p, 0, false)
}

// SendToTopic delivers the payload into the given forum topic.
func (s *TelegramSender) SendToTopic(ctx context.Context, topicID int64, p Payload, silent bool) (int, error) {
	return s.send(ctx, telebot.ChatID(s.groupID), p, int(topicID), silent)
}

func (s *TelegramSender) send(ctx context.Context, to telebot.Recipient, p Payload, threadID int, silent bool) (int, error) {
	opts := &telebot.SendOptions{
		ThreadID:            threadID,
		DisableNotification: silent,
	}
	if p.ParseMode != "" {
		opts.ParseMode = p.ParseMode
	}
	if p.ReplyTo != 0 {
		opts.ReplyTo = &telebot.Message{ID: p.ReplyTo}
	}

	what, err := sendable(p)
	if err != nil {
		return 0, err
	}

	var sent *telebot.Message
	err = apperrors.WithRetry(ctx, func() error {
		return s.breaker.Call(func() error {
			msg, sendErr := s.bot.Send(to, what, opts)
			if sendErr != nil {
				return apperrors.NewTransportError(sendErr)
			}
			sent = msg
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return sent.ID, nil
}

// CreateTopic opens a new forum topic in the operator group.
func (s *TelegramSender) CreateTopic(ctx context.Context, title string) (int64, error) {
	var created *telebot.Topic
	err := apperrors.WithRetry(ctx, func() error {
		return s.breaker.Call(func() error {
			topic, apiErr := s.bot.CreateTopic(s.groupChat(), &telebot.Topic{Name: title})
			if apiErr != nil {
				return apperrors.NewTransportError(apiErr)
			}
			created = topic
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return int64(created.ThreadID), nil
}

// CloseTopic closes the forum topic for a banned user's conversation.
func (s *TelegramSender) CloseTopic(ctx context.Context, topicID int64) error {
	return s.topicCall(ctx, topicID, s.bot.CloseTopic)
}

// ReopenTopic reopens a previously closed topic.
func (s *TelegramSender) ReopenTopic(ctx context.Context, topicID int64) error {
	return s.topicCall(ctx, topicID, s.bot.ReopenTopic)
}

// DeleteTopic removes the forum topic of a terminated conversation.
func (s *TelegramSender) DeleteTopic(ctx context.Context, topicID int64) error {
	return s.topicCall(ctx, topicID, s.bot.DeleteTopic)
}

func (s *TelegramSender) topicCall(ctx context.Context, topicID int64, fn func(*telebot.Chat, *telebot.Topic) error) error {
	return apperrors.WithRetry(ctx, func() error {
		return s.breaker.Call(func() error {
			if apiErr := fn(s.groupChat(), &telebot.Topic{ThreadID: int(topicID)}); apiErr != nil {
				return apperrors.NewTransportError(apiErr)
			}
			return nil
		})
	})
}

// Pin sends a payload into a topic and pins it, used for the per-topic user
// info card and the spam topic notice. Pin failures are non-fatal.
func (s *TelegramSender) Pin(ctx context.Context, topicID int64, p Payload) error {
	msgID, err := s.SendToTopic(ctx, topicID, p, true)
	if err != nil {
		return err
	}

	if pinErr := s.bot.Pin(&telebot.Message{ID: msgID, Chat: s.groupChat()}); pinErr != nil {
		s.log.Warn("failed to pin message", slog.Int64("topic_id", topicID), slog.Any("error", pinErr))
	}

	return nil
}

// EditUserMessage rewrites the text of a message the bot delivered into a
// user's private chat, used when the operator edits the original.
func (s *TelegramSender) EditUserMessage(ctx context.Context, userID int64, messageID int, text string) error {
	return s.edit(ctx, editable(userID, messageID), text)
}

// EditTopicMessage rewrites a message the bot posted into the operator
// group, used when the user edits the original.
func (s *TelegramSender) EditTopicMessage(ctx context.Context, messageID int, text string) error {
	return s.edit(ctx, editable(s.groupID, messageID), text)
}

func (s *TelegramSender) edit(ctx context.Context, msg telebot.Editable, text string) error {
	return apperrors.WithRetry(ctx, func() error {
		return s.breaker.Call(func() error {
			if _, apiErr := s.bot.Edit(msg, text); apiErr != nil {
				return apperrors.NewTransportError(apiErr)
			}
			return nil
		})
	})
}

// DeleteUserMessage removes a message from a user's private chat.
func (s *TelegramSender) DeleteUserMessage(ctx context.Context, userID int64, messageID int) error {
	return s.delete(ctx, editable(userID, messageID))
}

// DeleteTopicMessage removes a message from the operator group.
func (s *TelegramSender) DeleteTopicMessage(ctx context.Context, messageID int) error {
	return s.delete(ctx, editable(s.groupID, messageID))
}

func (s *TelegramSender) delete(ctx context.Context, msg telebot.Editable) error {
	return apperrors.WithRetry(ctx, func() error {
		return s.breaker.Call(func() error {
			if apiErr := s.bot.Delete(msg); apiErr != nil {
				return apperrors.NewTransportError(apiErr)
			}
			return nil
		})
	})
}

func editable(chatID int64, messageID int) telebot.Editable {
	return &telebot.Message{ID: messageID, Chat: &telebot.Chat{ID: chatID}}
}

func (s *TelegramSender) groupChat() *telebot.Chat {
	return &telebot.Chat{ID: s.groupID}
}

// sendable picks the telebot sendable for the payload, copying media from
// the original message when present.
func sendable(p Payload) (interface{}, error) {
	m := p.Copy
	if m == nil {
		return p.Text, nil
	}

	caption := p.Text
	if caption == "" {
		caption = m.Caption
	}

	switch {
	case m.Text != "":
		return m.Text, nil
	case m.Photo != nil:
		photo := *m.Photo
		photo.Caption = caption
		return &photo, nil
	case m.Sticker != nil:
		sticker := *m.Sticker
		return &sticker, nil
	case m.Video != nil:
		video := *m.Video
		video.Caption = caption
		return &video, nil
	case m.Document != nil:
		document := *m.Document
		document.Caption = caption
		return &document, nil
	case m.Audio != nil:
		audio := *m.Audio
		audio.Caption = caption
		return &audio, nil
	case m.Voice != nil:
		voice := *m.Voice
		voice.Caption = caption
		return &voice, nil
	case m.Animation != nil:
		animation := *m.Animation
		animation.Caption = caption
		return &animation, nil
	case m.Contact != nil:
		contact := *m.Contact
		return &contact, nil
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported message type in message %d", m.ID))
	}
}
