// Package transport is the boundary to the Telegram chat transport. The
// rest of the application never speaks the Bot API directly: inbound
// updates are normalized into Events and outbound traffic goes through the
// Sender interface.
package transport

import (
	"errors"
	"time"

	telebot "gopkg.in/telebot.v3"
)

// Origin tags which side of the relay produced an event.
type Origin string

const (
	// OriginUser marks a private message from an end user.
	OriginUser Origin = "user"
	// OriginTopic marks an operator message inside a forum topic.
	OriginTopic Origin = "topic"
)

// Kind distinguishes fresh messages from edits of already relayed ones.
type Kind string

const (
	// KindMessage is a new inbound message.
	KindMessage Kind = "message"
	// KindEdit is an edit of a message the bot may have relayed already.
	KindEdit Kind = "edit"
)

// ErrUnroutable marks an update that belongs to neither side of the relay,
// for example a message in the group's general topic.
var ErrUnroutable = errors.New("event is not routable")

// Event is one normalized inbound update.
type Event struct {
	Origin    Origin
	Kind      Kind
	UserID    int64 // sender for user-origin events
	TopicID   int64 // forum thread for topic-origin events
	MessageID int
	Text      string
	Message   *telebot.Message // raw message, carried for media forwarding
	Timestamp time.Time
}

// EventFromMessage classifies a raw update against the operator group id.
// Messages in the group outside any topic are unroutable by design: the
// general topic is reserved for admin commands and bot notices.
func EventFromMessage(m *telebot.Message, groupID int64) (Event, error) {
	if m == nil || m.Chat == nil {
		return Event{}, ErrUnroutable
	}

	ts := m.Time()

	if m.Chat.ID != groupID {
		if m.Sender == nil {
			return Event{}, ErrUnroutable
		}

		return Event{
			Origin:    OriginUser,
			Kind:      KindMessage,
			UserID:    m.Sender.ID,
			MessageID: m.ID,
			Text:      m.Text,
			Message:   m,
			Timestamp: ts,
		}, nil
	}

	if m.ThreadID == 0 {
		return Event{}, ErrUnroutable
	}

	return Event{
		Origin:    OriginTopic,
		Kind:      KindMessage,
		TopicID:   int64(m.ThreadID),
		MessageID: m.ID,
		Text:      m.Text,
		Message:   m,
		Timestamp: ts,
	}, nil
}

// EventFromEdited classifies an edited-message update. Edits share the
// conversation key with the original, so they stay ordered behind it.
func EventFromEdited(m *telebot.Message, groupID int64) (Event, error) {
	ev, err := EventFromMessage(m, groupID)
	if err != nil {
		return Event{}, err
	}

	ev.Kind = KindEdit
	return ev, nil
}

// Key returns the sharding identity of the event: all events with the same
// key must be processed in order on the same worker lane.
func (e Event) Key() int64 {
	if e.Origin == OriginUser {
		return e.UserID
	}

	return e.TopicID
}
