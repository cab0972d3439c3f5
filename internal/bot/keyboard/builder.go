// Package keyboard builds the inline markups the bot attaches to operator
// prompts.
package keyboard

import (
	"fmt"
	"log/slog"

	telebot "gopkg.in/telebot.v3"
)

// Callback data for the terminate confirmation prompt.
const (
	TerminateConfirm = "terminate_confirm"
	TerminateCancel  = "terminate_cancel"
)

// Builder creates inline keyboards.
type Builder struct {
	log *slog.Logger
}

// NewBuilder returns a new Builder instance.
func NewBuilder(log *slog.Logger) *Builder {
	return &Builder{log: log}
}

// TerminateButtons builds the confirm/cancel prompt shown before a
// conversation and its topic are deleted. The target user id travels in the
// callback data so the confirmation works outside the topic thread too.
func (b *Builder) TerminateButtons(userID int64) *telebot.ReplyMarkup {
	markup := &telebot.ReplyMarkup{}
	markup.InlineKeyboard = [][]telebot.InlineButton{
		{
			{
				Text: "Confirm ✅",
				Data: fmt.Sprintf("%s:%d", TerminateConfirm, userID),
			},
			{
				Text: "Cancel ❌",
				Data: TerminateCancel,
			},
		},
	}
	return markup
}
