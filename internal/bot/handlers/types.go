// Package handlers defines the function types the bot router composes.
package handlers

import (
	telebot "gopkg.in/telebot.v3"
)

// Handler processes one update.
type Handler func(c telebot.Context) error

// CallbackHandler processes inline callback events.
type CallbackHandler func(c telebot.Context) error

// Middleware wraps handlers with additional behavior.
type Middleware func(Handler) Handler
