package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	telebot "gopkg.in/telebot.v3"

	"github.com/Proton-105/forward-bot/internal/bot/handlers"
	apperrors "github.com/Proton-105/forward-bot/internal/errors"
	"github.com/Proton-105/forward-bot/pkg/metrics"
)

// RecoveryMiddleware catches panics in command handlers and reports them via
// the centralized handler instead of killing the poller.
func RecoveryMiddleware(log *slog.Logger, errHandler *apperrors.Handler) handlers.Middleware {
	if log == nil {
		log = slog.Default()
	}

	return func(next handlers.Handler) handlers.Handler {
		if next == nil {
			return nil
		}

		return func(c telebot.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered in handler",
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)

					if errHandler != nil {
						_, _ = errHandler.Handle(context.Background(), apperrors.NewPersistenceError(fmt.Errorf("panic recovered: %v", r)))
					}

					err = nil
				}
			}()

			return next(c)
		}
	}
}

// ErrorHandlingMiddleware centralizes error reporting and operator
// messaging for command failures.
func ErrorHandlingMiddleware(errHandler *apperrors.Handler) handlers.Middleware {
	return func(next handlers.Handler) handlers.Handler {
		if next == nil {
			return nil
		}

		return func(c telebot.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			userMsg := "Something went wrong, please try again later"
			if errHandler != nil {
				if msg, _ := errHandler.Handle(context.Background(), err); msg != "" {
					userMsg = msg
				}
			}

			if c != nil {
				_ = c.Send(userMsg)
			}

			return nil
		}
	}
}

// LoggingMiddleware logs basic telemetry about handled commands.
func LoggingMiddleware(log *slog.Logger) handlers.Middleware {
	if log == nil {
		log = slog.Default()
	}

	return func(next handlers.Handler) handlers.Handler {
		if next == nil {
			return nil
		}

		return func(c telebot.Context) error {
			start := time.Now()

			var userID int64
			if c != nil && c.Sender() != nil {
				userID = c.Sender().ID
			}
			action := actionName(c)

			err := next(c)

			log.Info("handled update",
				slog.Int64("user_id", userID),
				slog.String("action", action),
				slog.Duration("duration", time.Since(start)),
				slog.Any("error", err),
			)

			return err
		}
	}
}

// GroupOnlyMiddleware restricts a handler to messages inside the operator
// group. Commands sent elsewhere are ignored silently.
func GroupOnlyMiddleware(groupID int64) handlers.Middleware {
	return func(next handlers.Handler) handlers.Handler {
		if next == nil {
			return nil
		}

		return func(c telebot.Context) error {
			if c == nil || c.Chat() == nil || c.Chat().ID != groupID {
				return nil
			}

			return next(c)
		}
	}
}

// MetricsMiddleware measures execution time and status for command
// handlers.
func MetricsMiddleware(next handlers.Handler) handlers.Handler {
	if next == nil {
		return nil
	}

	return func(c telebot.Context) error {
		start := time.Now()
		err := next(c)

		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordCommand(actionName(c), status, time.Since(start))

		return err
	}
}

func actionName(c telebot.Context) string {
	if c == nil {
		return "unknown"
	}

	if cb := c.Callback(); cb != nil && cb.Data != "" {
		return cb.Data
	}

	if cmd := commandName(c.Text()); cmd != "" {
		return cmd
	}

	return "message"
}
