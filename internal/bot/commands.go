package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	telebot "gopkg.in/telebot.v3"

	"github.com/Proton-105/forward-bot/internal/autoreply"
	"github.com/Proton-105/forward-bot/internal/bot/handlers"
	"github.com/Proton-105/forward-bot/internal/bot/keyboard"
	"github.com/Proton-105/forward-bot/internal/broadcast"
	"github.com/Proton-105/forward-bot/internal/directory"
	"github.com/Proton-105/forward-bot/internal/domain"
	apperrors "github.com/Proton-105/forward-bot/internal/errors"
	"github.com/Proton-105/forward-bot/internal/i18n"
	"github.com/Proton-105/forward-bot/internal/relay"
	"github.com/Proton-105/forward-bot/internal/repository"
	"github.com/Proton-105/forward-bot/internal/spam"
	"github.com/Proton-105/forward-bot/internal/state"
	"github.com/Proton-105/forward-bot/internal/transport"
)

// Admin command names.
const (
	CommandStart     = "/start"
	CommandHelp      = "/help"
	CommandBan       = "/ban"
	CommandUnban     = "/unban"
	CommandTerminate = "/terminate"
	CommandVerify    = "/verify"
	CommandDelete    = "/delete"
	CommandKeyword   = "/keyword"
	CommandAutoReply = "/autoreply"
	CommandBroadcast = "/broadcast"
)

var timeWindowRe = regexp.MustCompile(`^\d{2}:\d{2}-\d{2}:\d{2}$`)

// conversation resolves the user behind the topic a command was issued in.
func conversation(ctx context.Context, c telebot.Context, dir *directory.Service, tr i18n.Translator) (userID, topicID int64, err error) {
	msg := c.Message()
	if msg == nil || msg.ThreadID == 0 {
		return 0, 0, apperrors.NewInvalidCommandError(tr.T("admin.not_a_conversation"))
	}

	topicID = int64(msg.ThreadID)
	userID, err = dir.ResolveUser(ctx, topicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, apperrors.NewInvalidCommandError(tr.T("admin.not_a_conversation"))
		}
		return 0, 0, err
	}

	return userID, topicID, nil
}

// targetUser resolves the user a moderation command addresses: an explicit
// numeric argument wins, otherwise the command must be issued inside the
// user's topic. topicID is 0 when the user has no mapping.
func targetUser(ctx context.Context, c telebot.Context, dir *directory.Service, tr i18n.Translator) (userID, topicID int64, err error) {
	args := strings.Fields(c.Text())
	if len(args) > 1 {
		if id, parseErr := strconv.ParseInt(args[1], 10, 64); parseErr == nil {
			topicID, _, err = dir.ResolveTopic(ctx, id)
			if err != nil {
				return 0, 0, err
			}
			return id, topicID, nil
		}
	}

	return conversation(ctx, c, dir, tr)
}

// defaultReplyKey is the settings entry overriding the localized /start
// greeting.
const defaultReplyKey = "default_reply"

func newStartHandler(tr i18n.Translator, groupID int64, settings repository.SettingsRepository) handlers.Handler {
	return func(c telebot.Context) error {
		if c.Chat() == nil {
			return nil
		}
		if c.Chat().ID == groupID {
			return c.Send(tr.T("help.text"))
		}

		greeting := tr.T("relay.welcome")
		if settings != nil {
			if value, found, err := settings.Get(context.Background(), defaultReplyKey); err == nil && found && value != "" {
				greeting = value
			}
		}

		return c.Send(greeting)
	}
}

func newHelpHandler(tr i18n.Translator) handlers.Handler {
	return func(c telebot.Context) error {
		return c.Send(tr.T("help.text"))
	}
}

func newBanHandler(states *state.Service, sender *transport.TelegramSender, dir *directory.Service, tr i18n.Translator) handlers.Handler {
	return func(c telebot.Context) error {
		ctx := context.Background()

		userID, topicID, err := targetUser(ctx, c, dir, tr)
		if err != nil {
			return err
		}

		if err := states.Ban(ctx, userID); err != nil {
			return err
		}
		if topicID != 0 {
			if err := sender.CloseTopic(ctx, topicID); err != nil {
				return err
			}
		}

		return c.Send(tr.Tf("admin.banned", userID))
	}
}

func newUnbanHandler(states *state.Service, sender *transport.TelegramSender, dir *directory.Service, tr i18n.Translator) handlers.Handler {
	return func(c telebot.Context) error {
		ctx := context.Background()

		userID, topicID, err := targetUser(ctx, c, dir, tr)
		if err != nil {
			return err
		}

		if err := states.Unban(ctx, userID); err != nil {
			return err
		}
		if topicID != 0 {
			if err := sender.ReopenTopic(ctx, topicID); err != nil {
				return err
			}
		}

		return c.Send(tr.Tf("admin.unbanned", userID))
	}
}

func newVerifyHandler(states *state.Service, dir *directory.Service, tr i18n.Translator) handlers.Handler {
	return func(c telebot.Context) error {
		ctx := context.Background()

		userID, _, err := conversation(ctx, c, dir, tr)
		if err != nil {
			return err
		}

		// Optional bool argument: "/verify false" revokes the pass.
		verified := true
		if args := strings.Fields(c.Text()); len(args) > 1 {
			verified, err = strconv.ParseBool(args[1])
			if err != nil {
				return apperrors.NewInvalidCommandError(tr.T("usage.verify"))
			}
		}

		if verified {
			err = states.MarkVerified(ctx, userID)
		} else {
			err = states.RevokeVerification(ctx, userID)
		}
		if err != nil {
			return err
		}

		if !verified {
			return c.Send(tr.Tf("admin.unverified", userID))
		}
		return c.Send(tr.Tf("admin.verified", userID))
	}
}

// newTerminateHandler asks for confirmation before anything is deleted; the
// destructive part lives in the confirm callback.
func newTerminateHandler(kb *keyboard.Builder, dir *directory.Service, tr i18n.Translator) handlers.Handler {
	return func(c telebot.Context) error {
		ctx := context.Background()

		userID, _, err := targetUser(ctx, c, dir, tr)
		if err != nil {
			return err
		}

		return c.Send(tr.Tf("admin.terminate_confirm", userID), kb.TerminateButtons(userID))
	}
}

func newTerminateConfirmHandler(
	dir *directory.Service,
	sender *transport.TelegramSender,
	messages repository.MessageRepository,
	tr i18n.Translator,
	log *slog.Logger,
) handlers.CallbackHandler {
	return func(c telebot.Context) error {
		ctx := context.Background()

		userID, err := terminateTarget(c)
		if err != nil {
			_ = c.Respond(&telebot.CallbackResponse{Text: tr.T("admin.not_a_conversation")})
			return nil
		}

		topicID, found, err := dir.ResolveTopic(ctx, userID)
		if err != nil {
			return err
		}

		if found {
			if err := messages.DeleteByTopic(ctx, topicID); err != nil {
				return err
			}
			if err := dir.Forget(ctx, userID, topicID); err != nil {
				return err
			}
			// Deleting the thread also removes the confirmation prompt.
			if err := sender.DeleteTopic(ctx, topicID); err != nil {
				log.Warn("failed to delete topic after termination",
					slog.Int64("topic_id", topicID),
					slog.Any("error", err),
				)
			}
		} else {
			// No topic to delete, so drop the confirmation prompt itself.
			_ = c.Delete()
		}

		log.Info("conversation terminated", slog.Int64("user_id", userID), slog.Int64("topic_id", topicID))

		return c.Respond(&telebot.CallbackResponse{Text: tr.Tf("admin.terminated", userID)})
	}
}

// terminateTarget extracts the user id carried in the confirm button's
// callback data.
func terminateTarget(c telebot.Context) (int64, error) {
	cb := c.Callback()
	if cb == nil {
		return 0, apperrors.NewValidationError("not a callback")
	}

	data := strings.TrimSpace(cb.Data)
	raw, ok := strings.CutPrefix(data, keyboard.TerminateConfirm+":")
	if !ok {
		return 0, apperrors.NewValidationError("malformed terminate callback")
	}

	return strconv.ParseInt(raw, 10, 64)
}

func newTerminateCancelHandler() handlers.CallbackHandler {
	return func(c telebot.Context) error {
		_ = c.Respond(&telebot.CallbackResponse{})
		return c.Delete()
	}
}

// newDeleteHandler retracts a relayed message: issued as a reply, by the
// operator inside a topic or by the user in the private chat. The
// counterpart side is cleaned up through the relay service; the local pair
// (the replied-to message and the command itself) is removed afterwards.
func newDeleteHandler(rel *relay.Service, groupID int64, tr i18n.Translator, log *slog.Logger) handlers.Handler {
	return func(c telebot.Context) error {
		msg := c.Message()
		if msg == nil || msg.Chat == nil {
			return nil
		}
		if msg.ReplyTo == nil {
			return c.Send(tr.T("usage.delete"))
		}

		ctx := context.Background()

		var (
			found bool
			err   error
		)
		if msg.Chat.ID == groupID {
			if msg.ThreadID == 0 {
				return apperrors.NewInvalidCommandError(tr.T("admin.not_a_conversation"))
			}
			found, err = rel.RetractOperatorMessage(ctx, int64(msg.ThreadID), msg.ReplyTo.ID)
		} else {
			if msg.Sender == nil {
				return nil
			}
			found, err = rel.RetractUserMessage(ctx, msg.Sender.ID, msg.ReplyTo.ID)
		}
		if err != nil {
			return err
		}
		if !found {
			// Not a relayed message, leave everything in place.
			return nil
		}

		if delErr := c.Bot().Delete(msg.ReplyTo); delErr != nil {
			log.Warn("failed to delete retracted original", slog.Any("error", delErr))
		}

		return c.Delete()
	}
}

func newKeywordHandler(manager *spam.Manager, detector *spam.KeywordDetector, tr i18n.Translator) handlers.Handler {
	usage := func() error {
		return apperrors.NewInvalidCommandError(tr.T("usage.keyword"))
	}

	return func(c telebot.Context) error {
		ctx := context.Background()

		args := strings.Fields(c.Text())
		if len(args) < 2 {
			return usage()
		}

		switch args[1] {
		case "add":
			if len(args) < 3 {
				return usage()
			}
			pattern := strings.Join(args[2:], " ")
			added, err := manager.Add(ctx, pattern)
			if err != nil {
				return err
			}
			if !added {
				return c.Send(tr.T("admin.keyword_exists"))
			}
			return c.Send(tr.T("admin.keyword_added"))
		case "del":
			if len(args) < 3 {
				return usage()
			}
			pattern := strings.Join(args[2:], " ")
			removed, err := manager.Remove(ctx, pattern)
			if err != nil {
				return err
			}
			if !removed {
				return c.Send(tr.T("admin.keyword_missing"))
			}
			return c.Send(tr.T("admin.keyword_removed"))
		case "list":
			keywords := detector.Keywords()
			if len(keywords) == 0 {
				return c.Send(tr.T("admin.keyword_list_empty"))
			}
			return c.Send(strings.Join(keywords, "\n"))
		default:
			return usage()
		}
	}
}

func newAutoReplyHandler(engine *autoreply.Engine, tr i18n.Translator) handlers.Handler {
	usage := func() error {
		return apperrors.NewInvalidCommandError(tr.T("usage.autoreply"))
	}

	return func(c telebot.Context) error {
		ctx := context.Background()

		args := strings.SplitN(strings.TrimSpace(c.Text()), " ", 3)
		if len(args) < 2 {
			return usage()
		}

		switch args[1] {
		case "add", "add_re":
			if len(args) < 3 {
				return usage()
			}
			rule, err := parseAutoReplyRule(args[2], args[1] == "add_re")
			if err != nil {
				return err
			}
			if err := engine.Add(ctx, rule); err != nil {
				return err
			}
			return c.Send(tr.Tf("admin.autoreply_added", rule.ID))
		case "del":
			if len(args) < 3 {
				return usage()
			}
			id, err := strconv.ParseInt(strings.TrimSpace(args[2]), 10, 64)
			if err != nil {
				return usage()
			}
			removed, err := engine.Remove(ctx, id)
			if err != nil {
				return err
			}
			if !removed {
				return c.Send(tr.T("admin.autoreply_missing"))
			}
			return c.Send(tr.T("admin.autoreply_removed"))
		case "list":
			rules := engine.Rules()
			if len(rules) == 0 {
				return c.Send(tr.T("admin.autoreply_list_empty"))
			}
			var sb strings.Builder
			for _, rule := range rules {
				kind := "exact"
				if rule.IsRegex {
					kind = "regex"
				}
				window := ""
				if rule.StartTime != "" {
					window = fmt.Sprintf(" [%s-%s]", rule.StartTime, rule.EndTime)
				}
				fmt.Fprintf(&sb, "#%d (%s)%s %s => %s\n", rule.ID, kind, window, rule.Pattern, rule.Response)
			}
			return c.Send(strings.TrimRight(sb.String(), "\n"))
		default:
			return usage()
		}
	}
}

// parseAutoReplyRule parses "<pattern> => <response> [HH:MM-HH:MM]".
func parseAutoReplyRule(spec string, isRegex bool) (*domain.AutoReplyRule, error) {
	parts := strings.SplitN(spec, "=>", 2)
	if len(parts) != 2 {
		return nil, apperrors.NewValidationError("expected <pattern> => <response>")
	}

	pattern := strings.TrimSpace(parts[0])
	response := strings.TrimSpace(parts[1])
	if pattern == "" || response == "" {
		return nil, apperrors.NewValidationError("pattern and response must not be empty")
	}

	rule := &domain.AutoReplyRule{
		Pattern:  pattern,
		IsRegex:  isRegex,
		Response: response,
	}

	// An optional trailing HH:MM-HH:MM token restricts the rule to a daily
	// window.
	if idx := strings.LastIndex(response, " "); idx > 0 {
		last := response[idx+1:]
		if timeWindowRe.MatchString(last) {
			bounds := strings.SplitN(last, "-", 2)
			rule.Response = strings.TrimSpace(response[:idx])
			rule.StartTime = bounds[0]
			rule.EndTime = bounds[1]
		}
	}

	return rule, nil
}

func newBroadcastHandler(bcast *broadcast.Service, tr i18n.Translator, log *slog.Logger, baseCtx func() context.Context) handlers.Handler {
	return func(c telebot.Context) error {
		text := strings.TrimSpace(strings.TrimPrefix(c.Text(), CommandBroadcast))
		if strings.HasPrefix(text, "@") {
			// Command was addressed as /broadcast@botname.
			if idx := strings.Index(text, " "); idx > 0 {
				text = strings.TrimSpace(text[idx:])
			} else {
				text = ""
			}
		}
		if text == "" {
			return apperrors.NewInvalidCommandError(tr.T("usage.broadcast"))
		}

		go func() {
			ctx := baseCtx()

			report, err := bcast.Send(ctx, transport.Payload{Text: text})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("broadcast failed", slog.Any("error", err))
			}

			if sendErr := c.Send(tr.Tf("admin.broadcast_report", report.Sent, report.Failed, report.Total)); sendErr != nil {
				log.Warn("failed to post broadcast report", slog.Any("error", sendErr))
			}
		}()

		return c.Send(tr.T("admin.broadcast_started"))
	}
}
