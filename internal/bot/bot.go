// Package bot wires the Telegram transport to the relay pipeline: it owns
// the telebot instance, the admin command router, and the dispatcher that
// feeds plain messages into the pipeline workers.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	telebot "gopkg.in/telebot.v3"

	"github.com/Proton-105/forward-bot/internal/autoreply"
	"github.com/Proton-105/forward-bot/internal/bot/handlers"
	"github.com/Proton-105/forward-bot/internal/bot/keyboard"
	"github.com/Proton-105/forward-bot/internal/broadcast"
	"github.com/Proton-105/forward-bot/internal/directory"
	"github.com/Proton-105/forward-bot/internal/dispatcher"
	apperrors "github.com/Proton-105/forward-bot/internal/errors"
	"github.com/Proton-105/forward-bot/internal/i18n"
	"github.com/Proton-105/forward-bot/internal/relay"
	"github.com/Proton-105/forward-bot/internal/repository"
	"github.com/Proton-105/forward-bot/internal/spam"
	"github.com/Proton-105/forward-bot/internal/state"
	"github.com/Proton-105/forward-bot/internal/transport"
	"github.com/Proton-105/forward-bot/pkg/config"
	"github.com/Proton-105/forward-bot/pkg/logger"
	"github.com/Proton-105/forward-bot/pkg/metrics"
)

// Deps collects the services the bot layer composes.
type Deps struct {
	States    *state.Service
	Directory *directory.Service
	Relay     *relay.Service
	Broadcast *broadcast.Service
	AutoReply *autoreply.Engine
	Keywords  *spam.Manager
	Detector  *spam.KeywordDetector
	Messages  repository.MessageRepository
	Settings  repository.SettingsRepository
	Sender    *transport.TelegramSender
}

// Bot owns the telebot event loop and the inbound dispatch path.
type Bot struct {
	telebot    *telebot.Bot
	cfg        config.Config
	log        *slog.Logger
	router     *Router
	dispatcher *dispatcher.Dispatcher
	sender     *transport.TelegramSender
	tr         i18n.Translator
	errHandler *apperrors.Handler

	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewTelebot builds the raw telebot instance from configuration. Split out
// so the transport sender can be constructed before the Bot itself.
func NewTelebot(cfg config.Config) (*telebot.Bot, error) {
	settings := telebot.Settings{
		Token: cfg.Bot.Token,
		URL:   cfg.Bot.APIURL,
		Poller: &telebot.LongPoller{
			Timeout: cfg.Bot.Timeout,
		},
	}

	tb, err := telebot.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("initialize telebot: %w", err)
	}

	return tb, nil
}

// New assembles the router, middlewares, and dispatcher around an existing
// telebot instance.
func New(
	tb *telebot.Bot,
	cfg config.Config,
	log *slog.Logger,
	tr i18n.Translator,
	deps Deps,
) (*Bot, error) {
	if log == nil {
		log = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())

	b := &Bot{
		telebot:    tb,
		cfg:        cfg,
		log:        log,
		router:     NewRouter(log),
		sender:     deps.Sender,
		tr:         tr,
		errHandler: apperrors.NewHandler(log, cfg.Sentry.Enabled),
		runCtx:     runCtx,
		cancelRun:  cancel,
	}

	b.dispatcher = dispatcher.New(cfg.Bot.Workers, cfg.Bot.QueueSize, deps.Relay.Handle, log)

	b.setupRouter(deps)
	b.registerTelebotHandlers()

	return b, nil
}

func (b *Bot) setupRouter(deps Deps) {
	b.router.Use(RecoveryMiddleware(b.log, b.errHandler))
	b.router.Use(ErrorHandlingMiddleware(b.errHandler))
	b.router.Use(LoggingMiddleware(b.log))
	b.router.Use(MetricsMiddleware)

	groupOnly := GroupOnlyMiddleware(b.cfg.Bot.GroupID)
	admin := func(h handlers.Handler) handlers.Handler {
		return groupOnly(h)
	}

	kb := keyboard.NewBuilder(b.log)

	b.router.RegisterCommand(CommandStart, newStartHandler(b.tr, b.cfg.Bot.GroupID, deps.Settings))
	// Available on both sides of the relay, so not group-gated.
	b.router.RegisterCommand(CommandDelete, newDeleteHandler(deps.Relay, b.cfg.Bot.GroupID, b.tr, b.log))
	b.router.RegisterCommand(CommandHelp, admin(newHelpHandler(b.tr)))
	b.router.RegisterCommand(CommandBan, admin(newBanHandler(deps.States, deps.Sender, deps.Directory, b.tr)))
	b.router.RegisterCommand(CommandUnban, admin(newUnbanHandler(deps.States, deps.Sender, deps.Directory, b.tr)))
	b.router.RegisterCommand(CommandVerify, admin(newVerifyHandler(deps.States, deps.Directory, b.tr)))
	b.router.RegisterCommand(CommandTerminate, admin(newTerminateHandler(kb, deps.Directory, b.tr)))
	b.router.RegisterCommand(CommandKeyword, admin(newKeywordHandler(deps.Keywords, deps.Detector, b.tr)))
	b.router.RegisterCommand(CommandAutoReply, admin(newAutoReplyHandler(deps.AutoReply, b.tr)))
	b.router.RegisterCommand(CommandBroadcast, admin(newBroadcastHandler(deps.Broadcast, b.tr, b.log, func() context.Context {
		return logger.WithCorrelationID(b.runCtx)
	})))

	b.router.RegisterCallback(keyboard.TerminateConfirm,
		handlers.CallbackHandler(admin(handlers.Handler(newTerminateConfirmHandler(deps.Directory, deps.Sender, deps.Messages, b.tr, b.log)))))
	b.router.RegisterCallback(keyboard.TerminateCancel,
		handlers.CallbackHandler(admin(handlers.Handler(newTerminateCancelHandler()))))

	b.router.SetDefault(b.enqueue)
}

func (b *Bot) registerTelebotHandlers() {
	events := []string{
		telebot.OnText,
		telebot.OnPhoto,
		telebot.OnDocument,
		telebot.OnSticker,
		telebot.OnVideo,
		telebot.OnAudio,
		telebot.OnVoice,
		telebot.OnAnimation,
		telebot.OnContact,
		telebot.OnCallback,
	}
	for _, event := range events {
		b.telebot.Handle(event, b.router.Route)
	}

	b.telebot.Handle(telebot.OnEdited, b.enqueueEdited)
}

// enqueue is the default route: every non-command message becomes an event
// on a dispatcher lane.
func (b *Bot) enqueue(c telebot.Context) error {
	ev, err := transport.EventFromMessage(c.Message(), b.cfg.Bot.GroupID)
	return b.push(c, ev, err)
}

// enqueueEdited routes edited messages. They share the conversation key
// with the original, so the edit is processed after the message it amends.
func (b *Bot) enqueueEdited(c telebot.Context) error {
	ev, err := transport.EventFromEdited(c.Message(), b.cfg.Bot.GroupID)
	return b.push(c, ev, err)
}

func (b *Bot) push(c telebot.Context, ev transport.Event, err error) error {
	if err != nil {
		if errors.Is(err, transport.ErrUnroutable) {
			metrics.DroppedEvents.WithLabelValues("unroutable").Inc()
			return nil
		}
		return err
	}

	if err := b.dispatcher.Enqueue(ev); err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrQueueFull):
			metrics.DroppedEvents.WithLabelValues("queue_full").Inc()
			b.log.Warn("dispatcher lane full, dropping event",
				slog.String("origin", string(ev.Origin)),
				slog.Int64("key", ev.Key()),
			)
			if ev.Origin == transport.OriginTopic {
				return c.Send(b.tr.T("admin.queue_full"))
			}
			return nil
		case errors.Is(err, dispatcher.ErrStopped):
			return nil
		default:
			return err
		}
	}

	return nil
}

// Start launches the dispatcher workers and the telebot poller. Blocks
// until Stop.
func (b *Bot) Start() {
	b.dispatcher.Start(b.runCtx)
	b.log.Info("bot started",
		slog.Int("workers", b.dispatcher.Lanes()),
		slog.Int64("group_id", b.cfg.Bot.GroupID),
	)
	b.telebot.Start()
}

// Stop halts the poller, drains the dispatcher lanes, and cancels
// long-running work such as broadcasts.
func (b *Bot) Stop() {
	b.log.Info("stopping bot...")
	b.telebot.Stop()
	b.dispatcher.Stop()
	b.cancelRun()
}

// Telebot exposes the underlying instance for health checks.
func (b *Bot) Telebot() *telebot.Bot {
	return b.telebot
}

// QueueDepths exposes the dispatcher lane depths for the metrics updater.
func (b *Bot) QueueDepths() []int {
	return b.dispatcher.QueueDepths()
}
