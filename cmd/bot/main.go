package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Proton-105/forward-bot/internal/autoreply"
	"github.com/Proton-105/forward-bot/internal/bot"
	"github.com/Proton-105/forward-bot/internal/broadcast"
	"github.com/Proton-105/forward-bot/internal/database"
	"github.com/Proton-105/forward-bot/internal/directory"
	"github.com/Proton-105/forward-bot/internal/health"
	"github.com/Proton-105/forward-bot/internal/i18n"
	"github.com/Proton-105/forward-bot/internal/jobs"
	jobhandlers "github.com/Proton-105/forward-bot/internal/jobs/handlers"
	"github.com/Proton-105/forward-bot/internal/lifecycle"
	"github.com/Proton-105/forward-bot/internal/ratelimit"
	"github.com/Proton-105/forward-bot/internal/relay"
	"github.com/Proton-105/forward-bot/internal/repository"
	"github.com/Proton-105/forward-bot/internal/spam"
	"github.com/Proton-105/forward-bot/internal/state"
	"github.com/Proton-105/forward-bot/internal/transport"
	"github.com/Proton-105/forward-bot/pkg/config"
	"github.com/Proton-105/forward-bot/pkg/graceful"
	"github.com/Proton-105/forward-bot/pkg/logger"
	"github.com/Proton-105/forward-bot/pkg/metrics"
	appredis "github.com/Proton-105/forward-bot/pkg/redis"

	_ "github.com/lib/pq"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, _, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			slog.Error("failed to initialize sentry", slog.Any("error", err))
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	log := logger.New(*cfg)
	slog.SetDefault(log)

	log.Info("starting forward bot",
		slog.String("env", cfg.AppEnv),
		slog.Int64("group_id", cfg.Bot.GroupID),
		slog.String("captcha_mode", cfg.Captcha.Mode),
	)

	if err := run(ctx, *cfg, log); err != nil {
		log.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return err
	}

	migrator := database.NewMigrator(db, log)
	if err := migrator.ApplyDir(ctx, "migrations"); err != nil {
		return err
	}

	redisClient, err := appredis.New(ctx, appredis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		PoolTimeout:  cfg.Redis.PoolTimeout,
		IdleTimeout:  cfg.Redis.IdleTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	if err != nil {
		return err
	}
	cache := appredis.NewMetricsClient(redisClient)

	userRepo := repository.NewUserRepository(db, log)
	topicRepo := repository.NewTopicRepository(db, log)
	keywordRepo := repository.NewKeywordRepository(db, log)
	autoReplyRepo := repository.NewAutoReplyRepository(db, log)
	settingsRepo := repository.NewSettingsRepository(db, log)
	messageRepo := repository.NewMessageRepository(db, log)

	translations, err := i18n.Load(cfg.Language)
	if err != nil {
		return err
	}
	tr := translations.Translator(cfg.Language)

	tb, err := bot.NewTelebot(cfg)
	if err != nil {
		return err
	}
	sender := transport.NewTelegramSender(tb, cfg.Bot.GroupID, log)

	dir := directory.NewService(topicRepo, sender, cache, log)
	states := state.NewService(userRepo, cache, state.CaptchaMode(cfg.Captcha.Mode), cfg.Captcha.TTL, log)

	detector := spam.NewKeywordDetector(nil)
	keywords := spam.NewManager(keywordRepo, detector, cfg.Spam.KeywordsFile, log)
	if err := keywords.Load(ctx); err != nil {
		return err
	}
	go func() {
		if err := keywords.Watch(ctx); err != nil {
			log.Error("keyword watcher stopped", slog.Any("error", err))
		}
	}()
	spamTopic := spam.NewTopicKeeper(settingsRepo, sender, "Spam", log)

	replies := autoreply.NewEngine(autoReplyRepo, log)
	if err := replies.Load(ctx); err != nil {
		return err
	}

	limiter := ratelimit.NewInterval(cfg.Broadcast.RatePerMinute)
	bcast := broadcast.NewService(userRepo, sender, limiter, cfg.Broadcast.Concurrency, log)

	pipeline := relay.NewService(
		states,
		detector,
		spamTopic,
		replies,
		dir,
		sender,
		messageRepo,
		tr,
		relay.Config{SpamCheckAll: cfg.Spam.CheckAll, BannedNotice: cfg.Bot.BannedNotice},
		log,
	)

	app, err := bot.New(tb, cfg, log, tr, bot.Deps{
		States:    states,
		Directory: dir,
		Relay:     pipeline,
		Broadcast: bcast,
		AutoReply: replies,
		Keywords:  keywords,
		Detector:  detector,
		Messages:  messageRepo,
		Settings:  settingsRepo,
		Sender:    sender,
	})
	if err != nil {
		return err
	}

	// Background jobs: recurring message link pruning.
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	worker := jobs.NewWorker(redisOpt, nil, log)
	worker.RegisterHandler(jobs.TaskTypeCleanupLinks, jobhandlers.NewCleanupLinksHandler(messageRepo, log))
	go func() {
		if err := worker.Run(); err != nil {
			log.Error("job worker stopped", slog.Any("error", err))
		}
	}()

	scheduler := jobs.NewScheduler(redisOpt, log)
	if err := scheduler.RegisterTasks(cfg.Cleanup.Cron, cfg.Cleanup.MessageRetention); err != nil {
		return err
	}
	scheduler.Run()

	queue := jobs.NewManager(redisOpt, log)
	if task, taskErr := jobs.NewCleanupLinksTask(cfg.Cleanup.MessageRetention); taskErr == nil {
		if _, enqErr := queue.Enqueue(ctx, task); enqErr != nil {
			log.Warn("failed to enqueue startup cleanup", slog.Any("error", enqErr))
		}
	}

	// Metrics and health endpoints.
	checker := health.NewChecker(log)
	checker.AddCheck("postgres", health.NewDBChecker(db))
	checker.AddCheck("redis", health.NewRedisChecker(redisClient))
	checker.AddCheck("telegram", health.NewTelegramChecker(tb))

	srv := graceful.NewServer(log, &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           logger.Middleware(newServeMux(checker)),
		ReadHeaderTimeout: 5 * time.Second,
	}, cfg.Server.ShutdownTimeout)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Error("http server stopped", slog.Any("error", err))
		}
	}()

	go observeQueues(ctx, app)

	shutdown := lifecycle.NewShutdown(log)
	shutdown.Register("bot", func(context.Context) error {
		app.Stop()
		return nil
	})
	shutdown.Register("job-worker", func(context.Context) error {
		worker.Shutdown()
		return nil
	})
	shutdown.Register("scheduler", func(context.Context) error {
		scheduler.Shutdown()
		return nil
	})
	shutdown.Register("job-queue", func(context.Context) error {
		return queue.Close()
	})
	shutdown.Register("redis", func(context.Context) error {
		return redisClient.Close()
	})

	go app.Start()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return shutdown.Execute(shutdownCtx)
}

func newServeMux(checker *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		statuses, healthy := checker.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(statuses)
	})

	return mux
}

// observeQueues exports dispatcher lane depths every few seconds.
func observeQueues(ctx context.Context, app *bot.Bot) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for lane, depth := range app.QueueDepths() {
				metrics.QueueDepth.WithLabelValues(strconv.Itoa(lane)).Set(float64(depth))
			}
		}
	}
}
