package jobs

import (
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Scheduler periodically enqueues the recurring tasks.
type Scheduler interface {
	RegisterTasks(cron string, retention time.Duration) error
	Run()
	Shutdown()
}

type scheduler struct {
	asynqScheduler *asynq.Scheduler
	log            *slog.Logger
}

// NewScheduler builds a Scheduler backed by asynq.
func NewScheduler(redisOpt asynq.RedisConnOpt, log *slog.Logger) Scheduler {
	if log == nil {
		log = slog.Default()
	}

	return &scheduler{
		asynqScheduler: asynq.NewScheduler(redisOpt, nil),
		log:            log,
	}
}

// RegisterTasks wires the recurring link pruning task on the given cron
// expression.
func (s *scheduler) RegisterTasks(cron string, retention time.Duration) error {
	if cron == "" {
		cron = "0 4 * * *"
	}

	task, err := NewCleanupLinksTask(retention)
	if err != nil {
		return err
	}

	if _, err := s.asynqScheduler.Register(cron, task); err != nil {
		return err
	}

	s.log.Info("scheduler: registered link cleanup task", slog.String("cron", cron))

	return nil
}

func (s *scheduler) Run() {
	s.log.Info("scheduler: starting")

	go func() {
		if err := s.asynqScheduler.Run(); err != nil {
			s.log.Error("scheduler: run failed", slog.Any("error", err))
		}
	}()
}

func (s *scheduler) Shutdown() {
	s.log.Info("scheduler: shutting down")
	s.asynqScheduler.Shutdown()
}
