package jobs

import (
	"log/slog"

	"github.com/hibiken/asynq"
)

// Worker registers task handlers and controls the background worker
// lifecycle.
type Worker interface {
	RegisterHandler(taskType string, handler asynq.Handler)
	Run() error
	Shutdown()
}

type worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *slog.Logger
}

var _ Worker = (*worker)(nil)

// NewWorker constructs a Worker backed by an asynq.Server instance.
func NewWorker(redisOpt asynq.RedisConnOpt, queues map[string]int, log *slog.Logger) Worker {
	if queues == nil {
		queues = map[string]int{QueueDefault: 3, QueueLow: 1}
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Queues:         queues,
		Concurrency:    4,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
	})

	return &worker{
		server: server,
		mux:    asynq.NewServeMux(),
		log:    log,
	}
}

func (w *worker) RegisterHandler(taskType string, handler asynq.Handler) {
	w.mux.Handle(taskType, handler)
}

// Run starts the underlying asynq server to process tasks. Blocks until
// Shutdown.
func (w *worker) Run() error {
	return w.server.Run(w.mux)
}

func (w *worker) Shutdown() {
	if w.log != nil {
		w.log.Info("worker: shutting down")
	}

	w.server.Shutdown()
}
