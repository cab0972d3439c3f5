// Package jobs runs the bot's background work on asynq: currently the
// scheduled pruning of old message id links.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeCleanupLinks prunes message id links past their retention.
	TaskTypeCleanupLinks = "links:cleanup"
)

const (
	QueueDefault = "default"
	QueueLow     = "low"
)

// CleanupLinksPayload carries the retention horizon for one pruning run.
type CleanupLinksPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewCleanupLinksTask builds a pruning task for links older than the given
// retention.
func NewCleanupLinksTask(olderThan time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(CleanupLinksPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TaskTypeCleanupLinks, payload, asynq.Queue(QueueLow)), nil
}
