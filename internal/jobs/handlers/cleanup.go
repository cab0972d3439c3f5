// Package handlers implements the asynq task handlers.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Proton-105/forward-bot/internal/jobs"
	"github.com/Proton-105/forward-bot/internal/repository"
)

// CleanupLinksHandler prunes message id links past their retention.
type CleanupLinksHandler struct {
	messages repository.MessageRepository
	log      *slog.Logger
}

// NewCleanupLinksHandler builds the pruning handler.
func NewCleanupLinksHandler(messages repository.MessageRepository, log *slog.Logger) *CleanupLinksHandler {
	if log == nil {
		log = slog.Default()
	}

	return &CleanupLinksHandler{
		messages: messages,
		log:      log,
	}
}

// ProcessTask implements asynq.Handler.
func (h *CleanupLinksHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload jobs.CleanupLinksPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode cleanup payload: %w", err)
	}

	if payload.OlderThan <= 0 {
		payload.OlderThan = 30 * 24 * time.Hour
	}

	cutoff := time.Now().UTC().Add(-payload.OlderThan)
	removed, err := h.messages.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune message links: %w", err)
	}

	h.log.Info("pruned message links",
		slog.Int64("removed", removed),
		slog.Time("cutoff", cutoff),
	)

	return nil
}
