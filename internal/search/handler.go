package search

import (
	"context"

	"postmesh/internal/logger"
	"postmesh/pkg/errors"
	"postmesh/pkg/metrics"
	"postmesh/pkg/models"
)

// EventHandler keeps the search index in step with post events. Both
// handlers are safe to run more than once for the same event.
type EventHandler struct {
	repo   Repository
	logger logger.Logger
}

func NewEventHandler(repo Repository, log logger.Logger) *EventHandler {
	metrics.RegisterSearchMetrics()
	return &EventHandler{repo: repo, logger: log}
}

func (h *EventHandler) OnPostCreated(ctx context.Context, msg models.MessageEnvelope) error {
	var event models.PostCreated
	if err := decode(msg, &event); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return errors.ErrValidation.WithCause(err)
	}

	err := h.repo.Upsert(ctx, IndexedPost{
		PostID:    event.PostID,
		UserID:    event.UserID,
		Content:   event.Content,
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		metrics.IncSearchIndexOp("upsert", "error")
		return err
	}

	metrics.IncSearchIndexOp("upsert", "success")
	h.logger.InfowCtx(ctx, "Indexed post", "post_id", event.PostID)
	return nil
}

func (h *EventHandler) OnPostDeleted(ctx context.Context, msg models.MessageEnvelope) error {
	var event models.PostDeleted
	if err := decode(msg, &event); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return errors.ErrValidation.WithCause(err)
	}

	n, err := h.repo.Delete(ctx, event.PostID, event.UserID)
	if err != nil {
		metrics.IncSearchIndexOp("delete", "error")
		return err
	}

	metrics.IncSearchIndexOp("delete", "success")
	if n == 0 {
		h.logger.DebugwCtx(ctx, "Post was not indexed", "post_id", event.PostID)
		return nil
	}
	h.logger.InfowCtx(ctx, "Removed post from index", "post_id", event.PostID)
	return nil
}

func decode(msg models.MessageEnvelope, v interface{}) error {
	if err := msg.Decode(v); err != nil {
		return errors.ErrValidation.WithCause(err)
	}
	return nil
}
