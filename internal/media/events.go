package media

import (
	"context"

	"postmesh/internal/logger"
	"postmesh/pkg/errors"
	"postmesh/pkg/models"
)

// EventHandler cascades post deletion to the post's media.
type EventHandler struct {
	service Service
	logger  logger.Logger
}

func NewEventHandler(service Service, log logger.Logger) *EventHandler {
	return &EventHandler{service: service, logger: log}
}

func (h *EventHandler) OnPostDeleted(ctx context.Context, msg models.MessageEnvelope) error {
	var event models.PostDeleted
	if err := msg.Decode(&event); err != nil {
		return errors.ErrValidation.WithCause(err)
	}
	if err := event.Validate(); err != nil {
		return errors.ErrValidation.WithCause(err)
	}

	if len(event.MediaIDs) == 0 {
		return nil
	}

	h.logger.InfowCtx(ctx, "Deleting media of deleted post", "post_id", event.PostID, "count", len(event.MediaIDs))
	return h.service.DeleteMany(ctx, event.UserID, event.MediaIDs)
}
