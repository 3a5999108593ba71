package broker

import (
	"context"

	"go.opentelemetry.io/otel/codes"

	"postmesh/internal/logger"
	"postmesh/pkg/logging"
	"postmesh/pkg/metrics"
	"postmesh/pkg/models"
	"postmesh/pkg/tracing"
)

// EventPublisher stamps domain payloads into envelopes and hands them to a
// Producer. Failures are returned; whether they fail the caller is the
// caller's decision.
type EventPublisher struct {
	producer Producer
	exchange string
	source   string
	logger   logger.Logger
}

func NewEventPublisher(producer Producer, exchange, source string, log logger.Logger) *EventPublisher {
	return &EventPublisher{
		producer: producer,
		exchange: exchange,
		source:   source,
		logger:   log,
	}
}

// NewEnvelope builds the envelope Publish would send, carrying the trace id
// of ctx when there is one.
func (p *EventPublisher) NewEnvelope(ctx context.Context, routingKey string, payload interface{}) (models.MessageEnvelope, error) {
	msg, err := models.NewEnvelope(p.source, routingKey, payload)
	if err != nil {
		return msg, err
	}

	if traceID := logging.GetTraceID(ctx); traceID != "" {
		msg.Metadata.TraceID = traceID
	} else {
		msg.Metadata.TraceID = tracing.TraceID(ctx)
	}
	return msg, nil
}

func (p *EventPublisher) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	msg, err := p.NewEnvelope(ctx, routingKey, payload)
	if err != nil {
		return err
	}
	return p.PublishEnvelope(ctx, msg)
}

func (p *EventPublisher) PublishEnvelope(ctx context.Context, msg models.MessageEnvelope) error {
	ctx, span := tracing.StartPublishSpan(ctx, p.exchange, msg.RoutingKey)
	defer span.End()

	ctx = logging.WithMessageID(ctx, msg.ID)
	ctx = logging.WithRoutingKey(ctx, msg.RoutingKey)

	if err := p.producer.Publish(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.IncPublished(p.source, msg.RoutingKey, "error")
		p.logger.ErrorwCtx(ctx, "Failed to publish event", "error", err)
		return err
	}

	metrics.IncPublished(p.source, msg.RoutingKey, "success")
	p.logger.DebugwCtx(ctx, "Published event")
	return nil
}
