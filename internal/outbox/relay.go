package outbox

import (
	"context"
	"time"

	"postmesh/internal/config"
	"postmesh/internal/constants"
	"postmesh/internal/logger"
	"postmesh/pkg/logging"
	"postmesh/pkg/metrics"
	"postmesh/pkg/models"
	"postmesh/pkg/retry"
)

type Publisher interface {
	PublishEnvelope(ctx context.Context, msg models.MessageEnvelope) error
}

// Relay moves outbox rows onto the bus through publisher, which is bound to
// the service's exchange. Delivery is at-least-once: a crash between publish
// and commit sends the event again on the next poll.
type Relay struct {
	store       Store
	publisher   Publisher
	interval    time.Duration
	batchSize   int
	serviceName string
	logger      logger.Logger
}

func NewRelay(store Store, publisher Publisher, cfg config.OutboxConfig, serviceName string, log logger.Logger) *Relay {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = constants.OutboxPollInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = constants.OutboxBatchSize
	}

	metrics.RegisterOutboxMetrics()

	return &Relay{
		store:       store,
		publisher:   publisher,
		interval:    interval,
		batchSize:   batchSize,
		serviceName: serviceName,
		logger:      log,
	}
}

// Run polls until ctx is cancelled. After a failed batch the next poll is
// delayed with exponential backoff capped at one minute.
func (r *Relay) Run(ctx context.Context) error {
	ctx = logging.WithServiceName(ctx, r.serviceName)
	r.logger.InfowCtx(ctx, "Outbox relay started", "interval", r.interval, "batch_size", r.batchSize)

	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfowCtx(ctx, "Outbox relay stopped")
			return nil
		case <-timer.C:
		}

		sent, err := r.RelayOnce(ctx)
		delay := r.interval
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			delay = retry.Delay(failures-1, r.interval, 2.0, time.Minute)
			r.logger.WarnwCtx(ctx, "Outbox relay batch failed",
				"error", err,
				"sent", sent,
				"consecutive_failures", failures,
				"next_poll", delay,
			)
		case err == nil:
			failures = 0
			// A full batch means more rows are likely waiting.
			if sent == r.batchSize {
				delay = 0
			}
		}

		timer.Reset(delay)
	}
}

// RelayOnce publishes one batch and reports how many events were sent.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	sent, err := r.store.ProcessBatch(ctx, r.batchSize, func(ctx context.Context, e Event) error {
		evCtx := logging.WithMessageID(ctx, e.EventID)
		if e.Envelope.Metadata.TraceID != "" {
			evCtx = logging.WithTraceID(evCtx, e.Envelope.Metadata.TraceID)
		}

		if err := r.publisher.PublishEnvelope(evCtx, e.Envelope); err != nil {
			metrics.OutboxRelayedTotal.WithLabelValues("error").Inc()
			return err
		}
		metrics.OutboxRelayedTotal.WithLabelValues("sent").Inc()
		return nil
	})

	if pending, pErr := r.store.Pending(ctx); pErr == nil {
		metrics.OutboxPendingEvents.Set(float64(pending))
	}

	return sent, err
}
