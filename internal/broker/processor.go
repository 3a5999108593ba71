package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"postmesh/internal/config"
	"postmesh/internal/logger"
	"postmesh/pkg/cel"
	"postmesh/pkg/errors"
	"postmesh/pkg/logging"
	"postmesh/pkg/metrics"
	"postmesh/pkg/models"
	"postmesh/pkg/retry"
	"postmesh/pkg/tracing"
)

// Outcome tells a transport how to settle a delivery.
type Outcome int

const (
	// OutcomeAck: the handler succeeded.
	OutcomeAck Outcome = iota
	// OutcomeSkip: filtered out or already processed; acknowledge without handling.
	OutcomeSkip
	// OutcomeRequeue: the handler failed; leave the message for redelivery.
	OutcomeRequeue
	// OutcomeReject: an undecodable envelope, or a failure when a dead-letter
	// target exists; drop or dead-letter.
	OutcomeReject
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeSkip:
		return "skip"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeReject:
		return "reject"
	default:
		return "unknown"
	}
}

type ProcessorConfig struct {
	Retry          retry.Policy
	Filter         *cel.Filter
	DedupCacheSize int
	// DeadLetter rejects messages that still fail after Retry is exhausted.
	// Without it they are requeued indefinitely.
	DeadLetter bool
}

// ProcessorConfigFrom builds the processing policy shared by all transports.
func ProcessorConfigFrom(cfg config.BrokerConfig) (ProcessorConfig, error) {
	pc := ProcessorConfig{
		Retry: retry.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
		},
		DedupCacheSize: cfg.Subscription.DedupCacheSize,
	}

	switch cfg.Type {
	case "rabbitmq":
		pc.DeadLetter = cfg.RabbitMQ.DeadLetterExchange != ""
	case "kafka":
		pc.DeadLetter = cfg.Kafka.DLQTopic != ""
	case "memory":
		pc.DeadLetter = cfg.Memory.DeadLetter
	}

	if cfg.Subscription.Filter != "" {
		eval, err := cel.NewEvaluator()
		if err != nil {
			return pc, err
		}
		filter, err := eval.CompileFilter(cfg.Subscription.Filter)
		if err != nil {
			return pc, fmt.Errorf("invalid subscription filter: %w", err)
		}
		pc.Filter = filter
	}

	return pc, nil
}

// Processor runs one delivery through filtering, redelivery suppression,
// retried handling and panic recovery, and decides how it is settled.
type Processor struct {
	cfg         ProcessorConfig
	seen        *lru.Cache[string, struct{}]
	logger      logger.Logger
	serviceName string
}

func NewProcessor(cfg ProcessorConfig, serviceName string, log logger.Logger) (*Processor, error) {
	p := &Processor{
		cfg:         cfg,
		logger:      log,
		serviceName: serviceName,
	}

	if cfg.DedupCacheSize > 0 {
		seen, err := lru.New[string, struct{}](cfg.DedupCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create redelivery cache: %w", err)
		}
		p.seen = seen
	}

	return p, nil
}

func (p *Processor) ServiceName() string {
	return p.serviceName
}

func (p *Processor) ProcessBody(ctx context.Context, queue string, body []byte, handler HandlerFunc) Outcome {
	metrics.ObserveMessageSize(p.serviceName, "in", len(body))

	var msg models.MessageEnvelope
	if err := json.Unmarshal(body, &msg); err != nil {
		p.logger.ErrorwCtx(logging.WithServiceName(ctx, p.serviceName), "Failed to decode message",
			"error", err,
			"queue", queue,
		)
		metrics.IncConsumed(p.serviceName, "", OutcomeReject.String())
		return OutcomeReject
	}

	return p.Process(ctx, queue, msg, handler)
}

func (p *Processor) Process(ctx context.Context, queue string, msg models.MessageEnvelope, handler HandlerFunc) Outcome {
	start := time.Now()

	ctx, span := tracing.StartConsumeSpan(ctx, queue, msg.RoutingKey)
	defer span.End()

	traceID := msg.Metadata.TraceID
	if traceID == "" {
		traceID = tracing.TraceID(ctx)
	}
	if traceID != "" {
		ctx = logging.WithTraceID(ctx, traceID)
	}
	ctx = logging.WithMessageID(ctx, msg.ID)
	ctx = logging.WithRoutingKey(ctx, msg.RoutingKey)
	ctx = logging.WithServiceName(ctx, p.serviceName)

	outcome := p.process(ctx, queue, msg, handler)

	metrics.IncConsumed(p.serviceName, msg.RoutingKey, outcome.String())
	metrics.ObserveHandlerDuration(p.serviceName, msg.RoutingKey, time.Since(start))

	return outcome
}

func (p *Processor) process(ctx context.Context, queue string, msg models.MessageEnvelope, handler HandlerFunc) Outcome {
	if err := msg.Validate(); err != nil {
		p.logger.ErrorwCtx(ctx, "Rejecting invalid envelope", "error", err, "queue", queue)
		return OutcomeReject
	}

	// Per queue: two bindings of one process may both need the same message.
	seenKey := queue + "|" + msg.ID
	if p.seen != nil && p.seen.Contains(seenKey) {
		p.logger.DebugwCtx(ctx, "Skipping already processed message", "queue", queue)
		return OutcomeSkip
	}

	if p.cfg.Filter != nil {
		matched, err := p.cfg.Filter.Match(ctx, msg)
		if err != nil {
			p.logger.WarnwCtx(ctx, "Subscription filter failed, skipping message",
				"error", err,
				"filter", p.cfg.Filter.String(),
			)
			return OutcomeSkip
		}
		if !matched {
			return OutcomeSkip
		}
	}

	err := p.handleWithRetry(ctx, msg, handler)
	if err == nil {
		if p.seen != nil {
			p.seen.Add(seenKey, struct{}{})
		}
		return OutcomeAck
	}

	fatal := errors.IsFatal(err)

	if fatal && p.cfg.DeadLetter {
		metrics.DLQMessagesTotal.WithLabelValues(p.serviceName, msg.RoutingKey, "fatal").Inc()
		p.logger.ErrorwCtx(ctx, "Handler failed permanently, dead-lettering message",
			"error", err,
			"queue", queue,
		)
		return OutcomeReject
	}

	if !fatal && ctx.Err() == nil && p.cfg.DeadLetter {
		metrics.DLQMessagesTotal.WithLabelValues(p.serviceName, msg.RoutingKey, "max_retries_exceeded").Inc()
		p.logger.ErrorwCtx(ctx, "Handler failed after retries, dead-lettering message",
			"error", err,
			"queue", queue,
			"max_attempts", p.cfg.Retry.MaxAttempts,
		)
		return OutcomeReject
	}

	// Without a dead-letter target nothing is dropped, permanent failures
	// included; they only skip the in-process retries.
	p.logger.ErrorwCtx(ctx, "Handler failed, message left for redelivery",
		"error", err,
		"queue", queue,
		"fatal", fatal,
	)
	return OutcomeRequeue
}

func (p *Processor) handleWithRetry(ctx context.Context, msg models.MessageEnvelope, handler HandlerFunc) error {
	return retry.Do(ctx, p.cfg.Retry, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				p.logger.ErrorwCtx(ctx, "Panic recovered during message processing", "error", err)
			}
		}()
		return handler(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(p.serviceName, msg.RoutingKey).Inc()
		p.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", p.cfg.Retry.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
		)
	})
}
