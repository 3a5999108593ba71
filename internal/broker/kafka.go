package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"postmesh/internal/config"
	"postmesh/internal/constants"
	"postmesh/internal/logger"
	"postmesh/pkg/errors"
	"postmesh/pkg/logging"
	"postmesh/pkg/metrics"
	"postmesh/pkg/models"
	"postmesh/pkg/retry"
	"postmesh/pkg/tracing"
)

// Kafka has no exchanges: every exchange maps to the topic of the same name
// and the routing key travels in a header. Patterns are matched on the
// consumer side.
const headerRoutingKey = "routing_key"

type KafkaProducer struct {
	writer      *kafka.Writer
	exchange    string
	serviceName string
	logger      logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, exchange, serviceName string, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, exchange: exchange, serviceName: serviceName, logger: log}
}

func (p *KafkaProducer) Publish(ctx context.Context, msg models.MessageEnvelope) error {
	return p.publishTo(ctx, p.exchange, msg)
}

func (p *KafkaProducer) publishTo(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := []kafka.Header{
		{Key: headerRoutingKey, Value: []byte(msg.RoutingKey)},
	}
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.RoutingKey),
		Value:   body,
		Headers: headers,
		Time:    time.Now(),
	})
	if err != nil {
		return errors.ErrBrokerUnavailable.WithCause(fmt.Errorf("failed to write kafka message: %w", err))
	}

	metrics.ObserveMessageSize(p.serviceName, "out", len(body))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg       config.KafkaConfig
	exchange  string
	processor *Processor
	dlq       *KafkaProducer
	logger    logger.Logger

	// Base pause between in-place redeliveries of a failed record.
	redeliveryDelay time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	readers []*kafka.Reader
}

func NewKafkaConsumer(cfg config.KafkaConfig, exchange string, processor *Processor, log logger.Logger) *KafkaConsumer {
	c := &KafkaConsumer{
		cfg:       cfg,
		exchange:  exchange,
		processor: processor,
		logger:    log,

		redeliveryDelay: time.Second,
	}

	if cfg.DLQTopic != "" {
		c.dlq = NewKafkaProducer(cfg, cfg.DLQTopic, processor.ServiceName(), log)
	}

	return c
}

// Subscribe maps a shared queue to a consumer group. An exclusive binding
// gets a group of its own that starts at the tail, so the instance only sees
// messages published after it subscribed.
func (c *KafkaConsumer) Subscribe(ctx context.Context, binding Binding, handler HandlerFunc) error {
	binding = binding.withDefaults(c.exchange)
	if err := ValidatePattern(binding.Pattern); err != nil {
		return err
	}

	groupID := binding.Queue
	startOffset := kafka.FirstOffset
	if !binding.Shared() {
		groupID = fmt.Sprintf("%s-%s", c.processor.ServiceName(), uuid.New().String())
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		GroupID:     groupID,
		Topic:       binding.Exchange,
		StartOffset: startOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.logger.InfowCtx(logging.WithServiceName(ctx, c.processor.ServiceName()), "Subscribed to topic",
		"topic", binding.Exchange,
		"pattern", binding.Pattern,
		"group_id", groupID,
		"brokers", c.cfg.Brokers,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, binding, groupID, reader, handler)
	}()

	return nil
}

func (c *KafkaConsumer) run(ctx context.Context, binding Binding, queue string, reader *kafka.Reader, handler HandlerFunc) {
	logCtx := logging.WithServiceName(ctx, c.processor.ServiceName())

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(logCtx, "Stopped consuming", "topic", binding.Exchange, "reason", "context canceled")
				return
			}
			// Returned once the reader is closed.
			if err == io.EOF {
				return
			}
			c.logger.ErrorwCtx(logCtx, "Error fetching kafka message", "error", err, "topic", binding.Exchange)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if MatchTopic(binding.Pattern, routingKeyOf(m)) && !c.handle(ctx, queue, m, handler) {
			// Cancelled before the record settled: leave it uncommitted for
			// the next member of the group.
			return
		}

		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.ErrorwCtx(logCtx, "Failed to commit message",
				"error", err,
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
			)
		}
	}
}

// handle settles one record and reports whether it may be committed.
// Kafka cannot requeue a single record, so a record left for redelivery is
// processed again in place, blocking its partition until it succeeds or ctx
// ends. Rejected records go to the DLQ topic; without one only undecodable
// records are rejected, and those are logged and committed.
func (c *KafkaConsumer) handle(ctx context.Context, queue string, m kafka.Message, handler HandlerFunc) bool {
	msgCtx := tracing.ExtractKafkaHeaders(ctx, m.Headers)
	msgCtx = logging.WithServiceName(msgCtx, c.processor.ServiceName())

	return c.settle(msgCtx, func(ctx context.Context) Outcome {
		return c.processor.ProcessBody(ctx, queue, m.Value, handler)
	}, func(ctx context.Context, outcome Outcome) error {
		if c.dlq == nil {
			c.logger.ErrorwCtx(ctx, "Dropping undecodable record, no DLQ configured",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
			)
			return nil
		}
		return c.sendToDLQ(ctx, m, outcome)
	})
}

func (c *KafkaConsumer) settle(ctx context.Context, process func(context.Context) Outcome, reject func(context.Context, Outcome) error) bool {
	for attempt := 0; ; attempt++ {
		switch outcome := process(ctx); outcome {
		case OutcomeAck, OutcomeSkip:
			return true
		case OutcomeReject:
			err := reject(ctx, outcome)
			if err == nil {
				return true
			}
			c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ", "error", err)
		default:
			if ctx.Err() != nil {
				return false
			}
			c.logger.WarnwCtx(ctx, "Redelivering record in place", "attempt", attempt+1)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(retry.Delay(attempt, c.redeliveryDelay, 2.0, constants.BrokerReconnectMaxInterval)):
		}
	}
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, m kafka.Message, outcome Outcome) error {
	var envelope models.MessageEnvelope
	if err := json.Unmarshal(m.Value, &envelope); err != nil {
		// Undecodable records are forwarded raw.
		return c.dlq.writer.WriteMessages(ctx, kafka.Message{
			Topic:   c.cfg.DLQTopic,
			Key:     m.Key,
			Value:   m.Value,
			Headers: m.Headers,
		})
	}

	if envelope.Metadata.DeadLetter == nil {
		envelope.Metadata.DeadLetter = make(map[string]interface{})
	}
	envelope.Metadata.DeadLetter["reason"] = outcome.String()
	envelope.Metadata.DeadLetter["source_topic"] = m.Topic
	envelope.Metadata.DeadLetter["timestamp"] = time.Now().UTC()

	if err := c.dlq.publishTo(ctx, c.cfg.DLQTopic, envelope); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", m.Topic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", outcome.String(),
	)
	return nil
}

func routingKeyOf(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == headerRoutingKey {
			return string(h.Value)
		}
	}
	return string(m.Key)
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()

	var err error
	for _, r := range readers {
		if closeErr := r.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	c.wg.Wait()

	if c.dlq != nil {
		if closeErr := c.dlq.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
