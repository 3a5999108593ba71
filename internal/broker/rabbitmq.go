package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

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

const exchangeKindTopic = "topic"

func declareExchange(ch *amqp.Channel, cfg config.ExchangeConfig, name string) error {
	if err := ch.ExchangeDeclare(name, exchangeKindTopic, cfg.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

type RabbitMQProducer struct {
	conn        *ConnectionManager
	exchange    config.ExchangeConfig
	logger      logger.Logger
	serviceName string

	// The shared channel is used serially.
	mu       sync.Mutex
	declared *amqp.Channel
}

func NewRabbitMQProducer(conn *ConnectionManager, exchange config.ExchangeConfig, serviceName string, log logger.Logger) *RabbitMQProducer {
	return &RabbitMQProducer{
		conn:        conn,
		exchange:    exchange,
		logger:      log,
		serviceName: serviceName,
	}
}

func (p *RabbitMQProducer) Publish(ctx context.Context, msg models.MessageEnvelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.conn.EnsureChannel(ctx)
	if err != nil {
		return err
	}

	// Declared once per channel: a re-created channel declares again.
	if p.declared != ch {
		if err := declareExchange(ch, p.exchange, p.exchange.Name); err != nil {
			return errors.ErrBrokerUnavailable.WithCause(err)
		}
		p.declared = ch
	}

	deliveryMode := amqp.Transient
	if p.exchange.Durable {
		deliveryMode = amqp.Persistent
	}

	publishCtx, cancel := context.WithTimeout(ctx, constants.BrokerPublishTimeout)
	defer cancel()

	err = ch.PublishWithContext(publishCtx, p.exchange.Name, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: deliveryMode,
		MessageId:    msg.ID,
		AppId:        msg.Source,
		Timestamp:    msg.Timestamp,
		Headers:      tracing.InjectAMQPHeaders(ctx, nil),
		Body:         body,
	})
	if err != nil {
		return errors.ErrBrokerUnavailable.WithCause(fmt.Errorf("failed to publish %s: %w", msg.RoutingKey, err))
	}

	metrics.ObserveMessageSize(p.serviceName, "out", len(body))
	return nil
}

// Close is a no-op: the connection belongs to the ConnectionManager.
func (p *RabbitMQProducer) Close() error {
	return nil
}

type RabbitMQConsumer struct {
	conn      *ConnectionManager
	cfg       config.RabbitMQConfig
	exchange  config.ExchangeConfig
	processor *Processor
	logger    logger.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels []context.CancelFunc
}

func NewRabbitMQConsumer(conn *ConnectionManager, cfg config.RabbitMQConfig, exchange config.ExchangeConfig, processor *Processor, log logger.Logger) *RabbitMQConsumer {
	return &RabbitMQConsumer{
		conn:      conn,
		cfg:       cfg,
		exchange:  exchange,
		processor: processor,
		logger:    log,
	}
}

type amqpSubscription struct {
	ch         *amqp.Channel
	queue      string
	deliveries <-chan amqp.Delivery
}

func (c *RabbitMQConsumer) Subscribe(ctx context.Context, binding Binding, handler HandlerFunc) error {
	binding = binding.withDefaults(c.exchange.Name)
	if err := ValidatePattern(binding.Pattern); err != nil {
		return err
	}

	sub, err := c.setup(ctx, binding)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(subCtx, binding, sub, handler)
	}()

	return nil
}

// setup declares exchange, queue and binding on a fresh channel and starts
// consuming with manual acknowledgement.
func (c *RabbitMQConsumer) setup(ctx context.Context, binding Binding) (*amqpSubscription, error) {
	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*amqpSubscription, error) {
		ch.Close()
		return nil, errors.ErrBrokerUnavailable.WithCause(err)
	}

	prefetch := c.cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = constants.DefaultPrefetchCount
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("failed to set QoS: %w", err))
	}

	if err := declareExchange(ch, c.exchange, binding.Exchange); err != nil {
		return fail(err)
	}

	var args amqp.Table
	if c.cfg.DeadLetterExchange != "" {
		if err := c.declareDeadLetter(ch); err != nil {
			return fail(err)
		}
		args = amqp.Table{"x-dead-letter-exchange": c.cfg.DeadLetterExchange}
	}

	var q amqp.Queue
	if binding.Shared() {
		q, err = ch.QueueDeclare(binding.Queue, true, false, false, false, args)
	} else {
		q, err = ch.QueueDeclare("", false, true, true, false, args)
	}
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}

	if err := ch.QueueBind(q.Name, binding.Pattern, binding.Exchange, false, nil); err != nil {
		return fail(fmt.Errorf("failed to bind queue %s to %s: %w", q.Name, binding.Pattern, err))
	}

	deliveries, err := ch.Consume(q.Name, "", false, !binding.Shared(), false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to consume from %s: %w", q.Name, err))
	}

	c.logger.InfowCtx(logging.WithServiceName(ctx, c.processor.ServiceName()), "Subscribed to exchange",
		"exchange", binding.Exchange,
		"pattern", binding.Pattern,
		"queue", q.Name,
		"shared", binding.Shared(),
		"prefetch", prefetch,
	)

	return &amqpSubscription{ch: ch, queue: q.Name, deliveries: deliveries}, nil
}

func (c *RabbitMQConsumer) declareDeadLetter(ch *amqp.Channel) error {
	dlx := c.cfg.DeadLetterExchange
	if err := ch.ExchangeDeclare(dlx, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter exchange %s: %w", dlx, err)
	}

	dlq := dlx + ".queue"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter queue %s: %w", dlq, err)
	}

	if err := ch.QueueBind(dlq, "#", dlx, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead letter queue %s: %w", dlq, err)
	}
	return nil
}

// run drains deliveries and, when the channel drops, re-declares and
// re-binds the queue with exponential backoff until ctx is done.
func (c *RabbitMQConsumer) run(ctx context.Context, binding Binding, sub *amqpSubscription, handler HandlerFunc) {
	logCtx := logging.WithServiceName(ctx, c.processor.ServiceName())

	for {
		c.drain(ctx, sub, handler)

		if ctx.Err() != nil {
			sub.ch.Close()
			c.logger.InfowCtx(logCtx, "Stopped consuming", "queue", sub.queue, "reason", "context canceled")
			return
		}

		c.logger.WarnwCtx(logCtx, "Delivery channel closed, re-subscribing", "queue", sub.queue, "pattern", binding.Pattern)

		maxInterval := c.cfg.ReconnectMaxInterval
		if maxInterval <= 0 {
			maxInterval = constants.BrokerReconnectMaxInterval
		}
		b := backoff.WithContext(retry.Exponential(time.Second, maxInterval, 2.0, 0), ctx)

		err := backoff.RetryNotify(func() error {
			next, err := c.setup(ctx, binding)
			if err != nil {
				return err
			}
			sub = next
			return nil
		}, b, func(err error, next time.Duration) {
			c.logger.WarnwCtx(logCtx, "Re-subscribe failed", "error", err, "next_delay", next)
		})
		if err != nil {
			c.logger.InfowCtx(logCtx, "Stopped consuming", "pattern", binding.Pattern, "reason", err)
			return
		}
	}
}

func (c *RabbitMQConsumer) drain(ctx context.Context, sub *amqpSubscription, handler HandlerFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.deliveries:
			if !ok {
				return
			}
			c.settle(ctx, sub.queue, d, handler)
		}
	}
}

func (c *RabbitMQConsumer) settle(ctx context.Context, queue string, d amqp.Delivery, handler HandlerFunc) {
	msgCtx := tracing.ExtractAMQPHeaders(ctx, d.Headers)
	outcome := c.processor.ProcessBody(msgCtx, queue, d.Body, handler)

	var err error
	switch outcome {
	case OutcomeAck, OutcomeSkip:
		err = d.Ack(false)
	case OutcomeRequeue:
		err = d.Nack(false, true)
	case OutcomeReject:
		err = d.Nack(false, false)
	}

	if err != nil {
		c.logger.ErrorwCtx(logging.WithServiceName(ctx, c.processor.ServiceName()), "Failed to settle delivery",
			"error", err,
			"queue", queue,
			"outcome", outcome.String(),
			"message_id", d.MessageId,
		)
	}
}

func (c *RabbitMQConsumer) Close() error {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}
