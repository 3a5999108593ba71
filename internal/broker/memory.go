package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"postmesh/internal/config"
	"postmesh/internal/constants"
	"postmesh/internal/logger"
	"postmesh/pkg/errors"
	"postmesh/pkg/logging"
	"postmesh/pkg/models"
)

type memoryDelivery struct {
	body        []byte
	headers     propagation.MapCarrier
	redelivered bool
}

type memoryQueue struct {
	name      string
	exclusive bool
	ch        chan memoryDelivery
	done      chan struct{}
}

type memoryBinding struct {
	exchange string
	pattern  string
	queue    string
}

// DeadLetter is a message a subscriber rejected.
type DeadLetter struct {
	Queue    string
	Body     []byte
	Envelope models.MessageEnvelope
}

// MemoryBus is an in-process topic exchange with the same routing and
// settlement semantics as the AMQP transport. Named queues are shared by
// their consumers; exclusive queues live as long as their subscription.
type MemoryBus struct {
	exchange string
	cfg      config.MemoryConfig
	logger   logger.Logger

	mu          sync.RWMutex
	queues      map[string]*memoryQueue
	bindings    []memoryBinding
	deadLetters []DeadLetter
	closed      bool
	done        chan struct{}
}

func NewMemoryBus(exchange string, cfg config.MemoryConfig, log logger.Logger) *MemoryBus {
	if exchange == "" {
		exchange = constants.DefaultExchange
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = constants.MemoryQueueSize
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = constants.MemoryRedeliveryDelay
	}

	return &MemoryBus{
		exchange: exchange,
		cfg:      cfg,
		logger:   log,
		queues:   make(map[string]*memoryQueue),
		done:     make(chan struct{}),
	}
}

// Publish delivers msg at most once to every queue with a matching binding.
// Without a matching binding the message is dropped.
func (b *MemoryBus) Publish(ctx context.Context, msg models.MessageEnvelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.ErrBrokerUnavailable.WithDetail("message", "memory bus is closed")
	}

	var targets []*memoryQueue
	seen := make(map[string]bool)
	for _, bind := range b.bindings {
		if bind.exchange != b.exchange || seen[bind.queue] {
			continue
		}
		if !MatchTopic(bind.pattern, msg.RoutingKey) {
			continue
		}
		if q, ok := b.queues[bind.queue]; ok {
			seen[bind.queue] = true
			targets = append(targets, q)
		}
	}
	b.mu.RUnlock()

	for _, q := range targets {
		d := memoryDelivery{body: body, headers: headers}
		if err := b.enqueue(ctx, q, d); err != nil {
			return err
		}
	}

	return nil
}

func (b *MemoryBus) enqueue(ctx context.Context, q *memoryQueue, d memoryDelivery) error {
	select {
	case q.ch <- d:
		return nil
	case <-q.done:
		return nil
	case <-b.done:
		return errors.ErrBrokerUnavailable.WithDetail("message", "memory bus is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) declare(binding Binding) (*memoryQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.ErrBrokerUnavailable.WithDetail("message", "memory bus is closed")
	}

	name := binding.Queue
	if !binding.Shared() {
		name = "amq.gen-" + uuid.New().String()
	}

	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			name:      name,
			exclusive: !binding.Shared(),
			ch:        make(chan memoryDelivery, b.cfg.QueueSize),
			done:      make(chan struct{}),
		}
		b.queues[name] = q
	}

	for _, existing := range b.bindings {
		if existing.exchange == binding.Exchange && existing.pattern == binding.Pattern && existing.queue == name {
			return q, nil
		}
	}
	b.bindings = append(b.bindings, memoryBinding{exchange: binding.Exchange, pattern: binding.Pattern, queue: name})

	return q, nil
}

// remove deletes an exclusive queue together with its bindings.
func (b *MemoryBus) remove(q *memoryQueue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[q.name]; !ok {
		return
	}
	delete(b.queues, q.name)
	close(q.done)

	kept := b.bindings[:0]
	for _, bind := range b.bindings {
		if bind.queue != q.name {
			kept = append(kept, bind)
		}
	}
	b.bindings = kept
}

func (b *MemoryBus) requeue(q *memoryQueue, d memoryDelivery) {
	d.redelivered = true
	time.AfterFunc(b.cfg.RedeliveryDelay, func() {
		select {
		case q.ch <- d:
		case <-q.done:
		case <-b.done:
		}
	})
}

func (b *MemoryBus) reject(q *memoryQueue, d memoryDelivery) {
	if !b.cfg.DeadLetter {
		b.logger.Debugw("Dropping rejected message", "queue", q.name)
		return
	}

	dl := DeadLetter{Queue: q.name, Body: d.body}
	_ = json.Unmarshal(d.body, &dl.Envelope)

	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, dl)
	b.mu.Unlock()
}

func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Bindings reports the number of live bindings, mostly for tests.
func (b *MemoryBus) Bindings() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings)
}

func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.ErrBrokerUnavailable.WithDetail("message", "memory bus is closed")
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

// NewConsumer returns a consumer on this bus whose deliveries go through
// processor.
func (b *MemoryBus) NewConsumer(processor *Processor, log logger.Logger) *MemoryConsumer {
	return &MemoryConsumer{bus: b, processor: processor, logger: log}
}

type MemoryConsumer struct {
	bus       *MemoryBus
	processor *Processor
	logger    logger.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels []context.CancelFunc
}

func (c *MemoryConsumer) Subscribe(ctx context.Context, binding Binding, handler HandlerFunc) error {
	binding = binding.withDefaults(c.bus.exchange)
	if err := ValidatePattern(binding.Pattern); err != nil {
		return err
	}

	q, err := c.bus.declare(binding)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	c.logger.InfowCtx(logging.WithServiceName(ctx, c.processor.ServiceName()), "Subscribed to exchange",
		"exchange", binding.Exchange,
		"pattern", binding.Pattern,
		"queue", q.name,
		"shared", binding.Shared(),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if q.exclusive {
			defer c.bus.remove(q)
		}
		c.run(subCtx, q, handler)
	}()

	return nil
}

func (c *MemoryConsumer) run(ctx context.Context, q *memoryQueue, handler HandlerFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.bus.done:
			return
		case d := <-q.ch:
			msgCtx := otel.GetTextMapPropagator().Extract(ctx, d.headers)
			if d.redelivered {
				c.logger.DebugwCtx(logging.WithServiceName(msgCtx, c.processor.ServiceName()), "Redelivering message", "queue", q.name)
			}

			switch c.processor.ProcessBody(msgCtx, q.name, d.body, handler) {
			case OutcomeRequeue:
				c.bus.requeue(q, d)
			case OutcomeReject:
				c.bus.reject(q, d)
			}
		}
	}
}

func (c *MemoryConsumer) Close() error {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}
