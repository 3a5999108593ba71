package broker

import (
	"context"
	"fmt"

	"postmesh/internal/config"
	"postmesh/internal/logger"
	"postmesh/pkg/metrics"
)

// Transport bundles the producer and consumer of one broker connection.
type Transport struct {
	Producer Producer
	Consumer Consumer

	ping   func(ctx context.Context) error
	closer func() error
}

// NewTransport connects to the configured broker. For RabbitMQ the connection
// is opened eagerly so an unreachable broker fails startup.
func NewTransport(ctx context.Context, cfg config.BrokerConfig, serviceName string, log logger.Logger) (*Transport, error) {
	metrics.RegisterBrokerMetrics()

	pc, err := ProcessorConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	processor, err := NewProcessor(pc, serviceName, log)
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "rabbitmq":
		conn := NewConnectionManager(cfg.RabbitMQ, serviceName, log)
		if err := conn.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		return &Transport{
			Producer: NewRabbitMQProducer(conn, cfg.Exchange, serviceName, log),
			Consumer: NewRabbitMQConsumer(conn, cfg.RabbitMQ, cfg.Exchange, processor, log),
			ping:     conn.Ping,
			closer:   conn.Close,
		}, nil

	case "kafka":
		producer := NewKafkaProducer(cfg.Kafka, cfg.Exchange.Name, serviceName, log)
		return &Transport{
			Producer: producer,
			Consumer: NewKafkaConsumer(cfg.Kafka, cfg.Exchange.Name, processor, log),
			closer:   producer.Close,
		}, nil

	case "memory":
		bus := NewMemoryBus(cfg.Exchange.Name, cfg.Memory, log)
		t := NewMemoryTransport(bus, processor, log)
		t.closer = bus.Close
		return t, nil

	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

// NewMemoryTransport attaches a consumer to an existing bus, which lets
// several services share one exchange inside a process. Closing the
// transport leaves the bus open.
func NewMemoryTransport(bus *MemoryBus, processor *Processor, log logger.Logger) *Transport {
	return &Transport{
		Producer: bus,
		Consumer: bus.NewConsumer(processor, log),
		ping:     bus.Ping,
	}
}

func (t *Transport) Ping(ctx context.Context) error {
	if t.ping == nil {
		return nil
	}
	return t.ping(ctx)
}

// Close stops consumers first so in-flight deliveries settle before the
// connection goes away.
func (t *Transport) Close() error {
	var err error
	if t.Consumer != nil {
		err = t.Consumer.Close()
	}
	if t.closer != nil {
		if closeErr := t.closer(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
