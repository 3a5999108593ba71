package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"postmesh/internal/config"
	"postmesh/internal/constants"
	"postmesh/internal/logger"
	"postmesh/pkg/errors"
	"postmesh/pkg/metrics"
)

// ConnectionManager owns the process's single AMQP connection and the shared
// channel used for publishing. Both are re-created lazily on the next use
// after a drop. It is opened at service start and closed at shutdown.
type ConnectionManager struct {
	url         string
	timeout     time.Duration
	serviceName string
	logger      logger.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

func NewConnectionManager(cfg config.RabbitMQConfig, serviceName string, log logger.Logger) *ConnectionManager {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = constants.BrokerConnectTimeout
	}

	return &ConnectionManager{
		url:         AMQPURL(cfg),
		timeout:     timeout,
		serviceName: serviceName,
		logger:      log,
	}
}

// AMQPURL returns cfg.URL, or builds one from the host fields.
func AMQPURL(cfg config.RabbitMQConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}

	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}

	return amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		Vhost:    vhost,
	}.String()
}

// Connect establishes the connection eagerly so a service fails at start when
// the broker is unreachable.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	_, err := m.EnsureChannel(ctx)
	return err
}

// EnsureChannel returns the shared channel if it is still open, otherwise it
// re-establishes whatever was lost. Failures are ErrBrokerUnavailable.
func (m *ConnectionManager) EnsureChannel(ctx context.Context) (*amqp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch != nil && !m.ch.IsClosed() {
		return m.ch, nil
	}

	conn, err := m.connectionLocked(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.ErrBrokerUnavailable.WithCause(fmt.Errorf("failed to open channel: %w", err))
	}

	m.ch = ch
	return ch, nil
}

// OpenChannel opens a dedicated channel, used by consumers so that prefetch
// and acknowledgements stay independent of publishing.
func (m *ConnectionManager) OpenChannel(ctx context.Context) (*amqp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.connectionLocked(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.ErrBrokerUnavailable.WithCause(fmt.Errorf("failed to open channel: %w", err))
	}
	return ch, nil
}

func (m *ConnectionManager) connectionLocked(ctx context.Context) (*amqp.Connection, error) {
	if m.closed {
		return nil, errors.ErrBrokerUnavailable.WithDetail("message", "connection manager is closed")
	}

	if m.conn != nil && !m.conn.IsClosed() {
		return m.conn, nil
	}

	reconnect := m.conn != nil
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, errors.ErrBrokerUnavailable.WithCause(err)
	}

	m.conn = conn
	m.ch = nil

	if reconnect {
		metrics.BrokerReconnectsTotal.WithLabelValues(m.serviceName).Inc()
		m.logger.WarnwCtx(ctx, "Re-established RabbitMQ connection")
	} else {
		m.logger.InfowCtx(ctx, "Connected to RabbitMQ")
	}

	return conn, nil
}

func (m *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(m.serviceName)

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(m.url, amqp.Config{
			Dial:       amqp.DefaultDial(m.timeout),
			Properties: props,
		})
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to dial RabbitMQ: %w", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && !m.conn.IsClosed()
}

func (m *ConnectionManager) Ping(ctx context.Context) error {
	if m.IsConnected() {
		return nil
	}
	_, err := m.EnsureChannel(ctx)
	return err
}

func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.conn == nil || m.conn.IsClosed() {
		return nil
	}

	// Closing the connection closes every channel opened on it.
	if err := m.conn.Close(); err != nil {
		return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
	}
	return nil
}
