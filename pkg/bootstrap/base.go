// Package bootstrap holds the startup and shutdown plumbing shared by the
// post, search and media services.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"postmesh/internal/broker"
	"postmesh/internal/config"
	"postmesh/internal/logger"
	"postmesh/pkg/tracing"
)

// Base carries what every service needs regardless of its role on the bus.
type Base struct {
	Config      *config.Config
	Logger      logger.Logger
	ServiceName string
	Transport   *broker.Transport
	Publisher   *broker.EventPublisher

	tracer *tracing.TracerProvider
}

func NewBase(cfg *config.Config, log logger.Logger, serviceName string) *Base {
	return &Base{
		Config:      cfg,
		Logger:      log,
		ServiceName: serviceName,
	}
}

func (b *Base) InitTracing() error {
	tp, err := tracing.Init(b.Config.Tracing, b.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	b.tracer = tp
	return nil
}

// InitBroker opens the broker connection. Every service gets a publisher,
// even pure consumers, so the transport is exercised the same way everywhere.
func (b *Base) InitBroker(ctx context.Context) error {
	transport, err := broker.NewTransport(ctx, b.Config.Broker, b.ServiceName, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create broker transport: %w", err)
	}

	b.Transport = transport
	b.Publisher = broker.NewEventPublisher(transport.Producer, b.Config.Broker.Exchange.Name, b.ServiceName, b.Logger)
	return nil
}

// Shutdown closes the broker first so in-flight deliveries settle before the
// stores they write to are closed by closeStores. The tracer goes last to
// flush spans from both.
func (b *Base) Shutdown(ctx context.Context, closeStores func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if b.Transport != nil {
		if err := b.Transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close error: %w", err))
		}
	}

	if closeStores != nil {
		errs = append(errs, closeStores(ctx)...)
	}

	if err := b.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
