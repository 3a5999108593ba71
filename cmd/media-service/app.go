package main

import (
	"context"
	"fmt"
	"net/http"

	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"postmesh/internal/broker"
	"postmesh/internal/config"
	"postmesh/internal/constants"
	"postmesh/internal/logger"
	"postmesh/internal/media"
	"postmesh/pkg/bootstrap"
	"postmesh/pkg/health"
	"postmesh/pkg/logging"
	"postmesh/pkg/middleware"
	"postmesh/pkg/migrations"
	"postmesh/pkg/models"
	"postmesh/pkg/ratelimit"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector
	mongoClient *mongo.Client
	events      *media.EventHandler
	limiter     *ratelimit.Limiter
	server      *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log, constants.ServiceMedia),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.InitTracing(); err != nil {
		return err
	}

	client, db, err := a.dbConnector.InitMongoDB(ctx, a.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize MongoDB: %w", err)
	}
	a.mongoClient = client

	cfg := a.Config.Media
	if cfg.Collection == "" {
		cfg.Collection = constants.MediaCollection
	}
	if cfg.Bucket == "" {
		cfg.Bucket = constants.MediaBucket
	}
	if err := migrations.EnsureMediaIndexes(ctx, db, cfg.Collection); err != nil {
		return err
	}

	if err := a.InitBroker(ctx); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	svc := media.NewService(
		media.NewRepository(db, cfg.Collection),
		media.NewGridFSStore(db, cfg.Bucket, cfg.PublicURL),
		cfg.MaxUploadBytes,
		a.Logger,
	)
	a.events = media.NewEventHandler(svc, a.Logger)

	checks := health.NewCheckerRegistry()
	checks.Register(health.NewMongoDBChecker(a.mongoClient))
	checks.Register(health.NewFuncChecker("broker", a.Transport.Ping))

	router := a.NewRouter(checks)
	limit, limiter := a.RateLimit()
	a.limiter = limiter
	media.NewHandler(svc, a.Logger).RegisterRoutes(router, middleware.AuthMiddleware(a.Logger), limit)

	a.server = a.NewServer(router)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	binding := broker.NewBinding(a.Config.Broker.Subscription.Queue, models.RoutingKeyPostDeleted)
	if err := a.Transport.Consumer.Subscribe(gCtx, binding, a.events.OnPostDeleted); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", binding.Pattern, err)
	}
	a.Logger.InfowCtx(logging.WithServiceName(ctx, constants.ServiceMedia), "Subscribed to post events", "pattern", binding.Pattern)

	g.Go(func() error {
		return a.Serve(gCtx, a.server)
	})

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.RunCleanup(gCtx)
			return nil
		})
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx, a.dbConnector.Close)
}
