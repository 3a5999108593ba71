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
	"postmesh/internal/search"
	"postmesh/pkg/bootstrap"
	"postmesh/pkg/health"
	"postmesh/pkg/logging"
	"postmesh/pkg/middleware"
	"postmesh/pkg/migrations"
	"postmesh/pkg/models"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector
	mongoClient *mongo.Client
	events      *search.EventHandler
	server      *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log, constants.ServiceSearch),
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

	collection := a.Config.Search.Collection
	if collection == "" {
		collection = constants.SearchCollection
	}
	if err := migrations.EnsureSearchIndexes(ctx, db, collection); err != nil {
		return err
	}

	if err := a.InitBroker(ctx); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	repo := search.NewRepository(db, collection)
	a.events = search.NewEventHandler(repo, a.Logger)

	checks := health.NewCheckerRegistry()
	checks.Register(health.NewMongoDBChecker(a.mongoClient))
	checks.Register(health.NewFuncChecker("broker", a.Transport.Ping))

	router := a.NewRouter(checks)
	search.NewHandler(search.NewService(repo, a.Config.Search.ResultLimit), a.Logger).
		RegisterRoutes(router, middleware.AuthMiddleware(a.Logger))

	a.server = a.NewServer(router)
	return nil
}

func (a *App) subscribe(ctx context.Context) error {
	group := a.Config.Broker.Subscription.Queue
	subscriptions := []struct {
		pattern string
		handler broker.HandlerFunc
	}{
		{models.RoutingKeyPostCreated, a.events.OnPostCreated},
		{models.RoutingKeyPostDeleted, a.events.OnPostDeleted},
	}

	for _, s := range subscriptions {
		if err := a.Transport.Consumer.Subscribe(ctx, broker.NewBinding(group, s.pattern), s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.pattern, err)
		}
	}

	a.Logger.InfowCtx(logging.WithServiceName(ctx, constants.ServiceSearch), "Subscribed to post events", "group", group)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	if err := a.subscribe(gCtx); err != nil {
		return err
	}

	g.Go(func() error {
		return a.Serve(gCtx, a.server)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx, a.dbConnector.Close)
}
