package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/sync/errgroup"

	"postmesh/internal/cache"
	"postmesh/internal/config"
	"postmesh/internal/constants"
	"postmesh/internal/logger"
	"postmesh/internal/outbox"
	"postmesh/internal/posts"
	"postmesh/pkg/bootstrap"
	"postmesh/pkg/health"
	"postmesh/pkg/metrics"
	"postmesh/pkg/middleware"
	"postmesh/pkg/ratelimit"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector
	db          *sql.DB
	redis       *redis.Client
	cacheStore  cache.Store
	relay       *outbox.Relay
	limiter     *ratelimit.Limiter
	server      *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log, constants.ServicePost),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.InitTracing(); err != nil {
		return err
	}

	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db

	if err := a.initCache(ctx); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	if err := a.InitBroker(ctx); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if a.Config.Outbox.Enabled {
		a.relay = outbox.NewRelay(outbox.NewPostgresStore(a.db), a.Publisher, a.Config.Outbox, constants.ServicePost, a.Logger)
	}

	a.initServer()
	return nil
}

func (a *App) initCache(ctx context.Context) error {
	var store cache.Store
	switch a.Config.Cache.Store {
	case "memory":
		store = cache.NewMemoryStore()
	default:
		rdb, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			return err
		}
		a.redis = rdb
		store = cache.NewRedisStore(rdb, a.Config.Cache.ScanCount)
	}

	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
		a.Logger.InfowCtx(ctx, "Circuit breaker enabled for cache store")
	}
	a.cacheStore = cache.NewBreakerStore(store, a.Config.CircuitBreaker)
	return nil
}

func (a *App) initServer() {
	checks := health.NewCheckerRegistry()
	checks.Register(health.NewPostgreSQLChecker(a.db))
	checks.Register(health.NewFuncChecker("broker", a.Transport.Ping))
	if a.redis != nil {
		checks.RegisterOptional(health.NewRedisChecker(a.redis))
	}

	router := a.NewRouter(checks)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	c := cache.New(a.cacheStore, a.Config.Cache.TTL(), a.Logger)
	keys := cache.NewKeys(a.Config.Cache.ListingPrefix)
	svc := posts.NewService(
		posts.NewRepository(a.db),
		a.Publisher,
		c,
		keys,
		cache.NewInvalidator(c, keys, a.Logger),
		posts.OptionsFrom(a.Config),
		a.Logger,
	)

	limit, limiter := a.RateLimit()
	a.limiter = limiter

	posts.NewHandler(svc, a.Logger).RegisterRoutes(router, middleware.AuthMiddleware(a.Logger), limit)

	a.server = a.NewServer(router)
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Serve(gCtx, a.server)
	})

	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(gCtx)
		})
	}

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
