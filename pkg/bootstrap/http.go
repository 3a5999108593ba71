package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postmesh/internal/constants"
	"postmesh/pkg/health"
	"postmesh/pkg/metrics"
	"postmesh/pkg/middleware"
	"postmesh/pkg/ratelimit"
	"postmesh/pkg/tracing"
)

// NewRouter builds the engine shared by every service: tracing, recovery,
// request logging and ids, plus /health and /metrics.
func (b *Base) NewRouter(checks *health.CheckerRegistry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if b.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(b.ServiceName))
	}

	router.Use(middleware.RecoveryMiddleware(b.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(b.Logger))

	metrics.RegisterHTTPMetrics()

	if checks != nil {
		router.GET("/health", checks.Handler())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// RateLimit returns the middleware guarding write endpoints and the limiter
// behind it. The limiter is nil when rate limiting is off.
func (b *Base) RateLimit() (gin.HandlerFunc, *ratelimit.Limiter) {
	cfg := b.Config.RateLimit
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }, nil
	}

	limiter := ratelimit.NewLimiter(ratelimit.RateLimitConfig{
		RPS:             cfg.RPS,
		Burst:           cfg.Burst,
		CleanupInterval: time.Duration(cfg.CleanupInterval) * time.Second,
		MaxAge:          time.Duration(cfg.MaxAge) * time.Second,
		KeyFunc: func(c *gin.Context) string {
			if userID := middleware.UserID(c); userID != "" {
				return userID
			}
			return c.ClientIP()
		},
	})
	b.Logger.Infow("Rate limiting enabled", "rps", cfg.RPS, "burst", cfg.Burst)
	return limiter.Middleware(), limiter
}

func (b *Base) NewServer(handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", b.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  b.Config.Server.ReadTimeout(),
		WriteTimeout: b.Config.Server.WriteTimeout(),
	}
}

// Serve runs server until ctx is cancelled, then drains it.
func (b *Base) Serve(ctx context.Context, server *http.Server) error {
	errChan := make(chan error, 1)
	go func() {
		b.Logger.InfowCtx(ctx, "HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}
