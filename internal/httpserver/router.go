// Package httpserver builds the Gin engine and HTTP server shared by the
// chainmail node and directory binaries.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DefaultBodyLimit is the largest request body accepted (1 MB).
const DefaultBodyLimit = 1 << 20

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 15 * time.Second

// Config controls the middleware stack.
type Config struct {
	CORSOrigins  []string
	RateLimitRPS float64
	BodyLimit    int64
	Metrics      bool
}

// NewRouter returns a Gin engine with recovery, CORS, security headers, a body
// limit, per-IP rate limiting, request IDs, metrics and request logging
// installed, plus GET /healthz and (when enabled) GET /metrics.
// ctx bounds the rate limiter's background sweep.
func NewRouter(ctx context.Context, cfg Config, logger *zap.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = DefaultBodyLimit
	}

	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", RequestIDHeader},
			ExposeHeaders:    []string{"Content-Length", RequestIDHeader},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(SecurityHeaders())
	router.Use(BodyLimit(cfg.BodyLimit))
	router.Use(RateLimiter(ctx, cfg.RateLimitRPS, int(cfg.RateLimitRPS*2)))
	router.Use(RequestID())
	if cfg.Metrics {
		router.Use(PrometheusMiddleware())
	}
	router.Use(RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics {
		router.GET("/metrics", MetricsHandler())
	}
	return router
}

// Serve runs an HTTP server for h on port until ctx is cancelled, then shuts
// it down gracefully.
func Serve(ctx context.Context, port int, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
		return err
	}
	return nil
}
