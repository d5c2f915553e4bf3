package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/config"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/middleware"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/monitoring"
)

// Config represents server configuration
type Config struct {
	Port         int
	ServiceName  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig(serviceName string, port int) Config {
	return Config{
		Port:        port,
		ServiceName: serviceName,
		ReadTimeout: 30 * time.Second,
		// Long-lived websocket upgrades share this listener, so write
		// deadlines are handled per-connection, not server-wide.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
}

// SetupRouter creates a gin router with the common middleware stack,
// /health and Prometheus /metrics.
func SetupRouter(logger logging.Logger, serviceName string, health *monitoring.HealthChecker, metrics *monitoring.MetricsCollector) *gin.Engine {
	if config.GetEnv("GIN_MODE", "release") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.CORSMiddleware())
	if metrics != nil {
		router.Use(metrics.MetricsMiddleware())
		router.GET("/metrics", metrics.Handler())
	}

	if health != nil {
		router.GET("/health", health.Handler())
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
		})
	}

	return router
}

// Run binds the listener, serves until a SIGINT/SIGTERM or a serve error,
// then shuts down gracefully. A bind failure is returned immediately so the
// caller can exit non-zero.
func Run(cfg Config, router *gin.Engine, logger logging.Logger, onShutdown func()) error {
	addr := fmt.Sprintf(":%d", cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logging.Fields{
			"port":    cfg.Port,
			"service": cfg.ServiceName,
		}).Info("Starting HTTP server")
		serveErr <- srv.Serve(ln)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	case <-quit:
		logger.WithField("service", cfg.ServiceName).Info("Shutting down server...")
	}

	if onShutdown != nil {
		onShutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.WithField("service", cfg.ServiceName).Info("Server stopped")
	return nil
}
