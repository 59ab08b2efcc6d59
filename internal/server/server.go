// Package server wires the facilitator's HTTP surface: routing, JSON
// encoding, CORS, structured logging, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/x402rail/facilitator/facilitator"
	"github.com/x402rail/facilitator/facilitator/discovery"
	"github.com/x402rail/facilitator/internal/config"
	"github.com/x402rail/facilitator/internal/health"
	"github.com/x402rail/facilitator/internal/metrics"
	"github.com/x402rail/facilitator/mechanisms/evm"
)

// Version is the service version, set at build time via -ldflags.
var Version = "dev"

// Server is the facilitator's HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	registry *facilitator.Registry
	catalog  *discovery.Catalog
	fabric   *evm.ChainFabric

	cfg     *config.Config
	metrics *metrics.Metrics
	health  *health.Checker
	logger  *slog.Logger
}

// New builds a Server around an already-populated registry, discovery
// catalog, and chain fabric.
func New(registry *facilitator.Registry, catalog *discovery.Catalog, fabric *evm.ChainFabric, cfg *config.Config, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:   gin.New(),
		registry: registry,
		catalog:  catalog,
		fabric:   fabric,
		cfg:      cfg,
		metrics:  metrics.New(),
		health:   health.NewChecker(),
		logger:   logger,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(RequestIDMiddleware())
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(CORSMiddleware())
	s.router.Use(s.metrics.Middleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthcheck", s.health.Handler())
	s.router.GET("/supported", s.handleSupported)
	s.router.GET("/health", s.handleSupported)
	s.router.GET("/metrics", s.metrics.Handler())

	s.router.GET("/discovery/resources", s.handleDiscoveryList)

	s.router.GET("/verify", s.handleVerifySchema)
	s.router.GET("/settle", s.handleSettleSchema)
	s.router.POST("/verify", s.handleVerify)
	s.router.POST("/settle", s.handleSettle)

	s.router.GET("/info", s.handleInfo)
}

// Handler exposes the configured router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts down cleanly.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("server_starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server_failed", "err", err.Error())
			os.Exit(1)
		}
	}()

	s.waitForShutdown()
}

func (s *Server) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.logger.Info("server_stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server_shutdown_failed", "err", err.Error())
		os.Exit(1)
	}
	s.logger.Info("server_stopped")
}
