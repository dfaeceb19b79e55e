// Package httpapi is the caller-facing HTTP surface: wallet and package
// queries, purchase initiation, provider webhooks, and audit sessions with
// a server-sent-events report stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quorumsec/audita/internal/audit"
	"github.com/quorumsec/audita/internal/catalog"
	"github.com/quorumsec/audita/internal/observability"
	"github.com/quorumsec/audita/internal/purchase"
	"github.com/quorumsec/audita/internal/relay"
	"github.com/quorumsec/audita/pkg/ledger"
)

// Config wires a Server.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	SigningKey     []byte
	Credits        *ledger.Service
	Packages       *catalog.Catalog
	Purchases      *purchase.Orchestrator
	Audits         *audit.Manager
	Streams        *relay.Relay
	Metrics        *observability.Metrics
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
}

// Server serves the HTTP API.
type Server struct {
	config Config
	logger *zap.Logger
	router *gin.Engine
}

// NewServer validates dependencies and builds the router.
func NewServer(config Config) (*Server, error) {
	if config.Credits == nil || config.Packages == nil || config.Purchases == nil ||
		config.Audits == nil || config.Streams == nil {
		return nil, fmt.Errorf("httpapi: missing dependency")
	}
	if len(config.SigningKey) == 0 {
		return nil, fmt.Errorf("httpapi: signing key is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{config: config, logger: logger}
	server.router = server.setupRouter()
	return server, nil
}

// Router exposes the gin engine, for tests.
func (server *Server) Router() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.config.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(server.config.Gatherer, promhttp.HandlerOpts{})))
	}

	// Provider callbacks authenticate with signatures, not bearer tokens.
	router.POST("/api/webhooks/:provider", server.handleWebhook)

	api := router.Group("/api")
	api.Use(server.requireAuth())

	api.GET("/wallet", server.handleWallet)
	api.GET("/packages", server.handlePackages)
	api.POST("/purchases", server.handlePurchaseInitiate)
	api.POST("/purchases/:id/cancel", server.handlePurchaseCancel)
	api.POST("/audits", server.handleAuditCreate)
	api.GET("/audits/:id", server.handleAuditGet)
	api.GET("/audits/:id/stream", server.handleAuditStream)
	api.POST("/audits/:id/cancel", server.handleAuditCancel)

	return router
}
