package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botmart/botmart-settlement-service/internal/config"
	"github.com/botmart/botmart-settlement-service/internal/webhook"
)

// Server wires the HTTP surface: the gateway webhook, the storefront API and
// the operational endpoints.
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
}

func New(cfg *config.Config, handlers *Handlers, webhookHandler *webhook.Handler) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config: cfg,
		router: router,
	}
	s.setupRoutes(handlers, webhookHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes(handlers *Handlers, webhookHandler *webhook.Handler) {
	s.router.GET("/health", handlers.Health)
	s.router.GET("/ready", handlers.Ready)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/webhooks/gateway", webhookHandler.HandleGatewayCallback)
		v1.POST("/invoices", handlers.CreateInvoice)
		v1.POST("/deposits", handlers.CreateDeposit)
		v1.GET("/stock/:product_id", handlers.GetStock)

		admin := v1.Group("/admin")
		{
			admin.POST("/reconcile/:gateway_order_id", handlers.Reconcile)
			admin.POST("/recompute-stock", handlers.RecomputeStock)
			admin.GET("/integrity", handlers.IntegrityCheck)
		}
	}
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
