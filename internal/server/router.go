package server

import (
	"net/http"

	"github.com/artemis/dockhostd/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the debug HTTP surface: health, metrics, and a live migration
// progress stream. The primary control plane is internal/mcpserver; this
// package exists for operators watching a single daemon out-of-band.
type Server struct {
	addr   string
	logger *observability.Logger
	health *observability.HealthChecker
	hub    *Hub
	router *gin.Engine
}

// NewServer builds the debug HTTP server and its routes. addr is the
// listen address (e.g. ":8090"); debugMode enables gin's verbose logging.
func NewServer(addr string, debugMode bool, logger *observability.Logger, healthChecker *observability.HealthChecker) *Server {
	if debugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		addr:   addr,
		logger: logger,
		health: healthChecker,
		hub:    NewHub(logger),
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())

	r.GET("/health", s.health.HealthHandler())
	r.GET("/ready", s.health.ReadyHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Live migration/cleanup progress, pushed by the engines via Broadcast;
	// there is no REST surface here, that belongs to docker_stacks/docker_hosts
	// over MCP.
	r.GET("/ws/events", s.HandleWebSocket)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found, use the MCP surface for control operations"})
	})

	s.router = r
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			c.Next()
			return
		}

		c.Next()

		s.logger.InfoRedacted("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("starting debug HTTP server", zap.String("addr", s.addr))
	return s.router.Run(s.addr)
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping debug HTTP server")
	s.hub.Stop()
	return nil
}

// BroadcastEvent pushes a typed event (migration/cleanup progress) to every
// connected /ws/events client. The migrate and cleanup engines hold a
// reference to this as an observability.ProgressSink.
func (s *Server) BroadcastEvent(eventType string, data interface{}) {
	s.hub.BroadcastEvent(eventType, data)
}
