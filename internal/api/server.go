// Package api exposes the process endpoints: health, metrics, strategy
// reload and graceful shutdown.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Engine is the surface the HTTP server needs from the root engine.
type Engine interface {
	Healthy(ctx context.Context) (wsConnected, storeReachable bool)
	MetricsSnapshot() map[string]interface{}
	ReloadStrategies(ctx context.Context) error
	RequestShutdown()
}

// Server is the gin HTTP server on the health port.
type Server struct {
	engine Engine
	router *gin.Engine
	http   *http.Server
}

// NewServer builds the router.
func NewServer(engine Engine, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{
		engine: engine,
		router: router,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		},
	}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)
	router.POST("/reload-strategies", s.handleReloadStrategies)
	router.POST("/shutdown", s.handleShutdown)

	return s
}

// Start begins serving; ErrServerClosed after Shutdown is not an error.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealth returns 200 when the stream is connected and the store is
// reachable, 503 otherwise.
func (s *Server) handleHealth(c *gin.Context) {
	wsConnected, storeReachable := s.engine.Healthy(c.Request.Context())

	status := http.StatusOK
	if !wsConnected || !storeReachable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":          statusWord(status == http.StatusOK),
		"ws_connected":    wsConnected,
		"store_reachable": storeReachable,
		"timestamp":       time.Now().UTC(),
	})
}

func statusWord(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

// handleMetrics returns the engine counters.
func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.MetricsSnapshot())
}

// handleReloadStrategies refetches enabled strategies from the store.
func (s *Server) handleReloadStrategies(c *gin.Context) {
	if err := s.engine.ReloadStrategies(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

// handleShutdown triggers graceful shutdown and returns immediately.
func (s *Server) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "shutting down"})
	go s.engine.RequestShutdown()
}
