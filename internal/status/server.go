package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"autoanalysis/internal/heartbeat"
	"autoanalysis/internal/logging"
	"autoanalysis/internal/report"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const gracefulShutdownTimeout = 15 * time.Second

// Server is the read-only status API. It never influences reconciliation.
type Server struct {
	role    string
	secret  string
	hub     *Hub
	router  *gin.Engine
	alive   *heartbeat.Window
	started time.Time

	last atomic.Pointer[report.Tick]
}

// NewServer builds the router. An empty secret disables authentication.
func NewServer(role, secret string, alive *heartbeat.Window) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		role:    role,
		secret:  secret,
		hub:     NewHub(),
		router:  gin.New(),
		alive:   alive,
		started: time.Now(),
	}

	s.router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Output: logging.Writer(zerolog.DebugLevel),
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("[GIN] %s %s %d %s %s %s",
				param.ClientIP,
				param.Method,
				param.StatusCode,
				param.Latency,
				param.Path,
				param.ErrorMessage,
			)
		},
	}))
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.GET("/health", s.health)

	protected := api.Group("")
	protected.Use(AuthMiddleware(s.secret))
	{
		protected.GET("/status", s.status)
		protected.GET("/alive", s.aliveWindow)
	}

	s.router.GET("/ws", AuthMiddleware(s.secret), HandleWebSocket(s.hub, s.initialEvent))
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the watcher hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Publish stores rep as the latest tick and pushes it to watchers.
func (s *Server) Publish(rep *report.Tick) {
	if rep == nil {
		return
	}
	s.last.Store(rep)
	s.hub.Broadcast("tick", rep)
}

// Start serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Status API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status API failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("status API shutdown failed")
		return err
	}
	log.Info().Msg("Status API stopped")
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"role":     s.role,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"watchers": s.hub.ClientCount(),
	})
}

func (s *Server) status(c *gin.Context) {
	rep := s.last.Load()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no tick has completed yet"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) aliveWindow(c *gin.Context) {
	if s.alive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "alive window not tracked"})
		return
	}
	snap := s.alive.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"processed": snap.Processed,
		"elapsed":   snap.Elapsed.String(),
	})
}

func (s *Server) initialEvent() *Event {
	rep := s.last.Load()
	if rep == nil {
		return nil
	}
	return &Event{Type: "tick", Data: rep}
}
