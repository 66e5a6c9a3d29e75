// Package httpapi exposes the planner's operator surface over HTTP:
// liveness, live status, cue injection for drills, and the task archive.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spotter/internal/history"
	"spotter/internal/search"
)

// Config holds the HTTP listener settings.
type Config struct {
	Addr string
}

// Planner is the slice of the scheduler the API needs.
type Planner interface {
	Submit(cue search.Cue) error
	Status() search.Snapshot
}

// Archive is the slice of the history store the API needs. A nil Archive
// means persistence is disabled; the history routes answer 503.
type Archive interface {
	Recent(ctx context.Context, limit int) ([]history.TaskSummary, error)
	Tiles(ctx context.Context, taskID string) ([]history.TileRow, error)
}

// Server wraps the gin router and its HTTP listener.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	router  *gin.Engine
	planner Planner
	archive Archive
}

// New builds the router with all routes attached. The server does not
// listen until Run is called.
func New(cfg Config, planner Planner, archive Archive, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := gin.New()
	g.Use(gin.Logger(), gin.Recovery())

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		router:  g,
		planner: planner,
		archive: archive,
	}
	s.attachRoutes(g)
	return s
}

func (s *Server) attachRoutes(g *gin.Engine) {
	g.GET("/healthz", s.healthz)

	api := g.Group("/api/v1")
	api.GET("/status", s.status)
	api.POST("/simulate", s.simulate)
	api.GET("/history", s.history)
	api.GET("/history/:id/tiles", s.historyTiles)
}

// Run serves until ctx is cancelled, then drains in-flight requests with
// a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("http api listening", zap.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
