// internal/web/server.go
package web

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"maremma/internal/config"
	"maremma/internal/database"
	"maremma/internal/metrics"
)

// CheckScheduler is what the web layer needs from the scheduler: the
// expedite path.
type CheckScheduler interface {
	Expedite(ctx context.Context, checkID uuid.UUID) error
}

// Server exposes the read views, the expedite/delete mutations, metrics and
// the live status feed.
type Server struct {
	config    *config.Config
	store     *database.Store
	scheduler CheckScheduler
	metrics   *metrics.Collector
	router    *gin.Engine
	server    *http.Server

	wsClients map[*WSClient]bool
	wsMu      sync.Mutex
}

// NewServer wires the routes.
func NewServer(cfg *config.Config, store *database.Store, scheduler CheckScheduler, collector *metrics.Collector) *Server {
	if logrus.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	server := &Server{
		config:    cfg,
		store:     store,
		scheduler: scheduler,
		metrics:   collector,
		router:    router,
		wsClients: make(map[*WSClient]bool),
	}

	server.setupRoutes()
	return server
}

// Start runs the listener until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.ListenAddr(),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	useTLS := fileExists(s.config.CertFile) && fileExists(s.config.CertKey)
	logrus.WithFields(logrus.Fields{
		"addr": s.config.ListenAddr(),
		"tls":  useTLS,
	}).Info("Starting web server")

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.CertKey)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthcheck", s.healthCheck)

	s.router.GET("/services", s.getServiceChecks)
	s.router.GET("/hosts", s.getHosts)
	s.router.GET("/host/:id", s.getHost)
	s.router.GET("/service/:id", s.getService)
	s.router.GET("/servicecheck/:id", s.getServiceCheck)

	authed := s.router.Group("/", s.requireSession())
	authed.POST("/servicecheck/:id/urgent", s.expediteServiceCheck)
	authed.POST("/servicecheck/:id/delete", s.deleteServiceCheck)

	s.router.GET("/ws", s.handleWebSocket)

	s.router.GET("/metrics", func(c *gin.Context) {
		s.metrics.Refresh(c.Request.Context())
		promhttp.Handler().ServeHTTP(c.Writer, c.Request)
	})

	if s.config.StaticPath != "" {
		s.router.Static("/static", s.config.StaticPath)
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
