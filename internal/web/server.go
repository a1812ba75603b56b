package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/defect-overlay/internal/config"
	"github.com/vzahanych/defect-overlay/internal/logger"
	"github.com/vzahanych/defect-overlay/internal/overlay"
	"github.com/vzahanych/defect-overlay/internal/pipeline"
	"github.com/vzahanych/defect-overlay/internal/service"
	"github.com/vzahanych/defect-overlay/internal/video"
)

// OverlayProvider is the published overlay as seen by the render surface
type OverlayProvider interface {
	Latest() pipeline.Snapshot
	MapFor(surfaceW, surfaceH int) (pipeline.Snapshot, error)
	SetSurface(width, height int) error
	Surface() (int, int)
	Mapper() *overlay.Mapper
	Stats() pipeline.Stats
}

// SourceStatser exposes frame source statistics
type SourceStatser interface {
	SourceStats() video.SourceStats
}

// Server is the render-surface HTTP boundary
type Server struct {
	*service.ServiceBase
	config     *config.WebConfig
	logger     *logger.Logger
	httpServer *http.Server
	router     *gin.Engine
	overlay    OverlayProvider
	hub        *Hub
	source     SourceStatser    // Optional frame source statistics
	svcManager *service.Manager // Optional service statuses
	configSvc  *config.Service  // Optional configuration API
	version    string           // Application version
	startTime  time.Time        // Server start time for uptime calculation
	addr       string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, provider OverlayProvider, log *logger.Logger) *Server {
	// Debug mode can be enabled via GIN_MODE environment variable
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		logger:      log,
		router:      router,
		overlay:     provider,
		hub:         NewHub(provider, log),
		version:     "dev",
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetDependencies sets optional status and configuration dependencies
func (s *Server) SetDependencies(source SourceStatser, svcManager *service.Manager, configSvc *config.Service) {
	s.source = source
	s.svcManager = svcManager
	s.configSvc = configSvc
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	return s.addr
}

// Start starts the web server and the overlay push loop
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	// WriteTimeout is disabled; websocket streams manage their own deadlines
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if bus := s.GetEventBus(); bus != nil {
		ch := bus.Subscribe(service.EventTypeOverlayPublished)
		s.wg.Add(1)
		go s.forwardOverlayEvents(runCtx, bus, ch)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", s.addr)
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Web server started", "address", s.addr)
	return nil
}

// forwardOverlayEvents pushes every published overlay to websocket viewers
func (s *Server) forwardOverlayEvents(ctx context.Context, bus *service.EventBus, ch <-chan service.Event) {
	defer s.wg.Done()
	defer bus.Unsubscribe(service.EventTypeOverlayPublished, ch)

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			s.hub.Broadcast()
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.hub.Close()

	err := s.httpServer.Shutdown(ctx)
	s.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/config", s.handleGetConfig)

		ov := api.Group("/overlay")
		{
			ov.GET("", s.handleGetOverlay)
			ov.GET(".png", s.handleOverlayPNG)
			ov.GET("/stream", s.handleOverlayStream)
			ov.GET("/surface", s.handleGetSurface)
			ov.PUT("/surface", s.handleSetSurface)
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		// Process request
		c.Next()

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
