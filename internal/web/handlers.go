package web

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vzahanych/defect-overlay/internal/overlay"
)

const redacted = "***"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Viewers on the local network are trusted
	CheckOrigin: func(r *http.Request) bool { return true },
}

// surfaceRequest is the body of PUT /api/overlay/surface
type surfaceRequest struct {
	Width  int `json:"width" binding:"required"`
	Height int `json:"height" binding:"required"`
}

// handleHealth handles GET /api/health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"version":   s.version,
	})
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"version":   s.version,
		"uptime":    int64(time.Since(s.startTime).Seconds()),
		"timestamp": time.Now().Unix(),
		"pipeline":  s.overlay.Stats(),
		"viewers":   s.hub.ClientCount(),
	}

	if s.source != nil {
		status["source"] = s.source.SourceStats()
	}
	if s.svcManager != nil {
		status["services"] = s.svcManager.Snapshots()
	}

	c.JSON(http.StatusOK, status)
}

// handleGetConfig handles GET /api/config. The inference API key is masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	if s.configSvc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Configuration service not available"})
		return
	}

	cfg := *s.configSvc.Get()
	if cfg.Inference.APIKey != "" {
		cfg.Inference.APIKey = redacted
	}
	c.JSON(http.StatusOK, cfg)
}

// handleGetOverlay handles GET /api/overlay. Optional width and height
// query parameters map the result onto a caller surface.
func (s *Server) handleGetOverlay(c *gin.Context) {
	w, h, ok := surfaceQuery(c)
	if !ok {
		return
	}

	if w == 0 && h == 0 {
		c.JSON(http.StatusOK, s.overlay.Latest())
		return
	}

	snap, err := s.overlay.MapFor(w, h)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleOverlayPNG handles GET /api/overlay.png
func (s *Server) handleOverlayPNG(c *gin.Context) {
	w, h, ok := surfaceQuery(c)
	if !ok {
		return
	}

	snap := s.overlay.Latest()
	if w != 0 || h != 0 {
		var err error
		if snap, err = s.overlay.MapFor(w, h); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var palette *overlay.Palette
	if m := s.overlay.Mapper(); m != nil {
		palette = m.Palette()
	}

	var buf bytes.Buffer
	if err := overlay.RenderPNG(&buf, snap.SurfaceWidth, snap.SurfaceHeight, snap.Rects, palette); err != nil {
		s.LogError("Failed to render overlay", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render overlay"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// handleGetSurface handles GET /api/overlay/surface
func (s *Server) handleGetSurface(c *gin.Context) {
	w, h := s.overlay.Surface()
	c.JSON(http.StatusOK, gin.H{"width": w, "height": h})
}

// handleSetSurface handles PUT /api/overlay/surface
func (s *Server) handleSetSurface(c *gin.Context) {
	var req surfaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := s.overlay.SetSurface(req.Width, req.Height); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.LogInfo("Render surface resized", "width", req.Width, "height", req.Height)
	s.hub.Broadcast()
	c.JSON(http.StatusOK, gin.H{"width": req.Width, "height": req.Height})
}

// handleOverlayStream handles GET /api/overlay/stream (websocket)
func (s *Server) handleOverlayStream(c *gin.Context) {
	w, h, ok := surfaceQuery(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.LogWarn("Websocket upgrade failed", "error", err)
		return
	}

	client := s.hub.Register(conn, w, h)
	defer s.hub.Unregister(client)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Viewers send nothing; reading keeps control frames flowing until close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// surfaceQuery parses optional width/height query parameters. Both must be
// given together. It writes a 400 response and returns false when invalid.
func surfaceQuery(c *gin.Context) (int, int, bool) {
	ws, hs := c.Query("width"), c.Query("height")
	if ws == "" && hs == "" {
		return 0, 0, true
	}

	w, errW := strconv.Atoi(ws)
	h, errH := strconv.Atoi(hs)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "width and height must be positive integers"})
		return 0, 0, false
	}
	return w, h, true
}
