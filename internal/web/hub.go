package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vzahanych/defect-overlay/internal/logger"
	"github.com/vzahanych/defect-overlay/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 4
)

// hubClient is one websocket viewer. A zero surface means the coordinator's own surface.
type hubClient struct {
	conn          *websocket.Conn
	send          chan []byte
	surfaceWidth  int
	surfaceHeight int
}

// Hub pushes overlay snapshots to connected websocket viewers
type Hub struct {
	clients map[*hubClient]bool
	mutex   sync.RWMutex
	overlay OverlayProvider
	logger  *logger.Logger
}

// NewHub creates a hub reading snapshots from provider
func NewHub(provider OverlayProvider, log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*hubClient]bool),
		overlay: provider,
		logger:  log,
	}
}

// Register adds a viewer and starts its writer
func (h *Hub) Register(conn *websocket.Conn, surfaceWidth, surfaceHeight int) *hubClient {
	client := &hubClient{
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		surfaceWidth:  surfaceWidth,
		surfaceHeight: surfaceHeight,
	}

	// The current overlay goes out first
	if msg, err := h.message(client); err == nil {
		client.send <- msg
	}

	h.mutex.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mutex.Unlock()

	go h.writePump(client)
	h.logger.Info("Overlay viewer connected", "clients", count)
	return client
}

// Unregister removes a viewer and closes its connection
func (h *Hub) Unregister(client *hubClient) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mutex.Unlock()

	h.logger.Info("Overlay viewer disconnected", "clients", count)
}

// Broadcast sends the latest overlay to every viewer. Viewers whose buffer
// is full skip this update.
func (h *Hub) Broadcast() {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.clients {
		msg, err := h.message(client)
		if err != nil {
			h.logger.Warn("Failed to build overlay message", "error", err)
			continue
		}
		select {
		case client.send <- msg:
		default:
			h.logger.Debug("Overlay viewer too slow, skipping update")
		}
	}
}

// ClientCount returns the number of connected viewers
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close disconnects every viewer
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) message(client *hubClient) ([]byte, error) {
	var snap pipeline.Snapshot
	if client.surfaceWidth > 0 && client.surfaceHeight > 0 {
		var err error
		if snap, err = h.overlay.MapFor(client.surfaceWidth, client.surfaceHeight); err != nil {
			return nil, err
		}
	} else {
		snap = h.overlay.Latest()
	}
	return json.Marshal(snap)
}

func (h *Hub) writePump(client *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("Error sending overlay message", "error", err)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
