package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/inkrunner/pkg/types"
)

const (
	eventBuffer    = 256
	statusInterval = time.Second
	writeTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // same-origin or direct
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// Message is one frame on the live stream.
type Message struct {
	Type   string            `json:"type"` // "event" or "status"
	Event  *types.Event      `json:"event,omitempty"`
	Status *types.RunSummary `json:"status,omitempty"`
}

// StatusSource provides the run summary pushed while a run is active.
type StatusSource interface {
	Status() types.RunSummary
}

// EventHub fans action events and periodic status snapshots out to
// WebSocket clients.
type EventHub struct {
	status StatusSource
	logger *slog.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	writeMu   sync.Mutex

	events chan types.Event
	done   chan struct{}
	once   sync.Once
}

// NewEventHub creates a new hub. status may be nil.
func NewEventHub(status StatusSource, logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		status:  status,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan types.Event, eventBuffer),
		done:    make(chan struct{}),
	}
}

// WithStatus sets the run summary source. Call it before Start.
func (h *EventHub) WithStatus(status StatusSource) *EventHub {
	h.status = status
	return h
}

// Publish queues an event. It never blocks; events are dropped when the
// buffer is full so a slow client cannot stall account tasks.
func (h *EventHub) Publish(ev types.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Debug("Event stream buffer full, dropping event", slog.String("run", ev.RunID))
	}
}

// Handler returns the WebSocket HTTP handler.
func (h *EventHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		h.clientsMu.Lock()
		h.clients[conn] = true
		total := len(h.clients)
		h.clientsMu.Unlock()
		h.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, conn)
			total := len(h.clients)
			h.clientsMu.Unlock()
			conn.Close()
			h.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		// Read until the client goes away (pings, close frames).
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the broadcast goroutine.
func (h *EventHub) Start() {
	go h.broadcastLoop()
}

// Stop stops broadcasting and closes every client.
func (h *EventHub) Stop() {
	h.once.Do(func() {
		close(h.done)

		h.clientsMu.Lock()
		for conn := range h.clients {
			conn.Close()
		}
		h.clients = make(map[*websocket.Conn]bool)
		h.clientsMu.Unlock()
	})
}

// broadcastLoop forwards events as they arrive and pushes the run
// summary every second while a run is active.
func (h *EventHub) broadcastLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case ev := <-h.events:
			h.broadcast(Message{Type: "event", Event: &ev})
		case <-ticker.C:
			if h.status == nil {
				continue
			}
			summary := h.status.Status()
			if summary.Status == types.RunStatusRunning {
				h.broadcast(Message{Type: "status", Status: &summary})
			}
		}
	}
}

func (h *EventHub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal stream message", slog.String("error", err.Error()))
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	// gorilla connections allow one concurrent writer.
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read loop removes the client.
			h.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
