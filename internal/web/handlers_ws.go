package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"qtpy-flash/internal/flash"

	"nhooyr.io/websocket"
)

const (
	hubBacklog    = 256
	clientBacklog = 64
)

// WSHub fans flash bus events out to WebSocket clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan flash.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	// serial limits delivery to one board. Empty means every board.
	serial string
}

// wants reports whether an event for the given board serial goes to c.
// Events that name no board reach everyone.
func (c *wsClient) wants(serial string) bool {
	return c.serial == "" || serial == "" || c.serial == serial
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan flash.Event, hubBacklog),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It owns client registration and delivery.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "serial", client.serial, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *WSHub) deliver(event flash.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("ws marshal", "type", event.Type, "err", err)
		return
	}
	serial := eventSerial(event)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(serial) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// A client that cannot keep up would stall every other observer.
			delete(h.clients, client)
			close(client.send)
			h.logger.Warn("ws client evicted (too slow)", "serial", client.serial)
		}
	}
}

// eventSerial returns the board serial an event is about, if any.
func eventSerial(event flash.Event) string {
	switch d := event.Data.(type) {
	case flash.Progress:
		return d.Serial
	case flash.SessionInfo:
		return d.Serial
	}
	return ""
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues a bus event for delivery. It never blocks the bus: when
// the backlog is full the event is dropped.
func (h *WSHub) Broadcast(event flash.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("ws broadcast backlog full, dropping event", "type", event.Type)
	}
}

// handleWS upgrades the request. ?serial=SN narrows the stream to one board.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, clientBacklog),
		serial: r.URL.Query().Get("serial"),
	}
	if hello, err := json.Marshal(s.helloMessage()); err == nil {
		client.send <- hello
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		// Clients only listen; reads just detect the close.
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}

// helloMessage is the first frame a client receives.
func (s *Server) helloMessage() map[string]interface{} {
	return map[string]interface{}{
		"type": "hello",
		"data": map[string]interface{}{
			"version": s.version,
			"devices": s.deviceViews(),
		},
	}
}
