// Package notify pushes change events and health alerts to connected
// websocket clients.
package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/kickradar/kickradar/internal/health"
	"github.com/kickradar/kickradar/internal/observability"
	"github.com/kickradar/kickradar/internal/schema"
)

const writeTimeout = 5 * time.Second

// Message is the wire envelope pushed to clients.
type Message struct {
	Type  string              `json:"type"`
	Event *schema.ChangeEvent `json:"event,omitempty"`
	Alert *health.Alert       `json:"alert,omitempty"`
}

// Hub fans messages out to every connected client. Slow or broken clients
// are dropped rather than allowed to stall the broadcast.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{})}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		observability.Log().Error("websocket accept failed", observability.Any("error", err))
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.drop(conn)
		_ = conn.CloseNow()
	}()

	// Reads are drained only to observe closure; clients never send.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// Name identifies the hub as a change-event subscriber.
func (h *Hub) Name() string {
	return "websocket-hub"
}

// Deliver broadcasts a change event to all clients.
func (h *Hub) Deliver(ctx context.Context, event schema.ChangeEvent) error {
	return h.broadcast(ctx, Message{Type: "change", Event: &event})
}

// DeliverAlert broadcasts a health alert to all clients.
func (h *Hub) DeliverAlert(ctx context.Context, alert health.Alert) error {
	return h.broadcast(ctx, Message{Type: "alert", Alert: &alert})
}

// Clients reports the number of active connections.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

func (h *Hub) broadcast(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			observability.Log().Debug("dropping stalled websocket client",
				observability.Any("error", err))
			h.drop(conn)
			_ = conn.CloseNow()
		}
	}
	return nil
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}
