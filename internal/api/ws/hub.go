// Package ws pushes person changes to admin dashboards over websocket.
//
// A client that connects with ?cursor= first receives every change logged
// after that cursor, then the live tail. Replay and live delivery can
// overlap, so clients dedupe on the event cursor.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/notify"
	"github.com/your-org/gatepass/internal/observability"
	"github.com/your-org/gatepass/pkg/dto"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // API key already checked
	},
}

// ChangeFeed replays the change log.
type ChangeFeed interface {
	Since(ctx context.Context, cursor notify.Cursor, limit int) ([]models.ChangeEvent, notify.Cursor, error)
}

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains active WebSocket clients and broadcasts changes.
type Hub struct {
	feed       ChangeFeed
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
}

func NewHub(feed ChangeFeed) *Hub {
	return &Hub{
		feed:       feed,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop until ctx is done. Call this in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				observability.WSConnections.Dec()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected")

		case client := <-h.unregister:
			h.remove(client)
			slog.Debug("ws client disconnected")

		case message := <-h.broadcast:
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Client buffer full: disconnect, it can resume from its cursor.
			for _, client := range slow {
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		observability.WSConnections.Dec()
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastChange sends a change to all connected clients. It never blocks:
// when the hub is backed up the change is dropped from the live tail and
// stays available through replay.
func (h *Hub) BroadcastChange(ev *models.ChangeEvent) {
	data, err := json.Marshal(dto.NewChangeEvent(*ev, notify.CursorOf(*ev).String()))
	if err != nil {
		slog.Error("marshal ws event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("ws broadcast buffer full, change dropped", "person_id", ev.PersonID, "kind", ev.Kind)
	}
}

// HandleWS handles WebSocket upgrade requests.
func (h *Hub) HandleWS(c *gin.Context) {
	raw, replay := c.GetQuery("cursor")
	cursor, err := notify.ParseCursor(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Register before replaying so nothing logged during the replay is
	// missed; live messages wait in client.send until the write pump starts.
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	if replay {
		if err := client.replay(c.Request.Context(), h.feed, cursor); err != nil {
			slog.Warn("ws replay failed", "error", err)
			conn.Close()
		}
	}

	go client.writePump()
	go client.readPump(h)
}

// replay writes the backlog directly; the write pump is not running yet so
// this goroutine is the only writer.
func (c *Client) replay(ctx context.Context, feed ChangeFeed, cursor notify.Cursor) error {
	for {
		events, next, err := feed.Since(ctx, cursor, notify.MaxLimit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			msg := dto.NewChangeEvent(ev, notify.CursorOf(ev).String())
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return err
			}
		}
		if len(events) < notify.MaxLimit {
			return nil
		}
		cursor = next
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		// Incoming messages are ignored; reading detects disconnection.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
