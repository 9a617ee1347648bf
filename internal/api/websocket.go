package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/tokenring/internal/ring"
	"github.com/zde37/tokenring/pkg"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Size of the send buffer per client
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var _ ring.EventBroadcaster = (*WebSocketHub)(nil)

// client represents a connected WebSocket client.
type client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHub streams ring events to connected WebSocket clients.
type WebSocketHub struct {
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	shutdown  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu     sync.RWMutex
	logger *pkg.Logger
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub(logger *pkg.Logger) *WebSocketHub {
	if logger == nil {
		logger = pkg.Nop()
	}
	return &WebSocketHub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		logger:     logger.WithFields(pkg.Fields{"component": "ws_hub"}),
	}
}

// Start runs the hub loop in the background.
func (h *WebSocketHub) Start() {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.run()
	})
}

func (h *WebSocketHub) run() {
	defer h.wg.Done()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", total).Msg("Client connected")

		case c := <-h.unregister:
			h.remove(c)

		case message := <-h.broadcast:
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range slow {
				h.logger.Warn().Msg("Client send buffer full, disconnecting slow client")
				h.remove(c)
			}

		case <-h.shutdown:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.logger.Info().Msg("WebSocket hub stopped")
			return
		}
	}
}

// remove drops c and closes its send channel, once.
func (h *WebSocketHub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Info().Int("total_clients", total).Msg("Client disconnected")
	}
}

// Stop shuts the hub down and closes every client. Safe to call more than once.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.shutdown)
	})
	h.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump drains the connection so control frames are processed, and
// unregisters the client once the peer goes away.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Msg("WebSocket unexpected close")
			}
			return
		}
	}
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket upgrades the request and subscribes the client to events.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- c:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// BroadcastEvent queues event for every connected client. Events are
// dropped when the broadcast buffer is full.
func (h *WebSocketHub) BroadcastEvent(event ring.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	select {
	case h.broadcast <- data:
		return nil
	default:
		return fmt.Errorf("broadcast buffer full, dropped %s event", event.Type)
	}
}
