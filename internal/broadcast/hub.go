// Package broadcast pushes per-stream events to websocket subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

type client struct {
	key  string
	conn *websocket.Conn
	send chan []byte
}

type message struct {
	key     string
	payload []byte
}

// Hub fans out messages to the websocket clients subscribed to a stream key.
type Hub struct {
	clients    map[string]map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan message
	done       chan struct{}
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHub builds a hub. Run must be started for messages to flow.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan message, 64),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Named("broadcast_hub"),
	}
}

// Run processes registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for key, set := range h.clients {
				for c := range set {
					close(c.send)
				}
				delete(h.clients, key)
			}
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			set, ok := h.clients[c.key]
			if !ok {
				set = make(map[*client]struct{})
				h.clients[c.key] = set
			}
			set[c] = struct{}{}
			h.mutex.Unlock()
			h.logger.Info("subscriber connected", zap.String("stream_id", c.key), zap.Int("subscribers", len(set)))

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.mutex.RLock()
			var slow []*client
			for c := range h.clients[msg.key] {
				select {
				case c.send <- msg.payload:
				default:
					slow = append(slow, c)
				}
			}
			h.mutex.RUnlock()
			for _, c := range slow {
				h.logger.Warn("dropping slow subscriber", zap.String("stream_id", c.key))
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	set, ok := h.clients[c.key]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.key)
	}
	h.logger.Info("subscriber disconnected", zap.String("stream_id", c.key))
}

// Publish queues payload for the subscribers of key. It never blocks: when the
// queue is full the message is dropped.
func (h *Hub) Publish(key string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message{key: key, payload: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", zap.String("stream_id", key))
	}
}

// Subscribers returns the number of clients subscribed to key.
func (h *Hub) Subscribers(key string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients[key])
}

// ServeStream upgrades the request and subscribes the connection to key.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, key string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{key: key, conn: conn, send: make(chan []byte, sendBuffer)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump only watches for the peer going away; subscribers send nothing.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Warn("error sending event", zap.Error(err), zap.String("stream_id", c.key))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
