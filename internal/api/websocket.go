package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is a websocket push frame.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans state updates out to websocket subscribers. Slow clients are
// dropped rather than allowed to block the broadcast.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	broadcast chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:   make(map[string]*wsClient),
		broadcast: make(chan []byte, 64),
		done:      make(chan struct{}),
	}
}

// Run pumps broadcast frames to every client until Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case frame := <-h.broadcast:
			h.mu.RLock()
			for id, c := range h.clients {
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("dropping slow websocket client", zap.String("client", id))
					go h.remove(id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues an event for every connected client. Frames are shed
// when the queue is full.
func (h *Hub) Broadcast(event string, payload interface{}) {
	frame, err := json.Marshal(Event{
		Type:      event,
		Payload:   payload,
		Timestamp: time.Now().UTC().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("encoding websocket event failed", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- frame:
	default:
	}
}

// HandleUpgrade turns an HTTP request into a websocket subscription.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 32),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.remove(c.id)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c.id)
				return
			}
		}
	}
}

// readPump discards inbound frames; the socket is push-only. It exists to
// notice disconnects.
func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c.id)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Close drops every client and stops the pump.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, c := range h.clients {
			c.conn.Close()
			delete(h.clients, id)
		}
		h.mu.Unlock()
	})
}
