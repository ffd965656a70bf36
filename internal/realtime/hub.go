package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks belong to the excluded auth layer
		return true
	},
}

// Telemetry counts messages dropped on slow observers.
type Telemetry interface {
	RecordObserverDrop()
}

// Hub fans dashboard deltas out to connected observers. Each observer has
// its own bounded queue with drop-oldest overflow and its own writer
// goroutine, so a slow or disconnected observer never blocks delivery to
// the others.
type Hub struct {
	logger    *slog.Logger
	queueSize int
	telemetry Telemetry

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Client is one connected observer. For websocket observers conn is set;
// in-process observers read from Send directly.
type Client struct {
	ID   string
	Send chan []byte

	hub  *Hub
	conn *websocket.Conn
}

// NewHub creates an observer hub with the given per-observer queue size.
func NewHub(logger *slog.Logger, queueSize int, telemetry Telemetry) *Hub {
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	return &Hub{
		logger:     logger,
		queueSize:  queueSize,
		telemetry:  telemetry,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Start launches the hub loop.
func (h *Hub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.run(ctx)
	})
}

// Stop closes all observer queues and stops the hub loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
}

// BroadcastJSON serializes v and queues it to every connected observer.
func (h *Hub) BroadcastJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal broadcast payload", "error", err)
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// Subscribe registers an in-process observer and returns its delta stream
// plus an unsubscribe function. The stream is closed on unsubscribe or hub
// shutdown.
func (h *Hub) Subscribe() (*Client, func()) {
	client := &Client{
		ID:   uuid.New().String(),
		Send: make(chan []byte, h.queueSize),
		hub:  h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
		return client, func() {}
	}
	return client, func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket observer connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Send: make(chan []byte, h.queueSize),
		hub:  h,
		conn: conn,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	h.logger.Info("dashboard observer connected", "client_id", client.ID)
}

func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()

	clients := make(map[*Client]bool)
	closeAll := func() {
		for client := range clients {
			close(client.Send)
		}
	}

	for {
		select {
		case <-h.done:
			closeAll()
			return
		case <-ctx.Done():
			closeAll()
			return
		case client := <-h.register:
			clients[client] = true
		case client := <-h.unregister:
			if clients[client] {
				delete(clients, client)
				close(client.Send)
			}
		case payload := <-h.broadcast:
			for client := range clients {
				select {
				case client.Send <- payload:
				default:
					// Queue full: drop the oldest message to keep the
					// stream moving for this observer
					select {
					case <-client.Send:
						h.telemetry.RecordObserverDrop()
					default:
					}
					select {
					case client.Send <- payload:
					default:
						h.telemetry.RecordObserverDrop()
					}
				}
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

type noopTelemetry struct{}

func (noopTelemetry) RecordObserverDrop() {}
