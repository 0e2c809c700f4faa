// Package service — WebSocket hub for real-time price broadcasting.
package service

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openpredict/lmsr-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type     string   `json:"type"`
	MarketID string   `json:"market_id"`
	State    string   `json:"state,omitempty"`
	Prices   []string `json:"prices,omitempty"` // one entry per option, in order
	Side     string   `json:"side,omitempty"`
	Option   int      `json:"option,omitempty"`
	Quantity string   `json:"quantity,omitempty"`
}

// wsClient is one connection plus its market filter. An empty market
// subscribes to the firehose.
type wsClient struct {
	conn   *websocket.Conn
	market string
}

type wsEvent struct {
	marketID string
	data     []byte
}

// WSHub fans price and lifecycle updates out to WebSocket clients.
// Clients subscribe to a single market via ?market=<id> or to every
// market by omitting it.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan wsEvent
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			metrics.WSClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			slog.Info("ws client connected", "market", c.market, "total", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			metrics.WSClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.market != "" && c.market != ev.marketID {
					continue
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, ev.data); err != nil {
					c.conn.Close()
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues a message for every client subscribed to its market.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEvent{marketID: msg.MarketID, data: data}:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
// An optional ?market=<id> narrows the feed to one market.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, market: r.URL.Query().Get("market")}
	h.register <- c

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- c }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[c]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
