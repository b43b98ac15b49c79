// Package ws broadcasts market and run updates to WebSocket clients.
//
// A client may narrow its stream with query parameters on the upgrade
// request: ?market_id= for one market's price and status updates,
// ?workspace_id= for one workspace's run updates. With neither it receives
// everything.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/metrics"
)

// Message types.
const (
	TypePriceUpdate = "price_update"
	TypeRunUpdate   = "run_update"
	TypeMarketState = "market_status"
)

// Message is a JSON message sent to WebSocket clients. Market fields are set
// for price updates, run fields for run updates.
type Message struct {
	Type     string             `json:"type"`
	MarketID string             `json:"market_id,omitempty"`
	Outcome  string             `json:"outcome,omitempty"`
	Stake    string             `json:"stake,omitempty"`
	Prices   map[string]float64 `json:"prices,omitempty"`
	Status   string             `json:"status,omitempty"`

	RunID         string `json:"run_id,omitempty"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

const (
	readTimeout   = 60 * time.Second
	pingInterval  = 30 * time.Second
	writeTimeout  = 10 * time.Second
	broadcastSize = 256
)

// Filter selects which messages a client receives. The zero Filter matches
// every message.
type Filter struct {
	MarketID    string
	WorkspaceID string
}

// Matches reports whether msg passes the filter.
func (f Filter) Matches(msg Message) bool {
	if f.MarketID == "" && f.WorkspaceID == "" {
		return true
	}
	return (f.MarketID != "" && msg.MarketID == f.MarketID) ||
		(f.WorkspaceID != "" && msg.WorkspaceID == f.WorkspaceID)
}

type client struct {
	conn   *websocket.Conn
	filter Filter
}

type envelope struct {
	msg  Message
	data []byte
}

// Hub owns the set of connected clients. Only Run writes to connections.
type Hub struct {
	clients    map[*websocket.Conn]*client
	broadcast  chan envelope
	register   chan *client
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new hub. A nil logger uses slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan envelope, broadcastSize),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client connection; later upgrades are refused.
func (h *Hub) Run(ctx context.Context) error {
	defer h.stopOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "total", total, "market_id", c.filter.MarketID, "workspace_id", c.filter.WorkspaceID)

		case conn := <-h.unregister:
			h.drop(conn)

		case env := <-h.broadcast:
			h.fanOut(env)
		}
	}
}

func (h *Hub) fanOut(env envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, c := range h.clients {
		if !c.filter.Matches(env.msg) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, env.data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every matching client. It never blocks: when the
// buffer is full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	if h == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- envelope{msg: msg, data: data}:
	default:
		h.logger.Warn("ws broadcast buffer full, dropping message", "type", msg.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, filter: Filter{
		MarketID:    r.URL.Query().Get("market_id"),
		WorkspaceID: r.URL.Query().Get("workspace_id"),
	}}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(conn)
	go h.pingLoop(conn)
}

// readPump keeps the read deadline fresh and detects disconnects.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
		h.mu.RLock()
		_, ok := h.clients[conn]
		h.mu.RUnlock()
		if !ok {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
			return
		}
	}
}
