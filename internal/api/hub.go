package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/pipeline"
	"github.com/bl8ckfz/dealer-engine/internal/scoring"
	"github.com/bl8ckfz/dealer-engine/pkg/observability"
)

const (
	pongWait       = 30 * time.Second
	pingPeriod     = 20 * time.Second
	writeWait      = 10 * time.Second
	clientSendSize = 64
)

// Message types on /ws/updates
const (
	MessageUpdate = "update"
	MessageAlert  = "alert"
)

// Message is one websocket frame
type Message struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Data   json.RawMessage `json:"data"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	symbol string // Empty receives every symbol
}

// Hub fans pipeline output out to websocket clients. It is a pipeline.Sink.
// Slow clients whose buffer fills are disconnected rather than stalling the hub.
type Hub struct {
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewHub creates a hub; metrics may be nil
func NewHub(metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) OnIndicatorUpdate(symbol string, snap indicators.Snapshot, state scoring.State) {
	h.broadcast(MessageUpdate, symbol, pipeline.Update{
		Symbol:    symbol,
		Snapshot:  snap,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	})
}

func (h *Hub) OnAlertTriggered(symbol string, rule alerts.AlertRule, firing alerts.Firing) {
	h.broadcast(MessageAlert, symbol, firing)
}

func (h *Hub) broadcast(kind, symbol string, v any) {
	h.mu.RLock()
	empty := len(h.clients) == 0
	h.mu.RUnlock()
	if empty {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal broadcast")
		return
	}
	frame, err := json.Marshal(Message{Type: kind, Symbol: symbol, Data: data})
	if err != nil {
		return
	}

	var slow []*client

	h.mu.RLock()
	for c := range h.clients {
		if c.symbol != "" && c.symbol != symbol {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client too slow, disconnecting")
		h.unregister(c)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(count))
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok && h.metrics != nil {
		h.metrics.WSClients.Set(float64(count))
	}
}

// ServeHTTP upgrades the request and streams messages until the client goes away.
// ?symbol=BTCUSDT restricts the stream to one symbol.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientSendSize),
		symbol: pipeline.NormalizeSymbol(r.URL.Query().Get("symbol")),
	}
	h.register(c)

	go h.readPump(c)
	h.writePump(c)
}

// readPump detects disconnects and keeps the read deadline fresh on pongs
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.unregister(c)
				return
			}
			if h.metrics != nil {
				h.metrics.WSMessagesSent.Inc()
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSClients.Set(0)
	}
}
