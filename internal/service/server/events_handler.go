package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/domain/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local control API; the bind address is the access boundary
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventsHandler streams progress events over websockets
type EventsHandler struct {
	downloads Downloads
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[string]*streamClient
}

// NewEventsHandler creates a new EventsHandler
func NewEventsHandler(downloads Downloads, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		downloads: downloads,
		logger:    logger,
		clients:   make(map[string]*streamClient),
	}
}

// streamClient is one connected websocket subscriber
type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}

// Stream handles GET /v1/events?model=<name>. Without model every download's
// events are streamed.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		model = event.AllModels
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &streamClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	// A client that cannot keep up is disconnected rather than slowing the bus
	unsubscribe := h.downloads.Subscribe(model, event.HandlerFunc(func(e event.ProgressEvent) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		select {
		case c.send <- data:
		case <-c.done:
		default:
			h.logger.Warn("event stream client too slow, disconnecting", zap.String("client_id", c.id))
			c.close()
		}
	}))

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Debug("event stream opened",
		zap.String("client_id", c.id),
		zap.String("model", model),
		zap.String("request_id", RequestIDFrom(r.Context())))

	go h.readPump(c)
	h.writePump(c)

	unsubscribe()
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.logger.Debug("event stream closed", zap.String("client_id", c.id))
}

// CloseAll disconnects every stream
func (h *EventsHandler) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close()
	}
}

// ClientCount returns the number of connected streams
func (h *EventsHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventsHandler) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump discards client messages and notices when the peer goes away
func (h *EventsHandler) readPump(c *streamClient) {
	defer c.close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("event stream read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}
