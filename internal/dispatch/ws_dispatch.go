package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/taxi-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
	directoryWait  = 2 * time.Second
	lookupWait     = 250 * time.Millisecond // bounds the lookup on the delivery path
)

var ErrUnknownConnection = errors.New("unknown connection")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the gateway in front of us.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is one live client connection. Frames queued on send are written by
// the connection's write pump.
type Conn struct {
	ID     string
	UserID string
	ws     *websocket.Conn
	send   chan []byte
	rooms  map[string]struct{} // guarded by Hub.mu
}

// Hub holds this instance's connections and room memberships. The
// user -> connection mapping lives in the ConnectionDirectory so it can be
// shared across instances.
type Hub struct {
	dir        ConnectionDirectory
	logger     *slog.Logger
	sendBuffer int

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn
}

func NewHub(dir ConnectionDirectory, logger *slog.Logger, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		dir:        dir,
		logger:     logger,
		sendBuffer: sendBuffer,
		conns:      make(map[string]*Conn),
		rooms:      make(map[string]map[string]*Conn),
	}
}

// RegisterConnection creates a connection for userID and records it in the
// directory, replacing any earlier connection of the same user.
func (h *Hub) RegisterConnection(ctx context.Context, userID string) (*Conn, error) {
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, h.sendBuffer),
		rooms:  make(map[string]struct{}),
	}
	if err := h.dir.Register(ctx, userID, c.ID); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	observability.ActiveConnections.Inc()
	h.logger.Debug("ws connection registered", "conn_id", c.ID, "user_id", userID)
	return c, nil
}

// Lookup returns the live local connection of userID, if this instance holds it.
func (h *Hub) Lookup(ctx context.Context, userID string) (*Conn, bool) {
	connID, ok, err := h.dir.Lookup(ctx, userID)
	if err != nil {
		h.logger.Warn("connection directory lookup failed", "user_id", userID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// Unregister drops the connection from every room and from the directory and
// closes its send queue. Unknown ids are ignored.
func (h *Hub) Unregister(ctx context.Context, connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
		for taxiID := range c.rooms {
			h.leaveLocked(c, taxiID)
		}
		close(c.send)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	observability.ActiveConnections.Dec()
	if err := h.dir.Unregister(ctx, connID); err != nil {
		h.logger.Warn("connection directory unregister failed", "conn_id", connID, "error", err)
	}
}

func (h *Hub) Subscribe(connID, taxiID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	room, ok := h.rooms[taxiID]
	if !ok {
		room = make(map[string]*Conn)
		h.rooms[taxiID] = room
	}
	room[connID] = c
	c.rooms[taxiID] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(connID, taxiID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connID]; ok {
		h.leaveLocked(c, taxiID)
	}
}

func (h *Hub) leaveLocked(c *Conn, taxiID string) {
	delete(c.rooms, taxiID)
	if room, ok := h.rooms[taxiID]; ok {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(h.rooms, taxiID)
		}
	}
}

// RoomSize reports how many local connections are subscribed to taxiID.
func (h *Hub) RoomSize(taxiID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[taxiID])
}

func (h *Hub) NotifyUser(ctx context.Context, userID, event string, payload any) {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encode event failed", "event", event, "error", err)
		return
	}
	h.deliverUser(ctx, userID, frame)
}

func (h *Hub) BroadcastToRoom(_ context.Context, taxiID, event string, payload any) {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encode event failed", "event", event, "error", err)
		return
	}
	h.deliverRoom(taxiID, frame)
}

// deliverUser queues frame for the user's connection if it lives on this
// instance. It reports whether the user was found locally.
func (h *Hub) deliverUser(ctx context.Context, userID string, frame []byte) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupWait)
	defer cancel()
	connID, ok, err := h.dir.Lookup(ctx, userID)
	if err != nil {
		h.logger.Warn("connection directory lookup failed", "user_id", userID, "error", err)
		observability.FanoutDeliveries.WithLabelValues("user", "error").Inc()
		return false
	}
	if !ok {
		observability.FanoutDeliveries.WithLabelValues("user", "offline").Inc()
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	h.enqueueLocked(c, "user", frame)
	return true
}

func (h *Hub) deliverRoom(taxiID string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[taxiID]
	for _, c := range room {
		h.enqueueLocked(c, "room", frame)
	}
	return len(room)
}

// enqueueLocked must be called with h.mu held; Unregister closes send only
// under the write lock.
func (h *Hub) enqueueLocked(c *Conn, kind string, frame []byte) {
	select {
	case c.send <- frame:
		observability.FanoutDeliveries.WithLabelValues(kind, "queued").Inc()
	default:
		observability.FanoutDeliveries.WithLabelValues(kind, "dropped").Inc()
		h.logger.Warn("ws send queue full, dropping frame", "conn_id", c.ID, "user_id", c.UserID)
	}
}

// ConnectionCount reports the number of local connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close unregisters every local connection.
func (h *Hub) Close(ctx context.Context) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Unregister(ctx, id)
	}
}

type clientMessage struct {
	Type   string `json:"type"`
	TaxiID string `json:"taxiId"`
}

// ServeWS upgrades the request and serves the connection for userID until
// the client goes away. The caller is responsible for authenticating userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), directoryWait)
	c, err := h.RegisterConnection(ctx, userID)
	cancel()
	if err != nil {
		h.logger.Error("ws register failed", "user_id", userID, "error", err)
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registration failed"))
		_ = ws.Close()
		return
	}
	c.ws = ws
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *Conn) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), directoryWait)
		h.Unregister(ctx, c.ID)
		cancel()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.refresh(c)
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("ws read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		h.handleClientMessage(c, raw)
	}
}

func (h *Hub) handleClientMessage(c *Conn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(c, "error", map[string]string{"message": "malformed message"})
		return
	}
	switch msg.Type {
	case "subscribe":
		if msg.TaxiID == "" {
			h.reply(c, "error", map[string]string{"message": "taxiId is required"})
			return
		}
		if err := h.Subscribe(c.ID, msg.TaxiID); err != nil {
			return
		}
		h.reply(c, "subscribed", map[string]string{"taxiId": msg.TaxiID})
	case "unsubscribe":
		h.Unsubscribe(c.ID, msg.TaxiID)
	default:
		h.reply(c, "error", map[string]string{"message": "unknown message type"})
	}
}

func (h *Hub) reply(c *Conn, event string, payload any) {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.conns[c.ID]; ok {
		h.enqueueLocked(c, "reply", frame)
	}
}

// refresh re-registers the connection so a TTL-backed directory keeps it.
func (h *Hub) refresh(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), directoryWait)
	defer cancel()
	connID, ok, err := h.dir.Lookup(ctx, c.UserID)
	if err != nil || (ok && connID != c.ID) {
		return
	}
	if err := h.dir.Register(ctx, c.UserID, c.ID); err != nil {
		h.logger.Warn("connection directory refresh failed", "conn_id", c.ID, "error", err)
	}
}

func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
