package websocket

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"realtime-sync/domain/events"
	"realtime-sync/pkg/auth"
	apperrors "realtime-sync/pkg/errors"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024

	// Default outbound queue length
	sendBufferSize = 256
)

// Client is one authenticated websocket connection.
type Client struct {
	id          string
	userID      string
	displayName string
	hub         *Hub
	conn        *websocket.Conn
	queue       *outboundQueue
	logger      *zap.Logger

	// opMu serializes room membership changes of this connection against
	// its own disconnect.
	opMu   sync.Mutex
	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

// NewClient binds a connection to identity. conn may be nil for a client
// that is never started, which tests use to observe the queue directly.
func NewClient(identity auth.Identity, hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:          id,
		userID:      identity.UserID,
		displayName: identity.DisplayName,
		hub:         hub,
		conn:        conn,
		queue:       newOutboundQueue(hub.cfg.OutboundQueueSize),
		rooms:       make(map[string]struct{}),
		logger: logger.With(
			zap.String("userID", identity.UserID),
			zap.String("connectionID", id),
		),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Start runs the pumps. The client must already be registered with the hub.
func (c *Client) Start() {
	go c.writePump()
	c.sendConnectionEstablished()
	go c.readPump()
}

// readPump owns every room operation of the connection, so joins, leaves and
// the final disconnect of one client never interleave.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
		c.logger.Debug("Read pump stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		switch messageType {
		case websocket.TextMessage:
			c.handleTextMessage(message)
		case websocket.BinaryMessage:
			c.sendError("UNSUPPORTED", "binary messages are not supported")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("Write pump stopped")
	}()

	for {
		select {
		case message, ok := <-c.queue.messages():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// handleTextMessage dispatches a control message. Malformed input is answered
// with an error envelope; the connection stays open.
func (c *Client) handleTextMessage(message []byte) {
	msgType := gjson.GetBytes(message, "type")
	if !msgType.Exists() || msgType.Type != gjson.String {
		c.sendError("INVALID_MESSAGE", "message must be a JSON object with a string type")
		return
	}

	var msg events.ControlMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.sendError("INVALID_MESSAGE", "malformed control message")
		return
	}
	if err := c.hub.validate.Struct(msg); err != nil {
		c.sendError("INVALID_MESSAGE", err.Error())
		return
	}

	switch msg.Type {
	case events.ControlJoinRoom:
		c.hub.Join(c, msg.RoomID)
	case events.ControlLeaveRoom:
		c.hub.Leave(c, msg.RoomID)
	case events.ControlPresenceSnapshotRequest:
		c.hub.SendPresenceSnapshot(c, msg.RoomID)
	case events.ControlPing:
		c.sendEnvelope(events.KindPong, "", nil)
	}
}

func (c *Client) sendConnectionEstablished() {
	c.sendEnvelope(events.KindConnectionEstablished, "", events.ConnectionEstablishedPayload{
		ConnectionID: c.id,
		UserID:       c.userID,
	})
}

func (c *Client) sendError(code, message string) {
	c.sendEnvelope(events.KindError, "", events.ErrorPayload{Code: code, Message: message})
}

// sendEnvelope queues a reply addressed to this connection only.
func (c *Client) sendEnvelope(kind events.Kind, roomID string, payload any) {
	env, err := events.New(kind, roomID, "", c.userID, payload, 0)
	if err != nil {
		c.logger.Error("Failed to build envelope", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("Failed to marshal envelope", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if err := c.hub.push(c, data); err != nil {
		c.logger.Debug("Reply not queued", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// enqueue places data on the outbound queue. It reports how many older
// messages were discarded to make room.
func (c *Client) enqueue(data []byte) (int, error) {
	dropped, err := c.queue.push(data)
	if dropped > 0 {
		c.logger.Warn("Outbound queue full, dropped oldest messages", zap.Int("dropped", dropped))
	}
	if err != nil {
		return dropped, apperrors.NewTransportError(c.id, err)
	}
	return dropped, nil
}

func (c *Client) addRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Client) removeRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// markClosed flags the client as gone and returns the rooms it still held.
// It returns false when the client was already closed.
func (c *Client) markClosed() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, true
}

// Rooms lists the rooms the connection has joined.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
