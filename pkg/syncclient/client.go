package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-sync/domain/events"
	apperrors "realtime-sync/pkg/errors"
)

const (
	writeWait = 10 * time.Second

	// The server pings every 54s; anything quieter than this is a dead link.
	readWait = 60 * time.Second
)

var errNotConnected = errors.New("not connected")

// Handler receives the events of one room together with connection
// lifecycle signals. Engine implements it.
type Handler interface {
	HandleEnvelope(env events.Envelope) bool
	OnConnect(ctx context.Context) error
	OnDisconnect()
}

// ClientConfig configures the transport client.
type ClientConfig struct {
	TransportURL   string
	Credential     string
	Dialer         *websocket.Dialer
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client holds one websocket connection to the gateway and keeps it alive:
// dropped connections are redialed with exponential backoff and every room
// subscription is joined again.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	runCtx context.Context
	connID string
	subs   map[string][]*Subscription
}

// Subscription ties a handler to a room until Release.
type Subscription struct {
	client  *Client
	roomID  string
	handler Handler
	once    sync.Once
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "sync_transport_client")),
		subs:   make(map[string][]*Subscription),
	}
}

// Run dials the gateway and serves the connection until ctx is done. A
// rejected credential ends Run with an UNAUTHENTICATED error; every other
// failure is retried.
func (c *Client) Run(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Credential != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Credential)
	}

	backoff := c.cfg.InitialBackoff
	for {
		conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.TransportURL, header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return apperrors.NewUnauthenticatedError("credential rejected by gateway").WithCause(err)
			}
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.logger.Warn("Dial failed, retrying",
				zap.Error(err),
				zap.Int("status", status),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		backoff = c.cfg.InitialBackoff
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("Connection lost, reconnecting")
	}
}

// serve owns conn until it fails or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.runCtx = connCtx
	rooms := make([]string, 0, len(c.subs))
	var handlers []Handler
	for roomID, subs := range c.subs {
		rooms = append(rooms, roomID)
		for _, s := range subs {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	// Join before fetching so nothing committed during the fetch is missed.
	for _, roomID := range rooms {
		if err := c.join(conn, roomID); err != nil {
			c.logger.Warn("Rejoin failed", zap.String("roomID", roomID), zap.Error(err))
		}
	}
	for _, h := range handlers {
		go c.reconcile(connCtx, h)
	}

	c.readLoop(conn)
	cancel()

	c.mu.Lock()
	c.conn = nil
	c.runCtx = nil
	c.connID = ""
	handlers = handlers[:0]
	for _, subs := range c.subs {
		for _, s := range subs {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h.OnDisconnect()
	}
}

func (c *Client) reconcile(ctx context.Context, h Handler) {
	if err := h.OnConnect(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("Reconciliation failed", zap.Error(err))
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Dropping malformed message", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env events.Envelope) {
	switch env.Kind {
	case events.KindConnectionEstablished:
		var p events.ConnectionEstablishedPayload
		if err := env.DecodePayload(&p); err == nil {
			c.mu.Lock()
			c.connID = p.ConnectionID
			c.mu.Unlock()
			c.logger.Debug("Connection established", zap.String("connectionID", p.ConnectionID))
		}
		return
	case events.KindPong:
		return
	case events.KindError:
		var p events.ErrorPayload
		_ = env.DecodePayload(&p)
		c.logger.Warn("Gateway rejected message",
			zap.String("code", p.Code),
			zap.String("message", p.Message),
			zap.String("roomID", env.RoomID),
		)
		return
	}

	c.mu.Lock()
	subs := append([]*Subscription(nil), c.subs[env.RoomID]...)
	c.mu.Unlock()
	for _, s := range subs {
		s.handler.HandleEnvelope(env)
	}
}

// JoinRoom subscribes h to roomID. When connected, the room is joined and h
// reconciles immediately; otherwise both happen on the next connect.
func (c *Client) JoinRoom(roomID string, h Handler) *Subscription {
	sub := &Subscription{client: c, roomID: roomID, handler: h}

	c.mu.Lock()
	first := len(c.subs[roomID]) == 0
	c.subs[roomID] = append(c.subs[roomID], sub)
	conn, ctx := c.conn, c.runCtx
	c.mu.Unlock()

	if conn == nil {
		return sub
	}
	var err error
	if first {
		err = c.join(conn, roomID)
	} else {
		err = c.write(conn, events.PresenceSnapshotRequest(roomID))
	}
	if err != nil {
		c.logger.Warn("Join failed", zap.String("roomID", roomID), zap.Error(err))
	}
	go c.reconcile(ctx, h)
	return sub
}

// join enters roomID and asks who is already there. Presence events only
// describe changes, so the member list starts from the snapshot reply.
func (c *Client) join(conn *websocket.Conn, roomID string) error {
	if err := c.write(conn, events.JoinRoom(roomID)); err != nil {
		return err
	}
	return c.write(conn, events.PresenceSnapshotRequest(roomID))
}

// Release ends the subscription. The room is left once its last
// subscription is released. Calling Release again does nothing.
func (s *Subscription) Release() {
	s.once.Do(func() {
		c := s.client
		c.mu.Lock()
		subs := c.subs[s.roomID]
		for i, other := range subs {
			if other == s {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		last := len(subs) == 0
		if last {
			delete(c.subs, s.roomID)
		} else {
			c.subs[s.roomID] = subs
		}
		conn := c.conn
		c.mu.Unlock()

		if last && conn != nil {
			if err := c.write(conn, events.LeaveRoom(s.roomID)); err != nil {
				c.logger.Debug("Leave failed", zap.String("roomID", s.roomID), zap.Error(err))
			}
		}
	})
}

func (s *Subscription) RoomID() string { return s.roomID }

// RequestPresence asks for a presence-snapshot of roomID. The reply reaches
// the room's handlers.
func (c *Client) RequestPresence(roomID string) error {
	return c.send(events.PresenceSnapshotRequest(roomID))
}

// Ping sends an application level ping.
func (c *Client) Ping() error {
	return c.send(events.ControlMessage{Type: events.ControlPing})
}

func (c *Client) send(msg events.ControlMessage) error {
	c.mu.Lock()
	conn := c.conn
	connID := c.connID
	c.mu.Unlock()
	if conn == nil {
		return apperrors.NewTransportError(connID, errNotConnected)
	}
	if err := c.write(conn, msg); err != nil {
		return apperrors.NewTransportError(connID, err)
	}
	return nil
}

func (c *Client) write(conn *websocket.Conn, msg events.ControlMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ConnectionID is the id the gateway assigned to the current connection.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}
