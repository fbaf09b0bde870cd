package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"realtime-sync/application/ports"
	"realtime-sync/domain/events"
	"realtime-sync/domain/presence"
	apperrors "realtime-sync/pkg/errors"
	"realtime-sync/pkg/observability"
)

// HubConfig bounds per-connection resources.
type HubConfig struct {
	OutboundQueueSize     int
	MaxConnectionsPerUser int
}

// DefaultHubConfig returns the limits used when none are configured.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		OutboundQueueSize:     sendBufferSize,
		MaxConnectionsPerUser: 10,
	}
}

// Hub maintains the set of live connections and their room memberships.
// Room membership itself lives in the presence registry; the hub maps the
// registry's connection ids back to clients.
type Hub struct {
	registry *presence.Registry
	cfg      HubConfig

	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]int
	closed  bool

	validate *validator.Validate
	logger   *zap.Logger
	metrics  *observability.Collector
}

// NewHub creates a hub on top of registry. metrics may be nil.
func NewHub(registry *presence.Registry, cfg HubConfig, logger *zap.Logger, metrics *observability.Collector) *Hub {
	def := DefaultHubConfig()
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = def.OutboundQueueSize
	}
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = def.MaxConnectionsPerUser
	}
	return &Hub{
		registry: registry,
		cfg:      cfg,
		clients:  make(map[string]*Client),
		byUser:   make(map[string]int),
		validate: validator.New(),
		logger:   logger.With(zap.String("component", "websocket_hub")),
		metrics:  metrics,
	}
}

// Run reports hub health until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub shutting down")
			h.Shutdown()
			return
		case <-ticker.C:
			rooms := h.registry.RoomCount()
			h.metrics.SetActiveRooms(rooms)
			h.logger.Debug("Hub health check",
				zap.Int("clients", h.ClientCount()),
				zap.Int("rooms", rooms),
			)
		}
	}
}

// Register admits c. It fails when the user already holds the maximum
// number of connections or the hub is shutting down.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return apperrors.NewUnavailableError("websocket hub")
	}
	if h.byUser[c.userID] >= h.cfg.MaxConnectionsPerUser {
		return apperrors.NewRateLimitError(h.cfg.MaxConnectionsPerUser, "connections per user")
	}
	h.clients[c.id] = c
	h.byUser[c.userID]++
	h.metrics.ConnectionOpened()

	h.logger.Info("Client registered",
		zap.String("userID", c.userID),
		zap.String("connectionID", c.id),
		zap.Int("userConnections", h.byUser[c.userID]),
	)
	return nil
}

// Join adds c to roomID. Joining a room twice is a no-op.
func (h *Hub) Join(c *Client, roomID string) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.addRoom(roomID) {
		return
	}
	res := h.registry.Add(roomID, c.userID, c.id, presence.Metadata{DisplayName: c.displayName})
	h.metrics.SetActiveRooms(h.registry.RoomCount())
	if !res.Added {
		return
	}

	c.logger.Debug("Joined room", zap.String("roomID", roomID), zap.Bool("firstForUser", res.FirstForUser))
	env, err := events.New(events.KindPresenceJoined, roomID, "", c.userID,
		events.PresenceJoinedPayload{UserID: c.userID, DisplayName: c.displayName}, 0)
	if err != nil {
		h.logger.Error("Failed to build presence event", zap.Error(err))
		return
	}
	h.BroadcastToRoom(roomID, env)
}

// Leave removes c from roomID. Leaving a room that was never joined is a
// no-op.
func (h *Hub) Leave(c *Client, roomID string) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.removeRoom(roomID) {
		return
	}
	h.leave(c, roomID)
}

func (h *Hub) leave(c *Client, roomID string) {
	res := h.registry.Remove(roomID, c.userID, c.id)
	h.metrics.SetActiveRooms(h.registry.RoomCount())
	if !res.LastForUser {
		return
	}

	c.logger.Debug("Left room", zap.String("roomID", roomID), zap.Bool("roomClosed", res.RoomClosed))
	if res.RoomClosed {
		return
	}
	env, err := events.New(events.KindPresenceLeft, roomID, "", c.userID,
		events.PresenceLeftPayload{UserID: c.userID}, 0)
	if err != nil {
		h.logger.Error("Failed to build presence event", zap.Error(err))
		return
	}
	h.BroadcastToRoom(roomID, env)
}

// Disconnect removes c from every room it joined and discards it. It is
// safe to call more than once.
func (h *Hub) Disconnect(c *Client) {
	c.opMu.Lock()
	rooms, first := c.markClosed()
	if first {
		for _, roomID := range rooms {
			h.leave(c, roomID)
		}
	}
	c.opMu.Unlock()
	if !first {
		return
	}

	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		h.byUser[c.userID]--
		if h.byUser[c.userID] <= 0 {
			delete(h.byUser, c.userID)
		}
		h.metrics.ConnectionClosed()
	}
	h.mu.Unlock()

	c.queue.close()
	h.logger.Info("Client disconnected",
		zap.String("userID", c.userID),
		zap.String("connectionID", c.id),
		zap.Int("roomsLeft", len(rooms)),
	)
}

func (h *Hub) client(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// Send queues env for a single connection.
func (h *Hub) Send(connID string, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(err, "marshal envelope")
	}
	c, ok := h.client(connID)
	if !ok {
		h.metrics.Delivery(0, 0, 1)
		return apperrors.NewTransportError(connID, errQueueClosed)
	}
	return h.push(c, data)
}

// push queues data on c and records the outcome.
func (h *Hub) push(c *Client, data []byte) error {
	dropped, err := c.enqueue(data)
	if err != nil {
		h.metrics.Delivery(0, dropped, 1)
		return err
	}
	h.metrics.Delivery(1, dropped, 0)
	return nil
}

// BroadcastToRoom queues env for every connection joined to roomID at the
// time of the call. Connections that went away in the meantime are skipped.
func (h *Hub) BroadcastToRoom(roomID string, env events.Envelope) ports.BroadcastResult {
	var result ports.BroadcastResult

	// Marshal once for all clients
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.String("kind", string(env.Kind)), zap.Error(err))
		return result
	}

	for _, connID := range h.registry.Connections(roomID) {
		result.Recipients++
		c, ok := h.client(connID)
		if !ok {
			result.Failed++
			continue
		}
		dropped, err := c.enqueue(data)
		result.Dropped += dropped
		if err != nil {
			result.Failed++
			c.logger.Debug("Skipping closed connection", zap.Error(err))
			continue
		}
		result.Delivered++
	}

	h.metrics.Broadcast(string(env.Kind), result.Delivered, result.Dropped, result.Failed)
	return result
}

// SendPresenceSnapshot answers a presence-snapshot-request from c.
func (h *Hub) SendPresenceSnapshot(c *Client, roomID string) {
	snap := h.Snapshot(roomID)
	c.sendEnvelope(events.KindPresenceSnapshot, roomID, snap.Payload())
}

// Snapshot returns the presence of roomID.
func (h *Hub) Snapshot(roomID string) presence.Snapshot {
	return h.registry.Snapshot(roomID)
}

// ConnectionCount is the number of live connections held by userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byUser[userID]
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown refuses new connections and disconnects every live one.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Disconnect(c)
	}
	h.logger.Info("Hub stopped", zap.Int("clientsClosed", len(clients)))
}
