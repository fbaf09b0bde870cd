package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-sync/application/ports"
	"realtime-sync/domain/events"
	"realtime-sync/domain/presence"
	"realtime-sync/pkg/auth"
	apperrors "realtime-sync/pkg/errors"
	"realtime-sync/pkg/observability"
)

func newTestHub(cfg HubConfig) *Hub {
	return NewHub(presence.NewRegistry(zap.NewNop()), cfg, zap.NewNop(), nil)
}

func newTestClient(t *testing.T, h *Hub, userID string) *Client {
	t.Helper()
	c := NewClient(auth.Identity{UserID: userID, DisplayName: "User " + userID}, h, nil, zap.NewNop())
	require.NoError(t, h.Register(c))
	return c
}

// drain returns every envelope currently queued for c.
func drain(t *testing.T, c *Client) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	for {
		select {
		case msg, ok := <-c.queue.messages():
			if !ok {
				return out
			}
			var env events.Envelope
			require.NoError(t, json.Unmarshal(msg, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func kinds(envs []events.Envelope) []events.Kind {
	out := make([]events.Kind, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Kind)
	}
	return out
}

func TestHub_JoinBroadcastsPresenceJoined(t *testing.T) {
	h := newTestHub(DefaultHubConfig())
	a := newTestClient(t, h, "user-a")
	b := newTestClient(t, h, "user-b")

	h.Join(a, "proj-1")
	envs := drain(t, a)
	require.Len(t, envs, 1)
	assert.Equal(t, events.KindPresenceJoined, envs[0].Kind)
	assert.Equal(t, "user-a", envs[0].ActingUserID)

	var payload events.PresenceJoinedPayload
	require.NoError(t, envs[0].DecodePayload(&payload))
	assert.Equal(t, "user-a", payload.UserID)
	assert.Equal(t, "User user-a", payload.DisplayName)

	h.Join(b, "proj-1")
	assert.Equal(t, []events.Kind{events.KindPresenceJoined}, kinds(drain(t, a)))
	assert.Equal(t, []events.Kind{events.KindPresenceJoined}, kinds(drain(t, b)))

	snap := h.Snapshot("proj-1")
	assert.Equal(t, []string{"user-a", "user-b"}, snap.DistinctUsers)
	assert.Equal(t, 2, snap.Count)
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	h := newTestHub(DefaultHubConfig())
	a := newTestClient(t, h, "user-a")

	h.Join(a, "proj-1")
	h.Join(a, "proj-1")
	h.Join(a, "proj-1")

	assert.Len(t, drain(t, a), 1)
	assert.Equal(t, 1, h.Snapshot("proj-1").Count)
	assert.Equal(t, []string{"proj-1"}, a.Rooms())
}

func TestHub_LeaveUnjoinedRoomIsNoop(t *testing.T) {
	h := newTestHub(DefaultHubConfig())
	a := newTestClient(t, h, "user-a")

	h.Leave(a, "proj-9")

	assert.Empty(t, drain(t, a))
	assert.Equal(t, 0, h.registry.RoomCount())
}

func TestHub_PresenceLeftOnlyForLastConnection(t *testing.T) {
	h := newTestHub(DefaultHubConfig())
	observer := newTestClient(t, h, "user-b")
	tab1 := newTestClient(t, h, "user-a")
	tab2 := newTestClient(t, h, "user-a")

	h.Join(observer, "proj-1")
	h.Join(tab1, "proj-1")
	h.Join(tab2, "proj-1")
	drain(t, observer)
	assert.Equal(t, 2, h.Snapshot("proj-1").Count)

	h.Leave(tab1, "proj-1")
	assert.Empty(t, drain(t, observer), "user still present through another connection")
	assert.Equal(t, 2, h.Snapshot("proj-1").Count)

	h.Leave(tab2, "proj-1")
	envs := drain(t, observer)
	require.Len(t, envs, 1)
	assert.Equal(t, events.KindPresenceLeft, envs[0].Kind)
	var payload events.PresenceLeftPayload
	require.NoError(t, envs[0].DecodePayload(&payload))
	assert.Equal(t, "user-a", payload.UserID)
	assert.Equal(t, []string{"user-b"}, h.Snapshot("proj-1").DistinctUsers)
}

func TestHub_DisconnectLeavesEveryRoom(t *testing.T) {
	h := newTestHub(DefaultHubConfig())
	a := newTestClient(t, h, "user-a")
	b := newTestClient(t, h, "user-b")

	h.Join(a, "proj-1")
	h.Join(a, "proj-2")
	h.Join(b, "proj-1")
	drain(t, b)

	h.Disconnect(a)
	h.Disconnect(a)

	assert.Equal(t, []events.Kind{events.KindPresenceLeft}, kinds(drain(t, b)))
	assert.Equal(t, []string{"user-b"}, h.Snapshot("proj-1").DistinctUsers)
	assert.Equal(t, 0, h.Snapshot("proj-2").Count)
	assert.Equal(t, 1, h.registry.RoomCount())
	assert.Equal(t, 0, h.ConnectionCount("user-a"))
	assert.Equal(t, 1, h.ClientCount())

	// The queue is closed after the pending messages.
	drain(t, a)
	_, ok := <-a.queue.messages()
	assert.False(t, ok)

	// A disconnected client cannot rejoin.
	h.Join(a, "proj-1")
	assert.False(t, h.registry.HasUser("proj-1", "user-a"))
}

func TestHub_RegisterEnforcesPerUserLimit(t *testing.T) {
	h := newTestHub(HubConfig{MaxConnectionsPerUser: 2})
	newTestClient(t, h, "user-a")
	newTestClient(t, h, "user-a")

	err := h.Register(NewClient(auth.Identity{UserID: "user-a"}, h, nil, zap.NewNop()))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRateLimit))

	require.NoError(t, h.Register(NewClient(auth.Identity{UserID: "user-b"}, h, nil, zap.NewNop())))
}

func TestHub_BroadcastToRoomReachesOnlyMembers(t *testing.T) {
	h := newTestHub(DefaultHubConfig())
	a := newTestClient(t, h, "user-a")
	b := newTestClient(t, h, "user-b")
	outsider := newTestClient(t, h, "user-c")

	h.Join(a, "proj-1")
	h.Join(b, "proj-1")
	h.Join(outsider, "proj-2")
	drain(t, a)
	drain(t, b)
	drain(t, outsider)

	env, err := events.New(events.KindEntityUpdated, "proj-1", "item-1", "user-a", map[string]any{"title": "x"}, 2)
	require.NoError(t, err)
	res := h.BroadcastToRoom("proj-1", env)

	assert.Equal(t, 2, res.Recipients)
	assert.Equal(t, 2, res.Delivered)
	assert.Zero(t, res.Failed)
	for _, c := range []*Client{a, b} {
		got := drain(t, c)
		require.Len(t, got, 1)
		assert.Equal(t, "item-1", got[0].EntityID)
		assert.Equal(t, int64(2), got[0].Version)
	}
	assert.Empty(t, drain(t, outsider))
}

func TestHub_BroadcastToEmptyRoom(t *testing.T) {
	h := newTestHub(DefaultHubConfig())
	env, err := events.New(events.KindEntityDeleted, "nobody", "item-1", "user-a", nil, 3)
	require.NoError(t, err)

	res := h.BroadcastToRoom("nobody", env)
	assert.Zero(t, res.Recipients)
}

func TestHub_SendToUnknownConnection(t *testing.T) {
	h := newTestHub(DefaultHubConfig())
	env, err := events.New(events.KindPong, "", "", "user-a", nil, 0)
	require.NoError(t, err)

	err = h.Send("missing", env)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
}

func TestHub_SlowConsumerDropsOldest(t *testing.T) {
	h := newTestHub(HubConfig{OutboundQueueSize: 3})
	slow := newTestClient(t, h, "user-a")
	h.Join(slow, "proj-1")
	drain(t, slow)

	var last ports.BroadcastResult
	for i := 1; i <= 5; i++ {
		env, err := events.New(events.KindEntityUpdated, "proj-1", "item-1", "user-b", nil, int64(i))
		require.NoError(t, err)
		last = h.BroadcastToRoom("proj-1", env)
	}
	assert.Equal(t, 1, last.Dropped)

	got := drain(t, slow)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{got[0].Version, got[1].Version, got[2].Version})
}

func TestHub_SendAndBroadcastShareDeliveryAccounting(t *testing.T) {
	metrics := observability.NewCollector("hub_test")
	h := NewHub(presence.NewRegistry(zap.NewNop()), HubConfig{OutboundQueueSize: 3}, zap.NewNop(), metrics)
	slow := newTestClient(t, h, "user-a")
	h.Join(slow, "proj-1")
	drain(t, slow)

	delivered := testutil.ToFloat64(metrics.EventsDelivered)
	for i := 1; i <= 4; i++ {
		env, err := events.New(events.KindPong, "", "", "user-a", nil, int64(i))
		require.NoError(t, err)
		require.NoError(t, h.Send(slow.id, env))
	}
	env, err := events.New(events.KindEntityUpdated, "proj-1", "item-1", "user-b", nil, 5)
	require.NoError(t, err)
	res := h.BroadcastToRoom("proj-1", env)
	assert.Equal(t, 1, res.Dropped)

	assert.Equal(t, delivered+5, testutil.ToFloat64(metrics.EventsDelivered))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.EventsDropped))

	got := drain(t, slow)
	require.Len(t, got, 3)
	assert.Equal(t, int64(5), got[2].Version)

	h.Disconnect(slow)
	err = h.Send(slow.id, env)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TransportFailures))
}

func TestHub_SendPresenceSnapshot(t *testing.T) {
	h := newTestHub(DefaultHubConfig())
	a := newTestClient(t, h, "user-a")
	b := newTestClient(t, h, "user-b")
	h.Join(a, "proj-1")
	h.Join(b, "proj-1")
	drain(t, a)

	h.SendPresenceSnapshot(a, "proj-1")
	envs := drain(t, a)
	require.Len(t, envs, 1)
	assert.Equal(t, events.KindPresenceSnapshot, envs[0].Kind)
	assert.Equal(t, "proj-1", envs[0].RoomID)

	var payload events.PresenceSnapshotPayload
	require.NoError(t, envs[0].DecodePayload(&payload))
	assert.Equal(t, []string{"user-a", "user-b"}, payload.DistinctUsers)
	assert.Equal(t, 2, payload.Count)
	require.Len(t, payload.Members, 2)
	assert.Equal(t, "User user-b", payload.Members[1].DisplayName)
}

func TestHub_ShutdownDisconnectsClients(t *testing.T) {
	h := newTestHub(DefaultHubConfig())
	a := newTestClient(t, h, "user-a")
	h.Join(a, "proj-1")

	h.Shutdown()

	assert.Equal(t, 0, h.ClientCount())
	assert.Equal(t, 0, h.registry.RoomCount())
	err := h.Register(NewClient(auth.Identity{UserID: "user-b"}, h, nil, zap.NewNop()))
	assert.True(t, apperrors.IsUnavailable(err))
}

func TestHub_ConcurrentJoinLeaveDisconnect(t *testing.T) {
	h := newTestHub(HubConfig{MaxConnectionsPerUser: 100, OutboundQueueSize: 8})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		c := newTestClient(t, h, fmt.Sprintf("user-%d", i%5))
		wg.Add(1)
		go func(c *Client, i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				room := fmt.Sprintf("room-%d", j%3)
				h.Join(c, room)
				if j%2 == 0 {
					h.Leave(c, room)
				}
			}
			h.Disconnect(c)
		}(c, i)
	}
	wg.Wait()

	assert.Equal(t, 0, h.registry.RoomCount())
	assert.Equal(t, 0, h.ClientCount())
}
