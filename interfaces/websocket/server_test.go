package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-sync/domain/events"
	"realtime-sync/pkg/auth"
	apperrors "realtime-sync/pkg/errors"
)

type staticVerifier map[string]auth.Identity

func (v staticVerifier) Verify(_ context.Context, credential string) (auth.Identity, error) {
	id, ok := v[credential]
	if !ok {
		return auth.Identity{}, apperrors.NewUnauthenticatedError("unknown token")
	}
	return id, nil
}

type testServer struct {
	hub *Hub
	srv *httptest.Server
}

func newTestServer(t *testing.T, cfg HubConfig) *testServer {
	t.Helper()
	hub := newTestHub(cfg)
	verifier := staticVerifier{
		"token-a": {UserID: "user-a", DisplayName: "Alice"},
		"token-b": {UserID: "user-b", DisplayName: "Bob"},
	}
	server := NewServer(hub, verifier, DefaultServerConfig(), zap.NewNop(), nil)
	srv := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &testServer{hub: hub, srv: srv}
}

func (s *testServer) dial(token string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	return websocket.DefaultDialer.Dial(url, nil)
}

func (s *testServer) connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := s.dial(token)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := readEnvelope(t, conn)
	require.Equal(t, events.KindConnectionEstablished, env.Kind)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) events.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env events.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func sendControl(t *testing.T, conn *websocket.Conn, msg events.ControlMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestServer_RejectsUnauthenticated(t *testing.T) {
	ts := newTestServer(t, DefaultHubConfig())

	for _, token := range []string{"", "forged"} {
		conn, resp, err := ts.dial(token)
		require.Error(t, err)
		if conn != nil {
			conn.Close()
		}
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var body apperrors.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, string(apperrors.ErrorTypeUnauthenticated), body.Type)
	}
	assert.Equal(t, 0, ts.hub.ClientCount())
	assert.Equal(t, 0, ts.hub.registry.RoomCount())
}

func TestServer_ConnectionLimit(t *testing.T) {
	ts := newTestServer(t, HubConfig{MaxConnectionsPerUser: 1})
	ts.connect(t, "token-a")

	_, resp, err := ts.dial("token-a")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_JoinPresenceAndSnapshot(t *testing.T) {
	ts := newTestServer(t, DefaultHubConfig())
	alice := ts.connect(t, "token-a")
	bob := ts.connect(t, "token-b")

	sendControl(t, alice, events.JoinRoom("proj-1"))
	env := readEnvelope(t, alice)
	assert.Equal(t, events.KindPresenceJoined, env.Kind)
	assert.Equal(t, "user-a", env.ActingUserID)

	sendControl(t, bob, events.JoinRoom("proj-1"))
	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readEnvelope(t, conn)
		assert.Equal(t, events.KindPresenceJoined, env.Kind)
		var payload events.PresenceJoinedPayload
		require.NoError(t, env.DecodePayload(&payload))
		assert.Equal(t, "user-b", payload.UserID)
		assert.Equal(t, "Bob", payload.DisplayName)
	}

	sendControl(t, alice, events.PresenceSnapshotRequest("proj-1"))
	env = readEnvelope(t, alice)
	require.Equal(t, events.KindPresenceSnapshot, env.Kind)
	var snap events.PresenceSnapshotPayload
	require.NoError(t, env.DecodePayload(&snap))
	assert.Equal(t, []string{"user-a", "user-b"}, snap.DistinctUsers)
	assert.Equal(t, 2, snap.Count)
}

func TestServer_AbruptCloseLeavesRooms(t *testing.T) {
	ts := newTestServer(t, DefaultHubConfig())
	alice := ts.connect(t, "token-a")
	bob := ts.connect(t, "token-b")

	sendControl(t, alice, events.JoinRoom("proj-1"))
	readEnvelope(t, alice)
	sendControl(t, bob, events.JoinRoom("proj-1"))
	readEnvelope(t, alice)
	readEnvelope(t, bob)

	require.NoError(t, bob.Close())

	env := readEnvelope(t, alice)
	assert.Equal(t, events.KindPresenceLeft, env.Kind)
	var payload events.PresenceLeftPayload
	require.NoError(t, env.DecodePayload(&payload))
	assert.Equal(t, "user-b", payload.UserID)

	assert.Eventually(t, func() bool {
		return ts.hub.ConnectionCount("user-b") == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"user-a"}, ts.hub.Snapshot("proj-1").DistinctUsers)
}

func TestServer_PingAndInvalidMessage(t *testing.T) {
	ts := newTestServer(t, DefaultHubConfig())
	alice := ts.connect(t, "token-a")

	sendControl(t, alice, events.ControlMessage{Type: events.ControlPing})
	assert.Equal(t, events.KindPong, readEnvelope(t, alice).Kind)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)))
	assert.Equal(t, events.KindError, readEnvelope(t, alice).Kind)

	// The connection stays usable.
	sendControl(t, alice, events.ControlMessage{Type: events.ControlPing})
	assert.Equal(t, events.KindPong, readEnvelope(t, alice).Kind)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))

	assert.True(t, originChecker([]string{"*"})(r))
	assert.True(t, originChecker(nil)(r))
}
