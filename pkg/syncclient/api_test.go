package syncclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-sync/domain/entity"
	apperrors "realtime-sync/pkg/errors"
)

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func newAPI(t *testing.T, h http.HandlerFunc) (*APIClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultAPIConfig(srv.URL, "tok")
	cfg.MinRequests = 2
	cfg.FailureThreshold = 0.5
	client, err := NewAPIClient(cfg, zap.NewNop())
	require.NoError(t, err)
	return client, srv
}

func TestAPIClient_FetchSnapshot(t *testing.T) {
	client, _ := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/rooms/proj-1/snapshot", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeData(w, http.StatusOK, entity.NewSnapshot("proj-1", []entity.Entity{item("a", 2, "todo")}, time.Now()))
	})

	snap, err := client.FetchSnapshot(t.Context(), "proj-1")
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, int64(2), snap.Items[0].Version)
}

func TestAPIClient_Mutations(t *testing.T) {
	client, _ := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&body)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v2/rooms/proj-1/items":
			assert.Equal(t, "todo", body["status"])
			writeData(w, http.StatusCreated, item("a", 1, "todo"))
		case r.Method == http.MethodPut && r.URL.Path == "/api/v2/rooms/proj-1/items/a/status":
			assert.EqualValues(t, 1, body["version"])
			writeData(w, http.StatusOK, item("a", 2, body["status"].(string)))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v2/rooms/proj-1/items/a":
			assert.Equal(t, "2", r.URL.Query().Get("version"))
			writeData(w, http.StatusOK, item("a", 2, "done"))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := t.Context()

	created, err := client.CreateItem(ctx, "proj-1", "todo", map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	changed, err := client.ChangeStatus(ctx, "proj-1", "a", 1, "done")
	require.NoError(t, err)
	assert.Equal(t, "done", changed.Status)

	_, err = client.DeleteItem(ctx, "proj-1", "a", 2)
	require.NoError(t, err)
}

func TestAPIClient_StaleVersion(t *testing.T) {
	var calls atomic.Int32
	client, _ := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(apperrors.ErrorResponse{
			Type:    string(apperrors.ErrorTypeStaleVersion),
			Message: "stale",
			Details: map[string]any{apperrors.DetailServerVersion: 3},
		})
	})

	for i := 0; i < 5; i++ {
		_, err := client.UpdateItem(t.Context(), "proj-1", "a", 1, nil, map[string]any{"title": "y"})
		require.Error(t, err)
		assert.True(t, apperrors.IsStaleVersion(err))
		server, ok := apperrors.ServerVersion(err)
		require.True(t, ok)
		assert.Equal(t, int64(3), server)
	}
	// Conflicts are not failures; the breaker stays closed.
	assert.Equal(t, int32(5), calls.Load())
}

func TestAPIClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 2; i++ {
		_, err := client.FetchSnapshot(t.Context(), "proj-1")
		require.Error(t, err)
	}
	_, err := client.FetchSnapshot(t.Context(), "proj-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewAPIClient_RejectsBadURL(t *testing.T) {
	_, err := NewAPIClient(DefaultAPIConfig("not a url", ""), zap.NewNop())
	assert.Error(t, err)
}
