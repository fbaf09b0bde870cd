package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := NewCollector("sync")

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.Broadcast("entity-updated", 3, 1, 1)
	c.Delivery(1, 0, 1)
	c.StaleVersion("work_item")
	c.Reconciliation("applied")
	c.RecordHTTP(http.MethodGet, "/health", http.StatusOK, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.ActiveConnections))
	assert.Equal(t, float64(4), testutil.ToFloat64(c.EventsDelivered))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.EventsDropped))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.TransportFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.StaleVersions.WithLabelValues("work_item")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Reconciliations.WithLabelValues("applied")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sync_events_broadcast_total")
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ConnectionOpened()
		c.Broadcast("entity-created", 1, 0, 0)
		c.StaleVersion("comment")
		c.SetActiveRooms(2)
		c.Reconciliation("failed")
	})
}
