package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Connections.Inc()
	m.EventsPublished.WithLabelValues("message:new").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("message:new")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orbit_connections 1")
}

func TestOrNopIsUsable(t *testing.T) {
	m := OrNop(nil)
	m.FramesDropped.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))

	// A second unregistered set must not collide.
	assert.NotPanics(t, func() { OrNop(nil) })
}
