package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Broadcast("stub", nil)
		m.HashReceived(true)
		m.Mismatch()
		m.FrameDropped("decode")
		m.EventDropped()
		m.PeerConnected()
		m.PeerDisconnected()
		m.HealthReport(errors.New("x"))
		m.StateSync(nil)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Broadcast("local", nil)
	m.Broadcast("local", nil)
	m.Broadcast("stub", errors.New("closed"))
	m.HashReceived(false)
	m.Mismatch()
	m.PeerConnected()
	m.PeerConnected()
	m.PeerDisconnected()
	m.HealthReport(errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Broadcasts.WithLabelValues("local", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Broadcasts.WithLabelValues("stub", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HashesReceived.WithLabelValues("peer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mismatches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectedPeers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthReports.WithLabelValues("error")))
}

func TestMetrics_HandlerAndInstrument(t *testing.T) {
	m := NewMetrics(nil)
	m.Mismatch()

	handler := m.Instrument("teapot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("teapot", "4xx")))

	rec = httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "orgmesh_mismatches_total 1"))
}
