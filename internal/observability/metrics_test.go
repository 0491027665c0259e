package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.StreamStarted()
	m.StreamEnded("finalized")
	m.Admission("granted")
	m.EventRelayed()
	m.HeartbeatSent()
	m.SetGuestSessions(3)
	m.GuestSwept("ok")
	m.TitleGenerated("ok")
}

func TestMetricsRecordAndServe(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.StreamStarted()
	m.StreamStarted()
	m.StreamEnded("finalized")
	m.Admission("user_full")
	m.SetGuestSessions(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamOutcomes.WithLabelValues("finalized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues("user_full")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.GuestSessions))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "synapdocs_streams_active 1"))
}
