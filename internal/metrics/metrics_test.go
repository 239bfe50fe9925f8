package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDroppedAndConnected(t *testing.T) {
	m := New()

	m.Dropped(DropParseError)
	m.Dropped(DropParseError)
	m.Dropped(DropOutboundOverflow)
	m.SetConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropParseError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropOutboundOverflow)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerConnected))

	m.SetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BrokerConnected))
}

// TestHandlerExposesServiceMetrics verifies the HTTP handler serves the private registry
func TestHandlerExposesServiceMetrics(t *testing.T) {
	m := New()
	m.Published.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "detectiond_publisher_published_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

// TestNewIsIndependent verifies two instances never collide on registration
func TestNewIsIndependent(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = New()
		_ = New()
	})
}
