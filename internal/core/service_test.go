package core

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/detectiond/internal/bus"
	"github.com/care/detectiond/internal/config"
	"github.com/care/detectiond/internal/detector"
	"github.com/care/detectiond/internal/metrics"
	"github.com/care/detectiond/internal/types"
)

type sentMessage struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// fakeTransport connects instantly and records publishes
type fakeTransport struct {
	*bus.State

	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeTransport) Connect(context.Context) error {
	f.Set(true)
	return nil
}

func (f *fakeTransport) Publish(topic string, qos byte, payload []byte) error {
	if !f.Connected() {
		return bus.ErrNotConnected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Topic: topic, QoS: qos, Payload: payload})
	return nil
}

func (f *fakeTransport) Disconnect() { f.Set(false) }

func (f *fakeTransport) Sent(topic string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	t.Setenv(config.EnvMQTTHost, "")
	t.Setenv(config.EnvTransport, "")
	t.Setenv(config.EnvStorePath, "")

	cfg, err := config.Parse([]byte(`
artifacts:
  output_dir: ` + t.TempDir() + `
control:
  topic: detectiond/test/control
` + extra))
	require.NoError(t, err)
	return cfg
}

func personDetector() *detector.Func {
	return detector.NewFunc(func(_ context.Context, path string, _ float64) (types.DetectionResult, error) {
		return types.DetectionResult{
			InPath: path,
			Image:  image.NewRGBA(image.Rect(0, 0, 16, 16)),
			Detections: []types.DetectionRecord{
				{Label: "person", Confidence: 0.91, BBox: types.BBox{X2: 10, Y2: 10}},
			},
		}, nil
	}, detector.DefaultThreshold, nil)
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *fakeTransport, *detector.Func) {
	t.Helper()
	tr := &fakeTransport{State: bus.NewState(nil)}
	det := personDetector()
	s, err := NewService(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithTransport(func(context.Context, bus.Handler) (bus.Transport, error) { return tr, nil }),
		WithDetector(det),
	)
	require.NoError(t, err)
	return s, tr, det
}

func startService(t *testing.T, s *Service) (cancel func()) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	return func() {
		cancelFn()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("service did not stop")
		}
	}
}

// TestImageToDetection covers subscription, batching, detection and publication together
func TestImageToDetection(t *testing.T) {
	s, tr, _ := newTestService(t, testConfig(t, ""))
	stop := startService(t, s)
	defer stop()

	s.HandleMessage("image/device1", []byte(`{"file_name":"/tmp/a.jpg"}`))

	require.Eventually(t, func() bool { return len(tr.Sent("detection/device1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	msg := tr.Sent("detection/device1")[0]
	assert.Equal(t, byte(1), msg.QoS)

	var meta types.DetectionMeta
	require.NoError(t, json.Unmarshal(msg.Payload, &meta))
	assert.Equal(t, []string{"person"}, meta.Labels)
	assert.Equal(t, "device1", meta.DeviceID)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.MessagesReceived.WithLabelValues("image")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Published))
}

func TestControlSetsThreshold(t *testing.T) {
	s, tr, det := newTestService(t, testConfig(t, ""))
	stop := startService(t, s)
	defer stop()

	s.HandleMessage("detectiond/test/control", []byte(`{"command":"set_threshold","params":{"threshold":0.4}}`))
	require.Eventually(t, func() bool { return len(tr.Sent("detectiond/test/control/response")) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.4, det.Threshold())

	s.HandleMessage("detectiond/test/control", []byte(`{"command":"set_threshold","params":{"threshold":2}}`))
	require.Eventually(t, func() bool { return len(tr.Sent("detectiond/test/control/response")) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.4, det.Threshold(), "rejected value must keep the previous threshold")

	// control traffic never reaches the pipeline
	assert.Equal(t, 0, s.inbound.Len())
}

func TestInboundOverflowIsCounted(t *testing.T) {
	s, _, _ := newTestService(t, testConfig(t, "queues:\n  inbound_capacity: 1\n"))

	for i := 0; i < 3; i++ {
		s.HandleMessage("image/d", []byte(`{"file_name":"/a.jpg"}`))
	}

	assert.Equal(t, 1, s.inbound.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.MessagesDropped.WithLabelValues(metrics.DropInboundOverflow)))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.MessagesReceived.WithLabelValues("image")))
}

func TestRunFailsWithoutBroker(t *testing.T) {
	notFound := errors.New("no broker")
	s, err := NewService(testConfig(t, ""), slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithTransport(func(context.Context, bus.Handler) (bus.Transport, error) { return nil, notFound }),
		WithDetector(personDetector()),
	)
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.ErrorIs(t, err, notFound)
}

func TestShutdownDisconnects(t *testing.T) {
	s, tr, _ := newTestService(t, testConfig(t, ""))
	stop := startService(t, s)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, tr.Connected())

	// second call is a no-op
	assert.NoError(t, s.Shutdown(ctx))
}

func TestHealthEndpoints(t *testing.T) {
	s, _, _ := newTestService(t, testConfig(t, ""))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	stop := startService(t, s)
	defer stop()

	resp, err = http.Get(srv.URL + "/readiness")
	require.NoError(t, err)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.BrokerConnected)
	assert.Equal(t, 100, health.OutboundCapacity)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "detectiond_broker_connected")
}

func TestGetStatus(t *testing.T) {
	s, _, _ := newTestService(t, testConfig(t, ""))

	status := s.GetStatus()
	assert.Equal(t, "detection-service", status["instance_id"])
	assert.Equal(t, false, status["running"])
	assert.Equal(t, 0.7, status["threshold"])
}

func TestDetectionQueryEndpoints(t *testing.T) {
	dbPath := t.TempDir() + "/detections.db"
	s, tr, _ := newTestService(t, testConfig(t, "store:\n  path: "+dbPath+"\n"))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	stop := startService(t, s)
	s.HandleMessage("image/device1", []byte(`{"file_name":"/tmp/a.jpg"}`))
	require.Eventually(t, func() bool { return len(tr.Sent("detection/device1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/detections/labels?since=0")
	require.NoError(t, err)
	var counts map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&counts))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"person": 1}, counts)

	resp, err = http.Get(srv.URL + "/detections/labels?since=yesterday")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
