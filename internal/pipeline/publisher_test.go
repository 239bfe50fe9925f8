package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/detectiond/internal/bus"
	"github.com/care/detectiond/internal/metrics"
	"github.com/care/detectiond/internal/queue"
	"github.com/care/detectiond/internal/types"
)

type fakeTransport struct {
	*bus.State

	mu   sync.Mutex
	sent []types.OutboundMessage
	err  error
}

func newFakeTransport(connected bool) *fakeTransport {
	f := &fakeTransport{State: bus.NewState(nil)}
	f.Set(connected)
	return f
}

func (f *fakeTransport) Publish(topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, types.OutboundMessage{Topic: topic, QoS: qos, Data: payload})
	return nil
}

func (f *fakeTransport) Sent() []types.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.OutboundMessage(nil), f.sent...)
}

func outbound(device, data string) types.OutboundMessage {
	return types.OutboundMessage{Topic: types.DetectionTopic(device), Data: []byte(data), QoS: 1}
}

// TestPublisherHoldsWhileDisconnected verifies nothing is lost or sent before the broker comes up
func TestPublisherHoldsWhileDisconnected(t *testing.T) {
	q := queue.New[types.OutboundMessage](100)
	q.Push(outbound("d1", "1"))
	q.Push(outbound("d2", "2"))

	tr := newFakeTransport(false)
	m := metrics.New()
	p := NewPublisher(PublisherConfig{ReconnectPoll: 20 * time.Millisecond}, q, tr, m, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, tr.Sent())
	assert.Equal(t, 2, q.Len())

	tr.Set(true)
	require.Eventually(t, func() bool { return len(tr.Sent()) == 2 }, 2*time.Second, 10*time.Millisecond)

	sent := tr.Sent()
	assert.Equal(t, "detection/d1", sent[0].Topic)
	assert.Equal(t, "detection/d2", sent[1].Topic)
	assert.Equal(t, byte(1), sent[0].QoS)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Published))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}
}

func TestPublisherCountsFailures(t *testing.T) {
	q := queue.New[types.OutboundMessage](100)
	q.Push(outbound("d1", "1"))

	tr := newFakeTransport(true)
	tr.err = errors.New("broker refused")
	m := metrics.New()
	p := NewPublisher(PublisherConfig{}, q, tr, m, testLogger())

	assert.Equal(t, 0, p.Drain(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Published))
}

func TestDrain(t *testing.T) {
	q := queue.New[types.OutboundMessage](100)
	for _, d := range []string{"a", "b", "c"} {
		q.Push(outbound(d, d))
	}

	down := newFakeTransport(false)
	p := NewPublisher(PublisherConfig{}, q, down, nil, testLogger())
	assert.Equal(t, 3, p.Drain(context.Background()), "nothing leaves while disconnected")

	up := newFakeTransport(true)
	p = NewPublisher(PublisherConfig{}, q, up, nil, testLogger())
	assert.Equal(t, 0, p.Drain(context.Background()))
	require.Len(t, up.Sent(), 3)
	assert.Equal(t, "detection/a", up.Sent()[0].Topic)
}

func TestPublisherRateLimit(t *testing.T) {
	q := queue.New[types.OutboundMessage](0)
	for i := 0; i < 3; i++ {
		q.Push(outbound("d", "x"))
	}

	tr := newFakeTransport(true)
	p := NewPublisher(PublisherConfig{MaxRateHz: 20}, q, tr, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	go p.Run(ctx)

	require.Eventually(t, func() bool { return len(tr.Sent()) == 3 }, 2*time.Second, 5*time.Millisecond)
	// burst of one, then 50ms per message
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

// TestPublisherKeepsOrderWhenStoppedWhileLimited verifies a message caught by
// the rate limiter at shutdown is drained first and nothing is evicted
func TestPublisherKeepsOrderWhenStoppedWhileLimited(t *testing.T) {
	q := queue.New[types.OutboundMessage](2)
	q.Push(outbound("a", "a"))
	q.Push(outbound("b", "b"))

	tr := newFakeTransport(true)
	p := NewPublisher(PublisherConfig{MaxRateHz: 0.1}, q, tr, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// "a" uses the burst, "b" waits ten seconds for a token
	require.Eventually(t, func() bool { return len(tr.Sent()) == 1 && q.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}

	q.Push(outbound("c", "c"))
	q.Push(outbound("d", "d"))
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, 0, p.Drain(context.Background()))
	var topics []string
	for _, m := range tr.Sent() {
		topics = append(topics, m.Topic)
	}
	assert.Equal(t, []string{"detection/a", "detection/b", "detection/c", "detection/d"}, topics)
}
