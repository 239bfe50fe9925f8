package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu    sync.Mutex
	topic string
	resps []Response
}

func (c *capture) Publish(topic string, _ byte, payload []byte) error {
	var r Response
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = topic
	c.resps = append(c.resps, r)
	return nil
}

func (c *capture) Responses() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Response(nil), c.resps...)
}

func TestExecuteSetThreshold(t *testing.T) {
	var got float64
	h := NewHandler("ctl/response", &capture{}, Callbacks{
		OnSetThreshold: func(v float64) error {
			if v > 1 {
				return errors.New("out of range")
			}
			got = v
			return nil
		},
	}, nil)

	resp := h.Execute(Command{Command: "set_threshold", Params: map[string]interface{}{"threshold": 0.5}})
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 0.5, got)

	resp = h.Execute(Command{Command: "set_threshold", Params: map[string]interface{}{"threshold": 1.5}})
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "out of range", resp.Error)
	assert.Equal(t, 0.5, got)

	resp = h.Execute(Command{Command: "set_threshold", Params: map[string]interface{}{"threshold": "high"}})
	assert.Equal(t, "error", resp.Status)
}

func TestExecuteUnknownAndMissing(t *testing.T) {
	h := NewHandler("ctl/response", &capture{}, Callbacks{}, nil)

	assert.Equal(t, "unknown command: reboot", h.Execute(Command{Command: "reboot"}).Error)
	assert.Equal(t, "get_status not implemented", h.Execute(Command{Command: "get_status"}).Error)
}

func TestExecutePauseResume(t *testing.T) {
	paused := false
	h := NewHandler("ctl/response", &capture{}, Callbacks{
		OnPause:  func() error { paused = true; return nil },
		OnResume: func() error { paused = false; return nil },
	}, nil)

	assert.Equal(t, "paused", h.Execute(Command{Command: "pause_detection"}).Status)
	assert.True(t, paused)
	assert.Equal(t, "running", h.Execute(Command{Command: "resume_detection"}).Status)
	assert.False(t, paused)
}

// TestRunPublishesResponses drives a message through the queue to the response topic
func TestRunPublishesResponses(t *testing.T) {
	pub := &capture{}
	h := NewHandler("ctl/response", pub, Callbacks{
		OnGetStatus: func() map[string]interface{} { return map[string]interface{}{"paused": false} },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.HandleMessage([]byte(`{"command":"get_status"}`))
	h.HandleMessage([]byte(`{broken`))

	require.Eventually(t, func() bool { return len(pub.Responses()) == 2 }, time.Second, 10*time.Millisecond)

	var status, invalid Response
	for _, r := range pub.Responses() {
		if r.CommandAck == "get_status" {
			status = r
		} else {
			invalid = r
		}
	}
	assert.Equal(t, "success", status.Status)
	assert.Equal(t, false, status.Data["paused"])
	assert.NotEmpty(t, status.Timestamp)
	assert.Equal(t, "invalid JSON", invalid.Error)
	assert.Equal(t, "ctl/response", pub.topic)
}
