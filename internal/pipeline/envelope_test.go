package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/detectiond/internal/types"
)

func TestParseJob(t *testing.T) {
	received := time.UnixMilli(1_700_000_000_000)

	tests := []struct {
		name    string
		topic   string
		payload string
		want    types.ImageJob
		wantErr error
	}{
		{
			name:    "device from topic, timestamp from arrival",
			topic:   "image/device1",
			payload: `{"file_name":"/tmp/a.jpg"}`,
			want:    types.ImageJob{DeviceID: "device1", Path: "/tmp/a.jpg", TimestampMillis: 1_700_000_000_000},
		},
		{
			name:    "payload device and timestamp win",
			topic:   "image/device1",
			payload: `{"file_name":"/tmp/a.jpg","device_id":"cam-7","timestamp":1234}`,
			want:    types.ImageJob{DeviceID: "cam-7", Path: "/tmp/a.jpg", TimestampMillis: 1234},
		},
		{
			name:    "relative file name joins root",
			topic:   "image/device1",
			payload: `{"file_name":"cam/a.jpg"}`,
			want:    types.ImageJob{DeviceID: "device1", Path: "/data/cam/a.jpg", TimestampMillis: 1_700_000_000_000},
		},
		{
			name:    "missing file name",
			topic:   "image/device1",
			payload: `{"device_id":"x"}`,
			wantErr: ErrMissingFileName,
		},
		{
			name:    "no device anywhere",
			topic:   "image/",
			payload: `{"file_name":"/a.jpg"}`,
			wantErr: ErrMissingDevice,
		},
		{
			name:    "multi-level wildcard device",
			topic:   "image/device1",
			payload: `{"file_name":"/a.jpg","device_id":"#"}`,
			wantErr: ErrInvalidDevice,
		},
		{
			name:    "single-level wildcard device",
			topic:   "image/device1",
			payload: `{"file_name":"/a.jpg","device_id":"cam/+"}`,
			wantErr: ErrInvalidDevice,
		},
		{
			name:    "NUL in device",
			topic:   "image/device1",
			payload: `{"file_name":"/a.jpg","device_id":"cam\u0000"}`,
			wantErr: ErrInvalidDevice,
		},
		{
			name:    "not an image topic",
			topic:   "end-stream/device1",
			payload: `{"file_name":"/a.jpg"}`,
			wantErr: ErrNotImageTopic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := types.InboundMessage{Topic: tt.topic, Payload: []byte(tt.payload), ReceivedAt: received}
			job, err := ParseJob(msg, "/data")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, job)
		})
	}
}

func TestParseJobRejectsInvalidJSON(t *testing.T) {
	_, err := ParseJob(types.InboundMessage{Topic: "image/d", Payload: []byte("{not json")}, "/")
	assert.Error(t, err)
}

// TestGroupByDeviceIsStable verifies group order follows first appearance and jobs keep input order
func TestGroupByDeviceIsStable(t *testing.T) {
	jobs := []types.ImageJob{
		{DeviceID: "b", Path: "b1"},
		{DeviceID: "a", Path: "a1"},
		{DeviceID: "b", Path: "b2"},
		{DeviceID: "c", Path: "c1"},
		{DeviceID: "a", Path: "a2"},
	}

	groups := GroupByDevice(jobs)
	require.Len(t, groups, 3)
	assert.Equal(t, "b", groups[0].DeviceID)
	assert.Equal(t, []string{"b1", "b2"}, groups[0].Paths())
	assert.Equal(t, "a", groups[1].DeviceID)
	assert.Equal(t, []string{"a1", "a2"}, groups[1].Paths())
	assert.Equal(t, "c", groups[2].DeviceID)
	assert.Equal(t, []string{"c1"}, groups[2].Paths())

	assert.Empty(t, GroupByDevice(nil))
}
