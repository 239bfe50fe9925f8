// Package pipeline implements the batch/detect loop and the publish loop that
// sit between the inbound and outbound queues.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/care/detectiond/internal/detector"
	"github.com/care/detectiond/internal/metrics"
	"github.com/care/detectiond/internal/queue"
	"github.com/care/detectiond/internal/types"
)

// ArtifactWriter stores the annotated image and meta file of a result
type ArtifactWriter interface {
	Write(deviceID string, timestampMillis int64, res types.DetectionResult) (types.DetectionMeta, error)
}

// Recorder persists published metadata
type Recorder interface {
	Record(ctx context.Context, meta types.DetectionMeta) (int64, error)
}

// Broadcaster fans published payloads out to live listeners without blocking
type Broadcaster interface {
	Broadcast(payload []byte)
}

// Deps are the collaborators shared by the loops
type Deps struct {
	Inbound   *queue.Queue[types.InboundMessage]
	Outbound  *queue.Queue[types.OutboundMessage]
	Detector  detector.Detector
	Artifacts ArtifactWriter
	Recorder  Recorder    // optional
	Feed      Broadcaster // optional
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// BatcherConfig configures the batch loop
type BatcherConfig struct {
	Window          int           // max inbound messages per cycle
	ImageRoot       string        // base for relative file names
	DetectorTimeout time.Duration // per device group
	QoS             byte
}

// Batcher drains inbound messages, runs detection per device and emits
// outbound detection messages
type Batcher struct {
	cfg    BatcherConfig
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	resumed chan struct{} // non-nil while paused
}

// NewBatcher creates a batcher
func NewBatcher(cfg BatcherConfig, deps Deps) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = 5
	}
	if cfg.ImageRoot == "" {
		cfg.ImageRoot = "/"
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Batcher{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "batcher"),
	}
}

// Run processes inbound messages until ctx is done
func (b *Batcher) Run(ctx context.Context) error {
	b.logger.Info("batcher started", "window", b.cfg.Window, "detector_timeout", b.cfg.DetectorTimeout)

	for {
		if wait := b.pauseSignal(); wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				b.logger.Info("batcher stopping")
				return nil
			}
		}

		msgs, err := b.deps.Inbound.PopBatch(ctx, b.cfg.Window)
		if err != nil {
			b.logger.Info("batcher stopping")
			return nil
		}

		for _, out := range b.Process(ctx, msgs) {
			if b.deps.Outbound.Push(out) {
				b.deps.Metrics.Dropped(metrics.DropOutboundOverflow)
				b.logger.Debug("outbound queue full, dropped oldest", "capacity", b.deps.Outbound.Cap())
			}
		}
	}
}

// Pause stops taking messages from the inbound queue; they accumulate
// there until Resume. A window already in progress completes.
func (b *Batcher) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resumed == nil {
		b.resumed = make(chan struct{})
		b.logger.Info("detection paused")
	}
}

// Resume undoes Pause
func (b *Batcher) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resumed != nil {
		close(b.resumed)
		b.resumed = nil
		b.logger.Info("detection resumed")
	}
}

// Paused reports whether the batcher is paused
func (b *Batcher) Paused() bool {
	return b.pauseSignal() != nil
}

func (b *Batcher) pauseSignal() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resumed
}

// Process turns one drained window of messages into outbound messages.
// Failures are logged per message or group and never abort the window.
func (b *Batcher) Process(ctx context.Context, msgs []types.InboundMessage) []types.OutboundMessage {
	jobs := make([]types.ImageJob, 0, len(msgs))
	for _, msg := range msgs {
		switch {
		case msg.IsImage():
			job, err := ParseJob(msg, b.cfg.ImageRoot)
			if err != nil {
				b.deps.Metrics.Dropped(metrics.DropParseError)
				b.logger.Warn("dropping unparseable message", "topic", msg.Topic, "error", err)
				continue
			}
			jobs = append(jobs, job)

		case msg.IsEndStream():
			b.handleEndStream(msg)

		default:
			b.deps.Metrics.Dropped(metrics.DropNotImage)
			b.logger.Debug("discarding message outside image namespace", "topic", msg.Topic)
		}
	}

	var out []types.OutboundMessage
	for _, group := range GroupByDevice(jobs) {
		out = append(out, b.processGroup(ctx, group)...)
	}
	return out
}

// handleEndStream acknowledges end-of-stream markers. Batch ingest of a
// finished stream is not defined yet, so nothing is produced.
func (b *Batcher) handleEndStream(msg types.InboundMessage) {
	b.logger.Info("end of stream received",
		"device_id", msg.TopicDevice(),
		"payload_bytes", len(msg.Payload),
	)
}

func (b *Batcher) processGroup(ctx context.Context, group Group) []types.OutboundMessage {
	paths := group.Paths()
	traceID := uuid.NewString()

	results, err := b.detect(ctx, paths)
	if err != nil {
		b.logger.Error("detector failed for group",
			"device_id", group.DeviceID,
			"images", len(paths),
			"trace_id", traceID,
			"error", err,
		)
	}

	var out []types.OutboundMessage
	for i, res := range results {
		job := group.Jobs[i]

		if res.Image == nil {
			b.deps.Metrics.Dropped(metrics.DropDetectorError)
			continue
		}
		if res.Empty() {
			b.deps.Metrics.Dropped(metrics.DropNoDetections)
			continue
		}

		meta, err := b.deps.Artifacts.Write(job.DeviceID, job.TimestampMillis, res)
		if err != nil {
			b.deps.Metrics.Dropped(metrics.DropArtifactError)
			b.logger.Error("failed to write artifacts", "path", job.Path, "trace_id", traceID, "error", err)
			continue
		}

		payload, err := meta.ToJSON()
		if err != nil {
			b.logger.Error("failed to encode detection meta", "path", job.Path, "error", err)
			continue
		}

		if b.deps.Recorder != nil {
			if _, err := b.deps.Recorder.Record(ctx, meta); err != nil {
				b.logger.Warn("failed to record detection", "device_id", job.DeviceID, "error", err)
			}
		}
		if b.deps.Feed != nil {
			b.deps.Feed.Broadcast(payload)
		}

		out = append(out, types.NewOutboundMessage(group.DeviceID, payload, b.cfg.QoS))
		b.deps.Metrics.Detections.Inc()

		b.logger.Debug("detection ready",
			"device_id", group.DeviceID,
			"labels", meta.Labels,
			"trace_id", traceID,
		)
	}

	return out
}

// detect runs one detector batch under the group timeout. The returned slice
// always has len(paths) entries; a panic or timeout leaves placeholders.
// A backend that ignores ctx is abandoned once the timeout fires and its
// late result is discarded.
func (b *Batcher) detect(ctx context.Context, paths []string) ([]types.DetectionResult, error) {
	dctx := ctx
	if b.cfg.DetectorTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, b.cfg.DetectorTimeout)
		defer cancel()
	}

	type outcome struct {
		results []types.DetectionResult
		err     error
	}
	done := make(chan outcome, 1)

	start := time.Now()
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o.err = fmt.Errorf("detector panic: %v", r)
			}
			done <- o
		}()
		o.results = b.deps.Detector.DetectBatch(dctx, paths)
	}()

	var o outcome
	select {
	case o = <-done:
	case <-dctx.Done():
		o.err = fmt.Errorf("detector abandoned: %w", dctx.Err())
		b.logger.Warn("abandoning detector call", "images", len(paths), "timeout", b.cfg.DetectorTimeout)
	}
	b.deps.Metrics.DetectorBatchDuration.Observe(time.Since(start).Seconds())

	if o.err == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
		o.err = fmt.Errorf("detector timeout after %s", b.cfg.DetectorTimeout)
	}
	return detector.Align(paths, o.results), o.err
}
