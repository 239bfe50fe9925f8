// Package worker runs object detection in an external model process.
//
// The process is spawned with the configured command and speaks
// length-prefixed msgpack over stdin/stdout: one Request in, one Response
// out, items in request order. Stderr lines are forwarded to the logger with
// their level mapped from "[ERROR]", "[WARNING]" or "[INFO]" markers.
//
// Only raw boxes cross the pipe. Threshold filtering, label resolution and
// annotation happen on the Go side so SetThreshold takes effect on the next
// request without restarting the model.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/care/detectiond/internal/detector"
	"github.com/care/detectiond/internal/types"
)

// ErrWorkerExited is returned when the model process is not running
var ErrWorkerExited = errors.New("worker: model process exited")

// Config configures the subprocess detector
type Config struct {
	ID           string
	Command      string
	Args         []string
	Threshold    float64
	Labels       detector.Labels
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Stats contains worker health metrics
type Stats struct {
	Batches      uint64    `json:"batches"`
	Items        uint64    `json:"items"`
	ItemFailures uint64    `json:"item_failures"`
	Restarts     uint64    `json:"restarts"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Running      bool      `json:"running"`
}

// Detector implements detector.Detector on top of a model process
type Detector struct {
	cfg       Config
	threshold *detector.Threshold
	logger    *slog.Logger

	// one request in flight; held across write and read
	reqMu sync.Mutex

	procMu    sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan Response
	exited    chan struct{}

	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool

	batches        uint64
	items          uint64
	itemFailures   uint64
	restarts       uint64
	totalLatencyMS uint64
	lastSeenAt     atomic.Value // time.Time
}

// New creates a subprocess detector. Call Start before use.
func New(cfg Config) (*Detector, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if cfg.ID == "" {
		cfg.ID = "detector-worker"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = detector.COCOLabels
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	th := detector.NewThreshold(detector.DefaultThreshold)
	if err := th.Set(cfg.Threshold); err != nil {
		return nil, err
	}

	d := &Detector{
		cfg:       cfg,
		threshold: th,
		logger:    cfg.Logger.With("component", "detector", "worker_id", cfg.ID),
	}
	d.lastSeenAt.Store(time.Time{})
	return d, nil
}

// Start spawns the model process
func (d *Detector) Start(ctx context.Context) error {
	d.procMu.Lock()
	defer d.procMu.Unlock()

	if d.isActive.Load() {
		return fmt.Errorf("worker already started")
	}
	d.parent = ctx
	return d.spawn()
}

// spawn starts the process and its reader goroutines. Caller holds procMu.
func (d *Detector) spawn() error {
	d.ctx, d.cancel = context.WithCancel(d.parent)

	cmd := exec.CommandContext(d.ctx, d.cfg.Command, d.cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start model process: %w", err)
	}
	d.cmd = cmd

	d.logger.Info("model process spawned",
		"command", d.cfg.Command,
		"pid", cmd.Process.Pid,
	)

	d.attach(stdin, stdout)

	d.wg.Add(1)
	go d.logStderr(stderr)

	d.wg.Add(1)
	go d.waitProcess()

	return nil
}

// attach wires the request/response pipes and starts the reader
func (d *Detector) attach(stdin io.WriteCloser, stdout io.Reader) {
	d.stdin = stdin
	d.responses = make(chan Response, 1)
	d.exited = make(chan struct{})
	d.isActive.Store(true)

	d.wg.Add(1)
	go d.readResults(stdout, d.responses, d.exited)
}

// readResults decodes responses until stdout closes
func (d *Detector) readResults(stdout io.Reader, out chan<- Response, exited chan struct{}) {
	defer d.wg.Done()
	defer close(exited)
	defer d.isActive.Store(false)

	for {
		var resp Response
		if err := readFrame(stdout, &resp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				d.logger.Debug("model process stdout closed")
				return
			}
			d.logger.Error("failed to read response from model process",
				"error", err,
				"action", "check model process logs in stderr",
			)
			return
		}

		d.lastSeenAt.Store(time.Now())

		select {
		case out <- resp:
		default:
			// nobody waiting (caller timed out); drop the stale response
			d.logger.Warn("dropping unclaimed worker response", "request_id", resp.ID)
		}
	}
}

// logStderr forwards model process stderr, mapping its log levels
func (d *Detector) logStderr(stderr io.Reader) {
	defer d.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			d.logger.Error("model process error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			d.logger.Warn("model process warning", "log", line)
		default:
			d.logger.Debug("model process log", "log", line)
		}
	}
}

// waitProcess reaps the process and reports unexpected exits
func (d *Detector) waitProcess() {
	defer d.wg.Done()

	cmd, ctx := d.cmd, d.ctx
	err := cmd.Wait()

	select {
	case <-ctx.Done():
		d.logger.Debug("model process exited (shutdown)", "pid", cmd.Process.Pid)
	default:
		if err != nil {
			d.logger.Error("model process exited unexpectedly", "pid", cmd.Process.Pid, "error", err)
		} else {
			d.logger.Warn("model process exited", "pid", cmd.Process.Pid)
		}
	}
}

// ensureRunning respawns a process that exited on its own
func (d *Detector) ensureRunning() error {
	d.procMu.Lock()
	defer d.procMu.Unlock()

	if d.isActive.Load() {
		return nil
	}
	if d.cmd == nil || d.parent == nil || d.parent.Err() != nil {
		return ErrWorkerExited
	}

	d.logger.Warn("model process not running, restarting")
	d.cancel()
	d.wg.Wait()

	if err := d.spawn(); err != nil {
		return fmt.Errorf("restart failed: %w", err)
	}
	atomic.AddUint64(&d.restarts, 1)
	return nil
}

// request sends one batch and waits for its response
func (d *Detector) request(ctx context.Context, paths []string) (Response, error) {
	if err := d.ensureRunning(); err != nil {
		return Response{}, err
	}

	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	d.procMu.Lock()
	stdin, responses, exited := d.stdin, d.responses, d.exited
	d.procMu.Unlock()

	req := Request{
		ID:        uuid.NewString(),
		Type:      "detect_batch",
		Paths:     paths,
		Threshold: d.threshold.Get(),
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeFrame(stdin, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return Response{}, fmt.Errorf("failed to write to stdin: %w", err)
		}
	case <-time.After(d.cfg.WriteTimeout):
		return Response{}, fmt.Errorf("stdin write timeout (model process may be hung)")
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	start := time.Now()
	for {
		select {
		case resp := <-responses:
			if resp.ID != req.ID {
				d.logger.Debug("discarding stale response", "request_id", resp.ID)
				continue
			}
			atomic.AddUint64(&d.batches, 1)
			atomic.AddUint64(&d.totalLatencyMS, uint64(time.Since(start).Milliseconds()))
			if resp.Error != "" {
				return resp, fmt.Errorf("worker error: %s", resp.Error)
			}
			return resp, nil
		case <-exited:
			return Response{}, ErrWorkerExited
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

// build turns one raw item into a filtered, annotated result
func (d *Detector) build(path string, item ResponseItem, threshold float64) (types.DetectionResult, error) {
	if item.Error != "" {
		return types.DetectionResult{InPath: path}, fmt.Errorf("worker item error: %s", item.Error)
	}

	cands := make([]detector.Candidate, 0, len(item.Detections))
	for _, raw := range item.Detections {
		cands = append(cands, detector.Candidate{
			ClassID: raw.ClassID,
			Label:   raw.Label,
			Score:   raw.Score,
			Box:     raw.Box,
		})
	}
	dets := detector.Filter(cands, threshold, d.cfg.Labels)

	img, err := detector.LoadImage(path)
	if err != nil {
		return types.DetectionResult{InPath: path}, err
	}

	return types.DetectionResult{
		InPath:     path,
		Image:      detector.Annotate(img, dets),
		Detections: dets,
	}, nil
}

// Detect implements detector.Detector
func (d *Detector) Detect(ctx context.Context, path string) (types.DetectionResult, error) {
	threshold := d.threshold.Get()

	resp, err := d.request(ctx, []string{path})
	if err != nil {
		return types.DetectionResult{InPath: path}, err
	}
	if len(resp.Items) == 0 {
		return types.DetectionResult{InPath: path}, fmt.Errorf("worker returned no items")
	}

	atomic.AddUint64(&d.items, 1)
	res, err := d.build(path, resp.Items[0], threshold)
	if err != nil {
		atomic.AddUint64(&d.itemFailures, 1)
	}
	return res, err
}

// DetectBatch implements detector.Detector
func (d *Detector) DetectBatch(ctx context.Context, paths []string) []types.DetectionResult {
	results := make([]types.DetectionResult, len(paths))
	for i, p := range paths {
		results[i] = types.DetectionResult{InPath: p}
	}
	if len(paths) == 0 {
		return results
	}

	threshold := d.threshold.Get()

	resp, err := d.request(ctx, paths)
	if err != nil {
		d.logger.Error("detect batch failed", "images", len(paths), "error", err)
		atomic.AddUint64(&d.itemFailures, uint64(len(paths)))
		return results
	}

	if len(resp.Items) != len(paths) {
		d.logger.Warn("worker response misaligned",
			"expected", len(paths),
			"got", len(resp.Items),
		)
	}

	for i, p := range paths {
		atomic.AddUint64(&d.items, 1)
		if i >= len(resp.Items) || (resp.Items[i].Path != "" && resp.Items[i].Path != p) {
			atomic.AddUint64(&d.itemFailures, 1)
			continue
		}

		res, err := d.build(p, resp.Items[i], threshold)
		if err != nil {
			atomic.AddUint64(&d.itemFailures, 1)
			d.logger.Error("error processing image", "path", p, "error", err)
			continue
		}
		results[i] = res
	}

	return results
}

// SetThreshold implements detector.Detector
func (d *Detector) SetThreshold(v float64) error {
	if err := d.threshold.Set(v); err != nil {
		return err
	}
	d.logger.Info("updated score threshold", "threshold", v)
	return nil
}

// Threshold implements detector.Detector
func (d *Detector) Threshold() float64 {
	return d.threshold.Get()
}

// Stats returns worker health metrics
func (d *Detector) Stats() Stats {
	batches := atomic.LoadUint64(&d.batches)

	var avg float64
	if batches > 0 {
		avg = float64(atomic.LoadUint64(&d.totalLatencyMS)) / float64(batches)
	}

	lastSeen, _ := d.lastSeenAt.Load().(time.Time)

	return Stats{
		Batches:      batches,
		Items:        atomic.LoadUint64(&d.items),
		ItemFailures: atomic.LoadUint64(&d.itemFailures),
		Restarts:     atomic.LoadUint64(&d.restarts),
		AvgLatencyMS: avg,
		LastSeenAt:   lastSeen,
		Running:      d.isActive.Load(),
	}
}

// Close stops the model process, killing it if it does not exit within 2s
func (d *Detector) Close() error {
	d.procMu.Lock()
	defer d.procMu.Unlock()

	if d.stdin != nil {
		d.stdin.Close() // signals the model process to exit
	}
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		if d.cmd != nil && d.cmd.Process != nil {
			d.logger.Warn("model process did not exit, killing", "pid", d.cmd.Process.Pid)
			_ = d.cmd.Process.Kill()
		}
	}

	d.isActive.Store(false)
	d.logger.Info("detector worker stopped")
	return nil
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
