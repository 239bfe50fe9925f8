// Package core wires the detection service together and owns its lifecycle.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/care/detectiond/internal/artifact"
	"github.com/care/detectiond/internal/broker"
	"github.com/care/detectiond/internal/bus"
	"github.com/care/detectiond/internal/config"
	"github.com/care/detectiond/internal/control"
	"github.com/care/detectiond/internal/detector"
	"github.com/care/detectiond/internal/detector/dnn"
	"github.com/care/detectiond/internal/detector/worker"
	"github.com/care/detectiond/internal/feed"
	"github.com/care/detectiond/internal/metrics"
	"github.com/care/detectiond/internal/pipeline"
	"github.com/care/detectiond/internal/queue"
	"github.com/care/detectiond/internal/store"
	"github.com/care/detectiond/internal/types"
)

const statsInterval = 30 * time.Second

// TransportFactory builds a transport once the service knows its handler
type TransportFactory func(ctx context.Context, handler bus.Handler) (bus.Transport, error)

// Option customizes a Service
type Option func(*Service)

// WithTransport replaces broker discovery with a prebuilt transport factory
func WithTransport(f TransportFactory) Option {
	return func(s *Service) { s.newTransport = f }
}

// WithDetector replaces the configured detector backend
func WithDetector(d detector.Detector) Option {
	return func(s *Service) { s.detector = d }
}

// Service is the detection service orchestrator
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	inbound  *queue.Queue[types.InboundMessage]
	outbound *queue.Queue[types.OutboundMessage]

	newTransport TransportFactory
	detector     detector.Detector
	batcher      *pipeline.Batcher
	publisher    *pipeline.Publisher
	control      *control.Handler
	store        *store.Store
	feed         *feed.Hub

	started   time.Time
	mu        sync.RWMutex
	transport bus.Transport
	isRunning bool
}

// NewService builds every component from cfg. Nothing connects until Run.
func NewService(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New()
	s := &Service{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		inbound: queue.New[types.InboundMessage](cfg.Queues.InboundCapacity,
			queue.WithLengthObserver[types.InboundMessage](func(n int) { m.InboundQueueLength.Set(float64(n)) }),
		),
		outbound: queue.New[types.OutboundMessage](cfg.Queues.OutboundCapacity,
			queue.WithLengthObserver[types.OutboundMessage](func(n int) { m.OutboundQueueLength.Set(float64(n)) }),
		),
	}
	s.newTransport = s.discoverTransport

	for _, opt := range opts {
		opt(s)
	}

	if s.detector == nil {
		d, err := newDetector(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create detector: %w", err)
		}
		s.detector = d
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		s.store = st
	}

	if cfg.Feed.Enabled {
		s.feed = feed.NewHub(logger)
	}

	deps := pipeline.Deps{
		Inbound:   s.inbound,
		Outbound:  s.outbound,
		Detector:  s.detector,
		Artifacts: artifact.NewWriter(cfg.Artifacts.OutputDir),
		Metrics:   m,
		Logger:    logger,
	}
	if s.store != nil {
		deps.Recorder = s.store
	}
	if s.feed != nil {
		deps.Feed = s.feed
	}

	s.batcher = pipeline.NewBatcher(pipeline.BatcherConfig{
		Window:          cfg.Batch.Window,
		ImageRoot:       cfg.Images.Root,
		DetectorTimeout: cfg.DetectorTimeout(),
		QoS:             cfg.DetectionQoS(),
	}, deps)

	s.publisher = pipeline.NewPublisher(pipeline.PublisherConfig{
		ReconnectPoll: time.Duration(cfg.Publisher.ReconnectPollMS) * time.Millisecond,
		MaxRateHz:     cfg.Publisher.MaxRateHz,
	}, s.outbound, s, m, logger)

	if cfg.Control.Topic != "" {
		s.control = control.NewHandler(cfg.Control.ResponseTopic(), s, control.Callbacks{
			OnGetStatus:    s.GetStatus,
			OnSetThreshold: s.detector.SetThreshold,
			OnPause:        func() error { s.batcher.Pause(); return nil },
			OnResume:       func() error { s.batcher.Resume(); return nil },
		}, logger)
	}

	logger.Info("service configured",
		"instance_id", cfg.InstanceID,
		"transport", cfg.Transport,
		"detector", cfg.Detector.Backend,
		"store_enabled", s.store != nil,
		"feed_enabled", s.feed != nil,
		"control_topic", cfg.Control.Topic,
	)

	return s, nil
}

func newDetector(cfg *config.Config, logger *slog.Logger) (detector.Detector, error) {
	labels := detector.COCOLabels
	if len(cfg.Detector.Labels) > 0 {
		labels = detector.Labels(cfg.Detector.Labels)
	}

	switch cfg.Detector.Backend {
	case "dnn":
		return dnn.New(dnn.Config{
			Model:     cfg.Detector.DNN.Model,
			Config:    cfg.Detector.DNN.Config,
			InputSize: cfg.Detector.DNN.InputSize,
			Scale:     cfg.Detector.DNN.Scale,
			Mean:      cfg.Detector.DNN.Mean,
			SwapRB:    cfg.Detector.DNN.SwapRB != nil && *cfg.Detector.DNN.SwapRB,
			Threshold: *cfg.Detector.Threshold,
			Labels:    labels,
			Logger:    logger,
		})
	default:
		return worker.New(worker.Config{
			ID:           cfg.InstanceID + "-detector",
			Command:      cfg.Detector.Worker.Command,
			Args:         cfg.Detector.Worker.Args,
			Threshold:    *cfg.Detector.Threshold,
			Labels:       labels,
			WriteTimeout: time.Duration(cfg.Detector.Worker.WriteTimeoutMS) * time.Millisecond,
			Logger:       logger,
		})
	}
}

// subscriptions returns the topic filters subscribed on every connect
func (s *Service) subscriptions() []string {
	subs := []string{types.ImageTopicFilter, types.EndStreamTopicFilter}
	if s.cfg.Control.Topic != "" {
		subs = append(subs, s.cfg.Control.Topic)
	}
	return subs
}

// discoverTransport locates a broker and builds the configured transport
func (s *Service) discoverTransport(ctx context.Context, handler bus.Handler) (bus.Transport, error) {
	onChange := func(connected bool) {
		s.metrics.SetConnected(connected)
	}

	if s.cfg.Transport == "nats" {
		return bus.NewNATS(bus.NATSConfig{
			URL:           s.cfg.NATS.URL,
			Name:          s.cfg.InstanceID,
			MaxReconnects: s.cfg.NATS.MaxReconnects,
			ReconnectWait: time.Duration(s.cfg.NATS.ReconnectWaitMS) * time.Millisecond,
			Subscriptions: s.subscriptions(),
			Logger:        s.logger,
			OnStateChange: onChange,
		}, handler), nil
	}

	locator := broker.NewLocator(broker.Config{
		Port:    s.cfg.Broker.Port,
		Timeout: s.cfg.ProbeTimeout(),
		Logger:  s.logger.With("component", "locator"),
	})
	host, err := locator.LocateWithRetry(ctx, s.cfg.Broker.Candidates, *s.cfg.Broker.Retries)
	if err != nil {
		return nil, err
	}

	return bus.NewMQTT(bus.MQTTConfig{
		Broker:         net.JoinHostPort(host, strconv.Itoa(s.cfg.Broker.Port)),
		ClientID:       s.cfg.MQTT.ClientID,
		ConnectTimeout: time.Duration(s.cfg.MQTT.ConnectTimeoutMS) * time.Millisecond,
		Subscriptions:  s.subscriptions(),
		SubscribeQoS:   types.DefaultQoS,
		Logger:         s.logger,
		OnStateChange:  onChange,
	}, handler), nil
}

// HandleMessage is the subscription callback. It only enqueues and never blocks.
func (s *Service) HandleMessage(topic string, payload []byte) {
	if s.control != nil && topic == s.cfg.Control.Topic {
		s.control.HandleMessage(payload)
		return
	}

	msg := types.InboundMessage{Topic: topic, Payload: payload, ReceivedAt: time.Now()}

	kind := "other"
	switch {
	case msg.IsImage():
		kind = "image"
	case msg.IsEndStream():
		kind = "end_stream"
	}
	s.metrics.MessagesReceived.WithLabelValues(kind).Inc()

	if s.inbound.Push(msg) {
		s.metrics.Dropped(metrics.DropInboundOverflow)
	}
}

// Publish sends on the current transport; it satisfies the publisher and control interfaces
func (s *Service) Publish(topic string, qos byte, payload []byte) error {
	t := s.currentTransport()
	if t == nil {
		return bus.ErrNotConnected
	}
	return t.Publish(topic, qos, payload)
}

// Connected reports whether the transport is connected
func (s *Service) Connected() bool {
	t := s.currentTransport()
	return t != nil && t.Connected()
}

// WaitConnected blocks until the transport is connected, ctx is done or max elapses
func (s *Service) WaitConnected(ctx context.Context, max time.Duration) bool {
	t := s.currentTransport()
	if t == nil {
		timer := time.NewTimer(max)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return false
	}
	return t.WaitConnected(ctx, max)
}

func (s *Service) currentTransport() bus.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Run connects to the broker and runs every loop until ctx is cancelled or
// one of them fails
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	s.logger.Info("detection service starting", "instance_id", s.cfg.InstanceID)

	if starter, ok := s.detector.(interface{ Start(context.Context) error }); ok {
		if err := starter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start detector: %w", err)
		}
	}

	t, err := s.newTransport(ctx, s.HandleMessage)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	if err := t.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.batcher.Run(gctx) })
	g.Go(func() error { return s.publisher.Run(gctx) })
	if s.feed != nil {
		g.Go(func() error { return s.feed.Run(gctx) })
	}
	if s.control != nil {
		g.Go(func() error { return s.control.Run(gctx) })
	}
	g.Go(func() error {
		s.logStats(gctx, statsInterval)
		return nil
	})

	s.logger.Info("detection service running")

	err = g.Wait()
	s.logger.Info("detection service run loop exiting")
	return err
}

// Shutdown drains what it can of the outbound queue and releases resources
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("shutting down detection service")

	// 1. Publish what is still queued while the broker allows
	if left := s.publisher.Drain(ctx); left > 0 {
		s.logger.Warn("outbound messages lost on shutdown", "count", left)
	}

	// 2. Stop the detector
	if err := s.detector.Close(); err != nil {
		s.logger.Error("failed to close detector", "error", err)
	}

	// 3. Disconnect the transport
	if t := s.currentTransport(); t != nil {
		t.Disconnect()
	}

	// 4. Close the store
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	s.logger.Info("detection service shutdown complete", "uptime", uptime)
	return nil
}

// logStats periodically logs queue and throughput state
func (s *Service) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("pipeline stats",
				"inbound_len", s.inbound.Len(),
				"inbound_dropped", s.inbound.Drops(),
				"outbound_len", s.outbound.Len(),
				"outbound_cap", s.outbound.Cap(),
				"outbound_dropped", s.outbound.Drops(),
				"connected", s.Connected(),
				"paused", s.batcher.Paused(),
			)
		}
	}
}

// GetStatus returns the current status of the service
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id":  s.cfg.InstanceID,
		"transport":    s.cfg.Transport,
		"running":      running,
		"connected":    s.Connected(),
		"paused":       s.batcher.Paused(),
		"threshold":    s.detector.Threshold(),
		"inbound_len":  s.inbound.Len(),
		"outbound_len": s.outbound.Len(),
	}
	if running {
		status["uptime_s"] = time.Since(started).Seconds()
	}
	return status
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	if timeout := s.cfg.ShutdownTimeout(); timeout > 0 {
		return timeout
	}
	return 5 * time.Second
}
