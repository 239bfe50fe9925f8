package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/care/detectiond/internal/metrics"
	"github.com/care/detectiond/internal/queue"
	"github.com/care/detectiond/internal/types"
)

// Transport is the publishing side of a broker connection
type Transport interface {
	Publish(topic string, qos byte, payload []byte) error
	Connected() bool
	WaitConnected(ctx context.Context, max time.Duration) bool
}

// PublisherConfig configures the publish loop
type PublisherConfig struct {
	ReconnectPoll time.Duration // how long to wait for the broker per attempt
	MaxRateHz     float64       // 0 = unlimited
}

// Publisher forwards outbound messages to the broker while it is connected.
// Messages stay queued while disconnected; a failed publish is not retried.
type Publisher struct {
	cfg       PublisherConfig
	queue     *queue.Queue[types.OutboundMessage]
	transport Transport
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu   sync.Mutex
	held *types.OutboundMessage // popped but not sent when Run stopped
}

// NewPublisher creates a publisher
func NewPublisher(cfg PublisherConfig, q *queue.Queue[types.OutboundMessage], t Transport, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if cfg.ReconnectPoll <= 0 {
		cfg.ReconnectPoll = time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.MaxRateHz > 0 {
		limit = rate.Limit(cfg.MaxRateHz)
	}

	return &Publisher{
		cfg:       cfg,
		queue:     q,
		transport: t,
		limiter:   rate.NewLimiter(limit, 1),
		metrics:   m,
		logger:    logger.With("component", "publisher"),
	}
}

// Run publishes until ctx is done
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("publisher started", "max_rate_hz", p.cfg.MaxRateHz)

	for {
		if ctx.Err() != nil {
			p.logger.Info("publisher stopping", "pending", p.queue.Len())
			return nil
		}

		if !p.transport.Connected() {
			if !p.transport.WaitConnected(ctx, p.cfg.ReconnectPoll) {
				p.logger.Debug("broker not connected, holding outbound messages", "pending", p.queue.Len())
			}
			continue
		}

		msg, err := p.queue.Pop(ctx)
		if err != nil {
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			// shutting down; Drain sends it ahead of the queue
			p.mu.Lock()
			p.held = &msg
			p.mu.Unlock()
			continue
		}
		p.publish(msg)
	}
}

// Drain publishes whatever is still queued while the broker stays connected
// and ctx allows. It returns how many messages were left behind.
func (p *Publisher) Drain(ctx context.Context) int {
	sent := 0

	p.mu.Lock()
	held := p.held
	if held != nil && ctx.Err() == nil && p.transport.Connected() {
		p.held = nil
		p.publish(*held)
		sent++
	}
	p.mu.Unlock()

	for ctx.Err() == nil && p.transport.Connected() {
		msg, ok := p.queue.TryPop()
		if !ok {
			break
		}
		p.publish(msg)
		sent++
	}

	left := p.queue.Len()
	p.mu.Lock()
	if p.held != nil {
		left++
	}
	p.mu.Unlock()
	p.logger.Info("outbound queue drained", "published", sent, "left", left)
	return left
}

func (p *Publisher) publish(msg types.OutboundMessage) {
	if err := p.transport.Publish(msg.Topic, msg.QoS, msg.Data); err != nil {
		p.metrics.PublishErrors.Inc()
		p.logger.Warn("publish failed", "topic", msg.Topic, "error", err)
		return
	}
	p.metrics.Published.Inc()
	p.logger.Debug("published", "topic", msg.Topic, "bytes", len(msg.Data))
}
