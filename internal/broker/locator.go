// Package broker finds a reachable message broker among candidate hosts.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// ErrNotFound is returned when no candidate host accepts a connection
var ErrNotFound = errors.New("broker: no reachable candidate")

// Probe checks whether a broker answers at addr (host:port)
type Probe interface {
	Name() string
	Probe(ctx context.Context, addr string) error
}

// Locator tries candidate hosts in order with every configured probe
type Locator struct {
	port    int
	timeout time.Duration
	probes  []Probe
	logger  *slog.Logger
}

// Config configures a Locator
type Config struct {
	Port    int
	Timeout time.Duration
	Probes  []Probe // defaults to TCP then MQTT CONNECT
	Logger  *slog.Logger
}

// NewLocator creates a locator
func NewLocator(cfg Config) *Locator {
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if len(cfg.Probes) == 0 {
		cfg.Probes = []Probe{TCPProbe{}, NewMQTTProbe()}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Locator{
		port:    cfg.Port,
		timeout: cfg.Timeout,
		probes:  cfg.Probes,
		logger:  cfg.Logger,
	}
}

// Locate returns the first candidate that passes any probe.
// Candidates are tried in order; a host qualifies on the first probe that succeeds.
func (l *Locator) Locate(ctx context.Context, candidates []string) (string, error) {
	for _, host := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if host == "" {
			continue
		}

		addr := net.JoinHostPort(host, strconv.Itoa(l.port))
		for _, p := range l.probes {
			probeCtx, cancel := context.WithTimeout(ctx, l.timeout)
			err := p.Probe(probeCtx, addr)
			cancel()

			if err == nil {
				l.logger.Info("broker found",
					"host", host,
					"port", l.port,
					"probe", p.Name(),
				)
				return host, nil
			}

			l.logger.Debug("broker probe failed",
				"host", host,
				"probe", p.Name(),
				"error", err,
			)
		}
	}

	return "", ErrNotFound
}

// LocateWithRetry scans the full candidate list, rescanning up to retries more
// times while nothing is found
func (l *Locator) LocateWithRetry(ctx context.Context, candidates []string, retries int) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		host, err := l.Locate(ctx, candidates)
		if err == nil {
			return host, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		lastErr = err

		l.logger.Warn("no broker candidate reachable",
			"attempt", attempt+1,
			"candidates", candidates,
		)
	}

	return "", fmt.Errorf("broker discovery failed after %d attempts: %w", retries+1, lastErr)
}

// TCPProbe succeeds when a TCP connection to addr can be opened
type TCPProbe struct{}

// Name implements Probe
func (TCPProbe) Name() string { return "tcp" }

// Probe implements Probe
func (TCPProbe) Probe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
