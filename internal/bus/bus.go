// Package bus connects the service to the pub/sub transport.
//
// Two transports implement Transport: MQTT (paho) and NATS. Both subscribe to
// the configured topic filters on every (re)connect and expose the connection
// state the publisher waits on.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotConnected is returned by Publish while the transport is disconnected
var ErrNotConnected = errors.New("bus: not connected")

// Handler receives every message delivered on a subscribed topic.
// It is called from the transport's own goroutines and must not block.
type Handler func(topic string, payload []byte)

// Transport is a connected pub/sub client
type Transport interface {
	// Connect establishes the connection and starts the network loop
	Connect(ctx context.Context) error
	// Publish sends payload on topic with the given QoS level
	Publish(topic string, qos byte, payload []byte) error
	// Connected reports the current connection state
	Connected() bool
	// WaitConnected blocks until connected, ctx is done or max elapses
	WaitConnected(ctx context.Context, max time.Duration) bool
	// Disconnect closes the connection
	Disconnect()
}

// State is a connected flag with change notification
type State struct {
	mu        sync.RWMutex
	connected bool
	changed   chan struct{} // closed and replaced on every change

	onChange func(bool)
}

// NewState creates a disconnected state; onChange may be nil
func NewState(onChange func(bool)) *State {
	return &State{
		changed:  make(chan struct{}),
		onChange: onChange,
	}
}

// Set updates the flag and wakes waiters when it changes
func (s *State) Set(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(connected)
	}
}

// Connected returns the flag
func (s *State) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// WaitConnected blocks until the flag is set, ctx is done or max elapses.
// Returns the flag at return time.
func (s *State) WaitConnected(ctx context.Context, max time.Duration) bool {
	timer := time.NewTimer(max)
	defer timer.Stop()

	for {
		s.mu.RLock()
		connected, changed := s.connected, s.changed
		s.mu.RUnlock()

		if connected {
			return true
		}

		select {
		case <-changed:
		case <-timer.C:
			return s.Connected()
		case <-ctx.Done():
			return s.Connected()
		}
	}
}
