package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/hivebot/botfleet/internal/credential"
)

// SimDialer is an in-process simulated adapter used in development mode and
// tests. Connections come up after a short simulated handshake and echo
// nothing; tests drive their event streams directly.
type SimDialer struct {
	// HandshakeDelay simulates connect latency. Zero means immediate.
	HandshakeDelay time.Duration

	mu      sync.Mutex
	cleared map[string]int
}

// NewSimDialer creates a simulated dialer.
func NewSimDialer() *SimDialer {
	return &SimDialer{cleared: make(map[string]int)}
}

// Connect establishes a simulated session.
func (d *SimDialer) Connect(ctx context.Context, bundle *credential.Bundle) (Conn, error) {
	if d.HandshakeDelay > 0 {
		select {
		case <-time.After(d.HandshakeDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	conn := NewSimConn()
	// Deliver the ready event asynchronously like a real handshake would.
	go conn.Emit(Event{Kind: EventReady})
	return conn, nil
}

// ClearSession records the cache clear; the simulator has no real session
// cache to drop.
func (d *SimDialer) ClearSession(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared[identity]++
}

// ClearedCount reports how many times an identity's session cache was
// cleared. Test helper.
func (d *SimDialer) ClearedCount(identity string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleared[identity]
}

// SimConn is a scriptable connection for the simulated dialer.
type SimConn struct {
	mu     sync.Mutex
	events chan Event
	closed bool
	alive  bool

	sent []SentMessage
}

// SentMessage records one Send call on a SimConn.
type SentMessage struct {
	Chat string
	Text string
}

// NewSimConn creates an open simulated connection.
func NewSimConn() *SimConn {
	return &SimConn{
		events: make(chan Event, 16),
		alive:  true,
	}
}

// Send records the outbound payload.
func (c *SimConn) Send(ctx context.Context, chat, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, SentMessage{Chat: chat, Text: text})
	return nil
}

// Sent returns all payloads sent on this connection. Test helper.
func (c *SimConn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// Events returns the connection's event stream.
func (c *SimConn) Events() <-chan Event {
	return c.events
}

// Alive probes the simulated connection.
func (c *SimConn) Alive(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// SetAlive flips the liveness the next probe observes. Test helper.
func (c *SimConn) SetAlive(alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = alive
}

// Emit pushes an event onto the stream. A disconnected event closes it.
func (c *SimConn) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- event
	if event.Kind == EventDisconnected {
		c.alive = false
		c.closed = true
		close(c.events)
	}
}

// Close tears the simulated session down.
func (c *SimConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.alive = false
	c.closed = true
	close(c.events)
	return nil
}
