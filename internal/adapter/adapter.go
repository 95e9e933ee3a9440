// Package adapter defines the boundary to the external chat network's
// protocol implementation. The orchestration core only ever sees these
// interfaces; the real wire protocol (handshake, encryption, framing) lives
// behind them.
package adapter

import (
	"context"
	"errors"

	"github.com/hivebot/botfleet/internal/credential"
)

// ErrConnectFailed is returned when the adapter could not establish a
// session with the chat network. It is transient: callers may retry within
// their restart budget.
var ErrConnectFailed = errors.New("adapter connect failed")

// EventKind discriminates adapter events.
type EventKind string

const (
	// EventReady signals the session finished its handshake and is live.
	EventReady EventKind = "ready"
	// EventMessage carries one inbound chat message.
	EventMessage EventKind = "message"
	// EventDisconnected signals the session was lost. The event stream is
	// closed after it.
	EventDisconnected EventKind = "disconnected"
)

// Event is one item on a connection's event stream.
type Event struct {
	Kind    EventKind
	Message *Message
	Reason  string
}

// Message is an inbound chat message as the adapter delivers it.
type Message struct {
	From string
	Chat string
	Text string
}

// Conn is one live session with the chat network.
type Conn interface {
	// Send delivers a text payload to a chat.
	Send(ctx context.Context, chat, text string) error
	// Events returns the connection's event stream. The channel is closed
	// when the session ends; there is exactly one consumer.
	Events() <-chan Event
	// Alive probes the connection, bounded by the context deadline.
	Alive(ctx context.Context) bool
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Dialer opens sessions from credential bundles. One Dialer serves the
// whole process; each Connect yields an independent Conn.
type Dialer interface {
	// Connect establishes a session using the given credentials. The
	// context cancels an in-flight handshake.
	Connect(ctx context.Context, bundle *credential.Bundle) (Conn, error)
	// ClearSession drops any transient session cache kept for an identity
	// so the next Connect performs a clean handshake instead of a resume.
	ClearSession(identity string)
}
