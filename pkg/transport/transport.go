// Package transport provides the framed byte pipes a WAMP session runs on:
// a length-prefixed raw-socket transport with its own ping/pong liveness
// protocol, and a WebSocket transport that maps one WAMP frame to one
// WebSocket message. Both variants work over TCP and Unix domain sockets.
package transport

import (
	"context"
	"time"

	"github.com/wampgate/wampgate/pkg/wamp"
)

// DefaultPingTimeout bounds a Ping round trip when the caller's context
// carries no deadline.
const DefaultPingTimeout = 10 * time.Second

// Transport is a framed, full-duplex byte pipe. Frames are whole logical
// WAMP messages; framing is the transport's concern.
//
// Read is single-consumer: exactly one goroutine (the session's read loop)
// calls it. Write is safe for concurrent use; implementations serialize
// writes so frames never interleave on the wire. After any I/O failure the
// transport is permanently disconnected and all operations return
// wamp.ErrConnectionClosed.
type Transport interface {
	// Read blocks until the next WAMP frame arrives. Transport-level
	// control frames (ping/pong) are handled internally and never
	// surface.
	Read() ([]byte, error)

	// Write sends one frame.
	Write(data []byte) error

	// Close shuts the transport down. Safe to call more than once.
	Close() error

	// IsConnected reports whether the transport is still usable.
	IsConnected() bool

	// Ping measures the round-trip latency to the peer.
	Ping(ctx context.Context) (time.Duration, error)
}

// BaseSession binds a live transport, a serializer and the session details
// produced by the handshake. It is the unit the router attaches to a realm
// and the foundation the client session builds on.
type BaseSession struct {
	transport  Transport
	serializer wamp.Serializer
	details    wamp.SessionDetails
}

// NewBaseSession creates a BaseSession.
func NewBaseSession(t Transport, serializer wamp.Serializer, details wamp.SessionDetails) *BaseSession {
	return &BaseSession{transport: t, serializer: serializer, details: details}
}

// ID returns the router-assigned session ID.
func (s *BaseSession) ID() uint64 { return s.details.SessionID }

// Realm returns the realm the session is attached to.
func (s *BaseSession) Realm() string { return s.details.Realm }

// AuthID returns the session's authid.
func (s *BaseSession) AuthID() string { return s.details.AuthID }

// AuthRole returns the session's authrole.
func (s *BaseSession) AuthRole() string { return s.details.AuthRole }

// Details returns the full session details.
func (s *BaseSession) Details() wamp.SessionDetails { return s.details }

// Serializer returns the negotiated serializer.
func (s *BaseSession) Serializer() wamp.Serializer { return s.serializer }

// Transport returns the underlying transport.
func (s *BaseSession) Transport() Transport { return s.transport }

// Send encodes and writes one message.
func (s *BaseSession) Send(msg wamp.Message) error {
	data, err := s.serializer.Encode(msg)
	if err != nil {
		return err
	}
	return s.transport.Write(data)
}

// Receive reads and decodes the next message.
func (s *BaseSession) Receive() (wamp.Message, error) {
	data, err := s.transport.Read()
	if err != nil {
		return nil, err
	}
	return s.serializer.Decode(data)
}

// Ping measures transport round-trip latency.
func (s *BaseSession) Ping(ctx context.Context) (time.Duration, error) {
	return s.transport.Ping(ctx)
}

// IsConnected reports whether the underlying transport is usable.
func (s *BaseSession) IsConnected() bool { return s.transport.IsConnected() }

// Close closes the underlying transport.
func (s *BaseSession) Close() error { return s.transport.Close() }
