package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wampgate/wampgate/pkg/wamp"
)

// Raw-socket frame kinds, carried in the first header byte.
const (
	rawFrameWAMP byte = 0
	rawFramePing byte = 1
	rawFramePong byte = 2
)

// rawMagic opens both handshake octet sequences.
const rawMagic byte = 0x7F

// Message size bounds advertised in the handshake. The exponent nibble
// encodes 2^(9+n) bytes, so the range is 512 bytes to 16 MiB.
const (
	rawMinSizeExponent = 9
	rawMaxSizeExponent = 24

	// DefaultMaxMessageSize is the largest frame either side accepts,
	// 16 MiB.
	DefaultMaxMessageSize = 1 << rawMaxSizeExponent
)

// ErrHandshakeRefused is returned when the peer rejects the raw-socket
// handshake, typically because it does not speak the offered serializer.
var ErrHandshakeRefused = errors.New("raw socket handshake refused")

// RawSocket frames WAMP messages over a stream connection with a 4-byte
// header: one frame-kind byte followed by a 24-bit big-endian payload
// length. Ping and pong frames are consumed inside Read; callers only ever
// see WAMP frames.
type RawSocket struct {
	conn           net.Conn
	maxMessageSize int

	writeMu   sync.Mutex
	connected atomic.Bool

	pingMu       sync.Mutex
	pendingPings map[string]chan time.Time
}

// NewRawSocket wraps an already-handshaken connection.
func NewRawSocket(conn net.Conn, maxMessageSize int) *RawSocket {
	if maxMessageSize <= 0 || maxMessageSize > DefaultMaxMessageSize {
		maxMessageSize = DefaultMaxMessageSize
	}
	t := &RawSocket{
		conn:           conn,
		maxMessageSize: maxMessageSize,
		pendingPings:   make(map[string]chan time.Time),
	}
	t.connected.Store(true)
	return t
}

// DialRawSocket connects to addr over the given network ("tcp" or "unix"),
// performs the client side of the handshake offering the serializer's
// protocol identifier, and returns the framed transport.
func DialRawSocket(ctx context.Context, network, addr string, serializer wamp.Serializer) (*RawSocket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("raw socket dial %s %s: %w", network, addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := clientHandshake(conn, serializer.RawSocketID()); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return NewRawSocket(conn, DefaultMaxMessageSize), nil
}

// NewClientRawSocket performs the client side of the handshake on an
// already-connected conn (TCP, TLS or Unix) and returns the framed
// transport.
func NewClientRawSocket(conn net.Conn, serializer wamp.Serializer) (*RawSocket, error) {
	if err := clientHandshake(conn, serializer.RawSocketID()); err != nil {
		return nil, err
	}
	return NewRawSocket(conn, DefaultMaxMessageSize), nil
}

// AcceptRawSocket performs the server side of the handshake on a freshly
// accepted connection and returns the framed transport together with the
// serializer the client selected.
func AcceptRawSocket(conn net.Conn) (*RawSocket, wamp.Serializer, error) {
	serializer, err := serverHandshake(conn)
	if err != nil {
		return nil, nil, err
	}
	return NewRawSocket(conn, DefaultMaxMessageSize), serializer, nil
}

// clientHandshake sends the magic octet pair and checks that the server
// echoed the offered serializer back.
func clientHandshake(conn net.Conn, serializerID byte) error {
	offer := [4]byte{rawMagic, serializerID<<4 | (rawMaxSizeExponent - rawMinSizeExponent), 0, 0}
	if _, err := conn.Write(offer[:]); err != nil {
		return fmt.Errorf("raw socket handshake write: %w", err)
	}

	var reply [4]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("raw socket handshake read: %w", err)
	}
	if reply[0] != rawMagic {
		return fmt.Errorf("%w: bad magic octet 0x%02x", wamp.ErrProtocolViolation, reply[0])
	}
	accepted := reply[1] >> 4
	if accepted == 0 {
		return ErrHandshakeRefused
	}
	if accepted != serializerID {
		return fmt.Errorf("%w: server switched serializer to %d", wamp.ErrProtocolViolation, accepted)
	}
	return nil
}

// serverHandshake reads the client's magic octet pair, validates the offered
// serializer and echoes the choice. An unsupported serializer is answered
// with a refusal frame before the error is returned.
func serverHandshake(conn net.Conn) (wamp.Serializer, error) {
	var offer [4]byte
	if _, err := io.ReadFull(conn, offer[:]); err != nil {
		return nil, fmt.Errorf("raw socket handshake read: %w", err)
	}
	if offer[0] != rawMagic {
		return nil, fmt.Errorf("%w: bad magic octet 0x%02x", wamp.ErrProtocolViolation, offer[0])
	}

	serializer, err := wamp.SerializerForRawSocketID(offer[1] >> 4)
	if err != nil {
		refusal := [4]byte{rawMagic, 0, 0, 0}
		conn.Write(refusal[:])
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRefused, err)
	}

	accept := [4]byte{rawMagic, offer[1]&0xF0 | (rawMaxSizeExponent - rawMinSizeExponent), 0, 0}
	if _, err := conn.Write(accept[:]); err != nil {
		return nil, fmt.Errorf("raw socket handshake write: %w", err)
	}
	return serializer, nil
}

// Read returns the next WAMP frame. Pings are answered with a pong carrying
// the same payload; pongs resolve the matching in-flight Ping call and
// unmatched pongs are dropped.
func (t *RawSocket) Read() ([]byte, error) {
	for {
		var header [4]byte
		if _, err := io.ReadFull(t.conn, header[:]); err != nil {
			return nil, t.fail(err)
		}
		length := int(binary.BigEndian.Uint32(header[:]) & 0x00FFFFFF)
		if length > t.maxMessageSize {
			return nil, t.fail(fmt.Errorf("%w: frame of %d bytes exceeds limit %d",
				wamp.ErrProtocolViolation, length, t.maxMessageSize))
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(t.conn, payload); err != nil {
			return nil, t.fail(err)
		}

		switch header[0] {
		case rawFrameWAMP:
			return payload, nil
		case rawFramePing:
			if err := t.writeFrame(rawFramePong, payload); err != nil {
				return nil, err
			}
		case rawFramePong:
			t.resolvePing(payload)
		default:
			return nil, t.fail(fmt.Errorf("%w: unknown frame kind %d",
				wamp.ErrProtocolViolation, header[0]))
		}
	}
}

// Write sends one WAMP frame.
func (t *RawSocket) Write(data []byte) error {
	if len(data) > t.maxMessageSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(data), t.maxMessageSize)
	}
	return t.writeFrame(rawFrameWAMP, data)
}

// writeFrame writes header and payload as a single conn.Write so concurrent
// senders never interleave frames.
func (t *RawSocket) writeFrame(kind byte, payload []byte) error {
	if !t.connected.Load() {
		return wamp.ErrConnectionClosed
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	frame[0] = kind
	copy(frame[4:], payload)

	t.writeMu.Lock()
	_, err := t.conn.Write(frame)
	t.writeMu.Unlock()
	if err != nil {
		return t.fail(err)
	}
	return nil
}

// Ping sends a ping frame with a random payload and waits for the matching
// pong. The pong is consumed by Read, so Ping requires an active read
// loop. The wait is bounded by ctx or, absent a deadline, by
// DefaultPingTimeout.
func (t *RawSocket) Ping(ctx context.Context) (time.Duration, error) {
	if !t.connected.Load() {
		return 0, wamp.ErrConnectionClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultPingTimeout)
		defer cancel()
	}

	payload := []byte(uuid.NewString())
	pong := make(chan time.Time, 1)

	t.pingMu.Lock()
	t.pendingPings[string(payload)] = pong
	t.pingMu.Unlock()
	defer func() {
		t.pingMu.Lock()
		delete(t.pendingPings, string(payload))
		t.pingMu.Unlock()
	}()

	start := time.Now()
	if err := t.writeFrame(rawFramePing, payload); err != nil {
		return 0, err
	}

	select {
	case at := <-pong:
		return at.Sub(start), nil
	case <-ctx.Done():
		if !t.connected.Load() {
			return 0, wamp.ErrConnectionClosed
		}
		return 0, ctx.Err()
	}
}

func (t *RawSocket) resolvePing(payload []byte) {
	t.pingMu.Lock()
	pong, ok := t.pendingPings[string(payload)]
	if ok {
		delete(t.pendingPings, string(payload))
	}
	t.pingMu.Unlock()
	if ok {
		pong <- time.Now()
	}
}

// IsConnected reports whether the transport is still usable.
func (t *RawSocket) IsConnected() bool { return t.connected.Load() }

// Close tears the connection down. Safe to call more than once.
func (t *RawSocket) Close() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	return t.conn.Close()
}

// fail marks the transport dead after an I/O error and normalizes the error
// to ErrConnectionClosed unless it already carries protocol detail.
func (t *RawSocket) fail(err error) error {
	t.connected.Store(false)
	t.conn.Close()
	if errors.Is(err, wamp.ErrProtocolViolation) {
		return err
	}
	return fmt.Errorf("%w: %v", wamp.ErrConnectionClosed, err)
}
