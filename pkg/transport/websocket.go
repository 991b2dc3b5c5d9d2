package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wampgate/wampgate/pkg/wamp"
)

// wsCloseTimeout bounds how long Close waits for the close frame to flush.
const wsCloseTimeout = 5 * time.Second

// WebSocket carries one WAMP frame per WebSocket message. JSON rides in
// text messages, CBOR and MsgPack in binary ones. Liveness uses WebSocket
// control frames, so pings never contend with data frames for framing.
type WebSocket struct {
	conn   *websocket.Conn
	binary bool

	writeMu   sync.Mutex
	connected atomic.Bool

	pingMu       sync.Mutex
	pendingPings map[string]chan time.Time
}

// NewWebSocket wraps an upgraded connection. binary selects the WebSocket
// message type for outgoing frames and must match the serializer in use.
func NewWebSocket(conn *websocket.Conn, binary bool) *WebSocket {
	t := &WebSocket{
		conn:         conn,
		binary:       binary,
		pendingPings: make(map[string]chan time.Time),
	}
	t.connected.Store(true)
	conn.SetPongHandler(func(appData string) error {
		t.resolvePing(appData)
		return nil
	})
	return t
}

// DialWebSocket connects to a ws:// or wss:// URL, negotiating the
// serializer's subprotocol. The server must accept exactly that
// subprotocol.
func DialWebSocket(ctx context.Context, rawURL string, serializer wamp.Serializer) (*WebSocket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 30 * time.Second,
		Subprotocols:     []string{serializer.Subprotocol()},
	}
	return dialWebSocket(ctx, &dialer, rawURL, serializer)
}

// DialWebSocketUnix connects to a WebSocket endpoint served over a Unix
// domain socket. path is the socket path; the HTTP request targets
// ws://unix/ws regardless of it.
func DialWebSocketUnix(ctx context.Context, path string, serializer wamp.Serializer) (*WebSocket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		Subprotocols:     []string{serializer.Subprotocol()},
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return dialWebSocket(ctx, &dialer, "ws://unix/ws", serializer)
}

func dialWebSocket(ctx context.Context, dialer *websocket.Dialer, rawURL string, serializer wamp.Serializer) (*WebSocket, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", rawURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if got := conn.Subprotocol(); got != serializer.Subprotocol() {
		conn.Close()
		return nil, fmt.Errorf("%w: server negotiated subprotocol %q, offered %q",
			wamp.ErrProtocolViolation, got, serializer.Subprotocol())
	}
	return NewWebSocket(conn, serializer.Binary()), nil
}

// Upgrader upgrades HTTP requests to WAMP WebSocket connections, offering
// every supported subprotocol.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    wamp.Subprotocols(),
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeWebSocket upgrades an HTTP request and returns the transport with
// the serializer implied by the negotiated subprotocol. An absent
// subprotocol falls back to JSON.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocket, wamp.Serializer, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	serializer, err := wamp.SerializerForSubprotocol(conn.Subprotocol())
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return NewWebSocket(conn, serializer.Binary()), serializer, nil
}

// Read returns the next data frame. Control frames are handled by gorilla's
// machinery inside ReadMessage.
func (t *WebSocket) Read() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, t.fail(err)
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write sends one frame using the message type fixed at construction.
func (t *WebSocket) Write(data []byte) error {
	if !t.connected.Load() {
		return wamp.ErrConnectionClosed
	}
	msgType := websocket.TextMessage
	if t.binary {
		msgType = websocket.BinaryMessage
	}
	t.writeMu.Lock()
	err := t.conn.WriteMessage(msgType, data)
	t.writeMu.Unlock()
	if err != nil {
		return t.fail(err)
	}
	return nil
}

// Ping sends a WebSocket ping control frame and waits for the pong. The
// pong handler only runs while some goroutine is blocked in Read, so Ping
// requires an active read loop.
func (t *WebSocket) Ping(ctx context.Context) (time.Duration, error) {
	if !t.connected.Load() {
		return 0, wamp.ErrConnectionClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultPingTimeout)
		defer cancel()
	}

	payload := uuid.NewString()
	pong := make(chan time.Time, 1)

	t.pingMu.Lock()
	t.pendingPings[payload] = pong
	t.pingMu.Unlock()
	defer func() {
		t.pingMu.Lock()
		delete(t.pendingPings, payload)
		t.pingMu.Unlock()
	}()

	deadline, _ := ctx.Deadline()
	start := time.Now()
	t.writeMu.Lock()
	err := t.conn.WriteControl(websocket.PingMessage, []byte(payload), deadline)
	t.writeMu.Unlock()
	if err != nil {
		return 0, t.fail(err)
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

func (t *WebSocket) resolvePing(payload string) {
	t.pingMu.Lock()
	pong, ok := t.pendingPings[payload]
	if ok {
		delete(t.pendingPings, payload)
	}
	t.pingMu.Unlock()
	if ok {
		pong <- time.Now()
	}
}

// IsConnected reports whether the transport is still usable.
func (t *WebSocket) IsConnected() bool { return t.connected.Load() }

// Close sends a close frame on a best-effort basis and tears the
// connection down. Safe to call more than once.
func (t *WebSocket) Close() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
	t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *WebSocket) fail(err error) error {
	t.connected.Store(false)
	t.conn.Close()
	if errors.Is(err, wamp.ErrProtocolViolation) {
		return err
	}
	return fmt.Errorf("%w: %v", wamp.ErrConnectionClosed, err)
}
