package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/wampgate/wampgate/pkg/wamp"
)

// rawPair returns two framed transports joined by an in-memory pipe.
func rawPair(t *testing.T) (*RawSocket, *RawSocket) {
	t.Helper()
	c1, c2 := net.Pipe()
	a := NewRawSocket(c1, 0)
	b := NewRawSocket(c2, 0)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestRawSocketHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type accepted struct {
		serializer wamp.Serializer
		err        error
	}
	done := make(chan accepted, 1)
	go func() {
		s, err := serverHandshake(server)
		done <- accepted{s, err}
	}()

	if err := clientHandshake(client, wamp.RawSocketCBOR); err != nil {
		t.Fatalf("clientHandshake() error = %v", err)
	}
	got := <-done
	if got.err != nil {
		t.Fatalf("serverHandshake() error = %v", got.err)
	}
	if got.serializer.RawSocketID() != wamp.RawSocketCBOR {
		t.Fatalf("negotiated serializer = %d, want CBOR", got.serializer.RawSocketID())
	}
}

func TestRawSocketHandshakeRefusesUnknownSerializer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go serverHandshake(server)

	err := clientHandshake(client, 7)
	if !errors.Is(err, ErrHandshakeRefused) {
		t.Fatalf("clientHandshake(unknown) error = %v, want refusal", err)
	}
}

func TestRawSocketHandshakeBadMagic(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write([]byte{0x10, 0x00, 0x00, 0x00})

	_, err := serverHandshake(server)
	if !errors.Is(err, wamp.ErrProtocolViolation) {
		t.Fatalf("serverHandshake(bad magic) error = %v, want protocol violation", err)
	}
}

func TestRawSocketFraming(t *testing.T) {
	a, b := rawPair(t)

	payloads := [][]byte{
		[]byte(`[1,"io.test",{}]`),
		{},
		make([]byte, 100_000),
	}
	go func() {
		for _, p := range payloads {
			if err := a.Write(p); err != nil {
				return
			}
		}
	}()

	for i, want := range payloads {
		got, err := b.Read()
		if err != nil {
			t.Fatalf("Read() frame %d error = %v", i, err)
		}
		if len(got) != len(want) {
			t.Fatalf("frame %d length = %d, want %d", i, len(got), len(want))
		}
	}
}

func TestRawSocketPing(t *testing.T) {
	a, b := rawPair(t)

	// The peer's read loop answers pings; the pinging side needs its own
	// read loop to consume the pong.
	go func() {
		for {
			if _, err := b.Read(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, err := a.Read(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rtt, err := a.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("Ping() rtt = %v, want positive", rtt)
	}
}

func TestRawSocketOversizeWriteRejected(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	a := NewRawSocket(c1, 512)
	defer a.Close()

	if err := a.Write(make([]byte, 513)); err == nil {
		t.Fatal("oversize Write() succeeded, want error")
	}
	if !a.IsConnected() {
		t.Fatal("oversize Write() must not kill the transport")
	}
}

func TestRawSocketClosedOperationsFail(t *testing.T) {
	a, _ := rawPair(t)
	a.Close()

	if a.IsConnected() {
		t.Fatal("IsConnected() after Close, want false")
	}
	if err := a.Write([]byte("x")); !errors.Is(err, wamp.ErrConnectionClosed) {
		t.Fatalf("Write() after Close error = %v, want connection closed", err)
	}
	if _, err := a.Ping(context.Background()); !errors.Is(err, wamp.ErrConnectionClosed) {
		t.Fatalf("Ping() after Close error = %v, want connection closed", err)
	}
	// Double close is a no-op.
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRawSocketPeerCloseSurfacesAsConnectionClosed(t *testing.T) {
	a, b := rawPair(t)
	b.Close()

	if _, err := a.Read(); !errors.Is(err, wamp.ErrConnectionClosed) {
		t.Fatalf("Read() after peer close error = %v, want connection closed", err)
	}
}

func TestBaseSessionSendReceive(t *testing.T) {
	a, b := rawPair(t)
	serializer := &wamp.MsgPackSerializer{}
	details := wamp.NewSessionDetails(42, "io.test", "alice", "anonymous")
	sa := NewBaseSession(a, serializer, details)
	sb := NewBaseSession(b, serializer, wamp.SessionDetails{})

	if sa.ID() != 42 || sa.Realm() != "io.test" || sa.AuthID() != "alice" {
		t.Fatalf("session details lost: %+v", sa.Details())
	}

	go func() {
		sa.Send(&wamp.Call{Request: 7, Procedure: "io.echo", Args: []any{"hi"}})
	}()

	msg, err := sb.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	call, ok := msg.(*wamp.Call)
	if !ok {
		t.Fatalf("Receive() = %T, want *wamp.Call", msg)
	}
	if call.Request != 7 || call.Procedure != "io.echo" {
		t.Fatalf("Receive() = %+v", call)
	}
}
