package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wampgate/wampgate/internal/metrics"
	"github.com/wampgate/wampgate/internal/router"
	"github.com/wampgate/wampgate/pkg/client"
	"github.com/wampgate/wampgate/pkg/wamp"
)

const testRealm = "com.example.test"

func newTestServer(t *testing.T) (*Server, *prometheus.Registry) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	rtr := router.New(logger, metrics.New(registry))
	if err := rtr.AddRealm(testRealm); err != nil {
		t.Fatalf("AddRealm: %v", err)
	}
	srv := New(rtr, nil, logger)
	t.Cleanup(func() { srv.Close() })
	return srv, registry
}

func dialTest(t *testing.T, uri string, serializer wamp.Serializer) *client.Session {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := client.Dial(ctx, uri, client.Config{
		Realm:      testRealm,
		Serializer: serializer,
	})
	if err != nil {
		t.Fatalf("Dial %s: %v", uri, err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestServerWebSocketEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)
	addr, err := srv.ListenWebSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenWebSocket: %v", err)
	}
	uri := fmt.Sprintf("ws://%s/ws", addr)

	callee := dialTest(t, uri, &wamp.JSONSerializer{})
	caller := dialTest(t, uri, &wamp.CBORSerializer{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = callee.Register(ctx, "com.example.echo",
		func(ctx context.Context, inv *client.Invocation) (*client.Result, error) {
			return &client.Result{Args: inv.Args, Kwargs: inv.Kwargs}, nil
		}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := caller.Call(ctx, "com.example.echo",
		[]any{"hello"}, map[string]any{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(result.Args) != 1 || result.Args[0] != "hello" {
		t.Errorf("result args = %v, want [hello]", result.Args)
	}
	if result.Kwargs["k"] != "v" {
		t.Errorf("result kwargs = %v, want map[k:v]", result.Kwargs)
	}

	if err := caller.Leave(); err != nil {
		t.Errorf("Leave: %v", err)
	}
	if caller.Connected() {
		t.Error("session still connected after Leave")
	}
}

func TestServerRawSocketEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)
	addr, err := srv.ListenRawSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenRawSocket: %v", err)
	}
	uri := fmt.Sprintf("rs://%s", addr)

	sub := dialTest(t, uri, &wamp.MsgPackSerializer{})
	pub := dialTest(t, uri, &wamp.MsgPackSerializer{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan *client.Event, 1)
	_, err = sub.Subscribe(ctx, "com.example.topic", func(event *client.Event) {
		events <- event
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	err = pub.Publish(ctx, "com.example.topic", []any{int64(42)}, nil,
		map[string]any{"acknowledge": true})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case event := <-events:
		if n, ok := wamp.AsInt64(event.Args[0]); !ok || n != 42 {
			t.Errorf("event args = %v, want [42]", event.Args)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestServerUnixRawSocket(t *testing.T) {
	srv, _ := newTestServer(t)
	path := filepath.Join(t.TempDir(), "wampgate.sock")
	if _, err := srv.ListenRawSocketUnix(path); err != nil {
		t.Fatalf("ListenRawSocketUnix: %v", err)
	}

	sess := dialTest(t, "unix://"+path, &wamp.JSONSerializer{})
	if sess.Realm() != testRealm {
		t.Errorf("realm = %q, want %q", sess.Realm(), testRealm)
	}
}

func TestServerRejectsUnknownRealm(t *testing.T) {
	srv, _ := newTestServer(t)
	addr, err := srv.ListenWebSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenWebSocket: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.Dial(ctx, fmt.Sprintf("ws://%s/ws", addr), client.Config{
		Realm: "com.example.missing",
	})
	if err == nil {
		t.Fatal("Dial succeeded for unknown realm")
	}
	var appErr *wamp.ApplicationError
	if !errors.As(err, &appErr) || appErr.URI != wamp.ErrNoSuchRealm {
		t.Errorf("err = %v, want abort with %s", err, wamp.ErrNoSuchRealm)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	srv, registry := newTestServer(t)
	wsAddr, err := srv.ListenWebSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenWebSocket: %v", err)
	}
	metricsAddr, err := srv.ListenMetrics("127.0.0.1:0", registry)
	if err != nil {
		t.Fatalf("ListenMetrics: %v", err)
	}

	// Attach a session and route one message so the per-realm collectors
	// exist before scraping.
	sess := dialTest(t, fmt.Sprintf("ws://%s/ws", wsAddr), &wamp.JSONSerializer{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Publish(ctx, "com.example.topic", nil, nil,
		map[string]any{"acknowledge": true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", metricsAddr))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "wampgate_sessions_active") {
		t.Errorf("metrics output missing wampgate_sessions_active:\n%s", body)
	}
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	srv, _ := newTestServer(t)
	addr, err := srv.ListenWebSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenWebSocket: %v", err)
	}
	sess := dialTest(t, fmt.Sprintf("ws://%s/ws", addr), &wamp.JSONSerializer{})

	disconnected := make(chan struct{})
	sess.OnDisconnect(func() { close(disconnected) })

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client not disconnected after server close")
	}
}
