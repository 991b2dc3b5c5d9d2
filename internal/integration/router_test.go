// Package integration provides end-to-end tests that run a full router
// with real transports and exercise client sessions against it.
package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/wampgate/wampgate/internal/router"
	"github.com/wampgate/wampgate/internal/server"
	"github.com/wampgate/wampgate/pkg/client"
	"github.com/wampgate/wampgate/pkg/wamp"
)

const testRealm = "com.example.integration"

// testLogger returns a quiet logger so test output stays readable.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRouter struct {
	router *router.Router
	server *server.Server
	uri    string
}

// startRouter runs a router with one realm on a loopback websocket
// listener.
func startRouter(t *testing.T) *testRouter {
	t.Helper()

	logger := testLogger()
	rtr := router.New(logger, nil)
	if err := rtr.AddRealm(testRealm); err != nil {
		t.Fatalf("AddRealm: %v", err)
	}
	srv := server.New(rtr, nil, logger)
	addr, err := srv.ListenWebSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenWebSocket: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return &testRouter{router: rtr, server: srv, uri: fmt.Sprintf("ws://%s/ws", addr)}
}

func (tr *testRouter) connect(t *testing.T, serializer wamp.Serializer) *client.Session {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := client.Dial(ctx, tr.uri, client.Config{
		Realm:      testRealm,
		Serializer: serializer,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func (tr *testRouter) dealer(t *testing.T) *router.Dealer {
	t.Helper()

	realm, err := tr.router.Realm(testRealm)
	if err != nil {
		t.Fatalf("Realm: %v", err)
	}
	return realm.Dealer()
}

// TestEchoAcrossSerializers runs the same call between clients joined
// with different serializations; the router re-encodes per recipient.
func TestEchoAcrossSerializers(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	tr := startRouter(t)
	callee := tr.connect(t, &wamp.JSONSerializer{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := callee.Register(ctx, "com.example.echo",
		func(ctx context.Context, inv *client.Invocation) (*client.Result, error) {
			return &client.Result{Args: inv.Args, Kwargs: inv.Kwargs}, nil
		}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	serializers := []wamp.Serializer{
		&wamp.JSONSerializer{},
		&wamp.CBORSerializer{},
		&wamp.MsgPackSerializer{},
	}
	for _, serializer := range serializers {
		t.Run(serializer.Subprotocol(), func(t *testing.T) {
			caller := tr.connect(t, serializer)
			result, err := caller.Call(ctx, "com.example.echo",
				[]any{"hi", "wamp"}, map[string]any{"k": "v"}, nil)
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if len(result.Args) != 2 || result.Args[0] != "hi" || result.Args[1] != "wamp" {
				t.Errorf("args = %v, want [hi wamp]", result.Args)
			}
			if result.Kwargs["k"] != "v" {
				t.Errorf("kwargs = %v, want map[k:v]", result.Kwargs)
			}
			if err := caller.Leave(); err != nil {
				t.Errorf("Leave: %v", err)
			}
		})
	}
}

func TestPubSubWithAcknowledge(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	tr := startRouter(t)
	pub := tr.connect(t, &wamp.JSONSerializer{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const subscribers = 3
	events := make(chan *client.Event, subscribers)
	for i := 0; i < subscribers; i++ {
		sub := tr.connect(t, &wamp.CBORSerializer{})
		_, err := sub.Subscribe(ctx, "com.example.news",
			func(event *client.Event) { events <- event }, nil)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	err := pub.Publish(ctx, "com.example.news", []any{"breaking"}, nil,
		map[string]any{"acknowledge": true})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i := 0; i < subscribers; i++ {
		select {
		case event := <-events:
			if event.Args[0] != "breaking" {
				t.Errorf("event args = %v, want [breaking]", event.Args)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestCallUnknownProcedure(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	tr := startRouter(t)
	caller := tr.connect(t, &wamp.JSONSerializer{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := caller.Call(ctx, "com.example.nowhere", nil, nil, nil)
	var appErr *wamp.ApplicationError
	if !errors.As(err, &appErr) || appErr.URI != wamp.ErrNoSuchProcedure {
		t.Errorf("err = %v, want %s", err, wamp.ErrNoSuchProcedure)
	}
}

// TestRoundRobinDistribution registers the same procedure from three
// sessions with the roundrobin policy and checks seven calls land 3/2/2.
func TestRoundRobinDistribution(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	tr := startRouter(t)
	caller := tr.connect(t, &wamp.JSONSerializer{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	hits := make(map[int]int)
	for i := 0; i < 3; i++ {
		callee := tr.connect(t, &wamp.JSONSerializer{})
		owner := i
		_, err := callee.Register(ctx, "com.example.shared",
			func(ctx context.Context, inv *client.Invocation) (*client.Result, error) {
				mu.Lock()
				hits[owner]++
				mu.Unlock()
				return nil, nil
			}, map[string]any{"invoke": "roundrobin"})
		if err != nil {
			t.Fatalf("Register owner %d: %v", i, err)
		}
	}

	for i := 0; i < 7; i++ {
		if _, err := caller.Call(ctx, "com.example.shared", nil, nil, nil); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if hits[0] != 3 || hits[1] != 2 || hits[2] != 2 {
		t.Errorf("distribution = %v, want map[0:3 1:2 2:2]", hits)
	}
}

// TestCalleeDisconnectMidCall drops the callee's transport while it
// serves an invocation: the caller gets exactly one canceled error and
// the dealer's tables end up empty.
func TestCalleeDisconnectMidCall(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	tr := startRouter(t)
	callee := tr.connect(t, &wamp.JSONSerializer{})
	caller := tr.connect(t, &wamp.JSONSerializer{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	started := make(chan struct{})
	_, err := callee.Register(ctx, "com.example.hang",
		func(ctx context.Context, inv *client.Invocation) (*client.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := caller.Call(ctx, "com.example.hang", nil, nil, nil)
		errs <- err
	}()

	<-started
	callee.Close()

	select {
	case err := <-errs:
		var appErr *wamp.ApplicationError
		if !errors.As(err, &appErr) || appErr.URI != wamp.ErrCanceled {
			t.Errorf("err = %v, want %s", err, wamp.ErrCanceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("caller never got the canceled error")
	}

	dealer := tr.dealer(t)
	deadline := time.Now().Add(5 * time.Second)
	for dealer.InvocationsInFlight() != 0 || dealer.HasProcedure("com.example.hang") {
		if time.Now().After(deadline) {
			t.Fatalf("dealer state not drained: %d invocations, procedure present=%v",
				dealer.InvocationsInFlight(), dealer.HasProcedure("com.example.hang"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
