package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wampgate/wampgate/pkg/transport"
	"github.com/wampgate/wampgate/pkg/wamp"
)

// leaveTimeout bounds how long Leave waits for the router's GOODBYE ack.
const leaveTimeout = 10 * time.Second

// disconnectGrace bounds how long shutdown waits for disconnect callbacks.
const disconnectGrace = 5 * time.Second

// procedureEntry is one registered handler with its concurrency gate.
type procedureEntry struct {
	handler InvocationHandler
	sem     chan struct{}
}

func (e *procedureEntry) acquire() {
	if e.sem != nil {
		e.sem <- struct{}{}
	}
}

func (e *procedureEntry) release() {
	if e.sem != nil {
		<-e.sem
	}
}

// Session is an established client session. One read loop consumes the
// transport; any number of goroutines may issue requests concurrently.
type Session struct {
	base   *transport.BaseSession
	proto  *wamp.ProtocolSession
	logger *slog.Logger
	idGen  wamp.SessionScopeIDGenerator

	mu       sync.Mutex
	waiters  map[uint64]chan wamp.Message
	progress map[uint64]ProgressHandler
	handlers map[uint64]*procedureEntry
	events   map[uint64]EventHandler
	running  map[uint64]context.CancelFunc

	goodbye chan *wamp.Goodbye
	leaving atomic.Bool

	closeOnce    sync.Once
	closed       chan struct{}
	callbackMu   sync.Mutex
	onDisconnect []func()
}

// NewSession wraps an established base session and starts its read loop.
func NewSession(base *transport.BaseSession, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		base:     base,
		proto:    wamp.NewEstablishedSession(base.Serializer()),
		logger:   logger.With("session_id", base.ID(), "realm", base.Realm()),
		waiters:  make(map[uint64]chan wamp.Message),
		progress: make(map[uint64]ProgressHandler),
		handlers: make(map[uint64]*procedureEntry),
		events:   make(map[uint64]EventHandler),
		running:  make(map[uint64]context.CancelFunc),
		goodbye:  make(chan *wamp.Goodbye, 1),
		closed:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// ID returns the router-assigned session ID.
func (s *Session) ID() uint64 { return s.base.ID() }

// Realm returns the realm the session is attached to.
func (s *Session) Realm() string { return s.base.Realm() }

// Details returns the full session details.
func (s *Session) Details() wamp.SessionDetails { return s.base.Details() }

// Connected reports whether the session is still usable.
func (s *Session) Connected() bool {
	select {
	case <-s.closed:
		return false
	default:
		return s.base.IsConnected()
	}
}

// OnDisconnect registers a callback invoked exactly once when the session
// ends, for any reason. A callback registered after disconnection runs
// immediately.
func (s *Session) OnDisconnect(cb func()) {
	s.callbackMu.Lock()
	select {
	case <-s.closed:
		s.callbackMu.Unlock()
		go cb()
		return
	default:
	}
	s.onDisconnect = append(s.onDisconnect, cb)
	s.callbackMu.Unlock()
}

// Ping measures the transport round trip.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	return s.base.Ping(ctx)
}

// Call invokes a remote procedure and waits for its result. Options
// recognize timeout (milliseconds), disclose_me and receive_progress; use
// CallProgress to consume intermediate results.
func (s *Session) Call(ctx context.Context, procedure string, args []any, kwargs map[string]any, options map[string]any) (*Result, error) {
	return s.call(ctx, procedure, args, kwargs, options, nil)
}

// CallProgress is Call with a callback for intermediate results; it sets
// the receive_progress option and invokes onProgress for every result
// flagged progress=true before returning the final one.
func (s *Session) CallProgress(ctx context.Context, procedure string, args []any, kwargs map[string]any, options map[string]any, onProgress ProgressHandler) (*Result, error) {
	options = cloneOptions(options)
	options["receive_progress"] = true
	return s.call(ctx, procedure, args, kwargs, options, onProgress)
}

func (s *Session) call(ctx context.Context, procedure string, args []any, kwargs map[string]any, options map[string]any, onProgress ProgressHandler) (*Result, error) {
	var timedOut bool
	if ms, ok := wamp.AsInt64(options["timeout"]); ok && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
		timedOut = true
	}

	requestID := s.idGen.Next()
	waiter := s.addWaiter(requestID)
	if onProgress != nil {
		s.mu.Lock()
		s.progress[requestID] = onProgress
		s.mu.Unlock()
	}
	defer s.removeWaiter(requestID)

	err := s.sendMessage(&wamp.Call{
		Request:   requestID,
		Options:   options,
		Procedure: wamp.URI(procedure),
		Args:      args,
		Kwargs:    kwargs,
	})
	if err != nil {
		return nil, err
	}

	select {
	case reply := <-waiter:
		return resultFromReply(reply)
	case <-ctx.Done():
		// Best effort: tell the dealer to stop the invocation.
		s.sendMessage(&wamp.Cancel{Request: requestID,
			Options: map[string]any{"mode": wamp.CancelKillNoWait}})
		if timedOut && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &wamp.ApplicationError{URI: wamp.ErrTimeout,
				Args: []any{procedure}}
		}
		return nil, ctx.Err()
	case <-s.closed:
		return nil, wamp.ErrConnectionClosed
	}
}

// Register announces a procedure and installs its handler. Options
// recognize match (exact|prefix|wildcard), invoke (single|roundrobin|
// random|first|last) and concurrency (max parallel invocations, 0 =
// unlimited).
func (s *Session) Register(ctx context.Context, procedure string, handler InvocationHandler, options map[string]any) (*Registration, error) {
	if handler == nil {
		return nil, errors.New("nil invocation handler")
	}
	requestID := s.idGen.Next()
	waiter := s.addWaiter(requestID)
	defer s.removeWaiter(requestID)

	err := s.sendMessage(&wamp.Register{Request: requestID, Options: options,
		Procedure: wamp.URI(procedure)})
	if err != nil {
		return nil, err
	}

	reply, err := s.await(ctx, waiter)
	if err != nil {
		return nil, err
	}
	registered, ok := reply.(*wamp.Registered)
	if !ok {
		return nil, replyError(reply)
	}

	entry := &procedureEntry{handler: handler}
	if n, ok := wamp.AsInt64(options["concurrency"]); ok && n > 0 {
		entry.sem = make(chan struct{}, n)
	}
	s.mu.Lock()
	s.handlers[registered.Registration] = entry
	s.mu.Unlock()

	return &Registration{ID: registered.Registration, session: s}, nil
}

// Unregister revokes a registration.
func (s *Session) Unregister(ctx context.Context, reg *Registration) error {
	requestID := s.idGen.Next()
	waiter := s.addWaiter(requestID)
	defer s.removeWaiter(requestID)

	err := s.sendMessage(&wamp.Unregister{Request: requestID, Registration: reg.ID})
	if err != nil {
		return err
	}
	reply, err := s.await(ctx, waiter)
	if err != nil {
		return err
	}
	if _, ok := reply.(*wamp.Unregistered); !ok {
		return replyError(reply)
	}
	s.mu.Lock()
	delete(s.handlers, reg.ID)
	s.mu.Unlock()
	return nil
}

// Subscribe adds a topic subscription. Options recognize match
// (exact|prefix|wildcard).
func (s *Session) Subscribe(ctx context.Context, topic string, handler EventHandler, options map[string]any) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil event handler")
	}
	requestID := s.idGen.Next()
	waiter := s.addWaiter(requestID)
	defer s.removeWaiter(requestID)

	err := s.sendMessage(&wamp.Subscribe{Request: requestID, Options: options,
		Topic: wamp.URI(topic)})
	if err != nil {
		return nil, err
	}
	reply, err := s.await(ctx, waiter)
	if err != nil {
		return nil, err
	}
	subscribed, ok := reply.(*wamp.Subscribed)
	if !ok {
		return nil, replyError(reply)
	}

	s.mu.Lock()
	s.events[subscribed.Subscription] = handler
	s.mu.Unlock()
	return &Subscription{ID: subscribed.Subscription, session: s}, nil
}

// Unsubscribe removes a subscription.
func (s *Session) Unsubscribe(ctx context.Context, sub *Subscription) error {
	requestID := s.idGen.Next()
	waiter := s.addWaiter(requestID)
	defer s.removeWaiter(requestID)

	err := s.sendMessage(&wamp.Unsubscribe{Request: requestID, Subscription: sub.ID})
	if err != nil {
		return err
	}
	reply, err := s.await(ctx, waiter)
	if err != nil {
		return err
	}
	if _, ok := reply.(*wamp.Unsubscribed); !ok {
		return replyError(reply)
	}
	s.mu.Lock()
	delete(s.events, sub.ID)
	s.mu.Unlock()
	return nil
}

// Publish sends an event. With the acknowledge option it waits for the
// router's PUBLISHED; otherwise it returns as soon as the message is on
// the wire.
func (s *Session) Publish(ctx context.Context, topic string, args []any, kwargs map[string]any, options map[string]any) error {
	requestID := s.idGen.Next()
	msg := &wamp.Publish{Request: requestID, Options: options,
		Topic: wamp.URI(topic), Args: args, Kwargs: kwargs}

	if !msg.Acknowledge() {
		return s.sendMessage(msg)
	}

	waiter := s.addWaiter(requestID)
	defer s.removeWaiter(requestID)
	if err := s.sendMessage(msg); err != nil {
		return err
	}
	reply, err := s.await(ctx, waiter)
	if err != nil {
		return err
	}
	if _, ok := reply.(*wamp.Published); !ok {
		return replyError(reply)
	}
	return nil
}

// Leave closes the session cooperatively: GOODBYE with close_realm, wait
// for the router's ack up to ten seconds, then close the transport. A
// second Leave is a no-op.
func (s *Session) Leave() error {
	if !s.leaving.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case <-s.closed:
		return nil
	default:
	}

	err := s.sendMessage(&wamp.Goodbye{Details: map[string]any{},
		Reason: wamp.CloseCloseRealm})
	if err == nil {
		select {
		case <-s.goodbye:
		case <-time.After(leaveTimeout):
			s.logger.Warn("leave timed out waiting for goodbye ack")
		case <-s.closed:
			return nil
		}
	}
	s.shutdown()
	return nil
}

// Close tears the session down without the GOODBYE exchange.
func (s *Session) Close() error {
	s.shutdown()
	return nil
}

func (s *Session) addWaiter(requestID uint64) chan wamp.Message {
	waiter := make(chan wamp.Message, 1)
	s.mu.Lock()
	s.waiters[requestID] = waiter
	s.mu.Unlock()
	return waiter
}

func (s *Session) removeWaiter(requestID uint64) {
	s.mu.Lock()
	delete(s.waiters, requestID)
	delete(s.progress, requestID)
	s.mu.Unlock()
}

func (s *Session) await(ctx context.Context, waiter chan wamp.Message) (wamp.Message, error) {
	select {
	case reply := <-waiter:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, wamp.ErrConnectionClosed
	}
}

func (s *Session) sendMessage(msg wamp.Message) error {
	frame, err := s.proto.SendMessage(msg)
	if err != nil {
		return err
	}
	return s.base.Transport().Write(frame)
}

func (s *Session) readLoop() {
	for {
		data, err := s.base.Transport().Read()
		if err != nil {
			s.shutdown()
			return
		}
		msg, err := s.proto.Receive(data)
		if err != nil {
			s.logger.Error("protocol violation, dropping session", "error", err)
			s.shutdown()
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg wamp.Message) {
	switch m := msg.(type) {
	case *wamp.Result:
		s.dispatchResult(m)

	case *wamp.Registered:
		s.resolve(m.Request, m)
	case *wamp.Unregistered:
		s.resolve(m.Request, m)
	case *wamp.Subscribed:
		s.resolve(m.Request, m)
	case *wamp.Unsubscribed:
		s.resolve(m.Request, m)
	case *wamp.Published:
		s.resolve(m.Request, m)
	case *wamp.Error:
		s.resolve(m.Request, m)

	case *wamp.Invocation:
		s.dispatchInvocation(m)
	case *wamp.Interrupt:
		s.mu.Lock()
		cancel := s.running[m.Request]
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	case *wamp.Event:
		s.dispatchEvent(m)

	case *wamp.Goodbye:
		if s.leaving.Load() {
			select {
			case s.goodbye <- m:
			default:
			}
			return
		}
		// Router-initiated close; acknowledge and shut down.
		s.sendMessage(&wamp.Goodbye{Details: map[string]any{},
			Reason: wamp.CloseGoodbyeAndOut})
		s.shutdown()

	case *wamp.Abort:
		s.logger.Warn("session aborted by router", "reason", m.Reason)
		s.shutdown()

	default:
		s.logger.Warn("unhandled message", "type", msg.Type().String())
	}
}

func (s *Session) dispatchResult(m *wamp.Result) {
	if m.Progress() {
		s.mu.Lock()
		onProgress := s.progress[m.Request]
		s.mu.Unlock()
		if onProgress != nil {
			onProgress(&Result{Args: m.Args, Kwargs: m.Kwargs, Details: m.Details})
		}
		return
	}
	s.resolve(m.Request, m)
}

func (s *Session) resolve(requestID uint64, msg wamp.Message) {
	s.mu.Lock()
	waiter := s.waiters[requestID]
	s.mu.Unlock()
	if waiter == nil {
		s.logger.Debug("reply for abandoned request",
			"request_id", requestID, "type", msg.Type().String())
		return
	}
	select {
	case waiter <- msg:
	default:
	}
}

func (s *Session) dispatchInvocation(m *wamp.Invocation) {
	s.mu.Lock()
	entry := s.handlers[m.Registration]
	s.mu.Unlock()
	if entry == nil {
		s.sendMessage(&wamp.Error{MsgType: wamp.MsgInvocation, Request: m.Request,
			URI: wamp.ErrNoSuchRegistration})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[m.Request] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, m.Request)
			s.mu.Unlock()
			cancel()
		}()
		entry.acquire()
		defer entry.release()

		inv := &Invocation{Args: m.Args, Kwargs: m.Kwargs, Details: m.Details}
		if m.ReceiveProgress() {
			inv.sendProgress = func(args []any, kwargs map[string]any) error {
				return s.sendMessage(&wamp.Yield{Request: m.Request,
					Options: map[string]any{"progress": true}, Args: args, Kwargs: kwargs})
			}
		}

		result, err := s.runHandler(ctx, entry.handler, inv)
		if err != nil {
			s.sendMessage(errorForInvocation(m.Request, err))
			return
		}
		if result == nil {
			result = &Result{}
		}
		s.sendMessage(&wamp.Yield{Request: m.Request, Args: result.Args,
			Kwargs: result.Kwargs})
	}()
}

// runHandler invokes the handler, converting a panic into an error so a
// broken handler never tears down the session.
func (s *Session) runHandler(ctx context.Context, handler InvocationHandler, inv *Invocation) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("invocation handler panicked", "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, inv)
}

func (s *Session) dispatchEvent(m *wamp.Event) {
	s.mu.Lock()
	handler := s.events[m.Subscription]
	s.mu.Unlock()
	if handler == nil {
		s.logger.Debug("event for unknown subscription", "subscription", m.Subscription)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("event handler panicked", "panic", r)
			}
		}()
		handler(&Event{Args: m.Args, Kwargs: m.Kwargs, Details: m.Details})
	}()
}

// shutdown ends the session exactly once: pending waiters resolve with
// connection_closed, running invocations are canceled, disconnect
// callbacks fire concurrently within a grace period.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.proto.Close()
		s.base.Close()

		s.mu.Lock()
		for _, cancel := range s.running {
			cancel()
		}
		s.mu.Unlock()

		s.callbackMu.Lock()
		callbacks := s.onDisconnect
		s.onDisconnect = nil
		s.callbackMu.Unlock()

		var wg sync.WaitGroup
		for _, cb := range callbacks {
			wg.Add(1)
			go func(cb func()) {
				defer wg.Done()
				cb()
			}(cb)
		}
		waitDone := make(chan struct{})
		go func() {
			wg.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-time.After(disconnectGrace):
			s.logger.Warn("disconnect callbacks exceeded grace period")
		}
	})
}

// resultFromReply converts a call reply into a Result or error.
func resultFromReply(reply wamp.Message) (*Result, error) {
	switch m := reply.(type) {
	case *wamp.Result:
		return &Result{Args: m.Args, Kwargs: m.Kwargs, Details: m.Details}, nil
	default:
		return nil, replyError(reply)
	}
}

// replyError converts an unexpected reply into an error.
func replyError(reply wamp.Message) error {
	if e, ok := reply.(*wamp.Error); ok {
		return wamp.ErrorFromMessage(e)
	}
	return fmt.Errorf("%w: unexpected reply %s", wamp.ErrProtocolViolation, reply.Type())
}

// errorForInvocation maps a handler failure to the wire ERROR.
func errorForInvocation(requestID uint64, err error) *wamp.Error {
	var appErr *wamp.ApplicationError
	if errors.As(err, &appErr) {
		return &wamp.Error{MsgType: wamp.MsgInvocation, Request: requestID,
			URI: appErr.URI, Args: appErr.Args, Kwargs: appErr.Kwargs}
	}
	return &wamp.Error{MsgType: wamp.MsgInvocation, Request: requestID,
		URI: wamp.ErrRuntimeError, Args: []any{err.Error()}}
}

func cloneOptions(options map[string]any) map[string]any {
	cloned := make(map[string]any, len(options)+1)
	for k, v := range options {
		cloned[k] = v
	}
	return cloned
}
