package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wampgate/wampgate/internal/metrics"
	"github.com/wampgate/wampgate/pkg/wamp"
)

// outboundQueueSize bounds each client's outbound queue. Fan-out enqueues
// here so a slow subscriber delays nobody else; a client whose queue stays
// full is dropped.
const outboundQueueSize = 256

// Peer is the realm's view of an attached client: an identity plus an
// ordered, write-serialized message sink. transport.BaseSession satisfies
// it.
type Peer interface {
	ID() uint64
	Details() wamp.SessionDetails
	Send(msg wamp.Message) error
	Close() error
}

// client wraps a Peer with an outbound queue drained by one writer
// goroutine, preserving per-recipient ordering while keeping the routing
// path non-blocking.
type client struct {
	peer    Peer
	queue   chan wamp.Message
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newClient(peer Peer) *client {
	c := &client{
		peer:    peer,
		queue:   make(chan wamp.Message, outboundQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *client) writeLoop() {
	defer close(c.stopped)
	for {
		select {
		case msg := <-c.queue:
			if err := c.peer.Send(msg); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			// Flush what is already queued, then stop.
			for {
				select {
				case msg := <-c.queue:
					if err := c.peer.Send(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// enqueue hands a message to the writer without ever blocking the
// routing path. It reports false when the client is gone or its queue is
// full.
func (c *client) enqueue(msg wamp.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// kill marks the client dead and closes its transport, unblocking a
// writer stalled on a backpressured connection.
func (c *client) kill() {
	c.stop()
	c.peer.Close()
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// Realm routes messages between the sessions attached to it, dispatching
// RPC traffic to its Dealer and PubSub traffic to its Broker.
type Realm struct {
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics

	dealer *Dealer
	broker *Broker

	mu      sync.Mutex
	clients map[uint64]*client
}

// NewRealm creates an empty realm.
func NewRealm(name string, logger *slog.Logger, m *metrics.Metrics) *Realm {
	if logger == nil {
		logger = slog.Default()
	}
	return &Realm{
		name:    name,
		logger:  logger.With("realm", name),
		metrics: m,
		dealer:  NewDealer(),
		broker:  NewBroker(),
		clients: make(map[uint64]*client),
	}
}

// Name returns the realm name.
func (r *Realm) Name() string { return r.name }

// Dealer exposes the realm's dealer, mainly for inspection in tests.
func (r *Realm) Dealer() *Dealer { return r.dealer }

// Broker exposes the realm's broker, mainly for inspection in tests.
func (r *Realm) Broker() *Broker { return r.broker }

// AttachClient adds a session to the realm.
func (r *Realm) AttachClient(peer Peer) {
	details := peer.Details()

	r.mu.Lock()
	r.clients[peer.ID()] = newClient(peer)
	r.mu.Unlock()

	r.dealer.AddSession(details)
	r.broker.AddSession(details)
	r.metrics.SessionAttached(r.name)
	r.logger.Debug("session attached",
		"session_id", details.SessionID, "authid", details.AuthID)
}

// DetachClient removes a session: registrations and subscriptions are
// dropped, callers of invocations it was serving get ERROR(canceled), and
// the transport is closed.
func (r *Realm) DetachClient(sid uint64) {
	r.mu.Lock()
	c, ok := r.clients[sid]
	if ok {
		delete(r.clients, sid)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	canceled := r.dealer.RemoveSession(sid)
	r.broker.RemoveSession(sid)
	r.deliver(canceled)

	// Let the writer drain what is already queued before the transport
	// goes away.
	c.stop()
	<-c.stopped
	c.peer.Close()
	r.metrics.SessionDetached(r.name)
	r.logger.Debug("session detached", "session_id", sid)
}

// ReceiveMessage routes one message from an attached session. A returned
// error is a protocol violation; the caller should abort the session.
func (r *Realm) ReceiveMessage(sid uint64, msg wamp.Message) error {
	r.metrics.MessageReceived(r.name, msg.Type().String())

	switch m := msg.(type) {
	case *wamp.Call:
		r.metrics.Call(r.name)
		return r.routeDealer(sid, m)
	case *wamp.Yield, *wamp.Register, *wamp.Unregister, *wamp.Cancel:
		return r.routeDealer(sid, msg)
	case *wamp.Error:
		if m.MsgType != wamp.MsgInvocation {
			return fmt.Errorf("%w: realm cannot route ERROR(%s)",
				wamp.ErrProtocolViolation, m.MsgType)
		}
		return r.routeDealer(sid, m)

	case *wamp.Publish:
		r.metrics.Publication(r.name)
		return r.routeBroker(sid, m)
	case *wamp.Subscribe, *wamp.Unsubscribe:
		return r.routeBroker(sid, msg)

	case *wamp.Goodbye:
		r.sendTo(sid, &wamp.Goodbye{Details: map[string]any{}, Reason: wamp.CloseGoodbyeAndOut})
		r.DetachClient(sid)
		return nil

	default:
		return fmt.Errorf("%w: realm cannot route %s", wamp.ErrProtocolViolation, msg.Type())
	}
}

func (r *Realm) routeDealer(sid uint64, msg wamp.Message) error {
	out, err := r.dealer.ReceiveMessage(sid, msg)
	if err != nil {
		return err
	}
	r.countRoutingErrors(out)
	r.deliver(out)
	return nil
}

func (r *Realm) routeBroker(sid uint64, msg wamp.Message) error {
	out, err := r.broker.ReceiveMessage(sid, msg)
	if err != nil {
		return err
	}
	r.countRoutingErrors(out)
	r.deliver(out)
	return nil
}

func (r *Realm) countRoutingErrors(out []MessageTo) {
	for _, mt := range out {
		if e, ok := mt.Message.(*wamp.Error); ok {
			r.metrics.RoutingError(r.name, string(e.URI))
		}
	}
}

// deliver enqueues routed messages onto the recipients' outbound queues.
// Messages for sessions that left in the meantime are dropped.
func (r *Realm) deliver(out []MessageTo) {
	for _, mt := range out {
		r.sendTo(mt.Recipient, mt.Message)
	}
}

func (r *Realm) sendTo(sid uint64, msg wamp.Message) {
	r.mu.Lock()
	c, ok := r.clients[sid]
	r.mu.Unlock()
	if !ok {
		return
	}
	if !c.enqueue(msg) {
		r.logger.Warn("dropping message for dead or slow session",
			"session_id", sid, "type", msg.Type().String())
		c.kill()
		go r.DetachClient(sid)
	}
}

// SessionCount returns the number of attached sessions.
func (r *Realm) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close tells every attached session the realm is going away and detaches
// it.
func (r *Realm) Close() {
	r.mu.Lock()
	sids := make([]uint64, 0, len(r.clients))
	for sid := range r.clients {
		sids = append(sids, sid)
	}
	r.mu.Unlock()

	for _, sid := range sids {
		r.sendTo(sid, &wamp.Goodbye{Details: map[string]any{}, Reason: wamp.CloseCloseRealm})
		r.DetachClient(sid)
	}
}
