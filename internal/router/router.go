package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wampgate/wampgate/internal/metrics"
	"github.com/wampgate/wampgate/pkg/wamp"
)

// ErrRealmNotFound is returned when a session targets a realm the router
// does not serve.
var ErrRealmNotFound = errors.New("realm not found")

// Router owns the realms and forwards session traffic to them.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	realms map[string]*Realm
}

// New creates a router with no realms. metrics may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger,
		metrics: m,
		realms:  make(map[string]*Realm),
	}
}

// AddRealm creates a realm. Adding an existing realm is an error.
func (r *Router) AddRealm(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.realms[name]; exists {
		return fmt.Errorf("realm %q already exists", name)
	}
	r.realms[name] = NewRealm(name, r.logger, r.metrics)
	r.logger.Info("realm created", "realm", name)
	return nil
}

// RemoveRealm closes a realm and forgets it.
func (r *Router) RemoveRealm(name string) {
	r.mu.Lock()
	realm, ok := r.realms[name]
	if ok {
		delete(r.realms, name)
	}
	r.mu.Unlock()
	if ok {
		realm.Close()
		r.logger.Info("realm removed", "realm", name)
	}
}

// HasRealm reports whether the router serves the named realm.
func (r *Router) HasRealm(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.realms[name]
	return ok
}

// Realm returns the named realm.
func (r *Router) Realm(name string) (*Realm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	realm, ok := r.realms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRealmNotFound, name)
	}
	return realm, nil
}

// AttachClient adds a session to the realm named in its details.
func (r *Router) AttachClient(peer Peer) error {
	realm, err := r.Realm(peer.Details().Realm)
	if err != nil {
		return err
	}
	realm.AttachClient(peer)
	return nil
}

// DetachClient removes a session from its realm.
func (r *Router) DetachClient(peer Peer) {
	realm, err := r.Realm(peer.Details().Realm)
	if err != nil {
		return
	}
	realm.DetachClient(peer.ID())
}

// ReceiveMessage routes one message from an attached session.
func (r *Router) ReceiveMessage(peer Peer, msg wamp.Message) error {
	realm, err := r.Realm(peer.Details().Realm)
	if err != nil {
		return err
	}
	return realm.ReceiveMessage(peer.ID(), msg)
}

// Close shuts every realm down, detaching all sessions.
func (r *Router) Close() {
	r.mu.Lock()
	realms := make([]*Realm, 0, len(r.realms))
	for _, realm := range r.realms {
		realms = append(realms, realm)
	}
	r.realms = make(map[string]*Realm)
	r.mu.Unlock()

	for _, realm := range realms {
		realm.Close()
	}
}
