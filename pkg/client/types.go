// Package client is the embedding application's WAMP surface: Dial
// connects and joins a realm, Session exposes call, register, subscribe,
// publish, ping and leave.
package client

import (
	"context"
	"errors"

	"github.com/wampgate/wampgate/pkg/wamp"
)

// Result is the outcome of a call or the return value of an invocation
// handler.
type Result struct {
	Args    []any
	Kwargs  map[string]any
	Details map[string]any
}

// Invocation is what an invocation handler receives: the call payload plus
// the details the dealer attached (caller identity when disclosed,
// receive_progress, the concrete procedure for pattern registrations).
type Invocation struct {
	Args    []any
	Kwargs  map[string]any
	Details map[string]any

	sendProgress func(args []any, kwargs map[string]any) error
}

// SendProgress emits an intermediate result to the caller. It fails when
// the caller did not ask for progressive results.
func (inv *Invocation) SendProgress(args []any, kwargs map[string]any) error {
	if inv.sendProgress == nil {
		return errors.New("caller did not request progressive results")
	}
	return inv.sendProgress(args, kwargs)
}

// Caller returns the caller's session ID when the caller was disclosed.
func (inv *Invocation) Caller() (uint64, bool) {
	return wamp.AsID(inv.Details["caller"])
}

// Event is what a subscriber callback receives.
type Event struct {
	Args    []any
	Kwargs  map[string]any
	Details map[string]any
}

// InvocationHandler serves one procedure. ctx is canceled when the caller
// cancels the call or the session goes away. Returning a nil Result is
// equivalent to an empty Result. Returning a *wamp.ApplicationError (or an
// error wrapping one) propagates its URI and payload to the caller; any
// other error maps to wamp.error.runtime_error with the error text as the
// first argument.
type InvocationHandler func(ctx context.Context, inv *Invocation) (*Result, error)

// EventHandler consumes one published event. Panics are caught and logged,
// never propagated to the transport.
type EventHandler func(event *Event)

// ProgressHandler consumes intermediate results of a progressive call.
type ProgressHandler func(result *Result)

// Registration is the handle returned by Register.
type Registration struct {
	ID      uint64
	session *Session
}

// Unregister revokes the registration.
func (r *Registration) Unregister(ctx context.Context) error {
	return r.session.Unregister(ctx, r)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID      uint64
	session *Session
}

// Unsubscribe removes the subscription.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.session.Unsubscribe(ctx, s)
}
