// Package router implements the realm-side routing core: the Dealer for
// RPC, the Broker for PubSub, the Realm that dispatches between them and
// the Router that owns the realms.
package router

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/wampgate/wampgate/pkg/wamp"
)

// Invocation policies for shared registrations.
const (
	InvokeSingle     = "single"
	InvokeRoundRobin = "roundrobin"
	InvokeRandom     = "random"
	InvokeFirst      = "first"
	InvokeLast       = "last"
)

// MessageTo is a routed message addressed to one session.
type MessageTo struct {
	Recipient uint64
	Message   wamp.Message
}

// registration is one procedure endpoint set: the owners share the URI
// pattern under a single invocation policy.
type registration struct {
	id        uint64
	procedure wamp.URI
	match     wamp.MatchMode
	invoke    string
	owners    []uint64
}

func (r *registration) removeOwner(sid uint64) {
	for i, owner := range r.owners {
		if owner == sid {
			r.owners = append(r.owners[:i], r.owners[i+1:]...)
			return
		}
	}
}

// invocationInFlight correlates a dealer-issued INVOCATION with the CALL
// that caused it.
type invocationInFlight struct {
	callerSID      uint64
	callerRequest  uint64
	calleeSID      uint64
	registrationID uint64
	progressive    bool
}

type callerKey struct {
	sid     uint64
	request uint64
}

// Dealer routes CALLs to registered callees and relays YIELD/ERROR back to
// callers. All state is guarded by one mutex; every operation is a pure
// state transition returning the messages to deliver.
type Dealer struct {
	mu sync.Mutex

	sessions      map[uint64]wamp.SessionDetails
	registrations map[uint64]*registration
	procedures    map[wamp.MatchMode]map[wamp.URI]uint64
	invocations   map[uint64]*invocationInFlight
	callerIndex   map[callerKey]uint64
	rrCursor      map[uint64]int
	nextRequestID uint64
}

// NewDealer creates an empty dealer.
func NewDealer() *Dealer {
	return &Dealer{
		sessions:      make(map[uint64]wamp.SessionDetails),
		registrations: make(map[uint64]*registration),
		procedures: map[wamp.MatchMode]map[wamp.URI]uint64{
			wamp.MatchExact:    make(map[wamp.URI]uint64),
			wamp.MatchPrefix:   make(map[wamp.URI]uint64),
			wamp.MatchWildcard: make(map[wamp.URI]uint64),
		},
		invocations: make(map[uint64]*invocationInFlight),
		callerIndex: make(map[callerKey]uint64),
		rrCursor:    make(map[uint64]int),
	}
}

// AddSession makes the dealer aware of an attached session.
func (d *Dealer) AddSession(details wamp.SessionDetails) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[details.SessionID] = details
}

// RemoveSession drops everything the session owns. Each invocation the
// session was serving resolves its caller with ERROR(canceled); invocations
// the session had issued as caller are silently forgotten.
func (d *Dealer) RemoveSession(sid uint64) []MessageTo {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.sessions, sid)

	for id, reg := range d.registrations {
		reg.removeOwner(sid)
		if len(reg.owners) == 0 {
			delete(d.procedures[reg.match], reg.procedure)
			delete(d.registrations, id)
			delete(d.rrCursor, id)
		}
	}

	var out []MessageTo
	for invID, inv := range d.invocations {
		switch sid {
		case inv.calleeSID:
			out = append(out, MessageTo{
				Recipient: inv.callerSID,
				Message: &wamp.Error{MsgType: wamp.MsgCall, Request: inv.callerRequest,
					URI: wamp.ErrCanceled, Args: []any{"callee left the realm"}},
			})
			d.eraseInvocationLocked(invID, inv)
		case inv.callerSID:
			d.eraseInvocationLocked(invID, inv)
		}
	}
	return out
}

func (d *Dealer) eraseInvocationLocked(invID uint64, inv *invocationInFlight) {
	delete(d.invocations, invID)
	delete(d.callerIndex, callerKey{inv.callerSID, inv.callerRequest})
}

// HasProcedure reports whether any registration exactly matches procedure.
func (d *Dealer) HasProcedure(procedure wamp.URI) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.procedures[wamp.MatchExact][procedure]
	return ok
}

// InvocationsInFlight returns the number of outstanding invocations.
func (d *Dealer) InvocationsInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.invocations)
}

// ReceiveMessage routes one dealer-bound message from the given sender. A
// returned error is a protocol violation fatal to the sender's session.
func (d *Dealer) ReceiveMessage(sid uint64, msg wamp.Message) ([]MessageTo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch m := msg.(type) {
	case *wamp.Register:
		return d.register(sid, m), nil
	case *wamp.Unregister:
		return d.unregister(sid, m), nil
	case *wamp.Call:
		return d.call(sid, m), nil
	case *wamp.Yield:
		return d.yield(sid, m)
	case *wamp.Error:
		return d.invocationError(sid, m)
	case *wamp.Cancel:
		return d.cancel(sid, m), nil
	default:
		return nil, fmt.Errorf("%w: dealer cannot route %s", wamp.ErrProtocolViolation, msg.Type())
	}
}

func (d *Dealer) register(sid uint64, m *wamp.Register) []MessageTo {
	match, ok := wamp.ParseMatchMode(m.Options["match"])
	if !ok || !m.Procedure.ValidPattern(match) {
		return errorTo(sid, wamp.MsgRegister, m.Request, wamp.ErrInvalidURI,
			fmt.Sprintf("invalid procedure %q", m.Procedure))
	}
	invoke, ok := parseInvokePolicy(m.Options["invoke"])
	if !ok {
		return errorTo(sid, wamp.MsgRegister, m.Request, wamp.ErrInvalidArgument,
			fmt.Sprintf("invalid invoke policy %v", m.Options["invoke"]))
	}

	if regID, exists := d.procedures[match][m.Procedure]; exists {
		reg := d.registrations[regID]
		if reg.invoke == InvokeSingle || invoke == InvokeSingle || reg.invoke != invoke {
			return errorTo(sid, wamp.MsgRegister, m.Request, wamp.ErrProcedureAlreadyExists,
				string(m.Procedure))
		}
		reg.owners = append(reg.owners, sid)
		return []MessageTo{{Recipient: sid,
			Message: &wamp.Registered{Request: m.Request, Registration: reg.id}}}
	}

	reg := &registration{
		id:        wamp.GlobalID(),
		procedure: m.Procedure,
		match:     match,
		invoke:    invoke,
		owners:    []uint64{sid},
	}
	d.registrations[reg.id] = reg
	d.procedures[match][m.Procedure] = reg.id
	return []MessageTo{{Recipient: sid,
		Message: &wamp.Registered{Request: m.Request, Registration: reg.id}}}
}

func (d *Dealer) unregister(sid uint64, m *wamp.Unregister) []MessageTo {
	reg, ok := d.registrations[m.Registration]
	if !ok || !containsOwner(reg.owners, sid) {
		return errorTo(sid, wamp.MsgUnregister, m.Request, wamp.ErrNoSuchRegistration,
			fmt.Sprintf("registration %d", m.Registration))
	}
	reg.removeOwner(sid)
	if len(reg.owners) == 0 {
		delete(d.procedures[reg.match], reg.procedure)
		delete(d.registrations, reg.id)
		delete(d.rrCursor, reg.id)
	}
	return []MessageTo{{Recipient: sid, Message: &wamp.Unregistered{Request: m.Request}}}
}

func (d *Dealer) call(sid uint64, m *wamp.Call) []MessageTo {
	reg := d.resolveProcedure(m.Procedure)
	if reg == nil {
		return errorTo(sid, wamp.MsgCall, m.Request, wamp.ErrNoSuchProcedure,
			string(m.Procedure))
	}

	callee := d.pickOwner(reg)
	invID := d.nextInvocationID()
	receiveProgress, _ := wamp.AsBool(m.Options["receive_progress"])
	d.invocations[invID] = &invocationInFlight{
		callerSID:      sid,
		callerRequest:  m.Request,
		calleeSID:      callee,
		registrationID: reg.id,
		progressive:    receiveProgress,
	}
	d.callerIndex[callerKey{sid, m.Request}] = invID

	details := map[string]any{}
	if receiveProgress {
		details["receive_progress"] = true
	}
	if reg.match != wamp.MatchExact {
		details["procedure"] = string(m.Procedure)
	}
	if disclose, _ := wamp.AsBool(m.Options["disclose_me"]); disclose {
		if caller, ok := d.sessions[sid]; ok {
			details["caller"] = caller.SessionID
			details["caller_authid"] = caller.AuthID
			details["caller_authrole"] = caller.AuthRole
		}
	}

	return []MessageTo{{Recipient: callee, Message: &wamp.Invocation{
		Request:      invID,
		Registration: reg.id,
		Details:      details,
		Args:         m.Args,
		Kwargs:       m.Kwargs,
	}}}
}

// resolveProcedure finds the registration serving a procedure, preferring
// exact over prefix over wildcard matches. Among prefix candidates the
// longest pattern wins.
func (d *Dealer) resolveProcedure(procedure wamp.URI) *registration {
	if regID, ok := d.procedures[wamp.MatchExact][procedure]; ok {
		return d.registrations[regID]
	}

	var bestPrefix *registration
	for pattern, regID := range d.procedures[wamp.MatchPrefix] {
		if wamp.PrefixMatch(pattern, procedure) {
			if bestPrefix == nil || len(pattern) > len(bestPrefix.procedure) {
				bestPrefix = d.registrations[regID]
			}
		}
	}
	if bestPrefix != nil {
		return bestPrefix
	}

	for pattern, regID := range d.procedures[wamp.MatchWildcard] {
		if wamp.WildcardMatch(pattern, procedure) {
			return d.registrations[regID]
		}
	}
	return nil
}

func (d *Dealer) pickOwner(reg *registration) uint64 {
	switch reg.invoke {
	case InvokeRoundRobin:
		cursor := d.rrCursor[reg.id]
		owner := reg.owners[cursor%len(reg.owners)]
		d.rrCursor[reg.id] = cursor + 1
		return owner
	case InvokeRandom:
		return reg.owners[rand.Intn(len(reg.owners))]
	case InvokeLast:
		return reg.owners[len(reg.owners)-1]
	default:
		// single and first both take the first owner.
		return reg.owners[0]
	}
}

func (d *Dealer) nextInvocationID() uint64 {
	d.nextRequestID++
	if d.nextRequestID >= wamp.MaxID {
		d.nextRequestID = 1
	}
	return d.nextRequestID
}

func (d *Dealer) yield(sid uint64, m *wamp.Yield) ([]MessageTo, error) {
	inv, ok := d.invocations[m.Request]
	if !ok {
		// The record may have been erased by a cancel or by the callee's
		// own ERROR racing this YIELD; not the callee's fault, drop it.
		return nil, nil
	}
	if inv.calleeSID != sid {
		return nil, fmt.Errorf("%w: YIELD for invocation %d from wrong session",
			wamp.ErrProtocolViolation, m.Request)
	}

	details := map[string]any{}
	if m.Progress() {
		if !inv.progressive {
			// Caller never asked for progress; drop the partial result.
			return nil, nil
		}
		details["progress"] = true
	} else {
		d.eraseInvocationLocked(m.Request, inv)
	}

	return []MessageTo{{Recipient: inv.callerSID, Message: &wamp.Result{
		Request: inv.callerRequest,
		Details: details,
		Args:    m.Args,
		Kwargs:  m.Kwargs,
	}}}, nil
}

func (d *Dealer) invocationError(sid uint64, m *wamp.Error) ([]MessageTo, error) {
	if m.MsgType != wamp.MsgInvocation {
		return nil, fmt.Errorf("%w: dealer cannot route ERROR(%s)",
			wamp.ErrProtocolViolation, m.MsgType)
	}
	inv, ok := d.invocations[m.Request]
	if !ok {
		// Expected after a cancel: the INTERRUPTed handler reports its
		// error for an already-erased record.
		return nil, nil
	}
	if inv.calleeSID != sid {
		return nil, fmt.Errorf("%w: ERROR for invocation %d from wrong session",
			wamp.ErrProtocolViolation, m.Request)
	}
	d.eraseInvocationLocked(m.Request, inv)

	return []MessageTo{{Recipient: inv.callerSID, Message: &wamp.Error{
		MsgType: wamp.MsgCall,
		Request: inv.callerRequest,
		URI:     m.URI,
		Args:    m.Args,
		Kwargs:  m.Kwargs,
	}}}, nil
}

// cancel handles a caller's CANCEL. Under kill and killnowait the callee
// gets an INTERRUPT; in every mode the caller is answered immediately with
// ERROR(canceled) and the record is erased, so a late YIELD is dropped.
func (d *Dealer) cancel(sid uint64, m *wamp.Cancel) []MessageTo {
	invID, ok := d.callerIndex[callerKey{sid, m.Request}]
	if !ok {
		// The call may have completed already; nothing to do.
		return nil
	}
	inv := d.invocations[invID]

	var out []MessageTo
	mode := m.Mode()
	if mode == wamp.CancelKill || mode == wamp.CancelKillNoWait {
		out = append(out, MessageTo{Recipient: inv.calleeSID, Message: &wamp.Interrupt{
			Request: invID,
			Options: map[string]any{"mode": mode},
		}})
	}
	out = append(out, MessageTo{Recipient: sid, Message: &wamp.Error{
		MsgType: wamp.MsgCall,
		Request: m.Request,
		URI:     wamp.ErrCanceled,
	}})
	d.eraseInvocationLocked(invID, inv)
	return out
}

func parseInvokePolicy(v any) (string, bool) {
	if v == nil {
		return InvokeSingle, true
	}
	s, ok := wamp.AsString(v)
	if !ok {
		return "", false
	}
	switch s {
	case "":
		return InvokeSingle, true
	case InvokeSingle, InvokeRoundRobin, InvokeRandom, InvokeFirst, InvokeLast:
		return s, true
	}
	return "", false
}

func containsOwner(owners []uint64, sid uint64) bool {
	for _, owner := range owners {
		if owner == sid {
			return true
		}
	}
	return false
}

func errorTo(sid uint64, msgType wamp.MessageType, request uint64, uri wamp.URI, detail string) []MessageTo {
	e := &wamp.Error{MsgType: msgType, Request: request, URI: uri}
	if detail != "" {
		e.Args = []any{detail}
	}
	return []MessageTo{{Recipient: sid, Message: e}}
}
