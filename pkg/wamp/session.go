package wamp

import (
	"fmt"
	"sync"
)

// SessionState is the phase of a WAMP session.
type SessionState int

// Session lifecycle states.
const (
	StateConnecting SessionState = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ProtocolSession is the sans-I/O session engine. It turns inbound frames
// into typed messages, validates every message against the current session
// phase and the pending request tables, and produces outbound frames. It
// performs no I/O; the caller moves bytes.
//
// The engine models the peer that originates requests (the client side of a
// session): outbound CALL/REGISTER/SUBSCRIBE/PUBLISH are recorded as pending
// and inbound replies must correlate, while inbound INVOCATIONs are recorded
// until answered by YIELD or ERROR.
type ProtocolSession struct {
	mu         sync.Mutex
	serializer Serializer
	state      SessionState

	callRequests        map[uint64]struct{}
	registerRequests    map[uint64]struct{}
	unregisterRequests  map[uint64]struct{}
	subscribeRequests   map[uint64]struct{}
	unsubscribeRequests map[uint64]struct{}
	publishRequests     map[uint64]struct{}
	invocationRequests  map[uint64]struct{}
}

// NewProtocolSession creates an engine in the CONNECTING state, ready to
// send HELLO.
func NewProtocolSession(serializer Serializer) *ProtocolSession {
	return newProtocolSession(serializer, StateConnecting)
}

// NewEstablishedSession creates an engine already in the ESTABLISHED state,
// for sessions whose handshake was run by an Acceptor or Joiner.
func NewEstablishedSession(serializer Serializer) *ProtocolSession {
	return newProtocolSession(serializer, StateEstablished)
}

func newProtocolSession(serializer Serializer, state SessionState) *ProtocolSession {
	return &ProtocolSession{
		serializer:          serializer,
		state:               state,
		callRequests:        make(map[uint64]struct{}),
		registerRequests:    make(map[uint64]struct{}),
		unregisterRequests:  make(map[uint64]struct{}),
		subscribeRequests:   make(map[uint64]struct{}),
		unsubscribeRequests: make(map[uint64]struct{}),
		publishRequests:     make(map[uint64]struct{}),
		invocationRequests:  make(map[uint64]struct{}),
	}
}

// State returns the current session state.
func (s *ProtocolSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingCount returns the total number of outstanding requests across all
// pending tables.
func (s *ProtocolSession) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callRequests) + len(s.registerRequests) + len(s.unregisterRequests) +
		len(s.subscribeRequests) + len(s.unsubscribeRequests) + len(s.publishRequests) +
		len(s.invocationRequests)
}

// SendMessage validates msg for the current state, records any pending
// request, applies state transitions, and returns the encoded frame.
func (s *ProtocolSession) SendMessage(msg Message) ([]byte, error) {
	s.mu.Lock()
	if err := s.sendLocked(msg); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	return s.serializer.Encode(msg)
}

func (s *ProtocolSession) sendLocked(msg Message) error {
	switch s.state {
	case StateConnecting:
		if msg.Type() != MsgHello {
			return s.violation("cannot send", msg)
		}
		s.state = StateHandshaking
		return nil

	case StateHandshaking:
		switch msg.Type() {
		case MsgAuthenticate:
			return nil
		case MsgAbort:
			s.state = StateClosed
			return nil
		}
		return s.violation("cannot send", msg)

	case StateEstablished:
		switch m := msg.(type) {
		case *Call:
			s.callRequests[m.Request] = struct{}{}
		case *Cancel:
			if _, ok := s.callRequests[m.Request]; !ok {
				return fmt.Errorf("%w: CANCEL for unknown call request %d",
					ErrProtocolViolation, m.Request)
			}
		case *Register:
			s.registerRequests[m.Request] = struct{}{}
		case *Unregister:
			s.unregisterRequests[m.Request] = struct{}{}
		case *Subscribe:
			s.subscribeRequests[m.Request] = struct{}{}
		case *Unsubscribe:
			s.unsubscribeRequests[m.Request] = struct{}{}
		case *Publish:
			if m.Acknowledge() {
				s.publishRequests[m.Request] = struct{}{}
			}
		case *Yield:
			if _, ok := s.invocationRequests[m.Request]; !ok {
				return fmt.Errorf("%w: YIELD for unknown invocation %d",
					ErrProtocolViolation, m.Request)
			}
			if !m.Progress() {
				delete(s.invocationRequests, m.Request)
			}
		case *Error:
			if m.MsgType != MsgInvocation {
				return s.violation("cannot send", msg)
			}
			if _, ok := s.invocationRequests[m.Request]; !ok {
				return fmt.Errorf("%w: ERROR for unknown invocation %d",
					ErrProtocolViolation, m.Request)
			}
			delete(s.invocationRequests, m.Request)
		case *Goodbye:
			s.state = StateClosing
		default:
			return s.violation("cannot send", msg)
		}
		return nil

	case StateClosing:
		// The only legal outbound message while closing is the GOODBYE ack.
		if msg.Type() == MsgGoodbye {
			s.state = StateClosed
			return nil
		}
		return s.violation("cannot send", msg)

	default:
		return fmt.Errorf("%w: session is closed", ErrConnectionClosed)
	}
}

// Receive decodes an inbound frame and validates the message via
// ReceiveMessage.
func (s *ProtocolSession) Receive(data []byte) (Message, error) {
	msg, err := s.serializer.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := s.ReceiveMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ReceiveMessage validates an inbound message against the current state and
// the pending tables, applying state transitions and clearing matched
// pending entries. A message illegal in the current state returns
// ErrProtocolViolation, which is fatal to the session.
func (s *ProtocolSession) ReceiveMessage(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnecting:
		return s.violation("cannot receive", msg)

	case StateHandshaking:
		switch msg.Type() {
		case MsgWelcome:
			s.state = StateEstablished
			return nil
		case MsgChallenge:
			return nil
		case MsgAbort:
			s.state = StateClosed
			return nil
		}
		return s.violation("cannot receive", msg)

	case StateEstablished, StateClosing:
		return s.receiveEstablishedLocked(msg)

	default:
		return fmt.Errorf("%w: session is closed", ErrConnectionClosed)
	}
}

func (s *ProtocolSession) receiveEstablishedLocked(msg Message) error {
	switch m := msg.(type) {
	case *Result:
		if _, ok := s.callRequests[m.Request]; !ok {
			return fmt.Errorf("%w: RESULT for unknown call request %d",
				ErrProtocolViolation, m.Request)
		}
		if !m.Progress() {
			delete(s.callRequests, m.Request)
		}
		return nil

	case *Registered:
		return s.clearPending(s.registerRequests, m.Request, MsgRegistered)
	case *Unregistered:
		return s.clearPending(s.unregisterRequests, m.Request, MsgUnregistered)
	case *Subscribed:
		return s.clearPending(s.subscribeRequests, m.Request, MsgSubscribed)
	case *Unsubscribed:
		return s.clearPending(s.unsubscribeRequests, m.Request, MsgUnsubscribed)
	case *Published:
		return s.clearPending(s.publishRequests, m.Request, MsgPublished)

	case *Invocation:
		s.invocationRequests[m.Request] = struct{}{}
		return nil

	case *Interrupt:
		if _, ok := s.invocationRequests[m.Request]; !ok {
			return fmt.Errorf("%w: INTERRUPT for unknown invocation %d",
				ErrProtocolViolation, m.Request)
		}
		return nil

	case *Event:
		return nil

	case *Error:
		table := s.tableFor(m.MsgType)
		if table == nil {
			return fmt.Errorf("%w: ERROR for unexpected message type %s",
				ErrProtocolViolation, m.MsgType)
		}
		if _, ok := table[m.Request]; !ok {
			return fmt.Errorf("%w: ERROR(%s) for unknown request %d",
				ErrProtocolViolation, m.MsgType, m.Request)
		}
		delete(table, m.Request)
		return nil

	case *Goodbye:
		if s.state == StateClosing {
			s.state = StateClosed
		} else {
			// Peer-initiated close; the owner replies with the
			// goodbye-and-out ack.
			s.state = StateClosing
		}
		return nil

	case *Abort:
		s.state = StateClosed
		return nil

	default:
		return s.violation("cannot receive", msg)
	}
}

func (s *ProtocolSession) clearPending(table map[uint64]struct{}, request uint64, reply MessageType) error {
	if _, ok := table[request]; !ok {
		return fmt.Errorf("%w: %s for unknown request %d", ErrProtocolViolation, reply, request)
	}
	delete(table, request)
	return nil
}

// tableFor maps an ERROR's original message type to the pending table that
// must hold the request.
func (s *ProtocolSession) tableFor(t MessageType) map[uint64]struct{} {
	switch t {
	case MsgCall:
		return s.callRequests
	case MsgRegister:
		return s.registerRequests
	case MsgUnregister:
		return s.unregisterRequests
	case MsgSubscribe:
		return s.subscribeRequests
	case MsgUnsubscribe:
		return s.unsubscribeRequests
	case MsgPublish:
		return s.publishRequests
	default:
		return nil
	}
}

func (s *ProtocolSession) violation(verb string, msg Message) error {
	return fmt.Errorf("%w: %s %s in state %s", ErrProtocolViolation, verb, msg.Type(), s.state)
}

// Close moves the session to CLOSED and drops all pending tables. Waiters
// are the owner's concern; the engine only forgets the correlation state.
func (s *ProtocolSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.callRequests = make(map[uint64]struct{})
	s.registerRequests = make(map[uint64]struct{})
	s.unregisterRequests = make(map[uint64]struct{})
	s.subscribeRequests = make(map[uint64]struct{})
	s.unsubscribeRequests = make(map[uint64]struct{})
	s.publishRequests = make(map[uint64]struct{})
	s.invocationRequests = make(map[uint64]struct{})
}
