package wamp

// Hello opens a session on a realm. Sent by the client as the first message
// after the transport is connected.
type Hello struct {
	Realm   URI
	Details map[string]any
}

// NewHello creates a HELLO with the standard client role announcement and the
// given auth attributes.
func NewHello(realm URI, authID string, authExtra map[string]any, authMethods []string) *Hello {
	details := map[string]any{
		"roles": clientRoles(),
	}
	if authID != "" {
		details["authid"] = authID
	}
	if authExtra != nil {
		details["authextra"] = authExtra
	}
	if len(authMethods) != 0 {
		methods := make([]any, len(authMethods))
		for i, m := range authMethods {
			methods[i] = m
		}
		details["authmethods"] = methods
	}
	return &Hello{Realm: realm, Details: details}
}

func clientRoles() map[string]any {
	return map[string]any{
		"caller": map[string]any{"features": map[string]any{
			"call_canceling":           true,
			"call_timeout":             true,
			"caller_identification":    true,
			"progressive_call_results": true,
		}},
		"callee": map[string]any{"features": map[string]any{
			"call_canceling":             true,
			"caller_identification":      true,
			"pattern_based_registration": true,
			"progressive_call_results":   true,
			"shared_registration":        true,
		}},
		"publisher": map[string]any{"features": map[string]any{
			"publisher_exclusion":           true,
			"subscriber_blackwhite_listing": true,
		}},
		"subscriber": map[string]any{"features": map[string]any{
			"pattern_based_subscription": true,
			"publisher_identification":   true,
		}},
	}
}

func (m *Hello) Type() MessageType { return MsgHello }

func (m *Hello) payload() []any {
	return []any{int(MsgHello), string(m.Realm), emptyDict(m.Details)}
}

// AuthMethods returns the authmethods announced in the HELLO details.
func (m *Hello) AuthMethods() []string {
	raw, _ := AsList(m.Details["authmethods"])
	methods := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := AsString(v); ok {
			methods = append(methods, s)
		}
	}
	return methods
}

// AuthID returns the authid announced in the HELLO details, if any.
func (m *Hello) AuthID() string {
	s, _ := AsString(m.Details["authid"])
	return s
}

// Welcome completes the handshake. Sent by the router, it carries the
// router-assigned session ID and the session's auth attributes.
type Welcome struct {
	SessionID uint64
	Details   map[string]any
}

func (m *Welcome) Type() MessageType { return MsgWelcome }

func (m *Welcome) payload() []any {
	return []any{int(MsgWelcome), m.SessionID, emptyDict(m.Details)}
}

// AuthID returns the authid granted by the router.
func (m *Welcome) AuthID() string {
	s, _ := AsString(m.Details["authid"])
	return s
}

// AuthRole returns the authrole granted by the router.
func (m *Welcome) AuthRole() string {
	s, _ := AsString(m.Details["authrole"])
	return s
}

// Abort terminates the handshake (or, rarely, an established session) with a
// reason URI. No reply is expected.
type Abort struct {
	Details map[string]any
	Reason  URI
	Args    []any
	Kwargs  map[string]any
}

func (m *Abort) Type() MessageType { return MsgAbort }

func (m *Abort) payload() []any {
	head := []any{int(MsgAbort), emptyDict(m.Details), string(m.Reason)}
	return payloadTail(head, m.Args, m.Kwargs)
}

// Challenge asks the client to prove its identity using the given authmethod.
type Challenge struct {
	AuthMethod string
	Extra      map[string]any
}

func (m *Challenge) Type() MessageType { return MsgChallenge }

func (m *Challenge) payload() []any {
	return []any{int(MsgChallenge), m.AuthMethod, emptyDict(m.Extra)}
}

// Authenticate answers a CHALLENGE with a signature (or ticket).
type Authenticate struct {
	Signature string
	Extra     map[string]any
}

func (m *Authenticate) Type() MessageType { return MsgAuthenticate }

func (m *Authenticate) payload() []any {
	return []any{int(MsgAuthenticate), m.Signature, emptyDict(m.Extra)}
}

// Goodbye initiates or acknowledges an orderly session close.
type Goodbye struct {
	Details map[string]any
	Reason  URI
}

func (m *Goodbye) Type() MessageType { return MsgGoodbye }

func (m *Goodbye) payload() []any {
	return []any{int(MsgGoodbye), emptyDict(m.Details), string(m.Reason)}
}

// Error reports a failure of a prior request. MsgType carries the type code
// of the request the error answers; correlation is by (MsgType, Request).
type Error struct {
	MsgType MessageType
	Request uint64
	Details map[string]any
	URI     URI
	Args    []any
	Kwargs  map[string]any
}

func (m *Error) Type() MessageType { return MsgError }

func (m *Error) payload() []any {
	head := []any{int(MsgError), int(m.MsgType), m.Request, emptyDict(m.Details), string(m.URI)}
	return payloadTail(head, m.Args, m.Kwargs)
}
