// Package handshake implements the session-establishment state machines:
// the Acceptor drives the router side of HELLO/CHALLENGE/AUTHENTICATE/
// WELCOME, the Joiner drives the client side. Both are sans-I/O; the
// caller moves the frames.
package handshake

import (
	"errors"
	"fmt"

	"github.com/wampgate/wampgate/pkg/auth"
	"github.com/wampgate/wampgate/pkg/wamp"
)

// ErrHandshakeNotComplete is returned when session details are requested
// before the handshake finished.
var ErrHandshakeNotComplete = errors.New("handshake not complete")

// ErrHandshakeAborted is returned after the handshake ended in an ABORT.
var ErrHandshakeAborted = errors.New("handshake aborted")

type acceptorState int

const (
	acceptorWaitHello acceptorState = iota
	acceptorWaitAuthenticate
	acceptorWelcomed
	acceptorAborted
)

// Acceptor runs the router side of session establishment over one
// transport. Feed it inbound frames with Receive; it returns the frame to
// write back and reports when the handshake is over. After a successful
// handshake SessionDetails returns the admitted identity.
type Acceptor struct {
	serializer    wamp.Serializer
	authenticator auth.ServerAuthenticator
	realmExists   func(realm string) bool

	state   acceptorState
	request auth.Request
	details wamp.SessionDetails
}

// NewAcceptor creates an acceptor. A nil authenticator admits everyone
// anonymously; a nil realmExists accepts any realm.
func NewAcceptor(serializer wamp.Serializer, authenticator auth.ServerAuthenticator, realmExists func(realm string) bool) *Acceptor {
	if authenticator == nil {
		authenticator = auth.NewAnonymousServerAuthenticator()
	}
	return &Acceptor{
		serializer:    serializer,
		authenticator: authenticator,
		realmExists:   realmExists,
	}
}

// Receive processes one inbound frame. The returned payload, if non-empty,
// must be written to the peer. done is true once the handshake concluded;
// the error then tells success (nil) from abort apart. A protocol error
// before conclusion is returned with a nil payload and done false; the
// caller should drop the connection.
func (a *Acceptor) Receive(data []byte) (payload []byte, done bool, err error) {
	msg, err := a.serializer.Decode(data)
	if err != nil {
		return nil, false, err
	}
	reply, done, err := a.ReceiveMessage(msg)
	if reply == nil {
		return nil, done, err
	}
	encoded, encodeErr := a.serializer.Encode(reply)
	if encodeErr != nil {
		return nil, false, encodeErr
	}
	return encoded, done, err
}

// ReceiveMessage is Receive on an already-decoded message.
func (a *Acceptor) ReceiveMessage(msg wamp.Message) (reply wamp.Message, done bool, err error) {
	switch a.state {
	case acceptorWaitHello:
		hello, ok := msg.(*wamp.Hello)
		if !ok {
			if msg.Type() == wamp.MsgAbort {
				a.state = acceptorAborted
				return nil, true, ErrHandshakeAborted
			}
			return nil, false, fmt.Errorf("%w: expected HELLO, got %s",
				wamp.ErrProtocolViolation, msg.Type())
		}
		return a.receiveHello(hello)

	case acceptorWaitAuthenticate:
		switch m := msg.(type) {
		case *wamp.Authenticate:
			return a.receiveAuthenticate(m)
		case *wamp.Abort:
			a.state = acceptorAborted
			return nil, true, ErrHandshakeAborted
		}
		return nil, false, fmt.Errorf("%w: expected AUTHENTICATE, got %s",
			wamp.ErrProtocolViolation, msg.Type())

	default:
		return nil, false, fmt.Errorf("%w: handshake already concluded", wamp.ErrProtocolViolation)
	}
}

func (a *Acceptor) receiveHello(hello *wamp.Hello) (wamp.Message, bool, error) {
	if !hello.Realm.Valid() {
		return a.abort(wamp.ErrInvalidURI, fmt.Sprintf("invalid realm %q", hello.Realm))
	}
	if a.realmExists != nil && !a.realmExists(string(hello.Realm)) {
		return a.abort(wamp.ErrNoSuchRealm, fmt.Sprintf("realm %q does not exist", hello.Realm))
	}

	method, ok := pickMethod(hello.AuthMethods(), a.authenticator.Methods())
	if !ok {
		return a.abort(wamp.ErrNotAuthorized,
			fmt.Sprintf("none of the offered authmethods %v is supported", hello.AuthMethods()))
	}
	extra, _ := wamp.AsDict(hello.Details["authextra"])
	a.request = auth.Request{
		Realm:      string(hello.Realm),
		AuthID:     hello.AuthID(),
		AuthMethod: method,
		AuthExtra:  extra,
	}

	if challenger, ok := a.authenticator.(auth.Challenger); ok && method != auth.MethodAnonymous {
		challengeExtra, err := challenger.Challenge(a.request)
		if err != nil {
			return a.abort(wamp.ErrAuthenticationFailed, err.Error())
		}
		a.state = acceptorWaitAuthenticate
		return &wamp.Challenge{AuthMethod: method, Extra: challengeExtra}, false, nil
	}

	response, err := a.authenticator.Authenticate(a.request)
	if err != nil {
		return a.abort(wamp.ErrAuthenticationFailed, err.Error())
	}
	return a.welcome(response)
}

func (a *Acceptor) receiveAuthenticate(m *wamp.Authenticate) (wamp.Message, bool, error) {
	challenger, ok := a.authenticator.(auth.Challenger)
	if !ok {
		return nil, false, fmt.Errorf("%w: unexpected AUTHENTICATE", wamp.ErrProtocolViolation)
	}
	response, err := challenger.Verify(a.request, m.Signature)
	if err != nil {
		return a.abort(wamp.ErrAuthenticationFailed, err.Error())
	}
	return a.welcome(response)
}

func (a *Acceptor) welcome(response auth.Response) (wamp.Message, bool, error) {
	a.details = wamp.NewSessionDetails(wamp.GlobalID(), a.request.Realm,
		response.AuthID, response.AuthRole)
	a.state = acceptorWelcomed
	return &wamp.Welcome{
		SessionID: a.details.SessionID,
		Details: map[string]any{
			"authid":   a.details.AuthID,
			"authrole": a.details.AuthRole,
			"roles":    wamp.RouterRoles(),
		},
	}, true, nil
}

func (a *Acceptor) abort(reason wamp.URI, message string) (wamp.Message, bool, error) {
	a.state = acceptorAborted
	details := map[string]any{}
	if message != "" {
		details["message"] = message
	}
	return &wamp.Abort{Details: details, Reason: reason}, true,
		fmt.Errorf("%w: %s", ErrHandshakeAborted, reason)
}

// SessionDetails returns the admitted identity after a successful
// handshake.
func (a *Acceptor) SessionDetails() (wamp.SessionDetails, error) {
	if a.state != acceptorWelcomed {
		return wamp.SessionDetails{}, ErrHandshakeNotComplete
	}
	return a.details, nil
}

// pickMethod selects the first client-offered method the server supports,
// defaulting to anonymous when the client offered none. A client that
// offered only unsupported methods is not admitted.
func pickMethod(offered, supported []string) (string, bool) {
	if len(offered) == 0 {
		return auth.MethodAnonymous, true
	}
	for _, o := range offered {
		for _, s := range supported {
			if o == s {
				return o, true
			}
		}
	}
	return "", false
}
