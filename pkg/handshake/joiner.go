package handshake

import (
	"fmt"

	"github.com/wampgate/wampgate/pkg/auth"
	"github.com/wampgate/wampgate/pkg/wamp"
)

type joinerState int

const (
	joinerIdle joinerState = iota
	joinerWaitWelcome
	joinerJoined
	joinerAborted
)

// Joiner runs the client side of session establishment. SendHello produces
// the opening frame; feed router frames to Receive until Joined reports
// true, writing any returned payload back to the router.
type Joiner struct {
	realm         string
	serializer    wamp.Serializer
	authenticator auth.ClientAuthenticator

	state   joinerState
	details wamp.SessionDetails
}

// NewJoiner creates a joiner for the given realm. A nil authenticator
// joins anonymously.
func NewJoiner(realm string, serializer wamp.Serializer, authenticator auth.ClientAuthenticator) *Joiner {
	if authenticator == nil {
		authenticator = auth.NewAnonymousAuthenticator("", nil)
	}
	return &Joiner{
		realm:         realm,
		serializer:    serializer,
		authenticator: authenticator,
	}
}

// SendHello returns the encoded HELLO opening the handshake.
func (j *Joiner) SendHello() ([]byte, error) {
	if j.state != joinerIdle {
		return nil, fmt.Errorf("%w: HELLO already sent", wamp.ErrProtocolViolation)
	}
	hello := wamp.NewHello(wamp.URI(j.realm), j.authenticator.AuthID(),
		j.authenticator.AuthExtra(), []string{j.authenticator.AuthMethod()})
	j.state = joinerWaitWelcome
	return j.serializer.Encode(hello)
}

// Receive processes one router frame. A non-empty payload must be written
// back (the AUTHENTICATE answer to a CHALLENGE). After the WELCOME, Joined
// reports true and SessionDetails carries the granted identity. An ABORT
// surfaces as an ApplicationError wrapping the reason URI.
func (j *Joiner) Receive(data []byte) (payload []byte, err error) {
	msg, err := j.serializer.Decode(data)
	if err != nil {
		return nil, err
	}
	reply, err := j.ReceiveMessage(msg)
	if err != nil || reply == nil {
		return nil, err
	}
	return j.serializer.Encode(reply)
}

// ReceiveMessage is Receive on an already-decoded message.
func (j *Joiner) ReceiveMessage(msg wamp.Message) (wamp.Message, error) {
	if j.state != joinerWaitWelcome {
		return nil, fmt.Errorf("%w: unexpected %s", wamp.ErrProtocolViolation, msg.Type())
	}

	switch m := msg.(type) {
	case *wamp.Welcome:
		j.details = wamp.NewSessionDetails(m.SessionID, j.realm, m.AuthID(), m.AuthRole())
		j.state = joinerJoined
		return nil, nil

	case *wamp.Challenge:
		answer, err := j.authenticator.Authenticate(m)
		if err != nil {
			j.state = joinerAborted
			return nil, fmt.Errorf("answering challenge: %w", err)
		}
		return answer, nil

	case *wamp.Abort:
		j.state = joinerAborted
		return nil, &wamp.ApplicationError{URI: m.Reason, Args: m.Args, Kwargs: m.Kwargs}

	default:
		return nil, fmt.Errorf("%w: expected WELCOME, CHALLENGE or ABORT, got %s",
			wamp.ErrProtocolViolation, msg.Type())
	}
}

// Joined reports whether the handshake completed successfully.
func (j *Joiner) Joined() bool { return j.state == joinerJoined }

// SessionDetails returns the granted identity after a successful join.
func (j *Joiner) SessionDetails() (wamp.SessionDetails, error) {
	if j.state != joinerJoined {
		return wamp.SessionDetails{}, ErrHandshakeNotComplete
	}
	return j.details, nil
}
