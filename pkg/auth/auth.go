// Package auth defines the authenticator contracts used during session
// establishment and ships the anonymous default. Concrete mechanisms
// (ticket, CRA, cryptosign) plug in behind the same interfaces.
package auth

import (
	"errors"

	"github.com/google/uuid"

	"github.com/wampgate/wampgate/pkg/wamp"
)

// ErrAuthenticationFailed is returned when a peer's credentials are
// rejected. The acceptor converts it into an ABORT with
// wamp.error.authentication_failed.
var ErrAuthenticationFailed = errors.New("authentication failed")

// MethodAnonymous is the authmethod granted when no credentials are
// required.
const MethodAnonymous = "anonymous"

// Request is what a server authenticator sees from a client's HELLO:
// the realm it wants, the identity it claims and the extras it attached.
type Request struct {
	Realm      string
	AuthID     string
	AuthMethod string
	AuthExtra  map[string]any
}

// Response is the identity a server authenticator grants.
type Response struct {
	AuthID   string
	AuthRole string
}

// ServerAuthenticator decides who may join. Methods lists the authmethods
// the router offers; Authenticate runs once per HELLO (and, for
// challenge-based methods, again after AUTHENTICATE with the signature in
// AuthExtra).
type ServerAuthenticator interface {
	Methods() []string
	Authenticate(request Request) (Response, error)
}

// Challenger is implemented by server authenticators whose method needs a
// CHALLENGE round trip. Challenge produces the extra dict for the CHALLENGE
// message; Verify checks the signature from AUTHENTICATE.
type Challenger interface {
	ServerAuthenticator
	Challenge(request Request) (extra map[string]any, err error)
	Verify(request Request, signature string) (Response, error)
}

// AnonymousServerAuthenticator admits everyone. A client that claims no
// authid gets a fresh UUID; the authrole is always "anonymous".
type AnonymousServerAuthenticator struct{}

// NewAnonymousServerAuthenticator creates the default authenticator.
func NewAnonymousServerAuthenticator() *AnonymousServerAuthenticator {
	return &AnonymousServerAuthenticator{}
}

// Methods returns the single anonymous method.
func (a *AnonymousServerAuthenticator) Methods() []string {
	return []string{MethodAnonymous}
}

// Authenticate grants anonymous access.
func (a *AnonymousServerAuthenticator) Authenticate(request Request) (Response, error) {
	authID := request.AuthID
	if authID == "" {
		authID = uuid.NewString()
	}
	return Response{AuthID: authID, AuthRole: "anonymous"}, nil
}

// ClientAuthenticator supplies a client's credentials for HELLO and answers
// a router CHALLENGE.
type ClientAuthenticator interface {
	AuthMethod() string
	AuthID() string
	AuthExtra() map[string]any
	Authenticate(challenge *wamp.Challenge) (*wamp.Authenticate, error)
}

// AnonymousAuthenticator is the client-side anonymous credential. It never
// expects a challenge.
type AnonymousAuthenticator struct {
	authID    string
	authExtra map[string]any
}

// NewAnonymousAuthenticator creates an anonymous client credential.
// authID may be empty; the router will assign one.
func NewAnonymousAuthenticator(authID string, authExtra map[string]any) *AnonymousAuthenticator {
	return &AnonymousAuthenticator{authID: authID, authExtra: authExtra}
}

func (a *AnonymousAuthenticator) AuthMethod() string        { return MethodAnonymous }
func (a *AnonymousAuthenticator) AuthID() string            { return a.authID }
func (a *AnonymousAuthenticator) AuthExtra() map[string]any { return a.authExtra }

// Authenticate fails: anonymous authentication is challenge-free.
func (a *AnonymousAuthenticator) Authenticate(*wamp.Challenge) (*wamp.Authenticate, error) {
	return nil, errors.New("anonymous authentication expects no challenge")
}

// TicketAuthenticator answers a ticket challenge with a static ticket.
type TicketAuthenticator struct {
	authID string
	ticket string
}

// NewTicketAuthenticator creates a ticket client credential.
func NewTicketAuthenticator(authID, ticket string) *TicketAuthenticator {
	return &TicketAuthenticator{authID: authID, ticket: ticket}
}

func (a *TicketAuthenticator) AuthMethod() string        { return "ticket" }
func (a *TicketAuthenticator) AuthID() string            { return a.authID }
func (a *TicketAuthenticator) AuthExtra() map[string]any { return nil }

// Authenticate presents the ticket as the signature.
func (a *TicketAuthenticator) Authenticate(*wamp.Challenge) (*wamp.Authenticate, error) {
	return &wamp.Authenticate{Signature: a.ticket, Extra: map[string]any{}}, nil
}
