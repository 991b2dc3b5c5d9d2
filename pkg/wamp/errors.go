package wamp

import (
	"errors"
	"fmt"
	"strings"
)

// Well-known error and close URIs emitted by the runtime.
const (
	ErrNoSuchProcedure        URI = "wamp.error.no_such_procedure"
	ErrNoSuchRegistration     URI = "wamp.error.no_such_registration"
	ErrNoSuchSubscription     URI = "wamp.error.no_such_subscription"
	ErrProcedureAlreadyExists URI = "wamp.error.procedure_already_exists"
	ErrInvalidArgument        URI = "wamp.error.invalid_argument"
	ErrInvalidURI             URI = "wamp.error.invalid_uri"
	ErrNotAuthorized          URI = "wamp.error.not_authorized"
	ErrCanceled               URI = "wamp.error.canceled"
	ErrTimeout                URI = "wamp.error.timeout"
	ErrRuntimeError           URI = "wamp.error.runtime_error"
	ErrInternalError          URI = "wamp.error.internal_error"
	ErrProtocolViolationURI   URI = "wamp.error.protocol_violation"
	ErrNoSuchRealm            URI = "wamp.error.no_such_realm"
	ErrAuthenticationFailed   URI = "wamp.error.authentication_failed"

	CloseGoodbyeAndOut URI = "wamp.close.goodbye_and_out"
	CloseCloseRealm    URI = "wamp.close.close_realm"
)

// Sentinel errors for transport and protocol failures.
var (
	// ErrConnectionClosed is returned once a transport has failed or been
	// closed; every subsequent read, write or pending waiter fails with it.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocolViolation marks a message that is malformed or illegal in
	// the current session state. It is fatal to the session.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrSessionNotEstablished is returned when an operation requires an
	// established session.
	ErrSessionNotEstablished = errors.New("session not established")
)

// ApplicationError is a typed failure raised by an invocation handler or
// surfaced to a caller. The URI, args and kwargs are preserved verbatim in
// the wire ERROR message.
type ApplicationError struct {
	URI    URI
	Args   []any
	Kwargs map[string]any
}

// NewApplicationError creates an ApplicationError with the given URI and
// positional args.
func NewApplicationError(uri URI, args ...any) *ApplicationError {
	return &ApplicationError{URI: uri, Args: args}
}

// Error formats the URI with its args for logging; the structured fields
// are what travel on the wire.
func (e *ApplicationError) Error() string {
	if len(e.Args) == 0 {
		return string(e.URI)
	}
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = fmt.Sprint(a)
	}
	return fmt.Sprintf("%s: %s", e.URI, strings.Join(parts, ", "))
}

// ErrorFromMessage converts a wire ERROR into an ApplicationError.
func ErrorFromMessage(m *Error) *ApplicationError {
	return &ApplicationError{URI: m.URI, Args: m.Args, Kwargs: m.Kwargs}
}
