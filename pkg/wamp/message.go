// Package wamp implements the WAMP v2 message taxonomy, the three wire
// serializers (JSON, CBOR, MsgPack), URI matching, ID generation, and the
// sans-I/O protocol session engine shared by the router and the client.
package wamp

// MessageType is the numeric WAMP message type code, the first element of
// every serialized message array.
type MessageType int

// WAMP v2 message type codes.
const (
	MsgHello        MessageType = 1
	MsgWelcome      MessageType = 2
	MsgAbort        MessageType = 3
	MsgChallenge    MessageType = 4
	MsgAuthenticate MessageType = 5
	MsgGoodbye      MessageType = 6
	MsgError        MessageType = 8
	MsgPublish      MessageType = 16
	MsgPublished    MessageType = 17
	MsgSubscribe    MessageType = 32
	MsgSubscribed   MessageType = 33
	MsgUnsubscribe  MessageType = 34
	MsgUnsubscribed MessageType = 35
	MsgEvent        MessageType = 36
	MsgCall         MessageType = 48
	MsgCancel       MessageType = 49
	MsgResult       MessageType = 50
	MsgRegister     MessageType = 64
	MsgRegistered   MessageType = 65
	MsgUnregister   MessageType = 66
	MsgUnregistered MessageType = 67
	MsgInvocation   MessageType = 68
	MsgInterrupt    MessageType = 69
	MsgYield        MessageType = 70
)

// String returns the WAMP name of the message type.
func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgWelcome:
		return "WELCOME"
	case MsgAbort:
		return "ABORT"
	case MsgChallenge:
		return "CHALLENGE"
	case MsgAuthenticate:
		return "AUTHENTICATE"
	case MsgGoodbye:
		return "GOODBYE"
	case MsgError:
		return "ERROR"
	case MsgPublish:
		return "PUBLISH"
	case MsgPublished:
		return "PUBLISHED"
	case MsgSubscribe:
		return "SUBSCRIBE"
	case MsgSubscribed:
		return "SUBSCRIBED"
	case MsgUnsubscribe:
		return "UNSUBSCRIBE"
	case MsgUnsubscribed:
		return "UNSUBSCRIBED"
	case MsgEvent:
		return "EVENT"
	case MsgCall:
		return "CALL"
	case MsgCancel:
		return "CANCEL"
	case MsgResult:
		return "RESULT"
	case MsgRegister:
		return "REGISTER"
	case MsgRegistered:
		return "REGISTERED"
	case MsgUnregister:
		return "UNREGISTER"
	case MsgUnregistered:
		return "UNREGISTERED"
	case MsgInvocation:
		return "INVOCATION"
	case MsgInterrupt:
		return "INTERRUPT"
	case MsgYield:
		return "YIELD"
	default:
		return "UNKNOWN"
	}
}

// Message is a typed WAMP message. The set of implementations is closed:
// decoding dispatches on the leading type code and every variant lives in
// this package.
type Message interface {
	// Type returns the numeric message type code.
	Type() MessageType

	// payload returns the serializable message array, including the
	// leading type code. Unexported to seal the message set.
	payload() []any
}

// MarshalMessage returns the wire-level array form of a message. The
// serializers encode this array with their respective codecs.
func MarshalMessage(msg Message) []any {
	return msg.payload()
}

// payloadTail appends args and kwargs to a message array following the WAMP
// rule that args must be present (possibly empty) whenever kwargs is present.
func payloadTail(head []any, args []any, kwargs map[string]any) []any {
	if kwargs != nil {
		if args == nil {
			args = []any{}
		}
		return append(head, args, kwargs)
	}
	if args != nil {
		return append(head, args)
	}
	return head
}

// emptyDict returns d or an empty dict when d is nil. WAMP requires the
// details/options element to be present even when empty.
func emptyDict(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}
