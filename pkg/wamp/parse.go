package wamp

import "fmt"

// UnmarshalMessage turns a decoded wire array back into a typed message.
// The first element must be a known message type code; field counts and
// types are validated per message.
func UnmarshalMessage(wire []any) (Message, error) {
	if len(wire) == 0 {
		return nil, fmt.Errorf("%w: empty message array", ErrProtocolViolation)
	}
	code, ok := AsInt64(wire[0])
	if !ok {
		return nil, fmt.Errorf("%w: message type is not an integer", ErrProtocolViolation)
	}

	p := parser{wire: wire, typ: MessageType(code)}
	switch MessageType(code) {
	case MsgHello:
		return p.hello()
	case MsgWelcome:
		return p.welcome()
	case MsgAbort:
		return p.abort()
	case MsgChallenge:
		return p.challenge()
	case MsgAuthenticate:
		return p.authenticate()
	case MsgGoodbye:
		return p.goodbye()
	case MsgError:
		return p.errorMsg()
	case MsgPublish:
		return p.publish()
	case MsgPublished:
		return p.published()
	case MsgSubscribe:
		return p.subscribe()
	case MsgSubscribed:
		return p.subscribed()
	case MsgUnsubscribe:
		return p.unsubscribe()
	case MsgUnsubscribed:
		return p.unsubscribed()
	case MsgEvent:
		return p.event()
	case MsgCall:
		return p.call()
	case MsgCancel:
		return p.cancel()
	case MsgResult:
		return p.result()
	case MsgRegister:
		return p.register()
	case MsgRegistered:
		return p.registered()
	case MsgUnregister:
		return p.unregister()
	case MsgUnregistered:
		return p.unregistered()
	case MsgInvocation:
		return p.invocation()
	case MsgInterrupt:
		return p.interrupt()
	case MsgYield:
		return p.yield()
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocolViolation, code)
	}
}

// parser extracts typed fields from a wire array, accumulating the first
// conversion failure.
type parser struct {
	wire []any
	typ  MessageType
	err  error
}

func (p *parser) fail(index int, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s element %d is not a %s",
			ErrProtocolViolation, p.typ, index, want)
	}
}

func (p *parser) need(min int) bool {
	if len(p.wire) < min {
		if p.err == nil {
			p.err = fmt.Errorf("%w: %s needs at least %d elements, got %d",
				ErrProtocolViolation, p.typ, min, len(p.wire))
		}
		return false
	}
	return true
}

func (p *parser) id(i int) uint64 {
	if p.err != nil {
		return 0
	}
	v, ok := AsID(p.wire[i])
	if !ok {
		p.fail(i, "id")
	}
	return v
}

func (p *parser) uri(i int) URI {
	if p.err != nil {
		return ""
	}
	v, ok := AsURI(p.wire[i])
	if !ok {
		p.fail(i, "uri")
	}
	return v
}

func (p *parser) str(i int) string {
	if p.err != nil {
		return ""
	}
	v, ok := AsString(p.wire[i])
	if !ok {
		p.fail(i, "string")
	}
	return v
}

func (p *parser) dict(i int) map[string]any {
	if p.err != nil {
		return nil
	}
	v, ok := AsDict(p.wire[i])
	if !ok {
		p.fail(i, "dict")
	}
	return v
}

// tail extracts the optional args/kwargs pair starting at index i.
func (p *parser) tail(i int) ([]any, map[string]any) {
	if p.err != nil || len(p.wire) <= i {
		return nil, nil
	}
	args, ok := AsList(p.wire[i])
	if !ok {
		p.fail(i, "list")
		return nil, nil
	}
	if len(p.wire) <= i+1 {
		return args, nil
	}
	kwargs, ok := AsDict(p.wire[i+1])
	if !ok {
		p.fail(i+1, "dict")
		return nil, nil
	}
	return args, kwargs
}

func (p *parser) hello() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Hello{Realm: p.uri(1), Details: p.dict(2)}
	return m, p.err
}

func (p *parser) welcome() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Welcome{SessionID: p.id(1), Details: p.dict(2)}
	return m, p.err
}

func (p *parser) abort() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Abort{Details: p.dict(1), Reason: p.uri(2)}
	m.Args, m.Kwargs = p.tail(3)
	return m, p.err
}

func (p *parser) challenge() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Challenge{AuthMethod: p.str(1), Extra: p.dict(2)}
	return m, p.err
}

func (p *parser) authenticate() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Authenticate{Signature: p.str(1), Extra: p.dict(2)}
	return m, p.err
}

func (p *parser) goodbye() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Goodbye{Details: p.dict(1), Reason: p.uri(2)}
	return m, p.err
}

func (p *parser) errorMsg() (Message, error) {
	if !p.need(5) {
		return nil, p.err
	}
	code := p.id(1)
	m := &Error{MsgType: MessageType(code), Request: p.id(2), Details: p.dict(3), URI: p.uri(4)}
	m.Args, m.Kwargs = p.tail(5)
	return m, p.err
}

func (p *parser) publish() (Message, error) {
	if !p.need(4) {
		return nil, p.err
	}
	m := &Publish{Request: p.id(1), Options: p.dict(2), Topic: p.uri(3)}
	m.Args, m.Kwargs = p.tail(4)
	return m, p.err
}

func (p *parser) published() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Published{Request: p.id(1), Publication: p.id(2)}
	return m, p.err
}

func (p *parser) subscribe() (Message, error) {
	if !p.need(4) {
		return nil, p.err
	}
	m := &Subscribe{Request: p.id(1), Options: p.dict(2), Topic: p.uri(3)}
	return m, p.err
}

func (p *parser) subscribed() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Subscribed{Request: p.id(1), Subscription: p.id(2)}
	return m, p.err
}

func (p *parser) unsubscribe() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Unsubscribe{Request: p.id(1), Subscription: p.id(2)}
	return m, p.err
}

func (p *parser) unsubscribed() (Message, error) {
	if !p.need(2) {
		return nil, p.err
	}
	m := &Unsubscribed{Request: p.id(1)}
	return m, p.err
}

func (p *parser) event() (Message, error) {
	if !p.need(4) {
		return nil, p.err
	}
	m := &Event{Subscription: p.id(1), Publication: p.id(2), Details: p.dict(3)}
	m.Args, m.Kwargs = p.tail(4)
	return m, p.err
}

func (p *parser) call() (Message, error) {
	if !p.need(4) {
		return nil, p.err
	}
	m := &Call{Request: p.id(1), Options: p.dict(2), Procedure: p.uri(3)}
	m.Args, m.Kwargs = p.tail(4)
	return m, p.err
}

func (p *parser) cancel() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Cancel{Request: p.id(1), Options: p.dict(2)}
	return m, p.err
}

func (p *parser) result() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Result{Request: p.id(1), Details: p.dict(2)}
	m.Args, m.Kwargs = p.tail(3)
	return m, p.err
}

func (p *parser) register() (Message, error) {
	if !p.need(4) {
		return nil, p.err
	}
	m := &Register{Request: p.id(1), Options: p.dict(2), Procedure: p.uri(3)}
	return m, p.err
}

func (p *parser) registered() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Registered{Request: p.id(1), Registration: p.id(2)}
	return m, p.err
}

func (p *parser) unregister() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Unregister{Request: p.id(1), Registration: p.id(2)}
	return m, p.err
}

func (p *parser) unregistered() (Message, error) {
	if !p.need(2) {
		return nil, p.err
	}
	m := &Unregistered{Request: p.id(1)}
	return m, p.err
}

func (p *parser) invocation() (Message, error) {
	if !p.need(4) {
		return nil, p.err
	}
	m := &Invocation{Request: p.id(1), Registration: p.id(2), Details: p.dict(3)}
	m.Args, m.Kwargs = p.tail(4)
	return m, p.err
}

func (p *parser) interrupt() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Interrupt{Request: p.id(1), Options: p.dict(2)}
	return m, p.err
}

func (p *parser) yield() (Message, error) {
	if !p.need(3) {
		return nil, p.err
	}
	m := &Yield{Request: p.id(1), Options: p.dict(2)}
	m.Args, m.Kwargs = p.tail(3)
	return m, p.err
}
