package wamp

// Call invokes a remote procedure.
type Call struct {
	Request   uint64
	Options   map[string]any
	Procedure URI
	Args      []any
	Kwargs    map[string]any
}

func (m *Call) Type() MessageType { return MsgCall }

func (m *Call) payload() []any {
	head := []any{int(MsgCall), m.Request, emptyDict(m.Options), string(m.Procedure)}
	return payloadTail(head, m.Args, m.Kwargs)
}

// Cancel asks the dealer to cancel a pending call. Options recognize
// mode: skip | kill | killnowait.
type Cancel struct {
	Request uint64
	Options map[string]any
}

func (m *Cancel) Type() MessageType { return MsgCancel }

func (m *Cancel) payload() []any {
	return []any{int(MsgCancel), m.Request, emptyDict(m.Options)}
}

// Mode returns the cancel mode, defaulting to killnowait.
func (m *Cancel) Mode() string {
	if s, ok := AsString(m.Options["mode"]); ok && s != "" {
		return s
	}
	return CancelKillNoWait
}

// Cancel modes.
const (
	CancelSkip       = "skip"
	CancelKill       = "kill"
	CancelKillNoWait = "killnowait"
)

// Result carries the outcome of a call back to the caller. A result with
// details.progress=true is an intermediate progressive result.
type Result struct {
	Request uint64
	Details map[string]any
	Args    []any
	Kwargs  map[string]any
}

func (m *Result) Type() MessageType { return MsgResult }

func (m *Result) payload() []any {
	head := []any{int(MsgResult), m.Request, emptyDict(m.Details)}
	return payloadTail(head, m.Args, m.Kwargs)
}

// Progress reports whether this is an intermediate progressive result.
func (m *Result) Progress() bool {
	b, _ := AsBool(m.Details["progress"])
	return b
}

// Register announces a procedure endpoint. Options recognize match
// (exact|prefix|wildcard), invoke (single|roundrobin|random|first|last)
// and concurrency (int >= 1).
type Register struct {
	Request   uint64
	Options   map[string]any
	Procedure URI
}

func (m *Register) Type() MessageType { return MsgRegister }

func (m *Register) payload() []any {
	return []any{int(MsgRegister), m.Request, emptyDict(m.Options), string(m.Procedure)}
}

// Registered acknowledges a REGISTER.
type Registered struct {
	Request      uint64
	Registration uint64
}

func (m *Registered) Type() MessageType { return MsgRegistered }

func (m *Registered) payload() []any {
	return []any{int(MsgRegistered), m.Request, m.Registration}
}

// Unregister revokes a registration.
type Unregister struct {
	Request      uint64
	Registration uint64
}

func (m *Unregister) Type() MessageType { return MsgUnregister }

func (m *Unregister) payload() []any {
	return []any{int(MsgUnregister), m.Request, m.Registration}
}

// Unregistered acknowledges an UNREGISTER.
type Unregistered struct {
	Request uint64
}

func (m *Unregistered) Type() MessageType { return MsgUnregistered }

func (m *Unregistered) payload() []any {
	return []any{int(MsgUnregistered), m.Request}
}

// Invocation is the dealer-originated request that makes a callee run a
// registered procedure.
type Invocation struct {
	Request      uint64
	Registration uint64
	Details      map[string]any
	Args         []any
	Kwargs       map[string]any
}

func (m *Invocation) Type() MessageType { return MsgInvocation }

func (m *Invocation) payload() []any {
	head := []any{int(MsgInvocation), m.Request, m.Registration, emptyDict(m.Details)}
	return payloadTail(head, m.Args, m.Kwargs)
}

// ReceiveProgress reports whether the caller asked for progressive results.
func (m *Invocation) ReceiveProgress() bool {
	b, _ := AsBool(m.Details["receive_progress"])
	return b
}

// Interrupt tells a callee to stop an in-flight invocation.
type Interrupt struct {
	Request uint64
	Options map[string]any
}

func (m *Interrupt) Type() MessageType { return MsgInterrupt }

func (m *Interrupt) payload() []any {
	return []any{int(MsgInterrupt), m.Request, emptyDict(m.Options)}
}

// Yield carries an invocation result from the callee to the dealer. A yield
// with options.progress=true is an intermediate progressive result.
type Yield struct {
	Request uint64
	Options map[string]any
	Args    []any
	Kwargs  map[string]any
}

func (m *Yield) Type() MessageType { return MsgYield }

func (m *Yield) payload() []any {
	head := []any{int(MsgYield), m.Request, emptyDict(m.Options)}
	return payloadTail(head, m.Args, m.Kwargs)
}

// Progress reports whether this is an intermediate progressive yield.
func (m *Yield) Progress() bool {
	b, _ := AsBool(m.Options["progress"])
	return b
}
