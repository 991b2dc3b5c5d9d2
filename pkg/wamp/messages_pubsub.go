package wamp

// Publish sends an event to a topic. Options recognize acknowledge,
// exclude_me, disclose_me and the exclusion/eligibility filters.
type Publish struct {
	Request uint64
	Options map[string]any
	Topic   URI
	Args    []any
	Kwargs  map[string]any
}

func (m *Publish) Type() MessageType { return MsgPublish }

func (m *Publish) payload() []any {
	head := []any{int(MsgPublish), m.Request, emptyDict(m.Options), string(m.Topic)}
	return payloadTail(head, m.Args, m.Kwargs)
}

// Acknowledge reports whether the publisher asked for a PUBLISHED reply.
// The default is false.
func (m *Publish) Acknowledge() bool {
	b, _ := AsBool(m.Options["acknowledge"])
	return b
}

// ExcludeMe reports whether the publisher is excluded from the recipient set.
// The default is true.
func (m *Publish) ExcludeMe() bool {
	v, ok := m.Options["exclude_me"]
	if !ok {
		return true
	}
	b, _ := AsBool(v)
	return b
}

// Published acknowledges a PUBLISH when acknowledge was requested.
type Published struct {
	Request     uint64
	Publication uint64
}

func (m *Published) Type() MessageType { return MsgPublished }

func (m *Published) payload() []any {
	return []any{int(MsgPublished), m.Request, m.Publication}
}

// Subscribe adds the sender to a topic. Options recognize match
// (exact|prefix|wildcard).
type Subscribe struct {
	Request uint64
	Options map[string]any
	Topic   URI
}

func (m *Subscribe) Type() MessageType { return MsgSubscribe }

func (m *Subscribe) payload() []any {
	return []any{int(MsgSubscribe), m.Request, emptyDict(m.Options), string(m.Topic)}
}

// Subscribed acknowledges a SUBSCRIBE.
type Subscribed struct {
	Request      uint64
	Subscription uint64
}

func (m *Subscribed) Type() MessageType { return MsgSubscribed }

func (m *Subscribed) payload() []any {
	return []any{int(MsgSubscribed), m.Request, m.Subscription}
}

// Unsubscribe removes the sender from a subscription.
type Unsubscribe struct {
	Request      uint64
	Subscription uint64
}

func (m *Unsubscribe) Type() MessageType { return MsgUnsubscribe }

func (m *Unsubscribe) payload() []any {
	return []any{int(MsgUnsubscribe), m.Request, m.Subscription}
}

// Unsubscribed acknowledges an UNSUBSCRIBE.
type Unsubscribed struct {
	Request uint64
}

func (m *Unsubscribed) Type() MessageType { return MsgUnsubscribed }

func (m *Unsubscribed) payload() []any {
	return []any{int(MsgUnsubscribed), m.Request}
}

// Event delivers a publication to one subscriber.
type Event struct {
	Subscription uint64
	Publication  uint64
	Details      map[string]any
	Args         []any
	Kwargs       map[string]any
}

func (m *Event) Type() MessageType { return MsgEvent }

func (m *Event) payload() []any {
	head := []any{int(MsgEvent), m.Subscription, m.Publication, emptyDict(m.Details)}
	return payloadTail(head, m.Args, m.Kwargs)
}
