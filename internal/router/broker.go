package router

import (
	"fmt"
	"sync"

	"github.com/wampgate/wampgate/pkg/wamp"
)

// subscription is one topic pattern with its current subscriber set.
type subscription struct {
	id          uint64
	topic       wamp.URI
	match       wamp.MatchMode
	subscribers map[uint64]struct{}
}

// Broker routes PUBLISHes to matching subscribers. Like the dealer it is a
// pure state machine: every operation returns the messages to deliver.
type Broker struct {
	mu sync.Mutex

	sessions      map[uint64]wamp.SessionDetails
	subscriptions map[uint64]*subscription
	topics        map[wamp.MatchMode]map[wamp.URI]uint64
	publications  uint64
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		sessions:      make(map[uint64]wamp.SessionDetails),
		subscriptions: make(map[uint64]*subscription),
		topics: map[wamp.MatchMode]map[wamp.URI]uint64{
			wamp.MatchExact:    make(map[wamp.URI]uint64),
			wamp.MatchPrefix:   make(map[wamp.URI]uint64),
			wamp.MatchWildcard: make(map[wamp.URI]uint64),
		},
	}
}

// AddSession makes the broker aware of an attached session.
func (b *Broker) AddSession(details wamp.SessionDetails) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[details.SessionID] = details
}

// RemoveSession drops the session and every subscription it held.
func (b *Broker) RemoveSession(sid uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sessions, sid)
	for id, sub := range b.subscriptions {
		delete(sub.subscribers, sid)
		if len(sub.subscribers) == 0 {
			delete(b.topics[sub.match], sub.topic)
			delete(b.subscriptions, id)
		}
	}
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Broker) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

// Publications returns the number of publication IDs allocated so far.
func (b *Broker) Publications() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publications
}

// ReceiveMessage routes one broker-bound message from the given sender. A
// returned error is a protocol violation fatal to the sender's session.
func (b *Broker) ReceiveMessage(sid uint64, msg wamp.Message) ([]MessageTo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch m := msg.(type) {
	case *wamp.Subscribe:
		return b.subscribe(sid, m), nil
	case *wamp.Unsubscribe:
		return b.unsubscribe(sid, m), nil
	case *wamp.Publish:
		return b.publish(sid, m), nil
	default:
		return nil, fmt.Errorf("%w: broker cannot route %s", wamp.ErrProtocolViolation, msg.Type())
	}
}

func (b *Broker) subscribe(sid uint64, m *wamp.Subscribe) []MessageTo {
	match, ok := wamp.ParseMatchMode(m.Options["match"])
	if !ok || !m.Topic.ValidPattern(match) {
		return errorTo(sid, wamp.MsgSubscribe, m.Request, wamp.ErrInvalidURI,
			fmt.Sprintf("invalid topic %q", m.Topic))
	}

	subID, exists := b.topics[match][m.Topic]
	if !exists {
		subID = wamp.GlobalID()
		b.subscriptions[subID] = &subscription{
			id:          subID,
			topic:       m.Topic,
			match:       match,
			subscribers: make(map[uint64]struct{}),
		}
		b.topics[match][m.Topic] = subID
	}
	b.subscriptions[subID].subscribers[sid] = struct{}{}

	return []MessageTo{{Recipient: sid,
		Message: &wamp.Subscribed{Request: m.Request, Subscription: subID}}}
}

func (b *Broker) unsubscribe(sid uint64, m *wamp.Unsubscribe) []MessageTo {
	sub, ok := b.subscriptions[m.Subscription]
	if !ok {
		return errorTo(sid, wamp.MsgUnsubscribe, m.Request, wamp.ErrNoSuchSubscription,
			fmt.Sprintf("subscription %d", m.Subscription))
	}
	if _, member := sub.subscribers[sid]; !member {
		return errorTo(sid, wamp.MsgUnsubscribe, m.Request, wamp.ErrNoSuchSubscription,
			fmt.Sprintf("subscription %d", m.Subscription))
	}
	delete(sub.subscribers, sid)
	if len(sub.subscribers) == 0 {
		delete(b.topics[sub.match], sub.topic)
		delete(b.subscriptions, sub.id)
	}
	return []MessageTo{{Recipient: sid, Message: &wamp.Unsubscribed{Request: m.Request}}}
}

// publish allocates one publication ID, evaluates the recipient set across
// all matching subscriptions and emits one EVENT per kept subscriber. The
// publication ID is allocated even when nobody receives the event.
func (b *Broker) publish(sid uint64, m *wamp.Publish) []MessageTo {
	if !m.Topic.Valid() {
		if m.Acknowledge() {
			return errorTo(sid, wamp.MsgPublish, m.Request, wamp.ErrInvalidURI,
				fmt.Sprintf("invalid topic %q", m.Topic))
		}
		return nil
	}

	b.publications++
	publicationID := wamp.GlobalID()
	filter := newRecipientFilter(sid, m)

	var out []MessageTo
	for _, sub := range b.matchingSubscriptions(m.Topic) {
		details := map[string]any{}
		if sub.match != wamp.MatchExact {
			details["topic"] = string(m.Topic)
		}
		if disclose, _ := wamp.AsBool(m.Options["disclose_me"]); disclose {
			if publisher, ok := b.sessions[sid]; ok {
				details["publisher"] = publisher.SessionID
				details["publisher_authid"] = publisher.AuthID
				details["publisher_authrole"] = publisher.AuthRole
			}
		}
		for subscriber := range sub.subscribers {
			if !filter.keep(subscriber, b.sessions[subscriber]) {
				continue
			}
			out = append(out, MessageTo{Recipient: subscriber, Message: &wamp.Event{
				Subscription: sub.id,
				Publication:  publicationID,
				Details:      details,
				Args:         m.Args,
				Kwargs:       m.Kwargs,
			}})
		}
	}

	if m.Acknowledge() {
		out = append(out, MessageTo{Recipient: sid,
			Message: &wamp.Published{Request: m.Request, Publication: publicationID}})
	}
	return out
}

func (b *Broker) matchingSubscriptions(topic wamp.URI) []*subscription {
	var matched []*subscription
	if subID, ok := b.topics[wamp.MatchExact][topic]; ok {
		matched = append(matched, b.subscriptions[subID])
	}
	for pattern, subID := range b.topics[wamp.MatchPrefix] {
		if wamp.PrefixMatch(pattern, topic) {
			matched = append(matched, b.subscriptions[subID])
		}
	}
	for pattern, subID := range b.topics[wamp.MatchWildcard] {
		if wamp.WildcardMatch(pattern, topic) {
			matched = append(matched, b.subscriptions[subID])
		}
	}
	return matched
}

// recipientFilter evaluates the exclusion and eligibility publish options
// against one candidate subscriber.
type recipientFilter struct {
	publisherSID uint64
	excludeMe    bool

	exclude         map[uint64]struct{}
	excludeAuthID   map[string]struct{}
	excludeAuthRole map[string]struct{}

	eligible         map[uint64]struct{}
	eligibleAuthID   map[string]struct{}
	eligibleAuthRole map[string]struct{}
}

func newRecipientFilter(sid uint64, m *wamp.Publish) *recipientFilter {
	return &recipientFilter{
		publisherSID:     sid,
		excludeMe:        m.ExcludeMe(),
		exclude:          idSet(m.Options["exclude"]),
		excludeAuthID:    stringSet(m.Options["exclude_authid"]),
		excludeAuthRole:  stringSet(m.Options["exclude_authrole"]),
		eligible:         idSet(m.Options["eligible"]),
		eligibleAuthID:   stringSet(m.Options["eligible_authid"]),
		eligibleAuthRole: stringSet(m.Options["eligible_authrole"]),
	}
}

func (f *recipientFilter) keep(sid uint64, details wamp.SessionDetails) bool {
	if sid == f.publisherSID && f.excludeMe {
		return false
	}
	if _, excluded := f.exclude[sid]; excluded {
		return false
	}
	if _, excluded := f.excludeAuthID[details.AuthID]; excluded {
		return false
	}
	if _, excluded := f.excludeAuthRole[details.AuthRole]; excluded {
		return false
	}
	if f.eligible != nil {
		if _, ok := f.eligible[sid]; !ok {
			return false
		}
	}
	if f.eligibleAuthID != nil {
		if _, ok := f.eligibleAuthID[details.AuthID]; !ok {
			return false
		}
	}
	if f.eligibleAuthRole != nil {
		if _, ok := f.eligibleAuthRole[details.AuthRole]; !ok {
			return false
		}
	}
	return true
}

// idSet converts a wire list of session ids to a set, returning nil when
// the option is absent.
func idSet(v any) map[uint64]struct{} {
	list, ok := wamp.AsList(v)
	if !ok || list == nil {
		return nil
	}
	set := make(map[uint64]struct{}, len(list))
	for _, item := range list {
		if id, ok := wamp.AsID(item); ok {
			set[id] = struct{}{}
		}
	}
	return set
}

// stringSet converts a wire list of strings to a set, returning nil when
// the option is absent.
func stringSet(v any) map[string]struct{} {
	list, ok := wamp.AsList(v)
	if !ok || list == nil {
		return nil
	}
	set := make(map[string]struct{}, len(list))
	for _, item := range list {
		if s, ok := wamp.AsString(item); ok {
			set[s] = struct{}{}
		}
	}
	return set
}
