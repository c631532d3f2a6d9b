package agentbus

import (
	"reflect"
	"sort"
	"strings"
	"sync"
)

// subscription is the broker-internal registration: the caller-supplied
// Subscription plus the compiled handler and concurrency gate.
type subscription struct {
	Subscription
	seq     uint64
	handler Handler // middleware chain already applied
	sem     chan struct{}
}

// SubscriptionMatcher stores live subscriptions and resolves, for a concrete
// channel name, the matching set in delivery order: priority descending
// (critical > high > normal > low), then registration order within a tier.
// Matching itself is pure and side-effect free.
type SubscriptionMatcher struct {
	mu   sync.RWMutex
	subs map[string]*subscription
	seq  uint64
}

// NewSubscriptionMatcher returns an empty matcher.
func NewSubscriptionMatcher() *SubscriptionMatcher {
	return &SubscriptionMatcher{subs: make(map[string]*subscription)}
}

func (m *SubscriptionMatcher) add(s *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	s.seq = m.seq
	m.subs[s.ID] = s
}

// remove drops a subscription by id; removing an unknown id is a no-op.
func (m *SubscriptionMatcher) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

func (m *SubscriptionMatcher) get(id string) (*subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	return s, ok
}

func (m *SubscriptionMatcher) live(id string) bool {
	_, ok := m.get(id)
	return ok
}

// dropChannel removes every subscription whose pattern matches the channel
// name, returning how many were dropped.
func (m *SubscriptionMatcher) dropChannel(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.subs {
		if MatchPattern(s.Pattern, channel) {
			delete(m.subs, id)
			n++
		}
	}
	return n
}

func (m *SubscriptionMatcher) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Find returns the live subscriptions matching the channel name, in
// delivery order.
func (m *SubscriptionMatcher) Find(channel string) []*subscription {
	m.mu.RLock()
	var out []*subscription
	for _, s := range m.subs {
		if MatchPattern(s.Pattern, channel) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority.rank(), out[j].Priority.rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// matchesFilter evaluates a flat key-path equality predicate against the
// envelope. Every entry must resolve and compare equal; a key path that does
// not resolve fails the filter.
func matchesFilter(msg *Message, filter map[string]any) bool {
	for path, want := range filter {
		got, ok := fieldValue(msg, path)
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// fieldValue resolves a key path against the message envelope.
func fieldValue(msg *Message, path string) (any, bool) {
	switch path {
	case "id":
		return msg.ID, true
	case "channel":
		return msg.Channel, true
	case "sender":
		return msg.Sender, true
	case "type":
		return msg.Type, true
	}

	if key, ok := strings.CutPrefix(path, "metadata."); ok {
		if msg.Metadata == nil {
			return nil, false
		}
		switch key {
		case "correlationId":
			return msg.Metadata.CorrelationID, true
		case "replyTo":
			return msg.Metadata.ReplyTo, true
		case "priority":
			return string(msg.Metadata.Priority), true
		case "contentType":
			return msg.Metadata.ContentType, true
		case "contentEncoding":
			return msg.Metadata.ContentEncoding, true
		}
		return nil, false
	}

	if key, ok := strings.CutPrefix(path, "headers."); ok {
		if msg.Metadata == nil {
			return nil, false
		}
		v, ok := msg.Metadata.Headers[key]
		return v, ok
	}

	if key, ok := strings.CutPrefix(path, "payload."); ok {
		pm, ok := msg.Payload.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := pm[key]
		return v, ok
	}

	return nil, false
}
