package agentbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, *Message) error { return nil }

func testSub(id, pattern string, prio Priority) *subscription {
	return &subscription{
		Subscription: Subscription{ID: id, Pattern: pattern, Priority: prio},
		handler:      noopHandler,
	}
}

func TestMatcherFindPriorityOrder(t *testing.T) {
	m := NewSubscriptionMatcher()
	m.add(testSub("low", "agents.user.#", PriorityLow))
	m.add(testSub("critical", "agents.*.login", PriorityCritical))
	m.add(testSub("normal", "agents.user.login", PriorityNormal))
	m.add(testSub("high", "agents.#", PriorityHigh))
	m.add(testSub("other", "agents.admin.#", PriorityCritical))

	got := m.Find("agents.user.login")
	require.Len(t, got, 4)
	ids := []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID}
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, ids)
}

func TestMatcherFindStableWithinPriority(t *testing.T) {
	m := NewSubscriptionMatcher()
	m.add(testSub("first", "agents.user.#", PriorityNormal))
	m.add(testSub("second", "agents.*.login", PriorityNormal))
	m.add(testSub("third", "agents.user.login", PriorityNormal))

	got := m.Find("agents.user.login")
	require.Len(t, got, 3)
	// Registration order breaks ties.
	assert.Equal(t, "first", got[0].ID)
	assert.Equal(t, "second", got[1].ID)
	assert.Equal(t, "third", got[2].ID)
}

func TestMatcherRemoveIdempotent(t *testing.T) {
	m := NewSubscriptionMatcher()
	m.add(testSub("a", "agents.user.#", PriorityNormal))
	require.Equal(t, 1, m.len())

	m.remove("a")
	assert.Equal(t, 0, m.len())
	m.remove("a")
	m.remove("never-existed")
	assert.Equal(t, 0, m.len())
}

func TestMatcherDropChannel(t *testing.T) {
	m := NewSubscriptionMatcher()
	m.add(testSub("a", "agents.user.#", PriorityNormal))
	m.add(testSub("b", "agents.*.login", PriorityNormal))
	m.add(testSub("c", "agents.admin.logout", PriorityNormal))

	dropped := m.dropChannel("agents.user.login")
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, m.len())
	assert.True(t, m.live("c"))
}

func TestMatchesFilter(t *testing.T) {
	msg := &Message{
		ID:      "m1",
		Channel: "agents.user.login",
		Sender:  "ossa://agents/gateway",
		Type:    "user.login",
		Payload: map[string]any{"region": "eu", "attempts": 3},
		Metadata: &MessageMetadata{
			CorrelationID: "corr-9",
			Headers:       map[string]string{"tenant": "acme"},
		},
	}

	assert.True(t, matchesFilter(msg, nil))
	assert.True(t, matchesFilter(msg, map[string]any{"type": "user.login"}))
	assert.True(t, matchesFilter(msg, map[string]any{"sender": "ossa://agents/gateway"}))
	assert.True(t, matchesFilter(msg, map[string]any{"metadata.correlationId": "corr-9"}))
	assert.True(t, matchesFilter(msg, map[string]any{"headers.tenant": "acme"}))
	assert.True(t, matchesFilter(msg, map[string]any{"payload.region": "eu"}))
	assert.True(t, matchesFilter(msg, map[string]any{
		"type":           "user.login",
		"payload.region": "eu",
	}))

	assert.False(t, matchesFilter(msg, map[string]any{"type": "user.logout"}))
	assert.False(t, matchesFilter(msg, map[string]any{"payload.region": "us"}))
	assert.False(t, matchesFilter(msg, map[string]any{"headers.missing": "x"}))
	assert.False(t, matchesFilter(msg, map[string]any{"no.such.field": "x"}))
}
