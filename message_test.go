package agentbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() *Message {
	return &Message{
		ID:        "m1",
		Channel:   "agents.worker.tasks",
		Sender:    "ossa://agents/planner",
		Timestamp: time.Now(),
		Type:      "task.assigned",
		Payload:   map[string]any{"goal": "summarize"},
	}
}

func TestMessageValidate(t *testing.T) {
	require.NoError(t, validMessage().Validate())

	mutations := map[string]func(*Message){
		"missing id":        func(m *Message) { m.ID = "" },
		"missing channel":   func(m *Message) { m.Channel = "" },
		"bad channel":       func(m *Message) { m.Channel = "nope" },
		"missing sender":    func(m *Message) { m.Sender = "" },
		"bad sender":        func(m *Message) { m.Sender = "planner" },
		"missing timestamp": func(m *Message) { m.Timestamp = time.Time{} },
		"missing type":      func(m *Message) { m.Type = "" },
		"missing payload":   func(m *Message) { m.Payload = nil },
	}
	for name, mutate := range mutations {
		m := validMessage()
		mutate(m)
		assert.Error(t, m.Validate(), name)
	}
}

func TestMessageExpired(t *testing.T) {
	m := validMessage()
	now := time.Now()

	// No TTL never expires.
	assert.False(t, m.Expired(now.Add(24*time.Hour)))

	m.Timestamp = now.Add(-2 * time.Second)
	m.Metadata = &MessageMetadata{TTL: time.Second}
	assert.True(t, m.Expired(now))

	m.Metadata.TTL = time.Minute
	assert.False(t, m.Expired(now))
}

func TestMessageRetryCount(t *testing.T) {
	m := validMessage()
	assert.Equal(t, 0, m.retryCount())

	next := m.withRetryCount(2)
	assert.Equal(t, 2, next.retryCount())
	// The original is untouched.
	assert.Equal(t, 0, m.retryCount())
	assert.Nil(t, m.Metadata)

	// Existing headers are preserved on the clone.
	m.Metadata = &MessageMetadata{Headers: map[string]string{"tenant": "acme"}}
	next = m.withRetryCount(1)
	assert.Equal(t, "acme", next.Header("tenant"))
	assert.Equal(t, 1, next.retryCount())
	assert.Equal(t, 0, m.retryCount())

	// Garbage header values read as zero.
	m.Metadata.Headers[HeaderRetryCount] = "many"
	assert.Equal(t, 0, m.retryCount())
}
