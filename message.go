package agentbus

import (
	"context"
	"strconv"
	"time"
)

// HeaderRetryCount is the metadata header carrying the delivery retry count.
const HeaderRetryCount = "x-retry-count"

// Handler processes a single message. Returning an error triggers the
// subscription's retry/dead-letter path.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// MessageMetadata carries optional routing and processing hints.
type MessageMetadata struct {
	CorrelationID   string            `json:"correlationId,omitempty"`
	ReplyTo         string            `json:"replyTo,omitempty"`
	Priority        Priority          `json:"priority,omitempty"`
	TTL             time.Duration     `json:"ttl,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	ContentEncoding string            `json:"contentEncoding,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// Message is the envelope traveling the bus. The payload is an opaque
// structured value; encoding it for the wire is a transport concern.
type Message struct {
	ID        string           `json:"id"`
	Channel   string           `json:"channel"`
	Sender    string           `json:"sender"`
	Timestamp time.Time        `json:"timestamp"`
	Type      string           `json:"type"`
	Payload   any              `json:"payload"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	QoS       *QoSConfig       `json:"qos,omitempty"`
}

// Validate checks the envelope invariants: id, channel, sender, timestamp,
// type and payload are required; channel and sender must match their
// grammars.
func (m *Message) Validate() error {
	if m.ID == "" {
		return validationErr("message", "id is required")
	}
	if m.Channel == "" {
		return validationErr("message", "channel is required")
	}
	if err := ValidateChannelName(m.Channel); err != nil {
		return err
	}
	if m.Sender == "" {
		return validationErr("message", "sender is required")
	}
	if err := ValidateSender(m.Sender); err != nil {
		return err
	}
	if m.Timestamp.IsZero() {
		return validationErr("message", "timestamp is required")
	}
	if m.Type == "" {
		return validationErr("message", "type is required")
	}
	if m.Payload == nil {
		return validationErr("message", "payload is required")
	}
	return nil
}

// Header returns a metadata header value, or "" if absent.
func (m *Message) Header(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata.Headers[key]
}

// Expired reports whether the message's TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	if m.Metadata == nil || m.Metadata.TTL <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(m.Metadata.TTL))
}

// retryCount reads the retry-count header, defaulting to 0.
func (m *Message) retryCount() int {
	n, err := strconv.Atoi(m.Header(HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// withRetryCount returns a shallow clone with the retry-count header set.
// The original envelope, including its stored copy, is left untouched.
func (m *Message) withRetryCount(n int) *Message {
	clone := *m
	meta := MessageMetadata{}
	if m.Metadata != nil {
		meta = *m.Metadata
	}
	headers := make(map[string]string, len(meta.Headers)+1)
	for k, v := range meta.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = strconv.Itoa(n)
	meta.Headers = headers
	clone.Metadata = &meta
	return &clone
}
