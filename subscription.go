package agentbus

import "time"

// Priority ranks subscriptions for delivery ordering on a single message.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// rank returns the sort weight; higher delivers first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

func (p Priority) valid() bool { return p.rank() >= 0 }

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 30 * time.Second

// SubscriptionConfig tunes delivery for one subscription.
type SubscriptionConfig struct {
	// AutoAck acknowledges the message immediately after a successful
	// handler invocation. When false the subscriber must call
	// Broker.Acknowledge or Broker.Nack itself.
	AutoAck bool `json:"autoAck" yaml:"auto_ack"`
	// MaxConcurrent caps in-flight handler invocations for this
	// subscription. Zero means unlimited.
	MaxConcurrent int `json:"maxConcurrent,omitempty" yaml:"max_concurrent"`
	// Timeout bounds one handler invocation. Zero means
	// DefaultHandlerTimeout. On expiry the invocation is abandoned and
	// treated as a handler error.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	// RetryOnError re-attempts failed deliveries per MaxRetries/Backoff.
	RetryOnError bool `json:"retryOnError" yaml:"retry_on_error"`
	// MaxRetries caps re-attempts before dead-lettering. Zero defers to
	// the channel QoS default; if that is also zero, the first failure
	// dead-letters.
	MaxRetries int `json:"maxRetries,omitempty" yaml:"max_retries"`
	// Backoff overrides the channel's retry backoff. The zero value
	// defers to the channel QoS, then to the defaults.
	Backoff BackoffPolicy `json:"backoff,omitempty" yaml:"backoff"`
	// DeadLetter routes exhausted deliveries to the channel's DLQ.
	DeadLetter bool `json:"deadLetter" yaml:"dead_letter"`
	// Ordered requests per-subscriber FIFO delivery. Accepted and stored
	// but not enforced; see QoSConfig.Ordered.
	Ordered bool `json:"ordered,omitempty" yaml:"ordered"`
}

// DefaultSubscriptionConfig returns the config applied when Subscribe
// receives a zero-value SubscriptionConfig.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		AutoAck:      true,
		Timeout:      DefaultHandlerTimeout,
		RetryOnError: true,
		MaxRetries:   3,
		DeadLetter:   true,
	}
}

// Subscription describes interest in a channel pattern. The broker owns the
// registered copy exclusively; callers interact through the returned
// SubscriptionHandle only.
type Subscription struct {
	// ID is assigned by the broker when empty.
	ID string `json:"id,omitempty"`
	// Pattern is the target channel, possibly with wildcards.
	Pattern string `json:"pattern"`
	// Priority orders delivery among subscriptions matching one message.
	// Empty means normal.
	Priority Priority `json:"priority,omitempty"`
	// Filter is a flat key-path equality predicate over the message
	// envelope ("type", "sender", "metadata.correlationId",
	// "headers.<key>", "payload.<key>"). Nil matches everything.
	Filter map[string]any `json:"filter,omitempty"`
	// Config tunes delivery. The zero value means
	// DefaultSubscriptionConfig.
	Config SubscriptionConfig `json:"config,omitempty"`
}

// SubscriptionHandle is the opaque capability returned by Subscribe.
type SubscriptionHandle struct {
	id          string
	unsubscribe func()
}

// ID returns the broker-assigned subscription identifier.
func (h *SubscriptionHandle) ID() string { return h.id }

// Unsubscribe removes the subscription. It is idempotent and never fails.
func (h *SubscriptionHandle) Unsubscribe() {
	if h != nil && h.unsubscribe != nil {
		h.unsubscribe()
	}
}
