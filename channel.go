package agentbus

import "strings"

// ChannelType selects the name grammar and delivery intent of a channel.
type ChannelType string

const (
	// ChannelDirect addresses one agent: agents.{agent-id}.{message-type}.
	ChannelDirect ChannelType = "direct"
	// ChannelTopic is a named event stream: agents.{topic}.{event-type}.
	// The topic part may span multiple segments.
	ChannelTopic ChannelType = "topic"
	// ChannelBroadcast fans out to all listeners: agents.broadcast.{event-type}.
	ChannelBroadcast ChannelType = "broadcast"
)

// DeliveryMode is the QoS delivery-mode setting.
type DeliveryMode string

const (
	DeliverAtMostOnce  DeliveryMode = "at-most-once"
	DeliverAtLeastOnce DeliveryMode = "at-least-once"
)

// QoSConfig holds per-channel delivery defaults. A message or subscription
// may override them.
type QoSConfig struct {
	DeliveryMode DeliveryMode `json:"deliveryMode,omitempty" yaml:"delivery_mode"`
	Persistent   bool         `json:"persistent,omitempty" yaml:"persistent"`
	// Ordered is declared for strict per-subscriber FIFO delivery. It is
	// accepted and stored but not enforced by the delivery engine; cross-
	// message ordering per subscriber is best effort.
	Ordered    bool          `json:"ordered,omitempty" yaml:"ordered"`
	MaxRetries int           `json:"maxRetries,omitempty" yaml:"max_retries"`
	Backoff    BackoffPolicy `json:"backoff,omitempty" yaml:"backoff"`
}

// Capacity bounds, range-checked at channel creation and update.
const (
	MinMessageSize   = 1 << 10  // 1 KiB
	MaxMessageSize   = 10 << 20 // 10 MiB
	MinSubscribers   = 1
	MaxSubscribers   = 10000
	MaxRetentionSecs = 2592000 // 30 days
)

// CapacityConfig bounds a channel's resource usage.
type CapacityConfig struct {
	// MaxMessageBytes caps a single message's encoded size. Enforced by
	// transports that serialize payloads. Zero means the default.
	MaxMessageBytes int `json:"maxMessageBytes,omitempty" yaml:"max_message_bytes"`
	// MaxSubscribers caps concurrent subscribers. Zero means the default.
	MaxSubscribers int `json:"maxSubscribers,omitempty" yaml:"max_subscribers"`
	// RetentionSeconds bounds how long acknowledged messages are kept.
	RetentionSeconds int `json:"retentionSeconds,omitempty" yaml:"retention_seconds"`
	// DeadLetterEnabled routes exhausted deliveries to a DLQ channel.
	DeadLetterEnabled bool `json:"deadLetterEnabled,omitempty" yaml:"dead_letter_enabled"`
	// DeadLetterChannel overrides the default "<name>.dlq" target.
	DeadLetterChannel string `json:"deadLetterChannel,omitempty" yaml:"dead_letter_channel"`
	// RatePerSecond limits publishes to this channel. Zero disables limiting.
	RatePerSecond float64 `json:"ratePerSecond,omitempty" yaml:"rate_per_second"`
	// Encrypted is a transport hint only; the broker does not encrypt.
	Encrypted bool `json:"encrypted,omitempty" yaml:"encrypted"`
}

// Channel is a named addressable message destination.
type Channel struct {
	Name        string         `json:"name" yaml:"name"`
	Type        ChannelType    `json:"type" yaml:"type"`
	Description string         `json:"description,omitempty" yaml:"description"`
	SchemaRef   string         `json:"schemaRef,omitempty" yaml:"schema_ref"`
	QoS         QoSConfig      `json:"qos,omitempty" yaml:"qos"`
	Capacity    CapacityConfig `json:"capacity,omitempty" yaml:"capacity"`
}

const (
	defaultMaxMessageBytes  = 1 << 20 // 1 MiB
	defaultMaxSubscribers   = 1000
	defaultRetentionSeconds = 3600
)

// withDefaults fills unset capacity fields before validation.
func (c Channel) withDefaults() Channel {
	if c.Type == "" {
		c.Type = inferChannelType(c.Name)
	}
	if c.QoS.DeliveryMode == "" {
		c.QoS.DeliveryMode = DeliverAtLeastOnce
	}
	if c.Capacity.MaxMessageBytes == 0 {
		c.Capacity.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.Capacity.MaxSubscribers == 0 {
		c.Capacity.MaxSubscribers = defaultMaxSubscribers
	}
	if c.Capacity.RetentionSeconds == 0 {
		c.Capacity.RetentionSeconds = defaultRetentionSeconds
	}
	return c
}

// Validate checks the name against the type's grammar and range-checks QoS
// and capacity settings.
func (c *Channel) Validate() error {
	if err := ValidateChannelName(c.Name); err != nil {
		return err
	}
	segs := strings.Split(c.Name, Separator)
	switch c.Type {
	case ChannelDirect:
		if len(segs) != 3 {
			return validationErr("channel name", "%q: direct channels are agents.{agent-id}.{message-type}", c.Name)
		}
	case ChannelTopic:
		// Any agents.-prefixed name of 3+ segments.
	case ChannelBroadcast:
		if segs[1] != BroadcastSegment {
			return validationErr("channel name", "%q: broadcast channels are agents.broadcast.{event-type}", c.Name)
		}
	default:
		return validationErr("channel type", "%q: want direct, topic or broadcast", c.Type)
	}

	switch c.QoS.DeliveryMode {
	case "", DeliverAtMostOnce, DeliverAtLeastOnce:
	default:
		return validationErr("qos", "unknown delivery mode %q", c.QoS.DeliveryMode)
	}
	if c.QoS.MaxRetries < 0 {
		return validationErr("qos", "max retries must be >= 0")
	}
	if err := c.QoS.Backoff.validate(); err != nil {
		return err
	}

	cc := c.Capacity
	if cc.MaxMessageBytes < MinMessageSize || cc.MaxMessageBytes > MaxMessageSize {
		return validationErr("capacity", "max message bytes %d out of range [%d, %d]", cc.MaxMessageBytes, MinMessageSize, MaxMessageSize)
	}
	if cc.MaxSubscribers < MinSubscribers || cc.MaxSubscribers > MaxSubscribers {
		return validationErr("capacity", "max subscribers %d out of range [%d, %d]", cc.MaxSubscribers, MinSubscribers, MaxSubscribers)
	}
	if cc.RetentionSeconds < 0 || cc.RetentionSeconds > MaxRetentionSecs {
		return validationErr("capacity", "retention %ds out of range [0, %d]", cc.RetentionSeconds, MaxRetentionSecs)
	}
	if cc.RatePerSecond < 0 {
		return validationErr("capacity", "rate per second must be >= 0")
	}
	if cc.DeadLetterChannel != "" {
		if err := ValidateChannelName(cc.DeadLetterChannel); err != nil {
			return err
		}
	}
	return nil
}

// inferChannelType guesses a type for channels auto-created on first
// publish: broadcast when named agents.broadcast.*, topic otherwise.
func inferChannelType(name string) ChannelType {
	segs := strings.Split(name, Separator)
	if len(segs) > 1 && segs[1] == BroadcastSegment {
		return ChannelBroadcast
	}
	return ChannelTopic
}
