package agentbus

import (
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates broker lifecycle events.
type EventType string

const (
	EventChannelCreated EventType = "channel_created"
	EventChannelDeleted EventType = "channel_deleted"
	EventPublished      EventType = "published"
	EventDelivered      EventType = "delivered"
	EventAcknowledged   EventType = "acknowledged"
	EventNacked         EventType = "nacked"
	EventRetryScheduled EventType = "retry_scheduled"
	EventDeadLettered   EventType = "dead_lettered"
	EventExpired        EventType = "expired"
	EventError          EventType = "error"
	EventClosed         EventType = "closed"
)

// Event carries telemetry for observers. Fields not relevant to a given
// event type are zero.
type Event struct {
	Type         EventType
	Channel      string
	MessageID    string
	Subscription string
	Attempt      int
	Delay        time.Duration
	Duration     time.Duration
	Err          error

	// attached for async dispatch
	observers []Observer
}

// Observer receives broker lifecycle events. Implementations should be
// non-blocking; dispatch happens on the observer pool's workers.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver emits broker events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("channel", e.Channel),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("subscription", e.Subscription),
	)
	switch e.Type {
	case EventError, EventNacked, EventDeadLettered:
		ev.Warn().Err(e.Err).Msg("agentbus event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("agentbus event")
	}
}
