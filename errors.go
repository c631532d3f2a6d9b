package agentbus

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation on a closed broker.
	ErrClosed = errors.New("agentbus: broker is closed")

	// ErrChannelExists is returned when creating a channel whose name is taken.
	ErrChannelExists = errors.New("agentbus: channel already exists")

	// ErrChannelNotFound is returned for lookups of unknown channels.
	ErrChannelNotFound = errors.New("agentbus: channel not found")

	// ErrSubscriptionNotFound is returned for lookups of unknown subscriptions.
	ErrSubscriptionNotFound = errors.New("agentbus: subscription not found")

	// ErrRateLimited is returned by Publish when the channel's configured
	// rate limit rejects the message.
	ErrRateLimited = errors.New("agentbus: channel rate limit exceeded")

	// ErrNoTransportConfigured is returned by the builder when neither a
	// transport name nor a transport instance was provided.
	ErrNoTransportConfigured = errors.New("agentbus: no transport configured")

	// ErrObserverPoolShutdownTimeout is returned when the observer pool does
	// not drain within its close timeout.
	ErrObserverPoolShutdownTimeout = errors.New("agentbus: observer pool shutdown timeout")
)

// ErrUnknownTransport reports a transport name with no registered factory.
type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string {
	return fmt.Sprintf("agentbus: unknown transport: %s", e.name)
}

// ValidationError reports malformed input to Publish, Subscribe,
// CreateChannel or UpdateChannel. It is never retried and always surfaces
// synchronously to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agentbus: invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// HandlerError wraps a failure raised inside a subscriber's handler,
// including timeouts. It is contained within the delivery loop and never
// propagated to the publisher; it surfaces only through delivery receipts
// and the dead-letter channel.
type HandlerError struct {
	Subscription string
	Err          error
	Timeout      bool
}

func (e *HandlerError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("agentbus: handler timeout (subscription %s): %v", e.Subscription, e.Err)
	}
	return fmt.Sprintf("agentbus: handler error (subscription %s): %v", e.Subscription, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
