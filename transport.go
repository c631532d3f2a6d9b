package agentbus

import (
	"context"
	"errors"
	"sync"
)

// Transport is the Strategy interface for message storage backends. The
// broker drives all delivery semantics itself; a transport only stores
// envelopes, tracks acknowledgement, and enforces its own capacity and
// retention policies. A durable transport must satisfy this contract
// unchanged so that every broker behaves identically regardless of backend.
type Transport interface {
	// Append stores a message on its channel. Transports bound per-channel
	// storage and evict the oldest entry first when full.
	Append(ctx context.Context, msg *Message) error
	// Ack marks a stored message acknowledged. Unknown ids are a no-op.
	Ack(ctx context.Context, id string) error
	// Remove deletes a stored message and returns it, or nil when unknown.
	Remove(ctx context.Context, id string) (*Message, error)
	// Get returns a stored message, or nil when unknown.
	Get(ctx context.Context, id string) (*Message, error)
	// Messages returns a snapshot of a channel's stored messages in
	// arrival order.
	Messages(ctx context.Context, channel string) ([]*Message, error)
	// DropChannel discards all messages stored for a channel.
	DropChannel(ctx context.Context, channel string) error
	// Close releases timers and storage. Pending state is abandoned.
	Close(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a storage backend adapter under a name.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("agentbus: transport name must not be empty")
	}
	if factory == nil {
		return errors.New("agentbus: transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}
