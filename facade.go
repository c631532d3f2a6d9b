package agentbus

import (
	"context"
	"sync"
)

var (
	defaultBroker   *Broker
	defaultBrokerMu sync.Mutex
)

// Default returns the process-wide singleton broker, initializing it with
// the optional init function on first use. Initialization fails unless a
// transport is configured, either by init or by SetDefault beforehand.
func Default(init func(b *BrokerBuilder)) (*Broker, error) {
	defaultBrokerMu.Lock()
	defer defaultBrokerMu.Unlock()

	if defaultBroker != nil {
		return defaultBroker, nil
	}
	bb := NewBuilder()
	if init != nil {
		init(bb)
	}
	b, err := bb.Build()
	if err != nil {
		return nil, err
	}
	defaultBroker = b
	return defaultBroker, nil
}

// SetDefault replaces the process-wide default broker.
func SetDefault(b *Broker) {
	if b == nil {
		panic("agentbus: SetDefault called with nil Broker")
	}
	defaultBrokerMu.Lock()
	defaultBroker = b
	defaultBrokerMu.Unlock()
}

// Publish is the facade using the default broker.
func Publish(ctx context.Context, channel string, msg *Message) error {
	b, err := Default(nil)
	if err != nil {
		return err
	}
	return b.Publish(ctx, channel, msg)
}

// Subscribe is the facade using the default broker.
func Subscribe(sub Subscription, h Handler) (*SubscriptionHandle, error) {
	b, err := Default(nil)
	if err != nil {
		return nil, err
	}
	return b.Subscribe(sub, h)
}

// Acknowledge is the facade using the default broker.
func Acknowledge(ctx context.Context, messageID string) error {
	b, err := Default(nil)
	if err != nil {
		return err
	}
	return b.Acknowledge(ctx, messageID)
}
