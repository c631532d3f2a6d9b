package memory

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/blueflyio/agentbus"
)

// Use builds a Broker on the in-memory transport and installs it as the
// process-wide default. Mirrors the xlog "Use" pattern: explicit
// construction with global install.
//
// Example:
//
//	broker := memory.Use(memory.Config{
//	    MaxMessages: 4096,
//	},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(cfg Config, opts ...Option) *agentbus.Broker {
	bb := agentbus.NewBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	broker, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	agentbus.SetDefault(broker)
	return broker
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	m := map[string]any{
		"max_messages":   c.MaxMessages,
		"retention":      c.Retention,
		"sweep_interval": c.SweepInterval,
	}
	if c.Clock != nil {
		m["clock"] = c.Clock
	}
	return m
}

// Option configures the broker when calling Use.
type Option func(*agentbus.BrokerBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *agentbus.BrokerBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *agentbus.BrokerBuilder) { b.WithClock(c) }
}

// WithMiddleware adds handler middlewares.
func WithMiddleware(mw ...agentbus.Middleware) Option {
	return func(b *agentbus.BrokerBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for broker events.
func WithObserver(obs ...agentbus.Observer) Option {
	return func(b *agentbus.BrokerBuilder) { b.WithObserver(obs...) }
}

// WithEventPool sizes the async observer pool.
func WithEventPool(workers, buffer int) Option {
	return func(b *agentbus.BrokerBuilder) { b.WithEventPool(workers, buffer) }
}
