package redisstore

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/blueflyio/agentbus"
)

// toMap converts typed Config into the generic map expected by the
// transport factory.
func (c Config) toMap() map[string]any {
	m := map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"key_prefix":      c.KeyPrefix,
		"max_messages":    c.MaxMessages,
		"retention":       c.Retention,
		"sweep_interval":  c.SweepInterval,
	}
	if c.Clock != nil {
		m["clock"] = c.Clock
	}
	return m
}

// Option configures the broker construction when calling Use.
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

// Use builds the process-wide default broker on the Redis transport and
// returns it, mirroring xlog/zerolog.Use for explicit initialization.
//
// It fails fast by panicking if construction fails (production-friendly
// when the transport must be available at startup).
func Use(cfg Config, opts ...Option) *agentbus.Broker {
	broker, err := agentbus.Default(func(b *agentbus.BrokerBuilder) {
		b.WithTransport(TransportName, cfg.toMap())
		for _, o := range opts {
			if o != nil {
				o(b)
			}
		}
	})
	if err != nil {
		panic(fmt.Errorf("redisstore.Use: %w", err))
	}
	return broker
}
