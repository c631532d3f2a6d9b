package agentbus

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/time/rate"
)

// BrokerBuilder assembles a Broker. Zero-value defaults are filled in at
// Build time: the process clock, the default logger, a logging observer
// and an async observer pool.
type BrokerBuilder struct {
	transportName string
	transportCfg  map[string]any
	transport     Transport
	clock         xclock.Clock
	logger        *xlog.Logger
	middlewares   []Middleware
	observers     []Observer
	poolWorkers   int
	poolBuffer    int
	baseCtx       context.Context
}

// NewBuilder returns an empty builder.
func NewBuilder() *BrokerBuilder {
	return &BrokerBuilder{}
}

// WithTransport selects a registered transport by name. The config map is
// handed to the transport factory unchanged.
func (bb *BrokerBuilder) WithTransport(name string, cfg map[string]any) *BrokerBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance injects an already-constructed transport. Takes
// precedence over WithTransport.
func (bb *BrokerBuilder) WithTransportInstance(t Transport) *BrokerBuilder {
	bb.transport = t
	return bb
}

// WithClock overrides the time source. Tests inject a fake clock here.
func (bb *BrokerBuilder) WithClock(c xclock.Clock) *BrokerBuilder {
	bb.clock = c
	return bb
}

// WithLogger overrides the broker logger.
func (bb *BrokerBuilder) WithLogger(l *xlog.Logger) *BrokerBuilder {
	bb.logger = l
	return bb
}

// WithMiddleware appends middleware applied around every handler, outermost
// first.
func (bb *BrokerBuilder) WithMiddleware(mws ...Middleware) *BrokerBuilder {
	bb.middlewares = append(bb.middlewares, mws...)
	return bb
}

// WithObserver registers observers for broker events. When none are given,
// Build attaches a LoggingObserver.
func (bb *BrokerBuilder) WithObserver(obs ...Observer) *BrokerBuilder {
	bb.observers = append(bb.observers, obs...)
	return bb
}

// WithEventPool sizes the async observer pool.
func (bb *BrokerBuilder) WithEventPool(workers, buffer int) *BrokerBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = buffer
	return bb
}

// WithContext sets the base context for the broker's background work
// (retry redeliveries, observer workers).
func (bb *BrokerBuilder) WithContext(ctx context.Context) *BrokerBuilder {
	bb.baseCtx = ctx
	return bb
}

// Build constructs the broker and starts its retry scheduler and observer
// pool.
func (bb *BrokerBuilder) Build() (*Broker, error) {
	transport := bb.transport
	if transport == nil {
		if bb.transportName == "" {
			return nil, ErrNoTransportConfigured
		}
		t, err := NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	clock := bb.clock
	if clock == nil {
		clock = xclock.Default()
	}
	logger := bb.logger
	if logger == nil {
		logger = xlog.Default()
	}
	baseCtx := bb.baseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)

	observers := bb.observers
	if len(observers) == 0 {
		observers = []Observer{&LoggingObserver{Logger: logger}}
	}

	b := &Broker{
		registry:    NewChannelRegistry(),
		matcher:     NewSubscriptionMatcher(),
		scheduler:   NewRetryScheduler(clock),
		transport:   transport,
		clock:       clock,
		logger:      logger,
		receipts:    newReceiptLog(),
		middlewares: bb.middlewares,
		limiters:    make(map[string]*rate.Limiter),
		observers:   observers,
		pool:        NewObserverPool(ctx, bb.poolWorkers, bb.poolBuffer),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
	return b, nil
}

// New is the convenience constructor: a broker on a named transport with
// defaults for everything else.
func New(transportName string, cfg map[string]any) (*Broker, error) {
	return NewBuilder().WithTransport(transportName, cfg).Build()
}
