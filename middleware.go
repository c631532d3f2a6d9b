package agentbus

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// RecoveryMiddleware converts handler panics into errors so a panicking
// subscriber feeds the normal retry/dead-letter path instead of crashing
// the broker. The broker always applies it innermost.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// TimeoutMiddleware bounds a handler's own downstream work with a tighter
// deadline than the subscription timeout the broker already enforces.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(tctx, msg)
		}
	}
}

// BreakerMiddleware wraps a handler in a circuit breaker. While the breaker
// is open, deliveries fail fast with gobreaker.ErrOpenState and flow through
// the retry/dead-letter path without invoking the handler.
func BreakerMiddleware(settings gobreaker.Settings) Middleware {
	cb := gobreaker.NewCircuitBreaker(settings)
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			_, err := cb.Execute(func() (any, error) {
				return nil, next(ctx, msg)
			})
			return err
		}
	}
}

// Chain composes middlewares around a handler in order: the first
// middleware becomes the outermost wrapper.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
