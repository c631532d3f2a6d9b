package agentbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, *Message) error {
		panic("boom")
	})
	err := h(context.Background(), &Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// Errors pass through untouched.
	want := errors.New("plain failure")
	h = RecoveryMiddleware()(func(context.Context, *Message) error { return want })
	assert.ErrorIs(t, h(context.Background(), &Message{}), want)
}

func TestTimeoutMiddleware(t *testing.T) {
	h := TimeoutMiddleware(10*time.Millisecond)(func(ctx context.Context, _ *Message) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	err := h(context.Background(), &Message{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg *Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}

	h := Chain(func(context.Context, *Message) error {
		order = append(order, "handler")
		return nil
	}, tag("outer"), tag("inner"))

	require.NoError(t, h(context.Background(), &Message{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestBreakerMiddleware(t *testing.T) {
	h := BreakerMiddleware(gobreaker.Settings{
		Name: "test",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})(func(context.Context, *Message) error {
		return errors.New("downstream down")
	})

	ctx := context.Background()
	msg := &Message{}
	require.Error(t, h(ctx, msg))
	require.Error(t, h(ctx, msg))

	// Breaker is now open; calls are rejected without invoking the handler.
	err := h(ctx, msg)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
