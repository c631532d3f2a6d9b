package agentbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverPoolDispatch(t *testing.T) {
	pool := NewObserverPool(context.Background(), 2, 16)

	var count atomic.Int32
	obs := ObserverFunc(func(e Event) {
		count.Add(1)
	})

	for i := 0; i < 5; i++ {
		pool.Notify(Event{Type: EventPublished}, []Observer{obs})
	}
	require.NoError(t, pool.Close(time.Second))

	assert.Equal(t, int32(5), count.Load())
	assert.Equal(t, uint64(0), pool.Stats().Dropped)
}

func TestObserverPoolDropsWhenFull(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 1)

	block := make(chan struct{})
	slow := ObserverFunc(func(Event) { <-block })

	// First event occupies the worker, second fills the buffer, the rest drop.
	for i := 0; i < 10; i++ {
		pool.Notify(Event{Type: EventPublished}, []Observer{slow})
	}

	assert.Eventually(t, func() bool {
		return pool.Stats().Dropped > 0
	}, time.Second, 10*time.Millisecond)

	close(block)
	require.NoError(t, pool.Close(time.Second))
}

func TestObserverPoolToleratesPanics(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 16)

	var after atomic.Bool
	pool.Notify(Event{Type: EventError}, []Observer{
		ObserverFunc(func(Event) { panic("observer bug") }),
		ObserverFunc(func(Event) { after.Store(true) }),
	})
	require.NoError(t, pool.Close(time.Second))

	assert.True(t, after.Load(), "observers after a panicking one still run")
}

func TestObserverPoolCloseIdempotent(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 1)
	require.NoError(t, pool.Close(time.Second))
	require.NoError(t, pool.Close(time.Second))

	// Notifications after close are dropped silently.
	pool.Notify(Event{Type: EventPublished}, []Observer{ObserverFunc(func(Event) {})})
}
