package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueflyio/agentbus"
)

func storedMessage(i int) *agentbus.Message {
	return &agentbus.Message{
		ID:        fmt.Sprintf("m%d", i),
		Channel:   "agents.worker.tasks",
		Sender:    "ossa://agents/planner",
		Timestamp: time.Now(),
		Type:      "task.assigned",
		Payload:   i,
	}
}

func TestAppendGetRemove(t *testing.T) {
	tr := NewTransport(Config{SweepInterval: 0})
	defer func() { _ = tr.Close(context.Background()) }()
	ctx := context.Background()

	msg := storedMessage(1)
	require.NoError(t, tr.Append(ctx, msg))

	got, err := tr.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)

	removed, err := tr.Remove(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, removed)

	got, err = tr.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Removing again is a nil no-op.
	removed, err = tr.Remove(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestFIFOEviction(t *testing.T) {
	tr := NewTransport(Config{MaxMessages: 3, SweepInterval: 0})
	defer func() { _ = tr.Close(context.Background()) }()
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, tr.Append(ctx, storedMessage(i)))
	}

	msgs, err := tr.Messages(ctx, "agents.worker.tasks")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Oldest entry was evicted regardless of ack state.
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m4", msgs[2].ID)

	gone, err := tr.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Equal(t, uint64(1), tr.Stats().Evicted)
}

func TestAckIdempotent(t *testing.T) {
	tr := NewTransport(Config{SweepInterval: 0})
	defer func() { _ = tr.Close(context.Background()) }()
	ctx := context.Background()

	require.NoError(t, tr.Append(ctx, storedMessage(1)))
	require.NoError(t, tr.Ack(ctx, "m1"))
	require.NoError(t, tr.Ack(ctx, "m1"))
	require.NoError(t, tr.Ack(ctx, "unknown"))
	assert.Equal(t, uint64(1), tr.Stats().Acked)
}

func TestSweepPrunesOnlyAckedPastRetention(t *testing.T) {
	tr := NewTransport(Config{Retention: time.Nanosecond, SweepInterval: 0})
	defer func() { _ = tr.Close(context.Background()) }()
	ctx := context.Background()

	require.NoError(t, tr.Append(ctx, storedMessage(1)))
	require.NoError(t, tr.Append(ctx, storedMessage(2)))
	require.NoError(t, tr.Ack(ctx, "m1"))

	time.Sleep(5 * time.Millisecond)
	tr.sweep()

	acked, err := tr.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, acked, "acked message past retention should be pruned")

	unacked, err := tr.Get(ctx, "m2")
	require.NoError(t, err)
	assert.NotNil(t, unacked, "unacked messages are never pruned")
	assert.Equal(t, uint64(1), tr.Stats().Pruned)
}

func TestDropChannel(t *testing.T) {
	tr := NewTransport(Config{SweepInterval: 0})
	defer func() { _ = tr.Close(context.Background()) }()
	ctx := context.Background()

	require.NoError(t, tr.Append(ctx, storedMessage(1)))
	other := storedMessage(2)
	other.Channel = "agents.other.tasks"
	require.NoError(t, tr.Append(ctx, other))

	require.NoError(t, tr.DropChannel(ctx, "agents.worker.tasks"))

	msgs, err := tr.Messages(ctx, "agents.worker.tasks")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	kept, err := tr.Get(ctx, "m2")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestClose(t *testing.T) {
	tr := NewTransport(Config{SweepInterval: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, tr.Append(ctx, storedMessage(1)))

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx)) // idempotent

	assert.ErrorIs(t, tr.Append(ctx, storedMessage(2)), agentbus.ErrClosed)
	_, err := tr.Get(ctx, "m1")
	assert.ErrorIs(t, err, agentbus.ErrClosed)
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"max_messages":   float64(42), // yaml/json numbers arrive as float64
		"retention":      "30m",
		"sweep_interval": 5 * time.Second,
	})
	assert.Equal(t, 42, cfg.MaxMessages)
	assert.Equal(t, 30*time.Minute, cfg.Retention)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)

	cfg = ConfigFromMap(nil)
	assert.Equal(t, 10000, cfg.MaxMessages)
	assert.Equal(t, time.Hour, cfg.Retention)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}
