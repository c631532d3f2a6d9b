package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueflyio/agentbus"
)

// newTestTransport connects to the Redis named by AGENTBUS_REDIS_ADDR (or
// localhost) and skips the test when none is reachable.
func newTestTransport(t *testing.T) agentbus.Transport {
	t.Helper()
	addr := os.Getenv("AGENTBUS_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	tr, err := NewTransport(Config{
		Addr:          addr,
		KeyPrefix:     "agentbus-test-" + uuid.NewString()[:8],
		SweepInterval: 0,
	})
	if err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func storedMessage(i int) *agentbus.Message {
	return &agentbus.Message{
		ID:        fmt.Sprintf("%s-%d", uuid.NewString(), i),
		Channel:   "agents.worker.tasks",
		Sender:    "ossa://agents/planner",
		Timestamp: time.Now().UTC(),
		Type:      "task.assigned",
		Payload:   map[string]any{"n": float64(i)},
	}
}

func TestRoundTrip(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	msg := storedMessage(1)
	require.NoError(t, tr.Append(ctx, msg))

	got, err := tr.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Channel, got.Channel)
	assert.Equal(t, msg.Type, got.Type)

	require.NoError(t, tr.Ack(ctx, msg.ID))
	require.NoError(t, tr.Ack(ctx, msg.ID)) // idempotent
	require.NoError(t, tr.Ack(ctx, "unknown"))

	removed, err := tr.Remove(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, removed)

	gone, err := tr.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestChannelOrderAndDrop(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		msg := storedMessage(i)
		ids = append(ids, msg.ID)
		require.NoError(t, tr.Append(ctx, msg))
	}

	msgs, err := tr.Messages(ctx, "agents.worker.tasks")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
	}

	require.NoError(t, tr.DropChannel(ctx, "agents.worker.tasks"))
	msgs, err = tr.Messages(ctx, "agents.worker.tasks")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestEviction(t *testing.T) {
	addr := os.Getenv("AGENTBUS_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	tr, err := NewTransport(Config{
		Addr:          addr,
		KeyPrefix:     "agentbus-test-" + uuid.NewString()[:8],
		MaxMessages:   2,
		SweepInterval: 0,
	})
	if err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	ctx := context.Background()

	first := storedMessage(1)
	require.NoError(t, tr.Append(ctx, first))
	require.NoError(t, tr.Append(ctx, storedMessage(2)))
	require.NoError(t, tr.Append(ctx, storedMessage(3)))

	msgs, err := tr.Messages(ctx, "agents.worker.tasks")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	gone, err := tr.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, gone, "oldest message should have been evicted")
}

func TestClosedTransport(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()
	require.NoError(t, tr.Close(ctx))

	assert.ErrorIs(t, tr.Append(ctx, storedMessage(1)), agentbus.ErrClosed)
	_, err := tr.Get(ctx, "x")
	assert.ErrorIs(t, err, agentbus.ErrClosed)
}
