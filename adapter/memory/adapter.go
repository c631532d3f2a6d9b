// Package memory provides the in-memory reference transport. It bounds
// per-channel storage with FIFO eviction and prunes acknowledged messages
// past their retention on a background sweep. State lives for the process
// lifetime only.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"

	"github.com/blueflyio/agentbus"
)

const TransportName = "memory"

func init() {
	if err := agentbus.RegisterTransport(TransportName, func(cfg map[string]any) (agentbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("agentbus/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// MaxMessages bounds stored messages per channel (default: 10000).
	// Appending past the bound evicts the oldest entry, acked or not.
	MaxMessages int
	// Retention is how long acknowledged messages are kept before the
	// sweeper prunes them (default: 1h). Unacknowledged messages are
	// never pruned.
	Retention time.Duration
	// SweepInterval is how often the retention sweeper runs (default:
	// 1m). Zero disables sweeping.
	SweepInterval time.Duration
	// Clock is the time source; defaults to the process clock.
	Clock xclock.Clock
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	c := Config{
		MaxMessages:   getInt("max_messages", 10000),
		Retention:     getDur("retention", time.Hour),
		SweepInterval: getDur("sweep_interval", time.Minute),
	}
	if clk, ok := cfg["clock"].(xclock.Clock); ok {
		c.Clock = clk
	}
	return c
}

type entry struct {
	msg     *agentbus.Message
	stored  time.Time
	acked   bool
	ackedAt time.Time
}

// Transport implements agentbus.Transport with per-channel slices
// (dev/testing). Not durable; excellent for local development and tests.
type Transport struct {
	cfg   Config
	clock xclock.Clock

	mu       sync.RWMutex
	channels map[string][]*entry
	byID     map[string]*entry

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	metrics transportMetrics
}

type transportMetrics struct {
	appended atomic.Uint64
	acked    atomic.Uint64
	evicted  atomic.Uint64
	pruned   atomic.Uint64
}

var _ agentbus.Transport = (*Transport)(nil)

// NewTransport creates an in-memory transport and starts its retention
// sweeper.
func NewTransport(cfg Config) *Transport {
	if cfg.MaxMessages < 1 {
		cfg.MaxMessages = 10000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	clock := cfg.Clock
	if clock == nil {
		clock = xclock.Default()
	}

	t := &Transport{
		cfg:      cfg,
		clock:    clock,
		channels: make(map[string][]*entry),
		byID:     make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		t.wg.Add(1)
		go t.sweepLoop()
	}
	return t
}

// Append stores a message on its channel, evicting the oldest entry when
// the channel is at capacity.
func (t *Transport) Append(_ context.Context, msg *agentbus.Message) error {
	if t.closed.Load() {
		return agentbus.ErrClosed
	}
	if msg == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.channels[msg.Channel]
	if len(list) >= t.cfg.MaxMessages {
		oldest := list[0]
		list = list[1:]
		delete(t.byID, oldest.msg.ID)
		t.metrics.evicted.Add(1)
	}
	e := &entry{msg: msg, stored: t.clock.Now()}
	t.channels[msg.Channel] = append(list, e)
	t.byID[msg.ID] = e
	t.metrics.appended.Add(1)
	return nil
}

// Ack marks a stored message acknowledged. Unknown ids are a no-op.
func (t *Transport) Ack(_ context.Context, id string) error {
	if t.closed.Load() {
		return agentbus.ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok || e.acked {
		return nil
	}
	e.acked = true
	e.ackedAt = t.clock.Now()
	t.metrics.acked.Add(1)
	return nil
}

// Remove deletes a stored message and returns it, or nil when unknown.
func (t *Transport) Remove(_ context.Context, id string) (*agentbus.Message, error) {
	if t.closed.Load() {
		return nil, agentbus.ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return nil, nil
	}
	delete(t.byID, id)
	t.channels[e.msg.Channel] = removeEntry(t.channels[e.msg.Channel], e)
	return e.msg, nil
}

// Get returns a stored message, or nil when unknown.
func (t *Transport) Get(_ context.Context, id string) (*agentbus.Message, error) {
	if t.closed.Load() {
		return nil, agentbus.ErrClosed
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[id]
	if !ok {
		return nil, nil
	}
	return e.msg, nil
}

// Messages returns a channel's stored messages in arrival order.
func (t *Transport) Messages(_ context.Context, channel string) ([]*agentbus.Message, error) {
	if t.closed.Load() {
		return nil, agentbus.ErrClosed
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.channels[channel]
	out := make([]*agentbus.Message, len(list))
	for i, e := range list {
		out[i] = e.msg
	}
	return out, nil
}

// DropChannel discards all messages stored for a channel.
func (t *Transport) DropChannel(_ context.Context, channel string) error {
	if t.closed.Load() {
		return agentbus.ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.channels[channel] {
		delete(t.byID, e.msg.ID)
	}
	delete(t.channels, channel)
	return nil
}

// Close stops the sweeper and clears all stored state. Idempotent.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.stopCh)
	t.wg.Wait()

	t.mu.Lock()
	t.channels = make(map[string][]*entry)
	t.byID = make(map[string]*entry)
	t.mu.Unlock()
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Appended uint64
	Acked    uint64
	Evicted  uint64
	Pruned   uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Appended: t.metrics.appended.Load(),
		Acked:    t.metrics.acked.Load(),
		Evicted:  t.metrics.evicted.Load(),
		Pruned:   t.metrics.pruned.Load(),
	}
}

func (t *Transport) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep prunes acknowledged messages older than the retention window.
func (t *Transport) sweep() {
	cutoff := t.clock.Now().Add(-t.cfg.Retention)

	t.mu.Lock()
	defer t.mu.Unlock()
	for ch, list := range t.channels {
		kept := list[:0]
		for _, e := range list {
			if e.acked && e.ackedAt.Before(cutoff) {
				delete(t.byID, e.msg.ID)
				t.metrics.pruned.Add(1)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(t.channels, ch)
			continue
		}
		t.channels[ch] = kept
	}
}

func removeEntry(list []*entry, e *entry) []*entry {
	for i, x := range list {
		if x == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
