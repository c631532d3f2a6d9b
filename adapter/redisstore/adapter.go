// Package redisstore provides the durable Redis-backed transport. Envelopes
// are stored as JSON in per-message hashes, channel ordering in Redis
// lists, and acknowledgement times in a sorted set that drives retention
// pruning. The broker's delivery semantics are identical to the in-memory
// transport; only storage durability differs.
package redisstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"

	"github.com/blueflyio/agentbus"
)

const TransportName = "redis"

func init() {
	if err := agentbus.RegisterTransport(TransportName, func(cfg map[string]any) (agentbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("agentbus/redisstore: failed to register transport %q: %w", TransportName, err))
	}
}

// Hash field constants (avoid typos/allocs)
const (
	fieldChannel  = "channel"
	fieldEnvelope = "envelope"
	fieldAcked    = "acked"
	fieldAckedAt  = "ackedAt" // int64 ns
)

// Config for the Redis transport.
type Config struct {
	// Client options
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// KeyPrefix namespaces all keys (default: "agentbus").
	KeyPrefix string

	// MaxMessages bounds stored messages per channel (default: 10000).
	MaxMessages int64
	// Retention is how long acknowledged messages are kept (default: 1h).
	Retention time.Duration
	// SweepInterval is how often retention pruning runs (default: 1m).
	// Zero disables sweeping.
	SweepInterval time.Duration

	// Clock is the time source; defaults to the process clock.
	Clock xclock.Clock
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
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
		}
		return d
	}
	getInt64 := func(k string, d int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return d
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
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
		Addr:          getString("addr", "127.0.0.1:6379"),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),

		KeyPrefix:     getString("key_prefix", "agentbus"),
		MaxMessages:   getInt64("max_messages", 10000),
		Retention:     getDur("retention", time.Hour),
		SweepInterval: getDur("sweep_interval", time.Minute),
	}
	if clk, ok := cfg["clock"].(xclock.Clock); ok {
		c.Clock = clk
	}
	return c
}

type transport struct {
	cfg    Config
	client *redis.Client
	clock  xclock.Clock

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

var _ agentbus.Transport = (*transport)(nil)

// NewTransport connects to Redis, verifies the connection, and starts the
// retention sweeper.
func NewTransport(cfg Config) (agentbus.Transport, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "agentbus"
	}
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

	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", cfg.Addr, err)
	}

	t := &transport{
		cfg:    cfg,
		client: client,
		clock:  clock,
		closed: make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		t.wg.Add(1)
		go t.sweepLoop()
	}
	return t, nil
}

func (t *transport) msgKey(id string) string {
	return t.cfg.KeyPrefix + ":msg:" + id
}

func (t *transport) chanKey(channel string) string {
	return t.cfg.KeyPrefix + ":chan:" + channel
}

func (t *transport) ackedKey() string {
	return t.cfg.KeyPrefix + ":acked"
}

func (t *transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Append stores the envelope and pushes its id on the channel list,
// evicting the oldest ids past the per-channel bound.
func (t *transport) Append(ctx context.Context, msg *agentbus.Message) error {
	if t.isClosed() {
		return agentbus.ErrClosed
	}
	if msg == nil {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisstore: encode message %s: %w", msg.ID, err)
	}

	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, t.msgKey(msg.ID), map[string]any{
		fieldChannel:  msg.Channel,
		fieldEnvelope: body,
		fieldAcked:    "0",
	})
	pipe.RPush(ctx, t.chanKey(msg.Channel), msg.ID)
	llen := pipe.LLen(ctx, t.chanKey(msg.Channel))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: append %s: %w", msg.ID, err)
	}

	overflow := llen.Val() - t.cfg.MaxMessages
	if overflow <= 0 {
		return nil
	}
	evicted, err := t.client.LPopCount(ctx, t.chanKey(msg.Channel), int(overflow)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redisstore: evict %s: %w", msg.Channel, err)
	}
	return t.deleteIDs(ctx, evicted)
}

// Ack marks a stored message acknowledged and records the ack time for the
// retention sweeper. Unknown ids are a no-op.
func (t *transport) Ack(ctx context.Context, id string) error {
	if t.isClosed() {
		return agentbus.ErrClosed
	}
	exists, err := t.client.Exists(ctx, t.msgKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redisstore: ack %s: %w", id, err)
	}
	if exists == 0 {
		return nil
	}
	now := t.clock.Now()
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, t.msgKey(id), map[string]any{
		fieldAcked:   "1",
		fieldAckedAt: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.ZAdd(ctx, t.ackedKey(), redis.Z{Score: float64(now.UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: ack %s: %w", id, err)
	}
	return nil
}

// Remove deletes a stored message and returns it, or nil when unknown.
func (t *transport) Remove(ctx context.Context, id string) (*agentbus.Message, error) {
	if t.isClosed() {
		return nil, agentbus.ErrClosed
	}
	msg, err := t.Get(ctx, id)
	if err != nil || msg == nil {
		return nil, err
	}
	pipe := t.client.TxPipeline()
	pipe.LRem(ctx, t.chanKey(msg.Channel), 1, id)
	pipe.Del(ctx, t.msgKey(id))
	pipe.ZRem(ctx, t.ackedKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisstore: remove %s: %w", id, err)
	}
	return msg, nil
}

// Get returns a stored message, or nil when unknown.
func (t *transport) Get(ctx context.Context, id string) (*agentbus.Message, error) {
	if t.isClosed() {
		return nil, agentbus.ErrClosed
	}
	body, err := t.client.HGet(ctx, t.msgKey(id), fieldEnvelope).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", id, err)
	}
	var msg agentbus.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("redisstore: decode message %s: %w", id, err)
	}
	return &msg, nil
}

// Messages returns a channel's stored messages in arrival order.
func (t *transport) Messages(ctx context.Context, channel string) ([]*agentbus.Message, error) {
	if t.isClosed() {
		return nil, agentbus.ErrClosed
	}
	ids, err := t.client.LRange(ctx, t.chanKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list %s: %w", channel, err)
	}
	out := make([]*agentbus.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := t.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

// DropChannel discards all messages stored for a channel.
func (t *transport) DropChannel(ctx context.Context, channel string) error {
	if t.isClosed() {
		return agentbus.ErrClosed
	}
	ids, err := t.client.LRange(ctx, t.chanKey(channel), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redisstore: drop %s: %w", channel, err)
	}
	if err := t.deleteIDs(ctx, ids); err != nil {
		return err
	}
	if err := t.client.Del(ctx, t.chanKey(channel)).Err(); err != nil {
		return fmt.Errorf("redisstore: drop %s: %w", channel, err)
	}
	return nil
}

// Close stops the sweeper and releases the client. Stored messages survive
// in Redis. Idempotent.
func (t *transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.wg.Wait()
		err = t.client.Close()
	})
	return err
}

func (t *transport) deleteIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := t.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, t.msgKey(id))
		pipe.ZRem(ctx, t.ackedKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: delete messages: %w", err)
	}
	return nil
}

func (t *transport) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			t.sweep(ctx)
			cancel()
		}
	}
}

// sweep prunes acknowledged messages older than the retention window.
// Unacknowledged messages are only ever removed by channel-bound eviction.
func (t *transport) sweep(ctx context.Context) {
	cutoff := t.clock.Now().Add(-t.cfg.Retention).UnixNano()
	ids, err := t.client.ZRangeByScore(ctx, t.ackedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		channel, err := t.client.HGet(ctx, t.msgKey(id), fieldChannel).Result()
		if err == nil && channel != "" {
			t.client.LRem(ctx, t.chanKey(channel), 1, id)
		}
		t.client.Del(ctx, t.msgKey(id))
		t.client.ZRem(ctx, t.ackedKey(), id)
	}
}
