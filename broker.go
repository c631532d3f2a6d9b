package agentbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/time/rate"
)

// Broker is the central facade: it validates envelopes, stores them through
// the Transport, drives delivery to matching subscriptions in priority
// order, guards handlers with a timeout, and routes exhausted deliveries to
// the dead-letter channel via the RetryScheduler.
//
// The broker exclusively owns the channel table, the subscription table and
// the stored messages; callers only ever receive snapshots and opaque
// handles. One broker instance per transport.
type Broker struct {
	registry  *ChannelRegistry
	matcher   *SubscriptionMatcher
	scheduler *RetryScheduler
	transport Transport
	clock     xclock.Clock
	logger    *xlog.Logger
	receipts  *receiptLog

	middlewares []Middleware

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	observersMu sync.RWMutex
	observers   []Observer
	pool        *ObserverPool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	metrics   brokerMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

type brokerMetrics struct {
	published    atomic.Uint64
	delivered    atomic.Uint64
	acknowledged atomic.Uint64
	nacked       atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	expired      atomic.Uint64
}

// BrokerMetrics is a snapshot of broker counters.
type BrokerMetrics struct {
	Published     uint64
	Delivered     uint64
	Acknowledged  uint64
	Nacked        uint64
	Failed        uint64
	Retried       uint64
	DeadLettered  uint64
	Expired       uint64
	EventsDropped uint64
}

// Channels exposes the channel registry for queries: Get, List, Exists,
// ByType, FindByPattern, Update.
func (b *Broker) Channels() *ChannelRegistry { return b.registry }

// Publish validates the message envelope, stores it on the channel, and
// synchronously drives delivery to all currently-matching subscriptions in
// priority order. It returns once delivery has been attempted for every
// match; per-subscriber failures never surface here. The publisher only
// sees an error for a malformed envelope, a rate-limited or misconfigured
// channel, or a closed broker.
func (b *Broker) Publish(ctx context.Context, channel string, msg *Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if msg == nil {
		return validationErr("message", "nil message")
	}
	if channel == "" {
		channel = msg.Channel
	}
	if msg.Channel == "" {
		msg.Channel = channel
	}
	if msg.Channel != channel {
		return validationErr("message", "channel mismatch: publishing to %q but envelope says %q", channel, msg.Channel)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.clock.Now()
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	ch, err := b.ensureChannel(channel)
	if err != nil {
		return err
	}
	if lim := b.limiter(ch); lim != nil && !lim.Allow() {
		return ErrRateLimited
	}

	if err := b.transport.Append(ctx, msg); err != nil {
		return err
	}
	b.metrics.published.Add(1)
	b.receipts.record(DeliveryReceipt{
		MessageID: msg.ID,
		Status:    StatusAccepted,
		Timestamp: b.clock.Now(),
		Channel:   channel,
	})
	b.notify(Event{Type: EventPublished, Channel: channel, MessageID: msg.ID})

	for _, sub := range b.matcher.Find(channel) {
		b.deliver(ctx, sub, ch, msg, 1)
	}
	return nil
}

// PublishBatch publishes messages to one channel in order, stopping at the
// first structural error.
func (b *Broker) PublishBatch(ctx context.Context, channel string, msgs ...*Message) error {
	for _, msg := range msgs {
		if err := b.Publish(ctx, channel, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a subscription and returns a handle carrying the
// unsubscribe capability. The target channel need not exist yet; publishers
// may create it afterward.
func (b *Broker) Subscribe(sub Subscription, h Handler) (*SubscriptionHandle, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if h == nil {
		return nil, validationErr("subscription", "nil handler")
	}
	if err := ValidatePattern(sub.Pattern); err != nil {
		return nil, err
	}
	if sub.Priority == "" {
		sub.Priority = PriorityNormal
	}
	if !sub.Priority.valid() {
		return nil, validationErr("subscription", "unknown priority %q", sub.Priority)
	}
	if sub.Config == (SubscriptionConfig{}) {
		sub.Config = DefaultSubscriptionConfig()
	}
	if sub.Config.Timeout <= 0 {
		sub.Config.Timeout = DefaultHandlerTimeout
	}
	if sub.Config.MaxRetries < 0 {
		return nil, validationErr("subscription", "max retries must be >= 0")
	}
	if sub.Config.MaxConcurrent < 0 {
		return nil, validationErr("subscription", "max concurrent must be >= 0")
	}
	if err := sub.Config.Backoff.validate(); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	s := &subscription{
		Subscription: sub,
		handler:      Chain(RecoveryMiddleware()(h), b.middlewares...),
	}
	if sub.Config.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, sub.Config.MaxConcurrent)
	}
	b.matcher.add(s)

	id := sub.ID
	return &SubscriptionHandle{id: id, unsubscribe: func() { b.Unsubscribe(id) }}, nil
}

// Unsubscribe removes a subscription by id. Idempotent: unknown ids are a
// no-op.
func (b *Broker) Unsubscribe(id string) {
	b.matcher.remove(id)
}

// Subscription returns a snapshot of a live subscription.
func (b *Broker) Subscription(id string) (Subscription, error) {
	s, ok := b.matcher.get(id)
	if !ok {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return s.Subscription, nil
}

// CreateChannel registers a channel definition.
func (b *Broker) CreateChannel(ch Channel) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.registry.Create(ch); err != nil {
		return err
	}
	b.notify(Event{Type: EventChannelCreated, Channel: ch.Name})
	return nil
}

// DeleteChannel removes a channel, all subscriptions matching it, and its
// stored messages.
func (b *Broker) DeleteChannel(name string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.registry.Delete(name); err != nil {
		return err
	}
	b.matcher.dropChannel(name)
	if err := b.transport.DropChannel(b.baseCtx, name); err != nil {
		b.logger.Warn().Err(err).Msg("agentbus: drop channel storage failed")
	}
	b.notify(Event{Type: EventChannelDeleted, Channel: name})
	return nil
}

// Acknowledge marks a stored message acknowledged. Unknown ids are a no-op.
func (b *Broker) Acknowledge(ctx context.Context, messageID string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	msg, err := b.transport.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	if err := b.transport.Ack(ctx, messageID); err != nil {
		return err
	}
	b.metrics.acknowledged.Add(1)
	b.receipts.record(DeliveryReceipt{
		MessageID: messageID,
		Status:    StatusAcknowledged,
		Timestamp: b.clock.Now(),
		Channel:   msg.Channel,
	})
	b.notify(Event{Type: EventAcknowledged, Channel: msg.Channel, MessageID: messageID})
	return nil
}

// Nack negatively acknowledges a stored message. With requeue the message
// is left in place for redelivery; without it the message is removed and
// republished unchanged to "<channel>.dlq". Unknown ids are a no-op.
func (b *Broker) Nack(ctx context.Context, messageID string, requeue bool) error {
	if b.closed.Load() {
		return ErrClosed
	}

	if requeue {
		msg, err := b.transport.Get(ctx, messageID)
		if err != nil || msg == nil {
			return err
		}
		b.metrics.nacked.Add(1)
		b.receipts.record(DeliveryReceipt{
			MessageID: messageID,
			Status:    StatusFailed,
			Timestamp: b.clock.Now(),
			Channel:   msg.Channel,
			Error:     &DeliveryError{Code: "nack_requeue", Message: "negative acknowledgement, requeued", Retryable: true},
		})
		b.notify(Event{Type: EventNacked, Channel: msg.Channel, MessageID: messageID})
		return nil
	}

	msg, err := b.transport.Remove(ctx, messageID)
	if err != nil || msg == nil {
		return err
	}
	b.metrics.nacked.Add(1)
	b.receipts.record(DeliveryReceipt{
		MessageID: messageID,
		Status:    StatusRejected,
		Timestamp: b.clock.Now(),
		Channel:   msg.Channel,
		Error:     &DeliveryError{Code: "nack_rejected", Message: "negative acknowledgement, dead-lettered", Retryable: false},
	})
	b.notify(Event{Type: EventNacked, Channel: msg.Channel, MessageID: messageID})
	b.republishToDLQ(ctx, msg, DeadLetterName(msg.Channel))
	return nil
}

// Receipts returns the recorded delivery receipts for a message.
func (b *Broker) Receipts(messageID string) []DeliveryReceipt {
	return b.receipts.forMessage(messageID)
}

// Metrics returns a snapshot of broker counters.
func (b *Broker) Metrics() BrokerMetrics {
	m := BrokerMetrics{
		Published:    b.metrics.published.Load(),
		Delivered:    b.metrics.delivered.Load(),
		Acknowledged: b.metrics.acknowledged.Load(),
		Nacked:       b.metrics.nacked.Load(),
		Failed:       b.metrics.failed.Load(),
		Retried:      b.metrics.retried.Load(),
		DeadLettered: b.metrics.deadLettered.Load(),
		Expired:      b.metrics.expired.Load(),
	}
	if b.pool != nil {
		m.EventsDropped = b.pool.Stats().Dropped
	}
	return m
}

// Close releases the retry scheduler, the observer pool and the transport.
// Pending retry timers are abandoned. Subsequent broker calls fail with
// ErrClosed. Idempotent.
func (b *Broker) Close(ctx context.Context) error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.notify(Event{Type: EventClosed})
		b.baseCancel()
		b.scheduler.Stop()

		if b.pool != nil {
			if err := b.pool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("agentbus: observer pool shutdown timeout")
				closeErr = err
			}
		}
		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("agentbus: transport close failed")
			closeErr = err
		}
	})
	return closeErr
}

// AddObserver registers an observer for broker events.
func (b *Broker) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes a previously added observer.
func (b *Broker) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

func (b *Broker) notify(e Event) {
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.pool != nil {
		b.pool.Notify(e, observers)
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// ensureChannel returns the channel config, auto-creating unknown channels
// with a type inferred from the name. This keeps publish late-binding
// symmetric with Subscribe and covers DLQ auto-creation.
func (b *Broker) ensureChannel(name string) (Channel, error) {
	ch, err := b.registry.Get(name)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, ErrChannelNotFound) {
		return Channel{}, err
	}
	createErr := b.registry.Create(Channel{Name: name, Type: inferChannelType(name)})
	if createErr != nil && !errors.Is(createErr, ErrChannelExists) {
		return Channel{}, createErr
	}
	if createErr == nil {
		b.notify(Event{Type: EventChannelCreated, Channel: name})
	}
	return b.registry.Get(name)
}

func (b *Broker) limiter(ch Channel) *rate.Limiter {
	r := ch.Capacity.RatePerSecond
	if r <= 0 {
		return nil
	}
	b.limitersMu.Lock()
	defer b.limitersMu.Unlock()
	lim, ok := b.limiters[ch.Name]
	if !ok {
		burst := int(r)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(r), burst)
		b.limiters[ch.Name] = lim
	}
	return lim
}

// deliver runs one delivery attempt for one subscription. attempt counts
// from 1 and includes retries.
func (b *Broker) deliver(ctx context.Context, sub *subscription, ch Channel, msg *Message, attempt int) {
	if b.closed.Load() || !b.matcher.live(sub.ID) {
		return
	}
	// Non-matching filters skip silently, no receipt.
	if !matchesFilter(msg, sub.Filter) {
		return
	}

	if msg.Expired(b.clock.Now()) {
		b.metrics.expired.Add(1)
		b.receipts.record(DeliveryReceipt{
			MessageID:  msg.ID,
			Status:     StatusExpired,
			Timestamp:  b.clock.Now(),
			Subscriber: sub.ID,
			Channel:    msg.Channel,
			Attempt:    attempt,
		})
		if _, err := b.transport.Remove(ctx, msg.ID); err != nil {
			b.logger.Warn().Err(err).Msg("agentbus: expired message removal failed")
		}
		b.notify(Event{Type: EventExpired, Channel: msg.Channel, MessageID: msg.ID, Subscription: sub.ID})
		return
	}

	if sub.sem != nil {
		select {
		case sub.sem <- struct{}{}:
			defer func() { <-sub.sem }()
		case <-ctx.Done():
			return
		}
	}

	timeout := sub.Config.Timeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := b.clock.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- sub.handler(hctx, msg)
	}()

	var herr *HandlerError
	select {
	case err := <-errCh:
		if err != nil {
			herr = &HandlerError{Subscription: sub.ID, Err: err}
		}
	case <-hctx.Done():
		// Abandon the in-flight handler; its side effects are not rolled
		// back and its eventual return value is discarded.
		herr = &HandlerError{Subscription: sub.ID, Err: hctx.Err(), Timeout: true}
	}
	elapsed := b.clock.Since(start)

	if herr == nil {
		b.metrics.delivered.Add(1)
		b.receipts.record(DeliveryReceipt{
			MessageID:      msg.ID,
			Status:         StatusDelivered,
			Timestamp:      b.clock.Now(),
			Subscriber:     sub.ID,
			Channel:        msg.Channel,
			Attempt:        attempt,
			ProcessingTime: elapsed,
		})
		b.notify(Event{Type: EventDelivered, Channel: msg.Channel, MessageID: msg.ID, Subscription: sub.ID, Attempt: attempt, Duration: elapsed})

		if sub.Config.AutoAck {
			if err := b.transport.Ack(ctx, msg.ID); err != nil {
				b.logger.Warn().Err(err).Msg("agentbus: auto-ack failed")
				return
			}
			b.metrics.acknowledged.Add(1)
			b.receipts.record(DeliveryReceipt{
				MessageID:  msg.ID,
				Status:     StatusAcknowledged,
				Timestamp:  b.clock.Now(),
				Subscriber: sub.ID,
				Channel:    msg.Channel,
				Attempt:    attempt,
			})
			b.notify(Event{Type: EventAcknowledged, Channel: msg.Channel, MessageID: msg.ID, Subscription: sub.ID})
		}
		return
	}

	b.metrics.failed.Add(1)
	b.logger.Warn().Err(herr).
		Msg("agentbus: delivery failed")
	code := "handler_error"
	if herr.Timeout {
		code = "handler_timeout"
	}
	b.receipts.record(DeliveryReceipt{
		MessageID:      msg.ID,
		Status:         StatusFailed,
		Timestamp:      b.clock.Now(),
		Subscriber:     sub.ID,
		Channel:        msg.Channel,
		Attempt:        attempt,
		ProcessingTime: elapsed,
		Error:          &DeliveryError{Code: code, Message: herr.Error(), Retryable: sub.Config.RetryOnError},
	})
	b.notify(Event{Type: EventError, Channel: msg.Channel, MessageID: msg.ID, Subscription: sub.ID, Attempt: attempt, Err: herr})

	if !sub.Config.RetryOnError {
		// Message stays in channel storage, unacknowledged, until pruned.
		return
	}

	retries := msg.retryCount()
	if retries < b.maxRetriesFor(sub, ch, msg) {
		delay := b.backoffFor(sub, ch, msg).Delay(retries)
		next := msg.withRetryCount(retries + 1)
		if err := b.scheduler.Schedule(delay, func() {
			b.deliver(b.baseCtx, sub, ch, next, attempt+1)
		}); err == nil {
			b.metrics.retried.Add(1)
			b.notify(Event{Type: EventRetryScheduled, Channel: msg.Channel, MessageID: msg.ID, Subscription: sub.ID, Attempt: attempt, Delay: delay})
		}
		return
	}

	if sub.Config.DeadLetter {
		b.deadLetter(ctx, ch, msg, herr)
	}
}

// maxRetriesFor resolves the retry limit: message QoS override, then the
// subscription, then the channel QoS default.
func (b *Broker) maxRetriesFor(sub *subscription, ch Channel, msg *Message) int {
	if msg.QoS != nil && msg.QoS.MaxRetries > 0 {
		return msg.QoS.MaxRetries
	}
	if sub.Config.MaxRetries > 0 {
		return sub.Config.MaxRetries
	}
	return ch.QoS.MaxRetries
}

// backoffFor resolves the backoff descriptor: message QoS override, then
// the subscription, then the channel QoS, then the defaults.
func (b *Broker) backoffFor(sub *subscription, ch Channel, msg *Message) BackoffPolicy {
	if msg.QoS != nil && !msg.QoS.Backoff.IsZero() {
		return msg.QoS.Backoff
	}
	if !sub.Config.Backoff.IsZero() {
		return sub.Config.Backoff
	}
	if !ch.QoS.Backoff.IsZero() {
		return ch.QoS.Backoff
	}
	return BackoffPolicy{}
}

// deadLetter moves a message whose retries are exhausted to the channel's
// dead-letter target and drives delivery to the target's subscribers.
func (b *Broker) deadLetter(ctx context.Context, ch Channel, msg *Message, cause *HandlerError) {
	if IsDeadLetterName(msg.Channel) {
		// Never dead-letter a dead-letter channel; that way lies an
		// unbounded .dlq.dlq chain on a poison message.
		b.logger.Warn().Err(cause).Msg("agentbus: dead-letter delivery exhausted, dropping")
		return
	}

	target := DeadLetterName(msg.Channel)
	if ch.Capacity.DeadLetterEnabled && ch.Capacity.DeadLetterChannel != "" {
		target = ch.Capacity.DeadLetterChannel
	}

	b.receipts.record(DeliveryReceipt{
		MessageID: msg.ID,
		Status:    StatusRejected,
		Timestamp: b.clock.Now(),
		Channel:   msg.Channel,
		Error:     &DeliveryError{Code: "retries_exhausted", Message: cause.Error(), Retryable: false},
	})
	if _, err := b.transport.Remove(ctx, msg.ID); err != nil {
		b.logger.Warn().Err(err).Msg("agentbus: dead-letter removal failed")
	}
	b.republishToDLQ(ctx, msg, target)
}

// republishToDLQ appends the message unchanged (bar the channel name) to
// the dead-letter target and delivers it to the target's subscribers.
func (b *Broker) republishToDLQ(ctx context.Context, msg *Message, target string) {
	dlCh, err := b.ensureChannel(target)
	if err != nil {
		b.logger.Error().Err(err).Msg("agentbus: dead-letter channel creation failed")
		return
	}

	dl := *msg
	dl.Channel = target
	if err := b.transport.Append(ctx, &dl); err != nil {
		b.logger.Error().Err(err).Msg("agentbus: dead-letter append failed")
		return
	}
	b.metrics.deadLettered.Add(1)
	b.notify(Event{Type: EventDeadLettered, Channel: target, MessageID: dl.ID})

	for _, sub := range b.matcher.Find(target) {
		b.deliver(ctx, sub, dlCh, &dl, 1)
	}
}
