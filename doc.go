// Package agentbus provides asynchronous agent-to-agent messaging: named
// channels with QoS and capacity configuration, wildcard pattern
// subscriptions, and delivery guarantees (ack/nack, retry with backoff,
// dead-letter routing).
//
// The central type is Broker, a facade over a pluggable Transport strategy.
// Transports own message storage only; channel registration, subscription
// matching, timeout-guarded handler invocation, retry scheduling and
// dead-letter routing are driven by the broker itself, so every transport
// exposes identical delivery semantics.
//
// Channel names are dot-delimited, lowercase, and prefixed "agents.":
//
//	direct:    agents.{agent-id}.{message-type}
//	topic:     agents.{topic}.{event-type}
//	broadcast: agents.broadcast.{event-type}
//
// Subscription patterns use "*" for exactly one segment and "#" for zero or
// more trailing segments. Messages that exhaust their retries are republished
// unchanged to "<channel>.dlq".
//
// Example:
//
//	broker, _ := agentbus.New(memory.TransportName, map[string]any{
//	    "max_messages": 10000,
//	})
//	defer broker.Close(context.Background())
//
//	handle, _ := broker.Subscribe(agentbus.Subscription{
//	    Pattern:  "agents.*.task-created",
//	    Priority: agentbus.PriorityHigh,
//	}, func(ctx context.Context, msg *agentbus.Message) error {
//	    return process(msg)
//	})
//	defer handle.Unsubscribe()
//
//	_ = broker.Publish(ctx, "agents.planner.task-created", &agentbus.Message{
//	    Sender:  "ossa://agents/planner",
//	    Type:    "task-created",
//	    Payload: map[string]any{"task": "t-1"},
//	})
package agentbus
