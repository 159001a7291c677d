// Package bus is the in-process message bus agents use to talk to each
// other.
//
// # Overview
//
// Every agent registers a bounded mailbox. Messages are routed by type:
//
//   - broadcast: every registered agent
//   - publish: subscribers of Message.Topic
//   - event, command, notification: the agents named in Message.Targets
//
// If nobody matches and Message.Topic names a logical type, the
// least-loaded instance of that pool receives the message.
//
// # Delivery
//
// Each recipient gets its own copy. Publish waits up to EnqueueTimeout for
// mailbox space; on failure the copy goes to a retry queue with
// exponential backoff and, once MaxRetries is exceeded, to the dead-letter
// queue. Publish never reports delivery failures to the caller.
//
//	b := bus.NewMemoryBus(bus.DefaultConfig())
//	b.Start(ctx)
//	defer b.Close()
//
//	b.Register("pricer-1", bus.WithLogicalType("pricer"))
//	b.Subscribe("pricer-1", "quotes")
//	b.Publish(ctx, &bus.Message{Type: bus.TypePublish, Topic: "quotes", Event: "tick"})
//
//	msg, err := b.GetNextMessage(ctx, "pricer-1", time.Second)
//
// Agents registered WithHandler have their mailbox pumped by the bus
// instead of polling GetNextMessage.
//
// # Dead letters
//
// Undeliverable copies are kept in memory (DeadLetters) and forwarded to
// every DeadLetterSink by a background processor. Reasons are
// no_recipients, queue_full and bus_closed.
package bus
