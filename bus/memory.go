package bus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	swarmerr "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/telemetry"
)

// MemoryBus implements MessageBus with per-agent bounded mailboxes.
type MemoryBus struct {
	config Config
	logger *logging.Logger

	mu     sync.RWMutex
	agents map[string]*agentHandle
	topics map[string]map[string]struct{} // topic -> agent ids

	balancer *balancer
	retries  *retryQueue
	dlq      *deadLetterQueue
	stats    counters

	sinksMu sync.RWMutex
	sinks   []DeadLetterSink

	// ctx is canceled by Close and bounds pumps, redeliveries and loops.
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	closed  atomic.Bool
	loopsMu sync.Mutex
	loops   *errgroup.Group
	workers sync.WaitGroup // handler pumps and redeliveries
}

type agentHandle struct {
	id          string
	logicalType string
	mailbox     *mailbox
	handler     Handler
	topics      map[string]struct{}
}

var _ MessageBus = (*MemoryBus)(nil)

// NewMemoryBus creates a bus. Call Start to run retry, dead-letter,
// expiry and stats loops.
func NewMemoryBus(cfg Config) *MemoryBus {
	def := DefaultConfig()
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = def.EnqueueTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = def.BackoffUnit
	}
	if cfg.MaxBackoff < cfg.BackoffUnit {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.BackoffUnit)
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = def.DeadLetterCapacity
	}
	if cfg.ExpirySweepInterval <= 0 {
		cfg.ExpirySweepInterval = def.ExpirySweepInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("bus")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		config:   cfg,
		logger:   logger,
		agents:   make(map[string]*agentHandle),
		topics:   make(map[string]map[string]struct{}),
		balancer: newBalancer(),
		retries:  newRetryQueue(),
		dlq:      newDeadLetterQueue(cfg.DeadLetterCapacity),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the background loops. They stop when ctx is done or
// the bus is closed. Calling Start twice is a no-op.
func (b *MemoryBus) Start(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	context.AfterFunc(b.ctx, cancel)

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { b.retryLoop(gctx); return nil })
	g.Go(func() error { b.deadLetterLoop(gctx); return nil })
	g.Go(func() error { b.expiryLoop(gctx); return nil })
	if b.config.StatsInterval > 0 {
		g.Go(func() error { b.statsLoop(gctx); return nil })
	}

	b.loopsMu.Lock()
	b.loops = g
	b.loopsMu.Unlock()
	return nil
}

// --- Registration ---

// Register creates a mailbox for agentID.
func (b *MemoryBus) Register(agentID string, opts ...RegisterOption) error {
	if agentID == "" {
		return swarmerr.InvalidInput("agent id is required")
	}

	o := registerOptions{mailboxSize: b.config.MailboxSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mailboxSize <= 0 {
		o.mailboxSize = b.config.MailboxSize
	}

	h := &agentHandle{
		id:          agentID,
		logicalType: o.logicalType,
		mailbox:     newMailbox(o.mailboxSize),
		handler:     o.handler,
		topics:      make(map[string]struct{}),
	}

	b.mu.Lock()
	// Checked under mu so Close either sees this agent or we see closed.
	if b.closed.Load() {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, exists := b.agents[agentID]; exists {
		b.mu.Unlock()
		return swarmerr.AlreadyExists("agent "+agentID+" already registered", swarmerr.WithAgentID(agentID))
	}
	b.agents[agentID] = h
	b.balancer.add(agentID, o.logicalType, h.mailbox)
	if h.handler != nil {
		b.workers.Add(1)
		go b.pump(h)
	}
	b.mu.Unlock()

	b.logger.Debug("agent_registered", map[string]interface{}{
		"agent": agentID,
		"type":  o.logicalType,
	})
	return nil
}

// Unregister removes the agent, its subscriptions and pool membership.
// Messages still queued for it are dropped.
func (b *MemoryBus) Unregister(agentID string) error {
	b.mu.Lock()
	h, ok := b.agents[agentID]
	if !ok {
		b.mu.Unlock()
		return swarmerr.NotFound("agent "+agentID+" not registered", swarmerr.WithAgentID(agentID))
	}
	delete(b.agents, agentID)
	for topic := range h.topics {
		b.removeSubscriberLocked(topic, agentID)
	}
	b.mu.Unlock()

	b.balancer.remove(agentID, h.logicalType)
	if dropped := h.mailbox.close(); dropped > 0 {
		b.stats.dropped.Add(uint64(dropped))
	}

	b.logger.Debug("agent_unregistered", map[string]interface{}{"agent": agentID})
	return nil
}

// Subscribe adds agentID to the audience of topic.
func (b *MemoryBus) Subscribe(agentID, topic string) error {
	if topic == "" {
		return swarmerr.InvalidInput("topic is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.agents[agentID]
	if !ok {
		return swarmerr.NotFound("agent "+agentID+" not registered", swarmerr.WithAgentID(agentID))
	}
	h.topics[topic] = struct{}{}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[string]struct{})
		b.topics[topic] = subs
	}
	subs[agentID] = struct{}{}
	return nil
}

// Unsubscribe removes agentID from the audience of topic.
func (b *MemoryBus) Unsubscribe(agentID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.agents[agentID]
	if !ok {
		return swarmerr.NotFound("agent "+agentID+" not registered", swarmerr.WithAgentID(agentID))
	}
	delete(h.topics, topic)
	b.removeSubscriberLocked(topic, agentID)
	return nil
}

func (b *MemoryBus) removeSubscriberLocked(topic, agentID string) {
	subs := b.topics[topic]
	if subs == nil {
		return
	}
	delete(subs, agentID)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// --- Publishing ---

// Publish routes msg. It fills in ID, CreatedAt, Type, Priority and
// MaxRetries when unset and returns the message id, also when the bus is
// closed. Every resolved recipient gets its own copy, enqueued before
// Publish returns or handed to the retry queue.
//
// Recipients are served one after another, each with its own
// EnqueueTimeout, so a fan-out to n full mailboxes blocks the caller for
// up to n*EnqueueTimeout.
func (b *MemoryBus) Publish(ctx context.Context, msg *Message) (string, error) {
	if msg == nil {
		return "", swarmerr.InvalidInput("message is required")
	}
	b.prepare(msg)
	if b.closed.Load() {
		return msg.ID, ErrClosed
	}
	b.stats.sent.Add(1)

	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartPublishSpan(ctx, string(msg.Type), msg.Topic, msg.Event)
	opts := telemetry.PublishSpanOptions{MessageID: msg.ID, PayloadBytes: len(msg.Payload)}

	recipients := b.resolve(msg)
	opts.Recipients = len(recipients)

	if len(recipients) == 0 {
		if msg.Type.IsFanout() {
			b.stats.dropped.Add(1)
			opts.Outcome = "dropped"
			b.logger.Debug("message_dropped", map[string]interface{}{
				"id":    msg.ID,
				"type":  msg.Type,
				"topic": msg.Topic,
			})
		} else {
			b.deadLetter(msg.Clone(), "", ReasonNoRecipients)
			opts.Outcome = "dead_lettered"
		}
		tracer.EndPublishSpan(span, opts, nil)
		return msg.ID, nil
	}

	for _, h := range recipients {
		b.deliver(ctx, h, msg.Clone())
	}
	opts.Outcome = "delivered"
	tracer.EndPublishSpan(span, opts, nil)
	return msg.ID, nil
}

func (b *MemoryBus) prepare(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Type == "" {
		msg.Type = TypeEvent
	}
	if msg.Priority == 0 {
		msg.Priority = PriorityNormal
	}
	msg.Priority = msg.Priority.Clamp()
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = b.config.MaxRetries
	}
	if len(msg.RoutingPath) == 0 && msg.Sender != "" {
		msg.RoutingPath = []string{msg.Sender}
	}
}

// resolve returns recipient handles sorted by agent id.
func (b *MemoryBus) resolve(msg *Message) []*agentHandle {
	b.mu.RLock()
	var out []*agentHandle
	switch msg.Type {
	case TypeBroadcast:
		for _, h := range b.agents {
			out = append(out, h)
		}
	case TypePublish:
		for id := range b.topics[msg.Topic] {
			if h, ok := b.agents[id]; ok {
				out = append(out, h)
			}
		}
	default:
		seen := make(map[string]bool, len(msg.Targets))
		for _, id := range msg.Targets {
			if h, ok := b.agents[id]; ok && !seen[id] {
				seen[id] = true
				out = append(out, h)
			}
		}
	}
	b.mu.RUnlock()

	if len(out) == 0 && msg.Topic != "" {
		if id, ok := b.balancer.pick(msg.Topic); ok {
			b.mu.RLock()
			if h, ok := b.agents[id]; ok {
				out = append(out, h)
			}
			b.mu.RUnlock()
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// deliver makes one bounded-wait enqueue attempt and schedules a retry
// or dead-letters the copy on failure.
func (b *MemoryBus) deliver(ctx context.Context, h *agentHandle, msg *Message) {
	msg.RoutingPath = append(msg.RoutingPath, h.id)
	if msg.ProcessingTimes == nil {
		msg.ProcessingTimes = make(map[string]time.Duration)
	}
	// Recorded before put: once enqueued the copy belongs to the consumer.
	msg.ProcessingTimes[h.id] = time.Since(msg.CreatedAt)

	err := h.mailbox.put(ctx, msg, b.config.EnqueueTimeout)
	switch {
	case err == nil:
		b.stats.delivered.Add(1)

	case errors.Is(err, ErrClosed):
		if b.closed.Load() {
			b.deadLetter(msg, h.id, ReasonBusClosed)
			return
		}
		// Recipient unregistered while we were waiting.
		b.stats.dropped.Add(1)

	default:
		// Mailbox full, or the publisher gave up waiting.
		b.stats.failed.Add(1)
		b.logger.Debug("delivery_failed", map[string]interface{}{
			"id":    msg.ID,
			"retry": msg.RetryCount,
			"error": swarmerr.DeliveryTimeout(h.id, swarmerr.WithMetadata("message_id", msg.ID), swarmerr.WithCause(err)).Error(),
		})
		if b.closed.Load() {
			b.deadLetter(msg, h.id, ReasonBusClosed)
			return
		}
		b.scheduleRetry(msg, h.id)
	}
}

func (b *MemoryBus) scheduleRetry(msg *Message, recipient string) {
	msg.RetryCount++
	if msg.RetryCount > msg.MaxRetries {
		b.deadLetter(msg, recipient, ReasonQueueFull)
		return
	}
	// Drop the recipient appended by the failed attempt; the redelivery
	// appends it again.
	if n := len(msg.RoutingPath); n > 0 && msg.RoutingPath[n-1] == recipient {
		msg.RoutingPath = msg.RoutingPath[:n-1]
	}
	delay := Backoff(msg.RetryCount, b.config.BackoffUnit, b.config.MaxBackoff)
	// The queue owns msg once pushed; the retry loop may redeliver it
	// before we log.
	id, retry := msg.ID, msg.RetryCount

	// Under mu so Close either drains this item or we see closed.
	b.mu.RLock()
	if b.closed.Load() {
		b.mu.RUnlock()
		b.deadLetter(msg, recipient, ReasonBusClosed)
		return
	}
	b.retries.push(msg, recipient, time.Now().Add(delay))
	b.mu.RUnlock()

	b.stats.retried.Add(1)
	b.logger.MessageRetried(id, retry, delay)
}

func (b *MemoryBus) deadLetter(msg *Message, recipient string, reason DeadLetterReason) {
	b.dlq.add(DeadLetter{
		ID:        uuid.NewString(),
		Message:   msg,
		Recipient: recipient,
		Reason:    reason,
		Err:       deadLetterError(msg, recipient, reason),
		Time:      time.Now(),
	})
	b.stats.deadLettered.Add(1)
}

func deadLetterError(msg *Message, recipient string, reason DeadLetterReason) *swarmerr.Error {
	switch reason {
	case ReasonNoRecipients:
		return swarmerr.RoutingFailure(msg.ID)
	case ReasonQueueFull:
		return swarmerr.RetriesExhausted(msg.ID, msg.RetryCount, swarmerr.WithAgentID(recipient))
	default:
		return swarmerr.Closed("bus")
	}
}

// Broadcast sends event to every registered agent.
func (b *MemoryBus) Broadcast(ctx context.Context, sender, event string, payload interface{}) (string, error) {
	data, err := EncodePayload(payload)
	if err != nil {
		return "", swarmerr.Wrap(err, "broadcast "+event, swarmerr.WithCategory(swarmerr.CategoryPermanent))
	}
	return b.Publish(ctx, &Message{
		Sender:  sender,
		Type:    TypeBroadcast,
		Event:   event,
		Payload: data,
	})
}

// SendDirect sends event to target. If target is not a registered agent
// but names a pool, the least-loaded instance receives it.
func (b *MemoryBus) SendDirect(ctx context.Context, sender, target, event string, payload interface{}) (string, error) {
	data, err := EncodePayload(payload)
	if err != nil {
		return "", swarmerr.Wrap(err, "send "+event, swarmerr.WithCategory(swarmerr.CategoryPermanent))
	}
	return b.Publish(ctx, &Message{
		Sender:  sender,
		Type:    TypeEvent,
		Topic:   target,
		Event:   event,
		Payload: data,
		Targets: []string{target},
	})
}

// SendCommand sends command to targets. requiresAck is carried for the
// receiver; the bus does not wait for acknowledgement.
func (b *MemoryBus) SendCommand(ctx context.Context, sender string, targets []string, command string, params interface{}, requiresAck bool) (string, error) {
	data, err := EncodePayload(params)
	if err != nil {
		return "", swarmerr.Wrap(err, "command "+command, swarmerr.WithCategory(swarmerr.CategoryPermanent))
	}
	return b.Publish(ctx, &Message{
		Sender:      sender,
		Type:        TypeCommand,
		Event:       command,
		Payload:     data,
		Targets:     append([]string(nil), targets...),
		RequiresAck: requiresAck,
		Priority:    PriorityHigh,
	})
}

// --- Consuming ---

// GetNextMessage pops the next unexpired message for agentID. A timeout
// of zero polls; a negative timeout waits until ctx is done.
func (b *MemoryBus) GetNextMessage(ctx context.Context, agentID string, timeout time.Duration) (*Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	b.mu.RLock()
	h, ok := b.agents[agentID]
	b.mu.RUnlock()
	if !ok {
		return nil, swarmerr.NotFound("agent "+agentID+" not registered", swarmerr.WithAgentID(agentID))
	}

	msg, expired, err := h.mailbox.get(ctx, timeout)
	b.countExpired(expired)
	if err != nil {
		if errors.Is(err, ErrClosed) && !b.closed.Load() {
			return nil, swarmerr.NotFound("agent "+agentID+" unregistered", swarmerr.WithAgentID(agentID))
		}
		return nil, err
	}
	return msg, nil
}

func (b *MemoryBus) countExpired(n int) {
	if n > 0 {
		b.stats.expired.Add(uint64(n))
	}
}

// pump feeds the agent's handler until its mailbox closes.
func (b *MemoryBus) pump(h *agentHandle) {
	defer b.workers.Done()
	for {
		msg, expired, err := h.mailbox.get(b.ctx, -1)
		b.countExpired(expired)
		if err != nil {
			return
		}
		b.invoke(h, msg)
	}
}

func (b *MemoryBus) invoke(h *agentHandle, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			err := swarmerr.RecoverPanic(r)
			b.logger.Error("handler_panic", map[string]interface{}{
				"agent": h.id,
				"id":    msg.ID,
				"event": msg.Event,
				"error": err.Error(),
			})
		}
	}()
	h.handler(b.ctx, msg)
}

// --- Background loops ---

func (b *MemoryBus) retryLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var fire <-chan time.Time
		if wait := b.retries.next(time.Now()); wait >= 0 {
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-b.retries.wake:
		case <-fire:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		for _, item := range b.retries.popDue(time.Now()) {
			b.redeliver(item)
		}
	}
}

func (b *MemoryBus) redeliver(item *retryItem) {
	if item.msg.Expired(time.Now()) {
		b.stats.expired.Add(1)
		return
	}
	// Add is made under mu so it cannot race with Close's Wait.
	b.mu.RLock()
	h, ok := b.agents[item.recipient]
	closed := b.closed.Load()
	if ok && !closed {
		b.workers.Add(1)
	}
	b.mu.RUnlock()
	switch {
	case closed:
		b.deadLetter(item.msg, item.recipient, ReasonBusClosed)
		return
	case !ok:
		b.stats.dropped.Add(1)
		return
	}

	go func() {
		defer b.workers.Done()
		b.deliver(b.ctx, h, item.msg)
	}()
}

func (b *MemoryBus) deadLetterLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.processDeadLetters()
			return
		case <-b.dlq.signal:
			b.processDeadLetters()
		}
	}
}

func (b *MemoryBus) processDeadLetters() {
	pending := b.dlq.takePending()
	if len(pending) == 0 {
		return
	}

	b.sinksMu.RLock()
	sinks := append([]DeadLetterSink(nil), b.sinks...)
	b.sinksMu.RUnlock()

	for _, dl := range pending {
		var err error
		if dl.Err != nil {
			err = dl.Err
		}
		b.logger.MessageDeadLettered(dl.Message.ID, string(dl.Reason), dl.Message.RetryCount, err)
		for _, sink := range sinks {
			if err := sink.HandleDeadLetter(dl); err != nil {
				b.logger.Warn("dead_letter_sink_failed", map[string]interface{}{
					"id":    dl.Message.ID,
					"error": err.Error(),
				})
			}
		}
	}
}

func (b *MemoryBus) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.sweepExpired(now)
		}
	}
}

func (b *MemoryBus) sweepExpired(now time.Time) {
	b.mu.RLock()
	handles := make([]*agentHandle, 0, len(b.agents))
	for _, h := range b.agents {
		handles = append(handles, h)
	}
	b.mu.RUnlock()

	purged := 0
	for _, h := range handles {
		purged += h.mailbox.sweep(now)
	}
	purged += b.retries.removeExpired(now)
	if purged > 0 {
		b.stats.expired.Add(uint64(purged))
		b.logger.Debug("messages_expired", map[string]interface{}{"count": purged})
	}
}

func (b *MemoryBus) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := b.stats.snapshot()
			b.logger.BusStats(s.Sent, s.Delivered, s.Failed, s.Retried, s.DeadLettered, s.Dropped)
		}
	}
}

// --- Inspection ---

// AddDeadLetterSink registers sink for dead letters recorded from now on.
func (b *MemoryBus) AddDeadLetterSink(sink DeadLetterSink) {
	b.sinksMu.Lock()
	b.sinks = append(b.sinks, sink)
	b.sinksMu.Unlock()
}

// DeadLetters returns the retained dead letters, oldest first.
func (b *MemoryBus) DeadLetters() []DeadLetter {
	return b.dlq.list()
}

// Stats returns a counter snapshot.
func (b *MemoryBus) Stats() Stats {
	s := b.stats.snapshot()
	b.mu.RLock()
	s.Agents = len(b.agents)
	s.Topics = len(b.topics)
	b.mu.RUnlock()
	s.PendingRetries = b.retries.len()
	s.DeadLetters = b.dlq.len()
	return s
}

// Load returns the number of messages queued for agentID.
func (b *MemoryBus) Load(agentID string) int {
	return b.balancer.load(agentID)
}

// Agents returns registered agent ids, sorted.
func (b *MemoryBus) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.agents))
	for id := range b.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pool returns the instances registered under logicalType, sorted.
func (b *MemoryBus) Pool(logicalType string) []string {
	return b.balancer.members(logicalType)
}

// Subscribers returns the audience of topic, sorted.
func (b *MemoryBus) Subscribers(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.topics[topic]))
	for id := range b.topics[topic] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- Shutdown ---

// Close stops the loops, dead-letters pending retries as bus_closed and
// closes every mailbox. Safe to call more than once.
func (b *MemoryBus) Close() error {
	// Set under mu: Register, scheduleRetry and redeliver check closed
	// while holding it.
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil
	}
	b.closed.Store(true)
	handles := make([]*agentHandle, 0, len(b.agents))
	for _, h := range b.agents {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, item := range b.retries.drain() {
		b.deadLetter(item.msg, item.recipient, ReasonBusClosed)
	}
	for _, h := range handles {
		if dropped := h.mailbox.close(); dropped > 0 {
			b.stats.dropped.Add(uint64(dropped))
		}
	}

	b.cancel()
	b.workers.Wait()

	b.loopsMu.Lock()
	g := b.loops
	b.loopsMu.Unlock()
	if g != nil {
		g.Wait()
	}
	// Redeliveries that lost the race with Close recorded bus_closed
	// letters after the processor exited.
	b.processDeadLetters()

	b.logger.Debug("bus_closed", nil)
	return nil
}
