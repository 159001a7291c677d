package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/swarmbus/logging"
)

// Common errors.
var (
	ErrClosed  = errors.New("bus closed")
	ErrTimeout = errors.New("receive timeout")
)

// Handler consumes messages pumped from an agent's mailbox in FIFO order.
type Handler func(ctx context.Context, msg *Message)

// MessageBus routes envelopes between registered agents.
type MessageBus interface {
	// Register creates a mailbox for agentID.
	Register(agentID string, opts ...RegisterOption) error

	// Unregister removes the agent. Queued messages are dropped.
	Unregister(agentID string) error

	// Subscribe adds agentID to the audience of topic.
	Subscribe(agentID, topic string) error

	// Unsubscribe removes agentID from the audience of topic.
	Unsubscribe(agentID, topic string) error

	// Publish routes msg and returns its id. Delivery failures are
	// retried and dead-lettered, never returned. After Close the id is
	// still assigned and returned together with ErrClosed.
	Publish(ctx context.Context, msg *Message) (string, error)

	// Broadcast sends event to every registered agent.
	Broadcast(ctx context.Context, sender, event string, payload interface{}) (string, error)

	// SendDirect sends event to a single agent.
	SendDirect(ctx context.Context, sender, target, event string, payload interface{}) (string, error)

	// SendCommand sends a command to the given agents.
	SendCommand(ctx context.Context, sender string, targets []string, command string, params interface{}, requiresAck bool) (string, error)

	// GetNextMessage pops the next message for agentID, waiting up to timeout.
	GetNextMessage(ctx context.Context, agentID string, timeout time.Duration) (*Message, error)

	// AddDeadLetterSink registers a consumer for dead letters.
	AddDeadLetterSink(sink DeadLetterSink)

	// DeadLetters returns the retained dead letters, oldest first.
	DeadLetters() []DeadLetter

	// Stats returns a counter snapshot.
	Stats() Stats

	// Load returns the number of messages queued for agentID.
	Load(agentID string) int

	// Agents returns registered agent ids, sorted.
	Agents() []string

	// Pool returns the instances registered under logicalType, sorted.
	Pool(logicalType string) []string

	// Subscribers returns the audience of topic, sorted.
	Subscribers(topic string) []string

	// Close stops background loops and closes every mailbox.
	Close() error
}

// Config holds bus configuration.
type Config struct {
	// MailboxSize is the default mailbox capacity.
	// Default: 1000
	MailboxSize int

	// EnqueueTimeout bounds the wait for mailbox space per attempt.
	// Default: 1s
	EnqueueTimeout time.Duration

	// MaxRetries applies to messages that do not set their own.
	// Zero disables retries.
	// Default: 3
	MaxRetries int

	// BackoffUnit and MaxBackoff shape the retry delay.
	// Defaults: 1s and 30s
	BackoffUnit time.Duration
	MaxBackoff  time.Duration

	// DeadLetterCapacity bounds the retained dead letters; oldest are
	// evicted first.
	// Default: 10000
	DeadLetterCapacity int

	// ExpirySweepInterval is how often expired messages are purged.
	// Default: 5s
	ExpirySweepInterval time.Duration

	// StatsInterval is how often a stats line is logged. Zero disables.
	// Default: 1m
	StatsInterval time.Duration

	// Logger for bus events. Defaults to component "bus".
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MailboxSize:         1000,
		EnqueueTimeout:      time.Second,
		MaxRetries:          3,
		BackoffUnit:         time.Second,
		MaxBackoff:          30 * time.Second,
		DeadLetterCapacity:  10000,
		ExpirySweepInterval: 5 * time.Second,
		StatsInterval:       time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MailboxSize <= 0 {
		return fmt.Errorf("mailbox size must be positive, got %d", c.MailboxSize)
	}
	if c.EnqueueTimeout < 0 {
		return fmt.Errorf("enqueue timeout must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.BackoffUnit <= 0 {
		return fmt.Errorf("backoff unit must be positive")
	}
	if c.MaxBackoff < c.BackoffUnit {
		return fmt.Errorf("max backoff %v is below backoff unit %v", c.MaxBackoff, c.BackoffUnit)
	}
	if c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("expiry sweep interval must be positive")
	}
	return nil
}

// RegisterOption configures an agent at registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	logicalType string
	handler     Handler
	mailboxSize int
}

// WithLogicalType makes the agent a member of the load-balancing pool
// for logicalType.
func WithLogicalType(logicalType string) RegisterOption {
	return func(o *registerOptions) {
		o.logicalType = logicalType
	}
}

// WithHandler makes the bus pump the agent's mailbox into h. Agents with a
// handler should not also call GetNextMessage.
func WithHandler(h Handler) RegisterOption {
	return func(o *registerOptions) {
		o.handler = h
	}
}

// WithMailboxSize overrides the mailbox capacity for this agent.
func WithMailboxSize(n int) RegisterOption {
	return func(o *registerOptions) {
		o.mailboxSize = n
	}
}
