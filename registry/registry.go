package registry

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound  = errors.New("agent not found")
	ErrClosed    = errors.New("registry closed")
	ErrInvalidID = errors.New("invalid agent ID")
)

// Status represents an agent's operational state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusBusy      Status = "busy"
	StatusUnhealthy Status = "unhealthy"
	StatusStopping  Status = "stopping"
)

// AgentInfo contains registration information for an agent.
type AgentInfo struct {
	// ID uniquely identifies the agent. It is also the agent's bus id.
	ID string `json:"id"`

	// LogicalType groups interchangeable instances into a pool.
	LogicalType string `json:"logical_type,omitempty"`

	// Capabilities lists what the agent can do (e.g., "fetch", "predict").
	Capabilities []string `json:"capabilities,omitempty"`

	// MaxLoad is the number of tasks the agent runs concurrently.
	// Zero is treated as 1.
	MaxLoad int `json:"max_load"`

	// Status is the agent's current operational state.
	Status Status `json:"status"`

	// Load is the agent's last reported utilisation (0.0-1.0).
	Load float64 `json:"load"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// RegisteredAt is set on first registration and kept on updates.
	RegisteredAt time.Time `json:"registered_at"`

	// LastSeen is when the agent last updated its registration.
	LastSeen time.Time `json:"last_seen"`
}

// Capacity returns MaxLoad, treating anything below 1 as 1.
func (a AgentInfo) Capacity() int {
	if a.MaxLoad < 1 {
		return 1
	}
	return a.MaxLoad
}

// Filter specifies criteria for listing agents.
type Filter struct {
	// Status filters by operational state. Empty means all.
	Status Status

	// LogicalType filters to one pool. Empty means all.
	LogicalType string

	// Capability filters to agents with this capability.
	Capability string

	// MaxLoad filters to agents with load at or below this value.
	// Zero means no filter.
	MaxLoad float64
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	Type EventType

	// Agent contains the agent information.
	// For removal events, this contains the last known state.
	Agent AgentInfo
}

// Registry provides agent registration and discovery.
type Registry interface {
	// Register adds or updates an agent in the registry.
	Register(info AgentInfo) error

	// Deregister removes an agent from the registry.
	// Returns ErrNotFound if the agent doesn't exist.
	Deregister(id string) error

	// Touch records a liveness report without replacing the entry.
	Touch(id string, status Status, load float64) error

	// Get retrieves a specific agent by ID.
	Get(id string) (*AgentInfo, error)

	// List returns all agents matching the optional filter, sorted by ID.
	List(filter *Filter) ([]AgentInfo, error)

	// FindByCapabilities returns agents holding every capability in caps.
	// Results are sorted by load (lowest first), then ID.
	FindByCapabilities(caps []string) ([]AgentInfo, error)

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	Watch() (<-chan Event, error)

	// Close shuts down the registry.
	Close() error
}

// ValidateAgentInfo checks if agent info is valid.
func ValidateAgentInfo(info AgentInfo) error {
	if info.ID == "" {
		return ErrInvalidID
	}
	if info.Load < 0 || info.Load > 1 {
		return errors.New("load must be between 0.0 and 1.0")
	}
	if info.MaxLoad < 0 {
		return errors.New("max load must not be negative")
	}
	return nil
}

// HasCapability checks if an agent has a specific capability.
func HasCapability(info AgentInfo, capability string) bool {
	for _, c := range info.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether the agent holds every capability in caps.
// An empty caps matches any agent.
func HasCapabilities(info AgentInfo, caps []string) bool {
	for _, c := range caps {
		if !HasCapability(info, c) {
			return false
		}
	}
	return true
}

// MatchesFilter checks if an agent matches the filter criteria.
func MatchesFilter(info AgentInfo, filter *Filter) bool {
	if filter == nil {
		return true
	}

	if filter.Status != "" && info.Status != filter.Status {
		return false
	}

	if filter.LogicalType != "" && info.LogicalType != filter.LogicalType {
		return false
	}

	if filter.Capability != "" && !HasCapability(info, filter.Capability) {
		return false
	}

	if filter.MaxLoad > 0 && info.Load > filter.MaxLoad {
		return false
	}

	return true
}
