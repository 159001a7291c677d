package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: a full mailbox, a slow consumer.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: a cyclic workflow, an unknown agent.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates exhausted capacity.
	// Examples: no capable agent has spare load, retry budget used up.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Bus
	ErrCodeRoutingFailure   ErrorCode = "ROUTING_FAILURE"   // No recipients for a directed message
	ErrCodeDeliveryTimeout  ErrorCode = "DELIVERY_TIMEOUT"  // Mailbox full or consumer too slow
	ErrCodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED" // Moved to the dead-letter queue
	ErrCodeClosed           ErrorCode = "CLOSED"            // Component already shut down

	// Workflow
	ErrCodeValidation      ErrorCode = "VALIDATION"       // Malformed workflow definition
	ErrCodeTaskFailed      ErrorCode = "TASK_FAILED"      // Reported by the executing agent
	ErrCodeWorkflowTimeout ErrorCode = "WORKFLOW_TIMEOUT" // Global deadline exceeded
	ErrCodeNoCapableAgent  ErrorCode = "NO_CAPABLE_AGENT" // Nobody can take the task right now

	// Generic
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeCanceled      ErrorCode = "CANCELED"
	ErrCodeInternal      ErrorCode = "INTERNAL"
	ErrCodePanic         ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeDeliveryTimeout:
		return CategoryTransient
	case ErrCodeRetriesExhausted, ErrCodeNoCapableAgent:
		return CategoryResource
	case ErrCodeRoutingFailure, ErrCodeClosed, ErrCodeValidation, ErrCodeTaskFailed,
		ErrCodeWorkflowTimeout, ErrCodeNotFound, ErrCodeAlreadyExists,
		ErrCodeInvalidInput, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeRoutingFailure:   "no recipients for message",
	ErrCodeDeliveryTimeout:  "delivery timed out",
	ErrCodeRetriesExhausted: "delivery retries exhausted",
	ErrCodeClosed:           "component closed",
	ErrCodeValidation:       "validation failed",
	ErrCodeTaskFailed:       "task execution failed",
	ErrCodeWorkflowTimeout:  "workflow timed out",
	ErrCodeNoCapableAgent:   "no capable agent available",
	ErrCodeNotFound:         "not found",
	ErrCodeAlreadyExists:    "already exists",
	ErrCodeInvalidInput:     "invalid input",
	ErrCodeCanceled:         "operation canceled",
	ErrCodeInternal:         "internal error",
	ErrCodePanic:            "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
