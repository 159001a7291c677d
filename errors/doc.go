// Package errors provides the structured error taxonomy used across
// swarmbus: by the message bus when delivery fails, by the workflow engine
// when a definition is rejected or a task fails, and by the orchestrator.
//
// # Error Categories
//
//   - Transient: the same operation may succeed shortly (a full mailbox)
//   - Permanent: retrying will not help (a cyclic workflow, unknown agent)
//   - Resource: capacity is exhausted (retry budget, no capable agent)
//   - Internal: bugs and recovered panics
//
// # Usage
//
//	err := errors.Validation("workflow has a cycle", errors.WithExecutionID(id))
//	if errors.Is(err, errors.ErrCodeValidation) {
//	    // reject the submission
//	}
//
// Errors marshal to JSON so they can travel inside a task result payload:
//
//	data, _ := json.Marshal(err)
//	var decoded errors.Error
//	json.Unmarshal(data, &decoded)
package errors
