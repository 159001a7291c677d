package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	swarmerr "github.com/vinayprograms/swarmbus/errors"
)

// timeoutBounds holds the accepted task timeout range per kind. A zero
// timeout takes the kind's default.
var timeoutBounds = map[TaskKind]struct{ min, def, max time.Duration }{
	KindSequential:  {time.Second, 5 * time.Minute, time.Hour},
	KindParallel:    {time.Second, 5 * time.Minute, time.Hour},
	KindConditional: {time.Second, 30 * time.Second, 5 * time.Minute},
	KindBranch:      {time.Second, 30 * time.Second, 5 * time.Minute},
	KindMerge:       {time.Second, 2 * time.Minute, 30 * time.Minute},
	KindLoop:        {time.Second, 15 * time.Minute, 6 * time.Hour},
}

// ClampTimeout bounds d to the range allowed for kind.
func ClampTimeout(kind TaskKind, d time.Duration) time.Duration {
	b, ok := timeoutBounds[kind]
	if !ok {
		b = timeoutBounds[KindSequential]
	}
	switch {
	case d <= 0:
		return b.def
	case d < b.min:
		return b.min
	case d > b.max:
		return b.max
	}
	return d
}

func knownKind(k TaskKind) bool {
	_, ok := timeoutBounds[k]
	return ok
}

// Validate checks a definition without modifying it. Errors carry the
// VALIDATION code and, where one is at fault, the offending task id.
func Validate(def *Definition) error {
	if def == nil {
		return swarmerr.Validation("workflow definition is required")
	}
	if len(def.Tasks) == 0 {
		return swarmerr.Validation("workflow has no tasks")
	}
	if def.ParallelLimit <= 0 {
		return swarmerr.Validation(fmt.Sprintf("parallel limit must be positive, got %d", def.ParallelLimit))
	}
	if def.GlobalTimeout < 0 {
		return swarmerr.Validation("global timeout must not be negative")
	}
	switch def.FailureStrategy {
	case "", StrategyStop, StrategyContinue, StrategyRetry:
	default:
		return swarmerr.Validation(fmt.Sprintf("unknown failure strategy %q", def.FailureStrategy))
	}
	if def.MaxResubmissions < 0 {
		return swarmerr.Validation("max resubmissions must not be negative")
	}

	for _, id := range sortedIDs(def.Tasks) {
		t := def.Tasks[id]
		if t == nil {
			return swarmerr.Validation("task is nil", swarmerr.WithTaskID(id))
		}
		if t.ID != "" && t.ID != id {
			return swarmerr.Validation(fmt.Sprintf("task key %q does not match id %q", id, t.ID), swarmerr.WithTaskID(id))
		}
		if t.Kind != "" && !knownKind(t.Kind) {
			return swarmerr.Validation(fmt.Sprintf("task %s has unknown kind %q", id, t.Kind), swarmerr.WithTaskID(id))
		}
		if t.MaxRetries < 0 {
			return swarmerr.Validation(fmt.Sprintf("task %s has negative max retries", id), swarmerr.WithTaskID(id))
		}
		for _, dep := range t.Dependencies {
			if dep == id {
				return swarmerr.Validation(fmt.Sprintf("task %s depends on itself", id), swarmerr.WithTaskID(id))
			}
			if _, ok := def.Tasks[dep]; !ok {
				return swarmerr.Validation(fmt.Sprintf("task %s depends on unknown task %s", id, dep),
					swarmerr.WithTaskID(id), swarmerr.WithMetadata("dependency", dep))
			}
		}
	}

	if def.SuccessCriteria != nil {
		for _, id := range def.SuccessCriteria.RequiredTasks {
			if _, ok := def.Tasks[id]; !ok {
				return swarmerr.Validation(fmt.Sprintf("success criteria require unknown task %s", id), swarmerr.WithTaskID(id))
			}
		}
		if r := def.SuccessCriteria.MinCompletionRatio; r < 0 || r > 1 {
			return swarmerr.Validation(fmt.Sprintf("min completion ratio %v outside [0, 1]", r))
		}
	}

	if cycle := findCycle(def.Tasks); cycle != nil {
		return swarmerr.Validation(fmt.Sprintf("dependency cycle: %v", cycle),
			swarmerr.WithTaskID(cycle[0]))
	}
	return nil
}

// findCycle runs a DFS with a recursion stack and returns the first cycle
// found as a path that starts and ends on the same task, or nil.
func findCycle(tasks map[string]*Task) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)

		deps := append([]string(nil), tasks[id].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case onStack:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range sortedIDs(tasks) {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// normalize fills defaults and rebalances priorities on a validated
// definition. Roots are boosted one level; tasks gating more than three
// dependents are lowered one level.
func normalize(def *Definition) {
	if def.FailureStrategy == "" {
		def.FailureStrategy = StrategyStop
	}

	dependents := make(map[string]int, len(def.Tasks))
	for _, t := range def.Tasks {
		for _, dep := range t.Dependencies {
			dependents[dep]++
		}
	}

	for id, t := range def.Tasks {
		t.ID = id
		if t.Kind == "" {
			t.Kind = KindSequential
		}
		t.Timeout = ClampTimeout(t.Kind, t.Timeout)

		p := t.Priority
		if p == 0 {
			p = bus.PriorityNormal
		}
		if len(t.Dependencies) == 0 {
			p++
		}
		if dependents[id] > 3 {
			p--
		}
		t.Priority = p.Clamp()
	}
}

func sortedIDs(tasks map[string]*Task) []string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
