package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	swarmerr "github.com/vinayprograms/swarmbus/errors"
)

func graph(deps map[string][]string) map[string]*Task {
	tasks := make(map[string]*Task, len(deps))
	for id, d := range deps {
		tasks[id] = &Task{Dependencies: d}
	}
	return tasks
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		def      *Definition
		wantTask string
	}{
		{"nil", nil, ""},
		{"no tasks", &Definition{ParallelLimit: 1}, ""},
		{"zero limit", &Definition{Tasks: graph(map[string][]string{"a": nil})}, ""},
		{"unknown strategy", &Definition{
			Tasks: graph(map[string][]string{"a": nil}), ParallelLimit: 1, FailureStrategy: "panic",
		}, ""},
		{"unknown kind", &Definition{
			Tasks: map[string]*Task{"a": {Kind: "fork"}}, ParallelLimit: 1,
		}, "a"},
		{"unknown dependency", &Definition{
			Tasks: graph(map[string][]string{"a": {"ghost"}}), ParallelLimit: 1,
		}, "a"},
		{"self dependency", &Definition{
			Tasks: graph(map[string][]string{"a": {"a"}}), ParallelLimit: 1,
		}, "a"},
		{"mismatched id", &Definition{
			Tasks: map[string]*Task{"a": {ID: "b"}}, ParallelLimit: 1,
		}, "a"},
		{"unknown required task", &Definition{
			Tasks:           graph(map[string][]string{"a": nil}),
			ParallelLimit:   1,
			SuccessCriteria: &SuccessCriteria{RequiredTasks: []string{"z"}},
		}, "z"},
		{"cycle", &Definition{
			Tasks:         graph(map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}, "d": nil}),
			ParallelLimit: 2,
		}, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !swarmerr.Is(err, swarmerr.ErrCodeValidation) {
				t.Errorf("code = %v, want VALIDATION", swarmerr.Code(err))
			}
			if tt.wantTask != "" {
				var se *swarmerr.Error
				if !errors.As(err, &se) || se.TaskID() != tt.wantTask {
					t.Errorf("offending task = %v, want %s", se, tt.wantTask)
				}
			}
		})
	}
}

func TestValidate_AcceptsDAG(t *testing.T) {
	def := &Definition{
		Tasks: graph(map[string][]string{
			"fetch":   nil,
			"predict": {"fetch"},
			"score":   {"fetch"},
			"report":  {"predict", "score"},
		}),
		ParallelLimit: 2,
	}
	if err := Validate(def); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestFindCycle_ReportsPath(t *testing.T) {
	cycle := findCycle(graph(map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}}))
	if len(cycle) != 4 || cycle[0] != cycle[len(cycle)-1] {
		t.Errorf("cycle = %v, want closed path of 3 tasks", cycle)
	}
	if findCycle(graph(map[string][]string{"a": nil, "b": {"a"}})) != nil {
		t.Error("acyclic graph reported a cycle")
	}
}

func TestClampTimeout(t *testing.T) {
	tests := []struct {
		kind TaskKind
		in   time.Duration
		want time.Duration
	}{
		{KindSequential, 0, 5 * time.Minute},
		{KindSequential, time.Millisecond, time.Second},
		{KindSequential, 10 * time.Second, 10 * time.Second},
		{KindSequential, 2 * time.Hour, time.Hour},
		{KindConditional, time.Hour, 5 * time.Minute},
		{KindLoop, 3 * time.Hour, 3 * time.Hour},
		{KindLoop, 24 * time.Hour, 6 * time.Hour},
		{"unknown", 0, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := ClampTimeout(tt.kind, tt.in); got != tt.want {
			t.Errorf("ClampTimeout(%s, %v) = %v, want %v", tt.kind, tt.in, got, tt.want)
		}
	}
}

func TestNormalize_Rebalance(t *testing.T) {
	def := &Definition{
		Tasks: map[string]*Task{
			"root":  {},
			"hub":   {Dependencies: []string{"root"}},
			"leaf1": {Dependencies: []string{"hub"}},
			"leaf2": {Dependencies: []string{"hub"}},
			"leaf3": {Dependencies: []string{"hub"}},
			"leaf4": {Dependencies: []string{"hub"}, Priority: bus.PriorityLow},
			"top":   {Priority: bus.PriorityCritical},
		},
		ParallelLimit: 1,
	}
	normalize(def)

	want := map[string]bus.Priority{
		"root":  bus.PriorityHigh,     // root boost
		"hub":   bus.PriorityLow,      // four dependents
		"leaf1": bus.PriorityNormal,   // untouched
		"leaf4": bus.PriorityLow,      // untouched
		"top":   bus.PriorityCritical, // boost capped
	}
	for id, p := range want {
		if got := def.Tasks[id].Priority; got != p {
			t.Errorf("%s priority = %v, want %v", id, got, p)
		}
	}
	if def.FailureStrategy != StrategyStop {
		t.Errorf("strategy = %s, want stop", def.FailureStrategy)
	}
	if def.Tasks["root"].ID != "root" || def.Tasks["root"].Kind != KindSequential {
		t.Errorf("root = %+v, want id and default kind filled", def.Tasks["root"])
	}
}

func TestSuccessCriteria_Met(t *testing.T) {
	tasks := map[string]*Task{
		"a": {Status: TaskCompleted},
		"b": {Status: TaskCompleted},
		"c": {Status: TaskFailed},
		"d": {Status: TaskSkipped},
	}
	tests := []struct {
		name string
		c    SuccessCriteria
		want bool
	}{
		{"ratio met", SuccessCriteria{MinCompletionRatio: 0.5}, true},
		{"ratio missed", SuccessCriteria{MinCompletionRatio: 0.75}, false},
		{"required done", SuccessCriteria{RequiredTasks: []string{"a", "b"}}, true},
		{"required failed", SuccessCriteria{RequiredTasks: []string{"a", "c"}}, false},
	}
	for _, tt := range tests {
		if got := tt.c.Met(tasks); got != tt.want {
			t.Errorf("%s: Met = %v, want %v", tt.name, got, tt.want)
		}
	}
}
