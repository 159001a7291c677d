package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/workflow"
)

// WorkflowFile is the TOML form of a workflow definition:
//
//	name = "etl"
//	parallel_limit = 2
//	global_timeout = "10m"
//	failure_strategy = "continue"
//
//	[[tasks]]
//	id = "extract"
//	capabilities = ["fetch"]
//	payload = { url = "https://example.com/data.csv" }
//
//	[[tasks]]
//	id = "load"
//	depends_on = ["extract"]
//	priority = "high"
type WorkflowFile struct {
	ID               string           `toml:"id"`
	Name             string           `toml:"name"`
	ParallelLimit    int              `toml:"parallel_limit"`
	GlobalTimeout    Duration         `toml:"global_timeout"`
	FailureStrategy  string           `toml:"failure_strategy"`
	MaxResubmissions int              `toml:"max_resubmissions"`
	SuccessCriteria  *SuccessCriteria `toml:"success_criteria"`
	Tasks            []TaskFile       `toml:"tasks"`
}

// SuccessCriteria is the TOML form of workflow.SuccessCriteria.
type SuccessCriteria struct {
	RequiredTasks      []string `toml:"required_tasks"`
	MinCompletionRatio float64  `toml:"min_completion_ratio"`
}

// TaskFile is one [[tasks]] entry.
type TaskFile struct {
	ID           string                 `toml:"id"`
	Kind         string                 `toml:"kind"`
	Capabilities []string               `toml:"capabilities"`
	DependsOn    []string               `toml:"depends_on"`
	Pool         string                 `toml:"pool"`
	Timeout      Duration               `toml:"timeout"`
	MaxRetries   int                    `toml:"max_retries"`
	Priority     string                 `toml:"priority"`
	Payload      map[string]interface{} `toml:"payload"`
}

// LoadWorkflow reads and validates a workflow definition file.
func LoadWorkflow(path string) (*workflow.Definition, error) {
	resolved, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read workflow file %s: %w", resolved, err)
	}
	def, err := ParseWorkflow(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", resolved, err)
	}
	return def, nil
}

// ParseWorkflow decodes TOML text into a validated definition. The
// parallel limit defaults to the number of tasks.
func ParseWorkflow(text string) (*workflow.Definition, error) {
	var wf WorkflowFile
	if _, err := toml.Decode(text, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	def, err := wf.Definition()
	if err != nil {
		return nil, err
	}
	if err := workflow.Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Definition converts the file form into a workflow.Definition.
func (wf *WorkflowFile) Definition() (*workflow.Definition, error) {
	def := &workflow.Definition{
		ID:               wf.ID,
		Name:             wf.Name,
		Tasks:            make(map[string]*workflow.Task, len(wf.Tasks)),
		ParallelLimit:    wf.ParallelLimit,
		GlobalTimeout:    wf.GlobalTimeout.Std(),
		FailureStrategy:  workflow.FailureStrategy(wf.FailureStrategy),
		MaxResubmissions: wf.MaxResubmissions,
	}
	if def.ParallelLimit == 0 {
		def.ParallelLimit = len(wf.Tasks)
	}
	if wf.SuccessCriteria != nil {
		def.SuccessCriteria = &workflow.SuccessCriteria{
			RequiredTasks:      wf.SuccessCriteria.RequiredTasks,
			MinCompletionRatio: wf.SuccessCriteria.MinCompletionRatio,
		}
	}

	for i, tf := range wf.Tasks {
		if tf.ID == "" {
			return nil, fmt.Errorf("task %d: missing id", i)
		}
		if _, dup := def.Tasks[tf.ID]; dup {
			return nil, fmt.Errorf("task %s: duplicate id", tf.ID)
		}
		task, err := tf.task()
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", tf.ID, err)
		}
		def.Tasks[tf.ID] = task
	}
	return def, nil
}

func (tf TaskFile) task() (*workflow.Task, error) {
	t := &workflow.Task{
		ID:           tf.ID,
		Kind:         workflow.TaskKind(tf.Kind),
		Capabilities: tf.Capabilities,
		Dependencies: tf.DependsOn,
		Pool:         tf.Pool,
		Timeout:      tf.Timeout.Std(),
		MaxRetries:   tf.MaxRetries,
	}
	// An unset priority stays zero so the engine can rebalance it.
	if tf.Priority != "" {
		p, err := bus.ParsePriority(tf.Priority)
		if err != nil {
			return nil, err
		}
		t.Priority = p
	}
	if tf.Payload != nil {
		data, err := json.Marshal(tf.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		t.Payload = data
	}
	return t, nil
}
