package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vinayprograms/swarmbus/orchestrator"
	"github.com/vinayprograms/swarmbus/tasks"
)

// demoPayload is what demo workers understand in a task payload.
type demoPayload struct {
	Sleep     string          `json:"sleep"`      // e.g. "200ms"
	Fail      bool            `json:"fail"`       // always fail
	FailTimes int             `json:"fail_times"` // fail the first n attempts
	Echo      json.RawMessage `json:"echo"`
}

type demoOutput struct {
	Task    string            `json:"task"`
	Agent   string            `json:"agent"`
	Attempt int               `json:"attempt"`
	Inputs  []string          `json:"inputs,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Echo    json.RawMessage   `json:"echo,omitempty"`
}

// demoHandlers gives every instance a handler that sleeps, fails or
// echoes as its task payload asks.
func demoHandlers(_ orchestrator.PoolConfig, id string) tasks.Handler {
	return func(ctx context.Context, task *tasks.TaskMessage) (interface{}, error) {
		var p demoPayload
		if len(task.Payload) > 0 {
			if err := json.Unmarshal(task.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}

		if p.Sleep != "" {
			d, err := time.ParseDuration(p.Sleep)
			if err != nil {
				return nil, fmt.Errorf("sleep: %w", err)
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if p.Fail || task.Attempt <= p.FailTimes {
			return nil, fmt.Errorf("task %s failed on attempt %d", task.TaskID, task.Attempt)
		}

		inputs := make([]string, 0, len(task.PriorOutputs))
		for dep := range task.PriorOutputs {
			inputs = append(inputs, dep)
		}
		sort.Strings(inputs)

		return demoOutput{
			Task:    task.TaskID,
			Agent:   id,
			Attempt: task.Attempt,
			Inputs:  inputs,
			Params:  task.Params,
			Echo:    p.Echo,
		}, nil
	}
}
