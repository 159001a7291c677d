package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.toml>...",
	Short: "Check workflow definition files",
	Long:  "Loads each workflow file, rejects cycles and unknown dependencies, and prints the task graph.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			def, err := config.LoadWorkflow(path)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %v\n", err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK   %s\n", path)
			describe(cmd.OutOrStdout(), def)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d workflow files invalid", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// describe prints the definition's tasks grouped by depth, so tasks on one
// line can run in parallel.
func describe(w io.Writer, def *workflow.Definition) {
	name := def.Name
	if name == "" {
		name = "(unnamed)"
	}
	strategy := def.FailureStrategy
	if strategy == "" {
		strategy = workflow.StrategyStop
	}
	fmt.Fprintf(w, "     %s: %d tasks, parallel_limit=%d, failure_strategy=%s\n",
		name, len(def.Tasks), def.ParallelLimit, strategy)

	for i, level := range levels(def) {
		fmt.Fprintf(w, "     %d: %s\n", i, strings.Join(level, " "))
	}
}

// levels groups task ids by longest dependency chain. def must be acyclic.
func levels(def *workflow.Definition) [][]string {
	depth := make(map[string]int, len(def.Tasks))
	var visit func(id string) int
	visit = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range def.Tasks[id].Dependencies {
			if n := visit(dep) + 1; n > d {
				d = n
			}
		}
		depth[id] = d
		return d
	}

	var out [][]string
	for id := range def.Tasks {
		d := visit(id)
		for len(out) <= d {
			out = append(out, nil)
		}
		out[d] = append(out[d], id)
	}
	for _, level := range out {
		sort.Strings(level)
	}
	return out
}
