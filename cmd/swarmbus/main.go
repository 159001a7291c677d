// Command swarmbus runs workflows on an in-process agent swarm.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "swarmbus",
	Short: "Run DAG workflows on an in-process agent swarm",
	Long: "swarmbus wires a message bus, an agent registry, a workflow engine and a pool " +
		"orchestrator together, then runs workflow definitions on in-process workers.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
