package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flow",
	Short: "Flow runs markdown-defined workflow state machines",
	Long: `Flow executes workflows defined as markdown documents: a mermaid state
diagram describes the states and transitions, and an Actions section binds
each state to shell commands, prompts, variable writes, and sub-workflows.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
