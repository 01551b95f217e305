// Package commands implements the taskforge CLI: the server process and the
// client commands that talk to it.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskforge",
		Short: "TaskForge - Task Orchestration Engine",
		Long: `TaskForge orchestrates infrastructure operations as tasks.

Tasks are submitted against a declared set of execution agents, matched by
capability, queued by priority, and driven through external tool invocations
with retries, timeouts, and progress events.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "server base URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
