package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/api"
	"github.com/taskforge/taskforge/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(serverURL)
			task, err := client.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var events []*engine.TaskEvent
			if history {
				events, err = client.TaskHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				if history {
					return printJSON(map[string]any{"task": task, "events": events})
				}
				return printJSON(task)
			}
			printTask(task)
			if history {
				fmt.Println("History:")
				for _, ev := range events {
					fmt.Printf("  %s  %-10s  %s\n",
						ev.Timestamp.Format(time.RFC3339), ev.Status, ev.AgentID)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "show the task's archived transition events")
	return cmd
}

func printTask(task *engine.Task) {
	fmt.Printf("Task:      %s\n", task.ID)
	fmt.Printf("Type:      %s\n", task.Type)
	fmt.Printf("Status:    %s\n", task.Status)
	fmt.Printf("Priority:  %s\n", task.Priority)
	if task.AgentID != "" {
		fmt.Printf("Agent:     %s\n", task.AgentID)
	}
	fmt.Printf("Created:   %s\n", task.CreatedAt.Format(time.RFC3339))
	if task.StartedAt != nil {
		fmt.Printf("Started:   %s\n", task.StartedAt.Format(time.RFC3339))
	}
	if task.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", task.CompletedAt.Format(time.RFC3339))
	}
	if task.Error != nil {
		fmt.Printf("Error:     [%s] %s\n", task.Error.Code, task.Error.Message)
		if task.Error.Stderr != "" {
			fmt.Printf("Stderr:\n%s\n", task.Error.Stderr)
		}
	}
	if len(task.Result) > 0 {
		var result engine.TaskResult
		if err := json.Unmarshal(task.Result, &result); err == nil {
			fmt.Println("Steps:")
			for _, step := range result.Steps {
				fmt.Printf("  %-20s exit=%d  %s\n", step.Step, step.ExitCode,
					step.Duration.Round(time.Millisecond))
			}
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
