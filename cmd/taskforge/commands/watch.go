package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/api"
	"github.com/taskforge/taskforge/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Stream a task's progress events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchTask(cmd.Context(), api.NewClient(serverURL), args[0])
		},
	}
}

func watchTask(ctx context.Context, client *api.Client, taskID string) error {
	var terminal engine.TaskStatus
	err := client.WatchTask(ctx, taskID, func(ev engine.TaskEvent) {
		if jsonOutput {
			_ = printJSON(ev)
		} else {
			fmt.Printf("%s  %s", ev.Timestamp.Format(time.RFC3339), ev.Status)
			if ev.Error != nil {
				fmt.Printf("  [%s] %s", ev.Error.Code, ev.Error.Message)
			}
			fmt.Println()
		}
		if ev.Status.IsTerminal() {
			terminal = ev.Status
		}
	})
	if err != nil {
		return err
	}
	if terminal == engine.TaskStatusFailed {
		return fmt.Errorf("task %s failed", taskID)
	}
	return nil
}
