package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/api"
)

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(serverURL)
			task, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(task)
			}
			fmt.Printf("Task %s is %s\n", task.ID, task.Status)
			return nil
		},
	}
}
