package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/api"
	"github.com/taskforge/taskforge/pkg/engine"
)

func newTasksCommand() *cobra.Command {
	var (
		status   string
		taskType string
		agentID  string
		page     int
		perPage  int
		archived bool
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := api.NewClient(serverURL)
			filter := engine.ListFilter{
				Status:  engine.TaskStatus(status),
				Type:    taskType,
				AgentID: agentID,
			}
			pg := engine.Page{Number: page, PerPage: perPage}

			list := client.ListTasks
			if archived {
				list = client.ListArchivedTasks
			}
			result, err := list(cmd.Context(), filter, pg)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}

			if len(result.Tasks) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}
			fmt.Printf("%-36s  %-20s  %-10s  %-8s  %-10s  %s\n",
				"ID", "TYPE", "STATUS", "PRIORITY", "AGENT", "CREATED")
			for _, t := range result.Tasks {
				fmt.Printf("%-36s  %-20s  %-10s  %-8s  %-10s  %s\n",
					t.ID, t.Type, t.Status, t.Priority, t.AgentID,
					t.CreatedAt.Format(time.RFC3339))
			}
			fmt.Printf("\nPage %d, %d of %d tasks\n", result.Page, len(result.Tasks), result.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by task type")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&perPage, "per-page", engine.DefaultPerPage, "tasks per page")
	cmd.Flags().BoolVar(&archived, "archived", false, "list from the task archive instead of the live registry")

	return cmd
}
