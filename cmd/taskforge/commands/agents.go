package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/api"
)

func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List execution agents and their status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := api.NewClient(serverURL)
			agents, err := client.Agents(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(agents)
			}

			fmt.Printf("%-12s  %-20s  %-6s  %-36s  %-6s  %s\n",
				"ID", "NAME", "STATUS", "CURRENT TASK", "DONE", "CAPABILITIES")
			for _, a := range agents {
				fmt.Printf("%-12s  %-20s  %-6s  %-36s  %-6d  %s\n",
					a.ID, a.Name, a.Status, a.CurrentTaskID, a.TaskCount,
					strings.Join(a.Capabilities, ", "))
			}
			return nil
		},
	}
}
