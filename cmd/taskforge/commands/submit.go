package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/api"
	"github.com/taskforge/taskforge/pkg/engine"
)

func newSubmitCommand() *cobra.Command {
	var (
		agentID  string
		priority string
		configKV []string
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "submit <task-type>",
		Short: "Submit a task for execution",
		Long: `Submits a task of the given type. Config values are passed as repeated
--set key=value flags and handed through to the task's tool invocations.

Examples:
  taskforge submit run-configuration --set playbook=site.yml --set inventory=hosts.ini
  taskforge submit install-chart --set release=ingress --set chart=nginx/ingress-nginx --priority high
  taskforge submit run-diagnostic --agent agent-b --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := make(map[string]string, len(configKV))
			for _, kv := range configKV {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --set value %q, expected key=value", kv)
				}
				cfg[k] = v
			}

			client := api.NewClient(serverURL)
			resp, err := client.Submit(cmd.Context(), engine.TaskSpec{
				Type:     args[0],
				AgentID:  agentID,
				Priority: engine.Priority(priority),
				Config:   cfg,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Printf("Task %s accepted (%s)\n", resp.TaskID, resp.Status)

			if watch {
				return watchTask(cmd.Context(), client, resp.TaskID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "pin the task to a specific agent")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "task priority (low, normal, high)")
	cmd.Flags().StringArrayVar(&configKV, "set", nil, "task config entry, key=value (repeatable)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream progress events until the task finishes")

	return cmd
}
