package engine

import (
	"fmt"
	"time"

	"github.com/taskforge/taskforge/pkg/runner"
)

// Step is one operation invocation in a task type's execution sequence.
type Step struct {
	// Name identifies the step in results, events, and diagnostics.
	Name string

	// Required lists config keys the step builder needs; checked at
	// submission so a malformed payload never reaches an agent.
	Required []string

	// Timeout bounds the invocation.
	Timeout time.Duration

	// Build turns the task's opaque config into a command spec.
	Build func(cfg map[string]string) runner.CommandSpec

	// Classify labels each invocation outcome for the retry policy.
	// Nil means runner.DefaultClassifier.
	Classify runner.Classifier

	// Retry overrides the retry policy for this step. Zero value means the
	// default policy.
	Retry runner.Policy
}

// StepTable maps task types to their ordered step lists. It is fixed at
// process start; there is no runtime plugin lookup.
type StepTable map[string][]Step

// Types returns the task types the table knows.
func (t StepTable) Types() []string {
	types := make([]string, 0, len(t))
	for k := range t {
		types = append(types, k)
	}
	return types
}

// ValidateConfig checks that cfg carries every key required by the task
// type's steps. Returns a validation error naming the first missing key.
func (t StepTable) ValidateConfig(taskType string, cfg map[string]string) error {
	for _, step := range t[taskType] {
		for _, key := range step.Required {
			if _, ok := cfg[key]; !ok {
				return NewValidationError(
					fmt.Sprintf("task type %q requires config key %q (step %s)", taskType, key, step.Name))
			}
		}
	}
	return nil
}

// Built-in task types.
const (
	TaskTypeRunConfiguration = "run-configuration"
	TaskTypeInstallChart     = "install-chart"
	TaskTypeRunDiagnostic    = "run-diagnostic"
)

// ToolPrograms names the external executables the built-in step table
// invokes. Overridable through configuration so deployments and tests can
// point at wrappers or stubs.
type ToolPrograms struct {
	ConfigTool  string // configuration-management tool
	ChartTool   string // package/chart tool
	ClusterTool string // cluster-control-plane query tool
}

// DefaultToolPrograms returns the standard tool names.
func DefaultToolPrograms() ToolPrograms {
	return ToolPrograms{
		ConfigTool:  "ansible-playbook",
		ChartTool:   "helm",
		ClusterTool: "kubectl",
	}
}

// BuiltinSteps returns the static step table for the built-in task types.
func BuiltinSteps(tools ToolPrograms) StepTable {
	def := DefaultToolPrograms()
	if tools.ConfigTool == "" {
		tools.ConfigTool = def.ConfigTool
	}
	if tools.ChartTool == "" {
		tools.ChartTool = def.ChartTool
	}
	if tools.ClusterTool == "" {
		tools.ClusterTool = def.ClusterTool
	}

	return StepTable{
		TaskTypeRunConfiguration: {
			{
				Name:     "syntax-check",
				Required: []string{"playbook"},
				Timeout:  2 * time.Minute,
				Build: func(cfg map[string]string) runner.CommandSpec {
					return runner.CommandSpec{
						Program: tools.ConfigTool,
						Args:    []string{"--syntax-check", cfg["playbook"]},
						Dir:     cfg["workdir"],
					}
				},
			},
			{
				Name:     "apply",
				Required: []string{"playbook"},
				Timeout:  30 * time.Minute,
				Build: func(cfg map[string]string) runner.CommandSpec {
					args := []string{cfg["playbook"]}
					if inv := cfg["inventory"]; inv != "" {
						args = append(args, "-i", inv)
					}
					if limit := cfg["limit"]; limit != "" {
						args = append(args, "--limit", limit)
					}
					if extra := cfg["extra_vars"]; extra != "" {
						args = append(args, "--extra-vars", extra)
					}
					return runner.CommandSpec{
						Program: tools.ConfigTool,
						Args:    args,
						Dir:     cfg["workdir"],
					}
				},
			},
		},

		TaskTypeInstallChart: {
			{
				Name:    "repo-update",
				Timeout: 5 * time.Minute,
				Build: func(cfg map[string]string) runner.CommandSpec {
					return runner.CommandSpec{
						Program: tools.ChartTool,
						Args:    []string{"repo", "update"},
						Env:     kubeEnv(cfg),
					}
				},
				// Repo refresh failures are typically network blips.
				Classify: func(out *runner.Output, err error) runner.Outcome {
					if err != nil || out.ExitCode != 0 {
						return runner.OutcomeTransient
					}
					return runner.OutcomeSuccess
				},
			},
			{
				Name:     "upgrade",
				Required: []string{"release", "chart"},
				Timeout:  20 * time.Minute,
				Build: func(cfg map[string]string) runner.CommandSpec {
					args := []string{"upgrade", "--install", cfg["release"], cfg["chart"], "--wait"}
					if ns := cfg["namespace"]; ns != "" {
						args = append(args, "--namespace", ns, "--create-namespace")
					}
					if values := cfg["values_file"]; values != "" {
						args = append(args, "-f", values)
					}
					return runner.CommandSpec{
						Program: tools.ChartTool,
						Args:    args,
						Env:     kubeEnv(cfg),
					}
				},
			},
		},

		TaskTypeRunDiagnostic: {
			{
				Name:    "cluster-info",
				Timeout: time.Minute,
				Build: func(cfg map[string]string) runner.CommandSpec {
					return runner.CommandSpec{
						Program: tools.ClusterTool,
						Args:    []string{"cluster-info"},
						Env:     kubeEnv(cfg),
					}
				},
				Classify: diagnosticClassifier,
			},
			{
				Name:    "node-status",
				Timeout: time.Minute,
				Build: func(cfg map[string]string) runner.CommandSpec {
					args := []string{"get", "nodes", "-o", "wide"}
					if target := cfg["target"]; target != "" {
						args = []string{"get", "node", target, "-o", "wide"}
					}
					return runner.CommandSpec{
						Program: tools.ClusterTool,
						Args:    args,
						Env:     kubeEnv(cfg),
					}
				},
				Classify: diagnosticClassifier,
			},
			{
				Name:    "pod-health",
				Timeout: 2 * time.Minute,
				Build: func(cfg map[string]string) runner.CommandSpec {
					args := []string{"get", "pods", "--all-namespaces", "--field-selector", "status.phase!=Running,status.phase!=Succeeded"}
					if ns := cfg["namespace"]; ns != "" {
						args = []string{"get", "pods", "--namespace", ns}
					}
					return runner.CommandSpec{
						Program: tools.ClusterTool,
						Args:    args,
						Env:     kubeEnv(cfg),
					}
				},
				Classify: diagnosticClassifier,
			},
		},
	}
}

// diagnosticClassifier retries nonzero exits: control-plane queries fail
// transiently while a cluster converges.
func diagnosticClassifier(out *runner.Output, err error) runner.Outcome {
	if err != nil || out.ExitCode != 0 {
		return runner.OutcomeTransient
	}
	return runner.OutcomeSuccess
}

func kubeEnv(cfg map[string]string) map[string]string {
	if kc := cfg["kubeconfig"]; kc != "" {
		return map[string]string{"KUBECONFIG": kc}
	}
	return nil
}
