package engine

import (
	"testing"
)

func TestBuiltinStepsCoverAllTaskTypes(t *testing.T) {
	table := BuiltinSteps(DefaultToolPrograms())
	for _, taskType := range []string{TaskTypeRunConfiguration, TaskTypeInstallChart, TaskTypeRunDiagnostic} {
		if len(table[taskType]) == 0 {
			t.Errorf("no steps for %s", taskType)
		}
	}
}

func TestBuiltinStepsToolOverride(t *testing.T) {
	table := BuiltinSteps(ToolPrograms{ClusterTool: "/opt/bin/kubectl"})

	spec := table[TaskTypeRunDiagnostic][0].Build(nil)
	if spec.Program != "/opt/bin/kubectl" {
		t.Errorf("program = %s, want the override", spec.Program)
	}

	// Unset tools keep their defaults.
	spec = table[TaskTypeInstallChart][0].Build(map[string]string{})
	if spec.Program != "helm" {
		t.Errorf("program = %s, want helm", spec.Program)
	}
}

func TestRunConfigurationBuild(t *testing.T) {
	table := BuiltinSteps(DefaultToolPrograms())
	apply := table[TaskTypeRunConfiguration][1]

	spec := apply.Build(map[string]string{
		"playbook":  "site.yml",
		"inventory": "hosts.ini",
		"limit":     "web",
	})
	if spec.Program != "ansible-playbook" {
		t.Errorf("program = %s", spec.Program)
	}
	want := []string{"site.yml", "-i", "hosts.ini", "--limit", "web"}
	if len(spec.Args) != len(want) {
		t.Fatalf("args = %v, want %v", spec.Args, want)
	}
	for i := range want {
		if spec.Args[i] != want[i] {
			t.Fatalf("args = %v, want %v", spec.Args, want)
		}
	}
}

func TestKubeconfigPassedAsEnv(t *testing.T) {
	table := BuiltinSteps(DefaultToolPrograms())
	spec := table[TaskTypeRunDiagnostic][0].Build(map[string]string{"kubeconfig": "/etc/kube/config"})
	if spec.Env["KUBECONFIG"] != "/etc/kube/config" {
		t.Errorf("env = %v, want KUBECONFIG set", spec.Env)
	}
}

func TestValidateConfigRequiredKeys(t *testing.T) {
	table := BuiltinSteps(DefaultToolPrograms())

	err := table.ValidateConfig(TaskTypeRunConfiguration, nil)
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("missing playbook error = %v, want VALIDATION_ERROR", err)
	}

	err = table.ValidateConfig(TaskTypeRunConfiguration, map[string]string{"playbook": "site.yml"})
	if err != nil {
		t.Errorf("ValidateConfig with playbook = %v, want nil", err)
	}

	// Diagnostics have no required keys.
	if err := table.ValidateConfig(TaskTypeRunDiagnostic, nil); err != nil {
		t.Errorf("ValidateConfig(run-diagnostic) = %v, want nil", err)
	}
}
