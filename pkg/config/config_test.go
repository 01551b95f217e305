package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %s, want :8080", cfg.Server.Addr)
	}
	if cfg.Engine.RetryMaxAttempts != 3 {
		t.Errorf("retry max attempts = %d, want 3", cfg.Engine.RetryMaxAttempts)
	}
	if cfg.Engine.GracePeriod != 5*time.Second {
		t.Errorf("grace period = %s, want 5s", cfg.Engine.GracePeriod)
	}
	if !cfg.Store.Enabled || cfg.Store.Path != "taskforge.db" {
		t.Errorf("store config = %+v", cfg.Store)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TASKFORGE_LISTEN_ADDR", ":9999")
	t.Setenv("TASKFORGE_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("TASKFORGE_RETRY_BASE_DELAY", "250ms")
	t.Setenv("TASKFORGE_CONFIG_TOOL", "/usr/local/bin/ansible-playbook")
	t.Setenv("TASKFORGE_DB_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Engine.RetryMaxAttempts != 7 {
		t.Errorf("retry max attempts = %d", cfg.Engine.RetryMaxAttempts)
	}
	if cfg.Engine.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("retry base delay = %s", cfg.Engine.RetryBaseDelay)
	}
	if cfg.Engine.ConfigTool != "/usr/local/bin/ansible-playbook" {
		t.Errorf("config tool = %s", cfg.Engine.ConfigTool)
	}
	if cfg.Store.Enabled {
		t.Error("store enabled despite TASKFORGE_DB_ENABLED=false")
	}
}

func TestValidateRejectsBadRetrySettings(t *testing.T) {
	t.Setenv("TASKFORGE_RETRY_MAX_ATTEMPTS", "0")
	if _, err := Load(); err == nil {
		t.Error("Load accepted zero retry attempts")
	}
}

func TestValidateRejectsInvertedDelays(t *testing.T) {
	t.Setenv("TASKFORGE_RETRY_BASE_DELAY", "10s")
	t.Setenv("TASKFORGE_RETRY_MAX_DELAY", "1s")
	if _, err := Load(); err == nil {
		t.Error("Load accepted max delay below base delay")
	}
}

func TestTelemetryDerivation(t *testing.T) {
	t.Setenv("TASKFORGE_LOG_LEVEL", "debug")
	t.Setenv("TASKFORGE_LOG_FORMAT", "json")
	t.Setenv("TASKFORGE_TRACING_ENABLED", "true")
	t.Setenv("TASKFORGE_TRACING_EXPORTER", "otlp")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	tc := cfg.Telemetry()
	if tc.Logging.Level != "debug" || tc.Logging.Format != "json" {
		t.Errorf("logging config = %+v", tc.Logging)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "otlp" {
		t.Errorf("tracing config = %+v", tc.Tracing)
	}
}

func TestParseAgents(t *testing.T) {
	data := []byte(`
agents:
  - id: agent-a
    name: Configuration Agent
    description: Applies playbooks
    capabilities:
      - run-configuration
  - id: agent-b
    name: Cluster Agent
    capabilities:
      - install-chart
      - run-diagnostic
`)
	agents, err := ParseAgents(data)
	if err != nil {
		t.Fatalf("ParseAgents failed: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("parsed %d agents, want 2", len(agents))
	}
	if agents[0].ID != "agent-a" || len(agents[1].Capabilities) != 2 {
		t.Errorf("agents = %+v", agents)
	}
}

func TestParseAgentsRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty roster", "agents: []", "invalid"},
		{"missing id", "agents:\n  - name: X\n    capabilities: [a]", "invalid"},
		{"no capabilities", "agents:\n  - id: a\n    name: X\n    capabilities: []", "invalid"},
		{"duplicate ids", "agents:\n  - id: a\n    name: X\n    capabilities: [t]\n  - id: a\n    name: Y\n    capabilities: [t]", "duplicate"},
		{"not yaml", "{{{", "parsing"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseAgents([]byte(c.yaml))
			if err == nil {
				t.Fatal("ParseAgents accepted invalid input")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Errorf("error = %v, want mention of %q", err, c.want)
			}
		})
	}
}

func TestLoadAgentsMissingFile(t *testing.T) {
	if _, err := LoadAgents("/does/not/exist.yaml"); err == nil {
		t.Error("LoadAgents accepted a missing file")
	}
}
