package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/pkg/engine"
)

// AgentsFile is the on-disk roster of execution agents, loaded once at
// process start.
type AgentsFile struct {
	Agents []engine.AgentDef `yaml:"agents" validate:"required,min=1,dive"`
}

// LoadAgents reads and validates the agent roster. Every agent needs a
// unique id and at least one capability.
func LoadAgents(path string) ([]engine.AgentDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agents file %s: %w", path, err)
	}
	return ParseAgents(data)
}

// ParseAgents decodes and validates a YAML agent roster.
func ParseAgents(data []byte) ([]engine.AgentDef, error) {
	var f AgentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing agents file: %w", err)
	}

	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid agents file: %w", err)
	}

	seen := make(map[string]bool, len(f.Agents))
	for _, a := range f.Agents {
		if seen[a.ID] {
			return nil, fmt.Errorf("invalid agents file: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return f.Agents, nil
}
