package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

type seedFile struct {
	Agents []yaml.Node `yaml:"agents"`
}

// LoadSeed reads agent definitions from a YAML file of the form
//
//	agents:
//	  - id: front-door
//	    label: Front door
//	    interval_seconds: 10
//
// Sampling is enabled unless an entry turns it off.
func LoadSeed(path string) ([]v1.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	agents := make([]v1.AgentConfig, 0, len(f.Agents))
	for i := range f.Agents {
		cfg := v1.AgentConfig{SamplingEnabled: true}
		if err := f.Agents[i].Decode(&cfg); err != nil {
			return nil, fmt.Errorf("seed agent %d: %w", i, err)
		}
		ApplyDefaults(&cfg)
		if err := Validate(&cfg); err != nil {
			return nil, fmt.Errorf("seed agent %d (%q): %w", i, cfg.Label, err)
		}
		agents = append(agents, cfg)
	}
	return agents, nil
}
