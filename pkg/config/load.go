package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Load reads a YAML (or JSON) file. Fields the file omits keep their
// defaults. The result is validated.
func Load(path string, opts ...OpOption) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig(opts...)
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func (config *Config) Save(path string) error {
	b, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}
