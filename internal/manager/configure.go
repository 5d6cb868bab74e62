package manager

import (
	"fmt"
	"os"

	"github.com/tagserve/tagserve/internal/config"
	"sigs.k8s.io/yaml"
)

// LoadConfigFile reads, defaults, and validates the system configuration.
func LoadConfigFile(path string) (config.System, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return config.System{}, err
	}
	var cfg config.System
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return config.System{}, err
	}

	if err := cfg.DefaultAndValidate(); err != nil {
		return config.System{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
