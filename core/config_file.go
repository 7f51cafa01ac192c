package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfigFile reads a YAML configuration file on top of the defaults and
// environment overrides
func LoadConfigFile(path string) (*Config, error) {
	return NewConfig(WithConfigFile(path))
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, ErrMissingConfiguration)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %v: %w", path, err, ErrInvalidConfiguration)
	}
	return nil
}
