package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load parses the YAML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the CHATD_CONFIG env var when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CHATD_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
