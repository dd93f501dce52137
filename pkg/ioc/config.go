package ioc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the indicator configuration as loaded from YAML
type Config struct {
	CIDRs   []string    `yaml:"cidrs" json:"cidrs"`
	ASN     []string    `yaml:"asn" json:"asn"`
	Country []string    `yaml:"country" json:"country"`
	UA      []string    `yaml:"ua" json:"ua"`
	URI     []string    `yaml:"uri" json:"uri"`
	Regex   RegexConfig `yaml:"regex" json:"regex"`
}

// RegexConfig holds the pattern lists matched with search semantics
type RegexConfig struct {
	UA  []string `yaml:"ua" json:"ua"`
	URI []string `yaml:"uri" json:"uri"`
}

// ConfigError reports a malformed indicator entry
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid indicator config %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid indicator config %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Parse builds a rule set from YAML bytes
func Parse(data []byte, opts ...Option) (*RuleSet, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Field: "document", Err: err}
	}
	return New(cfg, opts...)
}

// LoadFile builds a rule set from a YAML file
func LoadFile(path string, opts ...Option) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read indicator file: %w", err)
	}
	return Parse(data, opts...)
}
