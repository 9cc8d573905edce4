package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PromptsConfig contains prompt texts loaded from YAML
type PromptsConfig struct {
	Analyzer AnalyzerPrompts `yaml:"analyzer"`
}

// AnalyzerPrompts contains analyzer-related prompt texts
type AnalyzerPrompts struct {
	// StrategyGuide restricts when the secretary may decide to reply.
	// Empty means no restriction beyond the model's own judgement.
	StrategyGuide string `yaml:"strategy_guide"`
}

// DefaultPromptsConfig returns the built-in prompt configuration
func DefaultPromptsConfig() *PromptsConfig {
	return &PromptsConfig{}
}

// LoadPromptsConfig loads prompt configuration from a YAML file. An
// empty path tries the conventional locations; a missing file falls back
// to the built-in defaults.
func LoadPromptsConfig(configPath string) (*PromptsConfig, error) {
	paths := []string{configPath}
	if configPath == "" {
		paths = []string{
			"configs/prompts.yaml",
			"./configs/prompts.yaml",
			"/etc/angelheart/prompts.yaml",
		}
		if execPath, err := os.Executable(); err == nil {
			paths = append(paths, filepath.Join(filepath.Dir(execPath), "configs", "prompts.yaml"))
		}
		if wd, err := os.Getwd(); err == nil {
			paths = append(paths, filepath.Join(wd, "configs", "prompts.yaml"))
		}
	}

	for _, p := range paths {
		if p == "" {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		cfg := DefaultPromptsConfig()
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse prompts config %s: %w", p, err)
		}
		return cfg, nil
	}

	return DefaultPromptsConfig(), nil
}
