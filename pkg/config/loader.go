package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Environment overrides — the closed set that may override file config.
const (
	EnvWorktreeDir     = "SQUADRON_WORKTREE_DIR"
	EnvSandboxDisabled = "SQUADRON_SANDBOX_DISABLED"
)

// ConfigFileName is the main configuration file inside the config directory.
const ConfigFileName = "squadron.yaml"

// Initialize loads, merges, defaults, and validates configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load squadron.yaml from configDir
//  2. Expand environment variables ({{.VAR}} syntax)
//  3. Parse YAML into structs
//  4. Merge over built-in defaults (mergo)
//  5. Apply default values
//  6. Apply environment overrides (closed set)
//  7. Build in-memory registries
//  8. Validate (collecting all errors)
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := mergo.Merge(cfg, builtinConfig(), mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("failed to merge built-in configuration: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	cfg.RoleRegistry = NewRoleRegistry(cfg.AgentRoles)
	cfg.WorkflowRegistry = NewWorkflowRegistry(cfg.Workflows)

	validator := NewValidator(cfg)
	if err := validator.Validate(); err != nil {
		return nil, err
	}

	log.Info("Configuration initialized",
		"roles", cfg.RoleRegistry.Len(),
		"workflows", cfg.WorkflowRegistry.Len(),
		"max_concurrent_agents", cfg.Runtime.MaxConcurrentAgents)
	return cfg, nil
}

// load reads and parses the main configuration file.
func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{File: path, Err: ErrConfigNotFound}
		}
		return nil, &LoadError{File: path, Err: err}
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}
	return &cfg, nil
}

// applyEnvOverrides applies the closed set of environment overrides.
func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv(EnvWorktreeDir); dir != "" {
		cfg.Runtime.WorktreeDir = dir
	}
}

// builtinConfig returns the baseline configuration merged under user config.
func builtinConfig() *Config {
	return &Config{
		Project: ProjectConfig{
			DefaultBranch: "main",
			BotUsername:   "squadron-bot",
		},
		AgentRoles: map[string]*RoleConfig{},
		Workflows:  map[string]*PipelineConfig{},
	}
}
