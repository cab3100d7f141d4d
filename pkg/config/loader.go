package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const configFileName = "dirigent.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read dirigent.yaml from configDir
//  2. Expand {{.ENV_VAR}} template variables
//  3. Parse YAML
//  4. Merge user config over built-in defaults
//  5. Parse duration strings
//  6. Validate everything; fail fast
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"server_port", cfg.Server.Port,
		"scheduler_enabled", cfg.Scheduler.Enabled,
		"workers", len(cfg.Workers.Endpoints),
		"model", cfg.LLM.Model)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	var user Config
	if err := loadYAML(configDir, configFileName, &user); err != nil {
		return nil, NewLoadError(configFileName, err)
	}

	cfg := DefaultConfig()
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}
	cfg.configDir = configDir

	if err := resolveDurations(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(configDir, filename string, target any) error {
	path := filepath.Join(configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// resolveDurations parses the duration-string fields once so callers get
// time.Duration accessors.
func resolveDurations(cfg *Config) error {
	parse := func(section, field, value string, out *time.Duration) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return NewValidationError(section, field, fmt.Errorf("%w: %q", ErrInvalidValue, value))
		}
		*out = d
		return nil
	}

	if err := parse("server", "shutdown_timeout", cfg.Server.ShutdownTimeout, &cfg.Server.shutdownTimeout); err != nil {
		return err
	}
	if err := parse("scheduler", "tick_interval", cfg.Scheduler.TickInterval, &cfg.Scheduler.tickInterval); err != nil {
		return err
	}
	if err := parse("workflow", "lpt_max_wait", cfg.Workflow.LPTMaxWait, &cfg.Workflow.lptMaxWait); err != nil {
		return err
	}
	if err := parse("workflow", "watchdog_interval", cfg.Workflow.WatchdogInterval, &cfg.Workflow.watchdogInterval); err != nil {
		return err
	}
	if err := parse("workers", "submit_timeout", cfg.Workers.SubmitTimeout, &cfg.Workers.submitTimeout); err != nil {
		return err
	}
	return nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
