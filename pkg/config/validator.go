package config

import (
	"fmt"
	"time"
)

// ConfigValidator validates configuration comprehensively with clear error
// messages.
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast, stops at first
// error).
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := v.validateRedis(); err != nil {
		return fmt.Errorf("redis validation failed: %w", err)
	}
	if err := v.validateDocstore(); err != nil {
		return fmt.Errorf("docstore validation failed: %w", err)
	}
	if err := v.validateLLM(); err != nil {
		return fmt.Errorf("llm validation failed: %w", err)
	}
	if err := v.validateBrain(); err != nil {
		return fmt.Errorf("brain validation failed: %w", err)
	}
	if err := v.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler validation failed: %w", err)
	}
	if err := v.validateWorkflow(); err != nil {
		return fmt.Errorf("workflow validation failed: %w", err)
	}
	if err := v.validateWorkers(); err != nil {
		return fmt.Errorf("workers validation failed: %w", err)
	}
	if err := v.validateLogging(); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: %d", ErrInvalidValue, s.Port))
	}
	if s.shutdownTimeout <= 0 {
		return NewValidationError("server", "shutdown_timeout", fmt.Errorf("must be positive"))
	}
	if s.RPCTimeoutMs < 1000 {
		return NewValidationError("server", "rpc_timeout_ms", fmt.Errorf("must be at least 1000"))
	}
	return nil
}

func (v *ConfigValidator) validateRedis() error {
	r := v.cfg.Redis
	if r.Host == "" {
		return NewValidationError("redis", "host", ErrMissingRequiredField)
	}
	if r.Port < 1 || r.Port > 65535 {
		return NewValidationError("redis", "port", fmt.Errorf("%w: %d", ErrInvalidValue, r.Port))
	}
	return nil
}

func (v *ConfigValidator) validateDocstore() error {
	d := v.cfg.Docstore
	if d.URI == "" {
		return NewValidationError("docstore", "uri", ErrMissingRequiredField)
	}
	if d.Database == "" {
		return NewValidationError("docstore", "database", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateLLM() error {
	l := v.cfg.LLM
	if l.APIKey == "" {
		return NewValidationError("llm", "api_key", ErrMissingRequiredField)
	}
	if l.Model == "" {
		return NewValidationError("llm", "model", ErrMissingRequiredField)
	}
	if l.MaxTokens < 1 {
		return NewValidationError("llm", "max_tokens", fmt.Errorf("must be at least 1"))
	}
	if l.Temperature < 0 || l.Temperature > 1 {
		return NewValidationError("llm", "temperature", fmt.Errorf("%w: %v", ErrInvalidValue, l.Temperature))
	}
	return nil
}

func (v *ConfigValidator) validateBrain() error {
	b := v.cfg.Brain
	if b.TokenSoftLimit < 1000 {
		return NewValidationError("brain", "token_soft_limit", fmt.Errorf("must be at least 1000"))
	}
	if b.KeepRecentMessages < 2 {
		return NewValidationError("brain", "keep_recent_messages", fmt.Errorf("must be at least 2"))
	}
	return nil
}

func (v *ConfigValidator) validateScheduler() error {
	s := v.cfg.Scheduler
	if s.tickInterval < 10*time.Second {
		return NewValidationError("scheduler", "tick_interval", fmt.Errorf("must be at least 10s"))
	}
	if s.MaxParallel < 1 {
		return NewValidationError("scheduler", "max_parallel", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *ConfigValidator) validateWorkflow() error {
	w := v.cfg.Workflow
	if w.MaxTurns < 1 {
		return NewValidationError("workflow", "max_turns", fmt.Errorf("must be at least 1"))
	}
	if w.lptMaxWait <= 0 {
		return NewValidationError("workflow", "lpt_max_wait", fmt.Errorf("must be positive"))
	}
	if w.watchdogInterval <= 0 {
		return NewValidationError("workflow", "watchdog_interval", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateWorkers() error {
	w := v.cfg.Workers
	for workerType, url := range w.Endpoints {
		if url == "" {
			return NewValidationError("workers", "endpoints."+workerType, ErrMissingRequiredField)
		}
	}
	if len(w.Endpoints) > 0 && w.CallbackBaseURL == "" {
		return NewValidationError("workers", "callback_base_url", ErrMissingRequiredField)
	}
	if len(w.Endpoints) > 0 && w.CallbackToken == "" {
		return NewValidationError("workers", "callback_token", ErrMissingRequiredField)
	}
	if w.submitTimeout <= 0 {
		return NewValidationError("workers", "submit_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateLogging() error {
	switch v.cfg.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return NewValidationError("logging", "level", fmt.Errorf("%w: %q", ErrInvalidValue, v.cfg.Logging.Level))
	}
}
