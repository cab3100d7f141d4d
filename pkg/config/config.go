// Package config loads and validates the service configuration: one
// dirigent.yaml with {{.ENV_VAR}} expansion, built-in defaults merged
// underneath, and fail-fast validation at startup.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the application.
type Config struct {
	configDir string

	Server    *ServerConfig    `yaml:"server"`
	Redis     *RedisConfig     `yaml:"redis"`
	Docstore  *DocstoreConfig  `yaml:"docstore"`
	LLM       *LLMConfig       `yaml:"llm"`
	Brain     *BrainConfig     `yaml:"brain"`
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Workflow  *WorkflowConfig  `yaml:"workflow"`
	Workers   *WorkersConfig   `yaml:"workers"`
	Logging   *LoggingConfig   `yaml:"logging"`
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	ShutdownTimeout  string   `yaml:"shutdown_timeout"` // duration string
	shutdownTimeout  time.Duration
	RPCTimeoutMs     int `yaml:"rpc_timeout_ms"` // default per-call RPC timeout
}

// ShutdownTimeoutDuration returns the parsed graceful-shutdown window.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration { return s.shutdownTimeout }

// RPCTimeout returns the default per-call RPC timeout.
func (s *ServerConfig) RPCTimeout() time.Duration {
	return time.Duration(s.RPCTimeoutMs) * time.Millisecond
}

// RedisConfig is the KV store connection configuration.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	UseTLS   bool   `yaml:"use_tls"`
}

// DocstoreConfig is the document store connection configuration.
type DocstoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// LLMConfig selects the provider models and caps.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"` // expanded from {{.ANTHROPIC_API_KEY}}
	Model       string  `yaml:"model"`
	MiniModel   string  `yaml:"mini_model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// BrainConfig tunes per-thread context management.
type BrainConfig struct {
	// TokenSoftLimit triggers resummarization before the next turn once the
	// thread's accumulated context crosses it.
	TokenSoftLimit int `yaml:"token_soft_limit"`
	// KeepRecentMessages is how many trailing messages survive a
	// resummarization untouched.
	KeepRecentMessages int `yaml:"keep_recent_messages"`
}

// SchedulerConfig tunes the cron tick loop.
type SchedulerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TickInterval string `yaml:"tick_interval"` // duration string
	tickInterval time.Duration
	MaxParallel  int `yaml:"max_parallel"` // bounded spawn fan-out per tick
}

// TickIntervalDuration returns the parsed tick interval.
func (s *SchedulerConfig) TickIntervalDuration() time.Duration { return s.tickInterval }

// WorkflowConfig tunes the turn loop and the LPT watchdog.
type WorkflowConfig struct {
	MaxTurns         int    `yaml:"max_turns"`
	LPTMaxWait       string `yaml:"lpt_max_wait"` // duration string
	lptMaxWait       time.Duration
	WatchdogInterval string `yaml:"watchdog_interval"` // duration string
	watchdogInterval time.Duration
}

// LPTMaxWaitDuration returns how long a paused workflow waits for a worker
// callback before the watchdog forces a failed resumption.
func (w *WorkflowConfig) LPTMaxWaitDuration() time.Duration { return w.lptMaxWait }

// WatchdogIntervalDuration returns the paused-workflow sweep interval.
func (w *WorkflowConfig) WatchdogIntervalDuration() time.Duration { return w.watchdogInterval }

// WorkersConfig points at the long-process worker fleet.
type WorkersConfig struct {
	// Endpoints maps worker type (apbookeeper, router, banker, hr_jobber)
	// to its submit base URL.
	Endpoints map[string]string `yaml:"endpoints"`
	// APIKey authenticates submits to workers.
	APIKey string `yaml:"api_key"`
	// CallbackBaseURL is where workers reach this service back.
	CallbackBaseURL string `yaml:"callback_base_url"`
	// CallbackToken is the shared bearer token workers present on
	// /lpt/callback.
	CallbackToken string `yaml:"callback_token"`
	SubmitTimeout string `yaml:"submit_timeout"` // duration string
	submitTimeout time.Duration
}

// SubmitTimeoutDuration returns the per-submit HTTP timeout.
func (w *WorkersConfig) SubmitTimeoutDuration() time.Duration { return w.submitTimeout }

// LoggingConfig selects the slog level.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string { return c.configDir }
