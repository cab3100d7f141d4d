package config

// DefaultConfig returns the built-in defaults. User YAML is merged on top;
// anything left unset here must be provided by the user and is enforced by
// the validator.
func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			RPCTimeoutMs:    120_000,
		},
		Redis: &RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Docstore: &DocstoreConfig{
			URI:      "mongodb://localhost:27017",
			Database: "dirigent",
		},
		LLM: &LLMConfig{
			Model:     "claude-sonnet-4-5",
			MiniModel: "claude-haiku-4-5",
			MaxTokens: 8192,
		},
		Brain: &BrainConfig{
			TokenSoftLimit:     80_000,
			KeepRecentMessages: 12,
		},
		Scheduler: &SchedulerConfig{
			Enabled:      true,
			TickInterval: "60s",
			MaxParallel:  4,
		},
		Workflow: &WorkflowConfig{
			MaxTurns:         10,
			LPTMaxWait:       "30m",
			WatchdogInterval: "5m",
		},
		Workers: &WorkersConfig{
			Endpoints:     map[string]string{},
			SubmitTimeout: "30s",
		},
		Logging: &LoggingConfig{
			Level: "info",
		},
	}
}
