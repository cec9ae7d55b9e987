package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all helper configuration.
type Config struct {
	Server   ServerConfig
	Watchdog WatchdogConfig
	GPU      GPUConfig
	Engine   EngineConfig
	Logging  LogConfig
}

// ServerConfig holds the host channel listener configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8090"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// WatchdogConfig holds parent liveness monitoring configuration. A zero
// ParentPID disables monitoring.
type WatchdogConfig struct {
	ParentPID int `envconfig:"PARENT_PID" default:"0"`
	PollMS    int `envconfig:"WATCHDOG_POLL_MS" default:"250"`
	GraceMS   int `envconfig:"WATCHDOG_GRACE_MS" default:"1000"`
}

// GPUConfig holds texture device configuration.
type GPUConfig struct {
	PowerPref string `envconfig:"GPU_POWER_PREF" default:"high-performance"`
	Disabled  bool   `envconfig:"GPU_DISABLED" default:"false"`
}

// EngineConfig holds browser engine configuration. RemoteURL points at an
// already running Chromium devtools endpoint; empty launches a local one.
type EngineConfig struct {
	RemoteURL string `envconfig:"ENGINE_REMOTE_URL" default:""`
	DataDir   string `envconfig:"DATA_DIR" default:""`
	Stealth   bool   `envconfig:"ENGINE_STEALTH" default:"false"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8090",
			Host: "127.0.0.1",
		},
		Watchdog: WatchdogConfig{
			ParentPID: 0,
			PollMS:    250,
			GraceMS:   1000,
		},
		GPU: GPUConfig{
			PowerPref: "high-performance",
			Disabled:  false,
		},
		Engine: EngineConfig{},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
