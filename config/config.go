// Package config loads the tandem process configuration from a TOML file.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sorafune/tandem/pkg/logger"
	"github.com/sorafune/tandem/pkg/telemetry"
)

// CoordinatorConfig configures the coordinator core.
type CoordinatorConfig struct {
	// ListenAddr is where the (external) transport layer accepts
	// participant connections.
	ListenAddr string `toml:"listen_addr"`
	// DispatchTimeout bounds the synchronous branch commit/rollback call.
	DispatchTimeout duration `toml:"dispatch_timeout"`
	// DefaultGlobalTimeout applies to transactions begun without an
	// explicit timeout.
	DefaultGlobalTimeout duration `toml:"default_global_timeout"`
}

// AgentConfig configures the participant-side registration agent.
type AgentConfig struct {
	ApplicationID           string `toml:"application_id"`
	TransactionServiceGroup string `toml:"transaction_service_group"`
}

// Config is the top-level process configuration.
type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Agent       AgentConfig       `toml:"agent"`
	Logging     logger.Config     `toml:"logging"`
	Telemetry   telemetry.Config  `toml:"telemetry"`
}

// duration lets TOML carry values like "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Duration converts to the standard type.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used when a field is absent from the
// file.
func Default() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			ListenAddr:           ":8091",
			DispatchTimeout:      duration(30 * time.Second),
			DefaultGlobalTimeout: duration(60 * time.Second),
		},
		Agent: AgentConfig{
			ApplicationID:           "tandem-app",
			TransactionServiceGroup: "default_tx_group",
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "tandem",
			PrometheusPort: 9464,
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.Coordinator.DispatchTimeout <= 0 {
		return Config{}, fmt.Errorf("config %s: dispatch_timeout must be positive", path)
	}
	return cfg, nil
}
