// Package config provides configuration management for the event routing core.
// It supports loading configuration from environment variables, a config file,
// and documented defaults, the way the rest of the Kandev stack does.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relayforge/agentbridge/internal/common/logger"
)

// Config holds all configuration sections for the routing core.
type Config struct {
	Registry    RegistryConfig    `mapstructure:"registry"`
	ConnManager ConnManagerConfig `mapstructure:"connectionManager"`
	Bridge      BridgeConfig      `mapstructure:"bridge"`
	EventBus    EventBusConfig    `mapstructure:"eventBus"`
	Logging     logger.Config     `mapstructure:"logging"`
}

// RegistryConfig configures the thread<->run registry.
type RegistryConfig struct {
	MappingTTL          time.Duration `mapstructure:"mappingTtl"`
	CleanupInterval     time.Duration `mapstructure:"cleanupInterval"`
	MaxMappings         int           `mapstructure:"maxMappings"`
	EnableDebugLogging  bool          `mapstructure:"enableDebugLogging"`
}

// ConnManagerConfig configures the connection manager.
type ConnManagerConfig struct {
	MaxFailedQueue int           `mapstructure:"maxFailedQueue"`
	RetryAttempts  int           `mapstructure:"retryAttempts"`
	RetryBaseDelay time.Duration `mapstructure:"retryBaseDelay"`
}

// BridgeConfig configures the agent-to-websocket bridge.
type BridgeConfig struct {
	InitTimeout          time.Duration `mapstructure:"initTimeout"`
	HealthCheckInterval  time.Duration `mapstructure:"healthCheckInterval"`
	RecoveryBaseDelay    time.Duration `mapstructure:"recoveryBaseDelay"`
	RecoveryMaxDelay     time.Duration `mapstructure:"recoveryMaxDelay"`
	RecoveryMaxAttempts  int           `mapstructure:"recoveryMaxAttempts"`
}

// EventBusConfig selects and configures the (optional) cross-process
// event bus used for non-critical, best-effort fan-out of
// connection_status events.
type EventBusConfig struct {
	NATSURL       string `mapstructure:"natsUrl"` // empty selects the in-memory bus
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// Default returns the documented production defaults for every
// component this process wires together.
func Default() Config {
	return Config{
		Registry: RegistryConfig{
			MappingTTL:         24 * time.Hour,
			CleanupInterval:    30 * time.Minute,
			MaxMappings:        10_000,
			EnableDebugLogging: false,
		},
		ConnManager: ConnManagerConfig{
			MaxFailedQueue: 10,
			RetryAttempts:  3,
			RetryBaseDelay: 100 * time.Millisecond,
		},
		Bridge: BridgeConfig{
			InitTimeout:         10 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			RecoveryBaseDelay:   1 * time.Second,
			RecoveryMaxDelay:    10 * time.Second,
			RecoveryMaxAttempts: 3,
		},
		EventBus: EventBusConfig{
			MaxReconnects: 10,
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}

// Load reads configuration from the optional file at path and falls
// back to Default() for anything unset. Environment variables prefixed
// AGENTBRIDGE_ (a key's "." written as "_") override only keys that
// also appear in that file; a variable for a key the file does not
// set is not read.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("AGENTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
