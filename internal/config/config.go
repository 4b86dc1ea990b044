// Package config loads the broker's configuration from a YAML file with
// environment-variable overrides, matching the key surface in SPEC_FULL.md §6.
// Unrecognised keys are rejected at load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Broker struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	MaxConnections      int    `yaml:"max_connections"`
	QueueDepthThreshold int    `yaml:"queue_depth_threshold"`
	WorkerLeaseSeconds  int    `yaml:"worker_lease_seconds"`
	APIPort             int    `yaml:"api_port"`
}

type Persistence struct {
	DataDir                  string `yaml:"data_dir"`
	WALSyncMS                int    `yaml:"wal_sync_ms"`
	CompletedRetentionDays   int    `yaml:"completed_retention_days"`
	CompactIntervalSeconds   int    `yaml:"compact_interval_seconds"`
}

type Worker struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `yaml:"heartbeat_timeout_seconds"`
}

// Config is the full recognised configuration surface.
type Config struct {
	Broker      Broker      `yaml:"broker"`
	Persistence Persistence `yaml:"persistence"`
	Worker      Worker      `yaml:"worker"`
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		Broker: Broker{
			Host:                "0.0.0.0",
			Port:                7070,
			MaxConnections:      1000,
			QueueDepthThreshold: 100_000,
			WorkerLeaseSeconds:  30,
			APIPort:             9090,
		},
		Persistence: Persistence{
			DataDir:                "./data",
			WALSyncMS:              100,
			CompletedRetentionDays: 7,
			CompactIntervalSeconds: 3600,
		},
		Worker: Worker{
			HeartbeatIntervalSeconds: 15,
			HeartbeatTimeoutSeconds:  30,
		},
	}
}

// Load reads path (if non-empty) over the defaults, rejecting unrecognised
// keys, then applies TQ_-prefixed environment overrides for the fields the
// broker CLI exposes as flags.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TQ_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("TQ_BROKER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = n
		}
	}
	if v := os.Getenv("TQ_DATA_DIR"); v != "" {
		cfg.Persistence.DataDir = v
	}
	if v := os.Getenv("TQ_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.APIPort = n
		}
	}
}

func (p Persistence) WALSyncInterval() time.Duration {
	return time.Duration(p.WALSyncMS) * time.Millisecond
}

func (p Persistence) RetentionPeriod() time.Duration {
	return time.Duration(p.CompletedRetentionDays) * 24 * time.Hour
}

func (w Worker) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
}

func (w Worker) HeartbeatTimeout() time.Duration {
	return time.Duration(w.HeartbeatTimeoutSeconds) * time.Second
}

func (b Broker) LeaseDuration() time.Duration {
	return time.Duration(b.WorkerLeaseSeconds) * time.Second
}
