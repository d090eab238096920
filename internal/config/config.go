// Package config loads cascadefocus's settings from an optional YAML file
// with environment-variable overrides. Precedence is defaults < file < env;
// flags are layered on top of this by the CLI entrypoint via viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ICEFailureDetection holds the bridge ICE failure detector's tunables.
type ICEFailureDetection struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	MinEndpoints int           `yaml:"minEndpoints"`
	Threshold    float64       `yaml:"threshold"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LoadRedistribution holds the load-redistribution sweep's tunables.
type LoadRedistribution struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	Timeout         time.Duration `yaml:"timeout"`
	StressThreshold float64       `yaml:"stressThreshold"`
	Endpoints       int           `yaml:"endpoints"`
}

// HealthChecks holds the bridge health subsystem tunables.
type HealthChecks struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	UsePresence     bool          `yaml:"usePresence"`
	PresenceTimeout time.Duration `yaml:"presenceTimeout"`
}

// Octo holds the multi-bridge ("octo") policy tunables.
type Octo struct {
	Enabled            bool `yaml:"enabled"`
	AllowMixedVersions bool `yaml:"allowMixedVersions"`
}

// Config is the process's complete configuration surface.
type Config struct {
	StressThreshold              float64             `yaml:"stressThreshold"`
	AverageParticipantStress     float64             `yaml:"averageParticipantStress"`
	ParticipantRampupInterval    time.Duration       `yaml:"participantRampupInterval"`
	MaxBridgeParticipants        int                 `yaml:"maxBridgeParticipants"`
	FailureResetThreshold        time.Duration       `yaml:"failureResetThreshold"`
	SelectionStrategy            string              `yaml:"selectionStrategy"`
	ParticipantSelectionStrategy string              `yaml:"participantSelectionStrategy"`
	VisitorSelectionStrategy     string              `yaml:"visitorSelectionStrategy"`
	TopologyStrategy             string              `yaml:"topologyStrategy"`
	RegionGroups                 map[string][]string `yaml:"regionGroups"`
	ICEFailureDetection          ICEFailureDetection `yaml:"iceFailureDetection"`
	LoadRedistribution           LoadRedistribution  `yaml:"loadRedistribution"`
	HealthChecks                 HealthChecks        `yaml:"healthChecks"`
	Octo                         Octo                `yaml:"octo"`

	// SingleParticipantTimeout is how long a conference may hold exactly
	// one participant before that participant is evicted and the
	// conference disposed.
	SingleParticipantTimeout time.Duration `yaml:"singleParticipantTimeout"`

	GRPCListenAddress string `yaml:"grpcListenAddress"`
	MetricsAddress    string `yaml:"metricsAddress"`
	LogLevel          string `yaml:"logLevel"`
}

// Default returns the built-in defaults for the process configuration. Some
// of them differ from the bridge package's DefaultConfig() values for the
// same tunable.
func Default() Config {
	return Config{
		StressThreshold:           0.8,
		AverageParticipantStress:  0.01,
		ParticipantRampupInterval: 10 * time.Second,
		MaxBridgeParticipants:     -1,
		FailureResetThreshold:     60 * time.Second,
		SelectionStrategy:         "region-based",
		TopologyStrategy:          "single-mesh",
		ICEFailureDetection: ICEFailureDetection{
			Enabled:      true,
			Interval:     10 * time.Second,
			MinEndpoints: 3,
			Threshold:    0.25,
			Timeout:      15 * time.Second,
		},
		LoadRedistribution: LoadRedistribution{
			Enabled:         true,
			Interval:        time.Minute,
			Timeout:         30 * time.Second,
			StressThreshold: 0.8,
			Endpoints:       1,
		},
		HealthChecks: HealthChecks{
			Enabled:         true,
			Interval:        10 * time.Second,
			RetryDelay:      5 * time.Second,
			UsePresence:     true,
			PresenceTimeout: 30 * time.Second,
		},
		Octo: Octo{
			Enabled:            true,
			AllowMixedVersions: false,
		},
		SingleParticipantTimeout: 2 * time.Minute,
		GRPCListenAddress:        "0.0.0.0:9090",
		MetricsAddress:           "0.0.0.0:9091",
		LogLevel:                 "info",
	}
}

// Load reads defaults, overlays an optional YAML file at path (skipped
// silently if path is ""), then overlays environment variables, which win
// last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASCADEFOCUS_STRESS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.StressThreshold = f
		}
	}
	if v := os.Getenv("CASCADEFOCUS_MAX_BRIDGE_PARTICIPANTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBridgeParticipants = n
		}
	}
	if v := os.Getenv("CASCADEFOCUS_SELECTION_STRATEGY"); v != "" {
		cfg.SelectionStrategy = v
	}
	if v := os.Getenv("CASCADEFOCUS_TOPOLOGY_STRATEGY"); v != "" {
		cfg.TopologyStrategy = v
	}
	if v := os.Getenv("CASCADEFOCUS_OCTO_ENABLED"); v != "" {
		cfg.Octo.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CASCADEFOCUS_GRPC_LISTEN_ADDRESS"); v != "" {
		cfg.GRPCListenAddress = v
	}
	if v := os.Getenv("CASCADEFOCUS_METRICS_ADDRESS"); v != "" {
		cfg.MetricsAddress = v
	}
	if v := os.Getenv("CASCADEFOCUS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
