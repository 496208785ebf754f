// Package config binds and validates a quarry node's startup configuration.
// The configuration is read once at startup and is immutable for the node's
// lifetime.
package config

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/castellan/quarry/errors"
)

// Tracker strategy names for the concurrency-block tracker.
const (
	TrackerMemory = "memory"
	TrackerStore  = "store"
)

// Config is a quarry node's startup configuration.
type Config struct {
	// Database is the SQLite path shared by all cluster members.
	Database struct {
		Path        string `mapstructure:"path"`
		TablePrefix string `mapstructure:"table_prefix"`
	} `mapstructure:"database"`

	// Scheduler identifies this node within its logical scheduler.
	Scheduler struct {
		Name     string `mapstructure:"name"`
		Instance string `mapstructure:"instance"`
	} `mapstructure:"scheduler"`

	// Cluster controls multi-node coordination.
	Cluster struct {
		Enabled                bool          `mapstructure:"enabled"`
		CheckInInterval        time.Duration `mapstructure:"checkin_interval"`
		CheckInStaleMultiplier float64       `mapstructure:"checkin_stale_multiplier"`
		// RecoveryPerSecond caps how many orphaned triggers one recovery
		// sweep resets per second; zero means no cap.
		RecoveryPerSecond float64 `mapstructure:"recovery_per_second"`
	} `mapstructure:"cluster"`

	// MisfireThreshold is how far past due a Waiting trigger may be before
	// misfire correction applies.
	MisfireThreshold time.Duration `mapstructure:"misfire_threshold"`

	// BlockTracker selects the concurrency-block strategy: "memory" or
	// "store".
	BlockTracker string `mapstructure:"block_tracker"`

	// LogJSON switches structured JSON log output on.
	LogJSON bool `mapstructure:"log_json"`
}

// SetDefaults configures default values on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "quarry.db")
	v.SetDefault("database.table_prefix", "quarry_")
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.checkin_interval", 7500*time.Millisecond)
	v.SetDefault("cluster.checkin_stale_multiplier", 2.5)
	v.SetDefault("cluster.recovery_per_second", float64(50))
	v.SetDefault("misfire_threshold", time.Minute)
	v.SetDefault("block_tracker", TrackerMemory)
	v.SetDefault("log_json", false)
}

// Load reads configuration from an optional file plus QUARRY_* environment
// variables, then validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUARRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configPath)
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from a prepared viper
// instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if cfg.Scheduler.Instance == "" {
		cfg.Scheduler.Instance = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration surface. Violations are fatal: an
// invalid node must not join the cluster.
func (c *Config) Validate() error {
	if c.Scheduler.Name == "" {
		return errors.New("config: scheduler.name is required")
	}
	if c.Database.Path == "" {
		return errors.New("config: database.path is required")
	}
	if c.Cluster.CheckInInterval <= 0 {
		return errors.New("config: cluster.checkin_interval must be positive")
	}
	if c.Cluster.CheckInStaleMultiplier <= 1 {
		return errors.New("config: cluster.checkin_stale_multiplier must exceed 1")
	}
	if c.Cluster.RecoveryPerSecond < 0 {
		return errors.New("config: cluster.recovery_per_second must not be negative")
	}
	if c.MisfireThreshold <= 0 {
		return errors.New("config: misfire_threshold must be positive")
	}

	switch c.BlockTracker {
	case TrackerMemory, TrackerStore:
	default:
		return errors.Newf("config: unknown block_tracker %q", c.BlockTracker)
	}

	// The in-memory tracker cannot expose blocks to peers, so a clustered
	// node running it would silently break the non-reentrancy guarantee.
	if c.Cluster.Enabled && c.BlockTracker != TrackerStore {
		return errors.New("config: clustered deployments require block_tracker = store")
	}

	return nil
}
