// Package config loads the settings of a BSP worker from
// the environment and its command line.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "BSP_"

// Config holds the settings shared by every worker of a
// run. Only Rank differs between workers.
type Config struct {
	Rank  int      `env:"RANK"  envDefault:"0"`
	Peers []string `env:"PEERS" envDefault:"localhost:7400" envSeparator:","`

	ExchangeFreq int    `env:"EXCHANGE_FREQ" envDefault:"1"`
	SnapshotFreq int    `env:"SNAPSHOT_FREQ" envDefault:"5"`
	SnapshotDir  string `env:"SNAPSHOT_DIR"  envDefault:"./snapshots/"`
	SnapshotKeep int    `env:"SNAPSHOT_KEEP" envDefault:"0"`
	RecordDir    string `env:"RECORD_DIR"    envDefault:""`
	PrintFreq    int    `env:"PRINT_FREQ"    envDefault:"40"`

	DevicesPerNode int           `env:"DEVICES_PER_NODE" envDefault:"1"`
	MetricsAddr    string        `env:"METRICS_ADDR"     envDefault:""`
	DialTimeout    time.Duration `env:"DIAL_TIMEOUT"     envDefault:"1m"`

	// MaxMsgSize limits the encoded size of a packet in
	// bytes.
	MaxMsgSize int `env:"MAX_MSG_SIZE" envDefault:"536870912"`

	// ModelParams is passed to the model, written as
	// "key:value,key:value".
	ModelParams map[string]string `env:"MODEL_PARAMS" envKeyValSeparator:":"`
}

// Load reads a Config from the process environment.
func Load() (*Config, error) {
	return load(env.Options{Prefix: EnvPrefix})
}

// LoadFrom reads a Config from the given variables
// instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return load(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Size returns the number of workers.
func (c *Config) Size() int {
	return len(c.Peers)
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	if len(c.Peers) == 0 {
		return errors.New("no peers configured")
	}
	if c.Rank < 0 || c.Rank >= len(c.Peers) {
		return errors.Errorf("rank %d out of range for %d peers", c.Rank, len(c.Peers))
	}
	for name, value := range map[string]int{
		"exchange frequency": c.ExchangeFreq,
		"snapshot frequency": c.SnapshotFreq,
		"print frequency":    c.PrintFreq,
		"devices per node":   c.DevicesPerNode,
		"max message size":   c.MaxMsgSize,
	} {
		if value <= 0 {
			return errors.Errorf("%s must be positive, got %d", name, value)
		}
	}
	if c.SnapshotKeep < 0 {
		return errors.Errorf("snapshot keep count must not be negative, got %d", c.SnapshotKeep)
	}
	if c.DialTimeout < 0 {
		return errors.Errorf("dial timeout must not be negative, got %s", c.DialTimeout)
	}
	return nil
}
