package concurrency

import (
	"flag"
	"time"

	"github.com/brown-csci1270/glock/pkg/hash"
	"github.com/cockroachdb/errors"
)

// Config configures a Manager and the clients it creates.
type Config struct {
	AcquisitionTimeout time.Duration `yaml:"acquisition_timeout"`
	VerboseDeadlocks   bool          `yaml:"verbose_deadlocks"`
	Stripes            int           `yaml:"stripes"`
	Hasher             string        `yaml:"hasher"`
	MemoryLimit        int64         `yaml:"memory_limit"`
}

// RegisterFlags registers flags under the "lock." prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("lock.", f)
}

// RegisterFlagsWithPrefix registers flags, each name prefixed with prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.AcquisitionTimeout, prefix+"acquisition-timeout", 0, "Maximum time to wait for a single lock. 0 waits until granted, deadlocked or stopped.")
	f.BoolVar(&cfg.VerboseDeadlocks, prefix+"verbose-deadlocks", false, "Describe the full wait cycle in deadlock errors.")
	f.IntVar(&cfg.Stripes, prefix+"stripes", 64, "Number of independently latched stripes per resource type table.")
	f.StringVar(&cfg.Hasher, prefix+"hasher", hash.XxHash, "Hash used to pick a stripe: xxhash or murmur3.")
	f.Int64Var(&cfg.MemoryLimit, prefix+"memory-limit", 0, "Bytes of lock bookkeeping allowed across all clients. 0 is unlimited.")
}

// DefaultConfig returns the flag defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return cfg
}

// Validate checks the config.
func (cfg *Config) Validate() error {
	if cfg.AcquisitionTimeout < 0 {
		return errors.Newf("invalid acquisition timeout %s", cfg.AcquisitionTimeout)
	}
	if cfg.Stripes <= 0 {
		return errors.Newf("invalid number of stripes %d, must be positive", cfg.Stripes)
	}
	if cfg.MemoryLimit < 0 {
		return errors.Newf("invalid memory limit %d", cfg.MemoryLimit)
	}
	if _, err := hash.ByName(cfg.Hasher); err != nil {
		return err
	}
	return nil
}
