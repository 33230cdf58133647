package config

import (
	"flag"
	"os"

	"github.com/brown-csci1270/glock/pkg/concurrency"
	"github.com/brown-csci1270/glock/pkg/logging"
	"github.com/brown-csci1270/glock/pkg/tracing"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the TCP REPL server.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Prompt      bool   `yaml:"prompt"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// RegisterFlags registers flags under the "server." prefix.
func (cfg *ServerConfig) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.Port, "server.port", DefaultPort, "Port the REPL server listens on.")
	f.BoolVar(&cfg.Prompt, "server.prompt", true, "Print a prompt before every command.")
	f.StringVar(&cfg.MetricsAddr, "server.metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090. Empty disables it.")
}

// Validate checks the config.
func (cfg *ServerConfig) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return errors.Newf("invalid server port %d", cfg.Port)
	}
	return nil
}

// Config is the root config of the glock binary.
type Config struct {
	Lock    concurrency.Config    `yaml:"lock"`
	Log     logging.Config        `yaml:"log"`
	Journal tracing.JournalConfig `yaml:"journal"`
	Server  ServerConfig          `yaml:"server"`
}

// RegisterFlags registers the flags of every section.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Lock.RegisterFlags(f)
	c.Log.RegisterFlags(f)
	c.Journal.RegisterFlags(f)
	c.Server.RegisterFlags(f)
}

// Validate validates every section.
func (c *Config) Validate() error {
	if err := c.Lock.Validate(); err != nil {
		return errors.Wrap(err, "invalid lock config")
	}
	if err := c.Log.Validate(); err != nil {
		return errors.Wrap(err, "invalid log config")
	}
	if err := c.Journal.Validate(); err != nil {
		return errors.Wrap(err, "invalid journal config")
	}
	if err := c.Server.Validate(); err != nil {
		return errors.Wrap(err, "invalid server config")
	}
	return nil
}

// Defaults returns the flag defaults.
func Defaults() Config {
	var c Config
	c.RegisterFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return c
}

// LoadFile reads a YAML file over the values already in c. Keys missing from
// the file keep their current value.
func (c *Config) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "could not read config file")
	}
	return c.LoadBytes(buf)
}

// LoadBytes is LoadFile for an in-memory document.
func (c *Config) LoadBytes(buf []byte) error {
	if err := yaml.Unmarshal(buf, c); err != nil {
		return errors.Wrap(err, "could not parse config file")
	}
	return nil
}

// Load returns the defaults overridden by the YAML file at path, if any.
func Load(path string) (Config, error) {
	c := Defaults()
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return c, err
		}
	}
	return c, c.Validate()
}
