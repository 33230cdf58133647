// Package logging builds the go-kit logger used by the glock binaries.
package logging

import (
	"flag"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Config selects the log level and line format.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RegisterFlags registers flags under the "log." prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Level, "log.level", "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&cfg.Format, "log.format", "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")
}

// Validate checks the level and format names.
func (cfg *Config) Validate() error {
	if _, err := levelOption(cfg.Level); err != nil {
		return err
	}
	switch cfg.Format {
	case "logfmt", "json":
		return nil
	}
	return errors.Newf("unrecognized log format %q", cfg.Format)
}

func levelOption(lvl string) (level.Option, error) {
	switch lvl {
	case "debug":
		return level.AllowDebug(), nil
	case "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, errors.Newf("unrecognized log level %q", lvl)
}

// New returns a logger writing to stderr.
func New(cfg Config) (log.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a leveled logger writing to w, with timestamp and
// caller on every line.
func NewWithWriter(cfg Config, w io.Writer) (log.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opt, _ := levelOption(cfg.Level)
	var logger log.Logger
	if cfg.Format == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
