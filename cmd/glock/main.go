package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/brown-csci1270/glock/pkg/concurrency"
	"github.com/brown-csci1270/glock/pkg/config"
	"github.com/brown-csci1270/glock/pkg/lease"
	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/brown-csci1270/glock/pkg/logging"
	"github.com/brown-csci1270/glock/pkg/repl"
	"github.com/brown-csci1270/glock/pkg/tracing"
	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// service is everything a command needs to run transactions.
type service struct {
	cfg     config.Config
	logger  log.Logger
	reg     *prometheus.Registry
	lm      *concurrency.Manager
	tm      *concurrency.TransactionManager
	tracer  lock.LockTracer
	journal *tracing.Journal
}

func newService(cfg config.Config) (*service, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	lm, err := concurrency.NewManager(cfg.Lock, concurrency.WithLogger(logger), concurrency.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	s := &service{cfg: cfg, logger: logger, reg: reg, lm: lm}
	var tracers []lock.LockTracer
	if cfg.Journal.Path != "" {
		if s.journal, err = tracing.Open(cfg.Journal, nil, logger); err != nil {
			lm.Close()
			return nil, err
		}
		tracers = append(tracers, s.journal)
	}
	s.tracer = lock.CombineTracers(tracers...)
	s.tm = concurrency.NewTransactionManager(lm, lease.NewService(), s.tracer)
	return s, nil
}

func (s *service) repl() (*repl.REPL, error) {
	repls := []*repl.REPL{concurrency.TransactionREPL(s.tm)}
	if s.journal != nil {
		repls = append(repls, tracing.JournalREPL(s.journal))
	}
	return repl.CombineRepls(repls)
}

func (s *service) Close() {
	s.lm.Close()
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			level.Warn(s.logger).Log("msg", "could not close lock journal", "err", err)
		}
	}
}

// Listens for SIGINT or SIGTERM and calls cleanup.
func setupCloseHandler(logger log.Logger, cleanup func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-c
		level.Info(logger).Log("msg", "shutting down", "signal", sig)
		cleanup()
		os.Exit(0)
	}()
}

func serveMetrics(s *service) {
	if s.cfg.Server.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	go func() {
		level.Info(s.logger).Log("msg", "serving metrics", "addr", s.cfg.Server.MetricsAddr)
		if err := http.ListenAndServe(s.cfg.Server.MetricsAddr, mux); err != nil {
			level.Error(s.logger).Log("msg", "metrics server stopped", "err", err)
		}
	}()
}

// Start listening for connections at the configured port. Each connection
// gets its own session; a transaction left open is committed on disconnect.
func startServer(s *service, r *repl.REPL) error {
	prompt := config.GetPrompt(s.cfg.Server.Prompt)
	handleConn := func(c net.Conn) {
		sessionId := uuid.New()
		defer c.Close()
		defer func() {
			if _, found := s.tm.GetTransaction(sessionId); found {
				if err := s.tm.Commit(sessionId); err != nil {
					level.Warn(s.logger).Log("msg", "could not commit on disconnect", "session", sessionId, "err", err)
				}
			}
		}()
		level.Debug(s.logger).Log("msg", "session opened", "session", sessionId, "remote", c.RemoteAddr())
		r.Run(c, sessionId, prompt)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%v", s.cfg.Server.Port))
	if err != nil {
		return errors.Wrap(err, "could not listen")
	}
	level.Info(s.logger).Log("msg", fmt.Sprintf("%v server started", config.DBName), "port", listener.Addr().(*net.TCPAddr).Port)
	for {
		conn, err := listener.Accept()
		if err != nil {
			level.Warn(s.logger).Log("msg", "accept failed", "err", err)
			continue
		}
		go handleConn(conn)
	}
}

// loadConfig applies the config file, if any, and then reapplies the flags
// given on the command line so that they win over the file.
func loadConfig(cmd *cobra.Command, cfg *config.Config, path string) error {
	if path != "" {
		changed := map[string]string{}
		cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })
		if err := cfg.LoadFile(path); err != nil {
			return err
		}
		for name, value := range changed {
			if err := cmd.Flags().Set(name, value); err != nil {
				return err
			}
		}
	}
	return cfg.Validate()
}

func makeGlockCommand(cfg *config.Config) *cobra.Command {
	var configFile string
	command := &cobra.Command{
		Use:   "glock [command] (flags)",
		Short: "glock is a lock manager for graph transactions with deadlock detection.",
		Long: `glock is a lock manager for graph transactions with deadlock detection. Use it to:

- lock nodes, relationships and other resources interactively from a shell,
- serve the same shell to many concurrent sessions over TCP,
- stress the lock manager and report how often it detects deadlocks.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg, configFile)
		},
	}
	fs := flag.NewFlagSet("glock", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	command.PersistentFlags().AddGoFlagSet(fs)
	command.PersistentFlags().StringVar(&configFile, "config.file", "", "YAML file to load the configuration from. Flags override it.")

	command.AddCommand(makeShellCommand(cfg))
	command.AddCommand(makeServeCommand(cfg))
	command.AddCommand(makeStressCommand(cfg))
	return command
}

func makeShellCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run the lock REPL on stdin with a single session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(*cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			r, err := s.repl()
			if err != nil {
				return err
			}
			sessionId := uuid.New()
			r.Run(nil, sessionId, config.GetPrompt(cfg.Server.Prompt))
			if _, found := s.tm.GetTransaction(sessionId); found {
				return s.tm.Commit(sessionId)
			}
			return nil
		},
	}
}

func makeServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the lock REPL over TCP, one session per connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(*cfg)
			if err != nil {
				return err
			}
			setupCloseHandler(s.logger, s.Close)
			r, err := s.repl()
			if err != nil {
				s.Close()
				return err
			}
			serveMetrics(s)
			return startServer(s, r)
		},
	}
}

func main() {
	cfg := config.Defaults()
	if err := makeGlockCommand(&cfg).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}
