package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	defaultTimeoutMs       = 30000
	defaultFixedWorkers    = 0
	defaultPrefixName      = "parallite_worker"
	defaultFailMode        = "continue"
	defaultMaxPayloadBytes = 10 * 1024 * 1024
	defaultDrainTimeoutMs  = 5000
	defaultLogLevel        = "info"
	unixSocketSuffix       = ".sock"
)

// Config holds the fully resolved set of CLI flags described in
// SPEC_FULL.md section 6.1, the way tcplb's flags.go resolves its own
// Config from a flag.FlagSet (here a cobra/pflag FlagSet instead).
type Config struct {
	ConfigPath      string
	Socket          string
	Executor        string
	ExecutorArgs    []string
	TimeoutMs       int64
	FixedWorkers    int64
	PrefixName      string
	FailMode        string
	MaxPayloadBytes uint32
	LogLevel        string
	LogJSON         bool
	MetricsAddress  string
	DrainTimeoutMs  int64
}

// IsUnixSocket reports whether Socket names a Unix domain socket path (spec
// section 6.2: "any filesystem path ending in .sock") rather than a loopback
// host:port.
func (c *Config) IsUnixSocket() bool {
	return strings.HasSuffix(c.Socket, unixSocketSuffix)
}

// Validate rejects flag combinations that have no sensible daemon behavior.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("--socket is required")
	}
	if c.Executor == "" {
		return fmt.Errorf("--executor is required")
	}
	switch c.FailMode {
	case "continue", "stop":
	default:
		return fmt.Errorf("--fail-mode must be one of: continue, stop (got %q)", c.FailMode)
	}
	if c.TimeoutMs <= 0 {
		return fmt.Errorf("--timeout-ms must be positive")
	}
	if c.FixedWorkers < 0 {
		return fmt.Errorf("--fixed-workers must not be negative")
	}
	if c.MaxPayloadBytes == 0 {
		return fmt.Errorf("--max-payload-bytes must be positive")
	}
	return nil
}

func bindFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.ConfigPath, "config", "", "path forwarded opaquely to workers as CONFIG_PATH")
	flags.StringVar(&cfg.Socket, "socket", "", "Unix socket path (ending in .sock) or loopback host:port")
	flags.StringVar(&cfg.Executor, "executor", "", "path to the executor worker program")
	flags.StringArrayVar(&cfg.ExecutorArgs, "executor-arg", nil, "argument passed to the executor program (repeatable)")
	flags.Int64Var(&cfg.TimeoutMs, "timeout-ms", defaultTimeoutMs, "per-task deadline in milliseconds")
	flags.Int64Var(&cfg.FixedWorkers, "fixed-workers", defaultFixedWorkers, "fixed worker pool size; 0 auto-sizes to host CPU count")
	flags.StringVar(&cfg.PrefixName, "prefix-name", defaultPrefixName, "prefix applied to spawned worker process names where the OS allows")
	flags.StringVar(&cfg.FailMode, "fail-mode", defaultFailMode, "worker failure policy: continue or stop")
	flags.Uint32Var(&cfg.MaxPayloadBytes, "max-payload-bytes", defaultMaxPayloadBytes, "maximum accepted frame payload size in bytes")
	flags.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level: debug, info, warn, error")
	flags.BoolVar(&cfg.LogJSON, "log-json", false, "emit logs as JSON instead of a human-readable console format")
	flags.StringVar(&cfg.MetricsAddress, "metrics-address", "", "loopback host:port to serve Prometheus metrics on; empty disables the metrics server")
	flags.Int64Var(&cfg.DrainTimeoutMs, "drain-timeout-ms", defaultDrainTimeoutMs, "maximum time to wait for in-flight tasks during shutdown")
}

// newRootCommand builds the cobra root command, wiring run as the daemon's
// entry point, the way cuemby/warren's rootCmd wires a persistent flag set
// and a RunE per subcommand.
func newRootCommand(version string, run func(cfg *Config) error) *cobra.Command {
	cfg := &Config{}
	cmd := &cobra.Command{
		Use:     "parallited",
		Short:   "Brokers client submissions onto a pool of persistent executor workers",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	bindFlags(cmd.Flags(), cfg)
	return cmd
}
