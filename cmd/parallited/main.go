// Command parallited is the daemon binary described in SPEC_FULL.md: it
// brokers client submissions, received over a local Unix socket or loopback
// TCP endpoint, onto a bounded pool of persistent executor worker processes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/b7s/parallited/lib/slog"
)

// version matches the `v?\d+\.\d+\.\d+` shape required by spec section 6.1;
// it is a plain string rather than an ldflags-injected build stamp because
// the daemon has no release pipeline in scope here.
const version = "0.1.0"

func main() {
	run := func(cfg *Config) error {
		logger := slog.New(slog.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON, Component: "parallited"})
		logger.Info(&slog.LogRecord{Msg: "loaded config", Details: cfg})

		server, err := NewServer(logger, cfg)
		if err != nil {
			logger.Error(&slog.LogRecord{Msg: "failed to create server", Error: err})
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		if err := server.Serve(ctx); err != nil {
			logger.Error(&slog.LogRecord{Msg: "server terminated abnormally", Error: err})
			return err
		}
		logger.Info(&slog.LogRecord{Msg: "server terminated normally"})
		return nil
	}

	cmd := newRootCommand(version, run)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
