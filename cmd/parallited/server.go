package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/b7s/parallited/lib/core"
	"github.com/b7s/parallited/lib/dispatcher"
	"github.com/b7s/parallited/lib/listener"
	"github.com/b7s/parallited/lib/metrics"
	"github.com/b7s/parallited/lib/pool"
	"github.com/b7s/parallited/lib/registry"
	"github.com/b7s/parallited/lib/slog"
	"github.com/b7s/parallited/lib/supervisor"
	"github.com/b7s/parallited/lib/worker"
)

// occupancyReportPeriod controls how often Server.reportOccupancy samples
// the worker pool and pushes it into the /metrics gauges described in
// SPEC_FULL.md section 4.9.
const occupancyReportPeriod = 1 * time.Second

// Server wires together the Registry, Pool, Dispatcher, Listener, and
// Supervisor described in SPEC_FULL.md into a running daemon, the way
// tcplb's cmd/tcplb/server.go composes a forwarder.Server from its own
// Config. Unlike tcplb's serve function (a single free function), parallited
// needs a handle callers can Stop from a signal handler, so the composition
// is a struct.
type Server struct {
	logger     slog.Logger
	sup        *supervisor.Supervisor
	pool       *pool.Pool
	metrics    *metrics.Recorder
	metricsSrv *http.Server
}

// NewServer builds a Server from cfg, spawning eager workers if
// cfg.FixedWorkers > 0 per spec section 4.8 step 2, and binding (but not yet
// accepting on) the client-facing Listener per step 3.
func NewServer(logger slog.Logger, cfg *Config) (*Server, error) {
	capacity := pool.ResolveCapacity(cfg.FixedWorkers)

	reg := registry.New()
	rec := metrics.New()

	var eager int64
	if cfg.FixedWorkers > 0 {
		eager = cfg.FixedWorkers
	}

	env := append(os.Environ(), fmt.Sprintf("CONFIG_PATH=%s", cfg.ConfigPath))

	p, err := pool.New(pool.Config{
		Capacity: capacity,
		Logger:   logger,
		SpawnWorker: func(id core.WorkerID, generation uint64) (*worker.Process, error) {
			return worker.Spawn(id, generation, worker.Config{
				Command:         cfg.Executor,
				Args:            cfg.ExecutorArgs,
				Env:             env,
				MaxPayloadBytes: cfg.MaxPayloadBytes,
				Logger:          logger,
				PrefixName:      cfg.PrefixName,
			})
		},
	}, eager)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize worker pool: %w", err)
	}

	// A task's deadline fire (spec section 4.5) only carries the WorkerID
	// bound to that task, not a worker handle, since it originates from the
	// registry's timer goroutine rather than the Dispatcher's own call stack.
	reg.OnDeadline = func(workerID core.WorkerID, bound bool) {
		if bound {
			p.RecycleByID(workerID)
		}
	}

	failMode := dispatcher.FailModeContinue
	if cfg.FailMode == "stop" {
		failMode = dispatcher.FailModeStop
	}

	srv := &Server{logger: logger, pool: p, metrics: rec}

	coreDispatcher := dispatcher.NewCoreDispatcher(dispatcher.Config{
		Pool:      p,
		Registry:  reg,
		Logger:    logger,
		Metrics:   rec,
		TimeoutMs: cfg.TimeoutMs,
		FailMode:  failMode,
		// Under fail-mode=stop (spec section 4.6), the first worker failure
		// begins shutdown asynchronously; the failing task itself still
		// resolves normally through the dispatcher's own return path.
		OnWorkerFailure: func() {
			go srv.Stop()
		},
	})
	d := &dispatcher.RecoveringDispatcher{Logger: logger, Inner: coreDispatcher}

	listenerCfg := listener.Config{
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		Logger:          logger,
		Dispatcher:      d,
	}
	if cfg.IsUnixSocket() {
		listenerCfg.SocketPath = cfg.Socket
	} else {
		listenerCfg.TCPAddress = cfg.Socket
	}
	ln, err := listener.Listen(listenerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to bind listener: %w", err)
	}

	srv.sup = supervisor.New(supervisor.Config{
		Listener:     ln,
		Pool:         p,
		Registry:     reg,
		Logger:       logger,
		DrainTimeout: time.Duration(cfg.DrainTimeoutMs) * time.Millisecond,
	})

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rec.Handler())
		srv.metricsSrv = &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
	}
	return srv, nil
}

// Serve starts accepting connections and blocks until ctx is cancelled, then
// runs the shutdown sequence (spec section 4.8) before returning.
func (s *Server) Serve(ctx context.Context) error {
	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Warn(&slog.LogRecord{Msg: "metrics server error", Error: err})
			}
		}()
	}

	go s.reportOccupancy(ctx)

	s.sup.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// reportOccupancy periodically samples the worker pool's occupancy into the
// /metrics gauges, the same ticker-driven shape as the teacher's
// healthcheck.worker.probeForever.
func (s *Server) reportOccupancy(ctx context.Context) {
	ticker := time.NewTicker(occupancyReportPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.pool.Stats()
			s.metrics.SetPoolOccupancy(stats.Idle, stats.Leased, int(stats.Broken))
		}
	}
}

// Stop idempotently runs the shutdown sequence; exported so main can invoke
// it directly from a signal handler without waiting on ctx cancellation to
// propagate.
func (s *Server) Stop() {
	s.sup.Stop()
	if s.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.metricsSrv.Shutdown(shutdownCtx)
	}
}
