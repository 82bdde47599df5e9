// Package supervisor wires a Listener, Dispatcher, WorkerPool, and
// TaskRegistry into the startup/shutdown sequence described in spec section
// 4.8. Its Start/Stop idempotence follows the shape of the teacher's
// healthcheck.ProbePool: a mutex-guarded started/stopped pair, a
// context.CancelFunc for the accept loop, and a sync.WaitGroup joined on
// Stop.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/b7s/parallited/lib/listener"
	"github.com/b7s/parallited/lib/pool"
	"github.com/b7s/parallited/lib/registry"
	"github.com/b7s/parallited/lib/slog"
)

// DefaultDrainTimeout bounds how long Stop waits for in-flight tasks to
// resolve naturally before forcing them to a shutdown failure.
const DefaultDrainTimeout = 5 * time.Second

// Config wires a Supervisor's collaborators. Pool and Registry are started
// eagerly by their own constructors; Supervisor only owns their shutdown.
type Config struct {
	Listener     *listener.Listener
	Pool         *pool.Pool
	Registry     *registry.Registry
	Logger       slog.Logger
	DrainTimeout time.Duration
}

// Supervisor owns the daemon's startup/shutdown lifecycle.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Supervisor from cfg. The Listener, Pool, and Registry must
// already be constructed and bound; New only takes ownership of their
// lifecycle from this point on.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Start begins accepting connections, announcing readiness the moment the
// endpoint is reachable (spec section 4.8 step 5: the endpoint being
// reachable at all is the readiness signal, there is no separate probe).
// Start is idempotent; a second call is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopped = false

	serveCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.cfg.Listener.Serve(serveCtx); err != nil {
			s.cfg.Logger.Error(&slog.LogRecord{Msg: "listener serve error", Error: err})
		}
	}()

	s.cfg.Logger.Info(&slog.LogRecord{Msg: "parallited ready", Fields: map[string]any{
		"address": s.cfg.Listener.Addr().String(),
	}})
}

// Stop runs the shutdown sequence from spec section 4.8: stop accepting
// connections, refuse new task registrations while letting in-flight tasks
// drain up to a bound, shut down the worker pool, and release the listener's
// resources (socket unlink or port release, handled inside Listener.Close).
// Stop is idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if err := s.cfg.Listener.Close(); err != nil {
		s.cfg.Logger.Warn(&slog.LogRecord{Msg: "listener close error", Error: err})
	}
	cancel()
	s.wg.Wait()

	drainTimeout := s.cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	s.waitForDrain(drainTimeout)

	// Anything still pending past the drain window (or registered in the
	// narrow gap between the last drain poll and here) is force-resolved
	// with a shutdown failure.
	s.cfg.Registry.Shutdown()
	s.cfg.Pool.Shutdown()

	s.cfg.Logger.Info(&slog.LogRecord{Msg: "parallited stopped"})
}

func (s *Supervisor) waitForDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if s.cfg.Registry.Len() == 0 {
			return
		}
		<-ticker.C
	}
}
