// Package worker owns one executor subprocess's stdio for its entire
// lifetime: spawning it, running its single-task-at-a-time Execute protocol,
// scanning its stderr into the structured log, and tearing it down through
// the close-stdin/terminate/kill grace sequence (spec section 4.3). The
// spawn-and-own-pipes shape is grounded in the corpus's subprocess handling;
// the strict one-task-then-wait-for-release discipline generalizes the
// worker/releaseTask pattern from the teacher's bidirectional copy
// supervisor (forwarder.ForwardingSupervisor's cuWorker/ucWorker).
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/b7s/parallited/lib/core"
	liberrors "github.com/b7s/parallited/lib/errors"
	"github.com/b7s/parallited/lib/framing"
	"github.com/b7s/parallited/lib/slog"
)

// Defaults for the shutdown grace sequence (spec section 4.3).
const (
	DefaultTerminateGrace = 2 * time.Second
	DefaultKillGrace      = 2 * time.Second
)

// Config describes how to spawn an executor subprocess.
type Config struct {
	Command         string
	Args            []string
	Env             []string
	MaxPayloadBytes uint32
	Logger          slog.Logger
	TerminateGrace  time.Duration
	KillGrace       time.Duration

	// PrefixName, if set, is applied to the spawned process's argv[0] as
	// "<prefix>-<worker-id>" (spec section 6.1's "--prefix-name"). This is
	// best-effort process-title labeling visible to `ps`; it does not affect
	// which binary is executed, which is always cfg.Command.
	PrefixName string
}

// Process owns one executor subprocess's stdio. Execute must not be called
// concurrently with itself; the caller (WorkerPool) is responsible for
// ensuring exclusive access while a Process is leased.
type Process struct {
	ID         core.WorkerID
	Generation uint64
	TraceID    uuid.UUID
	Pid        int

	cfg      Config
	logger   slog.Logger
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	broken   atomic.Bool
	stderrWG sync.WaitGroup
}

// Spawn starts one executor subprocess and begins scanning its stderr.
// generation is a caller-assigned monotonic counter distinguishing this
// Process from any prior occupant of the same pool slot.
func Spawn(id core.WorkerID, generation uint64, cfg Config) (*Process, error) {
	traceID := uuid.New()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = cfg.Env
	if cfg.PrefixName != "" {
		cmd.Args[0] = fmt.Sprintf("%s-%d", cfg.PrefixName, id)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, liberrors.WorkerIO("failed to open worker stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, liberrors.WorkerIO("failed to open worker stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, liberrors.WorkerIO("failed to open worker stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, liberrors.WorkerIO("failed to start worker process", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.GetDefaultLogger()
	}

	p := &Process{
		ID:         id,
		Generation: generation,
		TraceID:    traceID,
		Pid:        cmd.Process.Pid,
		cfg:        cfg,
		logger:     logger,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
	}

	p.stderrWG.Add(1)
	go p.scanStderr(stderr)

	logger.Info(&slog.LogRecord{
		Msg:      "worker spawned",
		WorkerID: workerIDPtr(id),
		Fields:   map[string]any{"pid": p.Pid, "generation": generation, "trace_id": traceID.String()},
	})

	return p, nil
}

func (p *Process) scanStderr(stderr io.ReadCloser) {
	defer p.stderrWG.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Warn(&slog.LogRecord{
			Msg:      fmt.Sprintf("worker[%d]: %s", p.Pid, scanner.Text()),
			WorkerID: workerIDPtr(p.ID),
		})
	}
}

// Broken reports whether this Process has permanently failed and must never
// be leased again.
func (p *Process) Broken() bool {
	return p.broken.Load()
}

func (p *Process) markBroken() {
	p.broken.Store(true)
}

// Execute writes one request frame to the worker's stdin and reads exactly
// one response frame from its stdout. The caller must hold an exclusive
// lease on p for the duration of the call. Any I/O failure, or ctx
// cancellation while the call is outstanding, marks the Process broken
// permanently; it must not be reused after that (spec section 4.3: a worker
// with a pending response is never safe to reuse).
func (p *Process) Execute(ctx context.Context, requestFrame []byte) ([]byte, error) {
	if p.broken.Load() {
		return nil, liberrors.WorkerIO("worker is broken", nil)
	}

	type result struct {
		frame []byte
		err   error
	}
	done := make(chan result, 1)

	go func() {
		if err := framing.WriteFrame(p.stdin, requestFrame); err != nil {
			done <- result{err: liberrors.WorkerIO("failed to write request frame to worker", err)}
			return
		}
		responseFrame, err := framing.ReadFrame(p.stdout, p.cfg.MaxPayloadBytes)
		if err != nil {
			done <- result{err: liberrors.WorkerIO("failed to read response frame from worker", err)}
			return
		}
		done <- result{frame: responseFrame}
	}()

	select {
	case <-ctx.Done():
		p.markBroken()
		return nil, liberrors.WorkerIO("worker execute cancelled", ctx.Err())
	case r := <-done:
		if r.err != nil {
			p.markBroken()
			return nil, r.err
		}
		return r.frame, nil
	}
}

// Terminate runs the shutdown grace sequence described in spec section 4.3:
// close stdin, wait, SIGTERM, wait, SIGKILL. It blocks until the process has
// exited. It may run while an Execute call for the same Process is still
// outstanding, as the pool's deadline path (RecycleByID) does; it marks the
// Process broken first, so the Process is never leased again. It returns a
// non-nil error only if the process would not exit
// within either grace period and had to be escalated all the way to
// SIGKILL, so that a pool tearing down many workers at once can report how
// many misbehaved (see lib/errors.AggregateErrorFromChannel).
func (p *Process) Terminate() error {
	p.markBroken()

	exited := make(chan struct{})
	go func() {
		_ = p.cmd.Wait()
		close(exited)
	}()

	_ = p.stdin.Close()

	terminateGrace := p.cfg.TerminateGrace
	if terminateGrace <= 0 {
		terminateGrace = DefaultTerminateGrace
	}
	killGrace := p.cfg.KillGrace
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}

	select {
	case <-exited:
		p.stderrWG.Wait()
		return nil
	case <-time.After(terminateGrace):
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exited:
		p.stderrWG.Wait()
		return nil
	case <-time.After(killGrace):
	}

	_ = p.cmd.Process.Kill()
	<-exited
	p.stderrWG.Wait()
	return fmt.Errorf("worker %d (pid %d) did not exit after SIGTERM, had to be killed", p.ID, p.Pid)
}

// ExitedUnexpectedly reports whether the underlying process has already
// exited on its own, used by the pool to detect out-of-band crashes between
// leases.
func (p *Process) ExitedUnexpectedly() bool {
	return p.cmd.ProcessState != nil
}

func workerIDPtr(id core.WorkerID) *core.WorkerID {
	return &id
}
