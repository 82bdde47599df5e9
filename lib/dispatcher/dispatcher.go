// Package dispatcher implements the submission -> leased worker -> response
// pipeline described in spec section 4.6. The composition style follows the
// teacher's forwarder.Handler decorator stack (ConnCloserHandler wrapping
// RecovererHandler wrapping RateLimitingHandler wrapping the core forwarding
// logic): here a CoreDispatcher does the real work, and a RecoveringDispatcher
// wraps it the way RecovererHandler wraps forwarder's handler chain, catching
// a panic from a malformed payload deep inside codec/worker handling and
// converting it into a normal failure response instead of crashing a
// goroutine.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/b7s/parallited/lib/core"
	liberrors "github.com/b7s/parallited/lib/errors"
	"github.com/b7s/parallited/lib/metrics"
	"github.com/b7s/parallited/lib/pool"
	"github.com/b7s/parallited/lib/registry"
	"github.com/b7s/parallited/lib/slog"
	"github.com/b7s/parallited/lib/worker"
)

// FailMode selects the daemon-wide policy for how a worker failure affects
// the rest of the daemon (spec section 4.6).
type FailMode string

const (
	FailModeContinue FailMode = "continue"
	FailModeStop      FailMode = "stop"
)

// Dispatcher accepts a submission and a reply channel and arranges for
// exactly one response to be delivered to that channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *core.Submission, replyCh chan *core.Response)
}

// Pool is the subset of pool.Pool's surface the dispatcher depends on.
type Pool interface {
	Lease(ctx context.Context) (*worker.Process, error)
	Release(w *worker.Process)
	Recycle(w *worker.Process)
}

var _ Pool = (*pool.Pool)(nil)

// Registry is the subset of registry.Registry's surface the dispatcher
// depends on.
type Registry interface {
	Register(taskID core.TaskID, timeoutMs int64) (*registry.Entry, error)
	Resolve(taskID core.TaskID, resp *core.Response)
	Cancel(taskID core.TaskID, resp *core.Response)
}

var _ Registry = (*registry.Registry)(nil)

// Metrics is the subset of metrics.Recorder the dispatcher reports to.
type Metrics interface {
	ObserveOutcome(outcome metrics.Outcome)
	ObserveDispatchLatencySeconds(seconds float64)
}

// Config wires a CoreDispatcher's collaborators.
type Config struct {
	Pool      Pool
	Registry  Registry
	Logger    slog.Logger
	Metrics   Metrics
	TimeoutMs int64
	FailMode  FailMode

	// OnWorkerFailure is invoked after a failed Execute call has recycled the
	// worker, and only when FailMode is FailModeStop. cmd/parallited wires it
	// to begin shutdown after the first such failure.
	OnWorkerFailure func()
}

// CoreDispatcher implements the dispatch algorithm from spec section 4.6
// with no panic recovery of its own; wrap it in RecoveringDispatcher for
// production use.
type CoreDispatcher struct {
	cfg Config
}

// NewCoreDispatcher builds a CoreDispatcher from cfg.
func NewCoreDispatcher(cfg Config) *CoreDispatcher {
	return &CoreDispatcher{cfg: cfg}
}

func (d *CoreDispatcher) recordOutcome(outcome metrics.Outcome) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.ObserveOutcome(outcome)
	}
}

func (d *CoreDispatcher) recordLatency(seconds float64) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.ObserveDispatchLatencySeconds(seconds)
	}
}

// classifyOutcome derives the tasks-by-outcome label from the entry's actual
// resolved state rather than from whichever branch of Dispatch attempted to
// resolve it: a deadline or shutdown can race in and resolve the entry ahead
// of this goroutine's own attempt (e.g. a worker killed out from under an
// in-flight Execute call returns an I/O error that looks like a plain worker
// failure, when the entry itself was actually resolved Expired by the
// deadline timer first). Reading entry.State() after the race has settled is
// what lets Timeout and Shutdown be reported distinctly instead of both
// collapsing into worker_error.
func classifyOutcome(state registry.State, resp *core.Response) metrics.Outcome {
	switch state {
	case registry.Expired:
		return metrics.OutcomeTimeout
	case registry.Cancelled:
		return metrics.OutcomeShutdown
	}
	if resp.OK {
		return metrics.OutcomeOK
	}
	return metrics.OutcomeWorkerError
}

// Dispatch implements spec section 4.6 steps 1-6.
func (d *CoreDispatcher) Dispatch(ctx context.Context, s *core.Submission, replyCh chan *core.Response) {
	start := time.Now()

	entry, err := d.cfg.Registry.Register(s.TaskID, d.cfg.TimeoutMs)
	if err != nil {
		d.recordOutcome(metrics.OutcomeShutdown)
		replyCh <- core.Failure(s.TaskID, liberrors.Shutdown().Message)
		return
	}
	defer func() {
		d.recordLatency(time.Since(start).Seconds())
	}()

	w, err := d.cfg.Pool.Lease(ctx)
	if err != nil {
		d.cfg.Registry.Cancel(s.TaskID, core.Failure(s.TaskID, liberrors.Shutdown().Message))
		d.finish(entry, replyCh)
		return
	}

	entry.BindWorker(w.ID)

	requestFrame, err := core.EncodeSubmission(s)
	if err != nil {
		d.cfg.Pool.Release(w)
		d.cfg.Registry.Resolve(s.TaskID, core.Failure(s.TaskID, fmt.Sprintf("failed to encode submission: %v", err)))
		d.finish(entry, replyCh)
		return
	}

	responseFrame, err := w.Execute(ctx, requestFrame)
	if err != nil {
		d.cfg.Pool.Recycle(w)
		if d.cfg.OnWorkerFailure != nil && d.cfg.FailMode == FailModeStop {
			d.cfg.OnWorkerFailure()
		}
		d.cfg.Registry.Resolve(s.TaskID, core.Failure(s.TaskID, fmt.Sprintf("worker execute failed: %v", err)))
		d.finish(entry, replyCh)
		return
	}

	resp, err := core.DecodeResponse(responseFrame)
	if err != nil {
		d.cfg.Pool.Recycle(w)
		d.cfg.Registry.Resolve(s.TaskID, core.Failure(s.TaskID, fmt.Sprintf("worker produced malformed response: %v", err)))
		d.finish(entry, replyCh)
		return
	}

	d.cfg.Pool.Release(w)
	d.cfg.Registry.Resolve(s.TaskID, resp)
	d.finish(entry, replyCh)
}

// finish forwards whichever response actually resolved entry (ours, or one
// that raced in first from a deadline/shutdown) to the caller's replyCh, and
// records the outcome metric from that same settled state.
func (d *CoreDispatcher) finish(entry *registry.Entry, replyCh chan *core.Response) {
	resp := forwardOnce(entry, replyCh)
	d.recordOutcome(classifyOutcome(entry.State(), resp))
}

// forwardOnce relays whichever response actually resolved entry.ReplyCh —
// ours, or one that raced in first from a deadline/shutdown — on to the
// caller's replyCh, and returns it so the caller can classify the outcome.
func forwardOnce(entry *registry.Entry, replyCh chan *core.Response) *core.Response {
	resp := <-entry.ReplyCh
	replyCh <- resp
	return resp
}

var _ Dispatcher = (*CoreDispatcher)(nil)

// RecoveringDispatcher wraps an inner Dispatcher, converting any panic
// during Dispatch into a failure response instead of letting it unwind past
// the dispatcher boundary (spec section 7: "errors are never allowed to
// unwind past the Dispatcher boundary"), grounded in the teacher's
// RecovererHandler.
type RecoveringDispatcher struct {
	Logger slog.Logger
	Inner  Dispatcher
}

func (d *RecoveringDispatcher) Dispatch(ctx context.Context, s *core.Submission, replyCh chan *core.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.Logger.Error(&slog.LogRecord{
				Msg:     "RecoveringDispatcher: unexpected panic",
				Details: r,
				TaskID:  taskIDPtr(s.TaskID),
			})
			replyCh <- core.Failure(s.TaskID, fmt.Sprintf("internal error: %v", r))
		}
	}()
	d.Inner.Dispatch(ctx, s, replyCh)
}

func taskIDPtr(id core.TaskID) *core.TaskID {
	return &id
}

var _ Dispatcher = (*RecoveringDispatcher)(nil)
