// Package registry implements the TaskRegistry described in spec section
// 4.5: one entry per in-flight task, keyed by task_id, with a deadline timer
// and one-shot resolution (response, deadline, cancel, and shutdown all race
// to resolve the same entry; only the first wins). The one-shot-via-sync.Once
// discipline generalizes the "first writer wins" idiom the teacher's dial
// policies use when reporting a single outcome per dial attempt.
package registry

import (
	"sync"
	"time"

	"github.com/b7s/parallited/lib/core"
	liberrors "github.com/b7s/parallited/lib/errors"
)

// State is the lifecycle stage of a TaskRegistry entry.
type State int

const (
	Pending   State = iota
	Completed       // resolved by Resolve: a real worker outcome, ok or not
	Expired         // resolved by a deadline timer firing
	Cancelled       // resolved by Cancel or Shutdown: daemon shutting down
)

// Entry is one in-flight task's bookkeeping record.
type Entry struct {
	TaskID   core.TaskID
	ReplyCh  chan *core.Response
	WorkerID core.WorkerID

	mu    sync.Mutex
	state State
	once  sync.Once
	timer *time.Timer
}

// State reports the entry's current lifecycle stage.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// BindWorker records which WorkerProcess has been leased to carry out this
// task, so that a deadline fire knows which worker to recycle.
func (e *Entry) BindWorker(id core.WorkerID) {
	e.mu.Lock()
	e.WorkerID = id
	e.mu.Unlock()
}

func (e *Entry) boundWorker() (core.WorkerID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.WorkerID, e.WorkerID != 0
}

// resolve delivers resp on the reply channel exactly once, whichever of
// {response, deadline, cancel, shutdown} reaches it first. Later callers
// are silently dropped.
func (e *Entry) resolve(state State, resp *core.Response) {
	e.once.Do(func() {
		e.mu.Lock()
		e.state = state
		if e.timer != nil {
			e.timer.Stop()
		}
		e.mu.Unlock()
		e.ReplyCh <- resp
	})
}

// Registry correlates in-flight tasks by task_id and owns their deadline
// timers.
type Registry struct {
	mu       sync.Mutex
	entries  map[core.TaskID]*Entry
	shutdown bool

	// OnDeadline is invoked (outside the registry's lock) when a task's
	// deadline fires, so the daemon can recycle the bound worker
	// (cmd/parallited wires it to Pool.RecycleByID). It receives the WorkerID if one was bound, and whether one
	// was bound at all.
	OnDeadline func(workerID core.WorkerID, bound bool)
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[core.TaskID]*Entry)}
}

// Register creates a new entry for taskID with a deadline timer set to
// timeoutMs milliseconds from now. It returns an error if the registry has
// begun shutting down; callers must not register new tasks past that point.
func (r *Registry) Register(taskID core.TaskID, timeoutMs int64) (*Entry, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, liberrors.Shutdown()
	}
	entry := &Entry{
		TaskID:  taskID,
		ReplyCh: make(chan *core.Response, 1),
		state:   Pending,
	}
	r.entries[taskID] = entry
	r.mu.Unlock()

	entry.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		r.expire(taskID, timeoutMs)
	})
	return entry, nil
}

func (r *Registry) expire(taskID core.TaskID, timeoutMs int64) {
	entry := r.remove(taskID)
	if entry == nil {
		return
	}
	workerID, bound := entry.boundWorker()
	if r.OnDeadline != nil {
		r.OnDeadline(workerID, bound)
	}
	entry.resolve(Expired, core.Failure(taskID, liberrors.Timeout(timeoutMs).Message))
}

// Resolve completes taskID's entry with resp, unless it has already resolved
// (by deadline, cancel, or a previous call to Resolve).
func (r *Registry) Resolve(taskID core.TaskID, resp *core.Response) {
	entry := r.remove(taskID)
	if entry == nil {
		return
	}
	entry.resolve(Completed, resp)
}

// Cancel resolves taskID's entry with the given response and marks it
// Cancelled rather than Completed, used when a lease is abandoned (e.g. a
// shutdown-in-progress response delivered before a worker was ever leased).
// The distinct state lets callers (e.g. the dispatcher's outcome metric)
// tell "daemon shutting down" apart from an ordinary worker failure.
func (r *Registry) Cancel(taskID core.TaskID, resp *core.Response) {
	entry := r.remove(taskID)
	if entry == nil {
		return
	}
	entry.resolve(Cancelled, resp)
}

func (r *Registry) remove(taskID core.TaskID) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[taskID]
	if !ok {
		return nil
	}
	delete(r.entries, taskID)
	return entry
}

// Shutdown marks the registry as refusing new registrations and resolves
// every still-pending entry with a synthesized shutdown failure, per spec
// section 4.8's shutdown sequence step 2.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	remaining := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		remaining = append(remaining, entry)
	}
	r.entries = make(map[core.TaskID]*Entry)
	r.mu.Unlock()

	for _, entry := range remaining {
		entry.resolve(Cancelled, core.Failure(entry.TaskID, liberrors.Shutdown().Message))
	}
}

// Len reports the number of currently tracked (pending) entries, used by
// tests and by the supervisor's shutdown drain wait.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
