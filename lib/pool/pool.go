// Package pool maintains the bounded multiset of worker.Process handles
// described in spec section 4.4: at most `capacity` processes exist at any
// time, workers are created lazily up to that capacity, and the free queue
// is FIFO. The "one critical section for bookkeeping, I/O done outside it"
// discipline follows the teacher's UniformlyBoundedClientReserver
// (limiter.UniformlyBoundedClientReserver), generalized from a per-client
// reservation counter to a FIFO set of leasable worker handles; the
// capacity gate itself is a golang.org/x/sync/semaphore.Weighted rather than
// the teacher's bare map+mutex, because Lease must honor context
// cancellation while waiting for a slot.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/b7s/parallited/lib/core"
	liberrors "github.com/b7s/parallited/lib/errors"
	"github.com/b7s/parallited/lib/slog"
	"github.com/b7s/parallited/lib/worker"
)

// Config controls pool capacity and how new workers are spawned.
type Config struct {
	Capacity      int64
	Logger        slog.Logger
	SpawnWorker   func(id core.WorkerID, generation uint64) (*worker.Process, error)
	DrainTimeout  time.Duration
}

// Pool is a bounded multiset of worker.Process handles. Every handle is at
// all times in exactly one of: idle (in the FIFO free list), leased (held by
// a caller between Lease and Release/Recycle), or broken-in-termination
// (removed from both the free list and the leased set, asynchronously being
// torn down). The invariant checked under test is
// |leased| + |idle| + |broken-in-termination| <= capacity.
type Pool struct {
	cfg Config
	sem *semaphore.Weighted

	mu         sync.Mutex
	idle       *list.List // of *worker.Process, front = oldest
	nextID     uint64
	generation map[core.WorkerID]uint64
	leased     map[core.WorkerID]*worker.Process // currently-leased workers, keyed by id
	alive      int64 // count of idle+leased workers; excludes those already handed off to termination
	terminating int64 // count of workers discarded and being torn down asynchronously
	shutdown   bool
	terminateWG sync.WaitGroup
}

// New builds a Pool with the given capacity. If eager > 0, that many
// workers are spawned immediately, matching spec section 4.8's
// pre-spawn-on-fixed-workers startup step.
func New(cfg Config, eager int64) (*Pool, error) {
	p := &Pool{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.Capacity),
		idle:       list.New(),
		generation: make(map[core.WorkerID]uint64),
		leased:     make(map[core.WorkerID]*worker.Process),
	}
	for i := int64(0); i < eager; i++ {
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return nil, err
		}
		w, err := p.spawnLocked()
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}
		p.mu.Lock()
		p.idle.PushBack(w)
		p.mu.Unlock()
	}
	return p, nil
}

func (p *Pool) spawnLocked() (*worker.Process, error) {
	p.mu.Lock()
	id := core.WorkerID(p.nextID + 1)
	p.nextID++
	generation := p.generation[id] + 1
	p.generation[id] = generation
	p.mu.Unlock()

	w, err := p.cfg.SpawnWorker(id, generation)
	if err != nil {
		return nil, liberrors.WorkerIO("failed to spawn worker", err)
	}

	p.mu.Lock()
	p.alive++
	p.mu.Unlock()
	return w, nil
}

// Lease returns an idle worker, spawning one if the pool is below capacity
// and none is idle, or blocking until one is released otherwise. A
// cancelled ctx makes Lease return ctx.Err() as a clean no-op: no capacity
// slot is held.
func (p *Pool) Lease(ctx context.Context) (*worker.Process, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, liberrors.Shutdown()
	}
	if front := p.idle.Front(); front != nil {
		p.idle.Remove(front)
		w := front.Value.(*worker.Process)
		p.leased[w.ID] = w
		p.mu.Unlock()
		return w, nil
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	// A slot may have freed up because a worker was released to idle (not
	// because capacity grew); prefer reusing it over spawning anew.
	p.mu.Lock()
	if front := p.idle.Front(); front != nil {
		p.idle.Remove(front)
		w := front.Value.(*worker.Process)
		p.leased[w.ID] = w
		p.mu.Unlock()
		p.sem.Release(1)
		return w, nil
	}
	p.mu.Unlock()

	w, err := p.spawnLocked()
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.mu.Lock()
	p.leased[w.ID] = w
	p.mu.Unlock()
	return w, nil
}

// Release returns a worker to the pool. A healthy worker rejoins the idle
// FIFO queue; a broken one is discarded and its slot freed, allowing a
// replacement to be spawned on next demand.
func (p *Pool) Release(w *worker.Process) {
	if w.Broken() {
		p.discard(w)
		return
	}
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.discard(w)
		return
	}
	delete(p.leased, w.ID)
	p.idle.PushBack(w)
	p.mu.Unlock()
}

// Recycle marks w broken and arranges its termination asynchronously; it
// does not block the caller.
func (p *Pool) Recycle(w *worker.Process) {
	p.discard(w)
}

// RecycleByID recycles the worker currently leased under id, if any. It is
// used by the registry's deadline-fire path (spec section 4.5), which only
// has the WorkerID bound to the expired task, not the worker handle itself.
// A no-op if id is not currently leased (e.g. the task already resolved by
// the time the deadline fired).
func (p *Pool) RecycleByID(id core.WorkerID) {
	p.mu.Lock()
	w, ok := p.leased[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.discard(w)
}

// discard removes w from the leased set and tears it down. It is idempotent
// per w: the deadline-fire path (Registry.OnDeadline -> RecycleByID) and the
// dispatcher's own Execute-error path (Dispatcher.Dispatch -> Recycle) can
// both race to discard the same worker once its stdio pipe breaks, and only
// the one that actually finds w still present in p.leased may proceed. A
// second caller finding w already gone is a no-op, so p.alive and the
// capacity semaphore are never decremented/released twice for one worker
// (spec section 8's capacity invariant "must never occur even under churn").
func (p *Pool) discard(w *worker.Process) {
	p.mu.Lock()
	cur, ok := p.leased[w.ID]
	if !ok || cur != w {
		p.mu.Unlock()
		return
	}
	delete(p.leased, w.ID)
	p.alive--
	p.terminating++
	p.mu.Unlock()

	p.terminateWG.Add(1)
	go func() {
		defer p.terminateWG.Done()
		if err := w.Terminate(); err != nil && p.cfg.Logger != nil {
			p.cfg.Logger.Warn(&slog.LogRecord{
				Msg:      "worker termination required escalation",
				Error:    err,
				WorkerID: workerIDPtr(w.ID),
			})
		}
		p.mu.Lock()
		p.terminating--
		p.mu.Unlock()
		p.sem.Release(1)
	}()
}

func workerIDPtr(id core.WorkerID) *core.WorkerID {
	return &id
}

// Shutdown refuses new leases and terminates the idle workers concurrently,
// then waits (bounded by cfg.DrainTimeout) for those terminations and for any
// discards already under way. It does not wait for outstanding leases and
// does not terminate leased workers: a worker still leased when Shutdown runs
// is terminated only once its holder hands it back through Release or
// Recycle. Errors escalating to SIGKILL across the idle cohort are merged
// with liberrors.AggregateErrorFromChannel, the same helper the teacher uses
// to merge its bidirectional copy errors, generalized here from two
// concurrent error producers to however many idle workers exist.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	idleWorkers := make([]*worker.Process, 0, p.idle.Len())
	for e := p.idle.Front(); e != nil; e = e.Next() {
		idleWorkers = append(idleWorkers, e.Value.(*worker.Process))
	}
	p.idle.Init()
	p.mu.Unlock()

	idleErrs := make(chan error, len(idleWorkers))
	var idleWG sync.WaitGroup
	for _, w := range idleWorkers {
		idleWG.Add(1)
		go func(w *worker.Process) {
			defer idleWG.Done()
			p.mu.Lock()
			delete(p.leased, w.ID)
			p.alive--
			p.mu.Unlock()
			idleErrs <- w.Terminate()
			p.sem.Release(1)
		}(w)
	}

	drainTimeout := p.cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		idleWG.Wait()
		p.terminateWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
	}
	close(idleErrs)

	if err := liberrors.AggregateErrorFromChannel(idleErrs); err != nil && p.cfg.Logger != nil {
		p.cfg.Logger.Warn(&slog.LogRecord{Msg: "some workers required escalation during shutdown", Error: err})
	}
}

// Stats reports current occupancy for metrics/testing. Idle+Leased+Broken
// is the pool's current |idle|+|leased|+|broken-in-termination| occupancy;
// Alive is Idle+Leased (workers holding a capacity slot but not yet handed
// off to asynchronous termination).
type Stats struct {
	Idle   int
	Leased int
	Broken int64
	Alive  int64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: p.idle.Len(), Leased: len(p.leased), Broken: p.terminating, Alive: p.alive}
}
