// Package workerpool manages a fleet of spawned child processes that execute
// work items on behalf of the distributor, speaking the newline-delimited
// JSON control protocol defined in message.go over stdin/stdout pipes.
package workerpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ccswarm/engine/pkg/config"
	"github.com/ccswarm/engine/pkg/errors"
	"github.com/ccswarm/engine/pkg/events"
	"github.com/ccswarm/engine/pkg/logging"
	"github.com/ccswarm/engine/pkg/workitem"
)

const (
	defaultReadyTimeout  = 10 * time.Second
	terminateGracePeriod = 5 * time.Second
)

// PoolStats summarizes the pool's current membership.
type PoolStats struct {
	Total     int
	Idle      int
	Busy      int
	PerWorker []Stats
}

// Pool owns a set of worker processes and arbitrates access to them.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*worker
	idle    []string
	waiters []chan string

	cfg              config.WorkerConfig
	recycleThreshold int
	preserveContext  bool
	contexts         *workitem.ContextStore

	bus    *events.Bus
	logger *logging.Logger
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithRecycleThreshold sets the number of completed tasks after which a
// worker is proactively recycled. Zero disables automatic recycling.
func WithRecycleThreshold(n int) Option {
	return func(p *Pool) { p.recycleThreshold = n }
}

// WithContextPreservation enables context-blob capture and restoration
// across recycles.
func WithContextPreservation(enabled bool) Option {
	return func(p *Pool) { p.preserveContext = enabled }
}

// WithEventBus attaches a bus that lifecycle transitions are published to.
func WithEventBus(bus *events.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithLogger attaches a logger worker chatter is routed through.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// New constructs an empty pool. Call SpawnN to populate it.
func New(cfg config.WorkerConfig, opts ...Option) *Pool {
	p := &Pool{
		workers:  make(map[string]*worker),
		cfg:      cfg,
		contexts: workitem.NewContextStore(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SpawnN starts n additional worker processes, returning the first error
// encountered. Workers that already started are left running.
func (p *Pool) SpawnN(n int) error {
	for i := 0; i < n; i++ {
		if _, err := p.SpawnOne(0, 0); err != nil {
			return err
		}
	}
	return nil
}

// ScaleDown terminates idle workers until the pool's total membership is at
// most target, never touching a worker mid-execution. It returns the number
// of workers actually terminated, which may be less than requested if too
// few workers are idle.
func (p *Pool) ScaleDown(target int) int {
	p.mu.Lock()
	excess := len(p.workers) - target
	if excess <= 0 || len(p.idle) == 0 {
		p.mu.Unlock()
		return 0
	}
	if excess > len(p.idle) {
		excess = len(p.idle)
	}
	victims := append([]string(nil), p.idle[:excess]...)
	p.idle = p.idle[excess:]
	p.mu.Unlock()

	terminated := 0
	for _, id := range victims {
		if err := p.Terminate(id); err == nil {
			terminated++
		}
	}
	return terminated
}

// SpawnOne starts a single worker, optionally overriding its memory cap (MB)
// and fixed task timeout. A zero value for either leaves the pool's default
// in effect; this is how the priority-based distribution strategy spawns a
// dedicated worker with elevated resources for critical items.
func (p *Pool) SpawnOne(memoryLimitMB int, taskTimeout time.Duration) (string, error) {
	id := "worker-" + ulid.Make().String()

	w, err := spawnWorker(id, p.cfg, p.recycleThreshold, memoryLimitMB, taskTimeout, p.preserveContext, p.logger)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSpawnFailure, fmt.Sprintf("spawning worker %s", id)).
			WithContext("worker_id", id)
	}

	timeout := defaultReadyTimeout
	if p.cfg.ReadyTimeoutMs > 0 {
		timeout = time.Duration(p.cfg.ReadyTimeoutMs) * time.Millisecond
	}
	if err := w.awaitReady(timeout); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSpawnFailure, fmt.Sprintf("worker %s failed readiness check", id)).
			WithContext("worker_id", id)
	}

	p.mu.Lock()
	p.workers[id] = w
	p.idle = append(p.idle, id)
	p.mu.Unlock()

	recordSpawn()
	p.publish(events.KindInstanceReady, id, nil)
	return id, nil
}

// Acquire blocks until an idle worker is available, then marks it reserved
// and returns its id. The caller must Release (directly or via Execute) to
// return it to the idle pool.
func (p *Pool) Acquire() (string, error) {
	p.mu.Lock()
	if len(p.idle) > 0 {
		id := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return id, nil
	}

	ch := make(chan string, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	id := <-ch
	return id, nil
}

// Execute runs item on the named worker, which the caller has already taken
// from the idle pool (Acquire or Reserve), returning the worker to the idle
// pool (or recycling it) afterward.
func (p *Pool) Execute(workerID string, item *workitem.WorkItem) (workitem.Result, error) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return workitem.Result{}, errors.New(errors.ErrCodeInternal, fmt.Sprintf("unknown worker %q", workerID)).
			WithContext("worker_id", workerID)
	}

	if p.preserveContext {
		if blob, ok := p.contexts.Get(item.ParentID); ok {
			_ = w.send(MsgContext, ContextPayload{Blob: blob})
		}
	}

	metricBusyWorkers.Inc()
	result, err := w.execute(item)
	metricBusyWorkers.Dec()
	recordTaskOutcome(result.Success && err == nil)

	if p.preserveContext && len(result.Data) > 0 {
		p.contexts.Set(item.ID, result.Data)
	}

	if result.Success {
		p.publish(events.KindWorkCompleted, workerID, map[string]any{"work_item_id": item.ID})
	} else {
		p.publish(events.KindWorkFailed, workerID, map[string]any{"work_item_id": item.ID, "error": result.Err})
	}

	if err != nil {
		_ = p.Recycle(workerID)
		return result, err
	}

	if w.shouldRecycle() {
		return result, p.Recycle(workerID)
	}

	p.Release(workerID)
	return result, nil
}

// Release returns a reserved worker to the idle pool, handing it directly
// to a waiting Acquire call if one is pending.
func (p *Pool) Release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- workerID
		return
	}
	p.idle = append(p.idle, workerID)
}

// Recycle terminates workerID and respawns a fresh process under the same
// id, restoring its preserved context blob if enabled.
func (p *Pool) Recycle(workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeInternal, fmt.Sprintf("unknown worker %q", workerID)).
			WithContext("worker_id", workerID)
	}

	p.publish(events.KindInstanceRecycling, workerID, nil)

	blob := w.snapshotContext()
	_ = w.terminate(terminateGracePeriod)

	fresh, err := spawnWorker(workerID, p.cfg, p.recycleThreshold, 0, 0, p.preserveContext, p.logger)
	if err != nil {
		p.mu.Lock()
		delete(p.workers, workerID)
		p.mu.Unlock()
		return errors.Wrap(err, errors.ErrCodeSpawnFailure, fmt.Sprintf("respawning worker %s", workerID)).
			WithContext("worker_id", workerID)
	}

	timeout := defaultReadyTimeout
	if p.cfg.ReadyTimeoutMs > 0 {
		timeout = time.Duration(p.cfg.ReadyTimeoutMs) * time.Millisecond
	}
	if err := fresh.awaitReady(timeout); err != nil {
		p.mu.Lock()
		delete(p.workers, workerID)
		p.mu.Unlock()
		return errors.Wrap(err, errors.ErrCodeSpawnFailure, fmt.Sprintf("recycled worker %s failed readiness check", workerID)).
			WithContext("worker_id", workerID)
	}

	if p.preserveContext && len(blob) > 0 {
		_ = fresh.send(MsgContext, ContextPayload{Blob: blob})
		fresh.mu.Lock()
		fresh.contextBlob = blob
		fresh.mu.Unlock()
	}

	p.mu.Lock()
	p.workers[workerID] = fresh
	p.mu.Unlock()

	recordRecycle()
	p.publish(events.KindInstanceRecycled, workerID, nil)
	p.Release(workerID)
	return nil
}

// Terminate stops a single worker permanently and removes it from the pool.
func (p *Pool) Terminate(workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	delete(p.workers, workerID)
	for i, id := range p.idle {
		if id == workerID {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if !ok {
		return errors.New(errors.ErrCodeInternal, fmt.Sprintf("unknown worker %q", workerID)).
			WithContext("worker_id", workerID)
	}

	err := w.terminate(terminateGracePeriod)
	p.publish(events.KindInstanceTerminated, workerID, nil)
	return err
}

// TerminateAll stops every worker in the pool, best-effort, returning the
// first error encountered.
func (p *Pool) TerminateAll() error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := p.Terminate(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the pool's membership and per-worker counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	idleSet := make(map[string]bool, len(p.idle))
	for _, id := range p.idle {
		idleSet[id] = true
	}
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	stats := PoolStats{PerWorker: make([]Stats, 0, len(workers))}
	for _, w := range workers {
		snap := w.snapshot()
		stats.PerWorker = append(stats.PerWorker, snap)
		stats.Total++
		if idleSet[snap.ID] {
			stats.Idle++
		} else if snap.State == StateBusy {
			stats.Busy++
		}
	}
	return stats
}

// IdleIDs returns the ids of workers currently sitting in the idle pool,
// snapshotted under lock. Used by distribution strategies to pick a target
// without blocking on Acquire.
func (p *Pool) IdleIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.idle))
	copy(ids, p.idle)
	return ids
}

// Count returns the number of workers currently owned by the pool,
// regardless of idle/busy state.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// WorkerIDs returns every worker id currently owned by the pool in a stable,
// sorted order, independent of idle-queue churn. Strategies that need a
// consistent enumeration (round-robin) use this instead of IdleIDs.
func (p *Pool) WorkerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reserve removes workerID from the idle pool if present, returning whether
// it was available. Used by strategies that pick a specific worker rather
// than taking whichever Acquire hands back next.
func (p *Pool) Reserve(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, id := range p.idle {
		if id == workerID {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

// WorkerContextBlob returns the preserved context blob currently held by
// workerID, if any. Used to verify context continuity across a recycle.
func (p *Pool) WorkerContextBlob(workerID string) ([]byte, bool) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	blob := w.snapshotContext()
	if len(blob) == 0 {
		return nil, false
	}
	return blob, true
}

func (p *Pool) publish(kind events.Kind, workerID string, details map[string]any) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(context.Background(), events.Event{Kind: kind, WorkerID: workerID, Details: details})
}
