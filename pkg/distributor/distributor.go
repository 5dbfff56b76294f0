// Package distributor orders pending work items, selects a worker for each
// eligible item via a configurable strategy, drives execution through the
// worker pool, and applies the retry policy on failure.
package distributor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ccswarm/engine/pkg/config"
	"github.com/ccswarm/engine/pkg/errors"
	"github.com/ccswarm/engine/pkg/events"
	"github.com/ccswarm/engine/pkg/logging"
	"github.com/ccswarm/engine/pkg/ratelimit"
	"github.com/ccswarm/engine/pkg/workerpool"
	"github.com/ccswarm/engine/pkg/workitem"
)

const (
	dispatchTick  = 100 * time.Millisecond
	maxPerTick    = 10
)

// Metrics is the Distributor's running counters, per spec §4.4.
type Metrics struct {
	Total            int
	Distributed      int
	Pending          int
	Completed        int
	Failed           int
	AvgWaitMs        float64
	AvgExecMs        float64
	ThroughputPerMin float64
	Efficiency       float64
}

// StatusReport is a point-in-time view of item placement.
type StatusReport struct {
	Pending      []string
	InProgress   []string
	CompletedIDs []string
	Failed       int
}

// Distributor orders, dispatches, and retries work items against a worker
// pool, gated by a rate governor.
type Distributor struct {
	mu sync.Mutex

	pool      *workerpool.Pool
	governor  rateGovernor
	bus       *events.Bus
	logger    *logging.Logger
	strategy  Strategy
	maxWorkers int
	service    string

	pending    []*workitem.WorkItem
	inProgress map[string]*workitem.WorkItem
	completed  map[string]bool
	failedIDs  map[string]bool
	results    map[string]workitem.Result // item id -> last execution outcome
	load       map[string]int
	affinity   map[string]string // item id -> worker id that handled it

	submittedAt map[string]time.Time

	distributed      int
	completedCount   int
	failedCount      int
	waitSum          time.Duration
	waitCount        int
	execSum          time.Duration
	execCount        int
	startedAt        time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	running bool
}

// rateGovernor is the slice of pkg/ratelimit.Governor the distributor needs,
// kept as an interface so tests can stub it out.
type rateGovernor interface {
	Acquire(service string, estimatedTokens int) (ratelimit.AcquireResult, error)
}

// Option configures a Distributor at construction time.
type Option func(*Distributor)

// WithStrategy overrides the default hybrid dispatch strategy.
func WithStrategy(s Strategy) Option {
	return func(d *Distributor) { d.strategy = s }
}

// WithEventBus attaches a bus that lifecycle transitions are published to.
func WithEventBus(bus *events.Bus) Option {
	return func(d *Distributor) { d.bus = bus }
}

// WithLogger attaches a logger dispatch decisions are routed through.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Distributor) { d.logger = logger }
}

// WithRateGovernor attaches a governor gating dispatch against a named
// service quota. Without one, dispatch proceeds ungated.
func WithRateGovernor(g rateGovernor, service string) Option {
	return func(d *Distributor) {
		d.governor = g
		d.service = service
	}
}

// New constructs a Distributor bound to pool, with maxWorkers as the ceiling
// strategies may spawn up to.
func New(pool *workerpool.Pool, maxWorkers int, opts ...Option) *Distributor {
	d := &Distributor{
		pool:        pool,
		maxWorkers:  maxWorkers,
		strategy:    HybridStrategy(),
		inProgress:  make(map[string]*workitem.WorkItem),
		completed:   make(map[string]bool),
		failedIDs:   make(map[string]bool),
		results:     make(map[string]workitem.Result),
		load:        make(map[string]int),
		affinity:    make(map[string]string),
		submittedAt: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// StrategyFromName resolves a config sharding-strategy name to a Strategy,
// returning a ConfigError for the unsupported "dependencies" option or any
// unrecognized name.
func StrategyFromName(name string) (Strategy, error) {
	switch name {
	case config.StrategyRoundRobin:
		return RoundRobinStrategy(), nil
	case config.StrategyLeastLoaded:
		return LeastLoadedStrategy(), nil
	case config.StrategyPriority:
		return PriorityBasedStrategy(), nil
	case config.StrategyContextAware:
		return ContextAwareStrategy(), nil
	case config.StrategyHybrid, "":
		return HybridStrategy(), nil
	default:
		return nil, errors.New(errors.ErrCodeConfigError, "unknown sharding strategy: "+name)
	}
}

// Submit enqueues one or more work items, re-sorting the pending queue by
// (priority, complexity rank, dependency count).
func (d *Distributor) Submit(items ...*workitem.WorkItem) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for _, item := range items {
		if item == nil {
			continue
		}
		d.pending = append(d.pending, item)
		d.submittedAt[item.ID] = now
	}
	d.sortPendingLocked()
	metricPendingQueue.Set(float64(len(d.pending)))
	for _, item := range items {
		if item != nil {
			d.publish(events.KindWorkAdded, item.ID, nil)
		}
	}
}

func (d *Distributor) sortPendingLocked() {
	sort.SliceStable(d.pending, func(i, j int) bool {
		a, b := d.pending[i], d.pending[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Complexity.Rank() != b.Complexity.Rank() {
			return a.Complexity.Rank() < b.Complexity.Rank()
		}
		return len(a.DependsOn) < len(b.DependsOn)
	})
}

// Start begins the 100ms dispatch loop in a background goroutine.
func (d *Distributor) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.startedAt = time.Now()
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	go d.loop()
}

// Stop halts the dispatch loop and blocks until it has exited.
func (d *Distributor) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	<-d.doneCh
}

func (d *Distributor) loop() {
	defer close(d.doneCh)
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick selects up to maxPerTick eligible items and dispatches each
// asynchronously, never blocking on execution.
func (d *Distributor) tick() {
	eligible := d.collectEligible()
	for _, item := range eligible {
		go d.dispatch(item)
	}
}

func (d *Distributor) collectEligible() []*workitem.WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()

	var eligible []*workitem.WorkItem
	var remaining []*workitem.WorkItem

	for _, item := range d.pending {
		if len(eligible) >= maxPerTick {
			remaining = append(remaining, item)
			continue
		}
		if d.dependenciesSatisfiedLocked(item) {
			eligible = append(eligible, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	d.pending = remaining
	metricPendingQueue.Set(float64(len(d.pending)))
	return eligible
}

func (d *Distributor) dependenciesSatisfiedLocked(item *workitem.WorkItem) bool {
	for _, dep := range item.DependsOn {
		if !d.completed[dep] {
			return false
		}
	}
	return true
}

// dispatch picks a worker for item and runs it asynchronously, updating
// bookkeeping and applying the retry policy on failure.
func (d *Distributor) dispatch(item *workitem.WorkItem) {
	if d.governor != nil {
		result, err := d.governor.Acquire(d.service, 0)
		if err != nil || !result.Granted {
			d.requeue(item)
			return
		}
	}

	workerID, err := d.strategy.Select(d, item)
	if err != nil || workerID == "" {
		d.requeue(item)
		return
	}

	d.mu.Lock()
	waitStart := d.submittedAt[item.ID]
	d.inProgress[item.ID] = item
	d.load[workerID]++
	d.distributed++
	d.mu.Unlock()

	metricItemsDispatched.Inc()
	if !waitStart.IsZero() {
		d.recordWait(time.Since(waitStart))
	}
	d.publish(events.KindWorkAssigned, item.ID, map[string]any{"worker_id": workerID})

	go d.run(item, workerID)
}

func (d *Distributor) run(item *workitem.WorkItem, workerID string) {
	start := time.Now()
	result, execErr := d.pool.Execute(workerID, item)
	d.recordExec(time.Since(start))

	d.mu.Lock()
	delete(d.inProgress, item.ID)
	if d.load[workerID] > 0 {
		d.load[workerID]--
	}
	d.mu.Unlock()

	if result.Success && execErr == nil {
		d.mu.Lock()
		d.completed[item.ID] = true
		d.completedCount++
		d.affinity[item.ID] = workerID
		d.results[item.ID] = result
		d.mu.Unlock()
		metricItemsCompleted.Inc()
		d.publish(events.KindWorkCompleted, item.ID, map[string]any{"worker_id": workerID})
		return
	}

	d.handleFailure(item, workerID, result, execErr)
}

func (d *Distributor) handleFailure(item *workitem.WorkItem, workerID string, result workitem.Result, execErr error) {
	errMsg := result.Err
	if execErr != nil {
		errMsg = execErr.Error()
	}

	if item.Retryable() {
		item.Retries++
		item.BoostPriority()
		d.requeue(item)
		metricItemsRetried.Inc()
		d.publish(events.KindWorkRetry, item.ID, map[string]any{"worker_id": workerID, "attempt": item.Retries, "error": errMsg})
		return
	}

	result.Err = errMsg
	d.mu.Lock()
	d.failedIDs[item.ID] = true
	d.failedCount++
	d.results[item.ID] = result
	d.mu.Unlock()
	metricItemsFailed.Inc()
	d.publish(events.KindWorkFailed, item.ID, map[string]any{"worker_id": workerID, "error": errMsg})
}

func (d *Distributor) requeue(item *workitem.WorkItem) {
	d.mu.Lock()
	d.pending = append(d.pending, item)
	d.sortPendingLocked()
	metricPendingQueue.Set(float64(len(d.pending)))
	d.mu.Unlock()
}

func (d *Distributor) recordWait(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waitSum += dur
	d.waitCount++
}

func (d *Distributor) recordExec(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execSum += dur
	d.execCount++
}

// Metrics returns a snapshot of the distributor's running counters.
func (d *Distributor) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := Metrics{
		Total:       len(d.pending) + len(d.inProgress) + len(d.completed) + len(d.failedIDs),
		Distributed: d.distributed,
		Pending:     len(d.pending),
		Completed:   d.completedCount,
		Failed:      d.failedCount,
	}
	if d.waitCount > 0 {
		m.AvgWaitMs = float64(d.waitSum.Milliseconds()) / float64(d.waitCount)
	}
	if d.execCount > 0 {
		m.AvgExecMs = float64(d.execSum.Milliseconds()) / float64(d.execCount)
	}
	if d.distributed > 0 {
		m.Efficiency = float64(d.completedCount) / float64(max(1, d.distributed))
	}
	if !d.startedAt.IsZero() {
		elapsedMin := time.Since(d.startedAt).Minutes()
		if elapsedMin > 0 {
			m.ThroughputPerMin = float64(d.completedCount) / elapsedMin
		}
	}
	return m
}

// Result returns the last recorded execution outcome for an item that has
// reached a terminal state (completed or permanently failed).
func (d *Distributor) Result(itemID string) (workitem.Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.results[itemID]
	return r, ok
}

// Status returns a snapshot of current item placement.
func (d *Distributor) Status() StatusReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	report := StatusReport{Failed: d.failedCount}
	for _, item := range d.pending {
		report.Pending = append(report.Pending, item.ID)
	}
	for id := range d.inProgress {
		report.InProgress = append(report.InProgress, id)
	}
	for id := range d.completed {
		report.CompletedIDs = append(report.CompletedIDs, id)
	}
	return report
}

func (d *Distributor) publish(kind events.Kind, itemID string, details map[string]any) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(context.Background(), events.Event{Kind: kind, ItemID: itemID, Details: details})
}
