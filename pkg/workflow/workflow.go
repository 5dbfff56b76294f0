// Package workflow drives the five-level hierarchical expansion
// (PROJECT -> INITIATIVE -> FEATURE -> STORY -> TASK), submitting each
// generation to the distributor and waiting for it to quiesce before
// extracting the next generation's children.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ccswarm/engine/pkg/distributor"
	"github.com/ccswarm/engine/pkg/errors"
	"github.com/ccswarm/engine/pkg/events"
	"github.com/ccswarm/engine/pkg/logging"
	"github.com/ccswarm/engine/pkg/workerpool"
	"github.com/ccswarm/engine/pkg/workitem"
)

// ChildrenKey is the conventional JSON field a completed item's result
// payload carries its next-level children under.
const ChildrenKey = "children"

const (
	pollInterval        = 50 * time.Millisecond
	defaultLevelTimeout = 5 * time.Minute
)

var levelOrder = []workitem.Kind{
	workitem.KindProject,
	workitem.KindInitiative,
	workitem.KindFeature,
	workitem.KindStory,
	workitem.KindTask,
}

var levelPriority = map[workitem.Kind]int{
	workitem.KindProject:    1,
	workitem.KindInitiative: 2,
	workitem.KindFeature:    3,
	workitem.KindStory:      4,
	workitem.KindTask:       5,
}

var nextLevel = map[workitem.Kind]workitem.Kind{
	workitem.KindProject:    workitem.KindInitiative,
	workitem.KindInitiative: workitem.KindFeature,
	workitem.KindFeature:    workitem.KindStory,
	workitem.KindStory:      workitem.KindTask,
}

// ChildSpec is one entry in a completed item's children payload.
type ChildSpec struct {
	ID         string              `json:"id"`
	Input      []byte              `json:"input,omitempty"`
	Complexity workitem.Complexity `json:"complexity,omitempty"`
	DependsOn  []string            `json:"depends_on,omitempty"`
}

type childrenPayload struct {
	Children []ChildSpec `json:"children"`
}

// Seed describes the single PROJECT item that starts a hierarchy run.
type Seed struct {
	ID         string
	Input      []byte
	Complexity workitem.Complexity
	// Timeout overrides the PROJECT item's default of 2x the complexity
	// default timeout, per spec.
	Timeout time.Duration
}

// LevelResult records one generation's outcome.
type LevelResult struct {
	Level     workitem.Kind
	Succeeded []string
	Failed    []string
	Abandoned []string
}

// Report is the aggregate outcome of one RunHierarchy call.
type Report struct {
	Levels  []LevelResult
	Metrics distributor.Metrics
	Err     error
}

// Driver runs the five-level expansion over a distributor and worker pool,
// enforcing barrier semantics between levels: a level begins only after
// every item of the previous generation has reached a terminal state.
type Driver struct {
	dist   *distributor.Distributor
	pool   *workerpool.Pool
	bus    *events.Bus
	logger *logging.Logger

	preserveContext bool
	levelTimeout    time.Duration
	maxRetries      int
}

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithEventBus attaches a bus that workflow:start|complete|error events are
// published to.
func WithEventBus(bus *events.Bus) Option {
	return func(d *Driver) { d.bus = bus }
}

// WithLogger attaches a logger level transitions are routed through.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithContextPreservation enables read-only inheritance of a parent's
// produced context into its children at submission time.
func WithContextPreservation(enabled bool) Option {
	return func(d *Driver) { d.preserveContext = enabled }
}

// WithLevelTimeout overrides how long RunHierarchy waits for one
// generation to quiesce before declaring its stragglers abandoned.
func WithLevelTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.levelTimeout = timeout }
}

// WithMaxRetries overrides every WorkItem's retry budget, including the
// root. n == 0 is a meaningful "fail on first error" configuration, distinct
// from leaving workitem.New's own default untouched; pass a negative value
// to decline to override.
func WithMaxRetries(n int) Option {
	return func(d *Driver) { d.maxRetries = n }
}

// New constructs a Driver bound to dist and pool. pool is retained only for
// TerminateAll on an unrecoverable error.
func New(dist *distributor.Distributor, pool *workerpool.Pool, opts ...Option) *Driver {
	d := &Driver{dist: dist, pool: pool, levelTimeout: defaultLevelTimeout, maxRetries: -1}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// applyMaxRetries overrides item's retry budget when the Driver was
// constructed with WithMaxRetries.
func (d *Driver) applyMaxRetries(item *workitem.WorkItem) {
	if d.maxRetries >= 0 {
		item.MaxRetries = d.maxRetries
	}
}

// RunHierarchy submits seed as the PROJECT item and expands it through
// INITIATIVE, FEATURE, STORY, and TASK levels. Within a level, children fan
// out fully concurrently; across levels, each generation begins only after
// the previous one has quiesced.
func (d *Driver) RunHierarchy(seed Seed) Report {
	if seed.ID == "" {
		seed.ID = uuid.NewString()
	}
	d.publish(events.KindWorkflowStart, seed.ID, nil)

	complexity := seed.Complexity
	if complexity == "" {
		complexity = workitem.ComplexityHigh
	}
	root := workitem.New(seed.ID, workitem.KindProject, levelPriority[workitem.KindProject], complexity)
	d.applyMaxRetries(root)
	root.Input = seed.Input
	if seed.Timeout > 0 {
		root.Timeout = seed.Timeout
	} else {
		root.Timeout = 2 * complexity.DefaultTimeout()
	}

	report := Report{}
	generation := []*workitem.WorkItem{root}

	for _, level := range levelOrder {
		if len(generation) == 0 {
			break
		}

		d.logf(level, "submitting %d item(s)", len(generation))
		d.dist.Submit(generation...)

		levelResult, children, err := d.awaitLevel(level, generation)
		report.Levels = append(report.Levels, levelResult)
		if err != nil {
			report.Err = err
			_ = d.pool.TerminateAll()
			d.publish(events.KindWorkflowError, seed.ID, map[string]any{"error": err.Error(), "level": string(level)})
			report.Metrics = d.dist.Metrics()
			return report
		}
		generation = children
	}

	report.Metrics = d.dist.Metrics()
	d.publish(events.KindWorkflowComplete, seed.ID, map[string]any{"levels": len(report.Levels)})
	return report
}

// awaitLevel blocks until every item in items has reached a terminal state
// or the level timeout elapses, then resolves the next generation's
// children from the items that succeeded.
func (d *Driver) awaitLevel(level workitem.Kind, items []*workitem.WorkItem) (LevelResult, []*workitem.WorkItem, error) {
	result := LevelResult{Level: level}
	deadline := time.Now().Add(d.levelTimeout)

	pending := make(map[string]*workitem.WorkItem, len(items))
	for _, it := range items {
		pending[it.ID] = it
	}

	for len(pending) > 0 && time.Now().Before(deadline) {
		for id := range pending {
			res, ok := d.dist.Result(id)
			if !ok {
				continue
			}
			delete(pending, id)
			if res.Success {
				result.Succeeded = append(result.Succeeded, id)
			} else {
				result.Failed = append(result.Failed, id)
			}
		}
		if len(pending) > 0 {
			time.Sleep(pollInterval)
		}
	}

	if len(pending) > 0 {
		for id := range pending {
			result.Abandoned = append(result.Abandoned, id)
		}
		return result, nil, errors.New(errors.ErrCodeExecutionTimeout,
			fmt.Sprintf("level %s did not quiesce: %d item(s) abandoned", level, len(pending))).
			WithContext("level", string(level)).
			WithContext("abandoned", len(pending))
	}

	children, err := d.collectChildren(items, result.Succeeded)
	if err != nil {
		return result, nil, err
	}
	return result, children, nil
}

// collectChildren extracts the next generation's children from every
// successful parent's result payload, propagating preserved context
// read-only when enabled.
func (d *Driver) collectChildren(parents []*workitem.WorkItem, succeededIDs []string) ([]*workitem.WorkItem, error) {
	parentByID := make(map[string]*workitem.WorkItem, len(parents))
	for _, p := range parents {
		parentByID[p.ID] = p
	}

	var children []*workitem.WorkItem
	for _, id := range succeededIDs {
		parent, ok := parentByID[id]
		if !ok {
			continue
		}
		level, ok := nextLevel[parent.Kind]
		if !ok {
			continue // TASK is terminal; nothing further to expand
		}

		result, ok := d.dist.Result(id)
		if !ok || len(result.Data) == 0 {
			continue // item declared no children
		}

		var payload childrenPayload
		if err := json.Unmarshal(result.Data, &payload); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigError,
				fmt.Sprintf("parsing children payload for %s", id)).WithContext("item_id", id)
		}

		var inherited []byte
		if d.preserveContext {
			inherited = append([]byte(nil), result.Data...)
		}

		for _, spec := range payload.Children {
			complexity := spec.Complexity
			if complexity == "" {
				complexity = parent.Complexity
			}
			childID := spec.ID
			if childID == "" {
				childID = uuid.NewString()
			}
			child := workitem.New(childID, level, levelPriority[level], complexity)
			d.applyMaxRetries(child)
			child.ParentID = id
			child.Input = spec.Input
			child.DependsOn = spec.DependsOn
			if inherited != nil {
				child.Context = append([]byte(nil), inherited...)
			}
			children = append(children, child)
		}
	}
	return children, nil
}

func (d *Driver) publish(kind events.Kind, itemID string, details map[string]any) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(context.Background(), events.Event{Kind: kind, ItemID: itemID, Details: details})
}

func (d *Driver) logf(level workitem.Kind, format string, args ...any) {
	if d.logger == nil {
		return
	}
	_ = d.logger.Info(logging.CategoryWorkflow, "level_dispatch", fmt.Sprintf(format, args...), map[string]any{"level": string(level)})
}
