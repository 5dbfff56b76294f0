package distributor

import (
	"time"

	"github.com/ccswarm/engine/pkg/workitem"
)

const (
	priorityDedicatedCeiling = 2
	dedicatedMemoryMB        = 1024
	dedicatedTimeout         = 120 * time.Second
)

// Strategy picks a worker to run item. Returning "" with a nil error means
// no worker is currently eligible; the item is left for the next tick.
type Strategy interface {
	Select(d *Distributor, item *workitem.WorkItem) (string, error)
}

type roundRobinStrategy struct{}

// RoundRobinStrategy cycles through ready workers by the distributed counter
// modulo pool size.
func RoundRobinStrategy() Strategy { return roundRobinStrategy{} }

func (roundRobinStrategy) Select(d *Distributor, _ *workitem.WorkItem) (string, error) {
	idleSet := make(map[string]bool)
	for _, id := range d.pool.IdleIDs() {
		idleSet[id] = true
	}

	var ready []string
	for _, id := range d.pool.WorkerIDs() {
		if idleSet[id] {
			ready = append(ready, id)
		}
	}
	if len(ready) == 0 {
		return "", nil
	}

	d.mu.Lock()
	idx := d.distributed % len(ready)
	d.mu.Unlock()

	id := ready[idx]
	if d.pool.Reserve(id) {
		return id, nil
	}
	return "", nil
}

type leastLoadedStrategy struct{}

// LeastLoadedStrategy picks the ready worker with the smallest outstanding
// count, spawning a fresh worker if none are ready and the pool has room.
func LeastLoadedStrategy() Strategy { return leastLoadedStrategy{} }

func (leastLoadedStrategy) Select(d *Distributor, _ *workitem.WorkItem) (string, error) {
	idle := d.pool.IdleIDs()

	best := ""
	bestLoad := -1
	d.mu.Lock()
	for _, id := range idle {
		l := d.load[id]
		if bestLoad == -1 || l < bestLoad {
			bestLoad = l
			best = id
		}
	}
	d.mu.Unlock()

	if best != "" {
		if d.pool.Reserve(best) {
			return best, nil
		}
		return "", nil
	}

	if d.pool.Count() < d.maxWorkers {
		return d.pool.SpawnOne(0, 0)
	}
	return "", nil
}

type priorityBasedStrategy struct{}

// PriorityBasedStrategy spawns a dedicated, elevated-resource worker for
// high-urgency critical items; everything else falls through to
// least-loaded.
func PriorityBasedStrategy() Strategy { return priorityBasedStrategy{} }

func (priorityBasedStrategy) Select(d *Distributor, item *workitem.WorkItem) (string, error) {
	id, err := priorityBasedSelect(d, item)
	if err != nil || id != "" {
		return id, err
	}
	return LeastLoadedStrategy().Select(d, item)
}

// priorityBasedSelect spawns a dedicated worker for a critical, urgent item
// and returns ("", nil) otherwise, without falling through to least-loaded.
// Kept separate from the public Select so the hybrid strategy can run this
// stage on its own before least-loaded gets a turn.
func priorityBasedSelect(d *Distributor, item *workitem.WorkItem) (string, error) {
	if item.Priority <= priorityDedicatedCeiling && item.Complexity == workitem.ComplexityCritical {
		if d.pool.Count() < d.maxWorkers {
			return d.pool.SpawnOne(dedicatedMemoryMB, dedicatedTimeout)
		}
	}
	return "", nil
}

type contextAwareStrategy struct{}

// ContextAwareStrategy reuses the worker that handled an item's parent, if
// that worker is still idle; otherwise falls through to least-loaded.
func ContextAwareStrategy() Strategy { return contextAwareStrategy{} }

func (contextAwareStrategy) Select(d *Distributor, item *workitem.WorkItem) (string, error) {
	id, err := contextAwareSelect(d, item)
	if err != nil || id != "" {
		return id, err
	}
	return LeastLoadedStrategy().Select(d, item)
}

// contextAwareSelect reuses the worker that handled item's parent, if that
// worker is still idle, and returns ("", nil) on a miss without falling
// through to least-loaded. Kept separate from the public Select so the
// hybrid strategy can run this stage on its own before priority-based and
// least-loaded get a turn.
func contextAwareSelect(d *Distributor, item *workitem.WorkItem) (string, error) {
	if item.ParentID == "" {
		return "", nil
	}
	d.mu.Lock()
	workerID, ok := d.affinity[item.ParentID]
	d.mu.Unlock()
	if !ok {
		return "", nil
	}
	for _, id := range d.pool.IdleIDs() {
		if id == workerID {
			if d.pool.Reserve(id) {
				return id, nil
			}
			break
		}
	}
	return "", nil
}

type hybridStrategy struct{}

// HybridStrategy applies context-aware, then priority-based, then
// least-loaded, then round-robin, in that order, returning the first
// worker any stage selects. Unlike chaining the four public strategies
// directly, each of the first two stages runs only its own dedicated logic
// here (no internal fallthrough), so a critical item with no parent
// affinity still reaches priority-based's dedicated spawn instead of
// least-loaded claiming it first.
func HybridStrategy() Strategy {
	return hybridStrategy{}
}

func (hybridStrategy) Select(d *Distributor, item *workitem.WorkItem) (string, error) {
	if id, err := contextAwareSelect(d, item); err != nil || id != "" {
		return id, err
	}
	if id, err := priorityBasedSelect(d, item); err != nil || id != "" {
		return id, err
	}
	if id, err := LeastLoadedStrategy().Select(d, item); err != nil || id != "" {
		return id, err
	}
	return RoundRobinStrategy().Select(d, item)
}
