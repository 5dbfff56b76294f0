// Package workitem defines the atomic unit of scheduling for the
// orchestration engine, along with the context store workers and retries
// consult for affinity and resumption.
package workitem

import (
	"sync"
	"time"
)

// Kind identifies a work item's place in the five-level hierarchy.
type Kind string

const (
	KindProject    Kind = "PROJECT"
	KindInitiative Kind = "INITIATIVE"
	KindFeature    Kind = "FEATURE"
	KindStory      Kind = "STORY"
	KindTask       Kind = "TASK"
)

// Complexity ranks a work item for dispatch ordering and default timeouts.
// Rank order for scheduling purposes is critical < high < medium < low.
type Complexity string

const (
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityCritical Complexity = "critical"
)

var complexityRank = map[Complexity]int{
	ComplexityCritical: 0,
	ComplexityHigh:     1,
	ComplexityMedium:   2,
	ComplexityLow:      3,
}

// Rank returns the sort rank for this complexity; lower sorts first.
// Unknown values sort last.
func (c Complexity) Rank() int {
	if r, ok := complexityRank[c]; ok {
		return r
	}
	return len(complexityRank)
}

// DefaultTimeout returns the fallback per-item timeout for this complexity
// when no explicit duration estimate is provided.
func (c Complexity) DefaultTimeout() time.Duration {
	switch c {
	case ComplexityLow:
		return 30 * time.Second
	case ComplexityMedium:
		return 60 * time.Second
	case ComplexityHigh:
		return 120 * time.Second
	case ComplexityCritical:
		return 180 * time.Second
	default:
		return 60 * time.Second
	}
}

// Status is a work item's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// WorkItem is the atomic unit of scheduling.
type WorkItem struct {
	ID         string
	Kind       Kind
	ParentID   string
	DependsOn  []string
	Priority   int
	Complexity Complexity

	// EstimatedDuration is an optional hint; zero means "use the
	// complexity default".
	EstimatedDuration time.Duration

	Input   []byte
	Context []byte

	Retries    int
	MaxRetries int
	Timeout    time.Duration

	Status    Status
	CreatedAt time.Time
}

// New constructs a pending WorkItem with sane defaults for retry cap and
// timeout, derived from complexity when not explicitly set.
func New(id string, kind Kind, priority int, complexity Complexity) *WorkItem {
	return &WorkItem{
		ID:         id,
		Kind:       kind,
		Priority:   priority,
		Complexity: complexity,
		MaxRetries: 3,
		Timeout:    complexity.DefaultTimeout(),
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
}

// EffectiveTimeout returns 1.5x the estimated duration if provided, else the
// item's Timeout if set, else the complexity default.
func (w *WorkItem) EffectiveTimeout() time.Duration {
	if w.EstimatedDuration > 0 {
		return time.Duration(float64(w.EstimatedDuration) * 1.5)
	}
	if w.Timeout > 0 {
		return w.Timeout
	}
	return w.Complexity.DefaultTimeout()
}

// BoostPriority raises urgency by one step, never going below 1.
func (w *WorkItem) BoostPriority() {
	w.Priority--
	if w.Priority < 1 {
		w.Priority = 1
	}
}

// Retryable reports whether this item may still be retried.
func (w *WorkItem) Retryable() bool {
	return w.Retries < w.MaxRetries
}

// Result is the outcome of one execution attempt.
type Result struct {
	WorkItemID string
	Success    bool
	Data       []byte
	Err        string
	Duration   time.Duration
	WorkerID   string
	Timestamp  time.Time
}

// ContextStore maps a completed work item id to its produced context blob.
// Entries are write-once: the first Set for an id wins and later calls are
// no-ops, matching the "write-once per item id" ownership rule. Readers
// always receive a fresh copy so they cannot mutate the stored blob.
type ContextStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewContextStore creates an empty store.
func NewContextStore() *ContextStore {
	return &ContextStore{entries: make(map[string][]byte)}
}

// Set records the context blob for id if one is not already recorded.
// Returns false if an entry already existed.
func (s *ContextStore) Set(id string, blob []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return false
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.entries[id] = cp
	return true
}

// Get returns a by-value copy of the stored blob for id, if any.
func (s *ContextStore) Get(id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, true
}

// Has reports whether a context blob has been recorded for id.
func (s *ContextStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}
