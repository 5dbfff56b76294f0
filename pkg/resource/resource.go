// Package resource measures host RAM, storage, and CPU to compute how many
// worker processes the machine can run concurrently, and to suggest
// up/down adjustments as load shifts.
package resource

import (
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Bottleneck names which resource dimension bound the computed capacity.
type Bottleneck string

const (
	BottleneckRAM     Bottleneck = "ram"
	BottleneckStorage Bottleneck = "storage"
	BottleneckCPU     Bottleneck = "cpu"
)

const (
	defaultRAMPerWorkerBytes     = 512 * 1024 * 1024
	defaultStoragePerWorkerBytes = 50 * 1024 * 1024
	defaultCPUWeight             = 0.25

	ramFraction     = 0.50
	storageFraction = 0.10
	cpuUsable       = 0.80
	safetyMargin    = 0.85

	minWorkers = 1
	maxWorkers = 50

	fallbackWorkers = 5
)

// Snapshot holds the raw host measurements a capacity computation was based on.
type Snapshot struct {
	TotalRAMBytes     uint64
	FreeRAMBytes      uint64
	AvailStorageBytes uint64
	TotalStorageBytes uint64
	Cores             int
}

// Capacity is the result of ComputeCapacity.
type Capacity struct {
	MaxWorkers int
	Bottleneck Bottleneck
	Rationale  string
	Snapshot   Snapshot
}

// Utilization is the result of CurrentUtilization.
type Utilization struct {
	RAMFrac     float64
	StorageFrac float64
	CPULoadFrac float64
}

// Suggestion is the result of Suggest.
type Suggestion struct {
	ShouldAdjust bool
	Suggested    int
	Reason       string
}

// Params configures the per-worker resource weights used by ComputeCapacity.
// Zero values are replaced by the documented defaults.
type Params struct {
	RAMPerWorkerBytes     uint64
	StoragePerWorkerBytes uint64
	CPUWeight             float64
	StoragePath           string
}

func (p Params) withDefaults() Params {
	if p.RAMPerWorkerBytes == 0 {
		p.RAMPerWorkerBytes = defaultRAMPerWorkerBytes
	}
	if p.StoragePerWorkerBytes == 0 {
		p.StoragePerWorkerBytes = defaultStoragePerWorkerBytes
	}
	if p.CPUWeight == 0 {
		p.CPUWeight = defaultCPUWeight
	}
	if p.StoragePath == "" {
		p.StoragePath = "."
	}
	return p
}

// Sizer computes worker pool capacity from live host measurements.
type Sizer struct {
	params Params
}

// NewSizer creates a Sizer with the given parameters; zero fields fall back
// to the documented defaults.
func NewSizer(params Params) *Sizer {
	return &Sizer{params: params.withDefaults()}
}

// ComputeCapacity measures the host and derives the maximum concurrently
// runnable worker count along with the binding constraint. On any
// measurement failure it falls back to fallbackWorkers and never panics.
func (s *Sizer) ComputeCapacity() Capacity {
	snap, err := s.measure()
	if err != nil {
		return Capacity{
			MaxWorkers: fallbackWorkers,
			Bottleneck: BottleneckRAM,
			Rationale:  fmt.Sprintf("measurement failed (%v); falling back to %d workers", err, fallbackWorkers),
			Snapshot:   Snapshot{},
		}
	}

	ramCap := int(float64(snap.TotalRAMBytes) * ramFraction / float64(s.params.RAMPerWorkerBytes))
	storageCap := int(float64(snap.AvailStorageBytes) * storageFraction / float64(s.params.StoragePerWorkerBytes))
	cpuUsableCores := math.Max(1, float64(snap.Cores-1))
	cpuCap := int(cpuUsableCores * cpuUsable / s.params.CPUWeight)

	caps := map[Bottleneck]int{
		BottleneckRAM:     ramCap,
		BottleneckStorage: storageCap,
		BottleneckCPU:     cpuCap,
	}

	bottleneck := BottleneckRAM
	min := ramCap
	for _, b := range []Bottleneck{BottleneckStorage, BottleneckCPU} {
		if caps[b] < min {
			min = caps[b]
			bottleneck = b
		}
	}

	adjusted := int(float64(min) * safetyMargin)
	clamped := clamp(adjusted, minWorkers, maxWorkers)

	return Capacity{
		MaxWorkers: clamped,
		Bottleneck: bottleneck,
		Rationale: fmt.Sprintf(
			"ramCap=%d storageCap=%d cpuCap=%d -> min=%d (%s) *0.85 safety -> clamped to [%d,%d] = %d",
			ramCap, storageCap, cpuCap, min, bottleneck, minWorkers, maxWorkers, clamped,
		),
		Snapshot: snap,
	}
}

// CurrentUtilization reports the current fraction of RAM, storage, and CPU
// load in use.
func (s *Sizer) CurrentUtilization() (Utilization, error) {
	snap, err := s.measure()
	if err != nil {
		return Utilization{}, err
	}

	ramFrac := 0.0
	if snap.TotalRAMBytes > 0 {
		used := snap.TotalRAMBytes - snap.FreeRAMBytes
		ramFrac = float64(used) / float64(snap.TotalRAMBytes)
	}

	percents, err := cpu.Percent(0, false)
	cpuFrac := 0.0
	if err == nil && len(percents) > 0 {
		cpuFrac = percents[0] / 100.0
	}

	return Utilization{
		RAMFrac:     ramFrac,
		StorageFrac: 1 - safeDiv(float64(snap.AvailStorageBytes), float64(snap.TotalStorageBytes)),
		CPULoadFrac: cpuFrac,
	}, nil
}

// Suggest recommends growing or shrinking the pool given its current size
// and a capacity computed from the host's latest state.
func (s *Sizer) Suggest(currentCount int, capacity Capacity) Suggestion {
	util, err := s.CurrentUtilization()
	if err != nil {
		return Suggestion{ShouldAdjust: false, Suggested: currentCount, Reason: fmt.Sprintf("utilization unavailable: %v", err)}
	}

	if util.RAMFrac > 0.80 && currentCount >= capacity.MaxWorkers {
		suggested := int(float64(currentCount) * 0.80)
		return Suggestion{ShouldAdjust: true, Suggested: suggested, Reason: "RAM utilization above 80%, reducing pool"}
	}
	if util.RAMFrac < 0.50 && currentCount < capacity.MaxWorkers {
		suggested := currentCount + 2
		if suggested > capacity.MaxWorkers {
			suggested = capacity.MaxWorkers
		}
		return Suggestion{ShouldAdjust: true, Suggested: suggested, Reason: "RAM utilization below 50%, growing pool"}
	}
	return Suggestion{ShouldAdjust: false, Suggested: currentCount, Reason: "within target utilization band"}
}

func (s *Sizer) measure() (Snapshot, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading memory stats: %w", err)
	}

	cores, err := cpu.Counts(true)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading cpu count: %w", err)
	}

	availStorage, err := freeStorageBytes(s.params.StoragePath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading free storage: %w", err)
	}

	totalStorage, err := totalStorageBytes(s.params.StoragePath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading total storage: %w", err)
	}

	return Snapshot{
		TotalRAMBytes:     vm.Total,
		FreeRAMBytes:      vm.Free,
		AvailStorageBytes: availStorage,
		TotalStorageBytes: totalStorage,
		Cores:             cores,
	}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func safeDiv(n, d float64) float64 {
	if d == 0 {
		return 0
	}
	return n / d
}
