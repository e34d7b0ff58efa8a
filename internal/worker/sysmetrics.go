package worker

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceSampler reports CPU and RAM pressure as fractions in [0,1],
// caching samples for a short window so the outer loop's frequent checks
// don't hammer the OS on every iteration.
type ResourceSampler struct {
	mu         sync.Mutex
	cacheFor   time.Duration
	lastSample time.Time
	lastCPU    float64
	lastRAM    float64
}

// NewResourceSampler builds a sampler with the given cache window
// (spec.md §4.6 step 2's ~150ms cache).
func NewResourceSampler(cacheFor time.Duration) *ResourceSampler {
	if cacheFor <= 0 {
		cacheFor = 150 * time.Millisecond
	}
	return &ResourceSampler{cacheFor: cacheFor}
}

// Sample returns the current (cpuFraction, ramFraction), refreshing only
// if the cache window has elapsed.
func (r *ResourceSampler) Sample() (cpuFraction, ramFraction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.lastSample) < r.cacheFor {
		return r.lastCPU, r.lastRAM
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		r.lastCPU = percents[0] / 100
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.lastRAM = vm.UsedPercent / 100
	}
	r.lastSample = time.Now()
	return r.lastCPU, r.lastRAM
}
