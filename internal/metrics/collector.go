package metrics

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nexus-runtime/bridge/internal/types"
)

// Collector aggregates execution metrics with lock-free counters.
// Recording never blocks an execution path.
type Collector struct {
	totalExecutions  atomic.Uint64
	successes        atomic.Uint64
	failures         atomic.Uint64
	totalDurationUS  atomic.Uint64
	totalCompileUS   atomic.Uint64
	cacheHits        atomic.Uint64
	cacheMisses      atomic.Uint64
	totalMemoryBytes atomic.Uint64
	peakMemoryBytes  atomic.Uint64
	suspensions      atomic.Uint64

	hostCalls sync.Map // string -> *atomic.Uint64
	errors    sync.Map // types.ErrorCode -> *atomic.Uint64
}

// Snapshot is a point-in-time copy of the collector
type Snapshot struct {
	TotalExecutions    uint64            `json:"totalExecutions"`
	Successes          uint64            `json:"successes"`
	Failures           uint64            `json:"failures"`
	Suspensions        uint64            `json:"suspensions"`
	CacheHits          uint64            `json:"cacheHits"`
	CacheMisses        uint64            `json:"cacheMisses"`
	CacheHitRate       float64           `json:"cacheHitRate"`
	AvgExecutionTimeUS float64           `json:"avgExecutionTimeUs"`
	TotalCompileTimeUS uint64            `json:"totalCompileTimeUs"`
	PeakMemoryBytes    uint64            `json:"peakMemoryBytes"`
	HostCalls          map[string]uint64 `json:"hostCalls"`
	Errors             map[string]uint64 `json:"errors"`
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{}
}

// RecordExecution folds one invocation into the aggregate
func (c *Collector) RecordExecution(m types.ExecutionMetrics) {
	c.totalExecutions.Add(1)
	if m.Success {
		c.successes.Add(1)
	} else {
		c.failures.Add(1)
	}
	c.totalDurationUS.Add(m.DurationUS)
	c.totalCompileUS.Add(m.CompileTimeUS)
	if m.CacheHit {
		c.cacheHits.Add(1)
	} else {
		c.cacheMisses.Add(1)
	}
	c.totalMemoryBytes.Add(m.MemoryUsedBytes)
	c.updatePeak(m.MemoryPeakBytes)

	for name, n := range m.HostCalls {
		counter(&c.hostCalls, name).Add(uint64(n))
	}
}

// RecordError counts one failure by code
func (c *Collector) RecordError(code types.ErrorCode) {
	counter(&c.errors, code).Add(1)
}

// RecordSuspension counts one execution parked on an extension call
func (c *Collector) RecordSuspension() {
	c.suspensions.Add(1)
}

func (c *Collector) updatePeak(v uint64) {
	for {
		cur := c.peakMemoryBytes.Load()
		if v <= cur || c.peakMemoryBytes.CompareAndSwap(cur, v) {
			return
		}
	}
}

func counter[K comparable](m *sync.Map, key K) *atomic.Uint64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := m.LoadOrStore(key, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// TotalExecutions returns the number of recorded executions
func (c *Collector) TotalExecutions() uint64 { return c.totalExecutions.Load() }

// CacheHitRate returns hits / (hits + misses), or 0 before any execution
func (c *Collector) CacheHitRate() float64 {
	hits := c.cacheHits.Load()
	total := hits + c.cacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// AvgExecutionTimeUS returns the mean execution time in microseconds
func (c *Collector) AvgExecutionTimeUS() float64 {
	n := c.totalExecutions.Load()
	if n == 0 {
		return 0
	}
	return float64(c.totalDurationUS.Load()) / float64(n)
}

// HostCalls returns a copy of the per-function call counts
func (c *Collector) HostCalls() map[string]uint64 {
	out := make(map[string]uint64)
	c.hostCalls.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// Errors returns a copy of the per-code error counts
func (c *Collector) Errors() map[string]uint64 {
	out := make(map[string]uint64)
	c.errors.Range(func(k, v any) bool {
		out[string(k.(types.ErrorCode))] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// Snapshot copies every counter
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		TotalExecutions:    c.totalExecutions.Load(),
		Successes:          c.successes.Load(),
		Failures:           c.failures.Load(),
		Suspensions:        c.suspensions.Load(),
		CacheHits:          c.cacheHits.Load(),
		CacheMisses:        c.cacheMisses.Load(),
		CacheHitRate:       c.CacheHitRate(),
		AvgExecutionTimeUS: c.AvgExecutionTimeUS(),
		TotalCompileTimeUS: c.totalCompileUS.Load(),
		PeakMemoryBytes:    c.peakMemoryBytes.Load(),
		HostCalls:          c.HostCalls(),
		Errors:             c.Errors(),
	}
}

// Reset zeroes every counter
func (c *Collector) Reset() {
	c.totalExecutions.Store(0)
	c.successes.Store(0)
	c.failures.Store(0)
	c.totalDurationUS.Store(0)
	c.totalCompileUS.Store(0)
	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.totalMemoryBytes.Store(0)
	c.peakMemoryBytes.Store(0)
	c.suspensions.Store(0)
	c.hostCalls.Range(func(k, _ any) bool {
		c.hostCalls.Delete(k)
		return true
	})
	c.errors.Range(func(k, _ any) bool {
		c.errors.Delete(k)
		return true
	})
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
