package metrics

import (
	"time"

	"github.com/nexus-runtime/bridge/internal/types"
)

// Timer measures one execution, including an optional compile phase
type Timer struct {
	start        time.Time
	compileStart time.Time
	compile      time.Duration
}

// StartTimer begins measuring an execution
func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartCompilation marks the beginning of a compile phase
func (t *Timer) StartCompilation() {
	t.compileStart = time.Now()
}

// StopCompilation ends the compile phase started by StartCompilation
func (t *Timer) StopCompilation() {
	if !t.compileStart.IsZero() {
		t.compile += time.Since(t.compileStart)
		t.compileStart = time.Time{}
	}
}

// AddCompilation records a compile phase measured elsewhere
func (t *Timer) AddCompilation(d time.Duration) {
	t.compile += d
}

// Elapsed returns the time since StartTimer
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Metrics builds the per-invocation record. Memory and host-call fields are
// filled in by the caller.
func (t *Timer) Metrics(cacheHit, success bool) types.ExecutionMetrics {
	return types.ExecutionMetrics{
		DurationUS:    uint64(t.Elapsed().Microseconds()),
		CompileTimeUS: uint64(t.compile.Microseconds()),
		HostCalls:     map[string]uint32{},
		CacheHit:      cacheHit,
		Success:       success,
	}
}
