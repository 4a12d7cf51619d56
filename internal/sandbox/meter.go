package sandbox

import (
	"runtime"
	rtmetrics "runtime/metrics"
	"sync"
	"sync/atomic"
	"time"
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// DefaultSampleInterval is how often heap growth is sampled while a turn runs
const DefaultSampleInterval = 2 * time.Millisecond

// meter tracks memory attributed to one execution: bytes of values crossing
// the host boundary plus its share of live heap growth during the current
// turn.
//
// goja allocates on the Go heap, so growth is read from runtime/metrics. The
// heap is process-wide; see heapShares for how it is split between turns.
type meter struct {
	limit    uint64
	interval time.Duration

	boundary atomic.Uint64
	growth   atomic.Uint64
	peak     atomic.Uint64

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func newMeter(limit uint64, interval time.Duration) *meter {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &meter{limit: limit, interval: interval}
}

func (m *meter) reset() {
	m.boundary.Store(0)
	m.growth.Store(0)
	m.peak.Store(0)
}

func (m *meter) used() uint64 {
	return m.boundary.Load() + m.growth.Load()
}

func (m *meter) peakUsed() uint64 {
	return m.peak.Load()
}

func (m *meter) observe(used uint64) {
	for {
		p := m.peak.Load()
		if used <= p || m.peak.CompareAndSwap(p, used) {
			return
		}
	}
}

// charge adds boundary bytes and reports the new total and whether it is
// over the limit
func (m *meter) charge(n int) (uint64, bool) {
	if n > 0 {
		m.boundary.Add(uint64(n))
	}
	used := m.used()
	m.observe(used)
	return used, m.limit > 0 && used > m.limit
}

func (m *meter) addGrowth(delta int64) {
	g := int64(m.growth.Load()) + delta
	if g < 0 {
		g = 0
	}
	m.growth.Store(uint64(g))
	m.observe(m.used())
}

// begin starts sampling heap growth from the current heap size. onExceed
// is called at most once, from the sampling goroutine, when the limit is
// crossed and still crossed after a forced collection.
func (m *meter) begin(onExceed func(used uint64)) {
	m.growth.Store(0)
	if m.limit == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	shares.join(m)

	go m.sample(m.stop, m.done, onExceed)
}

func (m *meter) sample(stop <-chan struct{}, done chan<- struct{}, onExceed func(uint64)) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		shares.sample()
		if m.used() <= m.limit {
			continue
		}
		// garbage does not count; confirm against live objects only
		shares.collect()
		if used := m.used(); used > m.limit {
			onExceed(used)
			return
		}
	}
}

// end stops the sampler and waits for it to exit
func (m *meter) end() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	shares.leave(m)
}

// heapShares splits process heap growth between the meters whose turns are
// running. Growth between two reads is divided evenly among the meters
// active in that interval. Concurrent turns are not each charged the whole
// growth, and a turn is not charged for allocations made before it began.
type heapShares struct {
	mu     sync.Mutex
	last   uint64
	active map[*meter]struct{}
}

var shares = &heapShares{active: make(map[*meter]struct{})}

func (s *heapShares) join(m *meter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
	if len(s.active) == 0 {
		s.last = heapObjects()
	}
	s.active[m] = struct{}{}
}

func (s *heapShares) leave(m *meter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
	delete(s.active, m)
}

func (s *heapShares) sample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
}

// collect forces a collection and settles against live objects. Holding
// the lock keeps concurrent confirmations from stacking collections.
func (s *heapShares) collect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
	runtime.GC()
	s.settle()
}

func (s *heapShares) settle() {
	if len(s.active) == 0 {
		return
	}
	cur := heapObjects()
	delta := int64(cur) - int64(s.last)
	s.last = cur
	each := delta / int64(len(s.active))
	for m := range s.active {
		m.addGrowth(each)
	}
}

func heapObjects() uint64 {
	s := []rtmetrics.Sample{{Name: heapObjectsMetric}}
	rtmetrics.Read(s)
	if s[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}
