package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nexus-runtime/bridge/internal/sandbox"
	"github.com/nexus-runtime/bridge/internal/shared/id"
)

var (
	// ErrClosed is returned by Acquire and Suspend after Shutdown
	ErrClosed = errors.New("instance pool is closed")
	// ErrSuspensionNotFound is returned for unknown or already taken suspension ids
	ErrSuspensionNotFound = errors.New("suspension not found")
)

// Config bounds the pool
type Config struct {
	MaxInstances int
	MinInstances int
}

// Factory creates a new idle instance
type Factory func() (*sandbox.Instance, error)

// Lease is exclusive use of one instance. A lease is either executing,
// parked under a suspension id, or returned; never two at once.
type Lease struct {
	ID       id.LeaseID
	Instance *sandbox.Instance

	pool     *Pool
	memory   uint64
	returned bool
}

// TrackMemory records the instance's current memory attribution, adjusting
// the pool total by the difference from the last report
func (l *Lease) TrackMemory(used uint64) {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.pool.memory += int64(used) - int64(l.memory)
	l.memory = used
}

type parked struct {
	lease *Lease
	timer *time.Timer
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Active           int    `json:"active"`
	Available        int    `json:"available"`
	Suspended        int    `json:"suspended"`
	Created          uint64 `json:"created"`
	TotalMemoryBytes uint64 `json:"totalMemoryBytes"`
	MaxInstances     int    `json:"maxInstances"`
}

// Pool hands out instances under a counting semaphore of MaxInstances
// permits. A permit is held from Acquire until Release or Discard, including
// while the lease is parked as a suspension.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *zap.Logger
	sem     *semaphore.Weighted

	mu        sync.Mutex
	free      []*sandbox.Instance
	suspended map[string]*parked
	active    int
	created   uint64
	memory    int64
	closed    bool
}

// New creates a pool and pre-warms MinInstances idle instances
func New(cfg Config, factory Factory, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxInstances <= 0 {
		return nil, fmt.Errorf("max instances must be positive, got %d", cfg.MaxInstances)
	}
	if cfg.MinInstances > cfg.MaxInstances {
		cfg.MinInstances = cfg.MaxInstances
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:       cfg,
		factory:   factory,
		logger:    logger.Named("pool"),
		sem:       semaphore.NewWeighted(int64(cfg.MaxInstances)),
		free:      make([]*sandbox.Instance, 0, cfg.MaxInstances),
		suspended: make(map[string]*parked),
	}

	for i := 0; i < cfg.MinInstances; i++ {
		inst, err := factory()
		if err != nil {
			return nil, fmt.Errorf("pre-warm instance %d: %w", i, err)
		}
		p.free = append(p.free, inst)
		p.created++
	}
	p.logger.Debug("pool ready",
		zap.Int("max_instances", cfg.MaxInstances),
		zap.Int("prewarmed", cfg.MinInstances))
	return p, nil
}

// Acquire waits for a permit and returns a lease on the most recently
// returned idle instance, creating one when the free list is empty
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	var inst *sandbox.Instance
	if n := len(p.free); n > 0 {
		inst = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	}
	p.active++
	p.mu.Unlock()

	if inst == nil {
		created, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, fmt.Errorf("create instance: %w", err)
		}
		p.mu.Lock()
		p.created++
		p.mu.Unlock()
		inst = created
	}

	return &Lease{ID: id.NewLeaseID(), Instance: inst, pool: p}, nil
}

// Release resets the instance and returns it to the free list. Instances
// that cannot be reused are dropped. The permit is returned either way.
func (p *Pool) Release(l *Lease) {
	if !p.finish(l) {
		return
	}

	keep := l.Instance.Reusable()
	if keep {
		if err := l.Instance.Reset(); err != nil {
			p.logger.Warn("reset failed, dropping instance",
				zap.String("instance_id", l.Instance.ID()), zap.Error(err))
			keep = false
		}
	}

	p.mu.Lock()
	if keep && !p.closed && len(p.free) < p.cfg.MaxInstances {
		p.free = append(p.free, l.Instance)
	} else {
		keep = false
	}
	p.mu.Unlock()

	if !keep {
		l.Instance.Terminate()
	}
	p.sem.Release(1)
}

// Discard terminates the instance instead of returning it
func (p *Pool) Discard(l *Lease) {
	if !p.finish(l) {
		return
	}
	l.Instance.Terminate()
	p.logger.Debug("instance discarded", zap.String("instance_id", l.Instance.ID()))
	p.sem.Release(1)
}

// finish ends the executing phase of a lease; false if it was already returned
func (p *Pool) finish(l *Lease) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.returned {
		return false
	}
	l.returned = true
	p.active--
	p.memory -= int64(l.memory)
	l.memory = 0
	return true
}

// Suspend parks the lease under suspensionID. It keeps its permit. After
// timeout onExpire is called with the id from a timer goroutine; the callee
// is expected to TakeSuspended it.
func (p *Pool) Suspend(l *Lease, suspensionID string, timeout time.Duration, onExpire func(id string)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, exists := p.suspended[suspensionID]; exists {
		return fmt.Errorf("suspension %s already parked", suspensionID)
	}

	p.active--
	p.suspended[suspensionID] = &parked{
		lease: l,
		timer: time.AfterFunc(timeout, func() { onExpire(suspensionID) }),
	}
	return nil
}

// TakeSuspended removes and returns the lease parked under id. Each id can
// be taken at most once.
func (p *Pool) TakeSuspended(suspensionID string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.suspended[suspensionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSuspensionNotFound, suspensionID)
	}
	delete(p.suspended, suspensionID)
	entry.timer.Stop()
	p.active++
	return entry.lease, nil
}

// Shutdown closes the pool. Idle instances are terminated and every parked
// suspension is handed to onCancel before its permit is returned. Leases
// still executing are dropped when released. Calling it again is a no-op.
func (p *Pool) Shutdown(onCancel func(suspensionID string, l *Lease)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	free := p.free
	p.free = nil
	suspended := p.suspended
	p.suspended = make(map[string]*parked)
	p.mu.Unlock()

	for _, inst := range free {
		inst.Terminate()
	}
	for sid, entry := range suspended {
		entry.timer.Stop()
		if onCancel != nil {
			onCancel(sid, entry.lease)
		}
		p.mu.Lock()
		entry.lease.returned = true
		p.memory -= int64(entry.lease.memory)
		p.mu.Unlock()
		entry.lease.Instance.Terminate()
		p.sem.Release(1)
	}

	p.logger.Info("pool shut down",
		zap.Int("idle_terminated", len(free)),
		zap.Int("suspensions_cancelled", len(suspended)))
}

// Stats returns a snapshot of pool occupancy
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var memory uint64
	if p.memory > 0 {
		memory = uint64(p.memory)
	}
	return Stats{
		Active:           p.active,
		Available:        len(p.free),
		Suspended:        len(p.suspended),
		Created:          p.created,
		TotalMemoryBytes: memory,
		MaxInstances:     p.cfg.MaxInstances,
	}
}

// Closed reports whether Shutdown has run
func (p *Pool) Closed() bool { return p.isClosed() }

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
