package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nexus-runtime/bridge/internal/capability"
	"github.com/nexus-runtime/bridge/internal/compiler"
	"github.com/nexus-runtime/bridge/internal/infrastructure/config"
	"github.com/nexus-runtime/bridge/internal/metrics"
	"github.com/nexus-runtime/bridge/internal/pool"
	"github.com/nexus-runtime/bridge/internal/sandbox"
	"github.com/nexus-runtime/bridge/internal/shared/id"
	"github.com/nexus-runtime/bridge/internal/state"
	"github.com/nexus-runtime/bridge/internal/types"
)

const tracerName = "github.com/nexus-runtime/bridge/internal/runtime"

// pendingExecution is what the runtime remembers about a parked execution
type pendingExecution struct {
	executionID id.ExecutionID
	ec          *types.Context
	timeout     time.Duration
	cacheHit    bool
}

// Runtime is the entry point tying compiler, pool, sandbox and metrics
// together. All methods are safe for concurrent use.
type Runtime struct {
	cfg        config.RuntimeConfig
	logger     *zap.Logger
	compiler   *compiler.Compiler
	pool       *pool.Pool
	metrics    *metrics.Collector
	registry   *prometheus.Registry
	store      state.Store
	extensions map[string][]string
	hook       SuspensionHook
	tracer     trace.Tracer

	mu      sync.Mutex
	pending map[string]*pendingExecution

	closed       atomic.Bool
	shutdownOnce sync.Once
}

// New validates cfg and builds a runtime
func New(cfg config.RuntimeConfig, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime config: %w", err)
	}

	r := &Runtime{
		cfg:     cfg,
		logger:  zap.NewNop(),
		metrics: metrics.NewCollector(),
		pending: make(map[string]*pendingExecution),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("runtime")

	r.compiler = compiler.New(compiler.Options{
		Version:       cfg.Version,
		MaxCacheBytes: cfg.MaxCacheSizeBytes,
		CacheDir:      cfg.CacheDir,
		Logger:        r.logger,
	})

	limits := sandbox.Limits{
		MemoryLimitBytes:  cfg.MemoryLimit(),
		MaxHostCalls:      cfg.MaxHostCalls,
		MaxStateMutations: cfg.MaxStateMutations,
		MaxEvents:         cfg.MaxEvents,
		MaxCallStackSize:  cfg.MaxCallStack,
	}
	instanceLogger := r.logger.Named("sandbox")
	factory := func() (*sandbox.Instance, error) {
		return sandbox.New(id.NewInstanceID().String(), limits, instanceLogger)
	}
	p, err := pool.New(pool.Config{MaxInstances: cfg.MaxInstances, MinInstances: cfg.MinInstances}, factory, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	r.pool = p

	if r.registry == nil {
		r.registry = prometheus.NewRegistry()
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	err = metrics.Register(r.registry, r.metrics, metrics.Gauges{
		ActiveInstances:    func() float64 { return float64(r.pool.Stats().Active) },
		AvailableInstances: func() float64 { return float64(r.pool.Stats().Available) },
		SuspendedInstances: func() float64 { return float64(r.pool.Stats().Suspended) },
		TotalMemoryBytes:   func() float64 { return float64(r.pool.Stats().TotalMemoryBytes) },
		CacheEntries:       func() float64 { return float64(r.compiler.Stats().Entries) },
		CacheSizeBytes:     func() float64 { return float64(r.compiler.Stats().SizeBytes) },
	})
	if err != nil {
		p.Shutdown(nil)
		return nil, err
	}

	r.logger.Info("runtime created",
		zap.Int("max_instances", cfg.MaxInstances),
		zap.Uint64("memory_limit_bytes", cfg.MemoryLimit()),
		zap.Int64("timeout_ms", cfg.TimeoutMS),
		zap.String("version", cfg.Version))
	return r, nil
}

// ExecuteHandler compiles source and runs it to completion or its first
// suspension. It always returns a result; failures carry an error code.
func (r *Runtime) ExecuteHandler(ctx context.Context, source string, ec *types.Context, timeout time.Duration) *types.Result {
	ctx, span := r.startSpan(ctx, "runtime.ExecuteHandler", ec)
	defer span.End()
	timer := metrics.StartTimer()

	if err := r.admit(ec); err != nil {
		return r.finish(span, timer, false, types.Failure(err))
	}
	granted, err := capability.ParseSet(ec.Capabilities)
	if err != nil {
		return r.finish(span, timer, false, types.Failure(types.InvalidArgument("%v", err)))
	}
	if missing := capability.Precheck(source, granted); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, t := range missing {
			names[i] = t.String()
		}
		span.SetAttributes(attribute.StringSlice("nexus.ungranted_capabilities", names))
		r.logger.Debug("handler references capabilities it was not granted",
			zap.String("panel_id", ec.PanelID),
			zap.Strings("capabilities", names))
	}

	timer.StartCompilation()
	h, err := r.compiler.Compile(source)
	timer.StopCompilation()
	if err != nil {
		return r.finish(span, timer, false, types.Failure(types.AsError(err)))
	}
	span.SetAttributes(attribute.String("nexus.cache_key", h.Key))

	return r.run(ctx, span, timer, h, ec, timeout, h.CacheHit)
}

// PrecompileHandler returns the bytecode artifact for source
func (r *Runtime) PrecompileHandler(source string) ([]byte, error) {
	if r.closed.Load() {
		return nil, types.Cancelled("runtime is shut down")
	}
	return r.compiler.Bytecode(source)
}

// ExecuteCompiledHandler runs a previously precompiled artifact. It always
// counts as a cache hit.
func (r *Runtime) ExecuteCompiledHandler(ctx context.Context, bytecode []byte, ec *types.Context, timeout time.Duration) *types.Result {
	ctx, span := r.startSpan(ctx, "runtime.ExecuteCompiledHandler", ec)
	defer span.End()
	timer := metrics.StartTimer()

	if err := r.admit(ec); err != nil {
		return r.finish(span, timer, true, types.Failure(err))
	}
	if _, err := capability.ParseSet(ec.Capabilities); err != nil {
		return r.finish(span, timer, true, types.Failure(types.InvalidArgument("%v", err)))
	}

	timer.StartCompilation()
	h, err := r.compiler.Load(bytecode)
	timer.StopCompilation()
	if err != nil {
		return r.finish(span, timer, true, types.Failure(types.AsError(err)))
	}
	return r.run(ctx, span, timer, h, ec, timeout, true)
}

// ResumeHandler delivers the result of a pending extension call. Unknown or
// already consumed ids return NOT_FOUND.
func (r *Runtime) ResumeHandler(ctx context.Context, suspensionID string, res types.AsyncResult) *types.Result {
	ctx, span := r.tracer.Start(ctx, "runtime.ResumeHandler",
		trace.WithAttributes(attribute.String("nexus.suspension_id", suspensionID)))
	defer span.End()
	timer := metrics.StartTimer()

	if r.closed.Load() {
		return r.finish(span, timer, false, types.Failure(types.Cancelled("runtime is shut down")))
	}
	lease, err := r.pool.TakeSuspended(suspensionID)
	if err != nil {
		return r.finish(span, timer, false,
			types.Failure(types.NotFound("suspension %s not found or already resumed", suspensionID)))
	}
	pe := r.takePending(suspensionID)
	if pe == nil {
		r.pool.Discard(lease)
		return r.finish(span, timer, false, types.Failure(types.Internal("no execution recorded for suspension %s", suspensionID)))
	}
	span.SetAttributes(
		attribute.String("nexus.panel_id", pe.ec.PanelID),
		attribute.String("nexus.handler", pe.ec.HandlerName))

	out := lease.Instance.Resume(ctx, suspensionID, res, pe.timeout)
	return r.conclude(ctx, span, timer, lease, pe, out)
}

// CancelSuspension abandons a suspended execution without giving the handler
// another turn. Unknown or already consumed ids return NOT_FOUND.
func (r *Runtime) CancelSuspension(ctx context.Context, suspensionID, reason string) *types.Result {
	ctx, span := r.tracer.Start(ctx, "runtime.CancelSuspension",
		trace.WithAttributes(attribute.String("nexus.suspension_id", suspensionID)))
	defer span.End()
	timer := metrics.StartTimer()

	lease, err := r.pool.TakeSuspended(suspensionID)
	if err != nil {
		return r.finish(span, timer, false,
			types.Failure(types.NotFound("suspension %s not found or already resumed", suspensionID)))
	}
	pe := r.takePending(suspensionID)
	if pe == nil {
		r.pool.Discard(lease)
		return r.finish(span, timer, false, types.Failure(types.Internal("no execution recorded for suspension %s", suspensionID)))
	}
	return r.conclude(ctx, span, timer, lease, pe, lease.Instance.Cancel(reason))
}

// admit rejects calls after shutdown and malformed contexts
func (r *Runtime) admit(ec *types.Context) *types.Error {
	if r.closed.Load() {
		return types.Cancelled("runtime is shut down")
	}
	if ec == nil {
		return types.InvalidArgument("execution context is required")
	}
	return nil
}

func (r *Runtime) run(ctx context.Context, span trace.Span, timer *metrics.Timer, h *compiler.CompiledHandler,
	ec *types.Context, timeout time.Duration, cacheHit bool) *types.Result {
	if timeout <= 0 {
		timeout = r.cfg.Timeout()
	}
	if ec.Extensions == nil && r.extensions != nil {
		withView := *ec
		withView.Extensions = r.extensions
		ec = &withView
	}
	span.SetAttributes(attribute.Bool("nexus.cache_hit", cacheHit))

	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		reason := fmt.Sprintf("acquire instance: %v", err)
		if errors.Is(err, pool.ErrClosed) {
			reason = "runtime is shut down"
		}
		return r.finish(span, timer, cacheHit, types.Failure(types.Cancelled(reason)))
	}

	pe := &pendingExecution{
		executionID: id.NewExecutionID(),
		ec:          ec,
		timeout:     timeout,
		cacheHit:    cacheHit,
	}
	res := lease.Instance.Execute(ctx, h, ec, timeout)
	return r.conclude(ctx, span, timer, lease, pe, res)
}

// conclude applies effects and returns, discards or parks the lease
func (r *Runtime) conclude(ctx context.Context, span trace.Span, timer *metrics.Timer, lease *pool.Lease,
	pe *pendingExecution, res *types.Result) *types.Result {
	lease.TrackMemory(lease.Instance.MemoryUsed())
	logger := r.logger.With(
		zap.String("execution_id", pe.executionID.String()),
		zap.String("panel_id", pe.ec.PanelID),
		zap.String("handler", pe.ec.HandlerName))

	switch res.Status {
	case types.StatusSuccess:
		if r.store != nil && len(res.StateMutations) > 0 {
			if err := r.store.Apply(ctx, pe.ec.PanelID, res.StateMutations); err != nil {
				logger.Error("failed to apply state mutations", zap.Error(err))
				metricsSoFar := res.Metrics
				res = types.Failure(types.Internal("apply state mutations: %v", err))
				res.Metrics = metricsSoFar
			}
		}
		r.pool.Release(lease)

	case types.StatusSuspended:
		sid := res.Suspension.SuspensionID
		r.putPending(sid, pe)
		if err := r.pool.Suspend(lease, sid, r.cfg.SuspensionTimeout(), r.expire); err != nil {
			r.takePending(sid)
			lease.Instance.Cancel("runtime is shut down")
			r.pool.Discard(lease)
			res = types.Failure(types.Cancelled("runtime is shut down"))
			break
		}
		logger.Debug("execution suspended",
			zap.String("suspension_id", sid),
			zap.String("extension", res.Suspension.ExtensionName),
			zap.String("method", res.Suspension.Method))

	default:
		if lease.Instance.Reusable() {
			r.pool.Release(lease)
		} else {
			logger.Warn("discarding instance", zap.String("code", string(res.Code())))
			r.pool.Discard(lease)
		}
	}

	if res.Error != nil {
		logger.Debug("execution failed",
			zap.String("code", string(res.Error.Code)),
			zap.String("error", res.Error.Message))
	}
	return r.finish(span, timer, pe.cacheHit, res)
}

// finish stamps timing metrics onto res, records them and closes the span
// status. Suspended turns count as suspensions, not executions.
func (r *Runtime) finish(span trace.Span, timer *metrics.Timer, cacheHit bool, res *types.Result) *types.Result {
	m := timer.Metrics(cacheHit, res.Succeeded())
	m.MemoryUsedBytes = res.Metrics.MemoryUsedBytes
	m.MemoryPeakBytes = res.Metrics.MemoryPeakBytes
	if res.Metrics.HostCalls != nil {
		m.HostCalls = res.Metrics.HostCalls
	}
	res.Metrics = m

	span.SetAttributes(attribute.String("nexus.status", string(res.Status)))
	if res.Suspended() {
		r.metrics.RecordSuspension()
		return res
	}
	r.metrics.RecordExecution(m)
	if res.Error != nil {
		r.metrics.RecordError(res.Error.Code)
		span.SetStatus(codes.Error, res.Error.Message)
		span.SetAttributes(attribute.String("nexus.error_code", string(res.Error.Code)))
	}
	return res
}

func (r *Runtime) startSpan(ctx context.Context, name string, ec *types.Context) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if ec != nil {
		attrs = append(attrs,
			attribute.String("nexus.panel_id", ec.PanelID),
			attribute.String("nexus.handler", ec.HandlerName))
	}
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// expire settles a suspension whose deadline passed with a synthesized
// cancellation, giving the handler one turn to fail cleanly
func (r *Runtime) expire(suspensionID string) {
	ec := r.peekContext(suspensionID)
	res := r.ResumeHandler(context.Background(), suspensionID,
		types.Cancellation(fmt.Sprintf("suspension expired after %s", r.cfg.SuspensionTimeout())))
	if res.Code() == types.CodeNotFound {
		return
	}
	r.logger.Info("suspension expired",
		zap.String("suspension_id", suspensionID),
		zap.String("status", string(res.Status)))
	r.notify(suspensionID, ec, ReasonExpired, res)
}

func (r *Runtime) notify(sid string, ec *types.Context, reason string, res *types.Result) {
	if r.hook == nil {
		return
	}
	ev := SuspensionEvent{SuspensionID: sid, Reason: reason, Result: res}
	if ec != nil {
		ev.PanelID = ec.PanelID
		ev.HandlerName = ec.HandlerName
	}
	r.hook(ev)
}

func (r *Runtime) peekContext(sid string) *types.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pe, ok := r.pending[sid]; ok {
		return pe.ec
	}
	return nil
}

func (r *Runtime) putPending(sid string, pe *pendingExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[sid] = pe
}

func (r *Runtime) takePending(sid string) *pendingExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	pe := r.pending[sid]
	delete(r.pending, sid)
	return pe
}

// Stats is the runtime-wide snapshot returned by Stats
type Stats struct {
	TotalExecutions    uint64           `json:"totalExecutions"`
	ActiveInstances    int              `json:"activeInstances"`
	AvailableInstances int              `json:"availableInstances"`
	SuspendedInstances int              `json:"suspendedInstances"`
	CacheHitRate       float64          `json:"cacheHitRate"`
	AvgExecutionTimeUS float64          `json:"avgExecutionTimeUs"`
	TotalMemoryBytes   uint64           `json:"totalMemoryBytes"`
	Compiler           compiler.Stats   `json:"compiler"`
	Pool               pool.Stats       `json:"pool"`
	Metrics            metrics.Snapshot `json:"metrics"`
}

// Stats returns a snapshot of pool, compiler and execution metrics
func (r *Runtime) Stats() Stats {
	ps := r.pool.Stats()
	return Stats{
		TotalExecutions:    r.metrics.TotalExecutions(),
		ActiveInstances:    ps.Active,
		AvailableInstances: ps.Available,
		SuspendedInstances: ps.Suspended,
		CacheHitRate:       r.metrics.CacheHitRate(),
		AvgExecutionTimeUS: r.metrics.AvgExecutionTimeUS(),
		TotalMemoryBytes:   ps.TotalMemoryBytes,
		Compiler:           r.compiler.Stats(),
		Pool:               ps,
		Metrics:            r.metrics.Snapshot(),
	}
}

// PrometheusMetrics renders the registry in the text exposition format
func (r *Runtime) PrometheusMetrics() (string, error) {
	return metrics.Text(r.registry)
}

// Registry exposes the registry for an HTTP handler
func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// Compiler exposes the compiler for cache inspection
func (r *Runtime) Compiler() *compiler.Compiler { return r.compiler }

// Config returns the validated configuration
func (r *Runtime) Config() config.RuntimeConfig { return r.cfg }

// Closed reports whether Shutdown has been called
func (r *Runtime) Closed() bool { return r.closed.Load() }

// Shutdown cancels every suspension, drains the pool and clears the memory
// cache. The hook receives a CANCELLED result per suspension. Later calls
// return nil without doing anything.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		_, span := r.tracer.Start(ctx, "runtime.Shutdown")
		defer span.End()

		cancelled := 0
		r.pool.Shutdown(func(sid string, lease *pool.Lease) {
			cancelled++
			res := lease.Instance.Cancel("runtime shutting down")
			var ec *types.Context
			if pe := r.takePending(sid); pe != nil {
				ec = pe.ec
			}
			r.metrics.RecordExecution(res.Metrics)
			r.metrics.RecordError(res.Code())
			r.notify(sid, ec, ReasonCancelled, res)
		})
		r.compiler.ClearCache()
		span.SetAttributes(attribute.Int("nexus.suspensions_cancelled", cancelled))
		r.logger.Info("runtime shut down", zap.Int("suspensions_cancelled", cancelled))
	})
	return nil
}
