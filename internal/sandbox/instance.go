package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/nexus-runtime/bridge/internal/capability"
	"github.com/nexus-runtime/bridge/internal/compiler"
	"github.com/nexus-runtime/bridge/internal/types"
)

// State is the lifecycle position of an Instance
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateSuspended
	StateFailed
	StateCancelled
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateSuspended:
		return "suspended"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrTerminated is returned by Reset for an instance that was torn down
var ErrTerminated = errors.New("instance terminated")

// Limits bounds one execution
type Limits struct {
	MemoryLimitBytes  uint64
	MaxHostCalls      int
	MaxStateMutations int
	MaxEvents         int
	MaxCallStackSize  int
	// SampleInterval overrides DefaultSampleInterval
	SampleInterval time.Duration
}

// DefaultLimits mirrors the runtime defaults
func DefaultLimits() Limits {
	return Limits{
		MemoryLimitBytes:  32 << 20,
		MaxHostCalls:      10000,
		MaxStateMutations: 1000,
		MaxEvents:         100,
		MaxCallStackSize:  1024,
	}
}

// Instance owns one goja VM and runs one handler execution at a time.
// Execute and Resume must not be called concurrently; the pool guarantees
// a single owner per instance.
type Instance struct {
	id     string
	limits Limits
	logger *zap.Logger
	meter  *meter

	state      atomic.Int32
	executions atomic.Uint64

	vm     *goja.Runtime
	invoke goja.Callable
	settle goja.Callable
	used   bool

	exec    *execution
	timeout time.Duration

	mu       sync.Mutex
	running  bool
	abortErr *types.Error
}

// New creates an idle instance with a ready VM
func New(id string, limits Limits, logger *zap.Logger) (*Instance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Instance{
		id:     id,
		limits: limits,
		logger: logger.With(zap.String("instance_id", id)),
		meter:  newMeter(limits.MemoryLimitBytes, limits.SampleInterval),
	}
	if err := i.build(); err != nil {
		return nil, err
	}
	i.state.Store(int32(StateIdle))
	return i, nil
}

// build replaces the VM with a fresh one and installs the prelude
func (i *Instance) build() error {
	vm := goja.New()
	if i.limits.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(i.limits.MaxCallStackSize)
	}

	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("harden %s: %w", name, err)
		}
	}
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval"} {
		if err := vm.Set(name, noop); err != nil {
			return fmt.Errorf("stub %s: %w", name, err)
		}
	}

	v, err := vm.RunProgram(prelude)
	if err != nil {
		return fmt.Errorf("run prelude: %w", err)
	}
	factory, ok := goja.AssertFunction(v)
	if !ok {
		return errors.New("prelude did not evaluate to a function")
	}
	bindings, err := factory(goja.Undefined(), i.hostObject(vm))
	if err != nil {
		return fmt.Errorf("install host bindings: %w", err)
	}
	obj := bindings.ToObject(vm)
	invoke, ok := goja.AssertFunction(obj.Get("invoke"))
	if !ok {
		return errors.New("prelude missing invoke")
	}
	settle, ok := goja.AssertFunction(obj.Get("settle"))
	if !ok {
		return errors.New("prelude missing settle")
	}

	i.mu.Lock()
	i.vm = vm
	i.mu.Unlock()
	i.invoke, i.settle = invoke, settle
	i.used = false
	return nil
}

// ID returns the instance id
func (i *Instance) ID() string { return i.id }

// State returns the current lifecycle state
func (i *Instance) State() State { return State(i.state.Load()) }

func (i *Instance) setState(s State) { i.state.Store(int32(s)) }

// Executions counts executions started on this instance
func (i *Instance) Executions() uint64 { return i.executions.Load() }

// MemoryUsed returns bytes attributed to the current or last execution
func (i *Instance) MemoryUsed() uint64 { return i.meter.used() }

// MemoryPeak returns the highest attribution seen during the current or last execution
func (i *Instance) MemoryPeak() uint64 { return i.meter.peakUsed() }

// Reusable reports whether the instance may go back to a free list
func (i *Instance) Reusable() bool { return i.State() != StateTerminated }

// SuspensionID returns the id of the extension call the instance waits on
func (i *Instance) SuspensionID() string {
	if i.State() != StateSuspended || i.exec == nil || len(i.exec.pending) == 0 {
		return ""
	}
	return i.exec.pending[0].id
}

// Timeout returns the per-turn timeout of the current execution
func (i *Instance) Timeout() time.Duration { return i.timeout }

// Execute runs a compiled handler until it completes, fails or suspends on
// its first extension call
func (i *Instance) Execute(ctx context.Context, h *compiler.CompiledHandler, ec *types.Context, timeout time.Duration) *types.Result {
	if st := i.State(); st != StateIdle {
		return types.Failure(types.Internal("instance %s is %s, not idle", i.id, st))
	}
	if i.used {
		if err := i.build(); err != nil {
			i.setState(StateTerminated)
			return types.Failure(types.Internal("rebuild vm: %v", err))
		}
	}
	i.used = true
	i.executions.Add(1)

	granted, err := capability.ParseSet(ec.Capabilities)
	if err != nil {
		return types.Failure(types.InvalidArgument("%v", err))
	}

	i.meter.reset()
	exec, err := newExecution(ec, granted, h.SourceMap, i.logger)
	if err != nil {
		return types.Failure(types.InvalidArgument("%v", err))
	}
	i.exec = exec
	i.timeout = timeout

	args, err := encodeObject(ec.Args)
	if err != nil {
		return types.Failure(types.InvalidArgument("args: %v", err))
	}
	scope, err := encodeObject(ec.Scope)
	if err != nil {
		return types.Failure(types.InvalidArgument("scope: %v", err))
	}
	if used, over := i.meter.charge(exec.snapshotBytes + len(args) + len(scope)); over {
		return i.fail(types.MemoryLimit(used, i.limits.MemoryLimitBytes))
	}

	i.setState(StateRunning)
	return i.turn(ctx, timeout, func() error {
		v, err := i.vm.RunProgram(h.Program)
		if err != nil {
			return err
		}
		if _, ok := goja.AssertFunction(v); !ok {
			return types.CompileError("handler did not compile to a function", nil)
		}
		_, err = i.invoke(goja.Undefined(), v, i.vm.ToValue(args), i.vm.ToValue(scope))
		return err
	})
}

// Resume settles the pending extension call id with res and runs until the
// next completion, failure or suspension
func (i *Instance) Resume(ctx context.Context, id string, res types.AsyncResult, timeout time.Duration) *types.Result {
	if i.State() != StateSuspended || i.exec == nil || !i.exec.removePending(id) {
		return types.Failure(types.NotFound("suspension %s not found or already resumed", id))
	}

	payload := res.Error
	if res.Success {
		data, err := sonic.Marshal(res.Value)
		if err != nil {
			return i.fail(types.InvalidArgument("async result value: %v", err))
		}
		payload = string(data)
	} else if res.Cancelled() {
		i.exec.cancelling = true
	}
	if used, over := i.meter.charge(len(payload)); over {
		return i.fail(types.MemoryLimit(used, i.limits.MemoryLimitBytes))
	}

	i.setState(StateRunning)
	return i.turn(ctx, timeout, func() error {
		settled, err := i.settle(goja.Undefined(), i.vm.ToValue(id), i.vm.ToValue(res.Success), i.vm.ToValue(payload))
		if err != nil {
			return err
		}
		if !settled.ToBoolean() {
			return types.Internal("no promise registered for suspension %s", id)
		}
		return nil
	})
}

// Cancel abandons a suspended execution
func (i *Instance) Cancel(reason string) *types.Result {
	if i.State() != StateSuspended {
		return types.Failure(types.Internal("instance %s is %s, not suspended", i.id, i.State()))
	}
	i.exec.pending = nil
	i.setState(StateCancelled)
	return i.errorResult(types.Cancelled(reason))
}

// Reset prepares the instance for the next execution with a fresh VM
func (i *Instance) Reset() error {
	if i.State() == StateTerminated {
		return ErrTerminated
	}
	if i.used {
		if err := i.build(); err != nil {
			i.setState(StateTerminated)
			return err
		}
	}
	i.exec = nil
	i.timeout = 0
	i.meter.reset()
	i.setState(StateIdle)
	return nil
}

// Terminate tears the instance down; it can no longer be used
func (i *Instance) Terminate() {
	i.abort(types.Cancelled("instance terminated"))
	i.setState(StateTerminated)
	i.mu.Lock()
	i.vm = nil
	i.mu.Unlock()
	i.exec = nil
}

// turn runs fn on the VM under the timeout, ctx and memory meter, then
// classifies the outcome
func (i *Instance) turn(ctx context.Context, timeout time.Duration, fn func() error) (res *types.Result) {
	if err := ctx.Err(); err != nil {
		return i.fail(types.Cancelled(fmt.Sprintf("context: %v", err)))
	}

	i.mu.Lock()
	i.vm.ClearInterrupt()
	i.abortErr = nil
	i.running = true
	i.mu.Unlock()
	i.exec.resetTurn()

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() { i.abort(types.Timeout(timeout.Milliseconds())) })
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, func() {
		i.abort(types.Cancelled(fmt.Sprintf("context: %v", context.Cause(ctx))))
	})
	defer stop()
	i.meter.begin(func(used uint64) { i.abort(types.MemoryLimit(used, i.limits.MemoryLimitBytes)) })

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &panicError{value: r}
			}
		}()
		err = fn()
	}()

	i.meter.end()
	i.mu.Lock()
	i.running = false
	aborted := i.abortErr
	i.mu.Unlock()

	switch {
	case aborted != nil:
		return i.fail(aborted)
	case err != nil:
		return i.fail(i.classify(err))
	case i.exec.done:
		i.setState(StateCompleted)
		return i.successResult()
	case i.exec.failure != nil:
		return i.fail(i.exec.failure)
	case len(i.exec.pending) > 0:
		i.setState(StateSuspended)
		return i.suspendedResult()
	default:
		return i.fail(types.Internal("handler neither completed nor awaited an extension call"))
	}
}

// abort interrupts the running turn. The first abort wins; aborts outside a
// turn are ignored.
func (i *Instance) abort(e *types.Error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.running || i.abortErr != nil {
		return
	}
	i.abortErr = e
	if i.vm != nil {
		i.vm.Interrupt(e)
	}
}

func (i *Instance) aborted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.abortErr != nil
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// classify maps an error returned by the VM onto an error code
func (i *Instance) classify(err error) *types.Error {
	var te *types.Error
	if errors.As(err, &te) {
		return te
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return types.Internal("%s", pe.Error())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if e, ok := interrupted.Value().(*types.Error); ok {
			return e
		}
		return types.Internal("interrupted: %v", interrupted.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		e := i.exec.scriptError(ex.Value())
		if e.Stack == "" {
			e.Stack = ex.String()
			i.exec.sourceMap.Annotate(e, e.Stack)
		}
		return e
	}
	return types.NewError(types.CodeExecutionError, "%v", err)
}

// fail records the terminal state for e and builds the error result.
// Timeouts, memory-limit breaches and internal faults tear the VM down.
func (i *Instance) fail(e *types.Error) *types.Result {
	switch e.Code {
	case types.CodeTimeout, types.CodeMemoryLimit, types.CodeInternal:
		i.setState(StateTerminated)
	case types.CodeCancelled:
		i.setState(StateCancelled)
	default:
		i.setState(StateFailed)
	}
	return i.errorResult(e)
}

func (i *Instance) metrics(success bool) types.ExecutionMetrics {
	m := types.ExecutionMetrics{
		MemoryUsedBytes: i.meter.used(),
		MemoryPeakBytes: i.meter.peakUsed(),
		HostCalls:       map[string]uint32{},
		Success:         success,
	}
	if i.exec != nil {
		for k, v := range i.exec.hostCalls {
			m.HostCalls[k] = v
		}
	}
	return m
}

func (i *Instance) successResult() *types.Result {
	e := i.exec
	return &types.Result{
		Status:         types.StatusSuccess,
		ReturnValue:    e.value,
		StateMutations: append([]types.StateMutation{}, e.mutations...),
		Events:         append([]types.EmittedEvent{}, e.events...),
		ViewCommands:   append([]types.ViewCommand{}, e.views...),
		Logs:           append([]types.LogMessage(nil), e.logs...),
		Metrics:        i.metrics(true),
	}
}

func (i *Instance) suspendedResult() *types.Result {
	e := i.exec
	head := e.pending[0]
	return &types.Result{
		Status:         types.StatusSuspended,
		StateMutations: append([]types.StateMutation{}, e.mutations...),
		Events:         append([]types.EmittedEvent{}, e.events...),
		ViewCommands:   append([]types.ViewCommand{}, e.views...),
		Logs:           append([]types.LogMessage(nil), e.logs...),
		Suspension: &types.SuspensionDetails{
			SuspensionID:  head.id,
			ExtensionName: head.extension,
			Method:        head.method,
			Args:          head.args,
		},
		Metrics: i.metrics(false),
	}
}

// errorResult carries logs produced before the failure; effects are dropped
func (i *Instance) errorResult(err *types.Error) *types.Result {
	r := types.Failure(err)
	if i.exec != nil {
		r.Logs = append([]types.LogMessage(nil), i.exec.logs...)
	}
	r.Metrics = i.metrics(false)
	return r
}

func encodeObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := sonic.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
