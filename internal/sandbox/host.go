package sandbox

import (
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexus-runtime/bridge/internal/capability"
	"github.com/nexus-runtime/bridge/internal/compiler"
	"github.com/nexus-runtime/bridge/internal/logging"
	"github.com/nexus-runtime/bridge/internal/types"
)

// Host function names as tallied in ExecutionMetrics.HostCalls
const (
	CallStateGet      = "state.get"
	CallStateSet      = "state.set"
	CallStateDelete   = "state.delete"
	CallStateHas      = "state.has"
	CallStateKeys     = "state.keys"
	CallEventsEmit    = "events.emit"
	CallViewUpdate    = "view.update"
	CallExtensionCall = "extension.call"
	CallLog           = "log"
)

type pendingCall struct {
	id        string
	extension string
	method    string
	args      []any
}

// execution is the per-invocation record shared by every turn
type execution struct {
	ctx       *types.Context
	granted   capability.Set
	sourceMap *compiler.SourceMap
	logger    *zap.Logger

	// working state as JSON text; reads observe earlier writes
	state         map[string][]byte
	snapshotBytes int

	mutations []types.StateMutation
	events    []types.EmittedEvent
	views     []types.ViewCommand
	logs      []types.LogMessage
	hostCalls map[string]uint32
	calls     int
	pending   []pendingCall

	// a synthesized cancellation was delivered on resume
	cancelling bool

	// per turn
	done    bool
	value   any
	failure *types.Error
}

func newExecution(ec *types.Context, granted capability.Set, sm *compiler.SourceMap, logger *zap.Logger) (*execution, error) {
	if sm == nil {
		sm = compiler.NewSourceMap("")
	}
	e := &execution{
		ctx:       ec,
		granted:   granted,
		sourceMap: sm,
		logger:    logger.With(zap.String("panel_id", ec.PanelID), zap.String("handler", ec.HandlerName)),
		state:     make(map[string][]byte, len(ec.State)),
		hostCalls: make(map[string]uint32),
	}
	for k, v := range ec.State {
		data, err := sonic.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", k, err)
		}
		e.state[k] = data
		e.snapshotBytes += len(k) + len(data)
	}
	return e, nil
}

func (e *execution) resetTurn() {
	e.done = false
	e.value = nil
	e.failure = nil
}

func (e *execution) removePending(id string) bool {
	for idx, p := range e.pending {
		if p.id == id {
			e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
			return true
		}
	}
	return false
}

// scriptError converts a thrown or rejected JS value into an error result
func (e *execution) scriptError(v goja.Value) *types.Error {
	code := types.CodeExecutionError
	if e.cancelling {
		code = types.CodeCancelled
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return types.NewError(code, "handler rejected without a reason")
	}

	err := types.NewError(code, "%s", v.String())
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) && !goja.IsNull(stack) {
			err.Stack = stack.String()
			e.sourceMap.Annotate(err, err.Stack)
		}
	}
	return err
}

// hostObject exposes the host functions the prelude builds on
func (i *Instance) hostObject(vm *goja.Runtime) *goja.Object {
	host := vm.NewObject()
	fns := map[string]func(goja.FunctionCall) goja.Value{
		"stateGet":    i.stateGet,
		"stateSet":    i.stateSet,
		"stateDelete": i.stateDelete,
		"stateHas":    i.stateHas,
		"stateKeys":   i.stateKeys,
		"emit":        i.emit,
		"view":        i.view,
		"extCall":     i.extCall,
		"log":         i.log,
		"done":        i.done,
		"fail":        i.failed,
	}
	for name, fn := range fns {
		_ = host.Set(name, fn)
	}
	return host
}

// permit checks a capability, aborting with PERMISSION_DENIED on denial
func (i *Instance) permit(required capability.Token) bool {
	if i.exec == nil || i.aborted() {
		return false
	}
	if !i.exec.granted.Check(required) {
		i.abort(types.PermissionDenied(required.String()))
		return false
	}
	return true
}

// count tallies a host call against the host-call budget
func (i *Instance) count(name string) bool {
	if i.exec == nil || i.aborted() {
		return false
	}
	i.exec.calls++
	i.exec.hostCalls[name]++
	if limit := i.limits.MaxHostCalls; limit > 0 && i.exec.calls > limit {
		i.abort(types.HostCallLimit("host calls", limit))
		return false
	}
	return true
}

// charge attributes boundary bytes, aborting with MEMORY_LIMIT when over
func (i *Instance) charge(n int) bool {
	if used, over := i.meter.charge(n); over {
		i.abort(types.MemoryLimit(used, i.limits.MemoryLimitBytes))
		return false
	}
	return true
}

func decode(raw string) (any, error) {
	var v any
	if err := sonic.UnmarshalString(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// optionalJSON reads an argument produced by enc(); undefined stays nil
func optionalJSON(v goja.Value) (string, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", false
	}
	return v.String(), true
}

func (i *Instance) stateGet(call goja.FunctionCall) goja.Value {
	key := call.Argument(0).String()
	if !i.permit(capability.Read(key)) || !i.count(CallStateGet) {
		return goja.Undefined()
	}
	raw, ok := i.exec.state[key]
	if !ok {
		return goja.Undefined()
	}
	if !i.charge(len(raw)) {
		return goja.Undefined()
	}
	return i.vm.ToValue(string(raw))
}

func (i *Instance) stateHas(call goja.FunctionCall) goja.Value {
	key := call.Argument(0).String()
	if !i.permit(capability.Read(key)) || !i.count(CallStateHas) {
		return goja.Undefined()
	}
	_, ok := i.exec.state[key]
	return i.vm.ToValue(ok)
}

func (i *Instance) stateKeys(goja.FunctionCall) goja.Value {
	if !i.permit(capability.ReadAll()) || !i.count(CallStateKeys) {
		return goja.Undefined()
	}
	keys := make([]string, 0, len(i.exec.state))
	for k := range i.exec.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data, err := sonic.Marshal(keys)
	if err != nil || !i.charge(len(data)) {
		return goja.Undefined()
	}
	return i.vm.ToValue(string(data))
}

func (i *Instance) mutationAllowed() bool {
	if limit := i.limits.MaxStateMutations; limit > 0 && len(i.exec.mutations) >= limit {
		i.abort(types.HostCallLimit("state mutations", limit))
		return false
	}
	return true
}

func (i *Instance) stateSet(call goja.FunctionCall) goja.Value {
	key := call.Argument(0).String()
	if !i.permit(capability.Write(key)) || !i.count(CallStateSet) || !i.mutationAllowed() {
		return goja.Undefined()
	}
	raw, ok := optionalJSON(call.Argument(1))
	if !ok {
		// undefined has no JSON form
		raw = "null"
	}
	if !i.charge(len(key) + len(raw)) {
		return goja.Undefined()
	}
	value, err := decode(raw)
	if err != nil {
		i.abort(types.Internal("decode state value %q: %v", key, err))
		return goja.Undefined()
	}

	i.exec.state[key] = []byte(raw)
	i.exec.mutations = append(i.exec.mutations, types.StateMutation{Key: key, Value: value, Operation: types.OpSet})
	return goja.Undefined()
}

func (i *Instance) stateDelete(call goja.FunctionCall) goja.Value {
	key := call.Argument(0).String()
	if !i.permit(capability.Write(key)) || !i.count(CallStateDelete) || !i.mutationAllowed() {
		return goja.Undefined()
	}
	delete(i.exec.state, key)
	i.exec.mutations = append(i.exec.mutations, types.StateMutation{Key: key, Operation: types.OpDelete})
	return goja.Undefined()
}

func (i *Instance) emit(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	if !i.permit(capability.Emit(name)) || !i.count(CallEventsEmit) {
		return goja.Undefined()
	}
	if limit := i.limits.MaxEvents; limit > 0 && len(i.exec.events) >= limit {
		i.abort(types.HostCallLimit("events", limit))
		return goja.Undefined()
	}

	var payload any
	if raw, ok := optionalJSON(call.Argument(1)); ok {
		if !i.charge(len(name) + len(raw)) {
			return goja.Undefined()
		}
		v, err := decode(raw)
		if err != nil {
			i.abort(types.Internal("decode event payload: %v", err))
			return goja.Undefined()
		}
		payload = v
	}
	i.exec.events = append(i.exec.events, types.EmittedEvent{Name: name, Payload: payload})
	return goja.Undefined()
}

func (i *Instance) view(call goja.FunctionCall) goja.Value {
	kind := types.ViewCommandType(call.Argument(0).String())
	id := call.Argument(1).String()
	if !i.permit(capability.View(id)) || !i.count(CallViewUpdate) {
		return goja.Undefined()
	}

	args := map[string]any{}
	if raw, ok := optionalJSON(call.Argument(2)); ok {
		if !i.charge(len(id) + len(raw)) {
			return goja.Undefined()
		}
		if err := sonic.UnmarshalString(raw, &args); err != nil {
			i.abort(types.Internal("decode view args: %v", err))
			return goja.Undefined()
		}
	}
	i.exec.views = append(i.exec.views, types.ViewCommand{Type: kind, ComponentID: id, Args: args})
	return goja.Undefined()
}

// extCall registers a pending extension call and returns its suspension id.
// The capability is checked before the registry view.
func (i *Instance) extCall(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	method := call.Argument(1).String()
	if !i.permit(capability.Ext(name)) {
		return goja.Undefined()
	}
	if i.exec.ctx.Extensions != nil && !i.exec.ctx.HasMethod(name, method) {
		i.abort(types.NotFound("extension method %s.%s not found", name, method).
			With("extension", name).
			With("method", method))
		return goja.Undefined()
	}
	if !i.count(CallExtensionCall) {
		return goja.Undefined()
	}

	args := []any{}
	if raw, ok := optionalJSON(call.Argument(2)); ok {
		if !i.charge(len(raw)) {
			return goja.Undefined()
		}
		if err := sonic.UnmarshalString(raw, &args); err != nil {
			i.abort(types.Internal("decode extension args: %v", err))
			return goja.Undefined()
		}
	}

	id := uuid.NewString()
	i.exec.pending = append(i.exec.pending, pendingCall{id: id, extension: name, method: method, args: args})
	i.exec.logger.Debug("extension call pending",
		zap.String("suspension_id", id),
		zap.String("extension", name),
		zap.String("method", method))
	return i.vm.ToValue(id)
}

func (i *Instance) log(call goja.FunctionCall) goja.Value {
	if !i.count(CallLog) {
		return goja.Undefined()
	}
	level := call.Argument(0).String()
	msg := call.Argument(1).String()
	if !i.charge(len(msg)) {
		return goja.Undefined()
	}
	i.exec.logs = append(i.exec.logs, types.LogMessage{Level: level, Message: msg})
	if ce := i.exec.logger.Check(logging.HandlerLevel(level), msg); ce != nil {
		ce.Write(zap.String("source", "handler"))
	}
	return goja.Undefined()
}

// done receives the handler's resolved value
func (i *Instance) done(call goja.FunctionCall) goja.Value {
	if i.exec == nil || i.aborted() {
		return goja.Undefined()
	}
	if raw, ok := optionalJSON(call.Argument(0)); ok {
		if !i.charge(len(raw)) {
			return goja.Undefined()
		}
		v, err := decode(raw)
		if err != nil {
			i.abort(types.Internal("decode return value: %v", err))
			return goja.Undefined()
		}
		i.exec.value = v
	}
	i.exec.done = true
	return goja.Undefined()
}

// failed receives the handler's rejection reason
func (i *Instance) failed(call goja.FunctionCall) goja.Value {
	if i.exec == nil || i.aborted() {
		return goja.Undefined()
	}
	i.exec.failure = i.exec.scriptError(call.Argument(0))
	return goja.Undefined()
}
