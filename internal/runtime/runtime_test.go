package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexus-runtime/bridge/internal/infrastructure/config"
	"github.com/nexus-runtime/bridge/internal/state"
	"github.com/nexus-runtime/bridge/internal/types"
)

func testConfig(t *testing.T) config.RuntimeConfig {
	cfg := config.DefaultRuntime()
	cfg.MaxInstances = 2
	cfg.MinInstances = 1
	cfg.CacheDir = t.TempDir()
	cfg.Version = "test"
	return cfg
}

func newRuntime(t *testing.T, cfg config.RuntimeConfig, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	r, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func httpContext(caps ...string) *types.Context {
	return &types.Context{
		PanelID:      "panel-1",
		HandlerName:  "fetch",
		Capabilities: append([]string{"ext:http"}, caps...),
		Extensions:   map[string][]string{"http": {"get", "post"}},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxInstances = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestExecuteHandlerIncrement(t *testing.T) {
	store := state.NewMemoryStore()
	r := newRuntime(t, testConfig(t), WithStateStore(store))
	ctx := context.Background()

	ec := &types.Context{
		PanelID:      "counter",
		HandlerName:  "increment",
		State:        map[string]any{"count": 5},
		Capabilities: []string{"state:read:count", "state:write:count"},
	}
	first := r.ExecuteHandler(ctx, "$state.count++", ec, 0)
	require.Equal(t, types.StatusSuccess, first.Status, "%v", first.Error)
	assert.Equal(t, []types.StateMutation{{Key: "count", Value: 6.0, Operation: types.OpSet}}, first.StateMutations)
	assert.False(t, first.Metrics.CacheHit)
	assert.True(t, first.Metrics.Success)
	assert.Equal(t, uint32(1), first.Metrics.HostCalls["state.set"])

	second := r.ExecuteHandler(ctx, "$state.count++", ec, 0)
	require.Equal(t, types.StatusSuccess, second.Status)
	assert.True(t, second.Metrics.CacheHit)

	saved, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, 6.0, saved["count"])

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.TotalExecutions)
	assert.InDelta(t, 0.5, stats.CacheHitRate, 1e-9)
	assert.Equal(t, 0, stats.ActiveInstances)
	assert.Equal(t, 1, stats.Compiler.Entries)
}

func TestExecuteHandlerRejections(t *testing.T) {
	r := newRuntime(t, testConfig(t))
	ctx := context.Background()

	tests := []struct {
		name   string
		source string
		ec     *types.Context
		code   types.ErrorCode
	}{
		{"nil context", "return 1", nil, types.CodeInvalidArgument},
		{"bad capability", "return 1", &types.Context{Capabilities: []string{"root"}}, types.CodeInvalidArgument},
		{"write without grant", "$state.secret = 1", &types.Context{Capabilities: []string{"state:read:*"}}, types.CodePermissionDenied},
		{"emit without grant", "$emit('saved', {})", &types.Context{}, types.CodePermissionDenied},
		{"compile error", "const x = ;", &types.Context{}, types.CodeCompileError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.ExecuteHandler(ctx, tt.source, tt.ec, 0)
			require.Equal(t, types.StatusError, res.Status)
			assert.Equal(t, tt.code, res.Code())
			assert.False(t, res.Metrics.Success)
		})
	}

	assert.Equal(t, uint64(len(tests)), r.Stats().Metrics.Failures)
}

func TestUngrantedMentionsDoNotReject(t *testing.T) {
	r := newRuntime(t, testConfig(t))
	ec := func() *types.Context {
		return &types.Context{
			Args:         map[string]any{"remote": false},
			Capabilities: []string{"state:read:count", "state:write:count"},
		}
	}

	tests := []struct {
		name   string
		source string
	}{
		{"comment", "// later: await $ext.http.get(u)\n$state.count = 2; return $state.count"},
		{"string literal", "$log.info('$state.secret = 1'); $state.count = 2; return $state.count"},
		{"branch not taken", "if ($args.remote) { await $ext.http.get('https://example.com') }\n$state.count = 2; return $state.count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.ExecuteHandler(context.Background(), tt.source, ec(), 0)
			require.Equal(t, types.StatusSuccess, res.Status, "%v", res.Error)
			assert.Equal(t, 2.0, res.ReturnValue)
		})
	}
}

func TestSuspendAndResume(t *testing.T) {
	store := state.NewMemoryStore()
	r := newRuntime(t, testConfig(t), WithStateStore(store))
	ctx := context.Background()

	res := r.ExecuteHandler(ctx, "const r = await $ext.http.get('https://api.example.com');\n$state.data = r;",
		httpContext("state:write:data"), 0)
	require.Equal(t, types.StatusSuspended, res.Status, "%v", res.Error)
	require.NotNil(t, res.Suspension)
	assert.Equal(t, "http", res.Suspension.ExtensionName)
	assert.Equal(t, "get", res.Suspension.Method)
	assert.Equal(t, []any{"https://api.example.com"}, res.Suspension.Args)
	assert.Equal(t, 1, r.Stats().SuspendedInstances)
	assert.Equal(t, uint64(0), r.Stats().TotalExecutions, "suspensions are not final")

	sid := res.Suspension.SuspensionID
	final := r.ResumeHandler(ctx, sid, types.Succeeded(map[string]any{"status": 200}))
	require.Equal(t, types.StatusSuccess, final.Status, "%v", final.Error)
	assert.Equal(t, []types.StateMutation{{
		Key: "data", Value: map[string]any{"status": 200.0}, Operation: types.OpSet,
	}}, final.StateMutations)

	saved, err := store.Get(ctx, "panel-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": 200.0}, saved["data"])

	again := r.ResumeHandler(ctx, sid, types.Succeeded(nil))
	assert.Equal(t, types.CodeNotFound, again.Code())

	stats := r.Stats()
	assert.Equal(t, 0, stats.SuspendedInstances)
	assert.Equal(t, uint64(1), stats.Metrics.Suspensions)
}

func TestCancelSuspension(t *testing.T) {
	store := state.NewMemoryStore()
	r := newRuntime(t, testConfig(t), WithStateStore(store))
	ctx := context.Background()

	res := r.ExecuteHandler(ctx, "try { await $ext.http.get('a') } catch (e) { $state.data = 'caught' }",
		httpContext("state:write:data"), 0)
	require.Equal(t, types.StatusSuspended, res.Status, "%v", res.Error)

	cancelled := r.CancelSuspension(ctx, res.Suspension.SuspensionID, "caller gave up")
	assert.Equal(t, types.CodeCancelled, cancelled.Code())
	assert.Contains(t, cancelled.Error.Message, "caller gave up")
	assert.Equal(t, 0, r.Stats().SuspendedInstances)

	saved, err := store.Get(ctx, "panel-1")
	require.NoError(t, err)
	assert.NotContains(t, saved, "data", "the handler gets no further turn")

	again := r.CancelSuspension(ctx, res.Suspension.SuspensionID, "twice")
	assert.Equal(t, types.CodeNotFound, again.Code())
}

func TestResumeUnknown(t *testing.T) {
	r := newRuntime(t, testConfig(t))
	res := r.ResumeHandler(context.Background(), "nope", types.Succeeded(1))
	assert.Equal(t, types.CodeNotFound, res.Code())
	assert.Contains(t, res.Error.Message, "nope")
}

func TestResumeFailureIsExecutionError(t *testing.T) {
	r := newRuntime(t, testConfig(t))
	ctx := context.Background()

	res := r.ExecuteHandler(ctx, "await $ext.http.get('x')", httpContext(), 0)
	require.Equal(t, types.StatusSuspended, res.Status)

	final := r.ResumeHandler(ctx, res.Suspension.SuspensionID, types.Failed("connection refused"))
	assert.Equal(t, types.CodeExecutionError, final.Code())
	assert.Contains(t, final.Error.Message, "connection refused")
	assert.Equal(t, 0, r.Stats().SuspendedInstances)
}

func TestDefaultExtensionView(t *testing.T) {
	r := newRuntime(t, testConfig(t), WithExtensions(map[string][]string{"files": {"read"}}))
	ec := &types.Context{Capabilities: []string{"ext:files"}}

	res := r.ExecuteHandler(context.Background(), "return await $ext.files.read('a.txt')", ec, 0)
	require.Equal(t, types.StatusSuspended, res.Status, "%v", res.Error)
	assert.Nil(t, ec.Extensions, "caller context is not modified")

	final := r.ResumeHandler(context.Background(), res.Suspension.SuspensionID, types.Succeeded("contents"))
	require.Equal(t, types.StatusSuccess, final.Status)
	assert.Equal(t, "contents", final.ReturnValue)
}

func TestPrecompileAndExecuteCompiled(t *testing.T) {
	r := newRuntime(t, testConfig(t))

	bytecode, err := r.PrecompileHandler("return $args.a * 2")
	require.NoError(t, err)
	require.NotEmpty(t, bytecode)

	res := r.ExecuteCompiledHandler(context.Background(), bytecode,
		&types.Context{Args: map[string]any{"a": 21}}, 0)
	require.Equal(t, types.StatusSuccess, res.Status, "%v", res.Error)
	assert.Equal(t, 42.0, toFloat(res.ReturnValue))
	assert.True(t, res.Metrics.CacheHit)

	bad := r.ExecuteCompiledHandler(context.Background(), []byte("garbage"), &types.Context{}, 0)
	assert.Equal(t, types.StatusError, bad.Status)

	_, err = r.PrecompileHandler("return (")
	assert.True(t, types.IsCode(err, types.CodeCompileError))
}

func TestTimeoutDiscardsInstance(t *testing.T) {
	r := newRuntime(t, testConfig(t))
	ctx := context.Background()

	res := r.ExecuteHandler(ctx, "while (true) {}", &types.Context{}, 50*time.Millisecond)
	assert.Equal(t, types.CodeTimeout, res.Code())

	after := r.ExecuteHandler(ctx, "return 'ok'", &types.Context{}, 0)
	require.Equal(t, types.StatusSuccess, after.Status)
	assert.Equal(t, "ok", after.ReturnValue)
	assert.Equal(t, uint64(1), r.Stats().Metrics.Errors[string(types.CodeTimeout)])
}

func TestAcquireHonoursContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxInstances = 1
	r := newRuntime(t, cfg)

	parked := r.ExecuteHandler(context.Background(), "await $ext.http.get('x')", httpContext(), 0)
	require.Equal(t, types.StatusSuspended, parked.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := r.ExecuteHandler(ctx, "return 1", &types.Context{}, 0)
	assert.Equal(t, types.CodeCancelled, res.Code())

	final := r.ResumeHandler(context.Background(), parked.Suspension.SuspensionID, types.Succeeded(nil))
	assert.Equal(t, types.StatusSuccess, final.Status)
}

func TestSuspensionExpiry(t *testing.T) {
	cfg := testConfig(t)
	cfg.SuspensionTimeoutMS = 50

	expired := make(chan SuspensionEvent, 1)
	r := newRuntime(t, cfg, WithSuspensionHook(func(ev SuspensionEvent) { expired <- ev }))

	res := r.ExecuteHandler(context.Background(), "await $ext.http.get('slow')", httpContext(), 0)
	require.Equal(t, types.StatusSuspended, res.Status)

	select {
	case got := <-expired:
		assert.Equal(t, res.Suspension.SuspensionID, got.SuspensionID)
		assert.Equal(t, "panel-1", got.PanelID)
		assert.Equal(t, ReasonExpired, got.Reason)
		assert.Equal(t, types.CodeCancelled, got.Result.Code())
	case <-time.After(2 * time.Second):
		t.Fatal("suspension did not expire")
	}

	late := r.ResumeHandler(context.Background(), res.Suspension.SuspensionID, types.Succeeded(nil))
	assert.Equal(t, types.CodeNotFound, late.Code())
	assert.Equal(t, 0, r.Stats().SuspendedInstances)
}

func TestSuspensionExpiryCaught(t *testing.T) {
	cfg := testConfig(t)
	cfg.SuspensionTimeoutMS = 50

	expired := make(chan *types.Result, 1)
	r := newRuntime(t, cfg, WithSuspensionHook(func(ev SuspensionEvent) { expired <- ev.Result }))

	source := "try { await $ext.http.get('slow') } catch (e) { $log.warn(e.message); return 'gave up' }"
	res := r.ExecuteHandler(context.Background(), source, httpContext(), 0)
	require.Equal(t, types.StatusSuspended, res.Status)

	select {
	case got := <-expired:
		assert.Equal(t, types.StatusSuccess, got.Status)
		assert.Equal(t, "gave up", got.ReturnValue)
	case <-time.After(2 * time.Second):
		t.Fatal("suspension did not expire")
	}
}

func TestShutdown(t *testing.T) {
	var cancelled []string
	r, err := New(testConfig(t),
		WithLogger(zaptest.NewLogger(t)),
		WithSuspensionHook(func(ev SuspensionEvent) {
			assert.Equal(t, types.CodeCancelled, ev.Result.Code())
			assert.Equal(t, ReasonCancelled, ev.Reason)
			cancelled = append(cancelled, ev.SuspensionID)
		}))
	require.NoError(t, err)

	res := r.ExecuteHandler(context.Background(), "await $ext.http.get('x')", httpContext(), 0)
	require.Equal(t, types.StatusSuspended, res.Status)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, []string{res.Suspension.SuspensionID}, cancelled)
	assert.True(t, r.Closed())
	assert.Equal(t, 0, r.Compiler().Stats().Entries)

	after := r.ExecuteHandler(context.Background(), "return 1", &types.Context{}, 0)
	assert.Equal(t, types.CodeCancelled, after.Code())
	resumed := r.ResumeHandler(context.Background(), res.Suspension.SuspensionID, types.Succeeded(nil))
	assert.Equal(t, types.CodeCancelled, resumed.Code())
	_, err = r.PrecompileHandler("return 1")
	assert.True(t, types.IsCode(err, types.CodeCancelled))

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Len(t, cancelled, 1)
}

type failingStore struct{ state.Store }

func (failingStore) Apply(context.Context, string, []types.StateMutation) error {
	return errors.New("disk full")
}

func TestStateStoreFailure(t *testing.T) {
	r := newRuntime(t, testConfig(t), WithStateStore(failingStore{state.NewMemoryStore()}))
	res := r.ExecuteHandler(context.Background(), "$state.x = 1",
		&types.Context{Capabilities: []string{"state:write:x"}}, 0)
	assert.Equal(t, types.CodeInternal, res.Code())
	assert.Contains(t, res.Error.Message, "disk full")
	assert.Empty(t, res.StateMutations)
}

func TestPrometheusMetrics(t *testing.T) {
	r := newRuntime(t, testConfig(t))
	r.ExecuteHandler(context.Background(), "return 1", &types.Context{}, 0)
	r.ExecuteHandler(context.Background(), "$emit('x')", &types.Context{}, 0)

	text, err := r.PrometheusMetrics()
	require.NoError(t, err)
	assert.Contains(t, text, `nexus_handler_executions_total{status="success"} 1`)
	assert.Contains(t, text, `nexus_errors_total{code="PERMISSION_DENIED"} 1`)
	assert.Contains(t, text, "nexus_cache_hit_rate")
	assert.Contains(t, text, "go_goroutines")
	assert.Same(t, r.Registry(), r.registry)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return -1
}
