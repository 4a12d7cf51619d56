package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexus-runtime/bridge/internal/extension"
	"github.com/nexus-runtime/bridge/internal/infrastructure/config"
	"github.com/nexus-runtime/bridge/internal/infrastructure/monitoring"
	"github.com/nexus-runtime/bridge/internal/runtime"
	"github.com/nexus-runtime/bridge/internal/types"
	"github.com/nexus-runtime/bridge/internal/ws"
)

type upper struct{}

func (upper) Name() string      { return "text" }
func (upper) Methods() []string { return []string{"upper"} }
func (upper) Call(_ context.Context, _ string, args []any) (any, error) {
	return strings.ToUpper(args[0].(string)), nil
}

type fixture struct {
	router *gin.Engine
	h      *Handlers
	rt     *runtime.Runtime
}

func setup(t *testing.T, mutate ...func(*config.RuntimeConfig)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	cfg := config.DefaultRuntime()
	cfg.MaxInstances = 2
	cfg.CacheDir = t.TempDir()
	for _, m := range mutate {
		m(&cfg)
	}

	reg, err := extension.NewRegistry(upper{})
	require.NoError(t, err)

	var h *Handlers
	rt, err := runtime.New(cfg,
		runtime.WithLogger(logger),
		runtime.WithExtensions(reg.View()),
		runtime.WithSuspensionHook(func(ev runtime.SuspensionEvent) { h.OnSuspensionEvent(ev) }))
	require.NoError(t, err)

	metrics := monitoring.New(rt.Registry())
	hub := ws.NewHub(logger, metrics)
	h = NewHandlers(rt, reg, extension.NewDispatcher(reg, rt, 0, logger), hub, metrics, logger, "test")

	router := gin.New()
	router.Use(monitoring.Middleware(metrics))
	h.RegisterRoutes(router)

	t.Cleanup(func() {
		_ = h.Wait(context.Background())
		hub.Close()
		_ = rt.Shutdown(context.Background())
	})
	return &fixture{router: router, h: h, rt: rt}
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) types.Result {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res types.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func counterContext() *types.Context {
	return &types.Context{
		PanelID:      "counter",
		HandlerName:  "increment",
		State:        map[string]any{"count": 1},
		Capabilities: []string{"state:read:count", "state:write:count"},
	}
}

func TestHealth(t *testing.T) {
	f := setup(t)

	w := f.get("/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	require.NoError(t, f.rt.Shutdown(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, f.get("/health").Code)
}

func TestExecute(t *testing.T) {
	f := setup(t)

	res := decodeResult(t, f.post(t, "/v1/handlers/execute", ExecuteRequest{
		Source:  "$state.count += 1; return $state.count",
		Context: counterContext(),
	}))
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 2.0, res.ReturnValue)
	assert.Equal(t, []types.StateMutation{{Key: "count", Value: 2.0, Operation: types.OpSet}}, res.StateMutations)

	denied := decodeResult(t, f.post(t, "/v1/handlers/execute", ExecuteRequest{
		Source:  "$state.secret = 1",
		Context: counterContext(),
	}))
	assert.Equal(t, types.CodePermissionDenied, denied.Code())
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	f := setup(t)

	deep := any("leaf")
	for i := 0; i < MaxJSONDepth+2; i++ {
		deep = map[string]any{"n": deep}
	}

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"source":`},
		{"missing source", ExecuteRequest{Context: counterContext()}},
		{"missing context", ExecuteRequest{Source: "return 1"}},
		{"negative timeout", ExecuteRequest{Source: "return 1", Context: counterContext(), TimeoutMS: -1}},
		{"oversized source", ExecuteRequest{Source: strings.Repeat("a", MaxSourceSize+1), Context: counterContext()}},
		{"deep args", ExecuteRequest{Source: "return 1", Context: &types.Context{Args: map[string]any{"x": deep}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.post(t, "/v1/handlers/execute", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestBodyLimit(t *testing.T) {
	f := setup(t)

	w := f.post(t, "/v1/handlers/execute", `{"source":"`+strings.Repeat("x", MaxBodySize)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestPrecompileAndExecuteCompiled(t *testing.T) {
	f := setup(t)

	w := f.post(t, "/v1/handlers/precompile", PrecompileRequest{Source: "return $args.a * 2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pre PrecompileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pre))
	assert.NotEmpty(t, pre.Bytecode)
	assert.Equal(t, len(pre.Bytecode), pre.Size)
	assert.NotEmpty(t, pre.CacheKey)

	res := decodeResult(t, f.post(t, "/v1/handlers/execute-compiled", ExecuteCompiledRequest{
		Bytecode: pre.Bytecode,
		Context:  &types.Context{Args: map[string]any{"a": 21}},
	}))
	assert.Equal(t, 42.0, res.ReturnValue)
	assert.True(t, res.Metrics.CacheHit)

	broken := f.post(t, "/v1/handlers/precompile", PrecompileRequest{Source: "return ("})
	assert.Equal(t, http.StatusUnprocessableEntity, broken.Code)
	assert.Contains(t, broken.Body.String(), string(types.CodeCompileError))

	garbage := decodeResult(t, f.post(t, "/v1/handlers/execute-compiled", ExecuteCompiledRequest{
		Bytecode: []byte("nope"),
		Context:  &types.Context{},
	}))
	assert.Equal(t, types.StatusError, garbage.Status)
}

func TestSuspendAndResume(t *testing.T) {
	f := setup(t)

	res := decodeResult(t, f.post(t, "/v1/handlers/execute", ExecuteRequest{
		Source:  "return await $ext.text.upper('hi')",
		Context: &types.Context{PanelID: "p", Capabilities: []string{"ext:text"}},
	}))
	require.Equal(t, types.StatusSuspended, res.Status)
	require.NotNil(t, res.Suspension)
	assert.Equal(t, "text", res.Suspension.ExtensionName)
	assert.Equal(t, []any{"hi"}, res.Suspension.Args)

	path := "/v1/suspensions/" + res.Suspension.SuspensionID + "/resume"
	final := decodeResult(t, f.post(t, path, types.Succeeded("HI")))
	assert.Equal(t, types.StatusSuccess, final.Status)
	assert.Equal(t, "HI", final.ReturnValue)

	again := decodeResult(t, f.post(t, path, types.Succeeded("HI")))
	assert.Equal(t, types.CodeNotFound, again.Code())
}

func dialStream(t *testing.T, f *fixture, panel string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?panelId=" + panel
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var hello ws.Message
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, ws.TypeSystem, hello.Type)
	return conn
}

func readStream(t *testing.T, conn *websocket.Conn) ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestAutoResumeStreamsResult(t *testing.T) {
	f := setup(t)
	conn := dialStream(t, f, "greeter")

	res := decodeResult(t, f.post(t, "/v1/handlers/execute", ExecuteRequest{
		Source:     "const a = await $ext.text.upper('a'); const b = await $ext.text.upper('b'); return a + b",
		Context:    &types.Context{PanelID: "greeter", Capabilities: []string{"ext:text"}},
		AutoResume: true,
	}))
	require.Equal(t, types.StatusSuspended, res.Status)

	msg := readStream(t, conn)
	assert.Equal(t, ws.TypeResult, msg.Type)
	assert.Equal(t, "greeter", msg.PanelID)
	assert.Equal(t, res.Suspension.SuspensionID, msg.SuspensionID)
	require.NotNil(t, msg.Result)
	assert.Equal(t, "AB", msg.Result.ReturnValue)
}

func TestExpiryIsStreamed(t *testing.T) {
	f := setup(t, func(cfg *config.RuntimeConfig) { cfg.SuspensionTimeoutMS = 50 })
	conn := dialStream(t, f, "slow")

	res := decodeResult(t, f.post(t, "/v1/handlers/execute", ExecuteRequest{
		Source:  "await $ext.text.upper('zzz')",
		Context: &types.Context{PanelID: "slow", Capabilities: []string{"ext:text"}},
	}))
	require.Equal(t, types.StatusSuspended, res.Status)

	msg := readStream(t, conn)
	assert.Equal(t, ws.TypeExpired, msg.Type)
	assert.Equal(t, res.Suspension.SuspensionID, msg.SuspensionID)
	assert.Equal(t, types.CodeCancelled, msg.Result.Code())
}

func TestStatsAndMetrics(t *testing.T) {
	f := setup(t)
	decodeResult(t, f.post(t, "/v1/handlers/execute", ExecuteRequest{Source: "return 1", Context: &types.Context{}}))

	w := f.get("/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Runtime    runtime.Stats             `json:"runtime"`
		Extensions map[string]map[string]any `json:"extensions"`
		API        monitoring.Snapshot       `json:"api"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.Runtime.TotalExecutions)
	assert.Contains(t, stats.Extensions, "text")
	assert.GreaterOrEqual(t, stats.API.TotalRequests, int64(1))

	m := f.get("/metrics")
	require.Equal(t, http.StatusOK, m.Code)
	assert.Contains(t, m.Body.String(), `nexus_handler_executions_total{status="success"} 1`)
	assert.Contains(t, m.Body.String(), "nexus_http_requests_total")
}
