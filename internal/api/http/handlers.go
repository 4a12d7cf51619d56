package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexus-runtime/bridge/internal/extension"
	"github.com/nexus-runtime/bridge/internal/infrastructure/monitoring"
	"github.com/nexus-runtime/bridge/internal/infrastructure/resilience"
	"github.com/nexus-runtime/bridge/internal/runtime"
	"github.com/nexus-runtime/bridge/internal/types"
	"github.com/nexus-runtime/bridge/internal/ws"
)

// ExecuteRequest runs handler source
type ExecuteRequest struct {
	Source    string         `json:"source"`
	Context   *types.Context `json:"context"`
	TimeoutMS int64          `json:"timeoutMs"`
	// AutoResume finishes suspended executions in the background through the
	// extension registry and streams the final result
	AutoResume bool `json:"autoResume"`
}

// PrecompileRequest compiles handler source to bytecode
type PrecompileRequest struct {
	Source string `json:"source"`
}

// PrecompileResponse carries base64 bytecode
type PrecompileResponse struct {
	Bytecode []byte `json:"bytecode"`
	CacheKey string `json:"cacheKey"`
	Size     int    `json:"size"`
}

// ExecuteCompiledRequest runs previously precompiled bytecode
type ExecuteCompiledRequest struct {
	Bytecode   []byte         `json:"bytecode"`
	Context    *types.Context `json:"context"`
	TimeoutMS  int64          `json:"timeoutMs"`
	AutoResume bool           `json:"autoResume"`
}

type breakerStater interface {
	BreakerState() resilience.State
}

// Handlers serves the runtime over HTTP
type Handlers struct {
	rt         *runtime.Runtime
	registry   *extension.Registry
	dispatcher *extension.Dispatcher
	hub        *ws.Hub
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	version    string
	started    time.Time

	// panels remembers which panel owns a live suspension so streamed
	// results reach the right subscribers
	mu     sync.Mutex
	panels map[string]string
	wg     sync.WaitGroup
}

// NewHandlers creates a new handler set. metrics may be nil.
func NewHandlers(
	rt *runtime.Runtime,
	registry *extension.Registry,
	dispatcher *extension.Dispatcher,
	hub *ws.Hub,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
	version string,
) *Handlers {
	return &Handlers{
		rt:         rt,
		registry:   registry,
		dispatcher: dispatcher,
		hub:        hub,
		metrics:    metrics,
		logger:     logger.Named("api"),
		version:    version,
		started:    time.Now(),
		panels:     make(map[string]string),
	}
}

// Health reports liveness; 503 once the runtime is shutting down
func (h *Handlers) Health(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if h.rt.Closed() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Stats returns runtime, API and extension statistics
func (h *Handlers) Stats(c *gin.Context) {
	extensions := gin.H{}
	for _, name := range h.registry.Names() {
		info := gin.H{}
		ext, _ := h.registry.Get(name)
		info["methods"] = ext.Methods()
		if b, ok := ext.(breakerStater); ok {
			info["breaker"] = b.BreakerState().String()
		}
		extensions[name] = info
	}

	body := gin.H{
		"runtime":    h.rt.Stats(),
		"extensions": extensions,
		"streams":    h.hub.Clients(),
	}
	if h.metrics != nil {
		body["api"] = h.metrics.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

// Execute runs handler source
func (h *Handlers) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateSource(req.Source); err != nil {
		badRequest(c, err)
		return
	}
	if !h.validExecution(c, req.Context, req.TimeoutMS) {
		return
	}

	res := h.rt.ExecuteHandler(c.Request.Context(), req.Source, req.Context, time.Duration(req.TimeoutMS)*time.Millisecond)
	h.respond(c, req.Context.PanelID, req.AutoResume, res)
}

// Precompile compiles source and returns portable bytecode
func (h *Handlers) Precompile(c *gin.Context) {
	var req PrecompileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateSource(req.Source); err != nil {
		badRequest(c, err)
		return
	}

	bytecode, err := h.rt.PrecompileHandler(req.Source)
	if err != nil {
		te := types.AsError(err)
		status := http.StatusUnprocessableEntity
		if te.Code == types.CodeCancelled {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": te})
		return
	}

	c.JSON(http.StatusOK, PrecompileResponse{
		Bytecode: bytecode,
		CacheKey: h.rt.Compiler().Key(req.Source),
		Size:     len(bytecode),
	})
}

// ExecuteCompiled runs bytecode from Precompile
func (h *Handlers) ExecuteCompiled(c *gin.Context) {
	var req ExecuteCompiledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if len(req.Bytecode) == 0 {
		badRequest(c, errors.New("bytecode is required"))
		return
	}
	if !h.validExecution(c, req.Context, req.TimeoutMS) {
		return
	}

	res := h.rt.ExecuteCompiledHandler(c.Request.Context(), req.Bytecode, req.Context, time.Duration(req.TimeoutMS)*time.Millisecond)
	h.respond(c, req.Context.PanelID, req.AutoResume, res)
}

// Resume delivers an extension result to a suspension
func (h *Handlers) Resume(c *gin.Context) {
	sid := c.Param("id")
	var req types.AsyncResult
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	panel := h.forget(sid)
	res := h.rt.ResumeHandler(c.Request.Context(), sid, req)
	if res.Suspended() {
		h.remember(res.Suspension.SuspensionID, panel)
	}
	c.JSON(http.StatusOK, res)
}

// OnSuspensionEvent streams suspensions the runtime settled itself
func (h *Handlers) OnSuspensionEvent(ev runtime.SuspensionEvent) {
	panel := h.forget(ev.SuspensionID)
	if panel == "" {
		panel = ev.PanelID
	}
	msgType := ws.TypeExpired
	if ev.Reason == runtime.ReasonCancelled {
		msgType = ws.TypeCancelled
	}
	if ev.Result.Suspended() {
		h.remember(ev.Result.Suspension.SuspensionID, panel)
	}
	h.hub.Broadcast(ws.Message{
		Type:         msgType,
		SuspensionID: ev.SuspensionID,
		PanelID:      panel,
		Result:       ev.Result,
	})
}

// Wait blocks until background executions finish or ctx is done
func (h *Handlers) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handlers) validExecution(c *gin.Context, ec *types.Context, timeoutMS int64) bool {
	if err := validateContext(ec); err != nil {
		badRequest(c, err)
		return false
	}
	if err := validateTimeout(timeoutMS); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

// respond writes res; with autoResume a suspended result is finished in the
// background and its outcome streamed
func (h *Handlers) respond(c *gin.Context, panel string, autoResume bool, res *types.Result) {
	if res.Suspended() {
		sid := res.Suspension.SuspensionID
		h.remember(sid, panel)
		if autoResume {
			h.wg.Add(1)
			go h.drive(context.WithoutCancel(c.Request.Context()), sid, panel, res)
		}
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) drive(ctx context.Context, sid, panel string, res *types.Result) {
	defer h.wg.Done()

	final := h.dispatcher.Drive(ctx, res)
	h.forget(sid)
	// expiry and shutdown are streamed by OnSuspensionEvent
	if final.Code() == types.CodeNotFound || (final.Code() == types.CodeCancelled && h.rt.Closed()) {
		return
	}
	h.logger.Debug("background execution finished",
		zap.String("suspension_id", sid),
		zap.String("panel_id", panel),
		zap.String("status", string(final.Status)))
	h.hub.Broadcast(ws.Message{
		Type:         ws.TypeResult,
		SuspensionID: sid,
		PanelID:      panel,
		Result:       final,
	})
}

func (h *Handlers) remember(sid, panel string) {
	h.mu.Lock()
	h.panels[sid] = panel
	h.mu.Unlock()
}

func (h *Handlers) forget(sid string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	panel := h.panels[sid]
	delete(h.panels, sid)
	return panel
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
