package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nexus-runtime/bridge/internal/state"
	"github.com/nexus-runtime/bridge/internal/types"
)

// Option configures a Runtime
type Option func(*Runtime)

// Reasons a suspension was settled by the runtime itself
const (
	ReasonExpired   = "expired"
	ReasonCancelled = "cancelled"
)

// SuspensionEvent describes a suspension the runtime settled on its own
type SuspensionEvent struct {
	SuspensionID string
	PanelID      string
	HandlerName  string
	Reason       string
	Result       *types.Result
}

// SuspensionHook receives the outcome of suspensions the runtime settles on
// its own: expiry and shutdown
type SuspensionHook func(ev SuspensionEvent)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStateStore applies successful mutations to store before the result
// is returned
func WithStateStore(store state.Store) Option {
	return func(r *Runtime) { r.store = store }
}

// WithExtensions sets the registry view used when a context carries none
func WithExtensions(view map[string][]string) Option {
	return func(r *Runtime) { r.extensions = view }
}

// WithSuspensionHook sets the hook for expired and cancelled suspensions
func WithSuspensionHook(hook SuspensionHook) Option {
	return func(r *Runtime) { r.hook = hook }
}

// WithRegistry registers runtime metrics on reg instead of a private registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Runtime) { r.registry = reg }
}

// WithTracerProvider sets the tracer provider; the global one is used otherwise
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runtime) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}
