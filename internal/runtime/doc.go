/*
Package runtime is the entry point of the handler runtime.

A Runtime owns the compiler, the instance pool and the metrics collector:

	rt, err := runtime.New(config.DefaultRuntime(),
		runtime.WithLogger(logger),
		runtime.WithStateStore(store))

	res := rt.ExecuteHandler(ctx, "$state.count++", &types.Context{
		PanelID:      "counter",
		State:        map[string]any{"count": 5},
		Capabilities: []string{"state:read:count", "state:write:count"},
	}, 0)

Every entry point returns a *types.Result. Failures carry an error code and
are never returned as Go errors.

# Suspension

A handler awaiting an extension call comes back with StatusSuspended and a
suspension id. The instance stays parked, holding its pool slot, until
ResumeHandler delivers the outcome, the suspension times out, or Shutdown
cancels it. Expired and cancelled suspensions are reported to the
SuspensionHook.

# Metrics

Final results are recorded in the collector; suspended turns only count as
suspensions. PrometheusMetrics renders the registry, which carries the Go
and process collectors unless WithRegistry supplies another one.
*/
package runtime
