/*
Package tracing wires OpenTelemetry into the host process.

Init installs the W3C trace context propagator and, when an OTLP endpoint
is configured, batch exporters for traces and metrics. HTTPMiddleware opens
a server span per request; the runtime's own spans for execute, resume and
shutdown nest beneath it because handlers pass the request context down.

	shutdown, err := tracing.Init(ctx, cfg.Telemetry, cfg.Runtime.Version, logger)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	router.Use(tracing.HTTPMiddleware(nil))

Log lines can be correlated with spans through Fields:

	logger.Info("resumed", tracing.Fields(ctx)...)
*/
package tracing
