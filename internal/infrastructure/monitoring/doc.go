/*
Package monitoring collects host process metrics for the HTTP API.

# Overview

Handler execution metrics are owned by the runtime collector. This package
adds what only the host process sees, registered on the same registry so a
single /metrics endpoint serves both:

- HTTP request metrics (latency, throughput, size) labelled by route
- Extension call metrics (count and latency by extension, method, outcome)
- Result stream connection and message metrics
- Uptime

# Usage

	metrics := monitoring.New(rt.Registry())
	router.Use(monitoring.Middleware(metrics))

	dispatcher.Observe(metrics.RecordExtensionCall)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(rt.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
