/*
Package metrics aggregates handler execution telemetry.

# Overview

Collector keeps lock-free atomic counters (executions, successes, failures,
cache hits, execution time, peak memory) plus per host-function and per
error-code counters. It implements prometheus.Collector, so the same values
back the JSON stats endpoint and the Prometheus exposition.

# Exposed series

	nexus_handler_executions_total{status}
	nexus_handler_execution_time_us
	nexus_handler_suspensions_total
	nexus_cache_hit_rate
	nexus_peak_memory_bytes
	nexus_host_calls_total{function}
	nexus_errors_total{code}
	nexus_pool_*, nexus_cache_entries, nexus_cache_size_bytes (gauge funcs)

# Usage

	collector := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	_ = metrics.Register(reg, collector, metrics.Gauges{})

	timer := metrics.StartTimer()
	// ... execute ...
	collector.RecordExecution(timer.Metrics(cacheHit, success))

	text, _ := metrics.Text(reg)
*/
package metrics
