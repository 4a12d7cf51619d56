// Package config provides 12-factor configuration management for the handler runtime.
//
// Configuration is loaded from environment variables with sensible defaults.
// An optional YAML file (CONFIG_FILE) is applied on top of the environment.
//
// Configuration Sections:
//   - Runtime: instance pool, memory/time/host-call budgets, compile cache
//   - Server: HTTP server settings (port, host)
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//   - State: Panel state backend (memory or redis)
//   - Extensions: Built-in extension settings
//   - Telemetry: OTLP trace export
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	rt, err := runtime.New(cfg.Runtime)
//
// Environment Variables:
//   - MAX_INSTANCES, MIN_INSTANCES, MEMORY_LIMIT_MB, MEMORY_LIMIT_BYTES, TIMEOUT_MS
//   - MAX_HOST_CALLS, MAX_STATE_MUTATIONS, MAX_EVENTS, MAX_CALL_STACK
//   - CACHE_DIR, MAX_CACHE_SIZE_BYTES, SUSPENSION_TIMEOUT_MS, RUNTIME_VERSION
//   - PORT, HOST, LOG_LEVEL, LOG_DEV, RATE_LIMIT_RPS, RATE_LIMIT_BURST
//   - STATE_BACKEND, REDIS_ADDR, EXT_HTTP_*, OTEL_EXPORTER_OTLP_ENDPOINT
package config
