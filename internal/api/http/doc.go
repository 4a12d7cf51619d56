// Package http exposes the handler runtime over a JSON API.
//
// Routes:
//   - POST /v1/handlers/execute: run source; optional autoResume
//   - POST /v1/handlers/precompile: source to base64 bytecode
//   - POST /v1/handlers/execute-compiled: run bytecode
//   - POST /v1/suspensions/:id/resume: deliver an extension result
//   - GET /v1/stats, /v1/stream, /health, /metrics
//
// Execution results are always returned with 200; failures are described by
// the result's error. Malformed requests get 400.
package http
