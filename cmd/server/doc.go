// Package main runs the handler runtime as an HTTP service.
//
// The server executes untrusted panel handlers in pooled sandboxes and
// exposes them over a JSON API with a websocket result stream.
//
// Configuration:
//   - Environment variables (see internal/infrastructure/config)
//   - An optional .env file loaded before the environment is read
//   - An optional YAML file (-config or CONFIG_FILE)
//   - CLI flags override both
//
// Usage:
//
//	./server -port 8000
//	./server -dev -config nexus.yaml
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown; pending suspensions are cancelled
package main
