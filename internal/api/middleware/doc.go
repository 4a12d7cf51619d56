// Package middleware provides the gin middleware stack for the API server.
//
// Middleware stack includes:
//   - RequestID: assigns or propagates X-Request-ID
//   - Recovery: panic recovery with a JSON 500
//   - Logger: one zap line per request, tagged with trace and request ids
//   - CORS: cross-origin access for browser panels
//   - RateLimit: per-IP token buckets with idle-client cleanup
//
// Example Usage:
//
//	router.Use(middleware.RequestID(), middleware.Recovery(logger))
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(cfg.RateLimit))
package middleware
