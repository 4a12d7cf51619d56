// Package ws streams the final results of background executions.
//
// Executions started with autoResume return their first suspended result
// over HTTP; the dispatcher then finishes them in the background and the
// Hub broadcasts the outcome here. Expired and shutdown-cancelled
// suspensions are broadcast too.
//
// Message Types (Client → Server):
//   - subscribe: {"type":"subscribe","panelId":"p1"}; empty panelId receives all
//   - ping: keep-alive
//
// Message Types (Server → Client):
//   - system: connected / subscribed
//   - result: final result of an auto-resumed execution
//   - expired: suspension timed out
//   - cancelled: suspension cancelled by shutdown
//   - pong, error
//
// Example Usage:
//
//	hub := ws.NewHub(logger, metrics)
//	router.GET("/v1/stream", hub.HandleConnection)
package ws
