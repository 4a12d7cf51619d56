// Package types defines the data exchanged with the handler runtime.
//
// Core Types:
//   - Context: state snapshot, args, scope and granted capabilities for one invocation
//   - Result: status, ordered effects (mutations, events, view commands, logs), suspension, error
//   - AsyncResult: extension outcome delivered on resume
//   - Error: coded error taxonomy (COMPILE_ERROR, PERMISSION_DENIED, ...)
//
// All types serialize with camelCase JSON keys so results can be forwarded
// to panel clients without reshaping.
package types
