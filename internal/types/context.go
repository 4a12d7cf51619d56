package types

import "fmt"

// Context is the execution context supplied with every handler invocation
type Context struct {
	PanelID      string              `json:"panelId"`
	HandlerName  string              `json:"handlerName"`
	State        map[string]any      `json:"stateSnapshot"`
	Args         map[string]any      `json:"args"`
	Scope        map[string]any      `json:"scope"`
	Capabilities []string            `json:"capabilities"`
	Extensions   map[string][]string `json:"extensionRegistry,omitempty"`
}

// HasMethod reports whether the registry view lists name.method.
// A nil registry view knows nothing and reports false.
func (c *Context) HasMethod(name, method string) bool {
	methods, ok := c.Extensions[name]
	if !ok {
		return false
	}
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

// AsyncResult is the outcome of an extension call delivered on resume
type AsyncResult struct {
	Success bool   `json:"success"`
	Value   any    `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`

	// cancelled marks results synthesized by the host to abort the execution
	cancelled bool
}

// Succeeded builds a successful async result
func Succeeded(value any) AsyncResult {
	return AsyncResult{Success: true, Value: value}
}

// Failed builds a failed async result
func Failed(message string) AsyncResult {
	return AsyncResult{Success: false, Error: message}
}

// Cancellation builds the failed async result the host delivers when it
// abandons a pending call. A handler failing on it reports CANCELLED.
func Cancellation(reason string) AsyncResult {
	return AsyncResult{Error: fmt.Sprintf("%s: %s", CodeCancelled, reason), cancelled: true}
}

// Cancelled reports whether r was built by Cancellation
func (r AsyncResult) Cancelled() bool { return r.cancelled }
