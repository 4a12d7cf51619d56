package extension

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Extension performs the calls handlers make through $ext.<name>.<method>
type Extension interface {
	Name() string
	Methods() []string
	// Call runs one method. The returned value must be JSON encodable; an
	// error rejects the handler's promise with its message.
	Call(ctx context.Context, method string, args []any) (any, error)
}

// Registry maps extension names to implementations
type Registry struct {
	mu         sync.RWMutex
	extensions map[string]Extension
}

// NewRegistry creates a registry holding exts
func NewRegistry(exts ...Extension) (*Registry, error) {
	r := &Registry{extensions: make(map[string]Extension)}
	for _, ext := range exts {
		if err := r.Register(ext); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds ext. Names are unique.
func (r *Registry) Register(ext Extension) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := ext.Name()
	if name == "" {
		return fmt.Errorf("extension name must not be empty")
	}
	if _, exists := r.extensions[name]; exists {
		return fmt.Errorf("extension %s already registered", name)
	}
	r.extensions[name] = ext
	return nil
}

// Get returns the extension registered under name
func (r *Registry) Get(name string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.extensions[name]
	return ext, ok
}

// View is the name to methods map handed to executions so unknown calls fail
// before they suspend
func (r *Registry) View() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	view := make(map[string][]string, len(r.extensions))
	for name, ext := range r.extensions {
		methods := append([]string(nil), ext.Methods()...)
		sort.Strings(methods)
		view[name] = methods
	}
	return view
}

// Names lists registered extensions in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.extensions))
	for name := range r.extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
