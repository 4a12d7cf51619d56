// Package state persists panel state between handler executions.
//
// The runtime reads a panel's snapshot into the execution context and
// applies the returned mutations, in order, before reporting success.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/nexus-runtime/bridge/internal/types"
)

// Store holds panel state keyed by panel id
type Store interface {
	// Get returns a copy of the panel's state; unknown panels are empty
	Get(ctx context.Context, panelID string) (map[string]any, error)
	// Apply performs mutations in order as one unit
	Apply(ctx context.Context, panelID string, mutations []types.StateMutation) error
	Close() error
}

// MemoryStore keeps state in process as encoded JSON so readers never
// share values with writers
type MemoryStore struct {
	mu     sync.RWMutex
	panels map[string]map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{panels: make(map[string]map[string][]byte)}
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, panelID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	panel := s.panels[panelID]
	out := make(map[string]any, len(panel))
	for k, raw := range panel {
		var v any
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", panelID, k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Apply implements Store. Values are encoded before the lock is taken so a
// bad value leaves the panel untouched.
func (s *MemoryStore) Apply(_ context.Context, panelID string, mutations []types.StateMutation) error {
	if len(mutations) == 0 {
		return nil
	}
	encoded, err := encodeMutations(mutations)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	panel, ok := s.panels[panelID]
	if !ok {
		panel = make(map[string][]byte)
		s.panels[panelID] = panel
	}
	for i, m := range mutations {
		switch m.Operation {
		case types.OpDelete:
			delete(panel, m.Key)
		default:
			panel[m.Key] = encoded[i]
		}
	}
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }

func encodeMutations(mutations []types.StateMutation) ([][]byte, error) {
	encoded := make([][]byte, len(mutations))
	for i, m := range mutations {
		switch m.Operation {
		case types.OpSet:
			data, err := sonic.Marshal(m.Value)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", m.Key, err)
			}
			encoded[i] = data
		case types.OpDelete:
		default:
			return nil, fmt.Errorf("unknown mutation operation %q for %s", m.Operation, m.Key)
		}
	}
	return encoded, nil
}
