package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps encoded states in process memory. Loaded states never alias
// the stored copy.
type MemoryStore struct {
	guard
	mu     sync.RWMutex
	states map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		guard:  newGuard(),
		states: make(map[string][]byte),
	}
}

func (m *MemoryStore) Load(ctx context.Context, agentID string) (*ModelState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.states[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var state ModelState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode model state: %w", err)
	}
	return &state, nil
}

func (m *MemoryStore) Save(ctx context.Context, agentID string, state *ModelState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode model state: %w", err)
	}
	m.mu.Lock()
	m.states[agentID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, agentID string, fn func(*ModelState)) error {
	return m.run(ctx, m, agentID, fn)
}
