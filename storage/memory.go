package storage

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// Memory is an in-process backend. A positive quota caps the total size of
// keys plus values in bytes; writes past it fail with ErrUnavailable.
type Memory struct {
	data  map[string][]byte
	quota int
	mu    sync.Mutex
}

// NewMemory returns an empty memory backend.
func NewMemory(quota int) *Memory {
	return &Memory{data: map[string][]byte{}, quota: quota}
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Set implements Backend.
func (m *Memory) Set(_ context.Context, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := maps.Clone(m.data)
	for k, v := range values {
		next[k] = v
	}
	if m.quota > 0 {
		if n := size(next); n > m.quota {
			return fmt.Errorf("write %d keys (%d of %d bytes): %w", len(values), n, m.quota, ErrUnavailable)
		}
	}
	m.data = next
	return nil
}

// Remove implements Backend.
func (m *Memory) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func size(m map[string][]byte) int {
	n := 0
	for k, v := range m {
		n += len(k) + len(v)
	}
	return n
}
