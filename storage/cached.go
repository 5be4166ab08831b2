package storage

import (
	"context"
	"sync"
)

// Cached wraps a backend with a read cache that lives for one poll cycle.
// Writes go straight through and refresh the cache on success.
type Cached struct {
	next Backend
	data map[string][]byte
	// missing records keys known to be absent so repeat reads skip the backend.
	missing map[string]bool
	mu      sync.Mutex
}

// NewCached wraps next.
func NewCached(next Backend) *Cached {
	return &Cached{next: next, data: map[string][]byte{}, missing: map[string]bool{}}
}

// Get implements Backend.
func (c *Cached) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]byte, len(keys))
	var fetch []string
	for _, k := range keys {
		if v, ok := c.data[k]; ok {
			out[k] = v
			continue
		}
		if !c.missing[k] {
			fetch = append(fetch, k)
		}
	}
	if len(fetch) == 0 {
		return out, nil
	}

	got, err := c.next.Get(ctx, fetch...)
	if err != nil {
		return nil, err
	}
	for _, k := range fetch {
		if v, ok := got[k]; ok {
			c.data[k] = v
			out[k] = v
		} else {
			c.missing[k] = true
		}
	}
	return out, nil
}

// Set implements Backend.
func (c *Cached) Set(ctx context.Context, values map[string][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.next.Set(ctx, values); err != nil {
		return err
	}
	for k, v := range values {
		c.data[k] = v
		delete(c.missing, k)
	}
	return nil
}

// Remove implements Backend.
func (c *Cached) Remove(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.next.Remove(ctx, keys...); err != nil {
		return err
	}
	for _, k := range keys {
		delete(c.data, k)
		c.missing[k] = true
	}
	return nil
}
