package cache

import (
	"context"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process backend with TTL expiry.
type Memory struct {
	store  *gocache.Cache
	prefix string
}

// NewMemory creates a memory backend.
func NewMemory(cfg Config) *Memory {
	cfg.ApplyDefaults()
	return &Memory{
		store:  gocache.New(cfg.TTL, cfg.CleanupInterval),
		prefix: cfg.Prefix,
	}
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.store.Get(m.prefix + ":" + key)
	if !ok {
		return nil, ErrMiss
	}
	raw := v.([]byte)
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// Set implements Backend.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.store.Set(m.prefix+":"+key, stored, gocache.DefaultExpiration)
	return nil
}

// Len returns the number of unexpired entries.
func (m *Memory) Len() int {
	return m.store.ItemCount()
}

// Close implements Backend.
func (m *Memory) Close() error {
	m.store.Flush()
	return nil
}
