// Package blob provides the tenant-scoped object storage gateway:
// upload validation, server-side key construction, listings, deletion,
// temporary access URLs, and the Backend abstraction over the physical
// object store.
package blob

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrObjectNotExist is returned when a key is absent from the backend.
var ErrObjectNotExist = errors.New("blob: object does not exist")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Backend is the opaque object store. Keys are flat strings; prefix
// listing is the only query. Implementations must be safe for concurrent
// use.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	// Ping verifies the store is reachable and writable. Used by the
	// detailed health check.
	Ping(ctx context.Context) error
}

// MemBackend is an in-memory Backend for tests.
type MemBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailKeys makes Copy and Get fail for the listed keys, simulating
	// per-object storage errors during backup and restore.
	FailKeys map[string]bool
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{objects: make(map[string][]byte)}
}

func (m *MemBackend) failing(key string) bool {
	return m.FailKeys != nil && m.FailKeys[key]
}

// Put stores a copy of data under key.
func (m *MemBackend) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = bytes.Clone(data)
	return nil
}

// Get returns a copy of the object at key.
func (m *MemBackend) Get(_ context.Context, key string) ([]byte, error) {
	if m.failing(key) {
		return nil, errors.New("blob: injected failure")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotExist
	}
	return bytes.Clone(data), nil
}

// List returns objects under prefix, sorted by key.
func (m *MemBackend) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := []ObjectInfo{}
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Delete removes the object at key.
func (m *MemBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return ErrObjectNotExist
	}
	delete(m.objects, key)
	return nil
}

// Copy duplicates srcKey to dstKey.
func (m *MemBackend) Copy(_ context.Context, srcKey, dstKey string) error {
	if m.failing(srcKey) {
		return errors.New("blob: injected failure")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[srcKey]
	if !ok {
		return ErrObjectNotExist
	}
	m.objects[dstKey] = bytes.Clone(data)
	return nil
}

// Ping always succeeds.
func (m *MemBackend) Ping(context.Context) error { return nil }
