// internal/session/memory.go
package session

import (
	"context"
	"sync"
)

// MemoryBackend is a process-local Backend. It backs the ephemeral scope and
// is the default store in tests. External changes never occur naturally; the
// PublishExternal hook lets tests and embedding hosts inject them.
type MemoryBackend struct {
	mu          sync.Mutex
	data        map[string]string
	subscribers map[int]ChangeFunc
	nextSub     int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data:        make(map[string]string),
		subscribers: make(map[int]ChangeFunc),
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Subscribe registers fn for injected external changes.
func (m *MemoryBackend) Subscribe(fn ChangeFunc) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}, nil
}

// Close discards all data and subscribers.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]string)
	m.subscribers = make(map[int]ChangeFunc)
	return nil
}

// PublishExternal writes key/value as if another process had done it and
// notifies subscribers. value == "" deletes the key.
func (m *MemoryBackend) PublishExternal(key, value string) {
	m.mu.Lock()
	if value == "" {
		delete(m.data, key)
	} else {
		m.data[key] = value
	}
	subs := make([]ChangeFunc, 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(key, value)
	}
}
