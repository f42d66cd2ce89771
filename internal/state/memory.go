package state

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore implements Store with real TTL expiry. It exists for tests and
// for running the daemon without a Redis.
type MemoryStore struct {
	mu     sync.Mutex
	keys   map[string]memoryEntry
	queues map[string][]string
	wake   map[string]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]memoryEntry),
		queues: make(map[string][]string),
		wake:   make(map[string]chan struct{}),
	}
}

func (m *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveEntry(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveEntry(key); ok {
		return false, nil
	}
	m.keys[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) PushQueue(_ context.Context, queue, id string) error {
	m.mu.Lock()
	m.queues[queue] = append(m.queues[queue], id)
	ch := m.wakeChan(queue)
	m.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

func (m *MemoryStore) BlockingPopQueue(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		items := m.queues[queue]
		if len(items) > 0 {
			id := items[0]
			m.queues[queue] = items[1:]
			m.mu.Unlock()
			return id, true, nil
		}
		ch := m.wakeChan(queue)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-deadline.C:
			return "", false, nil
		case <-ch:
		}
	}
}

func (m *MemoryStore) QueueLength(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue]), nil
}

func (m *MemoryStore) QueueSnapshot(_ context.Context, queue string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.queues[queue]))
	copy(out, m.queues[queue])
	return out, nil
}

// liveEntry returns the entry for key, dropping it if the TTL has elapsed.
// Callers must hold m.mu.
func (m *MemoryStore) liveEntry(key string) (memoryEntry, bool) {
	e, ok := m.keys[key]
	if !ok {
		return memoryEntry{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(m.keys, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) wakeChan(queue string) chan struct{} {
	ch, ok := m.wake[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		m.wake[queue] = ch
	}
	return ch
}
