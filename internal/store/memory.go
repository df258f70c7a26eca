package store

import "sync"

// Memory is an in-memory KV used by tests and as a scratch store. Values
// are copied on the way in and out so callers cannot alias the stored
// slices.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailSets, when positive, makes the next FailSets calls to Set fail.
	// Tests use this to exercise persistence-failure paths.
	FailSets int
	failErr  error
}

// NewMemory creates an empty in-memory KV.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// FailNextSets arranges for the next n Set calls to return err.
func (m *Memory) FailNextSets(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailSets = n
	m.failErr = err
}

// Get implements KV.Get.
func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set implements KV.Set.
func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSets > 0 {
		m.FailSets--
		return m.failErr
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

// Remove implements KV.Remove.
func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
