package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps documents in process memory. Failures can be injected
// with FailSaves to exercise persistence-error paths.
type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string][]byte
	fail error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]byte)}
}

func (m *MemoryBackend) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), doc...), nil
}

func (m *MemoryBackend) Save(_ context.Context, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.docs[name] = append([]byte(nil), payload...)
	return nil
}

// Put seeds a raw document, bypassing the envelope.
func (m *MemoryBackend) Put(name string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = append([]byte(nil), payload...)
}

// FailSaves makes every following Save return err; nil restores normal operation.
func (m *MemoryBackend) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}
