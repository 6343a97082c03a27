package state

import (
	"context"
	"sync"
	"time"
)

// #region memory-kv
// MemoryKV is an in-process KV for tests and replay runs. Err and Delay
// inject failures and slow writes.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string][]byte

	Err   error         // returned by every call when set
	Delay time.Duration // each call waits this long or until ctx is done
}

// NewMemoryKV returns an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string][]byte)}
}

func (m *MemoryKV) wait(ctx context.Context) error {
	m.mu.Lock()
	delay, err := m.Delay, m.Err
	m.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Get returns a copy of the stored value.
func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (m *MemoryKV) Set(ctx context.Context, key string, value []byte) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// SetFailure changes the injected error and delay under the lock.
func (m *MemoryKV) SetFailure(err error, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
	m.Delay = delay
}

// #endregion memory-kv
