package store

import (
	"context"
	"sync"
)

type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Record
}

func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string]Record)}
}

func (m *Memory) Get(_ context.Context, bucket, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.buckets[bucket][key]
	if !ok {
		return Record{}, notFound(bucket, key)
	}
	return Record{Key: key, Value: append([]byte(nil), r.Value...), Version: r.Version}, nil
}

func (m *Memory) Put(_ context.Context, bucket, key string, value []byte, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]Record)
		m.buckets[bucket] = b
	}
	if err := checkPut(bucket, key, b[key].Version, expectedVersion); err != nil {
		return 0, err
	}
	next := expectedVersion + 1
	b[key] = Record{Key: key, Value: append([]byte(nil), value...), Version: next}
	return next, nil
}

func (m *Memory) List(_ context.Context, bucket, prefix string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterSorted(m.buckets[bucket], prefix), nil
}

func (m *Memory) Close() error { return nil }
