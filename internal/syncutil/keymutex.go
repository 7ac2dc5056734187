// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyMutex serializes work per key across a fixed pool of shards. Memory is
// bounded regardless of how many keys are seen; two keys may share a shard.
// Lock waits can be abandoned through the context.
type KeyMutex struct {
	shards []chan struct{}
}

// NewKeyMutex creates a KeyMutex with n shards (256 when n <= 0).
func NewKeyMutex(n int) *KeyMutex {
	if n <= 0 {
		n = defaultShards
	}
	m := &KeyMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the shard for key. On success the returned func releases it
// and must be called exactly once.
func (m *KeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.index(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
