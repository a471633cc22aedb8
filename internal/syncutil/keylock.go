// Package syncutil provides per-key locking for stores that serialize writes
// to the same record.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyLock.
const DefaultShards = 256

// KeyLock serializes callers that hold the same key. Keys are hashed onto a
// fixed pool of channel mutexes, so unrelated keys can occasionally share a
// shard and wait on each other; they never deadlock.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a lock pool with DefaultShards shards.
func NewKeyLock() *KeyLock {
	return NewKeyLockShards(DefaultShards)
}

// NewKeyLockShards creates a lock pool with n shards (minimum 1).
func NewKeyLockShards(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	l := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Lock acquires the shard for key, or returns ctx.Err() if the context ends
// first. The returned func releases the lock and must be called exactly once.
func (l *KeyLock) Lock(ctx context.Context, key []byte) (func(), error) {
	shard := l.shards[l.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *KeyLock) shardIdx(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32() % uint32(len(l.shards))
}
