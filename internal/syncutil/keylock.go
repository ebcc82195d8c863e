// Package syncutil provides per-key locking for record-level serialization.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyLock.
const DefaultShards = 256

// KeyLock serializes work per string key over a fixed pool of channel-based
// mutexes. Memory stays bounded no matter how many keys are seen; two keys
// hashing to the same shard contend with each other, which only costs
// throughput. Waiting for a shard honors context cancellation.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock returns a KeyLock with DefaultShards shards.
func NewKeyLock() *KeyLock {
	return NewKeyLockN(DefaultShards)
}

// NewKeyLockN returns a KeyLock with n shards (minimum 1).
func NewKeyLockN(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock acquires the lock for key. On success the caller must call the
// returned unlock function exactly once. If ctx ends first, Lock returns
// ctx.Err() and no lock is held.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := k.shards[k.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs fn while holding the lock for key.
func (k *KeyLock) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := k.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (k *KeyLock) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}
