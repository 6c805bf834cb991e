package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const defaultShardCount = 32

// Registry is the live set of sessions of one server, keyed by session ID.
// Entries are spread over independently locked shards so that accept paths
// registering different sessions rarely contend.
type Registry[S AppSession] struct {
	shards []*registryShard[S]
	mask   uint64
	count  atomic.Int64
}

type registryShard[S AppSession] struct {
	mu       sync.RWMutex
	sessions map[string]S
}

// NewRegistry creates a registry with shardCount shards, rounded up to a
// power of two. Non-positive values select the default.
func NewRegistry[S AppSession](shardCount int) *Registry[S] {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	n := nextPowerOfTwo(uint64(shardCount))
	shards := make([]*registryShard[S], n)
	for i := range shards {
		shards[i] = &registryShard[S]{sessions: make(map[string]S)}
	}
	return &Registry[S]{shards: shards, mask: n - 1}
}

func (r *Registry[S]) shard(id string) *registryShard[S] {
	return r.shards[xxhash.Sum64String(id)&r.mask]
}

// Register inserts s. It fails with ErrDuplicateIdentity when a session
// with the same ID is already present; the existing entry is kept.
func (r *Registry[S]) Register(s S) error {
	id := s.Base().ID()
	sh := r.shard(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}
	sh.sessions[id] = s
	r.count.Add(1)
	return nil
}

// Unregister removes the session with the given ID. Removing an absent ID
// is a no-op. It reports whether an entry was removed.
func (r *Registry[S]) Unregister(id string) bool {
	sh := r.shard(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[id]; !ok {
		return false
	}
	delete(sh.sessions, id)
	r.count.Add(-1)
	return true
}

// remove deletes the entry for id only if it still refers to base. A
// session that lost a duplicate registration must not evict the winner.
func (r *Registry[S]) remove(id string, base *Session) bool {
	sh := r.shard(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.sessions[id]
	if !ok || cur.Base() != base {
		return false
	}
	delete(sh.sessions, id)
	r.count.Add(-1)
	return true
}

func (r *Registry[S]) Lookup(id string) (S, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()
	return s, ok
}

// Snapshot returns a point-in-time copy of all registered sessions. Shard
// locks are held only while copying, never while the caller iterates.
func (r *Registry[S]) Snapshot() []S {
	out := make([]S, 0, r.Count())
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Filter applies predicate to a snapshot and returns the matching sessions.
// The scan stops at the first predicate error, which is returned with no
// matches.
func (r *Registry[S]) Filter(predicate func(S) (bool, error)) ([]S, error) {
	var out []S
	for _, s := range r.Snapshot() {
		ok, err := predicate(s)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", s.Base().ID(), err)
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Count is the number of registered sessions. It is read without locking
// and may lag concurrent mutations, but never goes negative.
func (r *Registry[S]) Count() int {
	n := r.count.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Clear removes every entry and returns the removed sessions.
func (r *Registry[S]) Clear() []S {
	var out []S
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			out = append(out, s)
			delete(sh.sessions, id)
			r.count.Add(-1)
		}
		sh.mu.Unlock()
	}
	return out
}

func nextPowerOfTwo(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}
