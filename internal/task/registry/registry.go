// Package registry maps job ids to their payload and live handle.
//
// The map is sharded by an FNV-1a hash of the id. Each shard has its own
// lock, so operations on unrelated ids do not contend.
package registry

import (
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidArgument is returned for an empty (or all-whitespace) id.
var ErrInvalidArgument = errors.New("registry: id must not be empty")

const DefaultShards = 32

// Entry is the registry value for one id.
type Entry[H comparable] struct {
	Payload     string
	Handle      H
	ScheduledAt time.Time
}

type shard[H comparable] struct {
	mu sync.RWMutex
	m  map[string]Entry[H]
}

// Registry is a concurrency-safe id -> Entry map.
type Registry[H comparable] struct {
	shards []*shard[H]
}

func New[H comparable](shards int) *Registry[H] {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry[H]{shards: make([]*shard[H], shards)}
	for i := range r.shards {
		r.shards[i] = &shard[H]{m: map[string]Entry[H]{}}
	}
	return r
}

// CheckID rejects ids that are empty or whitespace only. Valid ids are used
// as given: " A" and "A" are different keys.
func CheckID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidArgument
	}
	return nil
}

func (r *Registry[H]) shardFor(id string) *shard[H] {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum64()%uint64(len(r.shards))]
}

// Put stores e under id and returns the previous handle, if any.
func (r *Registry[H]) Put(id string, e Entry[H]) (prev H, replaced bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	old, ok := s.m[id]
	s.m[id] = e
	s.mu.Unlock()
	return old.Handle, ok
}

// Compute runs fn under the shard lock for id and stores its result.
// If fn returns an error nothing is stored and the error is returned.
// fn must not call back into the registry.
func (r *Registry[H]) Compute(id string, fn func(prev Entry[H], ok bool) (Entry[H], error)) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.m[id]
	next, err := fn(prev, ok)
	if err != nil {
		return err
	}
	s.m[id] = next
	return nil
}

func (r *Registry[H]) Get(id string) (Entry[H], bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.m[id]
	s.mu.RUnlock()
	return e, ok
}

// Payload returns the payload stored for id.
func (r *Registry[H]) Payload(id string) (string, bool, error) {
	if err := CheckID(id); err != nil {
		return "", false, err
	}
	e, ok := r.Get(id)
	return e.Payload, ok, nil
}

// Remove deletes id. Removing a missing id is a no-op.
func (r *Registry[H]) Remove(id string) (Entry[H], bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	e, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	return e, ok
}

// RemoveIf deletes id only while its entry still holds handle h.
func (r *Registry[H]) RemoveIf(id string, h H) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[id]
	if !ok || e.Handle != h {
		return false
	}
	delete(s.m, id)
	return true
}

func (r *Registry[H]) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. Each shard is
// read-locked while it is visited.
func (r *Registry[H]) Range(fn func(id string, e Entry[H]) bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		for id, e := range s.m {
			if !fn(id, e) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}
