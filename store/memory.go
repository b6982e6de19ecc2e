package store

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type eviction struct {
	expires time.Time
	id      string
}

type evictionQueue []*eviction

func (eq evictionQueue) Len() int {
	return len(eq)
}

func (eq evictionQueue) Less(i, j int) bool {
	return eq[i].expires.Before(eq[j].expires)
}

func (eq evictionQueue) Swap(i, j int) {
	eq[i], eq[j] = eq[j], eq[i]
}

func (eq *evictionQueue) Push(e any) {
	*eq = append(*eq, e.(*eviction))
}

func (eq *evictionQueue) Pop() any {
	n := len(*eq)
	e := (*eq)[n-1]
	(*eq)[n-1] = nil
	*eq = (*eq)[:n-1]
	return e
}

func (eq *evictionQueue) Peek() *eviction {
	return (*eq)[0]
}

// MemoryStore is a simple in-memory claim store, for use in tests, or in
// single-process servers where an external store is not available.
//
// Eviction: Expired claims are garbage collected on entry to any MemoryStore
// method, so the store's footprint is bounded by the number of claims made
// within one TTL window.
type MemoryStore struct {
	// Clock can be overridden in tests (e.g., to test eviction logic).
	Clock     func() time.Time
	mu        sync.Mutex
	claims    map[string]struct{}
	evictions *evictionQueue
}

// NewMemoryStore returns a new MemoryStore instance.
func NewMemoryStore() *MemoryStore {
	eq := &evictionQueue{}
	heap.Init(eq)
	ms := &MemoryStore{
		Clock:     func() time.Time { return time.Now() },
		claims:    make(map[string]struct{}),
		evictions: eq,
	}
	return ms
}

func (ms *MemoryStore) evict(t time.Time) {
	for ms.evictions.Len() > 0 && ms.evictions.Peek().expires.Before(t) {
		e := heap.Pop(ms.evictions).(*eviction)
		delete(ms.claims, e.id)
	}
}

// Claim records id as consumed for the provided TTL, returning ErrTokenUsed
// if an unexpired claim already exists.
func (ms *MemoryStore) Claim(ctx context.Context, id string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	t := ms.Clock()
	ms.evict(t)
	if _, ok := ms.claims[id]; ok {
		return ErrTokenUsed
	}
	ms.claims[id] = struct{}{}
	heap.Push(ms.evictions, &eviction{
		expires: t.Add(ttl),
		id:      id,
	})
	return nil
}

// Forget drops the claim on id, returning ErrTokenNotFound if none exists.
func (ms *MemoryStore) Forget(ctx context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.evict(ms.Clock())
	if _, ok := ms.claims[id]; !ok {
		return ErrTokenNotFound
	}
	// Note: We let the evictions entry get cleaned up lazily.
	delete(ms.claims, id)
	return nil
}
