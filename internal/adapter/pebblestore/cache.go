package pebblestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
)

// ObservationReader loads one field's observation dataset at a valid time.
type ObservationReader interface {
	ReadObservation(ctx context.Context, field string, valid time.Time) (*domain.ObservationDataset, error)
}

// CachedObservations wraps an ObservationReader with an in-memory LRU cache.
// Consecutive generations share most valid times, so each decoded dataset is
// reused by several lead tasks. Cached datasets must be treated as read-only.
type CachedObservations struct {
	inner ObservationReader
	cache *lruCache[string, *domain.ObservationDataset]
}

// NewCachedObservations creates a cache decorator around an observation reader.
func NewCachedObservations(inner ObservationReader, maxEntries int) *CachedObservations {
	return &CachedObservations{
		inner: inner,
		cache: newLRUCache[string, *domain.ObservationDataset](maxEntries),
	}
}

func (c *CachedObservations) ReadObservation(ctx context.Context, field string, valid time.Time) (*domain.ObservationDataset, error) {
	key := fmt.Sprintf("%s|%d", field, valid.Unix())
	if ds, ok := c.cache.get(key); ok {
		return ds, nil
	}
	ds, err := c.inner.ReadObservation(ctx, field, valid)
	if err != nil {
		return nil, err
	}
	// Misses are not cached so a late arrival is picked up on the next read.
	c.cache.put(key, ds)
	return ds, nil
}

// lruCache is a simple thread-safe LRU cache.
type lruCache[K comparable, V any] struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[K]*entry[K, V]
	head       *entry[K, V] // most recently used
	tail       *entry[K, V] // least recently used
}

type entry[K comparable, V any] struct {
	key   K
	value V
	prev  *entry[K, V]
	next  *entry[K, V]
}

func newLRUCache[K comparable, V any](maxEntries int) *lruCache[K, V] {
	return &lruCache[K, V]{
		maxEntries: maxEntries,
		entries:    make(map[K]*entry[K, V]),
	}
}

func (c *lruCache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache[K, V]) put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry[K, V]{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache[K, V]) moveToFront(e *entry[K, V]) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache[K, V]) addToFront(e *entry[K, V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[K, V]) remove(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache[K, V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
