package garrison

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// refCount is the shared ownership count embedded in resource state. It
// starts at 1 for the reference handed to the creator.
type refCount struct {
	count atomic.Int64
}

func (r *refCount) init() {
	r.count.Store(1)
}

// increment adds a reference on behalf of an existing holder. Incrementing
// from zero means a wrapper was used after its last release.
func (r *refCount) increment() {
	if r.count.Add(1) < 2 {
		panic("reference count incremented through a released wrapper")
	}
}

// revive adds a reference on behalf of a dedup cache, which may legally
// resurrect a zero count as long as it holds the cache lock. The pending
// teardown observes the revived count and backs off.
func (r *refCount) revive() {
	r.count.Add(1)
}

// decrement drops a reference and reports whether this was the last one.
func (r *refCount) decrement() bool {
	value := r.count.Add(-1)
	if value < 0 {
		panic("reference count released below zero")
	}
	return value == 0
}

func (r *refCount) value() int64 {
	return r.count.Load()
}

type refCounted interface {
	comparable
	refCounter() *refCount
}

// errCacheLimit reports that a bounded cache is already at capacity.
// Callers translate it into a resource-specific error.
var errCacheLimit = errors.New("cache entry limit reached")

// weakCache deduplicates resources by description. The cache does not own
// its entries: it maps keys to shared state whose reference count is held
// by wrappers, and entries are torn down by the last wrapper release, not
// by the cache.
type weakCache[K comparable, E refCounted] struct {
	mutex   sync.Mutex
	entries *swiss.Map[K, E]

	// limit caps how many distinct entries may be live at once. Zero
	// means unbounded.
	limit int
}

func newWeakCache[K comparable, E refCounted](capacityHint uint32) *weakCache[K, E] {
	return &weakCache[K, E]{
		entries: swiss.NewMap[K, E](capacityHint),
	}
}

// getOrCreate returns the entry for key with a reference added, building
// it with create on a miss. A hit on an entry whose count already reached
// zero revives it; the in-flight teardown re-checks the count under the
// cache lock and aborts. The second return reports whether create ran.
func (c *weakCache[K, E]) getOrCreate(key K, create func() (E, error)) (E, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if entry, ok := c.entries.Get(key); ok {
		entry.refCounter().revive()
		return entry, false, nil
	}

	if c.limit > 0 && c.entries.Count() >= c.limit {
		var zero E
		return zero, false, errCacheLimit
	}

	entry, err := create()
	if err != nil {
		var zero E
		return zero, false, err
	}
	c.entries.Put(key, entry)
	return entry, true, nil
}

// drop is called after an entry's count reached zero. It reports whether
// the caller must destroy the native object: true only while the count is
// still zero and the cache still maps key to this exact entry. A revived
// or replaced entry stays untouched.
func (c *weakCache[K, E]) drop(key K, entry E) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if entry.refCounter().value() != 0 {
		return false
	}
	current, ok := c.entries.Get(key)
	if !ok || current != entry {
		return false
	}
	c.entries.Delete(key)
	return true
}

func (c *weakCache[K, E]) size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.entries.Count()
}

// drain empties the cache, visiting every entry still present. Used by
// device teardown for entries whose holders never released them.
func (c *weakCache[K, E]) drain(visit func(K, E)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries.Iter(func(key K, entry E) bool {
		visit(key, entry)
		return false
	})
	c.entries = swiss.NewMap[K, E](0)
}
