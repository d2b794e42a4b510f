// Package world is the substrate core: an identity-preserving object cache
// over the durable store, runtime wrappers with prototype-chain resolution,
// the identity/alias registry, the recycler, and the change-coherency
// monitor that keeps multiple processes' caches honest.
package world

import (
	"sync"

	"github.com/TSavo/Malice-sub002/script"
)

// Cache is the per-process resident map from object id to live wrapper,
// plus the compiled-method artifact cache. It never evicts: correctness
// rests entirely on explicit invalidation, not LRU timing. The working set
// of long-lived world objects is assumed to fit in memory, and a staleness
// bug is judged more dangerous than unbounded growth here.
//
// Invalidating an object drops its wrapper and every artifact compiled
// under its id. It does not cascade to descendants that resolved a method
// through it; those keep their cached artifacts until they are invalidated
// themselves. That staleness is documented behavior, not an accident.
type Cache struct {
	mu       sync.RWMutex
	objects  map[int64]*Object
	programs map[programKey]*script.Program
	hits     uint64
	misses   uint64
}

// programKey identifies a compiled artifact by where the call landed, not
// where the method text originated.
type programKey struct {
	id   int64
	name string
}

// CacheStats is a point-in-time observability snapshot.
type CacheStats struct {
	Objects  int    `json:"objects"`
	Programs int    `json:"programs"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		objects:  make(map[int64]*Object),
		programs: make(map[programKey]*script.Program),
	}
}

// Get returns the resident wrapper for id, or nil.
func (c *Cache) Get(id int64) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj := c.objects[id]
	if obj != nil {
		c.hits++
	} else {
		c.misses++
	}
	return obj
}

// Put makes a wrapper resident. Any previous wrapper for the id is
// replaced; holders of the old handle keep a detached object.
func (c *Cache) Put(id int64, obj *Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[id] = obj
}

// Has reports residency without counting a hit or miss.
func (c *Cache) Has(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.objects[id]
	return ok
}

// Invalidate drops the wrapper for id and every compiled artifact keyed by
// id. A fresh wrapper is built transparently on next load.
func (c *Cache) Invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, id)
	for key := range c.programs {
		if key.id == id {
			delete(c.programs, key)
		}
	}
}

// Program returns the compiled artifact for (id, name), or nil.
func (c *Cache) Program(id int64, name string) *script.Program {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.programs[programKey{id, name}]
}

// SetProgram caches a compiled artifact under (id, name).
func (c *Cache) SetProgram(id int64, name string, prog *script.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[programKey{id, name}] = prog
}

// InvalidateProgram drops a single compiled artifact.
func (c *Cache) InvalidateProgram(id int64, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.programs, programKey{id, name})
}

// Resident returns a snapshot of all resident wrappers. Used by
// FindByProperty, which by contract scans only what is already cached.
func (c *Cache) Resident() []*Object {
	c.mu.RLock()
	defer c.mu.RUnlock()
	objs := make([]*Object, 0, len(c.objects))
	for _, obj := range c.objects {
		objs = append(objs, obj)
	}
	return objs
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects = make(map[int64]*Object)
	c.programs = make(map[programKey]*script.Program)
}

// Stats returns current cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Objects:  len(c.objects),
		Programs: len(c.programs),
		Hits:     c.hits,
		Misses:   c.misses,
	}
}
