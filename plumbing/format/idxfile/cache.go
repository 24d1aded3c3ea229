package idxfile

import (
	"sync"
)

// cacheEntry holds the payload bytes for one pack offset between ingestion
// and resolution, plus the number of direct dependents that still need them.
type cacheEntry struct {
	compressed   []byte
	decompressed []byte
	childCount   uint32
	resolved     bool
}

// offsetCache maps pack offsets to their cache entries. It has a single
// writer during ingestion and is shared across resolver workers afterwards.
//
// The mutex is only held for constant-time lookups and count updates; it is
// never held across inflation, hashing or delta application.
type offsetCache struct {
	mu      sync.Mutex
	entries map[int64]*cacheEntry
}

func newOffsetCache() *offsetCache {
	return &offsetCache{
		entries: make(map[int64]*cacheEntry),
	}
}

func (c *offsetCache) add(offset int64, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[offset] = e
}

// incrementChild records one more dependent for the entry at offset. It
// returns false when the offset has not been seen yet.
func (c *offsetCache) incrementChild(offset int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[offset]
	if !ok {
		return false
	}

	e.childCount++
	return true
}

// take moves the payload out of the entry at offset, marking the entry as
// resolved. Entries without dependents are dropped right away. In
// restore-on-demand mode there is no payload to move and the caller
// re-inflates outside the lock.
func (c *offsetCache) take(offset int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[offset]
	if !ok {
		return nil, false
	}

	data := e.decompressed
	e.decompressed = nil
	e.compressed = nil
	e.resolved = true

	if e.childCount == 0 {
		delete(c.entries, offset)
	}

	return data, true
}

// childResolved records that one dependent subtree of the entry at offset
// has been fully resolved, dropping the entry once no dependents remain.
func (c *offsetCache) childResolved(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[offset]
	if !ok {
		return
	}

	if e.childCount > 0 {
		e.childCount--
	}

	if e.childCount == 0 && e.resolved {
		delete(c.entries, offset)
	}
}

func (c *offsetCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
