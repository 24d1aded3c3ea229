package idxfile

import (
	"bytes"

	"github.com/go-git/go-packidx/plumbing/format/packfile"
)

// ResolveContext identifies an entry whose payload must be re-inflated
// from the pack.
type ResolveContext struct {
	// Offset is the pack offset of the entry header.
	Offset int64
	// EntryLen is the full length of the entry within the pack.
	EntryLen int64
}

// ResolveFunc restores the decompressed payload of the given entry into
// buf. It returns false when the bytes cannot be restored, which aborts
// the build.
type ResolveFunc func(ctx ResolveContext, buf *bytes.Buffer) bool

// Mode controls how entry payloads are retained between ingestion and
// resolution.
type Mode struct {
	onDemand bool
	resolve  ResolveFunc
}

// InMemoryMode keeps the compressed and decompressed payload of every
// entry in memory until its dependents have been resolved. It is the
// fastest mode, at the cost of a peak footprint proportional to the
// inflated size of the live delta chains.
func InMemoryMode() Mode {
	return Mode{}
}

// OnDemandMode retains no payloads at ingestion time; the resolver
// re-inflates each entry from the pack through resolve. It trades peak
// memory for repeated pack I/O.
func OnDemandMode(resolve ResolveFunc) Mode {
	return Mode{onDemand: true, resolve: resolve}
}

// baseCache returns the cache entry for a non-delta pack entry.
func (m Mode) baseCache(e *packfile.Entry) *cacheEntry {
	return m.cache(e)
}

// deltaCache returns the cache entry for a delta pack entry.
func (m Mode) deltaCache(e *packfile.Entry) *cacheEntry {
	return m.cache(e)
}

func (m Mode) cache(e *packfile.Entry) *cacheEntry {
	if m.onDemand {
		return &cacheEntry{}
	}

	return &cacheEntry{
		compressed:   e.Compressed,
		decompressed: e.Decompressed,
	}
}
