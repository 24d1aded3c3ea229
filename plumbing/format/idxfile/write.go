package idxfile

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/go-git/go-packidx/plumbing"
	"github.com/go-git/go-packidx/plumbing/format/packfile"
	"github.com/go-git/go-packidx/utils/trace"
)

var (
	// ErrUnsupportedVersion is returned when the requested index version
	// is not VersionSupported.
	ErrUnsupportedVersion = errors.New("unsupported index version")
	// ErrNoEntries is returned when the entry stream yields no entries.
	ErrNoEntries = errors.New("pack entry stream is empty")
	// ErrOffsetsNotIncreasing is returned when entries are not in strictly
	// increasing pack offset order.
	ErrOffsetsNotIncreasing = errors.New("pack offsets are not strictly increasing")
	// ErrBaseNotFound is returned when a delta references a base offset
	// that has not been seen yet. Bases must come before the deltas that
	// depend on them.
	ErrBaseNotFound = errors.New("delta base not seen before its dependent")
	// ErrRefDelta is returned for reference delta entries, which must be
	// resolved into offset deltas before an index can be written.
	ErrRefDelta = errors.New("reference deltas are not supported")
	// ErrNoBases is returned when ingestion ends without any base object.
	// A stream of deltas only fails earlier with ErrBaseNotFound, since its
	// first delta references an offset that was never ingested.
	ErrNoBases = errors.New("pack entry stream has no base objects")
	// ErrTooManyObjects is returned when the object count does not fit the
	// 32-bit fields of a version 2 index.
	ErrTooManyObjects = errors.New("too many objects for a version 2 index")
	// ErrMissingTrailer is returned when the final entry carries no pack
	// checksum.
	ErrMissingTrailer = errors.New("final entry carries no pack trailer")
	// ErrObjectCount is returned when resolution produces a different
	// number of objects than were ingested.
	ErrObjectCount = errors.New("resolved object count does not match the entry count")
	// ErrEntryRestore is returned when a ResolveFunc cannot restore the
	// payload of an entry.
	ErrEntryRestore = errors.New("cannot restore entry bytes from the pack")
)

// parallelismThreshold is the total amount of inflated bytes below which
// delta resolution stays in the caller goroutine.
const parallelismThreshold = 5_000_000

// tableEntry is the per-object record kept for the whole build. The table
// is in pack offset order, which is also ingestion order.
type tableEntry struct {
	offset   int64
	entryLen int64
	// typ is the decoded object kind for bases and OFSDeltaObject for
	// deltas.
	typ plumbing.ObjectType
	// baseOffset is the pack offset of the delta base, or -1 for bases.
	baseOffset int64
	crc32      uint32
}

func (e *tableEntry) isBase() bool {
	return e.baseOffset < 0
}

// Outcome summarizes a successful index write.
type Outcome struct {
	Version    Version
	IndexHash  plumbing.Hash
	PackHash   plumbing.Hash
	NumObjects uint32
}

// WriteOption configures an index write.
type WriteOption func(*writer)

// WithThreadLimit bounds the number of goroutines used to resolve delta
// chains. A limit of 1 forces sequential resolution.
func WithThreadLimit(n int) WriteOption {
	return func(w *writer) {
		w.threadLimit = n
	}
}

// WithObserver sets an observer that is notified of ingestion and
// resolution progress.
func WithObserver(o packfile.Observer) WriteOption {
	return func(w *writer) {
		w.observer = o
	}
}

type writer struct {
	mode        Mode
	observer    packfile.Observer
	threadLimit int

	entries  []tableEntry
	children map[int64][]int
	cache    *offsetCache

	numObjects     uint64
	bytesToProcess uint64
	lastBaseIndex  int
	packHash       plumbing.Hash
}

// Write builds a pack index from an ordered stream of decoded pack entries
// and writes it to out.
//
// It consumes the stream once, resolving every delta chain to its full
// object bytes so each entry can be hashed, then emits the sorted index.
// Reference deltas are not supported and must have been resolved upstream.
//
// No partial output contract is kept for out: on error the bytes already
// written must be discarded by the caller.
func Write(v Version, mode Mode, entries packfile.EntryIter, out io.Writer, opts ...WriteOption) (*Outcome, error) {
	if v != VersionSupported {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	w := &writer{
		mode:          mode,
		children:      make(map[int64][]int),
		cache:         newOffsetCache(),
		lastBaseIndex: -1,
	}
	for _, opt := range opts {
		opt(w)
	}

	start := time.Now()
	if err := w.ingest(entries); err != nil {
		return nil, err
	}
	trace.Performance.Printf("idxfile: ingested %d entries in %s", w.numObjects, time.Since(start))

	if w.observer != nil {
		if err := w.observer.OnHeader(uint32(w.numObjects)); err != nil {
			return nil, err
		}
	}

	start = time.Now()
	resolved, err := w.resolveEntries()
	if err != nil {
		return nil, err
	}
	trace.Performance.Printf("idxfile: resolved %d objects in %s", len(resolved), time.Since(start))

	sort.Sort(byHash(resolved))

	if err := w.backfillCRCs(resolved); err != nil {
		return nil, err
	}

	idx := w.buildIndex(resolved)

	e := NewEncoder(out)
	if _, err := e.Encode(idx); err != nil {
		return nil, err
	}

	if w.observer != nil {
		if err := w.observer.OnFooter(w.packHash); err != nil {
			return nil, err
		}
	}

	return &Outcome{
		Version:    idx.Version,
		IndexHash:  idx.IdxChecksum,
		PackHash:   w.packHash,
		NumObjects: uint32(w.numObjects),
	}, nil
}

// ingest consumes the entry stream in a single pass, validating the stream
// invariants, filling the entry table and the cache, and recording the
// delta dependency edges.
func (w *writer) ingest(entries packfile.EntryIter) error {
	var lastPackOffset int64

	for i := 0; ; i++ {
		e, err := entries.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading pack entry: %w", err)
		}

		if e.Offset <= lastPackOffset {
			return fmt.Errorf("%w: offset %d follows %d", ErrOffsetsNotIncreasing, e.Offset, lastPackOffset)
		}
		lastPackOffset = e.Offset

		w.numObjects++
		if w.numObjects > math.MaxUint32 {
			return fmt.Errorf("%w: %d", ErrTooManyObjects, w.numObjects)
		}
		w.bytesToProcess += uint64(e.Size)

		te := tableEntry{
			offset:     e.Offset,
			entryLen:   e.EntryLength(),
			baseOffset: -1,
			crc32:      e.Crc32,
		}

		switch e.Type {
		case plumbing.CommitObject, plumbing.TreeObject, plumbing.BlobObject, plumbing.TagObject:
			w.lastBaseIndex = i
			te.typ = e.Type
			w.cache.add(e.Offset, w.mode.baseCache(e))

		case plumbing.OFSDeltaObject:
			if e.OffsetReference >= e.Offset || !w.cache.incrementChild(e.OffsetReference) {
				return fmt.Errorf("%w: delta at offset %d references %d", ErrBaseNotFound, e.Offset, e.OffsetReference)
			}
			te.typ = plumbing.OFSDeltaObject
			te.baseOffset = e.OffsetReference
			w.children[e.OffsetReference] = append(w.children[e.OffsetReference], i)
			w.cache.add(e.Offset, w.mode.deltaCache(e))

		case plumbing.REFDeltaObject:
			return fmt.Errorf("%w: entry at offset %d", ErrRefDelta, e.Offset)

		default:
			return fmt.Errorf("%w: %v at offset %d", plumbing.ErrInvalidType, e.Type, e.Offset)
		}

		w.entries = append(w.entries, te)

		if w.observer != nil {
			if err := w.observer.OnInflatedObjectHeader(e.Type, e.Size, e.Offset); err != nil {
				return err
			}
		}

		if !e.Trailer.IsZero() {
			w.packHash = e.Trailer
		}
	}

	if w.numObjects == 0 {
		return ErrNoEntries
	}
	if w.lastBaseIndex < 0 {
		return ErrNoBases
	}
	if w.packHash.IsZero() {
		return ErrMissingTrailer
	}

	return nil
}

// backfillCRCs propagates the CRCs from the entry table into the sorted
// result set. The entry table is sorted by pack offset, so an exact binary
// search must succeed; a miss means the table and the results went out of
// sync, which is a defect.
func (w *writer) backfillCRCs(resolved []resultEntry) error {
	for i := range resolved {
		n := sort.Search(len(w.entries), func(j int) bool {
			return w.entries[j].offset >= resolved[i].offset
		})

		if n == len(w.entries) || w.entries[n].offset != resolved[i].offset {
			return fmt.Errorf("no table entry for resolved pack offset %d", resolved[i].offset)
		}

		resolved[i].crc32 = w.entries[n].crc32
	}

	return nil
}

func (w *writer) buildIndex(resolved []resultEntry) *Idxfile {
	idx := &Idxfile{
		Version:          VersionSupported,
		Entries:          make([]Entry, len(resolved)),
		PackfileChecksum: w.packHash,
	}

	for i, r := range resolved {
		idx.Entries[i] = Entry{
			Hash:   r.hash,
			CRC32:  r.crc32,
			Offset: uint64(r.offset),
		}
	}

	return idx
}
