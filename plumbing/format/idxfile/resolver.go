package idxfile

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-packidx/plumbing"
	"github.com/go-git/go-packidx/plumbing/format/packfile"
	"github.com/go-git/go-packidx/utils/trace"
)

// resultEntry is the resolver output for a single object.
type resultEntry struct {
	offset int64
	hash   plumbing.Hash
	crc32  uint32
}

// byHash attaches the methods of sort.Interface to []resultEntry, sorting
// in increasing hash order.
type byHash []resultEntry

func (s byHash) Len() int           { return len(s) }
func (s byHash) Less(i, j int) bool { return s[i].hash.Compare(s[j].hash[:]) < 0 }
func (s byHash) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// resolveEntries materializes, hashes and releases every object of the
// pack, working over independent base-rooted subtrees.
func (w *writer) resolveEntries() ([]resultEntry, error) {
	// Entries past lastBaseIndex cannot be bases; they are visited as
	// dependents only. Note the range is inclusive of the last base.
	var bases []int
	for i := range w.entries[:w.lastBaseIndex+1] {
		if w.entries[i].isBase() {
			bases = append(bases, i)
		}
	}

	red := newReducer(w.numObjects, w.observer)

	threads := w.threads()
	trace.General.Printf("idxfile: resolving %d base subtrees on %d goroutines", len(bases), threads)

	if threads == 1 {
		for _, i := range bases {
			batch, err := w.resolveBase(i)
			if err != nil {
				return nil, err
			}
			if err := red.feed(batch); err != nil {
				return nil, err
			}
		}

		return red.finish()
	}

	return w.resolveParallel(bases, threads, red)
}

// threads returns the worker count for this build. Small packs are not
// worth the fan-out and are resolved in the caller goroutine.
func (w *writer) threads() int {
	if w.bytesToProcess <= parallelismThreshold {
		return 1
	}

	n := runtime.GOMAXPROCS(0)
	if w.threadLimit > 0 && w.threadLimit < n {
		n = w.threadLimit
	}
	if n < 1 {
		n = 1
	}

	return n
}

// resolveParallel fans the base subtrees out to workers. The reducer is fed
// from this goroutine only; the first worker error wins and the remaining
// work items are drained without being processed.
func (w *writer) resolveParallel(bases []int, threads int, red *reducer) ([]resultEntry, error) {
	var (
		work    = make(chan int)
		batches = make(chan []resultEntry, threads)

		wg       sync.WaitGroup
		errOnce  sync.Once
		failed   atomic.Bool
		firstErr error
	)

	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			failed.Store(true)
		})
	}

	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := range work {
				if failed.Load() {
					continue
				}

				batch, err := w.resolveBase(i)
				if err != nil {
					fail(err)
					continue
				}

				batches <- batch
			}
		}()
	}

	go func() {
		for _, i := range bases {
			work <- i
		}
		close(work)
	}()

	go func() {
		wg.Wait()
		close(batches)
	}()

	var redErr error
	for batch := range batches {
		if redErr == nil {
			redErr = red.feed(batch)
		}
	}

	// batches is closed after wg.Wait, so firstErr is visible here.
	if firstErr != nil {
		return nil, firstErr
	}
	if redErr != nil {
		return nil, redErr
	}

	return red.finish()
}

// resolveBase materializes one base object and all its transitive
// dependents, emitting one result per object.
func (w *writer) resolveBase(i int) ([]resultEntry, error) {
	e := &w.entries[i]

	data, err := w.entryData(e)
	if err != nil {
		return nil, err
	}

	batch := make([]resultEntry, 0, len(w.children[e.offset])+1)
	batch = append(batch, resultEntry{
		offset: e.offset,
		hash:   plumbing.ComputeHash(e.typ, data),
		crc32:  e.crc32,
	})

	if err := w.resolveChildren(e, e.typ, data, &batch); err != nil {
		return nil, err
	}

	return batch, nil
}

// resolveChildren applies each dependent delta to the materialized parent
// bytes, depth first. Delta objects inherit the decoded kind of their root
// base.
func (w *writer) resolveChildren(parent *tableEntry, typ plumbing.ObjectType, data []byte, batch *[]resultEntry) error {
	for _, ci := range w.children[parent.offset] {
		child := &w.entries[ci]

		deltaData, err := w.entryData(child)
		if err != nil {
			return err
		}

		childData, err := packfile.PatchDelta(data, deltaData)
		if err != nil {
			return fmt.Errorf("applying delta at offset %d: %w", child.offset, err)
		}

		*batch = append(*batch, resultEntry{
			offset: child.offset,
			hash:   plumbing.ComputeHash(typ, childData),
			crc32:  child.crc32,
		})

		if err := w.resolveChildren(child, typ, childData, batch); err != nil {
			return err
		}

		// The parent's payload may only be dropped once its last dependent
		// subtree is done with it.
		w.cache.childResolved(parent.offset)
	}

	return nil
}

// entryData returns the decompressed payload of the entry, taking it from
// the cache or re-inflating it from the pack, depending on the mode.
func (w *writer) entryData(e *tableEntry) ([]byte, error) {
	data, ok := w.cache.take(e.offset)
	if !ok {
		return nil, fmt.Errorf("no cache entry for pack offset %d", e.offset)
	}

	if !w.mode.onDemand {
		return data, nil
	}

	buf := bytes.NewBuffer(make([]byte, 0, e.entryLen))
	if !w.mode.resolve(ResolveContext{Offset: e.offset, EntryLen: e.entryLen}, buf) {
		return nil, fmt.Errorf("%w: offset %d", ErrEntryRestore, e.offset)
	}

	return buf.Bytes(), nil
}
