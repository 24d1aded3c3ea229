package idxfile

import (
	"fmt"

	"github.com/go-git/go-packidx/plumbing/format/packfile"
)

// reducer accumulates the batches produced by the resolver into a single
// result set. It is the only synchronization point for resolver output: in
// parallel runs a single goroutine owns it.
type reducer struct {
	expected uint64
	items    []resultEntry
	observer packfile.Observer
}

func newReducer(expected uint64, o packfile.Observer) *reducer {
	return &reducer{
		expected: expected,
		items:    make([]resultEntry, 0, int(expected)),
		observer: o,
	}
}

// feed appends one subtree's results, reporting per-object progress to the
// observer. Batches may arrive in any order.
func (r *reducer) feed(batch []resultEntry) error {
	r.items = append(r.items, batch...)

	if r.observer != nil {
		for _, it := range batch {
			if err := r.observer.OnInflatedObjectContent(it.hash, it.offset, it.crc32, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

// finish checks that every ingested entry was resolved exactly once and
// returns the accumulated results.
func (r *reducer) finish() ([]resultEntry, error) {
	if uint64(len(r.items)) != r.expected {
		return nil, fmt.Errorf("%w: resolved %d, ingested %d", ErrObjectCount, len(r.items), r.expected)
	}

	return r.items, nil
}
