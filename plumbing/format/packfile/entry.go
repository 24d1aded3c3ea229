package packfile

import (
	"github.com/go-git/go-packidx/plumbing"
)

// Entry is a single decoded packfile entry. It carries both the on-pack
// compressed payload and its inflated form, so that consumers can pick
// whichever representation they need without re-reading the pack.
type Entry struct {
	// Type is the on-pack object type, which may be a delta type.
	Type plumbing.ObjectType
	// Offset is the byte offset of the entry header within the pack.
	Offset int64
	// HeaderSize is the encoded size of the entry header, including the
	// base reference for deltas.
	HeaderSize int64
	// Size is the inflated size of the entry payload.
	Size int64
	// OffsetReference is the absolute pack offset of the base object,
	// set only when Type is OFSDeltaObject.
	OffsetReference int64
	// Reference is the hash of the base object, set only when Type is
	// REFDeltaObject.
	Reference plumbing.Hash
	// Compressed holds the entry payload as stored in the pack.
	Compressed []byte
	// Decompressed holds the inflated entry payload. For delta entries
	// this is the delta instruction stream, not the object content.
	Decompressed []byte
	// Crc32 is the CRC-32 (IEEE) of the on-pack entry bytes, header
	// included.
	Crc32 uint32
	// Trailer holds the pack checksum. It is only set on the final
	// entry of a pack.
	Trailer plumbing.Hash
}

// EntryLength returns the full length of the entry within the pack.
func (e *Entry) EntryLength() int64 {
	return e.HeaderSize + int64(len(e.Compressed))
}

// EntryIter iterates over the entries of a pack, in pack order.
// Next returns io.EOF once the pack trailer has been consumed.
type EntryIter interface {
	Next() (*Entry, error)
}

// EntryIterFunc adapts a function to the EntryIter interface.
type EntryIterFunc func() (*Entry, error)

// Next calls f.
func (f EntryIterFunc) Next() (*Entry, error) { return f() }

// Observer interface receives progress notifications from an index write.
type Observer interface {
	// OnHeader is called once the entry stream has been ingested, with the
	// number of objects it holds.
	OnHeader(count uint32) error
	// OnInflatedObjectHeader is called for each object header read.
	OnInflatedObjectHeader(t plumbing.ObjectType, objSize, pos int64) error
	// OnInflatedObjectContent is called for each decoded object.
	OnInflatedObjectContent(h plumbing.Hash, pos int64, crc uint32, content []byte) error
	// OnFooter is called when decoding is done.
	OnFooter(h plumbing.Hash) error
}

var _ EntryIter = EntryIterFunc(nil)
