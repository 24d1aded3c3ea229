package idxfile

import (
	"crypto"
	"io"
	"math"

	"github.com/go-git/go-packidx/plumbing/hash"
	"github.com/go-git/go-packidx/utils/binary"
)

// isO64Mask flags a 32-bit offset slot as an index into the 64-bit offset
// table.
const isO64Mask = uint32(1) << 31

// Encoder writes Idxfile structs to an output stream.
type Encoder struct {
	io.Writer
	hash hash.Hash
}

// NewEncoder returns a new stream encoder that writes to w. Everything
// written is also fed to the index checksum.
func NewEncoder(w io.Writer) *Encoder {
	h := hash.New(crypto.SHA1)
	mw := io.MultiWriter(w, h)
	return &Encoder{mw, h}
}

// Encode encodes an Idxfile to the encoder writer, returning the number of
// bytes written. The entries must already be sorted by hash; the fanout
// table and the index checksum are derived while encoding.
func (e *Encoder) Encode(idx *Idxfile) (int, error) {
	idx.calculateFanout()

	flow := []func(*Idxfile) (int, error){
		e.encodeHeader,
		e.encodeFanout,
		e.encodeHashes,
		e.encodeCRC32,
		e.encodeOffsets,
		e.encodeChecksums,
	}

	sz := 0
	for _, f := range flow {
		i, err := f(idx)
		sz += i

		if err != nil {
			return sz, err
		}
	}

	return sz, nil
}

func (e *Encoder) encodeHeader(idx *Idxfile) (int, error) {
	c, err := e.Write(idxHeader)
	if err != nil {
		return c, err
	}

	return c + 4, binary.WriteUint32(e, uint32(idx.Version))
}

func (e *Encoder) encodeFanout(idx *Idxfile) (int, error) {
	for _, c := range idx.Fanout {
		if err := binary.WriteUint32(e, c); err != nil {
			return 0, err
		}
	}

	return fanout * 4, nil
}

func (e *Encoder) encodeHashes(idx *Idxfile) (int, error) {
	var size int
	for _, ent := range idx.Entries {
		n, err := e.Write(ent.Hash[:])
		if err != nil {
			return size, err
		}
		size += n
	}

	return size, nil
}

func (e *Encoder) encodeCRC32(idx *Idxfile) (int, error) {
	var size int
	for _, ent := range idx.Entries {
		if err := binary.WriteUint32(e, ent.CRC32); err != nil {
			return size, err
		}
		size += 4
	}

	return size, nil
}

func (e *Encoder) encodeOffsets(idx *Idxfile) (int, error) {
	var size int
	var o64 []uint64

	for _, ent := range idx.Entries {
		if ent.Offset > math.MaxInt32 {
			if err := binary.WriteUint32(e, isO64Mask|uint32(len(o64))); err != nil {
				return size, err
			}
			o64 = append(o64, ent.Offset)
		} else {
			if err := binary.WriteUint32(e, uint32(ent.Offset)); err != nil {
				return size, err
			}
		}
		size += 4
	}

	for _, o := range o64 {
		if err := binary.WriteUint64(e, o); err != nil {
			return size, err
		}
		size += 8
	}

	return size, nil
}

func (e *Encoder) encodeChecksums(idx *Idxfile) (int, error) {
	if _, err := e.Write(idx.PackfileChecksum[:]); err != nil {
		return 0, err
	}

	copy(idx.IdxChecksum[:], e.hash.Sum(nil))
	if _, err := e.Write(idx.IdxChecksum[:]); err != nil {
		return hash.Size, err
	}

	return hash.Size * 2, nil
}
