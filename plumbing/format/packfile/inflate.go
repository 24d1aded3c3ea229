package packfile

import (
	"bufio"
	"fmt"
	"io"

	"github.com/go-git/go-packidx/plumbing"
	"github.com/go-git/go-packidx/plumbing/hash"
	"github.com/go-git/go-packidx/utils/binary"
	"github.com/go-git/go-packidx/utils/ioutil"
	gogitsync "github.com/go-git/go-packidx/utils/sync"
)

// InflateAt re-inflates the payload of the entry starting at the given pack
// offset, writing the decompressed bytes to w. For delta entries the payload
// is the delta instruction stream.
//
// It is used to restore entry bytes that were not retained in memory after
// scanning, so it seeks rs and parses the entry header again.
func InflateAt(rs io.ReadSeeker, packOffset int64, w io.Writer) error {
	if _, err := rs.Seek(packOffset, io.SeekStart); err != nil {
		return err
	}

	br := bufio.NewReader(rs)

	b, err := br.ReadByte()
	if err != nil {
		return err
	}

	typ := objectTypeFromByte(b)
	if !typ.Valid() {
		return ErrMalformedPackfile.AddDetails("invalid object type at offset %d: %v", packOffset, b)
	}

	if _, err := variableLengthSize(b, br); err != nil {
		return err
	}

	switch typ {
	case plumbing.OFSDeltaObject:
		if _, err := binary.ReadVariableWidthInt(br); err != nil {
			return err
		}
	case plumbing.REFDeltaObject:
		if _, err := br.Discard(hash.Size); err != nil {
			return err
		}
	}

	zr, err := gogitsync.GetZlibReader(br)
	if err != nil {
		return fmt.Errorf("zlib reset error: %s", err)
	}
	defer gogitsync.PutZlibReader(zr)

	_, err = ioutil.CopyBufferPool(w, zr)
	return err
}
