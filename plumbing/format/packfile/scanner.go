package packfile

import (
	"bufio"
	"bytes"
	"crypto"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/go-git/go-packidx/plumbing"
	gogithash "github.com/go-git/go-packidx/plumbing/hash"
	"github.com/go-git/go-packidx/utils/binary"
	"github.com/go-git/go-packidx/utils/ioutil"
	gogitsync "github.com/go-git/go-packidx/utils/sync"
)

var (
	// ErrEmptyPackfile is returned when no data is found in the packfile.
	ErrEmptyPackfile = NewError("empty packfile")
	// ErrBadSignature is returned when the signature in the packfile is incorrect.
	ErrBadSignature = NewError("malformed pack file signature")
	// ErrMalformedPackfile is returned when the packfile format is incorrect.
	ErrMalformedPackfile = NewError("malformed pack file")
	// ErrUnsupportedVersion is returned when the packfile version is
	// different than V2.
	ErrUnsupportedVersion = NewError("unsupported packfile version")
)

// Scanner provides sequential access to the entries stored in a Git packfile.
//
// A Git packfile is structured as follows:
//
//	+----------------------------------------------------+
//	|                 PACK File Header                   |
//	+----------------------------------------------------+
//	| "PACK"  | Version Number | Number of Objects       |
//	| (4 bytes) |  (4 bytes)   |    (4 bytes)            |
//	+----------------------------------------------------+
//	|                  Object Entry #1                   |
//	+----------------------------------------------------+
//	|  Object Header  |  Compressed Object Data / Delta  |
//	| (type + size)   |  (var-length, zlib compressed)   |
//	+----------------------------------------------------+
//	|                         ...                        |
//	+----------------------------------------------------+
//	|                  PACK File Footer                  |
//	+----------------------------------------------------+
//	|                Checksum (hash width bytes)         |
//	+----------------------------------------------------+
//
// For upstream docs, refer to https://git-scm.com/docs/gitformat-pack.
//
// Scanner implements EntryIter: each call to Next decodes one entry, in
// pack order. The footer is consumed together with the final entry, whose
// Trailer field carries the verified pack checksum.
type Scanner struct {
	r *scannerReader

	// packhash hashes the pack contents so that at the end it is able to
	// validate the packfile's footer checksum against the calculated hash.
	packhash gogithash.Hash
	// crc is used to generate the CRC-32 checksum of each entry's on-pack bytes.
	crc hash.Hash32

	version    Version
	objects    uint32
	index      uint32
	headerDone bool
	err        error
}

// NewScanner creates a new instance of Scanner.
func NewScanner(rs io.Reader) *Scanner {
	return &Scanner{
		r:        newScannerReader(rs),
		packhash: gogithash.New(crypto.SHA1),
		crc:      crc32.NewIEEE(),
	}
}

// Version returns the version of the packfile. It is only valid after the
// first call to Next.
func (s *Scanner) Version() Version {
	return s.version
}

// Objects returns the quantity of objects within the packfile. It is only
// valid after the first call to Next.
func (s *Scanner) Objects() uint32 {
	return s.objects
}

// Next returns the next entry of the pack, or io.EOF once the pack trailer
// has been consumed. Once an error occurs, all further calls return it.
func (s *Scanner) Next() (*Entry, error) {
	if s.err != nil {
		return nil, s.err
	}

	e, err := s.next()
	if err != nil {
		s.err = err
		return nil, err
	}

	return e, nil
}

func (s *Scanner) next() (*Entry, error) {
	if !s.headerDone {
		if err := s.readHeader(); err != nil {
			return nil, err
		}
		s.headerDone = true

		if s.objects == 0 {
			if _, err := s.readFooter(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
	}

	if s.index >= s.objects {
		return nil, io.EOF
	}

	return s.readEntry()
}

func (s *Scanner) readHeader() error {
	s.r.setTee(s.packhash)

	start := make([]byte, 4)
	if _, err := io.ReadFull(s.r, start); err != nil {
		if err == io.EOF {
			return ErrEmptyPackfile
		}
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	}

	if !bytes.Equal(start, signature) {
		return ErrBadSignature
	}

	version, err := binary.ReadUint32(s.r)
	if err != nil {
		return ErrMalformedPackfile.AddDetails("cannot read version")
	}

	v := Version(version)
	if !v.Supported() {
		return ErrUnsupportedVersion
	}
	s.version = v

	qty, err := binary.ReadUint32(s.r)
	if err != nil {
		return ErrMalformedPackfile.AddDetails("cannot read number of objects")
	}
	s.objects = qty

	return nil
}

func (s *Scanner) readEntry() (e *Entry, err error) {
	offset := s.r.offset

	s.crc.Reset()
	s.r.setTee(io.MultiWriter(s.packhash, s.crc))

	b, err := s.r.ReadByte()
	if err != nil {
		return nil, ErrMalformedPackfile.AddDetails("cannot read entry header at offset %d", offset)
	}

	typ := objectTypeFromByte(b)
	if !typ.Valid() {
		return nil, ErrMalformedPackfile.AddDetails("invalid object type: %v", b)
	}

	size, err := variableLengthSize(b, s.r)
	if err != nil {
		return nil, ErrMalformedPackfile.AddDetails("cannot read entry size at offset %d", offset)
	}

	e = &Entry{
		Type:   typ,
		Offset: offset,
		Size:   int64(size),
	}

	switch typ {
	case plumbing.OFSDeltaObject:
		no, err := binary.ReadVariableWidthInt(s.r)
		if err != nil {
			return nil, ErrMalformedPackfile.AddDetails("cannot read delta base offset at offset %d", offset)
		}
		e.OffsetReference = offset - no
	case plumbing.REFDeltaObject:
		if _, err := io.ReadFull(s.r, e.Reference[:]); err != nil {
			return nil, ErrMalformedPackfile.AddDetails("cannot read delta base reference at offset %d", offset)
		}
	}

	e.HeaderSize = s.r.offset - offset

	compressed := new(bytes.Buffer)
	s.r.setTee(io.MultiWriter(s.packhash, s.crc, compressed))

	zr, err := gogitsync.GetZlibReader(s.r)
	if err != nil {
		return nil, fmt.Errorf("zlib reset error: %s", err)
	}
	defer gogitsync.PutZlibReader(zr)

	decompressed := bytes.NewBuffer(make([]byte, 0, size))
	n, err := ioutil.CopyBufferPool(decompressed, zr)
	if err != nil {
		return nil, ErrMalformedPackfile.AddDetails("inflate error at offset %d: %s", offset, err)
	}
	if uint64(n) != size {
		return nil, ErrMalformedPackfile.AddDetails("inflated %d bytes for entry at offset %d, expected %d", n, offset, size)
	}

	s.r.setTee(s.packhash)

	e.Compressed = compressed.Bytes()
	e.Decompressed = decompressed.Bytes()
	e.Crc32 = s.crc.Sum32()

	s.index++
	if s.index == s.objects {
		trailer, err := s.readFooter()
		if err != nil {
			return nil, err
		}
		e.Trailer = trailer
	}

	return e, nil
}

// readFooter reads the pack checksum and validates it against the hash of
// everything scanned so far.
func (s *Scanner) readFooter() (plumbing.Hash, error) {
	s.r.setTee(io.Discard)

	actual := s.packhash.Sum(nil)

	var checksum plumbing.Hash
	if _, err := io.ReadFull(s.r, checksum[:]); err != nil {
		return checksum, ErrMalformedPackfile.AddDetails("cannot read pack checksum")
	}

	if !bytes.Equal(actual, checksum[:]) {
		return checksum, ErrMalformedPackfile.AddDetails("checksum mismatch expected %q but found %q",
			hex.EncodeToString(actual), checksum)
	}

	return checksum, nil
}

func objectTypeFromByte(b byte) plumbing.ObjectType {
	return plumbing.ObjectType((b & maskType) >> firstLengthBits)
}

// variableLengthSize reads a variable length size from first, and uses
// reader to continue on reading until the full size is determined.
func variableLengthSize(first byte, reader io.ByteReader) (uint64, error) {
	// Extract the first part of the size (last 4 bits of the first byte).
	size := uint64(first & maskFirstLength)

	// |  001xxxx | xxxxxxxx | xxxxxxxx | ...
	//
	//	 ^^^       ^^^^^^^^   ^^^^^^^^
	//	Type      Size Part 1   Size Part 2
	//
	// Check if more bytes are needed to fully determine the size.
	if first&maskContinue != 0 {
		shift := uint(firstLengthBits)

		for {
			b, err := reader.ReadByte()
			if err != nil {
				return 0, err
			}

			// Add the next 7 bits to the size.
			size |= uint64(b&maskLength) << shift

			// Check if the continuation bit is set.
			if b&maskContinue == 0 {
				break
			}

			shift += 7
		}
	}

	return size, nil
}

// scannerReader has the following characteristics:
//   - Keeps track of the current read position, so entry offsets can be
//     recorded without the underlying reader being an io.Seeker.
//   - Writes to the tee writer what it reads, with the aid of a smaller
//     buffer. The buffer helps avoid a performance penalty for performing
//     small writes to the crc32 hash writer. This is how the pack checksum,
//     per-entry CRCs and compressed payloads are captured.
//
// Note that this is passed on to zlib, and it must support io.ByteReader,
// else it won't be able to just read the content of the current object, but
// rather it will read past the entry boundary.
//
// scannerReader is not thread-safe.
type scannerReader struct {
	rbuf   *bufio.Reader
	wbuf   *bufio.Writer
	offset int64
}

func newScannerReader(r io.Reader) *scannerReader {
	return &scannerReader{
		rbuf: bufio.NewReader(r),
		wbuf: bufio.NewWriterSize(io.Discard, 64),
	}
}

// setTee flushes any pending bytes to the current tee writer and routes
// everything read from now on to w. The tee writers are hashes and byte
// buffers, whose writes cannot fail.
func (r *scannerReader) setTee(w io.Writer) {
	r.wbuf.Flush() // nolint: errcheck
	r.wbuf.Reset(w)
}

func (r *scannerReader) Read(p []byte) (n int, err error) {
	n, err = r.rbuf.Read(p)

	r.offset += int64(n)
	if n > 0 {
		if _, werr := r.wbuf.Write(p[:n]); werr != nil && err == nil {
			err = werr
		}
	}
	return
}

func (r *scannerReader) ReadByte() (b byte, err error) {
	b, err = r.rbuf.ReadByte()
	if err == nil {
		r.offset++
		return b, r.wbuf.WriteByte(b)
	}
	return
}

var _ EntryIter = (*Scanner)(nil)
