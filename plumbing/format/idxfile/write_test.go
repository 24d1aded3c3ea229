package idxfile_test

import (
	"bytes"
	"crypto"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-git/go-packidx/plumbing"
	"github.com/go-git/go-packidx/plumbing/format/idxfile"
	"github.com/go-git/go-packidx/plumbing/format/packfile"
	gogithash "github.com/go-git/go-packidx/plumbing/hash"
	"github.com/go-git/go-packidx/utils/binary"
)

var testTrailer = plumbing.NewHash("a3fed42da1e8189a077c0e6846c040dcf73fc9dd")

// sliceIter feeds a fixed slice of entries to the writer.
type sliceIter struct {
	entries []*packfile.Entry
	i       int
}

func (it *sliceIter) Next() (*packfile.Entry, error) {
	if it.i >= len(it.entries) {
		return nil, io.EOF
	}

	e := it.entries[it.i]
	it.i++
	return e, nil
}

func newIter(entries ...*packfile.Entry) *sliceIter {
	if n := len(entries); n > 0 {
		entries[n-1].Trailer = testTrailer
	}
	return &sliceIter{entries: entries}
}

func makeBase(offset int64, typ plumbing.ObjectType, content []byte, crc uint32) *packfile.Entry {
	return &packfile.Entry{
		Type:         typ,
		Offset:       offset,
		HeaderSize:   2,
		Size:         int64(len(content)),
		Compressed:   bytes.Repeat([]byte{0x78}, 16),
		Decompressed: content,
		Crc32:        crc,
	}
}

func makeDelta(offset, baseOffset int64, delta []byte, crc uint32) *packfile.Entry {
	return &packfile.Entry{
		Type:            plumbing.OFSDeltaObject,
		Offset:          offset,
		HeaderSize:      3,
		Size:            int64(len(delta)),
		OffsetReference: baseOffset,
		Compressed:      bytes.Repeat([]byte{0x78}, 16),
		Decompressed:    delta,
		Crc32:           crc,
	}
}

// deltaInsert returns a delta stream that ignores the source and inserts
// target verbatim.
func deltaInsert(src, target []byte) []byte {
	delta := leb128(uint(len(src)))
	delta = append(delta, leb128(uint(len(target)))...)

	for len(target) > 0 {
		n := min(len(target), 0x7f)
		delta = append(delta, byte(n))
		delta = append(delta, target[:n]...)
		target = target[n:]
	}

	return delta
}

func leb128(n uint) []byte {
	var bs []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		bs = append(bs, b)
		if n == 0 {
			return bs
		}
	}
}

// decodedIdx is a version 2 index parsed back from its encoded form.
type decodedIdx struct {
	version   uint32
	fanout    [256]uint32
	hashes    []plumbing.Hash
	crcs      []uint32
	offsets32 []uint32
	offsets64 []uint64
	packHash  plumbing.Hash
	idxHash   plumbing.Hash
}

func decodeIdx(t *testing.T, b []byte) *decodedIdx {
	t.Helper()

	r := bytes.NewReader(b)

	magic := make([]byte, 4)
	_, err := io.ReadFull(r, magic)
	require.NoError(t, err)
	require.Equal(t, []byte{255, 't', 'O', 'c'}, magic)

	idx := &decodedIdx{}
	idx.version, err = binary.ReadUint32(r)
	require.NoError(t, err)

	for i := range idx.fanout {
		idx.fanout[i], err = binary.ReadUint32(r)
		require.NoError(t, err)
	}

	count := int(idx.fanout[255])

	idx.hashes = make([]plumbing.Hash, count)
	for i := range idx.hashes {
		_, err = io.ReadFull(r, idx.hashes[i][:])
		require.NoError(t, err)
	}

	idx.crcs = make([]uint32, count)
	for i := range idx.crcs {
		idx.crcs[i], err = binary.ReadUint32(r)
		require.NoError(t, err)
	}

	idx.offsets32 = make([]uint32, count)
	large := 0
	for i := range idx.offsets32 {
		idx.offsets32[i], err = binary.ReadUint32(r)
		require.NoError(t, err)
		if idx.offsets32[i]&(1<<31) != 0 {
			large++
		}
	}

	idx.offsets64 = make([]uint64, large)
	for i := range idx.offsets64 {
		idx.offsets64[i], err = binary.ReadUint64(r)
		require.NoError(t, err)
	}

	_, err = io.ReadFull(r, idx.packHash[:])
	require.NoError(t, err)
	_, err = io.ReadFull(r, idx.idxHash[:])
	require.NoError(t, err)
	require.Zero(t, r.Len())

	// The index checksum covers everything before it.
	h := gogithash.New(crypto.SHA1)
	h.Write(b[:len(b)-gogithash.Size])
	require.Equal(t, h.Sum(nil), idx.idxHash[:])

	return idx
}

// offsetOf returns the pack offset stored for the entry at position i.
func (idx *decodedIdx) offsetOf(t *testing.T, i int) uint64 {
	t.Helper()

	o := idx.offsets32[i]
	if o&(1<<31) == 0 {
		return uint64(o)
	}

	n := int(o &^ (1 << 31))
	require.Less(t, n, len(idx.offsets64))
	return idx.offsets64[n]
}

func writeIndex(t *testing.T, iter packfile.EntryIter, opts ...idxfile.WriteOption) (*idxfile.Outcome, []byte) {
	t.Helper()

	var buf bytes.Buffer
	outcome, err := idxfile.Write(idxfile.VersionSupported, idxfile.InMemoryMode(), iter, &buf, opts...)
	require.NoError(t, err)

	return outcome, buf.Bytes()
}

func TestWriteUnsupportedVersion(t *testing.T) {
	t.Parallel()

	_, err := idxfile.Write(idxfile.Version(1), idxfile.InMemoryMode(), newIter(), io.Discard)
	assert.ErrorIs(t, err, idxfile.ErrUnsupportedVersion)
}

func TestWriteEmptyStream(t *testing.T) {
	t.Parallel()

	_, err := idxfile.Write(idxfile.VersionSupported, idxfile.InMemoryMode(), newIter(), io.Discard)
	assert.ErrorIs(t, err, idxfile.ErrNoEntries)
}

func TestWriteSingleBase(t *testing.T) {
	t.Parallel()

	content := []byte("hello\n")
	outcome, b := writeIndex(t, newIter(
		makeBase(12, plumbing.BlobObject, content, 0xcafe),
	))

	assert.Equal(t, uint32(1), outcome.NumObjects)
	assert.Equal(t, testTrailer, outcome.PackHash)

	idx := decodeIdx(t, b)
	assert.Equal(t, uint32(2), idx.version)
	require.Len(t, idx.hashes, 1)

	want := plumbing.ComputeHash(plumbing.BlobObject, content)
	assert.Equal(t, want, idx.hashes[0])
	assert.Equal(t, uint32(0xcafe), idx.crcs[0])
	assert.Equal(t, uint64(12), idx.offsetOf(t, 0))
	assert.Equal(t, testTrailer, idx.packHash)
	assert.Equal(t, outcome.IndexHash, idx.idxHash)

	// Fanout is cumulative over the first hash byte.
	for i := 0; i < 256; i++ {
		if i < int(want[0]) {
			assert.Equal(t, uint32(0), idx.fanout[i])
		} else {
			assert.Equal(t, uint32(1), idx.fanout[i])
		}
	}
}

func TestWriteThreeBases(t *testing.T) {
	t.Parallel()

	contents := map[uint64][]byte{
		12:  bytes.Repeat([]byte("a"), 50),
		100: bytes.Repeat([]byte("b"), 80),
		250: bytes.Repeat([]byte("c"), 40),
	}

	outcome, b := writeIndex(t, newIter(
		makeBase(12, plumbing.BlobObject, contents[12], 1),
		makeBase(100, plumbing.BlobObject, contents[100], 2),
		makeBase(250, plumbing.BlobObject, contents[250], 3),
	))

	assert.Equal(t, uint32(3), outcome.NumObjects)

	idx := decodeIdx(t, b)
	require.Len(t, idx.hashes, 3)

	crcs := map[uint64]uint32{12: 1, 100: 2, 250: 3}
	for i := range idx.hashes {
		if i > 0 {
			assert.True(t, idx.hashes[i-1].Compare(idx.hashes[i][:]) < 0,
				"hashes are not sorted")
		}

		offset := idx.offsetOf(t, i)
		content, ok := contents[offset]
		require.True(t, ok)
		assert.Equal(t, plumbing.ComputeHash(plumbing.BlobObject, content), idx.hashes[i])
		assert.Equal(t, crcs[offset], idx.crcs[i])
	}
}

func TestWriteDeltaChain(t *testing.T) {
	t.Parallel()

	base := []byte("hello")
	target := []byte("hello world")

	outcome, b := writeIndex(t, newIter(
		makeBase(12, plumbing.BlobObject, base, 10),
		makeDelta(60, 12, deltaInsert(base, target), 20),
	))

	assert.Equal(t, uint32(2), outcome.NumObjects)

	idx := decodeIdx(t, b)
	require.Len(t, idx.hashes, 2)

	wantByOffset := map[uint64]plumbing.Hash{
		12: plumbing.ComputeHash(plumbing.BlobObject, base),
		60: plumbing.ComputeHash(plumbing.BlobObject, target),
	}

	for i := range idx.hashes {
		offset := idx.offsetOf(t, i)
		assert.Equal(t, wantByOffset[offset], idx.hashes[i])

		// Each id lands in the fanout row of its first byte.
		first := idx.hashes[i][0]
		var before uint32
		if first > 0 {
			before = idx.fanout[first-1]
		}
		assert.Less(t, before, idx.fanout[first])
	}
}

func TestWriteDeltaChainDepth(t *testing.T) {
	t.Parallel()

	b1 := []byte("first base content")
	d1 := []byte("first delta content")
	d2 := []byte("second delta content")
	b2 := []byte("second base content")

	outcome, b := writeIndex(t, newIter(
		makeBase(12, plumbing.BlobObject, b1, 1),
		makeDelta(60, 12, deltaInsert(b1, d1), 2),
		makeDelta(120, 60, deltaInsert(d1, d2), 3),
		makeBase(200, plumbing.TreeObject, b2, 4),
	))

	assert.Equal(t, uint32(4), outcome.NumObjects)

	idx := decodeIdx(t, b)
	require.Len(t, idx.hashes, 4)

	wantByOffset := map[uint64]plumbing.Hash{
		12:  plumbing.ComputeHash(plumbing.BlobObject, b1),
		60:  plumbing.ComputeHash(plumbing.BlobObject, d1),
		120: plumbing.ComputeHash(plumbing.BlobObject, d2),
		200: plumbing.ComputeHash(plumbing.TreeObject, b2),
	}

	seen := map[uint64]bool{}
	for i := range idx.hashes {
		offset := idx.offsetOf(t, i)
		assert.Equal(t, wantByOffset[offset], idx.hashes[i])
		seen[offset] = true
	}
	assert.Len(t, seen, 4)
}

func TestWriteRefDeltaRejected(t *testing.T) {
	t.Parallel()

	e := makeBase(60, plumbing.REFDeltaObject, []byte("delta"), 2)
	e.Reference = plumbing.NewHash("ce013625030ba8dba906f756967f9e9ca394464a")

	_, err := idxfile.Write(idxfile.VersionSupported, idxfile.InMemoryMode(), newIter(
		makeBase(12, plumbing.BlobObject, []byte("hello"), 1),
		e,
	), io.Discard)
	assert.ErrorIs(t, err, idxfile.ErrRefDelta)
}

func TestWriteNonIncreasingOffsets(t *testing.T) {
	t.Parallel()

	_, err := idxfile.Write(idxfile.VersionSupported, idxfile.InMemoryMode(), newIter(
		makeBase(100, plumbing.BlobObject, []byte("a"), 1),
		makeBase(40, plumbing.BlobObject, []byte("b"), 2),
	), io.Discard)
	assert.ErrorIs(t, err, idxfile.ErrOffsetsNotIncreasing)
	assert.ErrorContains(t, err, "40")
	assert.ErrorContains(t, err, "100")
}

func TestWriteBaseNotFound(t *testing.T) {
	t.Parallel()

	_, err := idxfile.Write(idxfile.VersionSupported, idxfile.InMemoryMode(), newIter(
		makeBase(12, plumbing.BlobObject, []byte("hello"), 1),
		makeDelta(60, 40, deltaInsert(nil, nil), 2),
	), io.Discard)
	assert.ErrorIs(t, err, idxfile.ErrBaseNotFound)
}

func TestWriteForwardBaseReference(t *testing.T) {
	t.Parallel()

	// A delta may never reference an offset at or past its own.
	_, err := idxfile.Write(idxfile.VersionSupported, idxfile.InMemoryMode(), newIter(
		makeBase(12, plumbing.BlobObject, []byte("hello"), 1),
		makeDelta(60, 60, deltaInsert(nil, nil), 2),
	), io.Discard)
	assert.ErrorIs(t, err, idxfile.ErrBaseNotFound)
}

func TestWriteMissingTrailer(t *testing.T) {
	t.Parallel()

	iter := &sliceIter{entries: []*packfile.Entry{
		makeBase(12, plumbing.BlobObject, []byte("hello"), 1),
	}}

	_, err := idxfile.Write(idxfile.VersionSupported, idxfile.InMemoryMode(), iter, io.Discard)
	assert.ErrorIs(t, err, idxfile.ErrMissingTrailer)
}

func bigEntrySet() []*packfile.Entry {
	// Large enough to cross the parallelism threshold.
	var entries []*packfile.Entry
	offset := int64(12)

	for i := 0; i < 8; i++ {
		content := bytes.Repeat([]byte{byte('a' + i)}, 1<<20)
		base := makeBase(offset, plumbing.BlobObject, content, uint32(i))
		entries = append(entries, base)
		baseOffset := offset
		offset += 1 << 12

		target := append(bytes.Repeat([]byte{byte('A' + i)}, 512), content[:1024]...)
		entries = append(entries, makeDelta(offset, baseOffset, deltaInsert(content, target), uint32(100+i)))
		offset += 1 << 12
	}

	return entries
}

func TestWriteThreadLimitDeterminism(t *testing.T) {
	t.Parallel()

	_, sequential := writeIndex(t, newIter(bigEntrySet()...), idxfile.WithThreadLimit(1))
	_, parallel := writeIndex(t, newIter(bigEntrySet()...), idxfile.WithThreadLimit(8))

	assert.Equal(t, sequential, parallel)
}

func TestWriteOnDemandMatchesInMemory(t *testing.T) {
	t.Parallel()

	build := func() []*packfile.Entry {
		base := []byte("hello")
		target := []byte("hello world")
		return []*packfile.Entry{
			makeBase(12, plumbing.BlobObject, base, 10),
			makeDelta(60, 12, deltaInsert(base, target), 20),
			makeBase(200, plumbing.CommitObject, []byte("tree 3\n"), 30),
		}
	}

	_, inMemory := writeIndex(t, newIter(build()...))

	payloads := map[int64][]byte{}
	for _, e := range build() {
		payloads[e.Offset] = e.Decompressed
	}

	stripped := build()
	for _, e := range stripped {
		e.Compressed = nil
		e.Decompressed = nil
	}

	mode := idxfile.OnDemandMode(func(ctx idxfile.ResolveContext, buf *bytes.Buffer) bool {
		data, ok := payloads[ctx.Offset]
		if !ok {
			return false
		}
		buf.Write(data)
		return true
	})

	var buf bytes.Buffer
	_, err := idxfile.Write(idxfile.VersionSupported, mode, newIter(stripped...), &buf)
	require.NoError(t, err)

	assert.Equal(t, inMemory, buf.Bytes())
}

func TestWriteOnDemandRestoreFailure(t *testing.T) {
	t.Parallel()

	mode := idxfile.OnDemandMode(func(ctx idxfile.ResolveContext, buf *bytes.Buffer) bool {
		return false
	})

	_, err := idxfile.Write(idxfile.VersionSupported, mode, newIter(
		makeBase(12, plumbing.BlobObject, []byte("hello"), 1),
	), io.Discard)
	assert.ErrorIs(t, err, idxfile.ErrEntryRestore)
}

// testObserver records every callback it receives.
type testObserver struct {
	count    uint32
	headers  int
	contents []plumbing.Hash
	footer   plumbing.Hash
}

func (o *testObserver) OnHeader(count uint32) error {
	o.count = count
	return nil
}

func (o *testObserver) OnInflatedObjectHeader(t plumbing.ObjectType, objSize, pos int64) error {
	o.headers++
	return nil
}

func (o *testObserver) OnInflatedObjectContent(h plumbing.Hash, pos int64, crc uint32, content []byte) error {
	o.contents = append(o.contents, h)
	return nil
}

func (o *testObserver) OnFooter(h plumbing.Hash) error {
	o.footer = h
	return nil
}

func TestWriteObserver(t *testing.T) {
	t.Parallel()

	base := []byte("hello")
	target := []byte("hello world")

	obs := new(testObserver)
	outcome, _ := writeIndex(t, newIter(
		makeBase(12, plumbing.BlobObject, base, 10),
		makeDelta(60, 12, deltaInsert(base, target), 20),
	), idxfile.WithObserver(obs))

	assert.Equal(t, uint32(2), obs.count)
	assert.Equal(t, 2, obs.headers)
	assert.Len(t, obs.contents, 2)
	assert.Equal(t, outcome.PackHash, obs.footer)
}
