package main

import (
	"bytes"
	"crypto"
	"io"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-git/go-packidx/plumbing/format/idxfile"
	gogithash "github.com/go-git/go-packidx/plumbing/hash"
	"github.com/go-git/go-packidx/utils/binary"
	gogitsync "github.com/go-git/go-packidx/utils/sync"
)

// buildTestPack returns a valid single-blob pack.
func buildTestPack(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	h := gogithash.New(crypto.SHA1)
	mw := io.MultiWriter(&buf, h)

	_, err := mw.Write([]byte("PACK"))
	require.NoError(t, err)
	require.NoError(t, binary.Write(mw, uint32(2), uint32(1)))

	content := []byte("hello\n")

	// Blob type with a size that fits the first header byte.
	_, err = mw.Write([]byte{0x30 | byte(len(content))})
	require.NoError(t, err)

	zw := gogitsync.GetZlibWriter(mw)
	_, err = zw.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	gogitsync.PutZlibWriter(zw)

	buf.Write(h.Sum(nil))
	return buf.Bytes()
}

func TestRunIndex(t *testing.T) {
	t.Parallel()

	for _, lowMemory := range []bool{false, true} {
		fs := memfs.New()
		require.NoError(t, util.WriteFile(fs, "test.pack", buildTestPack(t), 0o644))

		var stdout bytes.Buffer
		require.NoError(t, runIndex(fs, "test.pack", "test.idx", 0, lowMemory, &stdout))

		assert.Contains(t, stdout.String(), "objects\t1")

		idx, err := fs.Open("test.idx")
		require.NoError(t, err)

		b, err := io.ReadAll(idx)
		require.NoError(t, err)
		require.NoError(t, idx.Close())

		assert.Equal(t, []byte{255, 't', 'O', 'c'}, b[:4])

		version, err := binary.ReadUint32(bytes.NewReader(b[4:8]))
		require.NoError(t, err)
		assert.Equal(t, uint32(idxfile.VersionSupported), version)

		// fanout[255] holds the object count.
		count, err := binary.ReadUint32(bytes.NewReader(b[8+255*4 : 8+256*4]))
		require.NoError(t, err)
		assert.Equal(t, uint32(1), count)
	}
}

func TestRunIndexMissingPack(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	err := runIndex(fs, "missing.pack", "missing.idx", 0, false, io.Discard)
	assert.Error(t, err)
}
