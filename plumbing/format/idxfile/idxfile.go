// Package idxfile implements the encoding of version 2 pack index (.idx)
// files, including building them from a stream of decoded pack entries.
package idxfile

import (
	"github.com/go-git/go-packidx/plumbing"
)

// Version is a pack index format version.
type Version uint32

const (
	// VersionSupported is the only idx version supported.
	VersionSupported Version = 2

	fanout = 256
)

var idxHeader = []byte{255, 't', 'O', 'c'}

// Idxfile represents an idx file in memory.
type Idxfile struct {
	Version          Version
	Fanout           [fanout]uint32
	Entries          []Entry
	PackfileChecksum plumbing.Hash
	IdxChecksum      plumbing.Hash
}

// Entry represents data about an object in the packfile: its hash,
// offset and CRC32 checksum. Entries are kept sorted by hash.
type Entry struct {
	Hash   plumbing.Hash
	CRC32  uint32
	Offset uint64
}

// calculateFanout fills the fanout table with the cumulative count of
// entries whose hash starts at or below each possible first byte.
func (idx *Idxfile) calculateFanout() {
	var fan [fanout]uint32
	for _, e := range idx.Entries {
		fan[e.Hash[0]]++
	}

	var c uint32
	for k, n := range fan {
		c += n
		fan[k] = c
	}

	idx.Fanout = fan
}
