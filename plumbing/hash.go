package plumbing

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/go-git/go-packidx/plumbing/hash"
)

// Hash SHA1 hashed content
type Hash [hash.Size]byte

// ZeroHash is Hash with value zero
var ZeroHash Hash

// ComputeHash compute the hash for a given ObjectType and content
func ComputeHash(t ObjectType, content []byte) Hash {
	h := NewHasher(t, int64(len(content)))
	h.Write(content)
	return h.Sum()
}

// NewHash return a new Hash from a hexadecimal hash representation
func NewHash(s string) Hash {
	b, _ := hex.DecodeString(s)

	var h Hash
	copy(h[:], b)

	return h
}

// IsZero returns true if the hash is zero.
func (h Hash) IsZero() bool {
	var empty Hash
	return h == empty
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Compare compares the hash's sum with a slice of bytes.
func (h Hash) Compare(b []byte) int {
	return bytes.Compare(h[:], b)
}

// Hasher computes the hash of git objects, prefixing the content with
// the canonical "<type> <size>\x00" object header.
type Hasher struct {
	hash.Hash
}

// NewHasher returns a Hasher for the given object type and size.
func NewHasher(t ObjectType, size int64) Hasher {
	h := Hasher{hash.New(hash.CryptoType)}
	h.Reset(t, size)
	return h
}

// Reset resets the underlying hash and writes a new object header to it.
func (h Hasher) Reset(t ObjectType, size int64) {
	h.Hash.Reset()
	h.Write(t.Bytes())
	h.Write([]byte(" "))
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
}

// Sum returns the hash of the content written so far.
func (h Hasher) Sum() (hash Hash) {
	copy(hash[:], h.Hash.Sum(nil))
	return
}

// HashesSort sorts a slice of Hashes in increasing order.
func HashesSort(a []Hash) {
	sort.Sort(HashSlice(a))
}

// HashSlice attaches the methods of sort.Interface to []Hash, sorting in
// increasing order.
type HashSlice []Hash

func (p HashSlice) Len() int           { return len(p) }
func (p HashSlice) Less(i, j int) bool { return bytes.Compare(p[i][:], p[j][:]) < 0 }
func (p HashSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

// IsHash returns true if the given string is a valid hash.
func IsHash(s string) bool {
	if len(s) != hash.HexSize {
		return false
	}

	_, err := hex.DecodeString(s)
	return err == nil
}
