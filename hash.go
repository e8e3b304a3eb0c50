// Checksum algorithms for chunks written to the file.
//
// Headers are always checksummed with xxHash3 so they can be validated
// before the file's algorithm is known. Document records and tree nodes use
// the algorithm recorded in the header, selectable via Config.Checksum when
// the file is created.
package couchfile

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Checksum algorithm constants.
const (
	AlgXXHash3 = 1 // Default, fastest
	AlgFNV1a   = 2 // No external dependencies
	AlgBlake2b = 3 // Best distribution
)

// validAlg reports whether alg names a supported algorithm.
func validAlg(alg int) bool {
	return alg >= AlgXXHash3 && alg <= AlgBlake2b
}

// checksum computes a 64-bit checksum of the given byte slices, in order,
// using the specified algorithm. Unknown algorithms return 0, which never
// matches a stored value written by a supported algorithm in practice and
// is rejected earlier by validAlg.
func checksum(alg int, parts ...[]byte) uint64 {
	switch alg {
	case AlgXXHash3:
		h := xxh3.New()
		for _, p := range parts {
			h.Write(p)
		}
		return h.Sum64()
	case AlgFNV1a:
		h := fnv.New64a()
		for _, p := range parts {
			h.Write(p)
		}
		return h.Sum64()
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		for _, p := range parts {
			h.Write(p)
		}
		return binary.BigEndian.Uint64(h.Sum(nil))
	default:
		return 0
	}
}
