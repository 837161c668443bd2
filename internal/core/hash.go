package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// ParamsHash identifies a parameter combination independently of RngRun.
//
// Two results share a ParamsHash iff they were produced by the same
// combination; replications differ only in RngRun.
type ParamsHash string

// Hash computes the ParamsHash of p.
//
// Names are visited in sorted order and every field is length-prefixed, so
// the hash does not depend on map iteration order and "ab"+"c" cannot
// collide with "a"+"bc".
func (p Params) Hash() ParamsHash {
	h := sha256.New()
	names := p.Without(RngRunKey).Names()
	writeUint(h, uint64(len(names)))
	for _, k := range names {
		writeField(h, []byte(k))
		writeField(h, []byte(FormatValue(p[k])))
	}
	return ParamsHash(hex.EncodeToString(h.Sum(nil)))
}

func (h ParamsHash) String() string { return string(h) }

func writeField(h hash.Hash, data []byte) {
	writeUint(h, uint64(len(data)))
	h.Write(data)
}

func writeUint(h hash.Hash, n uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	h.Write(buf[:])
}
