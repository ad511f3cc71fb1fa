package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

// fieldHasher writes length-prefixed fields so that adjacent values can
// never be confused.
type fieldHasher struct{ h hash.Hash }

func newFieldHasher() *fieldHasher { return &fieldHasher{h: sha256.New()} }

func (f *fieldHasher) field(data []byte) {
	f.h.Write(binary.BigEndian.AppendUint64(nil, uint64(len(data))))
	f.h.Write(data)
}

func (f *fieldHasher) int(v int) {
	f.field(binary.BigEndian.AppendUint64(nil, uint64(v)))
}

func (f *fieldHasher) hex() string { return hex.EncodeToString(f.h.Sum(nil)) }

// computeTaskDefHash hashes a task's inputs (as a set) and definition.
func computeTaskDefHash(inputs []string, definition string) TaskDefHash {
	f := newFieldHasher()
	sorted := append([]string(nil), inputs...)
	sort.Strings(sorted)
	f.int(len(sorted))
	for _, in := range sorted {
		f.field([]byte(in))
	}
	f.field([]byte(definition))
	return TaskDefHash(f.hex())
}
