package archive

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/opencontainers/go-digest"
)

// ComputeFingerprint hashes entry names and contents in name order,
// ignoring the manifest. Two archives with the same relocated content have
// the same fingerprint even when their build provenance differs.
//
// Every field is length-prefixed so that adjacent values cannot be
// reinterpreted across boundaries.
func ComputeFingerprint(entries []Entry) digest.Digest {
	d := digest.SHA256.Digester()
	h := d.Hash()

	sorted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Name == ManifestPath {
			continue
		}
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	writeField(h, binary.BigEndian.AppendUint64(nil, uint64(len(sorted))))
	for _, e := range sorted {
		writeField(h, []byte(e.Name))
		writeField(h, e.Data)
	}
	return d.Digest()
}

func writeField(w io.Writer, data []byte) {
	w.Write(binary.BigEndian.AppendUint64(nil, uint64(len(data))))
	w.Write(data)
}
