// Package archive reads and writes jar archives deterministically.
//
// Output archives contain no directory entries, use a fixed modification
// time and order entries as META-INF/MANIFEST.MF first, then lexicographic
// by name. Identical entry sets therefore produce identical bytes.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ManifestPath is the location of the jar manifest.
const ManifestPath = "META-INF/MANIFEST.MF"

// FixedTime is stamped on every written entry.
var FixedTime = time.Date(1980, time.February, 1, 0, 0, 0, 0, time.UTC)

// Entry is a single archive member.
type Entry struct {
	Name string
	Data []byte
}

// Read loads every file entry of a zip/jar archive in archive order.
// Directory entries are dropped.
func Read(path string) ([]Entry, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer zr.Close()

	out := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s!%s: %w", path, f.Name, err)
		}
		out = append(out, Entry{Name: f.Name, Data: data})
	}
	return out, nil
}

// ReadEntry loads a single named entry. It returns fs.ErrNotExist when the
// archive has no such entry.
func ReadEntry(path, name string) ([]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name == name {
			return readZipFile(f)
		}
	}
	return nil, fmt.Errorf("%s!%s: %w", path, name, fs.ErrNotExist)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ReadDir loads every regular file under root as entries named by their
// slash-separated path relative to root, sorted by name.
func ReadDir(root string) ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, Entry{Name: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Sort orders entries the way Write emits them.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Name, entries[j].Name
		if (a == ManifestPath) != (b == ManifestPath) {
			return a == ManifestPath
		}
		return a < b
	})
}

// Encode serializes entries into zip bytes. Duplicate names are rejected.
func Encode(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	Sort(sorted)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, e := range sorted {
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("duplicate entry %q", e.Name)
		}
		hdr := &zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Deflate,
			Modified: FixedTime,
		}
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("create entry %q: %w", e.Name, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			return nil, fmt.Errorf("write entry %q: %w", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write encodes entries and atomically replaces path with the result.
func Write(path string, entries []Entry) error {
	data, err := Encode(entries)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never observe a partial file. Missing parent
// directories are created.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Find returns the entry with the given name.
func Find(entries []Entry, name string) (Entry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Replace returns entries with name set to data, appending it if absent.
func Replace(entries []Entry, name string, data []byte) []Entry {
	out := make([]Entry, 0, len(entries)+1)
	found := false
	for _, e := range entries {
		if e.Name == name {
			out = append(out, Entry{Name: name, Data: data})
			found = true
			continue
		}
		out = append(out, e)
	}
	if !found {
		out = append(out, Entry{Name: name, Data: data})
	}
	return out
}
