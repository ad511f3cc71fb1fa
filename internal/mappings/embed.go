package mappings

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"paperpack/internal/archive"
	"paperpack/internal/classfile"
)

// DefaultDest is where the mapping table is stored inside the artifact.
const DefaultDest = "META-INF/mappings/reobf.tiny"

// Load parses the Tiny v2 file at path.
func Load(path string) (*Mappings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// Embed copies the archive in to out, adding the mapping file at dest. The
// mapping file must parse.
func Embed(in, out, mappingsPath, dest string) error {
	if dest == "" {
		dest = DefaultDest
	}
	data, err := os.ReadFile(mappingsPath)
	if err != nil {
		return fmt.Errorf("read mappings: %w", err)
	}
	if _, err := Parse(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse %s: %w", mappingsPath, err)
	}
	entries, err := archive.Read(in)
	if err != nil {
		return err
	}
	return archive.Write(out, archive.Replace(entries, dest, data))
}

// classMapper renames classes through a lookup table. Nested classes that
// are not listed follow their outer class.
type classMapper map[string]string

func (m classMapper) MapClass(name string) (string, bool) {
	if mapped, ok := m[name]; ok {
		return mapped, true
	}
	if i := strings.LastIndexByte(name, '$'); i > 0 {
		if outer, ok := m.MapClass(name[:i]); ok {
			return outer + name[i:], true
		}
	}
	return name, false
}

// Mapper returns a classfile.Mapper renaming classes from one namespace to
// another.
func (m *Mappings) Mapper(from, to string) (classfile.Mapper, error) {
	cm, err := m.ClassMap(from, to)
	if err != nil {
		return nil, err
	}
	return classMapper(cm), nil
}

// Reobf remaps class references and class entry paths of entries from
// namespace from to namespace to. Member names are not remapped. It returns
// the number of rewritten classes.
func Reobf(ctx context.Context, entries []archive.Entry, m *Mappings, from, to string) ([]archive.Entry, int, error) {
	mapper, err := m.Mapper(from, to)
	if err != nil {
		return nil, 0, err
	}
	out := make([]archive.Entry, 0, len(entries))
	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if !strings.HasSuffix(e.Name, ".class") || strings.HasSuffix(e.Name, "module-info.class") {
			out = append(out, e)
			continue
		}
		data, changed, err := classfile.Remap(e.Data, mapper)
		if err != nil {
			return nil, 0, fmt.Errorf("remap %s: %w", e.Name, err)
		}
		name, _ := classfile.MapPath(e.Name, mapper)
		if changed || name != e.Name {
			n++
		}
		out = append(out, archive.Entry{Name: name, Data: data})
	}
	return out, n, nil
}

// ReobfJar applies Reobf to the archive in and writes the result to out.
func ReobfJar(ctx context.Context, in, out string, m *Mappings, from, to string) (int, error) {
	entries, err := archive.Read(in)
	if err != nil {
		return 0, err
	}
	remapped, n, err := Reobf(ctx, entries, m, from, to)
	if err != nil {
		return 0, err
	}
	return n, archive.Write(out, remapped)
}
