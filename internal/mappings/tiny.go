// Package mappings reads Tiny v2 mapping files, embeds them into artifacts,
// remaps class names between namespaces and deobfuscates stack traces.
package mappings

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnknownNamespace is returned for a namespace the file does not have.
var ErrUnknownNamespace = errors.New("unknown namespace")

// Mappings is a parsed Tiny v2 file. Every name slice is indexed by
// namespace; descriptors are written in the first namespace.
type Mappings struct {
	Namespaces []string
	Classes    []Class
}

// Class is one "c" entry with its members.
type Class struct {
	Names   []string
	Methods []Member
	Fields  []Member
}

// Member is a method or field.
type Member struct {
	Descriptor string
	Names      []string
}

// Name returns the class name in namespace ns, falling back to the first
// namespace when unmapped.
func (c Class) Name(ns int) string { return pick(c.Names, ns) }

// Name returns the member name in namespace ns, falling back to the first
// namespace when unmapped.
func (m Member) Name(ns int) string { return pick(m.Names, ns) }

func pick(names []string, ns int) string {
	if ns < len(names) && names[ns] != "" {
		return names[ns]
	}
	return names[0]
}

// Namespace returns the column index of name.
func (m *Mappings) Namespace(name string) (int, error) {
	for i, ns := range m.Namespaces {
		if ns == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w %q (have %s)", ErrUnknownNamespace, name, strings.Join(m.Namespaces, ", "))
}

// Parse reads a Tiny v2 file. Parameter, local variable and comment lines
// are skipped.
func Parse(r io.Reader) (*Mappings, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty mappings file")
	}
	header := strings.Split(sc.Text(), "\t")
	if len(header) < 5 || header[0] != "tiny" || header[1] != "2" {
		return nil, fmt.Errorf("not a tiny v2 file: %q", sc.Text())
	}
	m := &Mappings{Namespaces: header[3:]}
	width := len(m.Namespaces)

	var cls *Class
	line := 1
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" {
			continue
		}
		depth := len(text) - len(strings.TrimLeft(text, "\t"))
		fields := strings.Split(text[depth:], "\t")
		switch {
		case depth == 0 && fields[0] == "c":
			if len(fields) != 1+width {
				return nil, fmt.Errorf("line %d: class entry has %d names, want %d", line, len(fields)-1, width)
			}
			m.Classes = append(m.Classes, Class{Names: fields[1:]})
			cls = &m.Classes[len(m.Classes)-1]
		case depth == 1 && (fields[0] == "m" || fields[0] == "f"):
			if cls == nil {
				return nil, fmt.Errorf("line %d: member outside class", line)
			}
			if len(fields) != 2+width {
				return nil, fmt.Errorf("line %d: member entry has %d names, want %d", line, len(fields)-2, width)
			}
			mem := Member{Descriptor: fields[1], Names: fields[2:]}
			if fields[0] == "m" {
				cls.Methods = append(cls.Methods, mem)
			} else {
				cls.Fields = append(cls.Fields, mem)
			}
		case depth == 0:
			return nil, fmt.Errorf("line %d: unknown entry %q", line, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// ClassMap returns the class renames from namespace from to namespace to,
// keyed by internal name. Identity entries are omitted.
func (m *Mappings) ClassMap(from, to string) (map[string]string, error) {
	fi, err := m.Namespace(from)
	if err != nil {
		return nil, err
	}
	ti, err := m.Namespace(to)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m.Classes))
	for _, c := range m.Classes {
		src, dst := c.Name(fi), c.Name(ti)
		if src != dst {
			out[src] = dst
		}
	}
	return out, nil
}
