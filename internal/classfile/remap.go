package classfile

import (
	"strings"
)

// Mapper maps an internal class name (slash separated) to its new name.
// It returns ok=false when the name is left unchanged.
type Mapper interface {
	MapClass(internalName string) (mapped string, ok bool)
}

// MapperFunc adapts a function to Mapper.
type MapperFunc func(string) (string, bool)

func (f MapperFunc) MapClass(name string) (string, bool) { return f(name) }

// Remap rewrites every class reference in b through m. It returns the new
// class bytes and whether anything changed. Unchanged classes are returned
// as the original slice.
//
// Utf8 constants are rewritten wherever an internal name appears at a
// reference boundary: the whole constant (CONSTANT_Class names) or an
// L...; segment of a descriptor or generic signature. Constants used as
// string literals are additionally matched as a whole against dotted class
// names and slash resource paths.
func Remap(b []byte, m Mapper) ([]byte, bool, error) {
	cf, err := Parse(b)
	if err != nil {
		return nil, false, err
	}

	literal := make(map[uint16]bool)
	for i := 1; i < cf.Pool.Len(); i++ {
		if c := cf.Pool.At(uint16(i)); c != nil && c.Tag == TagString {
			literal[c.Ref1] = true
		}
	}

	changed := false
	for i := 1; i < cf.Pool.Len(); i++ {
		c := cf.Pool.At(uint16(i))
		if c == nil || c.Tag != TagUtf8 {
			continue
		}
		s := c.Utf8
		if literal[uint16(i)] {
			if mapped, ok := MapLiteral(s, m); ok {
				s = mapped
			}
		}
		if mapped, ok := MapDescriptor(s, m); ok {
			s = mapped
		}
		if s != c.Utf8 {
			c.Utf8 = s
			changed = true
		}
	}
	if !changed {
		return b, false, nil
	}
	out, err := cf.Bytes()
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// MapLiteral maps a string literal that is, as a whole, a dotted class
// name or a slash-separated path.
func MapLiteral(s string, m Mapper) (string, bool) {
	if s == "" || strings.ContainsAny(s, " \t\n;()<>") {
		return s, false
	}
	if strings.Contains(s, "/") {
		return MapPath(s, m)
	}
	if !strings.Contains(s, ".") {
		return s, false
	}
	mapped, ok := m.MapClass(strings.ReplaceAll(s, ".", "/"))
	if !ok {
		return s, false
	}
	return strings.ReplaceAll(mapped, "/", "."), true
}

// MapPath maps a resource path. Class entries (".class") are mapped as the
// class they hold; other resources are mapped through their directory as a
// pseudo class so that package-relative resources follow their package.
func MapPath(p string, m Mapper) (string, bool) {
	if strings.HasSuffix(p, ".class") {
		mapped, ok := m.MapClass(strings.TrimSuffix(p, ".class"))
		if !ok {
			return p, false
		}
		return mapped + ".class", true
	}
	if mapped, ok := m.MapClass(p); ok {
		return mapped, true
	}
	return p, false
}

// MapDescriptor rewrites internal names found at reference boundaries of s.
func MapDescriptor(s string, m Mapper) (string, bool) {
	if s == "" {
		return s, false
	}
	if isInternalName(s) {
		return m.MapClass(s)
	}

	var sb strings.Builder
	changed := false
	last := 0
	for i := 0; i < len(s); i++ {
		if s[i] != 'L' || !referenceBoundary(s, i) {
			continue
		}
		start := i + 1
		end := start
		for end < len(s) && !strings.ContainsRune(";<.", rune(s[end])) {
			end++
		}
		if end >= len(s) || end == start {
			continue
		}
		name := s[start:end]
		if !isInternalName(name) {
			continue
		}
		mapped, ok := m.MapClass(name)
		if !ok || mapped == name {
			continue
		}
		sb.WriteString(s[last:start])
		sb.WriteString(mapped)
		last = end
		changed = true
		i = end - 1
	}
	if !changed {
		return s, false
	}
	sb.WriteString(s[last:])
	return sb.String(), true
}

// referenceBoundary reports whether the 'L' at i opens a class type.
func referenceBoundary(s string, i int) bool {
	if i == 0 {
		return true
	}
	return strings.IndexByte("([;)<>:^*+-", s[i-1]) >= 0
}

// isInternalName reports whether s looks like a bare internal class name:
// at least one package separator and only identifier characters.
func isInternalName(s string) bool {
	if !strings.Contains(s, "/") || strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '/' || c == '$' || c == '_' || c == '-':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c >= 0x80:
		default:
			return false
		}
	}
	return !strings.Contains(s, "//")
}
