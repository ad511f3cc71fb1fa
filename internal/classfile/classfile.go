package classfile

import (
	"errors"
	"fmt"
)

// Magic is the class file signature.
const Magic = 0xCAFEBABE

var ErrNotClass = errors.New("not a class file")

// Attribute is an undecoded attribute_info.
type Attribute struct {
	NameIndex uint16
	Data      []byte
}

// Member is a field_info or method_info.
type Member struct {
	Access     uint16
	NameIndex  uint16
	DescIndex  uint16
	Attributes []Attribute
}

// ClassFile is a parsed class with a decoded constant pool.
type ClassFile struct {
	Minor      uint16
	Major      uint16
	Pool       *ConstantPool
	Access     uint16
	ThisClass  uint16
	SuperClass uint16
	Interfaces []uint16
	Fields     []Member
	Methods    []Member
	Attributes []Attribute
}

// Parse decodes a class file.
func Parse(b []byte) (*ClassFile, error) {
	r := &reader{b: b}
	if r.u4() != Magic {
		return nil, ErrNotClass
	}
	cf := &ClassFile{}
	cf.Minor = r.u2()
	cf.Major = r.u2()
	if r.err != nil {
		return nil, r.err
	}

	pool, err := readPool(r)
	if err != nil {
		return nil, fmt.Errorf("constant pool: %w", err)
	}
	cf.Pool = pool

	cf.Access = r.u2()
	cf.ThisClass = r.u2()
	cf.SuperClass = r.u2()
	n := int(r.u2())
	cf.Interfaces = make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		cf.Interfaces = append(cf.Interfaces, r.u2())
	}
	cf.Fields = readMembers(r)
	cf.Methods = readMembers(r)
	cf.Attributes = readAttributes(r)
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(b) {
		return nil, fmt.Errorf("%d trailing bytes after class body", len(b)-r.off)
	}
	return cf, nil
}

func readMembers(r *reader) []Member {
	n := int(r.u2())
	out := make([]Member, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m := Member{Access: r.u2(), NameIndex: r.u2(), DescIndex: r.u2()}
		m.Attributes = readAttributes(r)
		out = append(out, m)
	}
	return out
}

func readAttributes(r *reader) []Attribute {
	n := int(r.u2())
	out := make([]Attribute, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		name := r.u2()
		length := int(r.u4())
		data := r.bytes(length)
		out = append(out, Attribute{NameIndex: name, Data: append([]byte(nil), data...)})
	}
	return out
}

// Bytes encodes the class file.
func (cf *ClassFile) Bytes() ([]byte, error) {
	w := &writer{}
	w.u4(Magic)
	w.u2(cf.Minor)
	w.u2(cf.Major)
	if err := writePool(w, cf.Pool); err != nil {
		return nil, err
	}
	w.u2(cf.Access)
	w.u2(cf.ThisClass)
	w.u2(cf.SuperClass)
	w.u2(uint16(len(cf.Interfaces)))
	for _, i := range cf.Interfaces {
		w.u2(i)
	}
	writeMembers(w, cf.Fields)
	writeMembers(w, cf.Methods)
	writeAttributes(w, cf.Attributes)
	return w.b, nil
}

func writeMembers(w *writer, ms []Member) {
	w.u2(uint16(len(ms)))
	for _, m := range ms {
		w.u2(m.Access)
		w.u2(m.NameIndex)
		w.u2(m.DescIndex)
		writeAttributes(w, m.Attributes)
	}
}

func writeAttributes(w *writer, as []Attribute) {
	w.u2(uint16(len(as)))
	for _, a := range as {
		w.u2(a.NameIndex)
		w.u4(uint32(len(a.Data)))
		w.raw(a.Data)
	}
}

// Name returns the internal name of this class.
func (cf *ClassFile) Name() (string, error) {
	return cf.Pool.ClassName(cf.ThisClass)
}

// SuperName returns the internal name of the superclass, or "" for
// java/lang/Object and module-info.
func (cf *ClassFile) SuperName() (string, error) {
	if cf.SuperClass == 0 {
		return "", nil
	}
	return cf.Pool.ClassName(cf.SuperClass)
}

// MemberName returns the name and descriptor of a field or method.
func (cf *ClassFile) MemberName(m Member) (name, desc string, err error) {
	if name, err = cf.Pool.Utf8(m.NameIndex); err != nil {
		return "", "", err
	}
	if desc, err = cf.Pool.Utf8(m.DescIndex); err != nil {
		return "", "", err
	}
	return name, desc, nil
}

// Attribute returns the first attribute with the given name.
func (cf *ClassFile) Attribute(as []Attribute, name string) (Attribute, bool) {
	for _, a := range as {
		if n, err := cf.Pool.Utf8(a.NameIndex); err == nil && n == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// NameOf reads just the internal class name from raw class bytes.
func NameOf(b []byte) (string, error) {
	cf, err := Parse(b)
	if err != nil {
		return "", err
	}
	return cf.Name()
}
