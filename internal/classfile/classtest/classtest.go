// Package classtest assembles small but well-formed class files for tests.
package classtest

import (
	"encoding/binary"

	"paperpack/internal/classfile"
)

// Field is a field declaration.
type Field struct {
	Name       string
	Descriptor string
}

// Method is a method declaration whose body invokes Calls in order.
type Method struct {
	Name        string
	Descriptor  string
	Annotations []string
	Calls       []classfile.MemberRef
	// Prelude is raw bytecode emitted before the calls.
	Prelude []byte
}

// Class describes a class to assemble.
type Class struct {
	Name       string
	Super      string
	Interfaces []string
	Signature  string
	Strings    []string
	Fields     []Field
	Methods    []Method
}

type pool struct {
	b     []byte
	count uint16
	utf8  map[string]uint16
	keyed map[string]uint16
}

func newPool() *pool {
	return &pool{count: 1, utf8: map[string]uint16{}, keyed: map[string]uint16{}}
}

func (p *pool) add(entry []byte) uint16 {
	idx := p.count
	p.b = append(p.b, entry...)
	p.count++
	return idx
}

func (p *pool) Utf8(s string) uint16 {
	if i, ok := p.utf8[s]; ok {
		return i
	}
	e := []byte{byte(classfile.TagUtf8)}
	e = binary.BigEndian.AppendUint16(e, uint16(len(s)))
	e = append(e, s...)
	i := p.add(e)
	p.utf8[s] = i
	return i
}

func (p *pool) ref(tag classfile.Tag, key string, refs ...uint16) uint16 {
	k := string(rune(tag)) + key
	if i, ok := p.keyed[k]; ok {
		return i
	}
	e := []byte{byte(tag)}
	for _, r := range refs {
		e = binary.BigEndian.AppendUint16(e, r)
	}
	i := p.add(e)
	p.keyed[k] = i
	return i
}

func (p *pool) Class(name string) uint16 {
	return p.ref(classfile.TagClass, name, p.Utf8(name))
}

func (p *pool) String(s string) uint16 {
	return p.ref(classfile.TagString, s, p.Utf8(s))
}

func (p *pool) Methodref(m classfile.MemberRef) uint16 {
	owner := p.Class(m.Owner)
	nat := p.ref(classfile.TagNameAndType, m.Name+":"+m.Descriptor, p.Utf8(m.Name), p.Utf8(m.Descriptor))
	return p.ref(classfile.TagMethodref, m.String(), owner, nat)
}

func attribute(p *pool, name string, data []byte) []byte {
	out := binary.BigEndian.AppendUint16(nil, p.Utf8(name))
	out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
	return append(out, data...)
}

// Bytes assembles the class.
func (c Class) Bytes() []byte {
	p := newPool()
	this := p.Class(c.Name)
	super := uint16(0)
	if c.Super != "" {
		super = p.Class(c.Super)
	}
	var ifaces []uint16
	for _, i := range c.Interfaces {
		ifaces = append(ifaces, p.Class(i))
	}
	for _, s := range c.Strings {
		p.String(s)
	}

	var body []byte
	body = binary.BigEndian.AppendUint16(body, 0x0021) // public super
	body = binary.BigEndian.AppendUint16(body, this)
	body = binary.BigEndian.AppendUint16(body, super)
	body = binary.BigEndian.AppendUint16(body, uint16(len(ifaces)))
	for _, i := range ifaces {
		body = binary.BigEndian.AppendUint16(body, i)
	}

	body = binary.BigEndian.AppendUint16(body, uint16(len(c.Fields)))
	for _, f := range c.Fields {
		body = binary.BigEndian.AppendUint16(body, 0x0002)
		body = binary.BigEndian.AppendUint16(body, p.Utf8(f.Name))
		body = binary.BigEndian.AppendUint16(body, p.Utf8(f.Descriptor))
		body = binary.BigEndian.AppendUint16(body, 0)
	}

	body = binary.BigEndian.AppendUint16(body, uint16(len(c.Methods)))
	for _, m := range c.Methods {
		body = binary.BigEndian.AppendUint16(body, 0x0001)
		body = binary.BigEndian.AppendUint16(body, p.Utf8(m.Name))
		body = binary.BigEndian.AppendUint16(body, p.Utf8(m.Descriptor))

		var attrs [][]byte
		code := append([]byte(nil), m.Prelude...)
		for _, call := range m.Calls {
			code = append(code, classfile.OpInvokeVirtual)
			code = binary.BigEndian.AppendUint16(code, p.Methodref(call))
		}
		code = append(code, 0xb1) // return
		var ca []byte
		ca = binary.BigEndian.AppendUint16(ca, 8)
		ca = binary.BigEndian.AppendUint16(ca, 8)
		ca = binary.BigEndian.AppendUint32(ca, uint32(len(code)))
		ca = append(ca, code...)
		ca = binary.BigEndian.AppendUint16(ca, 0)
		ca = binary.BigEndian.AppendUint16(ca, 0)
		attrs = append(attrs, attribute(p, "Code", ca))

		if len(m.Annotations) > 0 {
			var ann []byte
			ann = binary.BigEndian.AppendUint16(ann, uint16(len(m.Annotations)))
			for _, a := range m.Annotations {
				ann = binary.BigEndian.AppendUint16(ann, p.Utf8(a))
				ann = binary.BigEndian.AppendUint16(ann, 0)
			}
			attrs = append(attrs, attribute(p, "RuntimeInvisibleAnnotations", ann))
		}

		body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
		for _, a := range attrs {
			body = append(body, a...)
		}
	}

	var classAttrs [][]byte
	if c.Signature != "" {
		classAttrs = append(classAttrs, attribute(p, "Signature", binary.BigEndian.AppendUint16(nil, p.Utf8(c.Signature))))
	}
	body = binary.BigEndian.AppendUint16(body, uint16(len(classAttrs)))
	for _, a := range classAttrs {
		body = append(body, a...)
	}

	var out []byte
	out = binary.BigEndian.AppendUint32(out, classfile.Magic)
	out = binary.BigEndian.AppendUint16(out, 0)
	out = binary.BigEndian.AppendUint16(out, 65)
	out = binary.BigEndian.AppendUint16(out, p.count)
	out = append(out, p.b...)
	return append(out, body...)
}
