package classfile

import (
	"fmt"
)

// Tag identifies the kind of a constant-pool entry.
type Tag uint8

const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
	TagMethodHandle       Tag = 15
	TagMethodType         Tag = 16
	TagDynamic            Tag = 17
	TagInvokeDynamic      Tag = 18
	TagModule             Tag = 19
	TagPackage            Tag = 20
)

// Constant is a single constant-pool entry.
//
// Utf8 entries carry their raw (modified UTF-8) bytes in Utf8. Reference
// entries carry their one or two indices in Ref1/Ref2. Numeric entries keep
// their big-endian payload in Raw. MethodHandle stores its reference kind in
// Kind and the referenced entry in Ref1.
type Constant struct {
	Tag  Tag
	Utf8 string
	Ref1 uint16
	Ref2 uint16
	Kind uint8
	Raw  []byte
}

// ConstantPool holds entries at their class-file indices. Index 0 and the
// second slot of every Long/Double are nil.
type ConstantPool struct {
	entries []*Constant
}

// Len returns the constant_pool_count value (highest index + 1).
func (p *ConstantPool) Len() int { return len(p.entries) }

// At returns the entry at index i, or nil for unusable slots.
func (p *ConstantPool) At(i uint16) *Constant {
	if int(i) >= len(p.entries) {
		return nil
	}
	return p.entries[i]
}

// Utf8 returns the string stored at index i.
func (p *ConstantPool) Utf8(i uint16) (string, error) {
	c := p.At(i)
	if c == nil || c.Tag != TagUtf8 {
		return "", fmt.Errorf("constant #%d is not Utf8", i)
	}
	return c.Utf8, nil
}

// ClassName resolves a CONSTANT_Class entry to its internal name.
func (p *ConstantPool) ClassName(i uint16) (string, error) {
	c := p.At(i)
	if c == nil || c.Tag != TagClass {
		return "", fmt.Errorf("constant #%d is not Class", i)
	}
	return p.Utf8(c.Ref1)
}

// MemberRef is a resolved Fieldref, Methodref or InterfaceMethodref.
type MemberRef struct {
	Owner      string
	Name       string
	Descriptor string
}

func (m MemberRef) String() string {
	return m.Owner + "." + m.Name + m.Descriptor
}

// Member resolves a field or method reference entry.
func (p *ConstantPool) Member(i uint16) (MemberRef, error) {
	c := p.At(i)
	if c == nil {
		return MemberRef{}, fmt.Errorf("constant #%d is empty", i)
	}
	switch c.Tag {
	case TagFieldref, TagMethodref, TagInterfaceMethodref:
	default:
		return MemberRef{}, fmt.Errorf("constant #%d is not a member reference", i)
	}
	owner, err := p.ClassName(c.Ref1)
	if err != nil {
		return MemberRef{}, err
	}
	nat := p.At(c.Ref2)
	if nat == nil || nat.Tag != TagNameAndType {
		return MemberRef{}, fmt.Errorf("constant #%d is not NameAndType", c.Ref2)
	}
	name, err := p.Utf8(nat.Ref1)
	if err != nil {
		return MemberRef{}, err
	}
	desc, err := p.Utf8(nat.Ref2)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Owner: owner, Name: name, Descriptor: desc}, nil
}

func readPool(r *reader) (*ConstantPool, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	if count == 0 {
		return nil, fmt.Errorf("constant pool count is zero")
	}
	p := &ConstantPool{entries: make([]*Constant, count)}
	for i := 1; i < count; i++ {
		tag := Tag(r.u1())
		c := &Constant{Tag: tag}
		switch tag {
		case TagUtf8:
			n := int(r.u2())
			c.Utf8 = string(r.bytes(n))
		case TagInteger, TagFloat:
			c.Raw = append([]byte(nil), r.bytes(4)...)
		case TagLong, TagDouble:
			c.Raw = append([]byte(nil), r.bytes(8)...)
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			c.Ref1 = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			c.Ref1 = r.u2()
			c.Ref2 = r.u2()
		case TagMethodHandle:
			c.Kind = r.u1()
			c.Ref1 = r.u2()
		default:
			if r.err != nil {
				return nil, r.err
			}
			return nil, fmt.Errorf("constant #%d: unknown tag %d", i, tag)
		}
		if r.err != nil {
			return nil, fmt.Errorf("constant #%d: %w", i, r.err)
		}
		p.entries[i] = c
		if tag == TagLong || tag == TagDouble {
			i++
		}
	}
	return p, nil
}

func writePool(w *writer, p *ConstantPool) error {
	w.u2(uint16(len(p.entries)))
	for i := 1; i < len(p.entries); i++ {
		c := p.entries[i]
		if c == nil {
			continue
		}
		w.u1(uint8(c.Tag))
		switch c.Tag {
		case TagUtf8:
			if len(c.Utf8) > 0xFFFF {
				return fmt.Errorf("constant #%d: Utf8 too long (%d bytes)", i, len(c.Utf8))
			}
			w.u2(uint16(len(c.Utf8)))
			w.raw([]byte(c.Utf8))
		case TagInteger, TagFloat, TagLong, TagDouble:
			w.raw(c.Raw)
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			w.u2(c.Ref1)
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			w.u2(c.Ref1)
			w.u2(c.Ref2)
		case TagMethodHandle:
			w.u1(c.Kind)
			w.u2(c.Ref1)
		}
	}
	return nil
}
