package classfile

import (
	"fmt"
)

const (
	attrVisibleAnnotations   = "RuntimeVisibleAnnotations"
	attrInvisibleAnnotations = "RuntimeInvisibleAnnotations"
)

// Annotations returns the type descriptors of every runtime-visible and
// runtime-invisible annotation on the given attribute list, in
// declaration order (visible first).
func (cf *ClassFile) Annotations(as []Attribute) ([]string, error) {
	var out []string
	for _, name := range []string{attrVisibleAnnotations, attrInvisibleAnnotations} {
		for _, a := range as {
			n, err := cf.Pool.Utf8(a.NameIndex)
			if err != nil || n != name {
				continue
			}
			types, err := cf.annotationTypes(a.Data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out = append(out, types...)
		}
	}
	return out, nil
}

func (cf *ClassFile) annotationTypes(data []byte) ([]string, error) {
	r := &reader{b: data}
	n := int(r.u2())
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		typeIndex := r.u2()
		if r.err != nil {
			return nil, r.err
		}
		t, err := cf.Pool.Utf8(typeIndex)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		skipAnnotationBody(r)
	}
	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}

// skipAnnotationBody consumes element_value_pairs after type_index.
func skipAnnotationBody(r *reader) {
	pairs := int(r.u2())
	for i := 0; i < pairs && r.err == nil; i++ {
		r.u2() // element_name_index
		skipElementValue(r)
	}
}

func skipElementValue(r *reader) {
	tag := r.u1()
	switch tag {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 's', 'c':
		r.u2()
	case 'e':
		r.u2()
		r.u2()
	case '@':
		r.u2()
		skipAnnotationBody(r)
	case '[':
		n := int(r.u2())
		for i := 0; i < n && r.err == nil; i++ {
			skipElementValue(r)
		}
	default:
		if r.err == nil {
			r.err = fmt.Errorf("unknown element_value tag %q", tag)
		}
	}
}
