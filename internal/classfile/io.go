package classfile

import (
	"encoding/binary"
	"io"
)

// reader is a big-endian cursor with a sticky error.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (r *reader) u1() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u2() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u4() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

type writer struct {
	b []byte
}

func (w *writer) u1(v uint8) { w.b = append(w.b, v) }

func (w *writer) u2(v uint16) { w.b = binary.BigEndian.AppendUint16(w.b, v) }

func (w *writer) u4(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }

func (w *writer) raw(v []byte) { w.b = append(w.b, v...) }
