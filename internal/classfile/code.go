package classfile

import (
	"encoding/binary"
	"fmt"
)

// Invoke opcodes.
const (
	OpInvokeVirtual   = 0xb6
	OpInvokeSpecial   = 0xb7
	OpInvokeStatic    = 0xb8
	OpInvokeInterface = 0xb9
	OpInvokeDynamic   = 0xba

	opTableSwitch  = 0xaa
	opLookupSwitch = 0xab
	opWide         = 0xc4
	opIinc         = 0x84
)

// Instruction is a decoded opcode position. Operand holds the first u2
// operand for opcodes that carry a constant-pool index.
type Instruction struct {
	PC      int
	Opcode  uint8
	Operand uint16
}

// Code returns the bytecode of a method's Code attribute, or nil for
// abstract and native methods.
func (cf *ClassFile) Code(m Member) ([]byte, error) {
	a, ok := cf.Attribute(m.Attributes, "Code")
	if !ok {
		return nil, nil
	}
	r := &reader{b: a.Data}
	r.u2() // max_stack
	r.u2() // max_locals
	n := int(r.u4())
	code := r.bytes(n)
	if r.err != nil {
		return nil, fmt.Errorf("Code attribute: %w", r.err)
	}
	return code, nil
}

// Walk visits every instruction in code in order. It stops at the first
// error returned by fn.
func Walk(code []byte, fn func(Instruction) error) error {
	pc := 0
	for pc < len(code) {
		op := code[pc]
		n, err := instructionLength(code, pc)
		if err != nil {
			return err
		}
		if pc+n > len(code) {
			return fmt.Errorf("pc %d: opcode 0x%02x truncated", pc, op)
		}
		ins := Instruction{PC: pc, Opcode: op}
		if carriesPoolIndex(op) {
			ins.Operand = binary.BigEndian.Uint16(code[pc+1:])
		}
		if err := fn(ins); err != nil {
			return err
		}
		pc += n
	}
	return nil
}

// IsInvoke reports whether op invokes a Methodref or InterfaceMethodref.
func IsInvoke(op uint8) bool {
	switch op {
	case OpInvokeVirtual, OpInvokeSpecial, OpInvokeStatic, OpInvokeInterface:
		return true
	}
	return false
}

func carriesPoolIndex(op uint8) bool {
	switch {
	case op == 0x13 || op == 0x14: // ldc_w, ldc2_w
		return true
	case op >= 0xb2 && op <= 0xbb: // field access, invokes, new
		return true
	case op == 0xbd || op == 0xc0 || op == 0xc1 || op == 0xc5:
		return true
	}
	return false
}

// instructionLength returns the total encoded size of the instruction at pc.
func instructionLength(code []byte, pc int) (int, error) {
	op := code[pc]
	switch {
	case op <= 0x0f:
		return 1, nil
	case op == 0x10: // bipush
		return 2, nil
	case op == 0x11: // sipush
		return 3, nil
	case op == 0x12: // ldc
		return 2, nil
	case op == 0x13 || op == 0x14:
		return 3, nil
	case op >= 0x15 && op <= 0x19: // xload
		return 2, nil
	case op >= 0x1a && op <= 0x35:
		return 1, nil
	case op >= 0x36 && op <= 0x3a: // xstore
		return 2, nil
	case op >= 0x3b && op <= 0x83:
		return 1, nil
	case op == opIinc:
		return 3, nil
	case op >= 0x85 && op <= 0x98:
		return 1, nil
	case op >= 0x99 && op <= 0xa8: // branches, goto, jsr
		return 3, nil
	case op == 0xa9: // ret
		return 2, nil
	case op == opTableSwitch:
		base := pc + 1 + padding(pc)
		if base+12 > len(code) {
			return 0, fmt.Errorf("pc %d: truncated tableswitch", pc)
		}
		low := int32(binary.BigEndian.Uint32(code[base+4:]))
		high := int32(binary.BigEndian.Uint32(code[base+8:]))
		if high < low {
			return 0, fmt.Errorf("pc %d: tableswitch high < low", pc)
		}
		n := int(int64(high) - int64(low) + 1)
		if n > (len(code)-base-12)/4 {
			return 0, fmt.Errorf("pc %d: tableswitch with %d offsets exceeds code", pc, n)
		}
		return 1 + padding(pc) + 12 + n*4, nil
	case op == opLookupSwitch:
		base := pc + 1 + padding(pc)
		if base+8 > len(code) {
			return 0, fmt.Errorf("pc %d: truncated lookupswitch", pc)
		}
		npairs := int32(binary.BigEndian.Uint32(code[base+4:]))
		if npairs < 0 {
			return 0, fmt.Errorf("pc %d: negative lookupswitch npairs", pc)
		}
		if int(npairs) > (len(code)-base-8)/8 {
			return 0, fmt.Errorf("pc %d: lookupswitch with %d pairs exceeds code", pc, npairs)
		}
		return 1 + padding(pc) + 8 + int(npairs)*8, nil
	case op >= 0xac && op <= 0xb1: // returns
		return 1, nil
	case op >= 0xb2 && op <= 0xb8:
		return 3, nil
	case op == OpInvokeInterface || op == OpInvokeDynamic:
		return 5, nil
	case op == 0xbb: // new
		return 3, nil
	case op == 0xbc: // newarray
		return 2, nil
	case op == 0xbd: // anewarray
		return 3, nil
	case op == 0xbe || op == 0xbf:
		return 1, nil
	case op == 0xc0 || op == 0xc1:
		return 3, nil
	case op == 0xc2 || op == 0xc3:
		return 1, nil
	case op == opWide:
		if pc+1 >= len(code) {
			return 0, fmt.Errorf("pc %d: truncated wide", pc)
		}
		if code[pc+1] == opIinc {
			return 6, nil
		}
		return 4, nil
	case op == 0xc5: // multianewarray
		return 4, nil
	case op == 0xc6 || op == 0xc7:
		return 3, nil
	case op == 0xc8 || op == 0xc9: // goto_w, jsr_w
		return 5, nil
	case op == 0xca || op == 0xfe || op == 0xff:
		return 1, nil
	}
	return 0, fmt.Errorf("pc %d: unknown opcode 0x%02x", pc, op)
}

// padding is the alignment gap after a switch opcode at pc.
func padding(pc int) int {
	return (4 - (pc+1)%4) % 4
}
