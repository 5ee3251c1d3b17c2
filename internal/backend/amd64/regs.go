// Package amd64 is the x86-64 backend: MIR lowering, LIR byte encoding, and
// the register partition handed to the allocator.
//
// Calling convention: integer arguments arrive in RDI, RSI, RDX, RCX, R8, R9
// per the System V ABI. R10 is reserved as the runtime dispatch base: slot 0
// is the allocation helper, slot 1 the null-pointer throw helper, and method
// i dispatches through [r10 + 16 + 8*i]. RAX and R11 are lowering scratch and
// never allocated. Allocatable homes are the callee-saved registers, so
// values stay live across calls without caller-side saving.
package amd64

import (
	"github.com/ternvm/tern/internal/backend"
	"github.com/ternvm/tern/internal/regalloc"
)

// Register numbers follow the hardware encoding order.
const (
	RAX uint8 = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var argRegs = []uint8{RDI, RSI, RDX, RCX, R8, R9}

// Runtime dispatch table slots, offsets from R10.
const (
	dispatchAlloc     = 0
	dispatchNullThrow = 8
	dispatchMethods   = 16
)

const (
	wordSize   = 8
	stackAlign = 16
)

var allocatableCore = []uint8{RBX, R12, R13, R14, R15}

// XMM8..XMM15 are reported as the floating-point class. The current bytecode
// set has no FP operations, so these stay unassigned, but the partition is
// part of the allocator contract.
var allocatableFP = []uint8{8, 9, 10, 11, 12, 13, 14, 15}

func calleeSavedMask() uint32 {
	var m uint32
	for _, r := range allocatableCore {
		m |= 1 << r
	}
	return m
}

func regSet() regalloc.RegSet {
	return regalloc.RegSet{
		Core:        allocatableCore,
		FP:          allocatableFP,
		CalleeSaved: calleeSavedMask(),
		WordSize:    wordSize,
		StackAlign:  stackAlign,
		MinFrame:    0,
	}
}

func init() {
	backend.Register(&amd64Backend{})
}
