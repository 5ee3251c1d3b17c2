// Package arm64 is the A64 backend. All instructions are fixed four-byte
// words except the constant-materialization sequence, which is a fixed
// movz/movk run.
//
// Calling convention: integer arguments arrive in X0..X7 per AAPCS64. X10 is
// reserved as the runtime dispatch base with the same table layout as the
// other targets: slot 0 the allocation helper, slot 1 the null-pointer throw
// helper, method i at [x10 + 16 + 8*i]. X16 and X17 are lowering scratch.
// Allocatable homes are callee-saved registers so values survive calls. The
// frame reserves 16 bytes at its bottom for the x29/x30 pair.
package arm64

import (
	"github.com/ternvm/tern/internal/backend"
	"github.com/ternvm/tern/internal/regalloc"
)

const (
	X0 uint8 = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	SP // encodes as 31; XZR in operand positions
)

var argRegs = []uint8{X0, X1, X2, X3, X4, X5, X6, X7}

const (
	scratch0     = X16
	scratch1     = X17
	dispatchBase = X10
)

// Runtime dispatch table slots, byte offsets from the dispatch base.
const (
	dispatchAlloc     = 0
	dispatchNullThrow = 8
	dispatchMethods   = 16
)

const (
	wordSize   = 8
	stackAlign = 16
	lrReserve  = 16 // x29/x30 pair at the bottom of every frame
)

var allocatableCore = []uint8{X19, X20, X21, X22, X23, X24, X25}

var allocatableFP = []uint8{8, 9, 10, 11, 12, 13, 14, 15} // V8..V15

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
		MinFrame:    lrReserve,
		Reserve:     lrReserve,
	}
}

func init() {
	backend.Register(&arm64Backend{})
}
