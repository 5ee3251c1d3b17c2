package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ternvm/tern/internal/lir"
)

// encoder turns the backend's LIR ops into x86-64 machine bytes. Every form
// has a fixed width given its operands, so the two-pass assembler never has
// to re-size.
type encoder struct{}

func rexByte(w bool, reg, rm uint8) byte {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if reg >= 8 {
		b |= 0x04
	}
	if rm >= 8 {
		b |= 0x01
	}
	return b
}

func modRM(mod, reg, rm uint8) byte { return mod<<6 | (reg&7)<<3 | rm&7 }

func le32(buf []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(buf, v) }
func le64(buf []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(buf, v) }

// memLen is the byte length of a [base+disp32] operand form including REX
// and opcode: RSP and R12 need a SIB byte.
func memLen(base uint8) int32 {
	if base&7 == 4 {
		return 8
	}
	return 7
}

func (encoder) SizeOf(in *lir.Ins) (int32, error) {
	switch in.Op {
	case opNop, opRet:
		return 1, nil
	case opPush, opPop:
		if in.R1 >= 8 {
			return 2, nil
		}
		return 1, nil
	case opMovRI:
		return 10, nil // movabs
	case opMovRR, opAddRR, opSubRR, opAndRR, opOrRR, opXorRR, opCmpRR, opTestRR:
		return 3, nil
	case opMulRR:
		return 4, nil
	case opLoadSlot, opStoreSlot:
		return 8, nil // rsp base always carries a SIB byte
	case opLoadMem, opStoreMem:
		return memLen(in.R2), nil
	case opAddRI, opCmpRI, opCallTable:
		return 7, nil
	case opJcc:
		return 6, nil
	case opJmp:
		return 5, nil
	case opTrap:
		return 2, nil
	}
	return 0, fmt.Errorf("amd64: unknown op %d", in.Op)
}

// regReg emits a REX.W op with both operands in registers; reg goes in the
// ModRM reg field, rm in the rm field.
func regReg(buf []byte, op byte, reg, rm uint8) []byte {
	return append(buf, rexByte(true, reg, rm), op, modRM(3, reg, rm))
}

// mem emits a REX.W op with reg and a [base+disp32] operand.
func mem(buf []byte, op byte, reg, base uint8, disp int32) []byte {
	buf = append(buf, rexByte(true, reg, base), op, modRM(2, reg, base))
	if base&7 == 4 {
		buf = append(buf, 0x24) // SIB: no index, base in rm
	}
	return le32(buf, uint32(disp))
}

// group1 emits the 81 /ext imm32 immediate-arithmetic form.
func group1(buf []byte, ext, rm uint8, imm int64) ([]byte, error) {
	if imm < math.MinInt32 || imm > math.MaxInt32 {
		return nil, fmt.Errorf("amd64: immediate %d out of 32-bit range", imm)
	}
	buf = append(buf, rexByte(true, 0, rm), 0x81, modRM(3, ext, rm))
	return le32(buf, uint32(int32(imm))), nil
}

func (encoder) Encode(buf []byte, in *lir.Ins, labelOff func(lir.Label) int32) ([]byte, error) {
	rel := func(width int32) uint32 {
		return uint32(labelOff(in.Target) - (in.Offset + width))
	}

	switch in.Op {
	case opNop:
		return append(buf, 0x90), nil
	case opPush:
		if in.R1 >= 8 {
			buf = append(buf, 0x41)
		}
		return append(buf, 0x50+in.R1&7), nil
	case opPop:
		if in.R1 >= 8 {
			buf = append(buf, 0x41)
		}
		return append(buf, 0x58+in.R1&7), nil
	case opMovRI:
		buf = append(buf, rexByte(true, 0, in.R1), 0xB8+in.R1&7)
		return le64(buf, uint64(in.Imm)), nil
	case opMovRR:
		return regReg(buf, 0x89, in.R2, in.R1), nil
	case opAddRR:
		return regReg(buf, 0x01, in.R2, in.R1), nil
	case opSubRR:
		return regReg(buf, 0x29, in.R2, in.R1), nil
	case opAndRR:
		return regReg(buf, 0x21, in.R2, in.R1), nil
	case opOrRR:
		return regReg(buf, 0x09, in.R2, in.R1), nil
	case opXorRR:
		return regReg(buf, 0x31, in.R2, in.R1), nil
	case opMulRR:
		// imul dst, src keeps the destination in the reg field.
		return append(buf, rexByte(true, in.R1, in.R2), 0x0F, 0xAF, modRM(3, in.R1, in.R2)), nil
	case opCmpRR:
		return regReg(buf, 0x39, in.R2, in.R1), nil
	case opTestRR:
		return regReg(buf, 0x85, in.R1, in.R1), nil
	case opLoadSlot:
		return mem(buf, 0x8B, in.R1, RSP, in.Disp), nil
	case opStoreSlot:
		return mem(buf, 0x89, in.R1, RSP, in.Disp), nil
	case opLoadMem:
		return mem(buf, 0x8B, in.R1, in.R2, in.Disp), nil
	case opStoreMem:
		return mem(buf, 0x89, in.R1, in.R2, in.Disp), nil
	case opAddRI:
		return group1(buf, 0, in.R1, in.Imm)
	case opCmpRI:
		return group1(buf, 7, in.R1, in.Imm)
	case opJcc:
		buf = append(buf, 0x0F, 0x80|byte(in.Imm))
		return le32(buf, rel(6)), nil
	case opJmp:
		buf = append(buf, 0xE9)
		return le32(buf, rel(5)), nil
	case opCallTable:
		if in.Imm < 0 || in.Imm > math.MaxInt32 {
			return nil, fmt.Errorf("amd64: dispatch offset %d out of range", in.Imm)
		}
		buf = append(buf, 0x41, 0xFF, modRM(2, 2, R10))
		return le32(buf, uint32(in.Imm)), nil
	case opRet:
		return append(buf, 0xC3), nil
	case opTrap:
		return append(buf, 0x0F, 0x0B), nil
	}
	return nil, fmt.Errorf("amd64: unknown op %d", in.Op)
}
