package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/ternvm/tern/internal/lir"
)

// encoder emits A64 words. Branch reach is imm19/imm26 words, far beyond any
// single-method body this pipeline produces; exceeding it is an encode error,
// not a re-size.
type encoder struct{}

func word(buf []byte, w uint32) []byte { return binary.LittleEndian.AppendUint32(buf, w) }

// movRILen is the fixed movz+movk length for a 64-bit immediate.
const movRILen = 16

func (encoder) SizeOf(in *lir.Ins) (int32, error) {
	switch in.Op {
	case opNop, opMovRR, opLoadSlot, opStoreSlot,
		opAddRR, opSubRR, opMulRR, opAndRR, opOrRR, opXorRR,
		opAddSP, opCmpRR, opCbz, opBcc, opB, opStp, opLdp, opRet, opTrap:
		return 4, nil
	case opLoadMem, opStoreMem:
		if _, err := memOffset(in.Disp); err != nil {
			return 0, err
		}
		return 4, nil
	case opMovRI:
		return movRILen, nil
	case opCmpRI:
		return movRILen + 4, nil
	case opCallTable:
		return 8, nil
	}
	return 0, fmt.Errorf("arm64: unknown op %d", in.Op)
}

// memOffset validates a field displacement for the scaled 64-bit load/store
// form. Object layouts produced by the class linker are 8-aligned, so the
// unscaled fallback is not carried.
func memOffset(disp int32) (uint32, error) {
	if disp < 0 || disp%8 != 0 || disp/8 > 0xFFF {
		return 0, fmt.Errorf("arm64: unencodable field offset %d", disp)
	}
	return uint32(disp / 8), nil
}

func ldrImm(rt, rn uint8, scaled uint32) uint32 {
	return 0xF9400000 | scaled<<10 | uint32(rn)<<5 | uint32(rt)
}

func strImm(rt, rn uint8, scaled uint32) uint32 {
	return 0xF9000000 | scaled<<10 | uint32(rn)<<5 | uint32(rt)
}

// movRI appends the movz/movk run for a 64-bit immediate.
func movRI(buf []byte, rd uint8, imm int64) []byte {
	u := uint64(imm)
	buf = word(buf, 0xD2800000|uint32(u&0xFFFF)<<5|uint32(rd)) // movz
	for hw := uint32(1); hw < 4; hw++ {
		chunk := uint32((u >> (16 * hw)) & 0xFFFF)
		buf = word(buf, 0xF2800000|hw<<21|chunk<<5|uint32(rd)) // movk
	}
	return buf
}

func binRRR(base uint32, rd, rn, rm uint8) uint32 {
	return base | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)
}

func (encoder) Encode(buf []byte, in *lir.Ins, labelOff func(lir.Label) int32) ([]byte, error) {
	// Word displacement from the END-relative convention differs per form:
	// A64 branches are relative to the branch instruction itself.
	rel := func(branchOff int32) (int32, error) {
		d := labelOff(in.Target) - branchOff
		if d%4 != 0 {
			return 0, fmt.Errorf("arm64: misaligned branch displacement %d", d)
		}
		return d / 4, nil
	}

	switch in.Op {
	case opNop:
		return word(buf, 0xD503201F), nil
	case opMovRI:
		return movRI(buf, in.R1, in.Imm), nil
	case opMovRR:
		// orr rd, xzr, rm
		return word(buf, binRRR(0xAA000000, in.R1, 31, in.R2)), nil
	case opLoadSlot:
		if in.Disp < 0 || in.Disp%8 != 0 {
			return nil, fmt.Errorf("arm64: bad slot offset %d", in.Disp)
		}
		return word(buf, ldrImm(in.R1, SP, uint32(in.Disp/8))), nil
	case opStoreSlot:
		if in.Disp < 0 || in.Disp%8 != 0 {
			return nil, fmt.Errorf("arm64: bad slot offset %d", in.Disp)
		}
		return word(buf, strImm(in.R1, SP, uint32(in.Disp/8))), nil
	case opLoadMem:
		sc, err := memOffset(in.Disp)
		if err != nil {
			return nil, err
		}
		return word(buf, ldrImm(in.R1, in.R2, sc)), nil
	case opStoreMem:
		sc, err := memOffset(in.Disp)
		if err != nil {
			return nil, err
		}
		return word(buf, strImm(in.R1, in.R2, sc)), nil
	case opAddRR:
		return word(buf, binRRR(0x8B000000, in.R1, in.R2, in.R3)), nil
	case opSubRR:
		return word(buf, binRRR(0xCB000000, in.R1, in.R2, in.R3)), nil
	case opMulRR:
		// madd rd, rn, rm, xzr
		return word(buf, binRRR(0x9B007C00, in.R1, in.R2, in.R3)), nil
	case opAndRR:
		return word(buf, binRRR(0x8A000000, in.R1, in.R2, in.R3)), nil
	case opOrRR:
		return word(buf, binRRR(0xAA000000, in.R1, in.R2, in.R3)), nil
	case opXorRR:
		return word(buf, binRRR(0xCA000000, in.R1, in.R2, in.R3)), nil
	case opAddSP:
		imm := in.Imm
		base := uint32(0x91000000) // add sp, sp, #imm
		if imm < 0 {
			base = 0xD1000000 // sub
			imm = -imm
		}
		if imm > 0xFFF {
			return nil, fmt.Errorf("arm64: frame adjustment %d exceeds imm12", in.Imm)
		}
		return word(buf, base|uint32(imm)<<10|uint32(SP)<<5|uint32(SP)), nil
	case opCmpRR:
		// subs xzr, rn, rm
		return word(buf, 0xEB00001F|uint32(in.R2)<<16|uint32(in.R1)<<5), nil
	case opCmpRI:
		buf = movRI(buf, scratch1, in.Imm)
		return word(buf, 0xEB00001F|uint32(scratch1)<<16|uint32(in.R1)<<5), nil
	case opCbz:
		d, err := rel(in.Offset)
		if err != nil {
			return nil, err
		}
		if d < -(1<<18) || d >= 1<<18 {
			return nil, fmt.Errorf("arm64: cbz displacement %d out of range", d)
		}
		return word(buf, 0xB4000000|uint32(d&0x7FFFF)<<5|uint32(in.R1)), nil
	case opBcc:
		d, err := rel(in.Offset)
		if err != nil {
			return nil, err
		}
		if d < -(1<<18) || d >= 1<<18 {
			return nil, fmt.Errorf("arm64: conditional displacement %d out of range", d)
		}
		return word(buf, 0x54000000|uint32(d&0x7FFFF)<<5|uint32(in.Imm&0xF)), nil
	case opB:
		d, err := rel(in.Offset)
		if err != nil {
			return nil, err
		}
		if d < -(1<<25) || d >= 1<<25 {
			return nil, fmt.Errorf("arm64: branch displacement %d out of range", d)
		}
		return word(buf, 0x14000000|uint32(d&0x3FFFFFF)), nil
	case opCallTable:
		if in.Imm < 0 || in.Imm%8 != 0 || in.Imm/8 > 0xFFF {
			return nil, fmt.Errorf("arm64: dispatch offset %d out of range", in.Imm)
		}
		buf = word(buf, ldrImm(scratch0, dispatchBase, uint32(in.Imm/8)))
		return word(buf, 0xD63F0000|uint32(scratch0)<<5), nil // blr
	case opStp:
		w, err := stpLdp(0xA9000000, in.Disp)
		if err != nil {
			return nil, err
		}
		return word(buf, w), nil
	case opLdp:
		w, err := stpLdp(0xA9400000, in.Disp)
		if err != nil {
			return nil, err
		}
		return word(buf, w), nil
	case opRet:
		return word(buf, 0xD65F03C0), nil
	case opTrap:
		return word(buf, 0xD4200000), nil // brk #0
	}
	return nil, fmt.Errorf("arm64: unknown op %d", in.Op)
}

// stpLdp encodes the x29/x30 pair at [sp+disp], disp scaled by 8 into imm7.
func stpLdp(base uint32, disp int32) (uint32, error) {
	if disp < 0 || disp%8 != 0 || disp/8 > 63 {
		return 0, fmt.Errorf("arm64: pair offset %d out of imm7 range", disp)
	}
	imm7 := uint32(disp / 8)
	return base | imm7<<15 | uint32(X30)<<10 | uint32(SP)<<5 | uint32(X29), nil
}
