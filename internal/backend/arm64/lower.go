package arm64

import (
	"fmt"

	"github.com/ternvm/tern/internal/backend"
	"github.com/ternvm/tern/internal/lir"
	"github.com/ternvm/tern/internal/mir"
	"github.com/ternvm/tern/internal/regalloc"
)

// LIR opcode space for this backend.
const (
	opNop lir.Op = iota
	opMovRI     // R1 <- Imm, movz/movk run
	opMovRR     // R1 <- R2
	opLoadSlot  // R1 <- [sp+Disp], Disp 8-aligned
	opStoreSlot // [sp+Disp] <- R1
	opLoadMem   // R1 <- [R2+Disp]
	opStoreMem  // [R2+Disp] <- R1
	opAddRR     // R1 = R2 + R3
	opSubRR
	opMulRR
	opAndRR
	opOrRR
	opXorRR
	opAddSP // sp += Imm (negative subtracts)
	opCmpRR
	opCmpRI // materializes Imm in scratch1, then compares R1
	opCbz   // compare R1 against zero and branch
	opBcc   // condition in Imm
	opB
	opCallTable // ldr scratch0, [x10+Imm]; blr scratch0
	opStp       // stp x29, x30, [sp+Disp]
	opLdp       // ldp x29, x30, [sp+Disp]
	opRet
	opTrap
)

// A64 condition codes used with opBcc.
const (
	ccEQ = 0x0
	ccNE = 0x1
	ccLT = 0xB
	ccGE = 0xA
)

const noSrc int32 = -1

type arm64Backend struct{}

func (arm64Backend) ISA() mir.ISA { return mir.ISAArm64 }

func (arm64Backend) RegSet() regalloc.RegSet { return regSet() }

func (arm64Backend) Encoder() lir.Encoder { return encoder{} }

func (arm64Backend) Lower(cu *mir.CompilationUnit, asn *regalloc.Assignment) (*lir.List, error) {
	lo := &lowerer{
		cu:     cu,
		asn:    asn,
		l:      lir.NewList(len(cu.Method.Code)),
		labels: map[mir.BlockID]lir.Label{},
	}
	return lo.run()
}

// LowerSpecial emits the fixed template for a trivially shaped method:
// frameless leaf code, result staged straight into X0.
func (arm64Backend) LowerSpecial(cu *mir.CompilationUnit, shape backend.Shape, asn *regalloc.Assignment) (*lir.List, error) {
	if err := backend.CheckTemplate(shape); err != nil {
		return nil, err
	}
	l := lir.NewList(4)

	switch shape.Kind {
	case backend.ShapeEmpty:
	case backend.ShapeConstReturn:
		l.Append(lir.Ins{Op: opMovRI, R1: X0, Imm: shape.Const, SrcOffset: noSrc})
	case backend.ShapeArgReturn:
		if shape.ArgIndex >= len(argRegs) {
			return nil, fmt.Errorf("%w: argument %d beyond register args", backend.ErrTemplate, shape.ArgIndex)
		}
		l.Append(lir.Ins{Op: opMovRR, R1: X0, R2: argRegs[shape.ArgIndex], SrcOffset: noSrc})
	case backend.ShapeGetter:
		l.Append(lir.Ins{Op: opLoadMem, R1: X0, R2: argRegs[0], Disp: int32(shape.FieldOff), SrcOffset: noSrc})
	case backend.ShapeSetter:
		src := shape.ArgIndex + 1
		if src >= len(argRegs) {
			return nil, fmt.Errorf("%w: setter value beyond register args", backend.ErrTemplate)
		}
		l.Append(lir.Ins{Op: opStoreMem, R1: argRegs[src], R2: argRegs[0], Disp: int32(shape.FieldOff), SrcOffset: noSrc})
	default:
		return nil, fmt.Errorf("%w: unhandled shape %s", backend.ErrTemplate, shape.Kind)
	}
	l.Append(lir.Ins{Op: opRet, SrcOffset: noSrc})
	return l, nil
}

type lowerer struct {
	cu  *mir.CompilationUnit
	asn *regalloc.Assignment
	l   *lir.List

	labels     map[mir.BlockID]lir.Label
	throwLabel lir.Label
	throwUsed  bool

	savedRegs []uint8
}

func (lo *lowerer) run() (*lir.List, error) {
	cu := lo.cu
	if int(cu.Method.NumIns) > len(argRegs) {
		return nil, fmt.Errorf("arm64: %d arguments exceed register passing (max %d)",
			cu.Method.NumIns, len(argRegs))
	}

	for r := uint8(0); r < 32; r++ {
		if lo.asn.CoreSpillMask&(1<<r) != 0 {
			lo.savedRegs = append(lo.savedRegs, r)
		}
	}

	for _, id := range cu.Order {
		lo.labels[id] = lo.l.NewLabel()
	}
	lo.throwLabel = lo.l.NewLabel()

	lo.prologue()

	for oi, id := range cu.Order {
		b := cu.BlockRef(id)
		lo.l.Bind(lo.labels[id])
		next := mir.NoBlock
		if oi+1 < len(cu.Order) {
			next = cu.Order[oi+1]
		}
		if err := lo.lowerBlock(b, next); err != nil {
			return nil, err
		}
	}

	lo.l.Bind(lo.throwLabel)
	if lo.throwUsed {
		lo.l.Append(lir.Ins{Op: opCallTable, Imm: dispatchNullThrow, Safepoint: true, SrcOffset: noSrc})
		lo.l.Append(lir.Ins{Op: opTrap, SrcOffset: noSrc})
	}
	return lo.l, nil
}

func (lo *lowerer) emit(in lir.Ins) { lo.l.Append(in) }

// Frame layout, offsets from sp after the prologue: the x29/x30 pair at
// [sp, sp+16), spill slots above it, saved callee registers on top. Keeping
// the pair at the bottom holds its offset inside stp's imm7 reach for any
// frame size.
func slotDisp(slot int32) int32 { return lrReserve + slot }

func (lo *lowerer) savedSlot(i int) int32 {
	return lrReserve + lo.asn.NumSlots*wordSize + int32(i)*wordSize
}

func (lo *lowerer) prologue() {
	lo.emit(lir.Ins{Op: opAddSP, Imm: int64(-lo.asn.FrameSize), SrcOffset: noSrc})
	lo.emit(lir.Ins{Op: opStp, SrcOffset: noSrc})
	for i, r := range lo.savedRegs {
		lo.emit(lir.Ins{Op: opStoreSlot, R1: r, Disp: lo.savedSlot(i), SrcOffset: noSrc})
	}
	m := lo.cu.Method
	base := int(m.NumVRegs) - int(m.NumIns)
	for i := 0; i < int(m.NumIns); i++ {
		lo.writeVal(mir.ValID(base+i), argRegs[i], noSrc)
	}
}

func (lo *lowerer) epilogue() {
	for i, r := range lo.savedRegs {
		lo.emit(lir.Ins{Op: opLoadSlot, R1: r, Disp: lo.savedSlot(i), SrcOffset: noSrc})
	}
	lo.emit(lir.Ins{Op: opLdp, SrcOffset: noSrc})
	lo.emit(lir.Ins{Op: opAddSP, Imm: int64(lo.asn.FrameSize), SrcOffset: noSrc})
	lo.emit(lir.Ins{Op: opRet, SrcOffset: noSrc})
}

func (lo *lowerer) readValTo(dst uint8, v mir.ValID, src int32) error {
	loc := lo.asn.Loc(v)
	switch loc.Kind {
	case regalloc.KindReg:
		if loc.Reg != dst {
			lo.emit(lir.Ins{Op: opMovRR, R1: dst, R2: loc.Reg, SrcOffset: src})
		}
	case regalloc.KindSlot:
		lo.emit(lir.Ins{Op: opLoadSlot, R1: dst, Disp: slotDisp(loc.Slot), SrcOffset: src})
	case regalloc.KindNone:
		if !loc.IsConst {
			return fmt.Errorf("arm64: value %s read but never assigned storage", lo.cu.Val(v).Name)
		}
		lo.emit(lir.Ins{Op: opMovRI, R1: dst, Imm: loc.Const, SrcOffset: src})
	}
	return nil
}

func (lo *lowerer) writeVal(v mir.ValID, src uint8, srcOff int32) {
	loc := lo.asn.Loc(v)
	switch loc.Kind {
	case regalloc.KindReg:
		if loc.Reg != src {
			lo.emit(lir.Ins{Op: opMovRR, R1: loc.Reg, R2: src, SrcOffset: srcOff})
		}
	case regalloc.KindSlot:
		lo.emit(lir.Ins{Op: opStoreSlot, R1: src, Disp: slotDisp(loc.Slot), SrcOffset: srcOff})
	}
}

var binOps = map[mir.MOp]lir.Op{
	mir.MopAdd: opAddRR, mir.MopSub: opSubRR, mir.MopMul: opMulRR,
	mir.MopAnd: opAndRR, mir.MopOr: opOrRR, mir.MopXor: opXorRR,
}

var branchCC = map[mir.MOp]int64{
	mir.MopIfEq: ccEQ, mir.MopIfNe: ccNE, mir.MopIfLt: ccLT, mir.MopIfGe: ccGE,
}

func (lo *lowerer) lowerBlock(b *mir.Block, next mir.BlockID) error {
	cu := lo.cu
	branchEmitted := false

	for _, iid := range b.Ins {
		in := cu.InsRef(iid)
		if in.Removed {
			continue
		}
		src := int32(in.Offset)
		switch in.Op {
		case mir.MopNop, mir.MopPhi:
		case mir.MopConst:
			loc := lo.asn.Loc(in.Def)
			switch loc.Kind {
			case regalloc.KindReg:
				lo.emit(lir.Ins{Op: opMovRI, R1: loc.Reg, Imm: in.Lit, SrcOffset: src})
			case regalloc.KindSlot:
				lo.emit(lir.Ins{Op: opMovRI, R1: scratch0, Imm: in.Lit, SrcOffset: src})
				lo.writeVal(in.Def, scratch0, src)
			}
		case mir.MopMove:
			if err := lo.readValTo(scratch0, in.Uses[0], src); err != nil {
				return err
			}
			lo.writeVal(in.Def, scratch0, src)
		case mir.MopAdd, mir.MopSub, mir.MopMul, mir.MopAnd, mir.MopOr, mir.MopXor:
			if err := lo.readValTo(scratch0, in.Uses[0], src); err != nil {
				return err
			}
			if err := lo.readValTo(scratch1, in.Uses[1], src); err != nil {
				return err
			}
			lo.emit(lir.Ins{Op: binOps[in.Op], R1: scratch0, R2: scratch0, R3: scratch1, SrcOffset: src})
			lo.writeVal(in.Def, scratch0, src)
		case mir.MopIGet:
			if err := lo.readValTo(scratch1, in.Uses[0], src); err != nil {
				return err
			}
			lo.emit(lir.Ins{Op: opLoadMem, R1: scratch0, R2: scratch1, Disp: int32(in.FieldOff), SrcOffset: src})
			lo.writeVal(in.Def, scratch0, src)
		case mir.MopIPut:
			if err := lo.readValTo(scratch0, in.Uses[0], src); err != nil {
				return err
			}
			if err := lo.readValTo(scratch1, in.Uses[1], src); err != nil {
				return err
			}
			lo.emit(lir.Ins{Op: opStoreMem, R1: scratch0, R2: scratch1, Disp: int32(in.FieldOff), SrcOffset: src})
		case mir.MopNew:
			lo.emit(lir.Ins{Op: opMovRI, R1: X0, Imm: in.Lit, SrcOffset: src})
			lo.emit(lir.Ins{Op: opCallTable, Imm: dispatchAlloc, Safepoint: true, SrcOffset: src})
			lo.writeVal(in.Def, X0, src)
		case mir.MopNullCheck:
			if err := lo.readValTo(scratch0, in.Uses[0], src); err != nil {
				return err
			}
			lo.throwUsed = true
			lo.l.AppendBranch(lir.Ins{Op: opCbz, R1: scratch0, Safepoint: true, SrcOffset: src}, lo.throwLabel)
		case mir.MopInvokeVirt, mir.MopInvokeStat:
			for i, use := range in.Uses {
				if err := lo.readValTo(argRegs[i], use, src); err != nil {
					return err
				}
			}
			lo.emit(lir.Ins{
				Op: opCallTable, Imm: dispatchMethods + int64(in.MethodIdx)*wordSize,
				Safepoint: true, SrcOffset: src,
			})
			if in.HasResult && in.Def != mir.NoVal {
				lo.writeVal(in.Def, X0, src)
			}
		case mir.MopReturn:
			if err := lo.readValTo(X0, in.Uses[0], src); err != nil {
				return err
			}
		case mir.MopReturnVoid:
		case mir.MopIfEq, mir.MopIfNe, mir.MopIfLt, mir.MopIfGe:
			if err := lo.readValTo(scratch0, in.Uses[0], src); err != nil {
				return err
			}
			if err := lo.readValTo(scratch1, in.Uses[1], src); err != nil {
				return err
			}
			lo.emit(lir.Ins{Op: opCmpRR, R1: scratch0, R2: scratch1, SrcOffset: src})
			lo.l.AppendBranch(lir.Ins{Op: opBcc, Imm: branchCC[in.Op], SrcOffset: src}, lo.labels[b.Taken])
			branchEmitted = true
		case mir.MopSwitch:
			if err := lo.readValTo(scratch0, in.Uses[0], src); err != nil {
				return err
			}
			for i, t := range b.SwitchTargets {
				lo.emit(lir.Ins{Op: opCmpRI, R1: scratch0, Imm: int64(in.SwitchFirstKey) + int64(i), SrcOffset: src})
				lo.l.AppendBranch(lir.Ins{Op: opBcc, Imm: ccEQ, SrcOffset: src}, lo.labels[t])
			}
			branchEmitted = true
		default:
			return fmt.Errorf("arm64: no lowering for %s", in.Op)
		}
	}

	return lo.terminate(b, next, branchEmitted)
}

func (lo *lowerer) terminate(b *mir.Block, next mir.BlockID, branchEmitted bool) error {
	if b.Kind == mir.BlockExit {
		lo.epilogue()
		return nil
	}

	target := b.FallThrough
	if !branchEmitted && target == mir.NoBlock {
		target = b.Taken
	}
	if target == mir.NoBlock {
		return nil
	}
	if err := lo.emitPhiMoves(b, target, noSrc); err != nil {
		return err
	}
	if target != next {
		lo.l.AppendBranch(lir.Ins{Op: opB, SrcOffset: noSrc}, lo.labels[target])
	}
	return nil
}

// emitPhiMoves mirrors the amd64 scheme: critical edges were split before
// SSA, each transfer stages through scratch0, and a cycle parks one source
// in scratch1.
func (lo *lowerer) emitPhiMoves(b *mir.Block, succ mir.BlockID, src int32) error {
	cu := lo.cu
	sb := cu.BlockRef(succ)

	pidx := -1
	for i, p := range sb.Preds {
		if p == b.ID {
			pidx = i
			break
		}
	}

	type move struct{ from, to mir.ValID }
	var moves []move
	for _, iid := range sb.Ins {
		in := cu.InsRef(iid)
		if in.Op != mir.MopPhi {
			break
		}
		if in.Removed || in.Def == mir.NoVal {
			continue
		}
		if pidx < 0 || pidx >= len(in.Uses) {
			return fmt.Errorf("arm64: phi in b%d has no operand for pred b%d", succ, b.ID)
		}
		from, to := in.Uses[pidx], in.Def
		if from == to || lo.asn.Loc(to).Kind == regalloc.KindNone {
			continue
		}
		moves = append(moves, move{from: from, to: to})
	}

	sameHome := func(a, b mir.ValID) bool {
		la, lb := lo.asn.Loc(a), lo.asn.Loc(b)
		if la.Kind != lb.Kind {
			return false
		}
		switch la.Kind {
		case regalloc.KindReg:
			return la.Reg == lb.Reg
		case regalloc.KindSlot:
			return la.Slot == lb.Slot
		}
		return false
	}

	parked := mir.NoVal
	for len(moves) > 0 {
		progress := false
		for i, m := range moves {
			blocked := false
			for j, o := range moves {
				if j != i && o.from != parked && sameHome(o.from, m.to) {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			if m.from == parked {
				lo.writeVal(m.to, scratch1, src)
			} else {
				if err := lo.readValTo(scratch0, m.from, src); err != nil {
					return err
				}
				lo.writeVal(m.to, scratch0, src)
			}
			moves = append(moves[:i], moves[i+1:]...)
			progress = true
			break
		}
		if !progress {
			if parked != mir.NoVal {
				return fmt.Errorf("arm64: phi move needs a second temporary in b%d", b.ID)
			}
			if err := lo.readValTo(scratch1, moves[0].from, src); err != nil {
				return err
			}
			parked = moves[0].from
			continue
		}
		if parked != mir.NoVal {
			still := false
			for _, o := range moves {
				if o.from == parked {
					still = true
					break
				}
			}
			if !still {
				parked = mir.NoVal
			}
		}
	}
	return nil
}
