package amd64

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
	opPush
	opPop
	opMovRI     // R1 <- Imm
	opMovRR     // R1 <- R2
	opLoadSlot  // R1 <- [rsp+Disp]
	opStoreSlot // [rsp+Disp] <- R1
	opLoadMem   // R1 <- [R2+Disp]
	opStoreMem  // [R2+Disp] <- R1
	opAddRR     // R1 += R2
	opSubRR
	opMulRR
	opAndRR
	opOrRR
	opXorRR
	opAddRI // R1 += Imm
	opCmpRR
	opCmpRI
	opTestRR // test R1, R1
	opJcc    // condition nibble in Imm
	opJmp
	opCallTable // Imm = byte offset into the r10 dispatch table
	opRet
	opTrap
)

// x86 condition nibbles used with opJcc.
const (
	ccE  = 0x4
	ccNE = 0x5
	ccL  = 0xC
	ccGE = 0xD
)

// noSrc marks instructions that do not originate from a bytecode offset, so
// they never enter the pc mapping table.
const noSrc int32 = -1

type amd64Backend struct{}

func (amd64Backend) ISA() mir.ISA { return mir.ISAAmd64 }

func (amd64Backend) RegSet() regalloc.RegSet { return regSet() }

func (amd64Backend) Encoder() lir.Encoder { return encoder{} }

func (amd64Backend) Lower(cu *mir.CompilationUnit, asn *regalloc.Assignment) (*lir.List, error) {
	lo := &lowerer{
		cu:     cu,
		asn:    asn,
		l:      lir.NewList(len(cu.Method.Code)),
		labels: map[mir.BlockID]lir.Label{},
	}
	return lo.run()
}

// LowerSpecial emits the fixed template for a trivially shaped method. The
// templates are leaf code with no frame; getters and setters rely on the
// runtime's fault handler for the receiver null case.
func (amd64Backend) LowerSpecial(cu *mir.CompilationUnit, shape backend.Shape, asn *regalloc.Assignment) (*lir.List, error) {
	if err := backend.CheckTemplate(shape); err != nil {
		return nil, err
	}
	l := lir.NewList(4)

	switch shape.Kind {
	case backend.ShapeEmpty:
	case backend.ShapeConstReturn:
		l.Append(lir.Ins{Op: opMovRI, R1: RAX, Imm: shape.Const, SrcOffset: noSrc})
	case backend.ShapeArgReturn:
		if shape.ArgIndex >= len(argRegs) {
			return nil, fmt.Errorf("%w: argument %d beyond register args", backend.ErrTemplate, shape.ArgIndex)
		}
		l.Append(lir.Ins{Op: opMovRR, R1: RAX, R2: argRegs[shape.ArgIndex], SrcOffset: noSrc})
	case backend.ShapeGetter:
		l.Append(lir.Ins{Op: opLoadMem, R1: RAX, R2: argRegs[0], Disp: int32(shape.FieldOff), SrcOffset: noSrc})
	case backend.ShapeSetter:
		src := shape.ArgIndex + 1 // receiver occupies the first argument register
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
	frameAdj  int32
}

func (lo *lowerer) run() (*lir.List, error) {
	cu := lo.cu
	if int(cu.Method.NumIns) > len(argRegs) {
		return nil, fmt.Errorf("amd64: %d arguments exceed register passing (max %d)",
			cu.Method.NumIns, len(argRegs))
	}

	for r := uint8(0); r < 32; r++ {
		if lo.asn.CoreSpillMask&(1<<r) != 0 {
			lo.savedRegs = append(lo.savedRegs, r)
		}
	}
	lo.frameAdj = lo.asn.FrameSize - int32(len(lo.savedRegs))*wordSize

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

func (lo *lowerer) prologue() {
	for _, r := range lo.savedRegs {
		lo.emit(lir.Ins{Op: opPush, R1: r, SrcOffset: noSrc})
	}
	if lo.frameAdj > 0 {
		lo.emit(lir.Ins{Op: opAddRI, R1: RSP, Imm: int64(-lo.frameAdj), SrcOffset: noSrc})
	}
	// Home the incoming arguments. Argument i enters as the version-0 value
	// of virtual register NumVRegs-NumIns+i.
	m := lo.cu.Method
	base := int(m.NumVRegs) - int(m.NumIns)
	for i := 0; i < int(m.NumIns); i++ {
		lo.writeVal(mir.ValID(base+i), argRegs[i], noSrc)
	}
}

func (lo *lowerer) epilogue() {
	if lo.frameAdj > 0 {
		lo.emit(lir.Ins{Op: opAddRI, R1: RSP, Imm: int64(lo.frameAdj), SrcOffset: noSrc})
	}
	for i := len(lo.savedRegs) - 1; i >= 0; i-- {
		lo.emit(lir.Ins{Op: opPop, R1: lo.savedRegs[i], SrcOffset: noSrc})
	}
	lo.emit(lir.Ins{Op: opRet, SrcOffset: noSrc})
}

// readValTo materializes value v in dst, emitting whatever load or constant
// move its home location requires.
func (lo *lowerer) readValTo(dst uint8, v mir.ValID, src int32) error {
	loc := lo.asn.Loc(v)
	switch loc.Kind {
	case regalloc.KindReg:
		if loc.Reg != dst {
			lo.emit(lir.Ins{Op: opMovRR, R1: dst, R2: loc.Reg, SrcOffset: src})
		}
	case regalloc.KindSlot:
		lo.emit(lir.Ins{Op: opLoadSlot, R1: dst, Disp: loc.Slot, SrcOffset: src})
	case regalloc.KindNone:
		if !loc.IsConst {
			return fmt.Errorf("amd64: value %s read but never assigned storage", lo.cu.Val(v).Name)
		}
		lo.emit(lir.Ins{Op: opMovRI, R1: dst, Imm: loc.Const, SrcOffset: src})
	}
	return nil
}

// writeVal stores src into v's home. Values nobody reads have no home and
// the store is dropped.
func (lo *lowerer) writeVal(v mir.ValID, src uint8, srcOff int32) {
	loc := lo.asn.Loc(v)
	switch loc.Kind {
	case regalloc.KindReg:
		if loc.Reg != src {
			lo.emit(lir.Ins{Op: opMovRR, R1: loc.Reg, R2: src, SrcOffset: srcOff})
		}
	case regalloc.KindSlot:
		lo.emit(lir.Ins{Op: opStoreSlot, R1: src, Disp: loc.Slot, SrcOffset: srcOff})
	}
}

var binOps = map[mir.MOp]lir.Op{
	mir.MopAdd: opAddRR, mir.MopSub: opSubRR, mir.MopMul: opMulRR,
	mir.MopAnd: opAndRR, mir.MopOr: opOrRR, mir.MopXor: opXorRR,
}

var branchCC = map[mir.MOp]int64{
	mir.MopIfEq: ccE, mir.MopIfNe: ccNE, mir.MopIfLt: ccL, mir.MopIfGe: ccGE,
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
			// Phis lower to moves on the incoming edges, emitted by each
			// predecessor before its jump.
		case mir.MopConst:
			loc := lo.asn.Loc(in.Def)
			switch loc.Kind {
			case regalloc.KindReg:
				lo.emit(lir.Ins{Op: opMovRI, R1: loc.Reg, Imm: in.Lit, SrcOffset: src})
			case regalloc.KindSlot:
				lo.emit(lir.Ins{Op: opMovRI, R1: RAX, Imm: in.Lit, SrcOffset: src})
				lo.writeVal(in.Def, RAX, src)
			}
		case mir.MopMove:
			if err := lo.readValTo(RAX, in.Uses[0], src); err != nil {
				return err
			}
			lo.writeVal(in.Def, RAX, src)
		case mir.MopAdd, mir.MopSub, mir.MopMul, mir.MopAnd, mir.MopOr, mir.MopXor:
			if err := lo.readValTo(RAX, in.Uses[0], src); err != nil {
				return err
			}
			if err := lo.readValTo(R11, in.Uses[1], src); err != nil {
				return err
			}
			lo.emit(lir.Ins{Op: binOps[in.Op], R1: RAX, R2: R11, SrcOffset: src})
			lo.writeVal(in.Def, RAX, src)
		case mir.MopIGet:
			if err := lo.readValTo(R11, in.Uses[0], src); err != nil {
				return err
			}
			lo.emit(lir.Ins{Op: opLoadMem, R1: RAX, R2: R11, Disp: int32(in.FieldOff), SrcOffset: src})
			lo.writeVal(in.Def, RAX, src)
		case mir.MopIPut:
			if err := lo.readValTo(RAX, in.Uses[0], src); err != nil {
				return err
			}
			if err := lo.readValTo(R11, in.Uses[1], src); err != nil {
				return err
			}
			lo.emit(lir.Ins{Op: opStoreMem, R1: RAX, R2: R11, Disp: int32(in.FieldOff), SrcOffset: src})
		case mir.MopNew:
			lo.emit(lir.Ins{Op: opMovRI, R1: RDI, Imm: in.Lit, SrcOffset: src})
			lo.emit(lir.Ins{Op: opCallTable, Imm: dispatchAlloc, Safepoint: true, SrcOffset: src})
			lo.writeVal(in.Def, RAX, src)
		case mir.MopNullCheck:
			if err := lo.readValTo(RAX, in.Uses[0], src); err != nil {
				return err
			}
			lo.emit(lir.Ins{Op: opTestRR, R1: RAX, SrcOffset: src})
			lo.throwUsed = true
			lo.l.AppendBranch(lir.Ins{Op: opJcc, Imm: ccE, Safepoint: true, SrcOffset: src}, lo.throwLabel)
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
				lo.writeVal(in.Def, RAX, src)
			}
		case mir.MopReturn:
			if err := lo.readValTo(RAX, in.Uses[0], src); err != nil {
				return err
			}
		case mir.MopReturnVoid:
		case mir.MopIfEq, mir.MopIfNe, mir.MopIfLt, mir.MopIfGe:
			// Edges out of a two-successor block were split before SSA, so
			// neither side carries phi moves here.
			if err := lo.readValTo(RAX, in.Uses[0], src); err != nil {
				return err
			}
			if err := lo.readValTo(R11, in.Uses[1], src); err != nil {
				return err
			}
			lo.emit(lir.Ins{Op: opCmpRR, R1: RAX, R2: R11, SrcOffset: src})
			lo.l.AppendBranch(lir.Ins{Op: opJcc, Imm: branchCC[in.Op], SrcOffset: src}, lo.labels[b.Taken])
			branchEmitted = true
		case mir.MopSwitch:
			if err := lo.readValTo(RAX, in.Uses[0], src); err != nil {
				return err
			}
			for i, t := range b.SwitchTargets {
				lo.emit(lir.Ins{Op: opCmpRI, R1: RAX, Imm: int64(in.SwitchFirstKey) + int64(i), SrcOffset: src})
				lo.l.AppendBranch(lir.Ins{Op: opJcc, Imm: ccE, SrcOffset: src}, lo.labels[t])
			}
			branchEmitted = true
		default:
			return fmt.Errorf("amd64: no lowering for %s", in.Op)
		}
	}

	return lo.terminate(b, next, branchEmitted)
}

// terminate wires the block's remaining control transfer: the fall-through
// or goto edge, or the epilogue for the exit block. Conditional and switch
// blocks arrive here with their taken sides already emitted, leaving only
// the default edge.
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
		lo.l.AppendBranch(lir.Ins{Op: opJmp, SrcOffset: noSrc}, lo.labels[target])
	}
	return nil
}

// emitPhiMoves materializes the parallel copy an edge into a phi-carrying
// block implies. Critical edges were split before SSA, so the copies can sit
// at the end of the predecessor. Each transfer stages through RAX; a cycle
// is broken by parking one source in R11.
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
			return fmt.Errorf("amd64: phi in b%d has no operand for pred b%d", succ, b.ID)
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
			// A move is blocked while another pending move still reads the
			// home it would overwrite. Parked sources read R11 instead, so
			// they never block anything.
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
				lo.writeVal(m.to, R11, src)
			} else {
				if err := lo.readValTo(RAX, m.from, src); err != nil {
					return err
				}
				lo.writeVal(m.to, RAX, src)
			}
			moves = append(moves[:i], moves[i+1:]...)
			progress = true
			break
		}
		if !progress {
			if parked != mir.NoVal {
				return fmt.Errorf("amd64: phi move needs a second temporary in b%d", b.ID)
			}
			if err := lo.readValTo(R11, moves[0].from, src); err != nil {
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
