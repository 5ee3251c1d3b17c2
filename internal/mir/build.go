package mir

import (
	"fmt"
	"sort"

	"github.com/ternvm/tern/internal/bytecode"
)

// BuildGraph decodes the unit's method into a control-flow graph rooted at a
// single entry block. Only reachable blocks are materialized. Any decode or
// resolution failure aborts this method's compile with a recoverable error;
// the unit's arena is still released by the pipeline.
func BuildGraph(cu *CompilationUnit) error {
	code := cu.Method.Code
	if len(code) == 0 {
		return fmt.Errorf("%w: empty code", bytecode.ErrMalformed)
	}

	// Linear scan: every instruction boundary and its decoded form.
	decoded := make(map[int]bytecode.Instr)
	boundaries := make(map[int]bool)
	for pc := 0; pc < len(code); {
		in, err := bytecode.Decode(code, pc)
		if err != nil {
			return err
		}
		decoded[pc] = in
		boundaries[pc] = true
		pc += in.Width
	}

	// Leaders: offset 0, every branch target, and every fall-through point
	// after a conditional branch.
	leaders := map[int]bool{0: true}
	markTarget := func(pc int, off int16) error {
		t := pc + int(off)
		if !boundaries[t] {
			return fmt.Errorf("%w: branch target %d at %d is not an instruction boundary",
				bytecode.ErrMalformed, t, pc)
		}
		leaders[t] = true
		return nil
	}
	for pc, in := range decoded {
		switch in.Op {
		case bytecode.OpIfEq, bytecode.OpIfNe, bytecode.OpIfLt, bytecode.OpIfGe:
			if err := markTarget(pc, in.Off); err != nil {
				return err
			}
			leaders[pc+in.Width] = true
		case bytecode.OpGoto:
			if err := markTarget(pc, in.Off); err != nil {
				return err
			}
		case bytecode.OpSwitch:
			for _, off := range in.SwitchTargets {
				if err := markTarget(pc, off); err != nil {
					return err
				}
			}
			leaders[pc+in.Width] = true // default case falls through
		}
	}

	entry := cu.newBlock(BlockEntry, 0)
	cu.Entry = entry.ID

	// Worklist from offset 0 so unreachable leaders never become blocks.
	blockAt := map[int]BlockID{}
	var work []int
	blockFor := func(off int) BlockID {
		if id, ok := blockAt[off]; ok {
			return id
		}
		b := cu.newBlock(BlockNormal, off)
		blockAt[off] = b.ID
		work = append(work, off)
		return b.ID
	}

	first := blockFor(0)
	cu.block(entry.ID).FallThrough = first
	cu.addPred(first, entry.ID)

	b := newBodyBuilder(cu, len(code))
	for len(work) > 0 {
		off := work[0]
		work = work[1:]
		if err := b.fillBlock(blockAt[off], off, decoded, leaders, blockFor); err != nil {
			return err
		}
	}
	return nil
}

type bodyBuilder struct {
	cu      *CompilationUnit
	codeLen int
}

func newBodyBuilder(cu *CompilationUnit, codeLen int) *bodyBuilder {
	return &bodyBuilder{cu: cu, codeLen: codeLen}
}

// exit returns the exit block, materializing it on the first return edge. A
// method that never returns (a self-loop body) gets no exit block at all, so
// every materialized block stays reachable from entry.
func (bb *bodyBuilder) exit() BlockID {
	cu := bb.cu
	if cu.Exit == NoBlock {
		cu.Exit = cu.newBlock(BlockExit, bb.codeLen).ID
	}
	return cu.Exit
}

// fillBlock decodes instructions from off until a terminator or the next
// leader, appending MIR to the block and wiring successor edges.
func (bb *bodyBuilder) fillBlock(id BlockID, off int, decoded map[int]bytecode.Instr, leaders map[int]bool, blockFor func(int) BlockID) error {
	cu := bb.cu
	pc := off
	for {
		in, ok := decoded[pc]
		if !ok {
			return fmt.Errorf("%w: control flows off the end of code at %d", bytecode.ErrMalformed, pc)
		}
		if err := bb.expand(id, pc, in); err != nil {
			return err
		}

		b := cu.block(id)
		switch in.Op {
		case bytecode.OpReturn, bytecode.OpReturnVoid:
			exit := bb.exit()
			b = cu.block(id)
			b.Taken = exit
			cu.addPred(exit, id)
			return nil
		case bytecode.OpGoto:
			t := blockFor(pc + int(in.Off))
			cu.block(id).Taken = t
			cu.addPred(t, id)
			return nil
		case bytecode.OpIfEq, bytecode.OpIfNe, bytecode.OpIfLt, bytecode.OpIfGe:
			taken := blockFor(pc + int(in.Off))
			fall := blockFor(pc + in.Width)
			b = cu.block(id)
			b.Taken = taken
			b.FallThrough = fall
			cu.addPred(taken, id)
			cu.addPred(fall, id)
			return nil
		case bytecode.OpSwitch:
			targets := make([]BlockID, len(in.SwitchTargets))
			for i, toff := range in.SwitchTargets {
				targets[i] = blockFor(pc + int(toff))
			}
			def := blockFor(pc + in.Width)
			b = cu.block(id)
			b.SwitchTargets = targets
			b.FallThrough = def
			for _, t := range targets {
				cu.addPred(t, id)
			}
			cu.addPred(def, id)
			return nil
		}

		pc += in.Width
		if leaders[pc] {
			next := blockFor(pc)
			b = cu.block(id)
			b.FallThrough = next
			cu.addPred(next, id)
			return nil
		}
	}
}

func (bb *bodyBuilder) append(id BlockID, in Ins) InsID {
	cu := bb.cu
	iid := cu.newIns(in)
	b := cu.block(id)
	b.Ins = append(b.Ins, iid)
	return iid
}

// expand translates one bytecode instruction into zero or more MIR
// instructions. Invokes and field accesses synthesize an explicit null check
// on the receiver ahead of the operation.
func (bb *bodyBuilder) expand(id BlockID, pc int, in bytecode.Instr) error {
	cu := bb.cu
	checkVReg := func(v uint16, what string) error {
		if int(v) >= cu.NumVRegs {
			return fmt.Errorf("%w: %s v%d out of range (%d registers) at %d",
				bytecode.ErrMalformed, what, v, cu.NumVRegs, pc)
		}
		return nil
	}

	switch in.Op {
	case bytecode.OpNop, bytecode.OpGoto:
		// No MIR; gotos live purely in block edges.
	case bytecode.OpConst:
		if err := checkVReg(in.A, "def"); err != nil {
			return err
		}
		bb.append(id, Ins{Op: MopConst, Offset: pc, VA: in.A, Lit: int64(in.Lit)})
	case bytecode.OpMove:
		if err := checkVReg(in.A, "def"); err != nil {
			return err
		}
		if err := checkVReg(in.B, "use"); err != nil {
			return err
		}
		bb.append(id, Ins{Op: MopMove, Offset: pc, VA: in.A, VB: in.B})
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor:
		for _, v := range []uint16{in.A, in.B, in.C} {
			if err := checkVReg(v, "operand"); err != nil {
				return err
			}
		}
		mop := map[bytecode.Op]MOp{
			bytecode.OpAdd: MopAdd, bytecode.OpSub: MopSub, bytecode.OpMul: MopMul,
			bytecode.OpAnd: MopAnd, bytecode.OpOr: MopOr, bytecode.OpXor: MopXor,
		}[in.Op]
		bb.append(id, Ins{Op: mop, Offset: pc, VA: in.A, VB: in.B, VC: in.C})
	case bytecode.OpIfEq, bytecode.OpIfNe, bytecode.OpIfLt, bytecode.OpIfGe:
		for _, v := range []uint16{in.A, in.B} {
			if err := checkVReg(v, "operand"); err != nil {
				return err
			}
		}
		mop := map[bytecode.Op]MOp{
			bytecode.OpIfEq: MopIfEq, bytecode.OpIfNe: MopIfNe,
			bytecode.OpIfLt: MopIfLt, bytecode.OpIfGe: MopIfGe,
		}[in.Op]
		bb.append(id, Ins{Op: mop, Offset: pc, VA: in.A, VB: in.B})
	case bytecode.OpSwitch:
		if err := checkVReg(in.A, "operand"); err != nil {
			return err
		}
		bb.append(id, Ins{Op: MopSwitch, Offset: pc, VA: in.A, SwitchFirstKey: in.SwitchFirstKey})
	case bytecode.OpReturn:
		if err := checkVReg(in.A, "operand"); err != nil {
			return err
		}
		bb.append(id, Ins{Op: MopReturn, Offset: pc, VA: in.A})
	case bytecode.OpReturnVoid:
		bb.append(id, Ins{Op: MopReturnVoid, Offset: pc})
	case bytecode.OpIGet, bytecode.OpIPut:
		if err := checkVReg(in.A, "value"); err != nil {
			return err
		}
		if err := checkVReg(in.B, "object"); err != nil {
			return err
		}
		fieldOff, ok := cu.Resolver.ResolveField(in.FieldIdx)
		if !ok {
			return fmt.Errorf("%w: unresolved field %d at %d", bytecode.ErrMalformed, in.FieldIdx, pc)
		}
		bb.append(id, Ins{Op: MopNullCheck, Offset: pc, VB: in.B})
		mop := MopIGet
		if in.Op == bytecode.OpIPut {
			mop = MopIPut
		}
		bb.append(id, Ins{Op: mop, Offset: pc, VA: in.A, VB: in.B, FieldOff: fieldOff})
	case bytecode.OpNew:
		if err := checkVReg(in.A, "def"); err != nil {
			return err
		}
		bb.append(id, Ins{Op: MopNew, Offset: pc, VA: in.A, Lit: int64(in.ClassIdx)})
	case bytecode.OpInvokeVirt, bytecode.OpInvokeStat:
		for _, v := range in.Args {
			if err := checkVReg(v, "argument"); err != nil {
				return err
			}
		}
		hasResult := in.Dst != bytecode.NoDst
		if hasResult {
			if err := checkVReg(in.Dst, "result"); err != nil {
				return err
			}
		}
		if in.Op == bytecode.OpInvokeStat && bb.tryInline(id, pc, in, hasResult) {
			return nil
		}
		mop := MopInvokeStat
		if in.Op == bytecode.OpInvokeVirt {
			mop = MopInvokeVirt
			bb.append(id, Ins{Op: MopNullCheck, Offset: pc, VB: in.Args[0]})
		}
		bb.append(id, Ins{
			Op: mop, Offset: pc, VA: in.Dst, MethodIdx: in.MethodIdx,
			ArgVRegs: append([]uint16(nil), in.Args...), HasResult: hasResult,
		})
	default:
		return fmt.Errorf("%w: opcode %s has no MIR expansion", bytecode.ErrMalformed, in.Op)
	}
	return nil
}

// tryInline expands a static call in place when the callee is resolvable and
// its body is a single trivial return. Legality is deliberately narrow:
// anything with a side effect, a branch, or an unresolvable target is left as
// a call. Returns true when the call was replaced.
func (bb *bodyBuilder) tryInline(id BlockID, pc int, in bytecode.Instr, hasResult bool) bool {
	cu := bb.cu
	if !cu.Opts.Inline {
		return false
	}
	callee, ok := cu.Resolver.ResolveMethod(in.MethodIdx)
	if !ok || callee.AccessFlags&(bytecode.FlagNative|bytecode.FlagAbstract) != 0 {
		return false
	}
	if len(in.Args) != int(callee.NumIns) {
		return false
	}

	kind, lit, argIdx := classifyTrivialBody(callee)
	switch kind {
	case trivialNone:
		return false
	case trivialReturnVoid:
		cu.Stats.Inlined++
		return true
	case trivialReturnConst:
		if hasResult {
			bb.append(id, Ins{Op: MopConst, Offset: pc, VA: in.Dst, Lit: lit})
		}
		cu.Stats.Inlined++
		return true
	case trivialReturnArg:
		if argIdx >= len(in.Args) {
			return false
		}
		if hasResult {
			bb.append(id, Ins{Op: MopMove, Offset: pc, VA: in.Dst, VB: in.Args[argIdx]})
		}
		cu.Stats.Inlined++
		return true
	}
	return false
}

type trivialKind int

const (
	trivialNone trivialKind = iota
	trivialReturnVoid
	trivialReturnConst
	trivialReturnArg
)

// classifyTrivialBody recognizes the callee shapes eligible for inlining:
// an empty return, "const; return", or "return arg".
func classifyTrivialBody(m *bytecode.Method) (trivialKind, int64, int) {
	var ins []bytecode.Instr
	for pc := 0; pc < len(m.Code); {
		in, err := bytecode.Decode(m.Code, pc)
		if err != nil {
			return trivialNone, 0, 0
		}
		ins = append(ins, in)
		pc += in.Width
		if len(ins) > 2 {
			return trivialNone, 0, 0
		}
	}
	argBase := int(m.NumVRegs) - int(m.NumIns)

	switch len(ins) {
	case 1:
		switch ins[0].Op {
		case bytecode.OpReturnVoid:
			return trivialReturnVoid, 0, 0
		case bytecode.OpReturn:
			if idx := int(ins[0].A) - argBase; idx >= 0 {
				return trivialReturnArg, 0, idx
			}
		}
	case 2:
		if ins[0].Op == bytecode.OpConst && ins[1].Op == bytecode.OpReturn && ins[0].A == ins[1].A {
			return trivialReturnConst, int64(ins[0].Lit), 0
		}
	}
	return trivialNone, 0, 0
}

// ReachableFrom returns the set of blocks reachable from the entry block.
// Used by layout and verification.
func (cu *CompilationUnit) ReachableFrom(start BlockID) map[BlockID]bool {
	seen := map[BlockID]bool{}
	var stack []BlockID
	stack = append(stack, start)
	var succs []BlockID
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		succs = cu.block(id).Succs(succs[:0])
		for _, s := range succs {
			if !seen[s] {
				stack = append(stack, s)
			}
		}
	}
	return seen
}

// SortedBlockIDs returns the live block ids in ascending order, for
// deterministic iteration in passes and tests.
func (cu *CompilationUnit) SortedBlockIDs() []BlockID {
	ids := make([]BlockID, 0, len(cu.Blocks))
	cu.LiveBlocks(func(b *Block) { ids = append(ids, b.ID) })
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
