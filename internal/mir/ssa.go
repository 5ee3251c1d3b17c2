package mir

import "fmt"

// useVRegs returns the raw virtual registers an instruction reads, in operand
// order. Only meaningful before SSA renaming.
func useVRegs(in *Ins, buf []uint16) []uint16 {
	buf = buf[:0]
	switch in.Op {
	case MopMove, MopIGet, MopNullCheck:
		buf = append(buf, in.VB)
	case MopAdd, MopSub, MopMul, MopAnd, MopOr, MopXor:
		buf = append(buf, in.VB, in.VC)
	case MopIfEq, MopIfNe, MopIfLt, MopIfGe:
		buf = append(buf, in.VA, in.VB)
	case MopSwitch, MopReturn:
		buf = append(buf, in.VA)
	case MopIPut:
		buf = append(buf, in.VA, in.VB)
	case MopInvokeVirt, MopInvokeStat:
		buf = append(buf, in.ArgVRegs...)
	}
	return buf
}

// defVReg returns the virtual register an instruction writes, if any.
func defVReg(in *Ins) (uint16, bool) {
	if in.Op.HasDef() {
		return in.VA, true
	}
	if (in.Op == MopInvokeVirt || in.Op == MopInvokeStat) && in.HasResult {
		return in.VA, true
	}
	return 0, false
}

// ComputeSSA renames every definition and use into SSA form, inserting phi
// instructions at join points reached by multiple definitions. Every virtual
// register has an implicit version-0 definition at the entry block (incoming
// arguments land there), so after this pass each use is covered by exactly
// one definition on every path.
func ComputeSSA(cu *CompilationUnit) {
	dom := computeDominators(cu)

	// Registers that are ever read; phis for write-only registers would be
	// dead on arrival.
	used := make([]bool, cu.NumVRegs)
	var scratch []uint16
	for i := range cu.Ins {
		if cu.Ins[i].Removed {
			continue
		}
		for _, v := range useVRegs(&cu.Ins[i], scratch) {
			used[v] = true
		}
	}

	cu.placePhis(dom, used)
	cu.rename(dom)
}

// placePhis inserts a phi for vreg v at every block in the iterated dominance
// frontier of v's definition sites.
func (cu *CompilationUnit) placePhis(dom *domInfo, used []bool) {
	defBlocks := make([][]BlockID, cu.NumVRegs)
	for v := range defBlocks {
		defBlocks[v] = append(defBlocks[v], cu.Entry) // implicit entry def
	}
	cu.LiveBlocks(func(b *Block) {
		for _, iid := range b.Ins {
			in := cu.ins(iid)
			if in.Removed {
				continue
			}
			if v, ok := defVReg(in); ok {
				defBlocks[v] = appendUnique(defBlocks[v], b.ID)
			}
		}
	})

	for v := 0; v < cu.NumVRegs; v++ {
		if !used[v] {
			continue
		}
		hasPhi := map[BlockID]bool{}
		work := append([]BlockID(nil), defBlocks[v]...)
		for len(work) > 0 {
			site := work[len(work)-1]
			work = work[:len(work)-1]
			for _, y := range dom.frontier[site] {
				yb := cu.block(y)
				if hasPhi[y] || yb.Removed || yb.Kind == BlockExit {
					continue
				}
				hasPhi[y] = true
				phi := cu.newIns(Ins{Op: MopPhi, Offset: yb.Offset, VA: uint16(v)})
				cu.ins(phi).Uses = make([]ValID, len(yb.Preds))
				for i := range cu.ins(phi).Uses {
					cu.ins(phi).Uses[i] = NoVal
				}
				yb.Ins = append([]InsID{phi}, yb.Ins...)
				cu.Stats.PhisInserted++
				work = append(work, y)
			}
		}
	}
}

// rename walks the dominator tree assigning versioned values to definitions
// and rewriting uses to the reaching definition.
func (cu *CompilationUnit) rename(dom *domInfo) {
	stacks := make([][]ValID, cu.NumVRegs)
	versions := make([]uint16, cu.NumVRegs)
	for v := 0; v < cu.NumVRegs; v++ {
		v0 := cu.newValue(SSAName{VReg: uint16(v), Ver: 0}, NoIns, cu.Entry)
		stacks[v] = append(stacks[v], v0)
		versions[v] = 1
	}

	top := func(v uint16) ValID {
		s := stacks[v]
		return s[len(s)-1]
	}

	var scratch []uint16
	var succs []BlockID
	var walk func(id BlockID)
	walk = func(id BlockID) {
		b := cu.block(id)
		var pushed []uint16

		for _, iid := range b.Ins {
			in := cu.ins(iid)
			if in.Removed {
				continue
			}
			if in.Op != MopPhi {
				uvs := useVRegs(in, scratch)
				in.Uses = make([]ValID, len(uvs))
				for i, v := range uvs {
					in.Uses[i] = top(v)
				}
			}
			if v, ok := defVReg(in); ok {
				val := cu.newValue(SSAName{VReg: v, Ver: versions[v]}, iid, id)
				versions[v]++
				in.Def = val
				if in.Op == MopNew {
					cu.val(val).NonNull = true
				}
				stacks[v] = append(stacks[v], val)
				pushed = append(pushed, v)
			}
		}

		succs = b.Succs(succs[:0])
		for _, s := range succs {
			sb := cu.block(s)
			pidx := predIndex(sb, id)
			if pidx < 0 {
				panic(fmt.Sprintf("mir: b%d missing pred b%d during rename", s, id))
			}
			for _, iid := range sb.Ins {
				in := cu.ins(iid)
				if in.Op != MopPhi {
					break
				}
				if in.Removed {
					continue
				}
				in.Uses[pidx] = top(in.VA)
			}
		}

		for _, c := range dom.children[id] {
			walk(c)
		}
		for i := len(pushed) - 1; i >= 0; i-- {
			v := pushed[i]
			stacks[v] = stacks[v][:len(stacks[v])-1]
		}
	}
	walk(cu.Entry)
}

func predIndex(b *Block, pred BlockID) int {
	for i, p := range b.Preds {
		if p == pred {
			return i
		}
	}
	return -1
}
