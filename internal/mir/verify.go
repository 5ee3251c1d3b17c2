package mir

import "fmt"

// Verify recomputes flow and def-use consistency and panics on violation.
// Inconsistency here means a bug in the builder or a pass, never bad input,
// so it is treated the way the rest of the codebase treats programmer errors.
func Verify(cu *CompilationUnit) {
	if err := cu.CheckFlow(); err != nil {
		panic(fmt.Sprintf("mir: graph verification failed for %s: %v", cu.Method.Name, err))
	}
	if err := cu.CheckSSA(); err != nil {
		panic(fmt.Sprintf("mir: SSA verification failed for %s: %v", cu.Method.Name, err))
	}
}

// CheckFlow validates the block graph: one entry, reachability, and
// symmetric pred/succ edges.
func (cu *CompilationUnit) CheckFlow() error {
	if cu.Entry == NoBlock {
		return fmt.Errorf("no entry block")
	}
	entries := 0
	cu.LiveBlocks(func(b *Block) {
		if b.Kind == BlockEntry {
			entries++
		}
	})
	if entries != 1 {
		return fmt.Errorf("%d entry blocks, want 1", entries)
	}

	reach := cu.ReachableFrom(cu.Entry)
	var err error
	var succs []BlockID
	cu.LiveBlocks(func(b *Block) {
		if err != nil {
			return
		}
		if !reach[b.ID] {
			err = fmt.Errorf("b%d unreachable from entry", b.ID)
			return
		}
		succs = b.Succs(succs[:0])
		for _, s := range succs {
			if cu.block(s).Removed {
				err = fmt.Errorf("b%d has removed successor b%d", b.ID, s)
				return
			}
			if predIndex(cu.block(s), b.ID) < 0 {
				err = fmt.Errorf("edge b%d->b%d missing from pred list", b.ID, s)
				return
			}
		}
		for _, p := range b.Preds {
			if cu.block(p).Removed {
				err = fmt.Errorf("b%d has removed predecessor b%d", b.ID, p)
				return
			}
		}
	})
	return err
}

// CheckSSA validates the SSA invariant: every value has exactly one defining
// instruction and that definition dominates every use. Holds after ComputeSSA
// and must keep holding after every optimization pass.
func (cu *CompilationUnit) CheckSSA() error {
	if len(cu.Vals) == 0 {
		return nil // pre-SSA graph
	}
	dom := computeDominators(cu)

	defCount := make(map[ValID]int)
	cu.LiveBlocks(func(b *Block) {
		for _, iid := range b.Ins {
			in := cu.ins(iid)
			if in.Removed || in.Def == NoVal {
				continue
			}
			defCount[in.Def]++
		}
	})
	for vid, n := range defCount {
		if n != 1 {
			return fmt.Errorf("value %s has %d definitions", cu.val(vid).Name, n)
		}
	}

	var err error
	cu.LiveBlocks(func(b *Block) {
		if err != nil {
			return
		}
		pos := map[InsID]int{}
		for i, iid := range b.Ins {
			pos[iid] = i
		}
		for _, iid := range b.Ins {
			in := cu.ins(iid)
			if in.Removed {
				continue
			}
			for ui, u := range in.Uses {
				if u == NoVal {
					err = fmt.Errorf("b%d %s has unset operand %d", b.ID, in.Op, ui)
					return
				}
				v := cu.val(u)
				if in.Op == MopPhi {
					// A phi use must be dominated by its def along the
					// corresponding predecessor edge.
					if ui >= len(b.Preds) {
						err = fmt.Errorf("b%d phi operand %d has no predecessor", b.ID, ui)
						return
					}
					if !dom.dominates(v.DefBlock, b.Preds[ui]) {
						err = fmt.Errorf("phi use of %s in b%d not dominated via pred b%d",
							v.Name, b.ID, b.Preds[ui])
						return
					}
					continue
				}
				if v.DefBlock == b.ID {
					if v.Def != NoIns {
						dp, ok := pos[v.Def]
						if !ok || dp >= pos[iid] {
							err = fmt.Errorf("use of %s in b%d precedes its definition", v.Name, b.ID)
							return
						}
					}
					continue
				}
				if !dom.dominates(v.DefBlock, b.ID) {
					err = fmt.Errorf("use of %s in b%d not dominated by def in b%d",
						v.Name, b.ID, v.DefBlock)
					return
				}
			}
		}
	})
	return err
}
