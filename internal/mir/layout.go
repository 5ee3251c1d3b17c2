package mir

// CodeLayout orders blocks for emission, preferring the fall-through
// successor immediately after its predecessor, and merges trivial
// single-pred/single-succ chains left behind by the builder.
func CodeLayout(cu *CompilationUnit) {
	mergeChains(cu)
	cu.Order = layoutOrder(cu)
}

// layoutOrder is a depth-first walk from entry that visits the fall-through
// edge first, so the not-taken path of every branch lands adjacent in the
// final code. The exit block is placed last.
func layoutOrder(cu *CompilationUnit) []BlockID {
	order := make([]BlockID, 0, len(cu.Blocks))
	seen := make([]bool, len(cu.Blocks))

	var visit func(id BlockID)
	visit = func(id BlockID) {
		if id == NoBlock || seen[id] || cu.block(id).Removed {
			return
		}
		seen[id] = true
		if id != cu.Exit {
			order = append(order, id)
		}
		b := cu.block(id)
		visit(b.FallThrough)
		visit(b.Taken)
		for _, t := range b.SwitchTargets {
			visit(t)
		}
	}
	visit(cu.Entry)
	if cu.Exit != NoBlock && seen[cu.Exit] {
		order = append(order, cu.Exit)
	}
	return order
}

// SplitCriticalEdges inserts an empty block on every edge that leaves a
// multi-successor block and enters a multi-predecessor block. Runs before the
// SSA pass, so phi operands index the split blocks as predecessors and the
// backends can place phi-resolving moves at the end of any predecessor
// without conditional-branch interference. Recomputes the layout order.
func SplitCriticalEdges(cu *CompilationUnit) {
	for _, id := range cu.SortedBlockIDs() {
		b := cu.block(id)
		if b.Removed || b.Kind == BlockExit {
			continue
		}
		edges := len(b.SwitchTargets)
		if b.Taken != NoBlock {
			edges++
		}
		if b.FallThrough != NoBlock {
			edges++
		}
		if edges < 2 {
			continue
		}
		if nt := splitEdge(cu, id, cu.block(id).Taken); nt != NoBlock {
			cu.block(id).Taken = nt
		}
		if nt := splitEdge(cu, id, cu.block(id).FallThrough); nt != NoBlock {
			cu.block(id).FallThrough = nt
		}
		for i := 0; i < len(cu.block(id).SwitchTargets); i++ {
			if nt := splitEdge(cu, id, cu.block(id).SwitchTargets[i]); nt != NoBlock {
				cu.block(id).SwitchTargets[i] = nt
			}
		}
	}
	cu.Order = layoutOrder(cu)
}

// splitEdge returns a fresh block rerouting from->t when t has multiple
// predecessors, or NoBlock when the edge needs no split. The caller rewrites
// its successor field; all access goes through ids because newBlock growth
// invalidates block pointers.
func splitEdge(cu *CompilationUnit, from, t BlockID) BlockID {
	if t == NoBlock {
		return NoBlock
	}
	if cu.block(t).Kind == BlockExit || len(cu.block(t).Preds) < 2 {
		return NoBlock
	}
	eid := cu.newBlock(BlockNormal, cu.block(t).Offset).ID

	e := cu.block(eid)
	e.Taken = t
	e.Preds = append(e.Preds, from)

	// Replace the source with the split block in the destination's pred
	// list, preserving positions. When the source reached the destination
	// through two edges it was recorded once; the second split appends.
	s := cu.block(t)
	replaced := false
	for i, p := range s.Preds {
		if p == from {
			s.Preds[i] = eid
			replaced = true
			break
		}
	}
	if !replaced {
		s.Preds = append(s.Preds, eid)
	}
	return eid
}

// mergeChains folds a block into its unique predecessor when that is safe:
// the predecessor has exactly one successor, the block has exactly one
// predecessor, and neither carries switch or handler semantics. Runs to a
// fixed point and is idempotent.
func mergeChains(cu *CompilationUnit) {
	for {
		changed := false
		cu.LiveBlocks(func(b *Block) {
			if tryMergeInto(cu, b) {
				changed = true
			}
		})
		if !changed {
			return
		}
	}
}

// tryMergeInto merges b's single successor into b when legal.
func tryMergeInto(cu *CompilationUnit, b *Block) bool {
	if b.Removed || b.Kind == BlockExit || len(b.SwitchTargets) > 0 {
		return false
	}
	// Exactly one successor, via exactly one edge.
	var succ BlockID
	switch {
	case b.Taken != NoBlock && b.FallThrough == NoBlock:
		succ = b.Taken
	case b.Taken == NoBlock && b.FallThrough != NoBlock:
		succ = b.FallThrough
	default:
		return false
	}
	s := cu.block(succ)
	if s.Removed || s.Kind != BlockNormal || len(s.Preds) != 1 || s.Preds[0] != b.ID {
		return false
	}

	b.Ins = append(b.Ins, s.Ins...)
	b.Taken = s.Taken
	b.FallThrough = s.FallThrough
	b.SwitchTargets = s.SwitchTargets

	// Replace s in place in successor pred lists: phi operands are indexed
	// by predecessor position, so the order must not shift. b had s as its
	// only successor, so b cannot already be a pred of any of s's successors.
	var succs []BlockID
	for _, t := range s.Succs(succs[:0]) {
		next := cu.block(t)
		for i, p := range next.Preds {
			if p == s.ID {
				next.Preds[i] = b.ID
			}
		}
	}
	s.Removed = true
	s.Ins = nil
	s.Preds = nil
	s.Taken, s.FallThrough, s.SwitchTargets = NoBlock, NoBlock, nil
	cu.Stats.BlocksMerged++
	return true
}
