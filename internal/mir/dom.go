package mir

// domInfo is the dominator tree plus dominance frontiers for the current
// graph shape. Recomputed by passes that need it; never cached across graph
// mutations.
type domInfo struct {
	idom     map[BlockID]BlockID
	rpo      []BlockID
	rpoIndex map[BlockID]int
	children map[BlockID][]BlockID
	frontier map[BlockID][]BlockID
}

// computeDominators runs the iterative Cooper-Harvey-Kennedy algorithm over
// the live graph and derives the dominance frontiers used for phi placement.
func computeDominators(cu *CompilationUnit) *domInfo {
	d := &domInfo{
		idom:     map[BlockID]BlockID{},
		rpoIndex: map[BlockID]int{},
		children: map[BlockID][]BlockID{},
		frontier: map[BlockID][]BlockID{},
	}

	// Reverse postorder from entry.
	seen := map[BlockID]bool{}
	var post []BlockID
	var visit func(id BlockID)
	var succs []BlockID
	visit = func(id BlockID) {
		if id == NoBlock || seen[id] || cu.block(id).Removed {
			return
		}
		seen[id] = true
		succs = cu.block(id).Succs(succs[:0])
		for _, s := range append([]BlockID(nil), succs...) {
			visit(s)
		}
		post = append(post, id)
	}
	visit(cu.Entry)
	d.rpo = make([]BlockID, len(post))
	for i, id := range post {
		d.rpo[len(post)-1-i] = id
	}
	for i, id := range d.rpo {
		d.rpoIndex[id] = i
	}

	d.idom[cu.Entry] = cu.Entry
	for changed := true; changed; {
		changed = false
		for _, id := range d.rpo[1:] {
			var newIdom = NoBlock
			for _, p := range cu.block(id).Preds {
				if _, processed := d.idom[p]; !processed {
					continue
				}
				if newIdom == NoBlock {
					newIdom = p
				} else {
					newIdom = d.intersect(p, newIdom)
				}
			}
			if newIdom == NoBlock {
				continue
			}
			if d.idom[id] != newIdom {
				d.idom[id] = newIdom
				changed = true
			}
		}
	}

	// Children in reverse postorder, so the rename walk (and with it SSA
	// version numbering) is deterministic.
	for _, id := range d.rpo {
		if id == cu.Entry {
			continue
		}
		if parent, ok := d.idom[id]; ok {
			d.children[parent] = append(d.children[parent], id)
		}
	}

	for _, id := range d.rpo {
		b := cu.block(id)
		if len(b.Preds) < 2 {
			continue
		}
		for _, p := range b.Preds {
			if _, ok := d.idom[p]; !ok {
				continue
			}
			for runner := p; runner != d.idom[id]; runner = d.idom[runner] {
				d.frontier[runner] = appendUnique(d.frontier[runner], id)
			}
		}
	}
	return d
}

func (d *domInfo) intersect(a, b BlockID) BlockID {
	for a != b {
		for d.rpoIndex[a] > d.rpoIndex[b] {
			a = d.idom[a]
		}
		for d.rpoIndex[b] > d.rpoIndex[a] {
			b = d.idom[b]
		}
	}
	return a
}

// dominates reports whether a dominates b (reflexively).
func (d *domInfo) dominates(a, b BlockID) bool {
	for {
		if a == b {
			return true
		}
		parent, ok := d.idom[b]
		if !ok || parent == b {
			return false
		}
		b = parent
	}
}

func appendUnique(list []BlockID, id BlockID) []BlockID {
	for _, have := range list {
		if have == id {
			return list
		}
	}
	return append(list, id)
}
