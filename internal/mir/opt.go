package mir

// The optimization passes run in a fixed order; each consumes facts the
// previous one established. PropagateConstants needs SSA form, CountUses
// feeds allocation priority and dead-code removal, EliminateNullChecks needs
// value identity, CombineBlocks cleans up the control shape afterwards, and
// OptimizeBlocks does local peephole work last.

// PropagateConstants marks SSA values that provably hold one constant and
// folds instructions whose operands all agree. Phi results become constant
// only when every incoming definition carries the same constant.
func PropagateConstants(cu *CompilationUnit) {
	if !cu.Opts.ConstProp {
		return
	}
	for changed := true; changed; {
		changed = false
		cu.LiveBlocks(func(b *Block) {
			for _, iid := range b.Ins {
				in := cu.ins(iid)
				if in.Removed || in.Def == NoVal {
					continue
				}
				def := cu.val(in.Def)
				if def.IsConst {
					continue
				}
				if c, ok := cu.foldIns(in); ok {
					def.IsConst = true
					def.Const = c
					if in.Op != MopPhi && in.Op != MopConst {
						// Rewrite to a plain constant so lowering never
						// re-evaluates the folded operation.
						in.Op = MopConst
						in.Lit = c
						in.Uses = nil
						cu.Stats.ConstsFolded++
					}
					changed = true
				}
			}
		})
	}
}

// foldIns evaluates in if every operand is a known constant.
func (cu *CompilationUnit) foldIns(in *Ins) (int64, bool) {
	switch in.Op {
	case MopConst:
		return in.Lit, true
	case MopMove:
		u := cu.val(in.Uses[0])
		return u.Const, u.IsConst
	case MopPhi:
		var c int64
		for i, use := range in.Uses {
			if use == NoVal {
				return 0, false
			}
			u := cu.val(use)
			if !u.IsConst {
				return 0, false
			}
			if i == 0 {
				c = u.Const
			} else if u.Const != c {
				return 0, false
			}
		}
		return c, len(in.Uses) > 0
	case MopAdd, MopSub, MopMul, MopAnd, MopOr, MopXor:
		a, b := cu.val(in.Uses[0]), cu.val(in.Uses[1])
		if !a.IsConst || !b.IsConst {
			return 0, false
		}
		switch in.Op {
		case MopAdd:
			return a.Const + b.Const, true
		case MopSub:
			return a.Const - b.Const, true
		case MopMul:
			return a.Const * b.Const, true
		case MopAnd:
			return a.Const & b.Const, true
		case MopOr:
			return a.Const | b.Const, true
		case MopXor:
			return a.Const ^ b.Const, true
		}
	}
	return 0, false
}

// CountUses recomputes every value's use count. Pure analysis; the counts
// drive register-allocation priority and dead-code removal.
func CountUses(cu *CompilationUnit) {
	for i := range cu.Vals {
		cu.Vals[i].UseCount = 0
	}
	cu.LiveBlocks(func(b *Block) {
		for _, iid := range b.Ins {
			in := cu.ins(iid)
			if in.Removed {
				continue
			}
			for _, u := range in.Uses {
				if u != NoVal {
					cu.val(u).UseCount++
				}
			}
		}
	})
}

// EliminateNullChecks removes a null check when the checked value is already
// known non-null on every path into it: either a dominating check on the same
// SSA value ran, or the value is an allocation result. A check that might be
// the only source of the required exception is never removed, because the
// analysis only meets facts over all predecessors.
func EliminateNullChecks(cu *CompilationUnit) {
	if !cu.Opts.NullCheckElim {
		return
	}
	dom := computeDominators(cu)

	in := map[BlockID]map[ValID]bool{}
	out := map[BlockID]map[ValID]bool{}

	// Fixpoint over a pure transfer function first; removal only happens once
	// the solution has converged, so an optimistic intermediate state can
	// never justify deleting a check a loop path still needs.
	for changed := true; changed; {
		changed = false
		for _, id := range dom.rpo {
			b := cu.block(id)
			in[id] = meetNonNull(cu, b, out)

			next := map[ValID]bool{}
			for v := range in[id] {
				next[v] = true
			}
			for _, iid := range b.Ins {
				ins := cu.ins(iid)
				if ins.Removed {
					continue
				}
				switch ins.Op {
				case MopNullCheck:
					next[ins.Uses[0]] = true
				case MopNew:
					next[ins.Def] = true
				}
			}
			if !sameSet(out[id], next) {
				out[id] = next
				changed = true
			}
		}
	}

	// Removal sweep with the converged facts.
	for _, id := range dom.rpo {
		b := cu.block(id)
		known := map[ValID]bool{}
		for v := range in[id] {
			known[v] = true
		}
		for _, iid := range b.Ins {
			ins := cu.ins(iid)
			if ins.Removed {
				continue
			}
			switch ins.Op {
			case MopNullCheck:
				v := ins.Uses[0]
				if known[v] || cu.val(v).NonNull {
					ins.Removed = true
					// Keep the count exact: allocation priority and dead-code
					// removal read it after this pass.
					cu.val(v).UseCount--
					cu.Stats.ChecksKilled++
				} else {
					known[v] = true
				}
			case MopNew:
				known[ins.Def] = true
			}
		}
	}
}

// meetNonNull intersects the non-null facts over every predecessor. A
// predecessor with no computed out-set yet contributes nothing restrictive
// until the fixpoint loop reaches it.
func meetNonNull(cu *CompilationUnit, b *Block, out map[BlockID]map[ValID]bool) map[ValID]bool {
	var cur map[ValID]bool
	for _, p := range b.Preds {
		po, ok := out[p]
		if !ok {
			continue
		}
		if cur == nil {
			cur = map[ValID]bool{}
			for v := range po {
				cur[v] = true
			}
			continue
		}
		for v := range cur {
			if !po[v] {
				delete(cur, v)
			}
		}
	}
	if cur == nil {
		cur = map[ValID]bool{}
	}
	return cur
}

func sameSet(a, b map[ValID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for v := range a {
		if !b[v] {
			return false
		}
	}
	return true
}

// CombineBlocks merges adjacent blocks after check elimination may have
// simplified the control shape. Idempotent: a second run finds nothing to do.
func CombineBlocks(cu *CompilationUnit) {
	if !cu.Opts.Combine {
		return
	}
	mergeChains(cu)
	cu.Order = layoutOrder(cu)
}

// OptimizeBlocks is the local peephole pass: dead-definition removal and
// trivial algebraic rewrites within a block. Instructions with observable
// side effects are never removed or reordered. Use counts are kept exact as
// instructions disappear, since allocation reads them afterwards.
func OptimizeBlocks(cu *CompilationUnit) {
	if !cu.Opts.BlockOpt {
		return
	}
	dropUses := func(in *Ins) {
		for _, u := range in.Uses {
			if u != NoVal {
				cu.val(u).UseCount--
			}
		}
	}

	for changed := true; changed; {
		changed = false
		cu.LiveBlocks(func(b *Block) {
			for _, iid := range b.Ins {
				in := cu.ins(iid)
				if in.Removed {
					continue
				}

				// Algebraic identities on binary ops.
				switch in.Op {
				case MopAdd, MopSub, MopXor, MopOr:
					if v, ok := cu.identityOperand(in, 0); ok {
						dropUses(in)
						in.Op = MopMove
						in.Uses = []ValID{v}
						cu.val(v).UseCount++
						changed = true
					}
				case MopMul:
					if v, ok := cu.identityOperand(in, 1); ok {
						dropUses(in)
						in.Op = MopMove
						in.Uses = []ValID{v}
						cu.val(v).UseCount++
						changed = true
					} else if cu.operandIsConst(in, 0) {
						dropUses(in)
						in.Op = MopConst
						in.Lit = 0
						in.Uses = nil
						if d := cu.val(in.Def); !d.IsConst {
							d.IsConst = true
							d.Const = 0
						}
						changed = true
					}
				}

				// Dead definition with no observable effect.
				if in.Def != NoVal && cu.val(in.Def).UseCount == 0 && !in.Op.SideEffects() {
					dropUses(in)
					in.Removed = true
					cu.Stats.DeadRemoved++
					changed = true
				}
			}
		})
	}
}

// identityOperand returns the non-constant operand of a binary op whose other
// operand equals the identity element (0 for add/sub/xor/or, 1 for mul).
// For the non-commutative sub only "x - 0" applies.
func (cu *CompilationUnit) identityOperand(in *Ins, identity int64) (ValID, bool) {
	if len(in.Uses) != 2 {
		return NoVal, false
	}
	a, b := cu.val(in.Uses[0]), cu.val(in.Uses[1])
	if b.IsConst && b.Const == identity {
		return in.Uses[0], true
	}
	if in.Op != MopSub && a.IsConst && a.Const == identity {
		return in.Uses[1], true
	}
	return NoVal, false
}

// operandIsConst reports whether either operand is the given constant.
func (cu *CompilationUnit) operandIsConst(in *Ins, c int64) bool {
	for _, u := range in.Uses {
		if v := cu.val(u); v.IsConst && v.Const == c {
			return true
		}
	}
	return false
}
