// Package regalloc assigns each SSA value a home: a physical register, a
// stack slot, or nothing at all for values that are never read. The allocator
// is a single linear pass in priority order, trading code quality for compile
// latency; there is no graph coloring and no live-range splitting.
package regalloc

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/ternvm/tern/internal/mir"
)

// Kind says where a value lives.
type Kind uint8

const (
	KindNone Kind = iota // never read; no storage assigned
	KindReg
	KindSlot
)

func (k Kind) String() string {
	switch k {
	case KindReg:
		return "reg"
	case KindSlot:
		return "slot"
	default:
		return "none"
	}
}

// Location is the per-SSA-value descriptor built by InitLocations and
// refined by Allocate. IsConst piggybacks the constant-propagation result so
// backends can pick immediate forms without consulting the value table.
type Location struct {
	Kind Kind
	Reg  uint8
	Slot int32 // byte offset from the frame base, valid when Kind == KindSlot
	FP   bool

	IsConst bool
	Const   int64
}

func (l Location) String() string {
	switch l.Kind {
	case KindReg:
		return fmt.Sprintf("r%d", l.Reg)
	case KindSlot:
		return fmt.Sprintf("[sp+%d]", l.Slot)
	default:
		return "-"
	}
}

// RegSet is the target's register partition, supplied by the backend before
// allocation runs. Core and FP are in allocation preference order and must
// exclude any register the calling convention or the lowering needs for
// itself (scratch, stack pointer, argument staging).
type RegSet struct {
	Core        []uint8
	FP          []uint8
	CalleeSaved uint32 // bitmask over core register numbers
	WordSize    int32
	StackAlign  int32
	MinFrame    int32

	// Reserve is frame space the calling convention claims before any slot:
	// the link-register pair on arm64, nothing on amd64 where the return
	// address lives in the caller's frame.
	Reserve int32
}

// Assignment is the allocation result consumed by lowering and metadata
// synthesis.
type Assignment struct {
	Locs []Location // indexed by mir.ValID

	CoreSpillMask uint32
	FPSpillMask   uint32
	FrameSize     int32
	NumSlots      int32
}

// Loc returns the location for a value.
func (a *Assignment) Loc(v mir.ValID) Location { return a.Locs[v] }

// InitLocations builds the initial location table: one descriptor per SSA
// value, carrying only the constant facts at this point. Storage is assigned
// by Allocate.
func InitLocations(cu *mir.CompilationUnit) []Location {
	locs := make([]Location, len(cu.Vals))
	for i := range cu.Vals {
		v := cu.Val(mir.ValID(i))
		if v.IsConst {
			locs[i].IsConst = true
			locs[i].Const = v.Const
		}
	}
	return locs
}

// Allocate runs the linear priority allocation: values with higher use counts
// get registers first, ties broken by ascending SSA name (virtual register,
// then version) so the result is deterministic. Values that are never read
// keep KindNone. The spill masks record which callee-saved registers the
// prologue must preserve.
func Allocate(cu *mir.CompilationUnit, rs RegSet, locs []Location) (*Assignment, error) {
	if len(rs.Core) == 0 {
		return nil, fmt.Errorf("regalloc: target provides no allocatable core registers")
	}
	if rs.StackAlign <= 0 || rs.WordSize <= 0 {
		return nil, fmt.Errorf("regalloc: invalid register set geometry (word %d, align %d)",
			rs.WordSize, rs.StackAlign)
	}

	type cand struct {
		id  mir.ValID
		val *mir.Value
	}
	var cands []cand
	for i := range cu.Vals {
		v := cu.Val(mir.ValID(i))
		if v.UseCount > 0 {
			cands = append(cands, cand{id: mir.ValID(i), val: v})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i].val, cands[j].val
		if a.UseCount != b.UseCount {
			return a.UseCount > b.UseCount
		}
		return a.Name.Less(b.Name)
	})

	asn := &Assignment{Locs: locs}
	nextReg := 0
	for _, c := range cands {
		l := &asn.Locs[c.id]
		if nextReg < len(rs.Core) {
			l.Kind = KindReg
			l.Reg = rs.Core[nextReg]
			nextReg++
			if rs.CalleeSaved&(1<<l.Reg) != 0 {
				asn.CoreSpillMask |= 1 << l.Reg
			}
		} else {
			l.Kind = KindSlot
			l.Slot = asn.NumSlots * rs.WordSize
			asn.NumSlots++
		}
	}

	saved := int32(bits.OnesCount32(asn.CoreSpillMask) + bits.OnesCount32(asn.FPSpillMask))
	raw := asn.NumSlots*rs.WordSize + saved*rs.WordSize + rs.Reserve
	asn.FrameSize = (raw + rs.StackAlign - 1) &^ (rs.StackAlign - 1)
	if asn.FrameSize < rs.MinFrame {
		asn.FrameSize = rs.MinFrame
	}
	return asn, nil
}
