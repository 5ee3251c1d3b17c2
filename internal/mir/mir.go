// Package mir holds the per-method compilation unit and its medium-level IR:
// a control-flow graph of decoded instructions, the SSA value table, and the
// passes that run between graph construction and instruction selection.
//
// All cross-references inside the graph are integer handles (BlockID, InsID,
// ValID) into tables owned by the CompilationUnit, so the whole method's state
// can be dropped in one arena release.
package mir

import (
	"fmt"
	"strings"

	"github.com/ternvm/tern/internal/arena"
	"github.com/ternvm/tern/internal/bytecode"
)

// ISA identifies a target instruction set. Backends register themselves under
// one of these tags and are selected once per compilation.
type ISA uint8

const (
	ISANone ISA = iota
	ISAAmd64
	ISAArm64
)

func (i ISA) String() string {
	switch i {
	case ISAAmd64:
		return "amd64"
	case ISAArm64:
		return "arm64"
	default:
		return fmt.Sprintf("isa(%d)", uint8(i))
	}
}

// ParseISA maps a target name to its tag.
func ParseISA(s string) (ISA, error) {
	switch s {
	case "amd64":
		return ISAAmd64, nil
	case "arm64":
		return ISAArm64, nil
	default:
		return ISANone, fmt.Errorf("mir: unknown instruction set %q", s)
	}
}

// Opts are the named optimization and debug switches copied into the unit at
// setup. Zero value means everything enabled except verification and dumping.
type Opts struct {
	ConstProp     bool
	NullCheckElim bool
	Combine       bool
	BlockOpt      bool
	Inline        bool
	Special       bool

	VerifyDataflow bool
	DebugDump      bool
}

// AllOpts returns Opts with every optimization switched on.
func AllOpts() Opts {
	return Opts{ConstProp: true, NullCheckElim: true, Combine: true, BlockOpt: true, Inline: true, Special: true}
}

// Handle types. Negative values mean "none".
type (
	BlockID int32
	InsID   int32
	ValID   int32
)

const (
	NoBlock BlockID = -1
	NoIns   InsID   = -1
	NoVal   ValID   = -1
)

// BlockKind classifies a basic block.
type BlockKind uint8

const (
	BlockNormal BlockKind = iota
	BlockEntry
	BlockExit
	BlockHandler
)

func (k BlockKind) String() string {
	switch k {
	case BlockEntry:
		return "entry"
	case BlockExit:
		return "exit"
	case BlockHandler:
		return "handler"
	default:
		return "block"
	}
}

// MOp is a medium-level IR opcode. Most mirror a bytecode opcode; the rest
// are synthesized by the builder (null checks) or the SSA pass (phis).
type MOp uint8

const (
	MopNop MOp = iota
	MopConst
	MopMove
	MopAdd
	MopSub
	MopMul
	MopAnd
	MopOr
	MopXor
	MopIfEq
	MopIfNe
	MopIfLt
	MopIfGe
	MopSwitch
	MopReturn
	MopReturnVoid
	MopIGet
	MopIPut
	MopNew
	MopInvokeVirt
	MopInvokeStat
	MopNullCheck
	MopPhi
)

var mopNames = [...]string{
	MopNop: "nop", MopConst: "const", MopMove: "move",
	MopAdd: "add", MopSub: "sub", MopMul: "mul", MopAnd: "and", MopOr: "or", MopXor: "xor",
	MopIfEq: "if-eq", MopIfNe: "if-ne", MopIfLt: "if-lt", MopIfGe: "if-ge",
	MopSwitch: "switch", MopReturn: "return", MopReturnVoid: "return-void",
	MopIGet: "iget", MopIPut: "iput", MopNew: "new",
	MopInvokeVirt: "invoke-virtual", MopInvokeStat: "invoke-static",
	MopNullCheck: "null-check", MopPhi: "phi",
}

func (op MOp) String() string {
	if int(op) < len(mopNames) && mopNames[op] != "" {
		return mopNames[op]
	}
	return fmt.Sprintf("mop(%d)", uint8(op))
}

// HasDef reports whether the op writes a virtual register.
func (op MOp) HasDef() bool {
	switch op {
	case MopConst, MopMove, MopAdd, MopSub, MopMul, MopAnd, MopOr, MopXor,
		MopIGet, MopNew, MopPhi:
		return true
	}
	return false
}

// SideEffects reports whether the op has effects beyond its def, so dead-code
// removal and reordering must leave it alone.
func (op MOp) SideEffects() bool {
	switch op {
	case MopIPut, MopIGet, MopInvokeVirt, MopInvokeStat, MopNullCheck, MopNew,
		MopReturn, MopReturnVoid, MopIfEq, MopIfNe, MopIfLt, MopIfGe, MopSwitch:
		return true
	}
	return false
}

// Ins is one MIR instruction. Before the SSA pass operands are the raw
// virtual registers (VA..VC, ArgVRegs); after it, Def and Uses carry the
// versioned value handles and the raw fields are only kept for dumping.
type Ins struct {
	Op     MOp
	Offset int // bytecode offset in code units

	VA, VB, VC uint16
	Lit        int64
	FieldOff   uint16 // resolved object byte offset for iget/iput
	MethodIdx  uint16
	ArgVRegs   []uint16

	SwitchFirstKey int16

	// Invoke result present (VA valid) only when this is true.
	HasResult bool

	Def  ValID
	Uses []ValID

	Removed bool
}

// Block is a basic block: an ordered instruction list plus explicit edges.
// Taken is the branch target (or the only successor), FallThrough the
// not-taken path. Switch blocks additionally carry per-case targets with
// FallThrough as the default.
type Block struct {
	ID     BlockID
	Kind   BlockKind
	Offset int

	Ins []InsID

	Taken         BlockID
	FallThrough   BlockID
	SwitchTargets []BlockID

	Preds []BlockID

	Visited bool
	Removed bool
}

// Succs appends every distinct successor of b to dst and returns it.
func (b *Block) Succs(dst []BlockID) []BlockID {
	add := func(id BlockID) {
		if id == NoBlock {
			return
		}
		for _, have := range dst {
			if have == id {
				return
			}
		}
		dst = append(dst, id)
	}
	add(b.Taken)
	add(b.FallThrough)
	for _, t := range b.SwitchTargets {
		add(t)
	}
	return dst
}

// ReplaceSucc rewrites every edge from b to old so it points at new.
func (b *Block) ReplaceSucc(old, new BlockID) {
	if b.Taken == old {
		b.Taken = new
	}
	if b.FallThrough == old {
		b.FallThrough = new
	}
	for i, t := range b.SwitchTargets {
		if t == old {
			b.SwitchTargets[i] = new
		}
	}
}

// SSAName is a versioned virtual register.
type SSAName struct {
	VReg uint16
	Ver  uint16
}

func (n SSAName) String() string { return fmt.Sprintf("v%d_%d", n.VReg, n.Ver) }

// Less orders names by virtual register, then version. Used as the
// deterministic tie-break throughout allocation.
func (n SSAName) Less(o SSAName) bool {
	if n.VReg != o.VReg {
		return n.VReg < o.VReg
	}
	return n.Ver < o.Ver
}

// Value is one SSA value: a name, its single defining instruction, and the
// facts the optimization passes accumulate about it.
type Value struct {
	Name     SSAName
	Def      InsID // NoIns for the implicit entry definition of each vreg
	DefBlock BlockID

	UseCount int32

	IsConst bool
	Const   int64

	// NonNull is set for values that provably hold a non-null reference
	// (allocation results). Null-check elimination seeds from it.
	NonNull bool
}

// Stats are per-unit counters surfaced by the driver at debug level.
type Stats struct {
	BlocksBuilt  int
	BlocksMerged int
	InsBuilt     int
	SSAValues    int
	PhisInserted int
	ConstsFolded int
	ChecksKilled int
	DeadRemoved  int
	Inlined      int
}

// CompilationUnit owns every piece of per-method state for one compile. It is
// created at pipeline entry, never shared across goroutines, and its arena is
// released exactly once at pipeline exit.
type CompilationUnit struct {
	ISA      ISA
	Method   *bytecode.Method
	Resolver bytecode.Resolver
	Opts     Opts

	NumVRegs int

	Arena *arena.Arena

	Blocks []Block
	Ins    []Ins
	Vals   []Value

	Entry BlockID
	Exit  BlockID

	// Order is the block emission order chosen by code layout.
	Order []BlockID

	Stats Stats
}

// NewUnit allocates a unit and its arena for one method.
func NewUnit(set ISA, m *bytecode.Method, res bytecode.Resolver, opts Opts) *CompilationUnit {
	return &CompilationUnit{
		ISA:      set,
		Method:   m,
		Resolver: res,
		Opts:     opts,
		NumVRegs: int(m.NumVRegs),
		Arena:    arena.New(0),
		Entry:    NoBlock,
		Exit:     NoBlock,
	}
}

// Release drops the unit's arena. Safe to call exactly once; the pipeline
// guarantees it runs on every exit path.
func (cu *CompilationUnit) Release() {
	cu.Arena.Release()
}

func (cu *CompilationUnit) newBlock(kind BlockKind, offset int) *Block {
	id := BlockID(len(cu.Blocks))
	cu.Blocks = append(cu.Blocks, Block{
		ID: id, Kind: kind, Offset: offset,
		Taken: NoBlock, FallThrough: NoBlock,
	})
	cu.Stats.BlocksBuilt++
	return &cu.Blocks[id]
}

func (cu *CompilationUnit) newIns(in Ins) InsID {
	id := InsID(len(cu.Ins))
	in.Def = NoVal
	cu.Ins = append(cu.Ins, in)
	cu.Stats.InsBuilt++
	return id
}

func (cu *CompilationUnit) newValue(name SSAName, def InsID, defBlock BlockID) ValID {
	id := ValID(len(cu.Vals))
	cu.Vals = append(cu.Vals, Value{Name: name, Def: def, DefBlock: defBlock})
	cu.Stats.SSAValues++
	return id
}

func (cu *CompilationUnit) block(id BlockID) *Block { return &cu.Blocks[id] }
func (cu *CompilationUnit) ins(id InsID) *Ins       { return &cu.Ins[id] }
func (cu *CompilationUnit) val(id ValID) *Value     { return &cu.Vals[id] }

// Val exposes the value table to later stages.
func (cu *CompilationUnit) Val(id ValID) *Value { return &cu.Vals[id] }

// BlockRef exposes a block to later stages.
func (cu *CompilationUnit) BlockRef(id BlockID) *Block { return &cu.Blocks[id] }

// InsRef exposes an instruction to later stages.
func (cu *CompilationUnit) InsRef(id InsID) *Ins { return &cu.Ins[id] }

func (cu *CompilationUnit) addPred(to, from BlockID) {
	b := cu.block(to)
	for _, p := range b.Preds {
		if p == from {
			return
		}
	}
	b.Preds = append(b.Preds, from)
}

// LiveBlocks calls f for every non-removed block in creation order.
func (cu *CompilationUnit) LiveBlocks(f func(*Block)) {
	for i := range cu.Blocks {
		if !cu.Blocks[i].Removed {
			f(&cu.Blocks[i])
		}
	}
}

// DumpCFG renders the graph for debug logging.
func (cu *CompilationUnit) DumpCFG() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "method %s (%s, %d vregs)\n", cu.Method.Name, cu.ISA, cu.NumVRegs)
	cu.LiveBlocks(func(b *Block) {
		fmt.Fprintf(&sb, "  b%d %s @%d preds=%v", b.ID, b.Kind, b.Offset, b.Preds)
		if b.Taken != NoBlock {
			fmt.Fprintf(&sb, " taken=b%d", b.Taken)
		}
		if b.FallThrough != NoBlock {
			fmt.Fprintf(&sb, " fall=b%d", b.FallThrough)
		}
		if len(b.SwitchTargets) > 0 {
			fmt.Fprintf(&sb, " switch=%v", b.SwitchTargets)
		}
		sb.WriteByte('\n')
		for _, id := range b.Ins {
			in := cu.ins(id)
			if in.Removed {
				continue
			}
			fmt.Fprintf(&sb, "    %s", in.Op)
			if in.Def != NoVal {
				fmt.Fprintf(&sb, " %s :=", cu.val(in.Def).Name)
			}
			for _, u := range in.Uses {
				fmt.Fprintf(&sb, " %s", cu.val(u).Name)
			}
			if in.Op == MopConst {
				fmt.Fprintf(&sb, " #%d", in.Lit)
			}
			sb.WriteByte('\n')
		}
	})
	return sb.String()
}
