// Package compiler orchestrates the per-method pipeline: unit setup, graph
// construction, SSA, optimization, allocation, lowering, assembly, and
// metadata synthesis. One call to CompileMethod is one method compile; the
// unit's arena is released on every return path, including panics.
package compiler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ternvm/tern/internal/backend"
	"github.com/ternvm/tern/internal/bytecode"
	"github.com/ternvm/tern/internal/lir"
	"github.com/ternvm/tern/internal/meta"
	"github.com/ternvm/tern/internal/mir"
	"github.com/ternvm/tern/internal/regalloc"

	// Targets register themselves at init.
	_ "github.com/ternvm/tern/internal/backend/amd64"
	_ "github.com/ternvm/tern/internal/backend/arm64"
)

// ErrUnsupported marks methods the quick path declines: no compilable body,
// or a shape the target cannot express. Recoverable; the caller falls back
// to the interpreter.
var ErrUnsupported = errors.New("compiler: method not supported")

// CompiledMethod is the pipeline's output: machine code plus the side tables
// the runtime needs to install, unwind, and scan it.
type CompiledMethod struct {
	Name      string
	MethodIdx uint16
	ISA       mir.ISA

	Code []byte

	FrameSize     int32
	CoreSpillMask uint32
	FPSpillMask   uint32

	Mapping []meta.PCEntry
	Vmap    []uint16
	GCMap   meta.GCMap
}

var (
	initOnce sync.Once
	initErr  error
)

// Init validates the compiled-in backend set. Idempotent; CompileMethod
// calls it, so explicit use is only needed to fail fast at startup.
func Init() error {
	initOnce.Do(func() {
		sets := backend.Registered()
		if len(sets) == 0 {
			initErr = errors.New("compiler: no backends registered")
			return
		}
		slog.Debug("compiler initialized", "backends", sets)
	})
	return initErr
}

// CompileMethod runs the whole pipeline for one method. A nil CompiledMethod
// with a non-nil error is a per-method outcome, not a process failure: the
// error either wraps ErrUnsupported, bytecode.ErrMalformed, or
// backend.ErrPortable, or reports a target limitation.
func CompileMethod(cfg Config, m *bytecode.Method, res bytecode.Resolver) (*CompiledMethod, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	isa, err := mir.ParseISA(cfg.ISA)
	if err != nil {
		return nil, err
	}
	be, err := backend.Lookup(isa)
	if err != nil {
		return nil, err
	}
	if m.AccessFlags&(bytecode.FlagNative|bytecode.FlagAbstract) != 0 {
		return nil, fmt.Errorf("%w: %s has no compilable body", ErrUnsupported, m.Name)
	}

	cu := mir.NewUnit(isa, m, res, cfg.opts())
	defer cu.Release()
	log := slog.With("method", m.Name, "isa", isa)

	if cu.Opts.Special {
		if shape := backend.DetectSpecial(m, res); shape.Kind != backend.ShapeNone {
			list, err := be.LowerSpecial(cu, shape, nil)
			switch {
			case err == nil:
				log.Debug("special-case template", "shape", shape.Kind)
				return finish(cu, be, list, nil)
			case errors.Is(err, backend.ErrTemplate):
				log.Debug("template failed, falling back", "shape", shape.Kind, "err", err)
			default:
				return nil, err
			}
		}
	}

	pass := func(name string, f func() error) error {
		start := time.Now()
		err := f()
		log.Debug("pass", "name", name, "elapsed", time.Since(start))
		return err
	}
	run := func(name string, f func()) {
		pass(name, func() error { f(); return nil })
	}

	if err := pass("build", func() error { return mir.BuildGraph(cu) }); err != nil {
		return nil, err
	}
	run("layout", func() { mir.CodeLayout(cu) })
	run("split-edges", func() { mir.SplitCriticalEdges(cu) })
	if cu.Opts.VerifyDataflow {
		mir.Verify(cu)
	}
	run("ssa", func() { mir.ComputeSSA(cu) })
	if cu.Opts.ConstProp {
		run("const-prop", func() { mir.PropagateConstants(cu) })
	}
	run("count-uses", func() { mir.CountUses(cu) })
	if cu.Opts.NullCheckElim {
		run("null-check-elim", func() { mir.EliminateNullChecks(cu) })
	}
	if cu.Opts.Combine {
		run("combine", func() { mir.CombineBlocks(cu) })
	}
	if cu.Opts.BlockOpt {
		run("block-opt", func() { mir.OptimizeBlocks(cu) })
	}
	if cu.Opts.VerifyDataflow {
		mir.Verify(cu)
	}
	if cu.Opts.DebugDump {
		log.Debug("cfg dump", "cfg", cu.DumpCFG())
	}

	locs := regalloc.InitLocations(cu)
	asn, err := regalloc.Allocate(cu, be.RegSet(), locs)
	if err != nil {
		return nil, err
	}

	list, err := be.Lower(cu, asn)
	if err != nil {
		if errors.Is(err, backend.ErrPortable) {
			log.Debug("routed to portable path")
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	log.Debug("unit stats",
		"blocks", cu.Stats.BlocksBuilt, "merged", cu.Stats.BlocksMerged,
		"ins", cu.Stats.InsBuilt, "values", cu.Stats.SSAValues,
		"phis", cu.Stats.PhisInserted, "folded", cu.Stats.ConstsFolded,
		"checks_killed", cu.Stats.ChecksKilled, "dead", cu.Stats.DeadRemoved,
		"inlined", cu.Stats.Inlined)

	return finish(cu, be, list, asn)
}

// finish assembles the LIR and synthesizes the side tables. The code is
// staged in the unit's arena and copied into the result, which owns no arena
// memory once Release runs. A nil assignment means the special-case template
// path: no frame, no promoted registers.
func finish(cu *mir.CompilationUnit, be backend.Backend, list *lir.List, asn *regalloc.Assignment) (*CompiledMethod, error) {
	code, err := list.AssembleTo(be.Encoder(), cu.Arena.Alloc)
	if err != nil {
		return nil, err
	}
	cm := &CompiledMethod{
		Name:      cu.Method.Name,
		MethodIdx: cu.Method.MethodIdx,
		ISA:       cu.ISA,
		Code:      append([]byte(nil), code...),
		Mapping:   meta.BuildMappingTable(list.Mappings()),
	}
	if asn == nil {
		cm.Vmap = meta.BuildVmap(nil, nil, 0)
		cm.GCMap = meta.BuildGCMap(list.Safepoints(), 0, 0)
		return cm, nil
	}

	cm.FrameSize = asn.FrameSize
	cm.CoreSpillMask = asn.CoreSpillMask
	cm.FPSpillMask = asn.FPSpillMask

	var core []meta.CoreEntry
	for v := 0; v < cu.NumVRegs && v < len(cu.Vals); v++ {
		if loc := asn.Loc(mir.ValID(v)); loc.Kind == regalloc.KindReg {
			core = append(core, meta.CoreEntry{VReg: uint16(v), Reg: loc.Reg})
		}
	}
	cm.Vmap = meta.BuildVmap(core, nil, asn.FrameSize)

	regMask, slotMask := refMasks(cu, asn, be.RegSet().WordSize)
	cm.GCMap = meta.BuildGCMap(list.Safepoints(), regMask, slotMask)
	return cm, nil
}

// refMasks computes which physical registers and frame slots may hold object
// references. Conservative and method-wide: a value is a reference if it is
// an allocation result, a loaded field, a call result, is used as a receiver,
// or flows from one through moves and phis. The bytecode carries no static
// types, so every value that may hold a reference is reported; the scanner
// tolerates over-reporting, never the reverse.
func refMasks(cu *mir.CompilationUnit, asn *regalloc.Assignment, wordSize int32) (uint32, uint64) {
	refs := make([]bool, len(cu.Vals))
	mark := func(v mir.ValID) bool {
		if v == mir.NoVal || refs[v] {
			return false
		}
		refs[v] = true
		return true
	}

	for i := range cu.Ins {
		in := cu.InsRef(mir.InsID(i))
		if in.Removed {
			continue
		}
		switch in.Op {
		case mir.MopNew:
			mark(in.Def)
		case mir.MopNullCheck:
			mark(in.Uses[0])
		case mir.MopIGet:
			mark(in.Uses[0])
			mark(in.Def)
		case mir.MopIPut:
			mark(in.Uses[1])
		case mir.MopInvokeVirt:
			if len(in.Uses) > 0 {
				mark(in.Uses[0])
			}
			mark(in.Def)
		case mir.MopInvokeStat:
			mark(in.Def)
		}
	}

	for changed := true; changed; {
		changed = false
		for i := range cu.Ins {
			in := cu.InsRef(mir.InsID(i))
			if in.Removed || in.Def == mir.NoVal {
				continue
			}
			if in.Op != mir.MopMove && in.Op != mir.MopPhi {
				continue
			}
			for _, u := range in.Uses {
				if u != mir.NoVal && refs[u] {
					if mark(in.Def) {
						changed = true
					}
					break
				}
			}
		}
	}

	var regMask uint32
	var slotMask uint64
	for v, isRef := range refs {
		if !isRef {
			continue
		}
		switch loc := asn.Loc(mir.ValID(v)); loc.Kind {
		case regalloc.KindReg:
			regMask |= 1 << loc.Reg
		case regalloc.KindSlot:
			if idx := loc.Slot / wordSize; idx < 64 {
				slotMask |= 1 << idx
			}
		}
	}
	return regMask, slotMask
}
