package amd64

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ternvm/tern/internal/backend"
	"github.com/ternvm/tern/internal/bytecode"
	"github.com/ternvm/tern/internal/lir"
	"github.com/ternvm/tern/internal/mir"
	"github.com/ternvm/tern/internal/regalloc"
)

func testContainer() *bytecode.Container {
	c := &bytecode.Container{
		Version: bytecode.FormatVersion,
		Classes: []bytecode.Class{{
			Name:   "Box",
			Fields: []bytecode.Field{{Name: "val", Offset: 8}},
			Methods: []bytecode.Method{
				{Name: "touch", NumVRegs: 1, NumIns: 1,
					Code: bytecode.NewBuilder().ReturnVoid().Units()},
			},
		}},
	}
	c.Index()
	return c
}

func testMethod(numVRegs, numIns uint16, flags bytecode.Flags, code []uint16) *bytecode.Method {
	return &bytecode.Method{
		Name: "test", AccessFlags: flags,
		NumVRegs: numVRegs, NumIns: numIns, Code: code,
	}
}

// lowerMethod drives the passes a general-path compile runs before this
// backend takes over, then lowers.
func lowerMethod(t *testing.T, m *bytecode.Method) (*lir.List, *regalloc.Assignment) {
	t.Helper()
	cu := mir.NewUnit(mir.ISAAmd64, m, testContainer(), mir.AllOpts())
	t.Cleanup(cu.Release)
	if err := mir.BuildGraph(cu); err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	mir.CodeLayout(cu)
	mir.SplitCriticalEdges(cu)
	mir.ComputeSSA(cu)
	mir.PropagateConstants(cu)
	mir.CountUses(cu)
	mir.EliminateNullChecks(cu)
	mir.CombineBlocks(cu)
	mir.OptimizeBlocks(cu)

	asn, err := regalloc.Allocate(cu, regSet(), regalloc.InitLocations(cu))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	list, err := (amd64Backend{}).Lower(cu, asn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	return list, asn
}

func assemble(t *testing.T, l *lir.List) []byte {
	t.Helper()
	code, err := l.Assemble(encoder{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return code
}

func TestLowerSpecialTemplates(t *testing.T) {
	be := amd64Backend{}
	cu := mir.NewUnit(mir.ISAAmd64, testMethod(0, 0, 0, nil), testContainer(), mir.AllOpts())
	t.Cleanup(cu.Release)

	tests := []struct {
		name  string
		shape backend.Shape
		want  []byte
	}{
		{"empty", backend.Shape{Kind: backend.ShapeEmpty}, []byte{0xC3}},
		{"const return", backend.Shape{Kind: backend.ShapeConstReturn, Const: 7},
			[]byte{0x48, 0xB8, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xC3}},
		{"arg return", backend.Shape{Kind: backend.ShapeArgReturn, ArgIndex: 0},
			[]byte{0x48, 0x89, 0xF8, 0xC3}},
		{"getter", backend.Shape{Kind: backend.ShapeGetter, FieldOff: 8},
			[]byte{0x48, 0x8B, 0x87, 0x08, 0x00, 0x00, 0x00, 0xC3}},
		{"setter", backend.Shape{Kind: backend.ShapeSetter, ArgIndex: 1, FieldOff: 8},
			[]byte{0x48, 0x89, 0x97, 0x08, 0x00, 0x00, 0x00, 0xC3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := be.LowerSpecial(cu, tt.shape, nil)
			if err != nil {
				t.Fatalf("LowerSpecial: %v", err)
			}
			if diff := cmp.Diff(tt.want, assemble(t, l)); diff != "" {
				t.Fatalf("template bytes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLowerSpecialRejectsStackArgs(t *testing.T) {
	be := amd64Backend{}
	cu := mir.NewUnit(mir.ISAAmd64, testMethod(0, 0, 0, nil), testContainer(), mir.AllOpts())
	t.Cleanup(cu.Release)

	shape := backend.Shape{Kind: backend.ShapeArgReturn, ArgIndex: 6}
	if _, err := be.LowerSpecial(cu, shape, nil); !errors.Is(err, backend.ErrTemplate) {
		t.Fatalf("LowerSpecial err = %v, want ErrTemplate", err)
	}
}

func TestLowerRejectsTooManyArgs(t *testing.T) {
	m := testMethod(7, 7, bytecode.FlagStatic, bytecode.NewBuilder().ReturnVoid().Units())
	cu := mir.NewUnit(mir.ISAAmd64, m, testContainer(), mir.AllOpts())
	t.Cleanup(cu.Release)
	if err := mir.BuildGraph(cu); err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	mir.CodeLayout(cu)
	mir.ComputeSSA(cu)
	mir.CountUses(cu)
	asn, err := regalloc.Allocate(cu, regSet(), regalloc.InitLocations(cu))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := (amd64Backend{}).Lower(cu, asn); err == nil {
		t.Fatal("Lower accepted 7 register arguments")
	}
}

func TestLowerStraightLine(t *testing.T) {
	code := bytecode.NewBuilder().Add(0, 1, 2).Return(0).Units()
	list, _ := lowerMethod(t, testMethod(3, 2, bytecode.FlagStatic, code))
	out := assemble(t, list)

	if len(out) == 0 || out[len(out)-1] != 0xC3 {
		t.Fatalf("code does not end in ret: % x", out)
	}
	if got := list.Safepoints(); len(got) != 0 {
		t.Fatalf("leaf method has %d safepoints", len(got))
	}

	// Native offsets in the mapping table ascend.
	maps := list.Mappings()
	if len(maps) == 0 {
		t.Fatal("no pc mappings")
	}
	for i := 1; i < len(maps); i++ {
		if maps[i][0] <= maps[i-1][0] {
			t.Fatalf("mapping offsets not ascending: %v", maps)
		}
	}
}

func TestLowerNullCheckThrowPath(t *testing.T) {
	code := bytecode.NewBuilder().IGet(0, 1, 0).Return(0).Units()
	list, _ := lowerMethod(t, testMethod(2, 1, 0, code))
	out := assemble(t, list)

	if len(list.Safepoints()) == 0 {
		t.Fatal("null check emitted no safepoint")
	}
	// The shared throw path ends the method: call through the dispatch table
	// then a trap.
	if out[len(out)-2] != 0x0F || out[len(out)-1] != 0x0B {
		t.Fatalf("code does not end in the throw trap: % x", out[len(out)-4:])
	}
}

func TestLowerInvokeDispatch(t *testing.T) {
	code := bytecode.NewBuilder().InvokeVirtual(0, bytecode.NoDst, 1).ReturnVoid().Units()
	list, _ := lowerMethod(t, testMethod(2, 1, 0, code))

	found := false
	for i := 0; i < list.Len(); i++ {
		in := list.At(i)
		if in.Op == opCallTable && in.Imm == dispatchMethods {
			found = true
			if !in.Safepoint {
				t.Fatal("method dispatch not marked as a safepoint")
			}
		}
	}
	if !found {
		t.Fatal("no dispatch-table call for method 0")
	}
	assemble(t, list)
}

func TestLowerNewCallsAllocator(t *testing.T) {
	code := bytecode.NewBuilder().New(0, 3).Return(0).Units()
	list, _ := lowerMethod(t, testMethod(1, 0, bytecode.FlagStatic, code))

	found := false
	for i := 0; i < list.Len(); i++ {
		in := list.At(i)
		if in.Op == opCallTable && in.Imm == dispatchAlloc && in.Safepoint {
			found = true
		}
	}
	if !found {
		t.Fatal("no allocator call for new")
	}
	assemble(t, list)
}

// sumLoopCode counts 5..1 into an accumulator; the loop back edge makes the
// header a phi join whose parallel copies the lowering must resolve.
func sumLoopCode() []uint16 {
	return bytecode.NewBuilder().
		Const(0, 0).                   // pc 0: sum
		Const(1, 5).                   // pc 2: counter
		Const(2, 1).                   // pc 4: step
		Const(3, 0).                   // pc 6: zero
		Add(0, 0, 1).                  // pc 8: loop header
		Sub(1, 1, 2).                  // pc 10
		If(bytecode.OpIfNe, 1, 3, -4). // pc 12 -> 8
		Return(0).                     // pc 15
		Units()
}

func TestLowerLoopWithPhis(t *testing.T) {
	list, asn := lowerMethod(t, testMethod(4, 0, bytecode.FlagStatic, sumLoopCode()))
	out := assemble(t, list)

	if len(out) == 0 {
		t.Fatal("empty code")
	}
	if asn.FrameSize%stackAlign != 0 {
		t.Fatalf("frame size %d not %d-byte aligned", asn.FrameSize, stackAlign)
	}
	// The loop spills: more than five hot values compete for five registers.
	if asn.NumSlots == 0 {
		t.Fatal("expected stack slots for the loop's values")
	}
}

func TestLowerFramePrologueMatchesSpillMask(t *testing.T) {
	list, asn := lowerMethod(t, testMethod(4, 0, bytecode.FlagStatic, sumLoopCode()))

	var pushes int
	for i := 0; i < list.Len(); i++ {
		if list.At(i).Op == opPush {
			pushes++
		}
	}
	var saved int
	for r := 0; r < 32; r++ {
		if asn.CoreSpillMask&(1<<r) != 0 {
			saved++
		}
	}
	if pushes != saved {
		t.Fatalf("prologue pushes %d registers, spill mask has %d", pushes, saved)
	}
}
