package compiler

import (
	"encoding/binary"
	"errors"
	"math/bits"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ternvm/tern/internal/arena"
	"github.com/ternvm/tern/internal/backend"
	"github.com/ternvm/tern/internal/bytecode"
	"github.com/ternvm/tern/internal/meta"
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

func testMethod(name string, numVRegs, numIns uint16, flags bytecode.Flags, code []uint16) *bytecode.Method {
	return &bytecode.Method{
		Name: name, AccessFlags: flags,
		NumVRegs: numVRegs, NumIns: numIns, Code: code,
	}
}

func testConfig(isa string) Config {
	cfg := DefaultConfig()
	cfg.ISA = isa
	return cfg
}

func TestCompileMethodEndToEnd(t *testing.T) {
	code := bytecode.NewBuilder().Add(0, 1, 2).Return(0).Units()
	m := testMethod("add", 3, 2, bytecode.FlagStatic, code)

	for _, isa := range []string{"amd64", "arm64"} {
		t.Run(isa, func(t *testing.T) {
			cm, err := CompileMethod(testConfig(isa), m, testContainer())
			assert.NilError(t, err)
			assert.Assert(t, len(cm.Code) > 0)
			assert.Equal(t, cm.Name, "add")
			assert.Assert(t, len(cm.Mapping) > 0)
			if isa == "arm64" {
				assert.Equal(t, len(cm.Code)%4, 0)
			}
		})
	}
}

// TestCompileMethodEmptyRoundTrip is the minimal-method contract: no virtual
// registers and an empty body produce no pc mappings and the smallest frame
// the target allows.
func TestCompileMethodEmptyRoundTrip(t *testing.T) {
	m := testMethod("empty", 0, 0, bytecode.FlagStatic,
		bytecode.NewBuilder().ReturnVoid().Units())

	for _, special := range []bool{true, false} {
		cfg := testConfig("amd64")
		cfg.Special = special
		cm, err := CompileMethod(cfg, m, testContainer())
		assert.NilError(t, err)
		assert.Equal(t, len(cm.Mapping), 0)
		assert.Equal(t, cm.FrameSize, int32(0))
		assert.Equal(t, cm.CoreSpillMask, uint32(0))
		assert.Equal(t, len(cm.Vmap), 0)
		assert.Equal(t, len(cm.GCMap.Safepoints()), 0)
	}
}

func TestCompileMethodNeverReturns(t *testing.T) {
	// A spin loop is valid input with no path to an exit block; verification
	// must accept the graph and the compile must succeed.
	m := testMethod("spin", 1, 0, bytecode.FlagStatic, bytecode.NewBuilder().Goto(0).Units())
	for _, isa := range []string{"amd64", "arm64"} {
		t.Run(isa, func(t *testing.T) {
			cfg := testConfig(isa)
			cfg.VerifyDataflow = true
			cm, err := CompileMethod(cfg, m, testContainer())
			assert.NilError(t, err)
			assert.Assert(t, len(cm.Code) > 0)
		})
	}
}

func TestCompileMethodGCMapCoversLoadedReference(t *testing.T) {
	// The loaded field and the receiver may both hold references, and both
	// live in registers here, so every safepoint mask must carry two
	// registers.
	code := bytecode.NewBuilder().
		IGet(0, 1, 0).
		InvokeStatic(0, bytecode.NoDst, 1).
		Return(0).
		Units()
	cfg := testConfig("amd64")
	cfg.Inline = false
	cm, err := CompileMethod(cfg, testMethod("hold", 2, 1, 0, code), testContainer())
	assert.NilError(t, err)

	assert.Assert(t, len(cm.GCMap.Safepoints()) > 0)
	regMask := binary.LittleEndian.Uint32(cm.GCMap[8:])
	assert.Equal(t, bits.OnesCount32(regMask), 2)
}

func TestCompileMethodSpecialFallback(t *testing.T) {
	// A getter matches the template shape. Forcing the template to fail must
	// transparently reroute through general lowering, and the result must
	// match a compile that never attempted the template.
	m := testMethod("getVal", 2, 1, 0,
		bytecode.NewBuilder().IGet(0, 1, 0).Return(0).Units())
	c := testContainer()

	templated, err := CompileMethod(testConfig("amd64"), m, c)
	assert.NilError(t, err)

	backend.ForceTemplateFailureForTesting(true)
	fallback, err := CompileMethod(testConfig("amd64"), m, c)
	backend.ForceTemplateFailureForTesting(false)
	assert.NilError(t, err)

	noSpecial := testConfig("amd64")
	noSpecial.Special = false
	general, err := CompileMethod(noSpecial, m, c)
	assert.NilError(t, err)

	assert.DeepEqual(t, fallback.Code, general.Code)
	assert.DeepEqual(t, fallback.Vmap, general.Vmap)
	assert.Equal(t, fallback.FrameSize, general.FrameSize)

	// The template output is legitimately different code for the same
	// behavior, typically shorter.
	assert.Assert(t, len(templated.Code) <= len(general.Code))
}

func TestCompileMethodVmapSentinel(t *testing.T) {
	// Enough competing values to force a frame; the vmap must carry the frame
	// sentinel between the sorted core entries and any fp entries.
	code := bytecode.NewBuilder().
		Const(0, 0).
		Const(1, 5).
		Const(2, 1).
		Const(3, 0).
		Add(0, 0, 1).
		Sub(1, 1, 2).
		If(bytecode.OpIfNe, 1, 3, -4).
		Return(0).
		Units()
	cm, err := CompileMethod(testConfig("amd64"), testMethod("sum", 4, 0, bytecode.FlagStatic, code), testContainer())
	assert.NilError(t, err)
	assert.Assert(t, cm.FrameSize > 0)

	sentinel := -1
	for i, v := range cm.Vmap {
		if v == meta.VmapFrameSentinel {
			sentinel = i
		}
	}
	assert.Assert(t, sentinel >= 0, "vmap %v has no frame sentinel", cm.Vmap)
	for i := 1; i < sentinel; i++ {
		assert.Assert(t, cm.Vmap[i-1] < cm.Vmap[i], "core entries not sorted: %v", cm.Vmap)
	}
}

func TestCompileMethodErrors(t *testing.T) {
	c := testContainer()
	tests := []struct {
		name string
		cfg  Config
		m    *bytecode.Method
		want error
	}{
		{"native method", testConfig("amd64"),
			testMethod("n", 0, 0, bytecode.FlagNative, nil), ErrUnsupported},
		{"abstract method", testConfig("amd64"),
			testMethod("a", 0, 0, bytecode.FlagAbstract, nil), ErrUnsupported},
		{"malformed body", testConfig("amd64"),
			testMethod("m", 1, 0, bytecode.FlagStatic, bytecode.NewBuilder().Const(0, 1).Units()),
			bytecode.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm, err := CompileMethod(tt.cfg, tt.m, c)
			assert.Assert(t, cm == nil)
			assert.Assert(t, errors.Is(err, tt.want), "err = %v", err)
		})
	}

	t.Run("unknown isa", func(t *testing.T) {
		_, err := CompileMethod(testConfig("riscv"), testMethod("r", 0, 0, bytecode.FlagStatic, nil), c)
		assert.ErrorContains(t, err, "unknown instruction set")
	})
}

// TestArenaBalance is the resource discipline check: every compilation
// attempt, successful or not, acquires exactly one arena and releases it
// exactly once.
func TestArenaBalance(t *testing.T) {
	c := testContainer()
	inputs := []struct {
		name  string
		cfg   Config
		m     *bytecode.Method
		force bool
	}{
		{"success", testConfig("amd64"),
			testMethod("ok", 1, 0, bytecode.FlagStatic, bytecode.NewBuilder().Const(0, 1).Return(0).Units()), false},
		{"malformed", testConfig("amd64"),
			testMethod("bad", 1, 0, bytecode.FlagStatic, bytecode.NewBuilder().Const(0, 1).Units()), false},
		{"template success", testConfig("amd64"),
			testMethod("t", 0, 0, bytecode.FlagStatic, bytecode.NewBuilder().ReturnVoid().Units()), false},
		{"template forced failure", testConfig("amd64"),
			testMethod("tf", 0, 0, bytecode.FlagStatic, bytecode.NewBuilder().ReturnVoid().Units()), true},
	}
	for _, tt := range inputs {
		t.Run(tt.name, func(t *testing.T) {
			if tt.force {
				backend.ForceTemplateFailureForTesting(true)
				defer backend.ForceTemplateFailureForTesting(false)
			}
			acq0, rel0 := arena.AcquireCount(), arena.ReleaseCount()
			_, _ = CompileMethod(tt.cfg, tt.m, c)
			acq, rel := arena.AcquireCount()-acq0, arena.ReleaseCount()-rel0
			assert.Equal(t, acq, int64(1), "arenas acquired")
			assert.Equal(t, rel, int64(1), "arenas released")
		})
	}
}

func TestDeterministicOutput(t *testing.T) {
	// Same input, same bytes: allocation tie-breaking and pass ordering leave
	// no room for run-to-run drift.
	code := bytecode.NewBuilder().
		Const(0, 0).
		Const(1, 5).
		Const(2, 1).
		Const(3, 0).
		Add(0, 0, 1).
		Sub(1, 1, 2).
		If(bytecode.OpIfNe, 1, 3, -4).
		Return(0).
		Units()
	m := testMethod("det", 4, 0, bytecode.FlagStatic, code)
	c := testContainer()

	first, err := CompileMethod(testConfig("amd64"), m, c)
	assert.NilError(t, err)
	for i := 0; i < 3; i++ {
		again, err := CompileMethod(testConfig("amd64"), m, c)
		assert.NilError(t, err)
		assert.DeepEqual(t, first.Code, again.Code)
		assert.DeepEqual(t, first.Vmap, again.Vmap)
		assert.DeepEqual(t, []byte(first.GCMap), []byte(again.GCMap))
	}
}
