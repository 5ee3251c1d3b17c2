package artifact

import (
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ternvm/tern/internal/compiler"
	"github.com/ternvm/tern/internal/meta"
	"github.com/ternvm/tern/internal/mir"
)

func testCompiled(idx uint16) *compiler.CompiledMethod {
	return &compiler.CompiledMethod{
		Name:          "Box.getVal",
		MethodIdx:     idx,
		ISA:           mir.ISAAmd64,
		Code:          []byte{0x48, 0x8B, 0x87, 0x08, 0x00, 0x00, 0x00, 0xC3},
		FrameSize:     16,
		CoreSpillMask: 0b1000,
		FPSpillMask:   0,
		Mapping:       []meta.PCEntry{{Native: 0, Source: 0}, {Native: 7, Source: 3}},
		Vmap:          []uint16{2, 5, meta.VmapFrameSentinel},
		GCMap:         meta.BuildGCMap([]int32{4}, 0b1000, 0),
	}
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.art"))
	assert.NilError(t, err)
	t.Cleanup(func() { assert.NilError(t, s.Close()) })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := openStore(t)
	want := testCompiled(3)
	assert.NilError(t, s.Put(want))

	got, err := s.Get(3)
	assert.NilError(t, err)
	assert.DeepEqual(t, want, got)
}

func TestStoreReplacesExisting(t *testing.T) {
	s := openStore(t)
	first := testCompiled(1)
	assert.NilError(t, s.Put(first))

	second := testCompiled(1)
	second.Code = []byte{0xC3}
	assert.NilError(t, s.Put(second))

	got, err := s.Get(1)
	assert.NilError(t, err)
	assert.DeepEqual(t, second, got)

	n, err := s.Count()
	assert.NilError(t, err)
	assert.Equal(t, n, 1)
}

func TestStoreGetMissing(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(42)
	assert.ErrorContains(t, err, "not found")
}

func TestStoreCount(t *testing.T) {
	s := openStore(t)
	for idx := uint16(0); idx < 5; idx++ {
		assert.NilError(t, s.Put(testCompiled(idx)))
	}
	n, err := s.Count()
	assert.NilError(t, err)
	assert.Equal(t, n, 5)
}
