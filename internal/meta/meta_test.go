package meta

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func TestBuildVmapOrdering(t *testing.T) {
	core := []CoreEntry{{VReg: 5, Reg: 1}, {VReg: 2, Reg: 3}, {VReg: 9, Reg: 0}}
	fp := []uint16{1, 3}

	got := BuildVmap(core, fp, 32)
	want := []uint16{2, 5, 9, VmapFrameSentinel, 1, 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("vmap mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildVmapNoFrameNoSentinel(t *testing.T) {
	got := BuildVmap([]CoreEntry{{VReg: 7}}, []uint16{4}, 0)
	want := []uint16{7, 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("vmap mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildVmapEmpty(t *testing.T) {
	if got := BuildVmap(nil, nil, 0); len(got) != 0 {
		t.Fatalf("empty vmap has %d entries", len(got))
	}
}

func TestBuildVmapProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nCore := rapid.IntRange(0, 16).Draw(t, "ncore")
		core := make([]CoreEntry, nCore)
		seen := map[uint16]bool{}
		for i := range core {
			v := rapid.Uint16Range(0, 1000).Filter(func(v uint16) bool { return !seen[v] }).Draw(t, "vreg")
			seen[v] = true
			core[i] = CoreEntry{VReg: v, Reg: uint8(i)}
		}
		fp := rapid.SliceOfN(rapid.Uint16Range(0, 1000), 0, 8).Draw(t, "fp")
		frame := rapid.Int32Range(0, 256).Draw(t, "frame")

		table := BuildVmap(core, fp, frame)

		wantLen := nCore + len(fp)
		if frame > 0 {
			wantLen++
		}
		if len(table) != wantLen {
			t.Fatalf("table len %d, want %d", len(table), wantLen)
		}
		// Core prefix sorted ascending.
		for i := 1; i < nCore; i++ {
			if table[i-1] >= table[i] {
				t.Fatalf("core entries not sorted: %v", table[:nCore])
			}
		}
		// FP suffix preserved verbatim.
		suffix := table[len(table)-len(fp):]
		for i, v := range fp {
			if suffix[i] != v {
				t.Fatalf("fp suffix %v, want %v", suffix, fp)
			}
		}
	})
}

func TestGCMapRoundTrip(t *testing.T) {
	m := BuildGCMap([]int32{0, 12, 40}, 0b1010, 0b11)
	got := m.Safepoints()
	want := []uint32{0, 12, 40}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("safepoints mismatch (-want +got):\n%s", diff)
	}
}

func TestGCMapEmpty(t *testing.T) {
	m := BuildGCMap(nil, 0, 0)
	if got := m.Safepoints(); len(got) != 0 {
		t.Fatalf("empty map decoded %d safepoints", len(got))
	}
}
