package lir

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Minimal opcode space for exercising the container: a one-byte literal and a
// five-byte branch with a rel32 displacement.
const (
	tByte Op = iota
	tBr
)

type testEnc struct{}

func (testEnc) SizeOf(in *Ins) (int32, error) {
	switch in.Op {
	case tByte:
		return 1, nil
	case tBr:
		return 5, nil
	}
	return 0, fmt.Errorf("unknown op %d", in.Op)
}

func (testEnc) Encode(buf []byte, in *Ins, labelOff func(Label) int32) ([]byte, error) {
	switch in.Op {
	case tByte:
		return append(buf, byte(in.Imm)), nil
	case tBr:
		rel := labelOff(in.Target) - (in.Offset + 5)
		buf = append(buf, 0xEB)
		return binary.LittleEndian.AppendUint32(buf, uint32(rel)), nil
	}
	return nil, fmt.Errorf("unknown op %d", in.Op)
}

func TestAssembleForwardBranch(t *testing.T) {
	l := NewList(0)
	target := l.NewLabel()
	l.AppendBranch(Ins{Op: tBr}, target)
	l.Append(Ins{Op: tByte, Imm: 0xAA})
	l.Bind(target)
	l.Append(Ins{Op: tByte, Imm: 0xBB})

	code, err := l.Assemble(testEnc{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := []byte{0xEB, 1, 0, 0, 0, 0xAA, 0xBB}
	if diff := cmp.Diff(want, code); diff != "" {
		t.Fatalf("code mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleBackwardBranch(t *testing.T) {
	l := NewList(0)
	top := l.NewLabel()
	l.Bind(top)
	l.Append(Ins{Op: tByte, Imm: 1})
	l.AppendBranch(Ins{Op: tBr}, top)

	code, err := l.Assemble(testEnc{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	rel := int32(binary.LittleEndian.Uint32(code[2:]))
	if rel != -6 {
		t.Fatalf("backward rel = %d, want -6", rel)
	}
}

func TestAssembleLabelBoundAtEnd(t *testing.T) {
	l := NewList(0)
	end := l.NewLabel()
	l.AppendBranch(Ins{Op: tBr}, end)
	l.Bind(end)

	code, err := l.Assemble(testEnc{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if rel := int32(binary.LittleEndian.Uint32(code[1:])); rel != 0 {
		t.Fatalf("end-label rel = %d, want 0", rel)
	}
}

func TestAssembleUnboundLabel(t *testing.T) {
	l := NewList(0)
	dangling := l.NewLabel()
	l.AppendBranch(Ins{Op: tBr}, dangling)

	if _, err := l.Assemble(testEnc{}); err == nil || !strings.Contains(err.Error(), "never bound") {
		t.Fatalf("Assemble err = %v, want unbound-label error", err)
	}
}

func TestBindTwicePanics(t *testing.T) {
	l := NewList(0)
	lb := l.NewLabel()
	l.Bind(lb)
	defer func() {
		if recover() == nil {
			t.Fatal("second Bind did not panic")
		}
	}()
	l.Bind(lb)
}

func TestAppendZeroTargetMeansNoTarget(t *testing.T) {
	l := NewList(0)
	l.Append(Ins{Op: tByte})
	if got := l.At(0).Target; got != NoLabel {
		t.Fatalf("zero-value target = %d, want NoLabel", got)
	}
}

func TestMappingsDedupSourceRuns(t *testing.T) {
	l := NewList(0)
	l.Append(Ins{Op: tByte, SrcOffset: -1}) // prologue, unmapped
	l.Append(Ins{Op: tByte, SrcOffset: 0})
	l.Append(Ins{Op: tByte, SrcOffset: 0})
	l.Append(Ins{Op: tByte, SrcOffset: 4})
	l.Append(Ins{Op: tByte, SrcOffset: -1})
	l.Append(Ins{Op: tByte, SrcOffset: 4})
	if _, err := l.Assemble(testEnc{}); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	got := l.Mappings()
	want := [][2]int32{{1, 0}, {3, 4}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestSafepointOffsets(t *testing.T) {
	l := NewList(0)
	l.Append(Ins{Op: tByte})
	l.Append(Ins{Op: tByte, Safepoint: true})
	l.Append(Ins{Op: tByte})
	l.Append(Ins{Op: tByte, Safepoint: true})
	if _, err := l.Assemble(testEnc{}); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	got := l.Safepoints()
	want := []int32{1, 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("safepoints mismatch (-want +got):\n%s", diff)
	}
}
