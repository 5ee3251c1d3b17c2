package arm64

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ternvm/tern/internal/lir"
)

// encodeOne assembles a single instruction through the normal two-pass path,
// which also cross-checks SizeOf against the emitted length.
func encodeOne(t *testing.T, in lir.Ins) []byte {
	t.Helper()
	l := lir.NewList(0)
	l.Append(in)
	code, err := l.Assemble(encoder{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return code
}

func TestEncodeForms(t *testing.T) {
	tests := []struct {
		name string
		in   lir.Ins
		want []byte
	}{
		{"nop", lir.Ins{Op: opNop}, []byte{0x1F, 0x20, 0x03, 0xD5}},
		{"ret", lir.Ins{Op: opRet}, []byte{0xC0, 0x03, 0x5F, 0xD6}},
		{"brk", lir.Ins{Op: opTrap}, []byte{0x00, 0x00, 0x20, 0xD4}},
		{"movz/movk x19", lir.Ins{Op: opMovRI, R1: X19, Imm: 0x1122334455667788},
			[]byte{
				0x13, 0xF1, 0x8E, 0xD2, // movz x19, #0x7788
				0xD3, 0xAC, 0xAA, 0xF2, // movk x19, #0x5566, lsl 16
				0x93, 0x68, 0xC6, 0xF2, // movk x19, #0x3344, lsl 32
				0x53, 0x24, 0xE2, 0xF2, // movk x19, #0x1122, lsl 48
			}},
		{"mov x19, x20", lir.Ins{Op: opMovRR, R1: X19, R2: X20},
			[]byte{0xF3, 0x03, 0x14, 0xAA}},
		{"add x19, x20, x21", lir.Ins{Op: opAddRR, R1: X19, R2: X20, R3: X21},
			[]byte{0x93, 0x02, 0x15, 0x8B}},
		{"sub x19, x20, x21", lir.Ins{Op: opSubRR, R1: X19, R2: X20, R3: X21},
			[]byte{0x93, 0x02, 0x15, 0xCB}},
		{"mul x19, x20, x21", lir.Ins{Op: opMulRR, R1: X19, R2: X20, R3: X21},
			[]byte{0x93, 0x7E, 0x15, 0x9B}},
		{"cmp x19, x20", lir.Ins{Op: opCmpRR, R1: X19, R2: X20},
			[]byte{0x7F, 0x02, 0x14, 0xEB}},
		{"ldr x19, [sp, #16]", lir.Ins{Op: opLoadSlot, R1: X19, Disp: 16},
			[]byte{0xF3, 0x0B, 0x40, 0xF9}},
		{"str x20, [x19, #8]", lir.Ins{Op: opStoreMem, R1: X20, R2: X19, Disp: 8},
			[]byte{0x74, 0x06, 0x00, 0xF9}},
		{"sub sp, sp, #32", lir.Ins{Op: opAddSP, Imm: -32},
			[]byte{0xFF, 0x83, 0x00, 0xD1}},
		{"stp x29, x30, [sp]", lir.Ins{Op: opStp},
			[]byte{0xFD, 0x7B, 0x00, 0xA9}},
		{"ldp x29, x30, [sp]", lir.Ins{Op: opLdp},
			[]byte{0xFD, 0x7B, 0x40, 0xA9}},
		{"call table", lir.Ins{Op: opCallTable, Imm: dispatchMethods},
			[]byte{
				0x50, 0x09, 0x40, 0xF9, // ldr x16, [x10, #16]
				0x00, 0x02, 0x3F, 0xD6, // blr x16
			}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, encodeOne(t, tt.in)); diff != "" {
				t.Fatalf("bytes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeForwardCbz(t *testing.T) {
	l := lir.NewList(0)
	target := l.NewLabel()
	l.AppendBranch(lir.Ins{Op: opCbz, R1: X19}, target)
	l.Append(lir.Ins{Op: opNop})
	l.Bind(target)
	l.Append(lir.Ins{Op: opRet})

	code, err := l.Assemble(encoder{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	// cbz skips two words forward.
	want := []byte{
		0x53, 0x00, 0x00, 0xB4,
		0x1F, 0x20, 0x03, 0xD5,
		0xC0, 0x03, 0x5F, 0xD6,
	}
	if diff := cmp.Diff(want, code); diff != "" {
		t.Fatalf("bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeForwardBeq(t *testing.T) {
	l := lir.NewList(0)
	target := l.NewLabel()
	l.AppendBranch(lir.Ins{Op: opBcc, Imm: ccEQ}, target)
	l.Append(lir.Ins{Op: opNop})
	l.Bind(target)
	l.Append(lir.Ins{Op: opRet})

	code, err := l.Assemble(encoder{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if diff := cmp.Diff([]byte{0x40, 0x00, 0x00, 0x54}, code[:4]); diff != "" {
		t.Fatalf("b.eq mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeBackwardB(t *testing.T) {
	l := lir.NewList(0)
	top := l.NewLabel()
	l.Bind(top)
	l.Append(lir.Ins{Op: opNop})
	l.AppendBranch(lir.Ins{Op: opB}, top)

	code, err := l.Assemble(encoder{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	// b back one word, to itself minus one.
	if diff := cmp.Diff([]byte{0xFF, 0xFF, 0xFF, 0x17}, code[4:]); diff != "" {
		t.Fatalf("b mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeFrameAdjustmentTooLarge(t *testing.T) {
	l := lir.NewList(0)
	l.Append(lir.Ins{Op: opAddSP, Imm: -(1 << 13)})
	if _, err := l.Assemble(encoder{}); err == nil {
		t.Fatal("frame adjustment beyond imm12 accepted")
	}
}

func TestEncodeUnalignedFieldOffset(t *testing.T) {
	if _, err := (encoder{}).SizeOf(&lir.Ins{Op: opLoadMem, R1: X19, R2: X20, Disp: 4}); err == nil {
		t.Fatal("unaligned field offset sized without error")
	}
}

func TestEncodeUnknownOp(t *testing.T) {
	if _, err := (encoder{}).SizeOf(&lir.Ins{Op: 0xFFF}); err == nil {
		t.Fatal("unknown op sized without error")
	}
}
