package bytecode

import (
	"bytes"
	"errors"
	"testing"
)

func sampleContainer() *Container {
	getter := NewBuilder().IGet(0, 1, 0).Return(0).Units()
	adder := NewBuilder().Add(0, 2, 3).Return(0).Units()
	c := &Container{
		Version: FormatVersion,
		Classes: []Class{{
			Name:   "Point",
			Fields: []Field{{Name: "x", Offset: 8}, {Name: "y", Offset: 16}},
			Methods: []Method{
				{Name: "getX", NumVRegs: 2, NumIns: 1, Code: getter},
				{Name: "sum", AccessFlags: FlagStatic, NumVRegs: 4, NumIns: 2, Code: adder},
			},
		}},
	}
	c.Index()
	return c
}

func TestContainerRoundTrip(t *testing.T) {
	c := sampleContainer()
	var buf bytes.Buffer
	if err := c.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Methods()) != 2 {
		t.Fatalf("loaded %d methods, want 2", len(got.Methods()))
	}
	m, ok := got.ResolveMethod(1)
	if !ok || m.Name != "sum" {
		t.Fatalf("ResolveMethod(1) = %+v, %v; want sum", m, ok)
	}
	off, ok := got.ResolveField(1)
	if !ok || off != 16 {
		t.Fatalf("ResolveField(1) = %d, %v; want 16", off, ok)
	}
	if len(m.Code) != len(c.Classes[0].Methods[1].Code) {
		t.Fatalf("code length mismatch: %d vs %d", len(m.Code), len(c.Classes[0].Methods[1].Code))
	}
}

func TestLoadRejectsWrongMajorVersion(t *testing.T) {
	c := sampleContainer()
	c.Version = "2.0.0"
	var buf bytes.Buffer
	if err := c.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := Load(&buf); err == nil {
		t.Fatal("Load accepted a v2 container")
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	if _, err := Load(bytes.NewReader([]byte("NOPE1234"))); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Load err = %v, want ErrMalformed", err)
	}
}

func TestDecodeForms(t *testing.T) {
	tests := []struct {
		name  string
		code  []uint16
		want  Op
		width int
	}{
		{"const", NewBuilder().Const(1, -5).Units(), OpConst, 2},
		{"add", NewBuilder().Add(0, 1, 2).Units(), OpAdd, 2},
		{"if", NewBuilder().If(OpIfLt, 0, 1, 4).Units(), OpIfLt, 3},
		{"switch", NewBuilder().Switch(0, 10, 3, 5, 7).Units(), OpSwitch, 6},
		{"invoke", NewBuilder().InvokeVirtual(7, 0, 1, 2).Units(), OpInvokeVirt, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Decode(tt.code, 0)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if in.Op != tt.want || in.Width != tt.width {
				t.Fatalf("Decode = %s width %d, want %s width %d", in.Op, in.Width, tt.want, tt.width)
			}
		})
	}
}

func TestDecodeSwitchTargets(t *testing.T) {
	code := NewBuilder().Switch(2, -1, 6, 8).Units()
	in, err := Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.A != 2 || in.SwitchFirstKey != -1 {
		t.Fatalf("switch header = v%d key %d, want v2 key -1", in.A, in.SwitchFirstKey)
	}
	if len(in.SwitchTargets) != 2 || in.SwitchTargets[0] != 6 || in.SwitchTargets[1] != 8 {
		t.Fatalf("targets = %v, want [6 8]", in.SwitchTargets)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		code []uint16
	}{
		{"unknown opcode", []uint16{0x00FE}},
		{"truncated const", []uint16{uint16(OpConst)}},
		{"truncated switch", NewBuilder().Switch(0, 0, 2, 4).Units()[:3]},
		{"receiverless virtual", []uint16{uint16(OpInvokeVirt), 0, NoDst}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.code, 0); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode err = %v, want ErrMalformed", err)
			}
		})
	}
}
