// Package lir is the low-level instruction list: near-machine instructions
// referencing physical registers, linked in final emission order. The opcode
// space belongs to the backend that filled the list; this package owns the
// container, labels, and the two-pass offset resolution that turns the list
// into a flat byte buffer.
package lir

import "fmt"

// Label marks a position in the instruction list. Branches and switch tables
// reference labels; Assemble resolves them to byte offsets.
type Label int32

// NoLabel means an instruction has no branch target.
const NoLabel Label = -1

// Op is a backend-defined opcode.
type Op uint16

// Ins is one low-level instruction. Backends fill the fields they need;
// Size and Offset are owned by Assemble.
type Ins struct {
	Op         Op
	R1, R2, R3 uint8
	Imm        int64
	Disp       int32

	Target  Label
	Targets []Label // switch dispatch

	SrcOffset int32 // originating bytecode offset, for the pc mapping table
	Safepoint bool  // collection may occur here

	Size   int32
	Offset int32
}

// List is the LIR sequence for one method.
type List struct {
	ins      []Ins
	labelIns []int32 // label -> instruction index, -1 while unbound
}

// NewList returns a list with capacity hinted by the method's code-unit
// count. The hint pre-sizes storage; it is not a bound.
func NewList(unitCount int) *List {
	return &List{ins: make([]Ins, 0, unitCount+8)}
}

// NewLabel allocates an unbound label.
func (l *List) NewLabel() Label {
	l.labelIns = append(l.labelIns, -1)
	return Label(len(l.labelIns) - 1)
}

// Bind points lb at the next instruction appended.
func (l *List) Bind(lb Label) {
	if l.labelIns[lb] != -1 {
		panic(fmt.Sprintf("lir: label %d bound twice", lb))
	}
	l.labelIns[lb] = int32(len(l.ins))
}

// Append adds an instruction and returns a pointer valid until the next
// Append.
func (l *List) Append(in Ins) *Ins {
	if in.Target == 0 && in.Targets == nil {
		// Zero value must mean "no target", not label 0.
		in.Target = NoLabel
	}
	l.ins = append(l.ins, in)
	return &l.ins[len(l.ins)-1]
}

// AppendBranch adds an instruction with an explicit branch target.
func (l *List) AppendBranch(in Ins, target Label) *Ins {
	in.Target = target
	l.ins = append(l.ins, in)
	return &l.ins[len(l.ins)-1]
}

// Len returns the instruction count.
func (l *List) Len() int { return len(l.ins) }

// At returns the i-th instruction.
func (l *List) At(i int) *Ins { return &l.ins[i] }

// Encoder is the per-target byte encoder driven by Assemble.
type Encoder interface {
	// SizeOf returns the encoded size of in, in bytes. It must not depend on
	// label offsets; branch forms with offset-dependent width must report
	// their widest form.
	SizeOf(in *Ins) (int32, error)
	// Encode appends in's encoding to buf. labelOff resolves a label to its
	// final byte offset. Unencodable operands (out-of-range branch) are
	// fatal for the compile.
	Encode(buf []byte, in *Ins, labelOff func(Label) int32) ([]byte, error)
}

// Assemble resolves every label and branch offset and encodes the list into
// a flat machine-code buffer: first pass computes provisional sizes and
// offsets, second pass re-encodes with the fixed-up targets. No partial
// buffer is ever returned.
func (l *List) Assemble(enc Encoder) ([]byte, error) {
	return l.AssembleTo(enc, nil)
}

// AssembleTo is Assemble with caller-supplied buffer storage: alloc receives
// the total code size and returns the backing array, letting a compile stage
// the code in its own arena. A nil alloc falls back to the heap.
func (l *List) AssembleTo(enc Encoder, alloc func(int) []byte) ([]byte, error) {
	var off int32
	for i := range l.ins {
		in := &l.ins[i]
		size, err := enc.SizeOf(in)
		if err != nil {
			return nil, fmt.Errorf("lir: sizing %d: %w", i, err)
		}
		in.Size = size
		in.Offset = off
		off += size
	}
	total := off

	labelOff := func(lb Label) int32 {
		idx := l.labelIns[lb]
		if idx < 0 {
			panic(fmt.Sprintf("lir: label %d never bound", lb))
		}
		if int(idx) == len(l.ins) {
			return total
		}
		return l.ins[idx].Offset
	}
	for i := range l.labelIns {
		if l.labelIns[i] < 0 {
			return nil, fmt.Errorf("lir: label %d referenced but never bound", i)
		}
	}

	var buf []byte
	if alloc != nil {
		buf = alloc(int(total))[:0]
	} else {
		buf = make([]byte, 0, total)
	}
	for i := range l.ins {
		in := &l.ins[i]
		if int32(len(buf)) != in.Offset {
			return nil, fmt.Errorf("lir: instruction %d encoded at %d, expected %d", i, len(buf), in.Offset)
		}
		var err error
		buf, err = enc.Encode(buf, in, labelOff)
		if err != nil {
			return nil, fmt.Errorf("lir: encoding %d: %w", i, err)
		}
		if got := int32(len(buf)) - in.Offset; got != in.Size {
			return nil, fmt.Errorf("lir: instruction %d encoded %d bytes, sized %d", i, got, in.Size)
		}
	}
	return buf, nil
}

// Mappings returns (native offset, source offset) pairs for instructions
// that originate from bytecode, in code order, deduplicated by source
// offset runs. Valid only after Assemble.
func (l *List) Mappings() [][2]int32 {
	var out [][2]int32
	last := int32(-1)
	for i := range l.ins {
		in := &l.ins[i]
		if in.SrcOffset < 0 || in.SrcOffset == last {
			continue
		}
		out = append(out, [2]int32{in.Offset, in.SrcOffset})
		last = in.SrcOffset
	}
	return out
}

// Safepoints returns the native offsets of safepoint instructions, valid
// after Assemble.
func (l *List) Safepoints() []int32 {
	var out []int32
	for i := range l.ins {
		if l.ins[i].Safepoint {
			out = append(out, l.ins[i].Offset)
		}
	}
	return out
}
