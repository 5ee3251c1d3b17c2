package bytecode

import "fmt"

// Op is a bytecode opcode. Instructions are streams of 16-bit code units; the
// opcode lives in the low byte of the first unit and most formats pack a
// register into the high byte.
type Op uint8

const (
	OpNop        Op = 0x00 // [op]
	OpConst      Op = 0x01 // [op|vA<<8, lit] vA := sign-extended lit
	OpMove       Op = 0x02 // [op|vA<<8, vB] vA := vB
	OpAdd        Op = 0x03 // [op|vA<<8, vB|vC<<8] vA := vB + vC
	OpSub        Op = 0x04
	OpMul        Op = 0x05
	OpAnd        Op = 0x06
	OpOr         Op = 0x07
	OpXor        Op = 0x08
	OpIfEq       Op = 0x10 // [op|vA<<8, vB, off] branch if vA == vB
	OpIfNe       Op = 0x11
	OpIfLt       Op = 0x12
	OpIfGe       Op = 0x13
	OpGoto       Op = 0x18 // [op, off]
	OpSwitch     Op = 0x19 // [op|vA<<8, n, firstKey, t1..tn]
	OpReturn     Op = 0x20 // [op|vA<<8]
	OpReturnVoid Op = 0x21 // [op]
	OpIGet       Op = 0x30 // [op|vA<<8, vB, field] vA := vB.field
	OpIPut       Op = 0x31 // [op|vA<<8, vB, field] vB.field := vA
	OpNew        Op = 0x32 // [op|vA<<8, class] vA := new class
	OpInvokeVirt Op = 0x40 // [op|argc<<8, method, dst, a1..aN] a1 is the receiver
	OpInvokeStat Op = 0x41 // [op|argc<<8, method, dst, a1..aN]
)

// NoDst in an invoke's dst unit means the call result is discarded.
const NoDst = 0xFFFF

var mnemonics = map[Op]string{
	OpNop:        "nop",
	OpConst:      "const",
	OpMove:       "move",
	OpAdd:        "add",
	OpSub:        "sub",
	OpMul:        "mul",
	OpAnd:        "and",
	OpOr:         "or",
	OpXor:        "xor",
	OpIfEq:       "if-eq",
	OpIfNe:       "if-ne",
	OpIfLt:       "if-lt",
	OpIfGe:       "if-ge",
	OpGoto:       "goto",
	OpSwitch:     "switch",
	OpReturn:     "return",
	OpReturnVoid: "return-void",
	OpIGet:       "iget",
	OpIPut:       "iput",
	OpNew:        "new",
	OpInvokeVirt: "invoke-virtual",
	OpInvokeStat: "invoke-static",
}

func (op Op) String() string {
	if s, ok := mnemonics[op]; ok {
		return s
	}
	return fmt.Sprintf("op(0x%02x)", uint8(op))
}

// Instr is one decoded bytecode instruction.
type Instr struct {
	Op  Op
	A   uint16 // vA (or arg count for invokes)
	B   uint16 // vB
	C   uint16 // vC
	Lit int16  // const literal
	Off int16  // branch offset in code units, relative to this instruction

	FieldIdx  uint16
	MethodIdx uint16
	ClassIdx  uint16

	Dst  uint16   // invoke result register, NoDst when discarded
	Args []uint16 // invoke argument registers

	SwitchFirstKey int16
	SwitchTargets  []int16 // offsets relative to this instruction

	Width int // code units consumed
}

// Branches reports whether the instruction transfers control somewhere other
// than the next instruction.
func (in Instr) Branches() bool {
	switch in.Op {
	case OpIfEq, OpIfNe, OpIfLt, OpIfGe, OpGoto, OpSwitch, OpReturn, OpReturnVoid:
		return true
	}
	return false
}

// FallsThrough reports whether control can continue to the next instruction.
func (in Instr) FallsThrough() bool {
	switch in.Op {
	case OpGoto, OpReturn, OpReturnVoid, OpSwitch:
		return false
	}
	return true
}

// Decode decodes the instruction starting at code unit pc. Truncated or
// unknown encodings return an ErrMalformed-wrapped error.
func Decode(code []uint16, pc int) (Instr, error) {
	if pc < 0 || pc >= len(code) {
		return Instr{}, fmt.Errorf("%w: pc %d outside code (%d units)", ErrMalformed, pc, len(code))
	}
	u0 := code[pc]
	in := Instr{Op: Op(u0 & 0xFF), A: u0 >> 8}

	need := func(n int) error {
		if pc+n > len(code) {
			return fmt.Errorf("%w: truncated %s at %d", ErrMalformed, in.Op, pc)
		}
		return nil
	}

	switch in.Op {
	case OpNop, OpReturn, OpReturnVoid:
		in.Width = 1
	case OpConst:
		if err := need(2); err != nil {
			return Instr{}, err
		}
		in.Lit = int16(code[pc+1])
		in.Width = 2
	case OpMove:
		if err := need(2); err != nil {
			return Instr{}, err
		}
		in.B = code[pc+1]
		in.Width = 2
	case OpAdd, OpSub, OpMul, OpAnd, OpOr, OpXor:
		if err := need(2); err != nil {
			return Instr{}, err
		}
		in.B = code[pc+1] & 0xFF
		in.C = code[pc+1] >> 8
		in.Width = 2
	case OpIfEq, OpIfNe, OpIfLt, OpIfGe:
		if err := need(3); err != nil {
			return Instr{}, err
		}
		in.B = code[pc+1]
		in.Off = int16(code[pc+2])
		in.Width = 3
	case OpGoto:
		if err := need(2); err != nil {
			return Instr{}, err
		}
		in.Off = int16(code[pc+1])
		in.Width = 2
	case OpSwitch:
		if err := need(3); err != nil {
			return Instr{}, err
		}
		n := int(code[pc+1])
		in.SwitchFirstKey = int16(code[pc+2])
		if err := need(3 + n); err != nil {
			return Instr{}, err
		}
		in.SwitchTargets = make([]int16, n)
		for i := 0; i < n; i++ {
			in.SwitchTargets[i] = int16(code[pc+3+i])
		}
		in.Width = 3 + n
	case OpIGet, OpIPut:
		if err := need(3); err != nil {
			return Instr{}, err
		}
		in.B = code[pc+1]
		in.FieldIdx = code[pc+2]
		in.Width = 3
	case OpNew:
		if err := need(2); err != nil {
			return Instr{}, err
		}
		in.ClassIdx = code[pc+1]
		in.Width = 2
	case OpInvokeVirt, OpInvokeStat:
		argc := int(in.A)
		if err := need(3 + argc); err != nil {
			return Instr{}, err
		}
		in.MethodIdx = code[pc+1]
		in.Dst = code[pc+2]
		in.Args = make([]uint16, argc)
		for i := 0; i < argc; i++ {
			in.Args[i] = code[pc+3+i]
		}
		if in.Op == OpInvokeVirt && argc == 0 {
			return Instr{}, fmt.Errorf("%w: invoke-virtual with no receiver at %d", ErrMalformed, pc)
		}
		in.Width = 3 + argc
	default:
		return Instr{}, fmt.Errorf("%w: unknown opcode 0x%02x at %d", ErrMalformed, uint8(in.Op), pc)
	}
	return in, nil
}
