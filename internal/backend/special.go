package backend

import (
	"fmt"
	"sync/atomic"

	"github.com/ternvm/tern/internal/bytecode"
)

// ShapeKind classifies the trivially shaped methods eligible for the
// hand-tuned template path.
type ShapeKind uint8

const (
	ShapeNone ShapeKind = iota
	ShapeEmpty
	ShapeConstReturn
	ShapeArgReturn
	ShapeGetter
	ShapeSetter
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeEmpty:
		return "empty"
	case ShapeConstReturn:
		return "const-return"
	case ShapeArgReturn:
		return "arg-return"
	case ShapeGetter:
		return "getter"
	case ShapeSetter:
		return "setter"
	default:
		return "none"
	}
}

// Shape is a classified special-case method plus the operands its template
// needs.
type Shape struct {
	Kind     ShapeKind
	Const    int64  // ShapeConstReturn
	ArgIndex int    // ShapeArgReturn, ShapeSetter value argument
	FieldOff uint16 // ShapeGetter, ShapeSetter
}

// DetectSpecial classifies a method body before lowering. The match is
// purely syntactic; if the template path later fails for any reason the
// pipeline falls back to general lowering, so a miss here costs nothing but
// compile time.
func DetectSpecial(m *bytecode.Method, res bytecode.Resolver) Shape {
	var ins []bytecode.Instr
	for pc := 0; pc < len(m.Code); {
		in, err := bytecode.Decode(m.Code, pc)
		if err != nil {
			return Shape{}
		}
		if in.Op != bytecode.OpNop {
			ins = append(ins, in)
		}
		pc += in.Width
		if len(ins) > 2 {
			return Shape{}
		}
	}
	argBase := int(m.NumVRegs) - int(m.NumIns)
	isArg := func(v uint16) (int, bool) {
		idx := int(v) - argBase
		return idx, idx >= 0 && idx < int(m.NumIns)
	}

	switch len(ins) {
	case 1:
		switch ins[0].Op {
		case bytecode.OpReturnVoid:
			return Shape{Kind: ShapeEmpty}
		case bytecode.OpReturn:
			if idx, ok := isArg(ins[0].A); ok {
				return Shape{Kind: ShapeArgReturn, ArgIndex: idx}
			}
		}
	case 2:
		if ins[0].Op == bytecode.OpConst && ins[1].Op == bytecode.OpReturn && ins[0].A == ins[1].A {
			return Shape{Kind: ShapeConstReturn, Const: int64(ins[0].Lit)}
		}
		// Getter: iget vX, vReceiver, f; return vX. Instance methods receive
		// the object in the first argument register.
		if m.AccessFlags&bytecode.FlagStatic == 0 && ins[1].Op == bytecode.OpReturn &&
			ins[0].Op == bytecode.OpIGet && ins[0].A == ins[1].A {
			if idx, ok := isArg(ins[0].B); ok && idx == 0 {
				if off, ok := res.ResolveField(ins[0].FieldIdx); ok {
					return Shape{Kind: ShapeGetter, FieldOff: off}
				}
			}
		}
		// Setter: iput vArg, vReceiver, f; return-void.
		if m.AccessFlags&bytecode.FlagStatic == 0 && ins[1].Op == bytecode.OpReturnVoid &&
			ins[0].Op == bytecode.OpIPut {
			ridx, rok := isArg(ins[0].B)
			vidx, vok := isArg(ins[0].A)
			if rok && ridx == 0 && vok {
				if off, ok := res.ResolveField(ins[0].FieldIdx); ok {
					return Shape{Kind: ShapeSetter, ArgIndex: vidx, FieldOff: off}
				}
			}
		}
	}
	return Shape{}
}

var templateFailure atomic.Bool

// ForceTemplateFailureForTesting makes every special-case template attempt
// report ErrTemplate, exercising the mandatory fallback path.
func ForceTemplateFailureForTesting(v bool) { templateFailure.Store(v) }

// CheckTemplate is called by backends at the top of LowerSpecial.
func CheckTemplate(shape Shape) error {
	if templateFailure.Load() {
		return fmt.Errorf("%w: failure forced for %s", ErrTemplate, shape.Kind)
	}
	if shape.Kind == ShapeNone {
		return fmt.Errorf("%w: no shape", ErrTemplate)
	}
	return nil
}
