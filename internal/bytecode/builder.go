package bytecode

// Builder assembles a method body unit by unit. It exists for tests and for
// tools that synthesize containers; the compiler itself only reads code.
type Builder struct {
	code []uint16
}

// NewBuilder returns an empty method-body builder.
func NewBuilder() *Builder { return &Builder{} }

// PC returns the current offset in code units, usable as a branch anchor.
func (b *Builder) PC() int { return len(b.code) }

// Units returns the assembled code.
func (b *Builder) Units() []uint16 { return b.code }

func (b *Builder) raw(units ...uint16) *Builder {
	b.code = append(b.code, units...)
	return b
}

func unit(op Op, hi uint16) uint16 { return uint16(op) | hi<<8 }

func (b *Builder) Nop() *Builder            { return b.raw(unit(OpNop, 0)) }
func (b *Builder) ReturnVoid() *Builder     { return b.raw(unit(OpReturnVoid, 0)) }
func (b *Builder) Return(vA uint16) *Builder { return b.raw(unit(OpReturn, vA)) }

func (b *Builder) Const(vA uint16, lit int16) *Builder {
	return b.raw(unit(OpConst, vA), uint16(lit))
}

func (b *Builder) Move(vA, vB uint16) *Builder {
	return b.raw(unit(OpMove, vA), vB)
}

func (b *Builder) binop(op Op, vA, vB, vC uint16) *Builder {
	return b.raw(unit(op, vA), vB|vC<<8)
}

func (b *Builder) Add(vA, vB, vC uint16) *Builder { return b.binop(OpAdd, vA, vB, vC) }
func (b *Builder) Sub(vA, vB, vC uint16) *Builder { return b.binop(OpSub, vA, vB, vC) }
func (b *Builder) Mul(vA, vB, vC uint16) *Builder { return b.binop(OpMul, vA, vB, vC) }
func (b *Builder) And(vA, vB, vC uint16) *Builder { return b.binop(OpAnd, vA, vB, vC) }
func (b *Builder) Or(vA, vB, vC uint16) *Builder  { return b.binop(OpOr, vA, vB, vC) }
func (b *Builder) Xor(vA, vB, vC uint16) *Builder { return b.binop(OpXor, vA, vB, vC) }

// If emits a conditional branch; off is relative to the branch instruction in
// code units.
func (b *Builder) If(op Op, vA, vB uint16, off int16) *Builder {
	return b.raw(unit(op, vA), vB, uint16(off))
}

func (b *Builder) Goto(off int16) *Builder {
	return b.raw(unit(OpGoto, 0), uint16(off))
}

// Switch emits a packed switch on vA covering keys firstKey..firstKey+len-1.
func (b *Builder) Switch(vA uint16, firstKey int16, targets ...int16) *Builder {
	b.raw(unit(OpSwitch, vA), uint16(len(targets)), uint16(firstKey))
	for _, t := range targets {
		b.raw(uint16(t))
	}
	return b
}

func (b *Builder) IGet(vA, vB, field uint16) *Builder {
	return b.raw(unit(OpIGet, vA), vB, field)
}

func (b *Builder) IPut(vA, vB, field uint16) *Builder {
	return b.raw(unit(OpIPut, vA), vB, field)
}

func (b *Builder) New(vA, class uint16) *Builder {
	return b.raw(unit(OpNew, vA), class)
}

func (b *Builder) invoke(op Op, method, dst uint16, args ...uint16) *Builder {
	b.raw(unit(op, uint16(len(args))), method, dst)
	return b.raw(args...)
}

func (b *Builder) InvokeVirtual(method, dst uint16, args ...uint16) *Builder {
	return b.invoke(OpInvokeVirt, method, dst, args...)
}

func (b *Builder) InvokeStatic(method, dst uint16, args ...uint16) *Builder {
	return b.invoke(OpInvokeStat, method, dst, args...)
}
