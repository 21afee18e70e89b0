package expr

// Node is a compiled expression. Sealed: only types in this package
// implement it.
type Node interface {
	exprNode()
}

// ArithOp enumerates arithmetic operators.
type ArithOp string

const (
	OpAdd ArithOp = "+"
	OpSub ArithOp = "-"
	OpMul ArithOp = "*"
	OpDiv ArithOp = "/"
	OpMod ArithOp = "%"
)

// CompareOp enumerates comparison operators.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Flip returns the operator with its operands swapped (a < b == b > a).
func (op CompareOp) Flip() CompareOp {
	switch op {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	}
	return op
}

// Const is a literal value.
type Const struct {
	Value any
}

// Prop reads a property path from the event at Stream in the
// events-per-stream array.
type Prop struct {
	Stream int
	Path   string
}

// Arith applies an arithmetic operator.
type Arith struct {
	Op          ArithOp
	Left, Right Node
}

// Compare applies a comparison operator.
type Compare struct {
	Op          CompareOp
	Left, Right Node
}

// And is true when all operands are true.
type And struct {
	Operands []Node
}

// Or is true when any operand is true.
type Or struct {
	Operands []Node
}

// Not negates its operand.
type Not struct {
	Operand Node
}

// In tests membership of Operand in Values.
type In struct {
	Operand Node
	Values  []Node
	Negate  bool
}

// Between tests Lo <= Operand <= Hi, with optionally open ends.
type Between struct {
	Operand, Lo, Hi Node
	LoOpen, HiOpen  bool
	Negate          bool
}

// IsNull tests Operand for null.
type IsNull struct {
	Operand Node
	Negate  bool
}

// AggRef reads the current value of aggregation slot Slot for the group
// being evaluated.
type AggRef struct {
	Slot int
}

// Coalesce returns the first non-null operand.
type Coalesce struct {
	Operands []Node
}

func (Const) exprNode()    {}
func (Prop) exprNode()     {}
func (Arith) exprNode()    {}
func (Compare) exprNode()  {}
func (And) exprNode()      {}
func (Or) exprNode()       {}
func (Not) exprNode()      {}
func (In) exprNode()       {}
func (Between) exprNode()  {}
func (IsNull) exprNode()   {}
func (AggRef) exprNode()   {}
func (Coalesce) exprNode() {}

// P is shorthand for a property of stream 0.
func P(path string) Prop { return Prop{Path: path} }

// C is shorthand for a constant.
func C(v any) Const { return Const{Value: v} }

// Cmp is shorthand for a comparison.
func Cmp(op CompareOp, l, r Node) Compare { return Compare{Op: op, Left: l, Right: r} }
