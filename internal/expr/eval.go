package expr

import (
	"math"

	"github.com/roach88/esq/internal/event"
)

// AggregateValues supplies aggregation results to AggRef nodes.
type AggregateValues interface {
	AggregateValue(slot int) any
}

// Context carries the inputs of one evaluation: the events per stream and,
// when aggregating, the aggregation values of the current group.
type Context struct {
	Events []event.Event
	Aggs   AggregateValues
}

// NewContext returns a context over the given events.
func NewContext(events ...event.Event) *Context {
	return &Context{Events: events}
}

// EvalBool evaluates n and reports whether the result is boolean true.
func EvalBool(n Node, ctx *Context) bool {
	b, ok := Eval(n, ctx).(bool)
	return ok && b
}

// Eval evaluates n against ctx.
func Eval(n Node, ctx *Context) any {
	switch x := n.(type) {
	case Const:
		return x.Value
	case Prop:
		if x.Stream < 0 || x.Stream >= len(ctx.Events) {
			return nil
		}
		ev := ctx.Events[x.Stream]
		if ev == nil {
			return nil
		}
		return ev.Get(x.Path)
	case Arith:
		return arith(x.Op, Eval(x.Left, ctx), Eval(x.Right, ctx))
	case Compare:
		return compare(x.Op, Eval(x.Left, ctx), Eval(x.Right, ctx))
	case And:
		result := any(true)
		for _, op := range x.Operands {
			switch v := Eval(op, ctx).(type) {
			case bool:
				if !v {
					return false
				}
			default:
				result = nil
			}
		}
		return result
	case Or:
		result := any(false)
		for _, op := range x.Operands {
			switch v := Eval(op, ctx).(type) {
			case bool:
				if v {
					return true
				}
			default:
				result = nil
			}
		}
		return result
	case Not:
		b, ok := Eval(x.Operand, ctx).(bool)
		if !ok {
			return nil
		}
		return !b
	case In:
		v := Eval(x.Operand, ctx)
		if v == nil {
			return nil
		}
		found := false
		for _, candidate := range x.Values {
			if Equal(v, Eval(candidate, ctx)) {
				found = true
				break
			}
		}
		return found != x.Negate
	case Between:
		v := Eval(x.Operand, ctx)
		lo, hi := Eval(x.Lo, ctx), Eval(x.Hi, ctx)
		if v == nil || lo == nil || hi == nil {
			return nil
		}
		if c, ok := CompareValues(lo, hi); ok && c > 0 {
			lo, hi = hi, lo
		}
		in, ok := InRange(v, lo, hi, x.LoOpen, x.HiOpen)
		if !ok {
			return nil
		}
		return in != x.Negate
	case IsNull:
		return (Eval(x.Operand, ctx) == nil) != x.Negate
	case AggRef:
		if ctx.Aggs == nil {
			return nil
		}
		return ctx.Aggs.AggregateValue(x.Slot)
	case Coalesce:
		for _, op := range x.Operands {
			if v := Eval(op, ctx); v != nil {
				return v
			}
		}
		return nil
	}
	return nil
}

// InRange reports whether lo <(=) v <(=) hi. The second result is false when
// the values are not comparable.
func InRange(v, lo, hi any, loOpen, hiOpen bool) (bool, bool) {
	cl, ok := CompareValues(v, lo)
	if !ok {
		return false, false
	}
	ch, ok := CompareValues(v, hi)
	if !ok {
		return false, false
	}
	loOK := cl > 0 || (!loOpen && cl == 0)
	hiOK := ch < 0 || (!hiOpen && ch == 0)
	return loOK && hiOK, true
}

func compare(op CompareOp, l, r any) any {
	if l == nil || r == nil {
		return nil
	}
	switch op {
	case OpEq:
		return Equal(l, r)
	case OpNe:
		return !Equal(l, r)
	}
	c, ok := CompareValues(l, r)
	if !ok {
		return nil
	}
	switch op {
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return nil
}

func arith(op ArithOp, l, r any) any {
	if l == nil || r == nil {
		return nil
	}
	if op != OpDiv {
		if li, ok := ToInt(l); ok {
			if ri, ok := ToInt(r); ok {
				switch op {
				case OpAdd:
					return li + ri
				case OpSub:
					return li - ri
				case OpMul:
					return li * ri
				case OpMod:
					if ri == 0 {
						return nil
					}
					return li % ri
				}
			}
		}
	}
	lf, ok := ToFloat(l)
	if !ok {
		if op == OpAdd {
			if ls, ok := l.(string); ok {
				if rs, ok := r.(string); ok {
					return ls + rs
				}
			}
		}
		return nil
	}
	rf, ok := ToFloat(r)
	if !ok {
		return nil
	}
	switch op {
	case OpAdd:
		return lf + rf
	case OpSub:
		return lf - rf
	case OpMul:
		return lf * rf
	case OpDiv:
		if rf == 0 {
			return nil
		}
		return lf / rf
	case OpMod:
		if rf == 0 {
			return nil
		}
		return math.Mod(lf, rf)
	}
	return nil
}
