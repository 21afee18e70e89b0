package expr

import (
	"errors"
	"fmt"

	"github.com/roach88/esq/internal/event"
)

// ValidationError reports an expression that cannot be evaluated against the
// declared stream types.
type ValidationError struct {
	Expr    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid expression %s: %s", e.Expr, e.Message)
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks that every property in n resolves against the stream types
// and that comparison operands have compatible kinds. aggSlots is the number
// of aggregation slots AggRef may address; pass -1 to forbid aggregates.
func Validate(n Node, types []*event.Type, aggSlots int) error {
	var err error
	Walk(n, func(c Node) bool {
		if err != nil {
			return false
		}
		err = validateNode(c, types, aggSlots)
		return err == nil
	})
	return err
}

func validateNode(n Node, types []*event.Type, aggSlots int) error {
	switch x := n.(type) {
	case Prop:
		if x.Stream < 0 || x.Stream >= len(types) {
			return &ValidationError{Expr: String(x), Message: fmt.Sprintf("stream %d out of range (%d streams)", x.Stream, len(types))}
		}
		if _, err := event.ParsePath(x.Path); err != nil {
			return &ValidationError{Expr: String(x), Message: err.Error()}
		}
		if _, ok := types[x.Stream].PropertyType(x.Path); !ok {
			return &ValidationError{Expr: String(x), Message: fmt.Sprintf("property %q not found in type %s", x.Path, types[x.Stream])}
		}
	case AggRef:
		if aggSlots < 0 {
			return &ValidationError{Expr: String(x), Message: "aggregate functions are not allowed here"}
		}
		if x.Slot < 0 || x.Slot >= aggSlots {
			return &ValidationError{Expr: String(x), Message: fmt.Sprintf("aggregation slot %d out of range", x.Slot)}
		}
	case Compare:
		lk, rk := KindOf(x.Left, types), KindOf(x.Right, types)
		if !Compatible(lk, rk) {
			return &ValidationError{Expr: String(x), Message: fmt.Sprintf("cannot compare %s with %s", lk, rk)}
		}
	case Arith:
		lk, rk := KindOf(x.Left, types), KindOf(x.Right, types)
		if x.Op == OpAdd && lk == event.KindString && rk == event.KindString {
			return nil
		}
		for _, k := range []event.Kind{lk, rk} {
			if k != event.KindAny && !k.IsNumeric() {
				return &ValidationError{Expr: String(x), Message: fmt.Sprintf("arithmetic on %s", k)}
			}
		}
	}
	return nil
}

// Compatible reports whether values of two kinds can be compared.
// KindAny is compatible with everything.
func Compatible(a, b event.Kind) bool {
	if a == event.KindAny || b == event.KindAny || a == b {
		return true
	}
	return a.IsNumeric() && b.IsNumeric()
}

// KindOf infers the static kind of n. Unknown results are KindAny.
func KindOf(n Node, types []*event.Type) event.Kind {
	switch x := n.(type) {
	case Const:
		return kindOfValue(x.Value)
	case Prop:
		if x.Stream >= 0 && x.Stream < len(types) {
			if k, ok := types[x.Stream].PropertyType(x.Path); ok {
				return k
			}
		}
	case Arith:
		lk, rk := KindOf(x.Left, types), KindOf(x.Right, types)
		switch {
		case lk == event.KindString && rk == event.KindString:
			return event.KindString
		case x.Op == OpDiv:
			return event.KindFloat
		case lk == event.KindInt && rk == event.KindInt:
			return event.KindInt
		case lk.IsNumeric() && rk.IsNumeric():
			return event.KindFloat
		}
	case Compare, And, Or, Not, In, Between, IsNull:
		return event.KindBool
	}
	return event.KindAny
}

func kindOfValue(v any) event.Kind {
	switch v.(type) {
	case string:
		return event.KindString
	case bool:
		return event.KindBool
	case float32, float64:
		return event.KindFloat
	}
	if _, ok := ToInt(v); ok {
		return event.KindInt
	}
	return event.KindAny
}
