package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ToFloat converts any numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// ToInt converts integral values to int64. Floats and unsigned values
// above math.MaxInt64 are not accepted.
func ToInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), uint64(x) <= math.MaxInt64
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), x <= math.MaxInt64
	}
	return 0, false
}

// IsNumber reports whether v is a Go numeric value.
func IsNumber(v any) bool {
	_, ok := ToFloat(v)
	return ok
}

// CompareValues orders two values. Numbers compare numerically across Go
// numeric types, strings lexically, booleans false < true. The second result
// is false when the values are null or not mutually comparable.
func CompareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if ai, ok := ToInt(a); ok {
		if bi, ok := ToInt(b); ok {
			return cmpOrdered(ai, bi), true
		}
	}
	if af, ok := ToFloat(a); ok {
		bf, ok := ToFloat(b)
		if !ok {
			return 0, false
		}
		return cmpOrdered(af, bf), true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports value equality with numeric coercion. Null equals nothing.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	if c, ok := CompareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// NormalizeKey maps a value to its canonical hash key. Integers become
// int64 and floats holding an exact int64 value become that int64, so 5 and
// 5.0 collide while distinct large integers stay distinct. Other floats stay
// float64. Strings are NFC-normalised.
func NormalizeKey(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if norm.NFC.IsNormalString(x) {
			return x
		}
		return norm.NFC.String(x)
	case float64:
		return floatKey(x)
	case float32:
		return floatKey(float64(x))
	case bool:
		return x
	case uint64:
		if x > math.MaxInt64 {
			return x
		}
		return int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return uint64(x)
		}
		return int64(x)
	}
	if i, ok := ToInt(v); ok {
		return i
	}
	return v
}

// floatKey returns x as int64 when it is a whole number inside the int64
// range; -0 becomes 0.
func floatKey(x float64) any {
	if x >= -(1<<63) && x < 1<<63 && x == math.Trunc(x) {
		return int64(x)
	}
	return x
}

// MultiKey is a composite hash key over several values.
type MultiKey string

// NewMultiKey builds a composite key. Values are normalised first so the
// key agrees with NormalizeKey for single values.
func NewMultiKey(values ...any) MultiKey {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		switch x := NormalizeKey(v).(type) {
		case nil:
			b.WriteString("n:")
		case string:
			b.WriteString("s:")
			b.WriteString(x)
		case int64:
			b.WriteString("i:")
			b.WriteString(strconv.FormatInt(x, 10))
		case float64:
			b.WriteString("f:")
			if math.IsNaN(x) {
				b.WriteString("NaN")
			} else {
				b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
			}
		case bool:
			b.WriteString("b:")
			b.WriteString(strconv.FormatBool(x))
		default:
			fmt.Fprintf(&b, "%T:%v", x, x)
		}
	}
	return MultiKey(b.String())
}
