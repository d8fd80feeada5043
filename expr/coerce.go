package expr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Unwrapper is implemented by lazy wrappers that stand in for a raw value.
// The evaluator unwraps operands before applying any operator and unwraps
// the final result before returning it.
type Unwrapper interface {
	Unwrap() interface{}
}

// Resolver is implemented by wrappers that expose metadata properties next
// to the wrapped value. Member access consults the resolver first and only
// falls through to the wrapped value when the resolver does not know the
// property.
type Resolver interface {
	Get(key string) (interface{}, bool)
}

// Unwrap returns the raw value behind a wrapper, or the value itself.
func Unwrap(v interface{}) interface{} {
	if w, ok := v.(Unwrapper); ok {
		return w.Unwrap()
	}
	return v
}

// Truthy reports whether a value is considered true in a boolean position.
// Nil, false, empty strings, numeric zero of any width and NaN are falsy;
// everything else, including empty slices and maps, is truthy.
func Truthy(v interface{}) bool {
	switch value := Unwrap(v).(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != ""
	case decimal.Decimal:
		return !value.IsZero()
	case float64:
		return value != 0 && !math.IsNaN(value)
	case float32:
		return value != 0 && !math.IsNaN(float64(value))
	case int:
		return value != 0
	case int8:
		return value != 0
	case int16:
		return value != 0
	case int32:
		return value != 0
	case int64:
		return value != 0
	case uint:
		return value != 0
	case uint8:
		return value != 0
	case uint16:
		return value != 0
	case uint32:
		return value != 0
	case uint64:
		return value != 0
	default:
		return true
	}
}

// TypeOf names a value's type family the way schema expressions see it.
// Both null and undefined collapse onto nil, which reports "undefined".
func TypeOf(v interface{}) string {
	value := Unwrap(v)
	switch value.(type) {
	case nil:
		return "undefined"
	case bool:
		return "boolean"
	case string:
		return "string"
	case decimal.Decimal, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return "number"
	}
	if isFunc(value) {
		return "function"
	}
	return "object"
}

// toFloat converts genuinely numeric values only. Booleans and numeric
// strings are handled by coerceFloat, which implements loose coercion.
func toFloat(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int8:
		return float64(value), true
	case int16:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case uint:
		return float64(value), true
	case uint8:
		return float64(value), true
	case uint16:
		return float64(value), true
	case uint32:
		return float64(value), true
	case uint64:
		return float64(value), true
	case decimal.Decimal:
		return value.InexactFloat64(), true
	}
	return 0, false
}

// coerceFloat applies loose numeric coercion: numbers pass through,
// booleans become 0 or 1 and numeric strings are parsed. Anything else
// refuses to coerce.
func coerceFloat(v interface{}) (float64, bool) {
	if f, ok := toFloat(v); ok {
		return f, true
	}
	switch value := v.(type) {
	case bool:
		if value {
			return 1, true
		}
		return 0, true
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// LooseEquals implements the == operator. Matching kinds compare directly;
// mixed kinds fall back to numeric coercion. Pairs that refuse to coerce
// are unequal rather than an error, and nil equals only nil.
func LooseEquals(a, b interface{}) bool {
	a, b = Unwrap(a), Unwrap(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
	}
	if ad, ok := a.(decimal.Decimal); ok {
		if bd, ok := b.(decimal.Decimal); ok {
			return ad.Equal(bd)
		}
	}
	af, aok := coerceFloat(a)
	bf, bok := coerceFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

// StrictEquals implements the === operator. Kinds must match, except that
// all numeric widths form one kind so an int64 field value still strictly
// equals a float64 literal with the same value.
func StrictEquals(a, b interface{}) bool {
	a, b = Unwrap(a), Unwrap(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	if ad, ok := a.(decimal.Decimal); ok {
		if bd, ok := b.(decimal.Decimal); ok {
			return ad.Equal(bd)
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

// compareValues orders two values for the relational operators. Strings
// compare lexicographically, decimals exactly, everything else through
// loose numeric coercion. The second result is false when the pair cannot
// be ordered.
func compareValues(a, b interface{}) (int, bool) {
	a, b = Unwrap(a), Unwrap(b)
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt), true
		}
	}
	if ad, ok := a.(decimal.Decimal); ok {
		if bd, ok := b.(decimal.Decimal); ok {
			return ad.Cmp(bd), true
		}
	}
	af, aok := coerceFloat(a)
	bf, bok := coerceFloat(b)
	if !aok || !bok || math.IsNaN(af) || math.IsNaN(bf) {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

// arith applies +, -, *, / and %. A string on either side of + switches to
// concatenation. Decimal arithmetic stays exact only when both operands
// are decimal; a decimal mixed with a float degrades to float64.
func arith(op string, a, b interface{}) (interface{}, error) {
	a, b = Unwrap(a), Unwrap(b)
	if op == "+" {
		if as, ok := a.(string); ok {
			return as + Stringify(b), nil
		}
		if bs, ok := b.(string); ok {
			return Stringify(a) + bs, nil
		}
	}
	if ad, ok := a.(decimal.Decimal); ok {
		if bd, ok := b.(decimal.Decimal); ok {
			return decimalArith(op, ad, bd)
		}
	}
	af, aok := coerceFloat(a)
	bf, bok := coerceFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("operator %q needs numeric operands, got %s and %s", op, TypeOf(a), TypeOf(b))
	}
	switch op {
	case "+":
		return af + bf, nil
	case "-":
		return af - bf, nil
	case "*":
		return af * bf, nil
	case "/":
		return af / bf, nil
	case "%":
		return math.Mod(af, bf), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func decimalArith(op string, a, b decimal.Decimal) (interface{}, error) {
	switch op {
	case "+":
		return a.Add(b), nil
	case "-":
		return a.Sub(b), nil
	case "*":
		return a.Mul(b), nil
	case "/":
		if b.IsZero() {
			return nil, errors.New("decimal division by zero")
		}
		return a.Div(b), nil
	case "%":
		if b.IsZero() {
			return nil, errors.New("decimal modulo by zero")
		}
		return a.Mod(b), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

// Stringify renders a value for string concatenation and string keyed
// access. Nil renders as "undefined" to match how an absent field reads
// elsewhere in an expression.
func Stringify(v interface{}) string {
	switch value := Unwrap(v).(type) {
	case nil:
		return "undefined"
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case decimal.Decimal:
		return value.String()
	case time.Time:
		return value.Format(time.RFC3339)
	case float64:
		return formatNumber(value)
	case float32:
		return formatNumber(float64(value))
	default:
		if f, ok := toFloat(value); ok {
			return formatNumber(f)
		}
		return fmt.Sprintf("%v", value)
	}
}

// formatNumber renders a float the way scripts expect: integral values
// without a trailing ".0", non-finite values by name.
func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
