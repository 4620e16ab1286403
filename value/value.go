// Package value defines the dynamic value that crosses the host/script
// boundary: script arguments, script results and event payloads.
//
// A Value is immutable. Arrays copy their elements on construction and on
// access, so a Value may be shared freely between scripts and the host.
package value

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the dynamic type held by a Value.
type Kind int

const (
	// KindNil is the zero Value. It doubles as the "no result" sentinel.
	KindNil Kind = iota
	KindNumber
	KindBool
	KindString
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrUnsupported is returned by FromAny for Go values with no dynamic
// equivalent.
var ErrUnsupported = errors.New("unsupported value type")

// Value is a tagged dynamic value: nil, number, bool, string, or an ordered
// array of values.
type Value struct {
	kind Kind
	num  float64
	b    bool
	str  string
	arr  []Value
}

// Nil returns the empty value.
func Nil() Value { return Value{} }

// Number wraps a float64.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Array builds an array value from the given elements.
func Array(elems ...Value) Value {
	arr := make([]Value, len(elems))
	copy(arr, elems)
	return Value{kind: KindArray, arr: arr}
}

// Kind reports the dynamic type of v.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v is the empty value.
func (v Value) IsNil() bool { return v.kind == KindNil }

// Number converts v to a number. Bools become 1/0, numeric strings are
// parsed, everything else yields 0.
func (v Value) Number() float64 {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Bool converts v to a bool using script truthiness: nil and false are
// false, zero is false, the empty string and empty array are false.
func (v Value) Bool() bool {
	switch v.kind {
	case KindNumber:
		return v.num != 0
	case KindBool:
		return v.b
	case KindString:
		return v.str != ""
	case KindArray:
		return len(v.arr) > 0
	default:
		return false
	}
}

// Len returns the number of array elements or the length of a string.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindString:
		return len(v.str)
	default:
		return 0
	}
}

// Index returns the i-th array element, or Nil when out of range or when v is
// not an array.
func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Nil()
	}
	return v.arr[i]
}

// Elements returns a copy of the array elements.
func (v Value) Elements() []Value {
	if v.kind != KindArray {
		return nil
	}
	out := make([]Value, len(v.arr))
	copy(out, v.arr)
	return out
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v the way scripts see it when converted to text.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.str
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "nil"
	}
}

// FromAny converts decoded configuration data (as produced by viper, JSON or
// YAML decoders) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Nil(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case []string:
		elems := make([]Value, len(t))
		for i, s := range t {
			elems[i] = String(s)
		}
		return Value{kind: KindArray, arr: elems}, nil
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Nil(), fmt.Errorf("index %d: %w", i, err)
			}
			elems[i] = ev
		}
		return Value{kind: KindArray, arr: elems}, nil
	default:
		return Nil(), fmt.Errorf("%w: %T", ErrUnsupported, x)
	}
}

// Any converts v back into plain Go data.
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Any()
		}
		return out
	default:
		return nil
	}
}
