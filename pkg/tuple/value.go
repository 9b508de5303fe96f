package tuple

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind is the runtime type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged union holding one field value of a tuple. The zero Value
// is null. Values are immutable once built; lists and maps must not be
// mutated after they have been wrapped.
type Value struct {
	kind Kind
	str  string
	i    int64
	f    float64
	list []Value
	m    *Map
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// List returns a list value.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// MapValue wraps a nested field map.
func MapValue(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNumber reports whether v is an int or a float.
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// Str returns the string held by v.
func (v Value) Str() (string, error) {
	if v.kind != KindString {
		return "", mismatch(KindString, v.kind)
	}
	return v.str, nil
}

// Int64 returns the integer held by v. Floats are rejected rather than
// truncated.
func (v Value) Int64() (int64, error) {
	if v.kind != KindInt {
		return 0, mismatch(KindInt, v.kind)
	}
	return v.i, nil
}

// Float64 returns v as a float. Integers are widened.
func (v Value) Float64() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	default:
		return 0, mismatch(KindFloat, v.kind)
	}
}

// Values returns the elements of a list value.
func (v Value) Values() ([]Value, error) {
	if v.kind != KindList {
		return nil, mismatch(KindList, v.kind)
	}
	return v.list, nil
}

// Map returns the nested map of a map value.
func (v Value) Map() (*Map, error) {
	if v.kind != KindMap {
		return nil, mismatch(KindMap, v.kind)
	}
	return v.m, nil
}

func mismatch(want, got Kind) error {
	return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, want, got)
}

// String returns the canonical text form of v. It is used for bucket keys,
// partition hashing and document conversion, so it must stay stable.
func (v Value) String() string {
	var sb strings.Builder
	v.writeText(&sb)
	return sb.String()
}

func (v Value) writeText(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindString:
		sb.WriteString(v.str)
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindList:
		sb.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				sb.WriteByte(',')
			}
			e.writeText(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		i := 0
		v.m.Range(func(k string, e Value) bool {
			if i > 0 {
				sb.WriteByte(',')
			}
			i++
			sb.WriteString(k)
			sb.WriteByte(':')
			e.writeText(sb)
			return true
		})
		sb.WriteByte('}')
	}
}

// Any converts v to plain Go values: nil, string, int64, float64, []any and
// map[string]any.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, v.m.Len())
		v.m.Range(func(k string, e Value) bool {
			out[k] = e.Any()
			return true
		})
		return out
	default:
		return nil
	}
}

// FromAny converts a decoded Go value into a Value. Map keys are sorted so
// the resulting field order is deterministic.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Map:
		return MapValue(t), nil
	case string:
		return String(t), nil
	case bool:
		return String(strconv.FormatBool(t)), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Float(float64(t)), nil
		}
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Float(f), nil
	case []any:
		vs := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Null(), err
			}
			vs[i] = v
		}
		return List(vs...), nil
	case []string:
		vs := make([]Value, len(t))
		for i, e := range t {
			vs[i] = String(e)
		}
		return List(vs...), nil
	case map[string]any:
		m, err := mapFromAny(t)
		if err != nil {
			return Null(), err
		}
		return MapValue(m), nil
	default:
		return Null(), fmt.Errorf("%w: unsupported Go type %T", ErrTypeMismatch, x)
	}
}

func mapFromAny(src map[string]any) (*Map, error) {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := NewMap()
	for _, k := range keys {
		v, err := FromAny(src[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		m.Set(k, v)
	}
	return m, nil
}

// rank orders kinds for cross-kind comparisons: null first, then numbers,
// strings, lists and maps.
func (k Kind) rank() int {
	switch k {
	case KindNull:
		return 0
	case KindInt, KindFloat:
		return 1
	case KindString:
		return 2
	case KindList:
		return 3
	default:
		return 4
	}
}

// Compare returns -1, 0 or +1. Numbers compare numerically regardless of
// int/float representation; values of different kinds compare by kind.
func Compare(a, b Value) int {
	if ra, rb := a.kind.rank(), b.kind.rank(); ra != rb {
		return cmpInt(ra, rb)
	}

	switch a.kind {
	case KindNull:
		return 0
	case KindInt, KindFloat:
		if a.kind == KindInt && b.kind == KindInt {
			return cmpInt64(a.i, b.i)
		}
		fa, _ := a.Float64()
		fb, _ := b.Float64()
		return cmpFloat(fa, fb)
	case KindString:
		return strings.Compare(a.str, b.str)
	case KindList:
		for i := 0; i < len(a.list) && i < len(b.list); i++ {
			if c := Compare(a.list[i], b.list[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(a.list), len(b.list))
	default:
		return strings.Compare(a.String(), b.String())
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpFloat sorts NaN before every other number so the order stays total.
func cmpFloat(a, b float64) int {
	switch an, bn := math.IsNaN(a), math.IsNaN(b); {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
