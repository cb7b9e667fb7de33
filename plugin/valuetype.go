package plugin

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ValueType tags the runtime type of a channel value.
type ValueType int

const (
	Unknown ValueType = iota
	Bool
	Int
	Float
	String
	Tuple
	Mapping
)

var valueTypeNames = map[ValueType]string{
	Unknown: "unknown",
	Bool:    "bool",
	Int:     "int",
	Float:   "float",
	String:  "str",
	Tuple:   "tuple",
	Mapping: "dict",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return "ValueType(" + strconv.Itoa(int(t)) + ")"
}

// ParseValueType maps a type name back to its tag.
func ParseValueType(name string) (ValueType, error) {
	for t, n := range valueTypeNames {
		if n == name && t != Unknown {
			return t, nil
		}
	}
	switch name {
	case "boolean":
		return Bool, nil
	case "integer", "s32", "u32":
		return Int, nil
	case "string":
		return String, nil
	}
	return Unknown, Errorf(ErrParse, "value type", "unknown value type %q", name)
}

// TypeOf classifies v. Unsupported values and nil yield Unknown.
func TypeOf(v any) ValueType {
	switch v.(type) {
	case nil:
		return Unknown
	case bool:
		return Bool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Int
	case float32, float64:
		return Float
	case string:
		return String
	case []any:
		return Tuple
	case map[string]any:
		return Mapping
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return Tuple
	case reflect.Map:
		return Mapping
	}
	return Unknown
}

// Coerce converts v to the canonical Go representation of t:
// bool, int, float64, string, []any or map[string]any.
func Coerce(t ValueType, v any) (any, error) {
	switch t {
	case Bool:
		return toBool(v)
	case Int:
		return toInt(v)
	case Float:
		return toFloat(v)
	case String:
		return toString(v)
	case Tuple:
		return toTuple(v)
	case Mapping:
		return toMapping(v)
	}
	if TypeOf(v) == Unknown {
		return nil, mismatch(t, v)
	}
	return v, nil
}

func mismatch(t ValueType, v any) error {
	return &Error{Kind: ErrTypeMismatch, Op: "coerce", Msg: fmt.Sprintf("cannot use %v (%T) as %s", v, v, t)}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, mismatch(Bool, v)
		}
		return b, nil
	}
	if f, err := toFloat(v); err == nil {
		return f != 0, nil
	}
	return false, mismatch(Bool, v)
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int8:
		return int(x), nil
	case int16:
		return int(x), nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint:
		return int(x), nil
	case uint8:
		return int(x), nil
	case uint16:
		return int(x), nil
	case uint32:
		return int(x), nil
	case uint64:
		return int(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err == nil {
			return n, nil
		}
		f, ferr := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if ferr != nil || f != math.Trunc(f) {
			return 0, mismatch(Int, v)
		}
		return int(f), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, mismatch(Int, v)
		}
		return int(n), nil
	}
	f, err := toFloat(v)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, mismatch(Int, v)
	}
	return int(f), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, mismatch(Float, v)
		}
		return f, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, mismatch(Float, v)
		}
		return f, nil
	}
	return 0, mismatch(Float, v)
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case nil:
		return "", mismatch(String, v)
	}
	return FormatText(v), nil
}

func toTuple(v any) ([]any, error) {
	if x, ok := v.([]any); ok {
		return x, nil
	}
	if v == nil {
		return nil, mismatch(Tuple, v)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, mismatch(Tuple, v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func toMapping(v any) (map[string]any, error) {
	if x, ok := v.(map[string]any); ok {
		return x, nil
	}
	if v == nil {
		return nil, mismatch(Mapping, v)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, mismatch(Mapping, v)
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
	}
	return out, nil
}

// FormatText renders v the way channels project values to text when no
// custom projection is installed.
func FormatText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case fmt.Stringer:
		return x.String()
	}
	switch TypeOf(v) {
	case Tuple, Mapping:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
