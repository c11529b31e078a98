package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the metadata value union. Raw vector metadata is an
// arbitrary JSON bag; FromRaw is the only place untyped input crosses into
// the pipeline.
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindString
	KindBool
	KindArray
)

type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
	arr  []string
}

func Null() Value                { return Value{kind: KindNull} }
func Number(n float64) Value     { return Value{kind: KindNumber, num: n} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Array(items []string) Value { return Value{kind: KindArray, arr: items} }

// FromRaw converts a decoded JSON value into the union. Unknown shapes are
// stringified rather than dropped so discovery still sees the field.
func FromRaw(raw interface{}) Value {
	switch v := raw.(type) {
	case nil:
		return Null()
	case float64:
		return Number(v)
	case float32:
		return Number(float64(v))
	case int:
		return Number(float64(v))
	case int64:
		return Number(float64(v))
	case bool:
		return Bool(v)
	case string:
		if v == "" {
			return Null()
		}
		return String(v)
	case []interface{}:
		items := make([]string, 0, len(v))
		for _, item := range v {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return Array(items)
	case []string:
		return Array(v)
	default:
		return String(fmt.Sprintf("%v", v))
	}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsNumber() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		return ParseNumber(v.str)
	default:
		return 0, false
	}
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsArray() ([]string, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindArray:
		return strings.Join(v.arr, ",")
	default:
		return ""
	}
}

// ParseNumber parses a numeric string, tolerating thousands separators.
func ParseNumber(s string) (float64, bool) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if cleaned == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
