package schema

import (
	"math"
	"regexp"
	"strings"
)

var (
	datePattern    = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])(-\d{2})?$`)
	numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	booleanPattern = regexp.MustCompile(`^(true|false|yes|no|예|아니오)$`)
	periodPattern  = regexp.MustCompile(`^(19|20)\d{2}(0[1-9]|1[0-2])$`)
)

// IsPeriodShaped reports whether a string is a YYYYMM period. Period-shaped
// values are kept as strings and categorized as periods before generic
// inference would otherwise read "202511" as a large number.
func IsPeriodShaped(s string) bool {
	return periodPattern.MatchString(strings.TrimSpace(s))
}

// InferType infers the semantic type of one raw metadata value.
func InferType(raw interface{}) FieldType {
	switch raw.(type) {
	case float64, float32, int, int64:
		return TypeNumber
	case bool:
		return TypeBoolean
	case []interface{}, []string:
		return TypeArray
	}

	s := strings.TrimSpace(FromRaw(raw).String())
	if s == "" {
		return TypeString
	}

	if IsPeriodShaped(s) {
		return TypeString
	}
	if datePattern.MatchString(s) {
		return TypeDate
	}
	if numericPattern.MatchString(strings.ReplaceAll(s, ",", "")) {
		return TypeNumber
	}
	if booleanPattern.MatchString(strings.ToLower(s)) {
		return TypeBoolean
	}

	return TypeString
}

// ResolveTypes collapses the types observed for a field across samples into
// one. A single consistent type wins; any mixed set resolves to string
// unless it is purely numeric. String is the most permissive target, so
// mixed data degrades safely instead of failing numeric parses later.
func ResolveTypes(observed []FieldType) FieldType {
	if len(observed) == 0 {
		return TypeString
	}

	distinct := make(map[FieldType]bool, len(observed))
	for _, t := range observed {
		distinct[t] = true
	}

	if len(distinct) == 1 {
		for t := range distinct {
			return t
		}
	}

	// Mixed observations degrade to string; number survives only when every
	// sample agreed on it.
	return TypeString
}

// ValueConfidence scores how trustworthy one extracted value is. Numbers are
// the highest-signal extraction; values of absurd magnitude are usually
// parse artifacts and get penalized.
func ValueConfidence(v Value) float64 {
	if v.IsNull() {
		return 0.0
	}

	if v.Kind() == KindNumber {
		n, _ := v.AsNumber()
		if math.Abs(n) > 1e12 {
			return 0.95 * 0.8
		}
		return 0.95
	}

	return 0.8
}
