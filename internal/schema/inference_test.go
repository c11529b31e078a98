package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInferType(t *testing.T) {
	tests := []struct {
		name     string
		raw      interface{}
		expected FieldType
	}{
		{name: "native float", raw: 1234.5, expected: TypeNumber},
		{name: "native int", raw: 42, expected: TypeNumber},
		{name: "native bool", raw: true, expected: TypeBoolean},
		{name: "array", raw: []interface{}{"a", "b"}, expected: TypeArray},
		{name: "numeric string", raw: "1250000", expected: TypeNumber},
		{name: "comma separated number", raw: "1,250,000", expected: TypeNumber},
		{name: "negative decimal string", raw: "-3.14", expected: TypeNumber},
		{name: "date", raw: "2025-11-03", expected: TypeDate},
		{name: "year month date", raw: "2025-11", expected: TypeDate},
		{name: "korean boolean", raw: "예", expected: TypeBoolean},
		{name: "english boolean", raw: "false", expected: TypeBoolean},
		{name: "plain text", raw: "김영희", expected: TypeString},
		{name: "empty string", raw: "", expected: TypeString},
		{name: "period stays string", raw: "202511", expected: TypeString},
		{name: "old period stays string", raw: "199901", expected: TypeString},
		{name: "month 13 is a number", raw: "202513", expected: TypeNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, InferType(tt.raw))
		})
	}
}

func TestIsPeriodShaped(t *testing.T) {
	require.True(t, IsPeriodShaped("202511"))
	require.True(t, IsPeriodShaped(" 202401 "))
	require.False(t, IsPeriodShaped("202513"))
	require.False(t, IsPeriodShaped("180012"))
	require.False(t, IsPeriodShaped("2025-11"))
	require.False(t, IsPeriodShaped("2025111"))
}

func TestResolveTypes(t *testing.T) {
	tests := []struct {
		name     string
		observed []FieldType
		expected FieldType
	}{
		{name: "empty defaults to string", observed: nil, expected: TypeString},
		{name: "all number", observed: []FieldType{TypeNumber, TypeNumber}, expected: TypeNumber},
		{name: "all date", observed: []FieldType{TypeDate, TypeDate, TypeDate}, expected: TypeDate},
		{name: "number and string mix", observed: []FieldType{TypeNumber, TypeString}, expected: TypeString},
		{name: "boolean and number mix", observed: []FieldType{TypeBoolean, TypeNumber}, expected: TypeString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, ResolveTypes(tt.observed))
		})
	}
}

func TestValueConfidence(t *testing.T) {
	require.Equal(t, 0.0, ValueConfidence(Null()))
	require.Equal(t, 0.95, ValueConfidence(Number(1_250_000)))
	require.InDelta(t, 0.76, ValueConfidence(Number(2e12)), 1e-9)
	require.Equal(t, 0.8, ValueConfidence(String("김영희")))
	require.Equal(t, 0.8, ValueConfidence(Bool(true)))
}

func TestParseNumber(t *testing.T) {
	n, ok := ParseNumber("1,250,000")
	require.True(t, ok)
	require.Equal(t, 1250000.0, n)

	_, ok = ParseNumber("백만원")
	require.False(t, ok)
}
