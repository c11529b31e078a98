package calc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMDRTGap(t *testing.T) {
	engine := NewEngine()

	result, err := engine.Evaluate(TypeMDRTGap, map[string]float64{"totalCommission": 40_000_000}, Params{})
	require.NoError(t, err)
	require.Equal(t, 14_000_000.0, result.Value)
	require.Equal(t, 54_000_000.0, result.Breakdown["threshold"])
	require.Equal(t, 40_000_000.0, result.Breakdown["current"])

	result, err = engine.Evaluate(TypeMDRTGap, map[string]float64{"totalCommission": 200_000_000}, Params{Standard: "fycCot"})
	require.NoError(t, err)
	require.Equal(t, -38_000_000.0, result.Value)

	_, err = engine.Evaluate(TypeMDRTGap, map[string]float64{}, Params{})
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "totalCommission", missing.Field)

	_, err = engine.Evaluate(TypeMDRTGap, map[string]float64{"totalCommission": 1}, Params{Standard: "nonsense"})
	require.Error(t, err)
}

func TestPeriodDiff(t *testing.T) {
	engine := NewEngine()

	fields := map[string]float64{
		"totalCommission@202510": 3_000_000,
		"totalCommission@202511": 4_500_000,
	}

	result, err := engine.Evaluate(TypePeriodDiff, fields, Params{
		Field:   "totalCommission",
		PeriodA: "202510",
		PeriodB: "202511",
	})
	require.NoError(t, err)
	require.Equal(t, 1_500_000.0, result.Value)
	require.Equal(t, 3_000_000.0, result.Breakdown["202510"])

	_, err = engine.Evaluate(TypePeriodDiff, fields, Params{
		Field:   "totalCommission",
		PeriodA: "202509",
		PeriodB: "202511",
	})
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
}

func TestAggregations(t *testing.T) {
	engine := NewEngine()
	fields := map[string]float64{"a": 100, "b": 200, "c": 300}

	sum, err := engine.Evaluate(TypeSum, fields, Params{})
	require.NoError(t, err)
	require.Equal(t, 600.0, sum.Value)

	avg, err := engine.Evaluate(TypeAverage, fields, Params{})
	require.NoError(t, err)
	require.Equal(t, 200.0, avg.Value)

	count, err := engine.Evaluate(TypeCount, fields, Params{})
	require.NoError(t, err)
	require.Equal(t, 3.0, count.Value)

	_, err = engine.Evaluate(TypeSum, map[string]float64{}, Params{})
	require.Error(t, err)
}

func TestPercentage(t *testing.T) {
	engine := NewEngine()

	result, err := engine.Evaluate(TypePercentage, map[string]float64{"current": 75}, Params{Target: 150})
	require.NoError(t, err)
	require.Equal(t, 50.0, result.Value)

	result, err = engine.Evaluate(TypePercentage, map[string]float64{"current": 30, "target": 60}, Params{})
	require.NoError(t, err)
	require.Equal(t, 50.0, result.Value)

	_, err = engine.Evaluate(TypePercentage, map[string]float64{"current": 30}, Params{})
	require.Error(t, err)
}

func TestTaxReverse(t *testing.T) {
	engine := NewEngine()

	result, err := engine.Evaluate(TypeTaxReverse, map[string]float64{"netAmount": 967_000}, Params{})
	require.NoError(t, err)
	require.InDelta(t, 1_000_000, result.Value, 1_000)
	require.InDelta(t, result.Value-967_000, result.Breakdown["tax"], 1e-6)

	result, err = engine.Evaluate(TypeTaxReverse, map[string]float64{"netAmount": 900_000}, Params{TaxRate: 0.1})
	require.NoError(t, err)
	require.Equal(t, 1_000_000.0, result.Value)

	_, err = engine.Evaluate(TypeTaxReverse, map[string]float64{"netAmount": 1}, Params{TaxRate: 1.5})
	require.Error(t, err)
}

func TestUnknownCalculation(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Evaluate("median", nil, Params{})
	require.Error(t, err)
}
