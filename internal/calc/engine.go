package calc

import (
	"fmt"
)

// Definition declares a named calculation and the schema fields it needs.
// The schema discoverer uses these to derive per-namespace availability.
type Definition struct {
	Type           string
	Name           string
	Description    string
	RequiredFields []string
}

const (
	TypeMDRTGap    = "mdrt_gap"
	TypePeriodDiff = "period_diff"
	TypeSum        = "sum"
	TypeAverage    = "average"
	TypeCount      = "count"
	TypePercentage = "percentage"
	TypeTaxReverse = "tax_reverse"
)

// Achievement thresholds in KRW. COT is 3x MDRT, TOT is 6x.
var mdrtStandards = map[string]float64{
	"fycMdrt":    54_000_000,
	"fycCot":     162_000_000,
	"fycTot":     324_000_000,
	"incomeMdrt": 94_500_000,
	"incomeCot":  283_500_000,
	"incomeTot":  567_000_000,
}

// Default withholding for freelance solicitors: 3.3% (income tax + local).
const defaultTaxRate = 0.033

func Definitions() []Definition {
	return []Definition{
		{
			Type:           TypeMDRTGap,
			Name:           "MDRT 달성 갭",
			Description:    "Remaining amount until the selected MDRT/COT/TOT standard",
			RequiredFields: []string{"totalCommission"},
		},
		{
			Type:           TypePeriodDiff,
			Name:           "기간 증감",
			Description:    "Difference of a numeric field between two periods",
			RequiredFields: []string{"period"},
		},
		{
			Type:           TypeSum,
			Name:           "합계",
			Description:    "Sum of a numeric field over the retrieved records",
			RequiredFields: nil,
		},
		{
			Type:           TypeAverage,
			Name:           "평균",
			Description:    "Average of a numeric field over the retrieved records",
			RequiredFields: nil,
		},
		{
			Type:           TypeCount,
			Name:           "건수",
			Description:    "Count of retrieved records",
			RequiredFields: nil,
		},
		{
			Type:           TypePercentage,
			Name:           "달성률",
			Description:    "Ratio of a value against a target, as a percentage",
			RequiredFields: nil,
		},
		{
			Type:           TypeTaxReverse,
			Name:           "세전 환산",
			Description:    "Gross amount backed out from a net (after-tax) amount",
			RequiredFields: nil,
		},
	}
}

// MissingFieldError names the specific field a calculation could not run
// without, so responses can explain the gap instead of failing wholesale.
type MissingFieldError struct {
	Calculation string
	Field       string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("calculation %s requires field %q", e.Calculation, e.Field)
}

type NonNumericError struct {
	Calculation string
	Field       string
}

func (e *NonNumericError) Error() string {
	return fmt.Sprintf("calculation %s requires numeric value for field %q", e.Calculation, e.Field)
}

// Result carries either a single number or a named breakdown. Values are not
// rounded; formatting is a presentation concern.
type Result struct {
	Value     float64
	Breakdown map[string]float64
}

// Engine evaluates named calculations against retrieved field values. It is
// stateless; inputs in, result out.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Params carries calculation-specific parameters extracted from the query.
type Params struct {
	Standard string
	Field    string
	PeriodA  string
	PeriodB  string
	Target   float64
	TaxRate  float64
}

func (e *Engine) Evaluate(calcType string, fields map[string]float64, params Params) (*Result, error) {
	switch calcType {
	case TypeMDRTGap:
		return e.mdrtGap(fields, params)
	case TypePeriodDiff:
		return e.periodDiff(fields, params)
	case TypeSum:
		return e.sum(fields)
	case TypeAverage:
		return e.average(fields)
	case TypeCount:
		return &Result{Value: float64(len(fields))}, nil
	case TypePercentage:
		return e.percentage(fields, params)
	case TypeTaxReverse:
		return e.taxReverse(fields, params)
	default:
		return nil, fmt.Errorf("unknown calculation type %q", calcType)
	}
}

func (e *Engine) mdrtGap(fields map[string]float64, params Params) (*Result, error) {
	standard := params.Standard
	if standard == "" {
		standard = "fycMdrt"
	}

	threshold, ok := mdrtStandards[standard]
	if !ok {
		return nil, fmt.Errorf("unknown MDRT standard %q", standard)
	}

	current, ok := fields["totalCommission"]
	if !ok {
		return nil, &MissingFieldError{Calculation: TypeMDRTGap, Field: "totalCommission"}
	}

	gap := threshold - current
	return &Result{
		Value: gap,
		Breakdown: map[string]float64{
			"threshold": threshold,
			"current":   current,
			"gap":       gap,
		},
	}, nil
}

func (e *Engine) periodDiff(fields map[string]float64, params Params) (*Result, error) {
	if params.Field == "" {
		return nil, &MissingFieldError{Calculation: TypePeriodDiff, Field: "field"}
	}

	keyA := params.Field + "@" + params.PeriodA
	keyB := params.Field + "@" + params.PeriodB

	a, ok := fields[keyA]
	if !ok {
		return nil, &MissingFieldError{Calculation: TypePeriodDiff, Field: keyA}
	}
	b, ok := fields[keyB]
	if !ok {
		return nil, &MissingFieldError{Calculation: TypePeriodDiff, Field: keyB}
	}

	return &Result{
		Value: b - a,
		Breakdown: map[string]float64{
			params.PeriodA: a,
			params.PeriodB: b,
			"diff":         b - a,
		},
	}, nil
}

func (e *Engine) sum(fields map[string]float64) (*Result, error) {
	if len(fields) == 0 {
		return nil, &MissingFieldError{Calculation: TypeSum, Field: "values"}
	}

	var total float64
	for _, v := range fields {
		total += v
	}
	return &Result{Value: total}, nil
}

func (e *Engine) average(fields map[string]float64) (*Result, error) {
	if len(fields) == 0 {
		return nil, &MissingFieldError{Calculation: TypeAverage, Field: "values"}
	}

	var total float64
	for _, v := range fields {
		total += v
	}
	return &Result{Value: total / float64(len(fields))}, nil
}

func (e *Engine) percentage(fields map[string]float64, params Params) (*Result, error) {
	current, ok := fields["current"]
	if !ok {
		return nil, &MissingFieldError{Calculation: TypePercentage, Field: "current"}
	}

	target := params.Target
	if target == 0 {
		if t, ok := fields["target"]; ok {
			target = t
		}
	}
	if target == 0 {
		return nil, &MissingFieldError{Calculation: TypePercentage, Field: "target"}
	}

	return &Result{Value: current / target * 100}, nil
}

func (e *Engine) taxReverse(fields map[string]float64, params Params) (*Result, error) {
	net, ok := fields["netAmount"]
	if !ok {
		return nil, &MissingFieldError{Calculation: TypeTaxReverse, Field: "netAmount"}
	}

	rate := params.TaxRate
	if rate == 0 {
		rate = defaultTaxRate
	}
	if rate >= 1 {
		return nil, &NonNumericError{Calculation: TypeTaxReverse, Field: "taxRate"}
	}

	gross := net / (1 - rate)
	return &Result{
		Value: gross,
		Breakdown: map[string]float64{
			"net":   net,
			"gross": gross,
			"tax":   gross - net,
		},
	}, nil
}

// Standards exposes the known MDRT tier table for prompt building.
func Standards() map[string]float64 {
	out := make(map[string]float64, len(mdrtStandards))
	for k, v := range mdrtStandards {
		out[k] = v
	}
	return out
}
