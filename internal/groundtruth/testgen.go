package groundtruth

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ragadmin/backend/internal/accuracy"
)

type fieldCategory string

const (
	categoryCommission  fieldCategory = "commission"
	categoryFYC         fieldCategory = "fyc"
	categoryContract    fieldCategory = "contract"
	categoryMDRT        fieldCategory = "mdrt"
	categoryIncome      fieldCategory = "income"
	categoryAchievement fieldCategory = "achievement"
	categoryGeneral     fieldCategory = "general"
)

var categoryKeywords = map[fieldCategory][]string{
	categoryCommission:  {"commission", "수수료"},
	categoryFYC:         {"fyc"},
	categoryContract:    {"contract", "계약", "policy"},
	categoryMDRT:        {"mdrt", "cot", "tot"},
	categoryIncome:      {"income", "소득", "salary"},
	categoryAchievement: {"achievement", "달성", "rate", "ratio", "율"},
}

type queryTemplate struct {
	format        string
	requirePeriod bool
}

// Query phrasings per category. Period-parameterized templates are skipped
// for records that carry no period.
var categoryTemplates = map[fieldCategory][]queryTemplate{
	categoryCommission: {
		{format: "%s님의 %s월 수수료는 얼마인가요?", requirePeriod: true},
		{format: "%s님 수수료 알려주세요", requirePeriod: false},
	},
	categoryFYC: {
		{format: "%s님의 %s월 FYC 실적은 얼마인가요?", requirePeriod: true},
		{format: "%s님 FYC 얼마야?", requirePeriod: false},
	},
	categoryContract: {
		{format: "%s님의 %s월 계약 건수 알려주세요", requirePeriod: true},
		{format: "%s님 계약 현황 알려주세요", requirePeriod: false},
	},
	categoryMDRT: {
		{format: "%s님 MDRT까지 얼마 남았나요?", requirePeriod: false},
		{format: "%s님 MDRT 달성 기준 대비 현황 알려주세요", requirePeriod: false},
	},
	categoryIncome: {
		{format: "%s님의 %s월 소득은 얼마인가요?", requirePeriod: true},
		{format: "%s님 소득 알려주세요", requirePeriod: false},
	},
	categoryAchievement: {
		{format: "%s님의 %s월 달성률은 얼마인가요?", requirePeriod: true},
		{format: "%s님 달성률 알려주세요", requirePeriod: false},
	},
	categoryGeneral: {
		{format: "%s님의 정보를 알려주세요", requirePeriod: false},
	},
}

type TestGenConfig struct {
	// MaxTestsPerRecord caps generated tests per ground-truth record.
	MaxTestsPerRecord int
	ValueTolerance    float64
}

// GenerateTests turns ground-truth records into accuracy tests: one query
// per occupied field category, expected values lifted straight from the
// record.
func GenerateTests(records []Record, cfg TestGenConfig) []accuracy.Test {
	maxPerRecord := cfg.MaxTestsPerRecord
	if maxPerRecord <= 0 {
		maxPerRecord = 3
	}

	var tests []accuracy.Test

	for _, record := range records {
		buckets := bucketFields(record)

		count := 0
		for _, category := range categoryOrder {
			fields, ok := buckets[category]
			if !ok || count >= maxPerRecord {
				continue
			}

			test := buildTest(record, category, fields, cfg.ValueTolerance)
			if test == nil {
				continue
			}
			tests = append(tests, *test)
			count++
		}
	}

	return tests
}

var categoryOrder = []fieldCategory{
	categoryMDRT,
	categoryCommission,
	categoryFYC,
	categoryIncome,
	categoryContract,
	categoryAchievement,
	categoryGeneral,
}

func bucketFields(record Record) map[fieldCategory][]string {
	buckets := map[fieldCategory][]string{}
	for name := range record.Fields {
		buckets[categorize(name)] = append(buckets[categorize(name)], name)
	}
	return buckets
}

func categorize(fieldName string) fieldCategory {
	lower := strings.ToLower(fieldName)
	for _, category := range categoryOrder {
		for _, keyword := range categoryKeywords[category] {
			if strings.Contains(lower, keyword) {
				return category
			}
		}
	}
	return categoryGeneral
}

func buildTest(record Record, category fieldCategory, fields []string, tolerance float64) *accuracy.Test {
	template, ok := pickTemplate(category, record.Period != "")
	if !ok {
		return nil
	}

	var query string
	if template.requirePeriod {
		query = fmt.Sprintf(template.format, record.EntityID, monthOf(record.Period))
	} else {
		query = fmt.Sprintf(template.format, record.EntityID)
	}

	test := &accuracy.Test{
		ID:       uuid.New().String(),
		Query:    query,
		Category: string(category),
		TargetEntity: map[string]string{
			"entityId": record.EntityID,
		},
		ExpectedValues: map[string]accuracy.ExpectedValue{},
		ValueTolerance: tolerance,
	}
	if record.Period != "" {
		test.TargetEntity["period"] = record.Period
	}

	for _, field := range fields {
		fv := record.Fields[field]
		expected := accuracy.ExpectedValue{Value: fv.Value.String()}
		if n, numeric := fv.Value.AsNumber(); numeric {
			expected.Number = n
			expected.IsNumeric = true
			expected.Type = "number"
		} else {
			expected.Type = "string"
		}
		test.ExpectedValues[field] = expected
		test.ExpectedFields = append(test.ExpectedFields, field)
	}

	if len(test.ExpectedFields) == 0 {
		return nil
	}
	return test
}

func pickTemplate(category fieldCategory, hasPeriod bool) (queryTemplate, bool) {
	for _, t := range categoryTemplates[category] {
		if t.requirePeriod && !hasPeriod {
			continue
		}
		return t, true
	}
	return queryTemplate{}, false
}

func monthOf(period string) string {
	if len(period) != 6 {
		return period
	}
	month := strings.TrimPrefix(period[4:], "0")
	return month
}
