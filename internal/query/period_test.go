package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractPeriod(t *testing.T) {
	now := time.Date(2025, 11, 15, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		query string
		want  PeriodFilter
	}{
		{"explicit year month", "2025년 11월 수수료 알려줘", PeriodFilter{Period: "202511"}},
		{"explicit with spacing", "2025 년 3 월 실적", PeriodFilter{Period: "202503"}},
		{"current month", "이번달 FYC 얼마야?", PeriodFilter{Period: "202511"}},
		{"last month", "지난달 수수료 합계", PeriodFilter{Period: "202510"}},
		{"last month spaced", "저번 달 실적 보여줘", PeriodFilter{Period: "202510"}},
		{"bare month gets current year", "3월 수수료는?", PeriodFilter{Period: "202503"}},
		{"year only", "올해 MDRT 달성 현황", PeriodFilter{Year: "2025"}},
		{"no temporal language", "수수료 계산 방법 알려줘", PeriodFilter{}},
		{"invalid month falls through", "2025년 13월 실적", PeriodFilter{}},
		{"english current month", "this month commission", PeriodFilter{Period: "202511"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ExtractPeriod(tt.query, now))
		})
	}
}

func TestExtractPeriodExplicitWinsOverRelative(t *testing.T) {
	now := time.Date(2025, 11, 15, 9, 0, 0, 0, time.UTC)
	got := ExtractPeriod("이번달 말고 2025년 9월 수수료", now)
	require.Equal(t, PeriodFilter{Period: "202509"}, got)
}

func TestExtractPeriodLastMonthAtMonthEnd(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"march 31st", time.Date(2025, 3, 31, 9, 0, 0, 0, time.UTC), "202502"},
		{"may 31st", time.Date(2025, 5, 31, 9, 0, 0, 0, time.UTC), "202504"},
		{"july 31st", time.Date(2025, 7, 31, 9, 0, 0, 0, time.UTC), "202506"},
		{"march 29th after february", time.Date(2025, 3, 29, 9, 0, 0, 0, time.UTC), "202502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractPeriod("지난달 수수료 얼마야?", tt.now)
			require.Equal(t, PeriodFilter{Period: tt.want}, got)
		})
	}
}

func TestExtractPeriodLastMonthAcrossYearBoundary(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	got := ExtractPeriod("지난달 실적", now)
	require.Equal(t, PeriodFilter{Period: "202512"}, got)
}

func TestPeriodFilterIsZero(t *testing.T) {
	require.True(t, PeriodFilter{}.IsZero())
	require.False(t, PeriodFilter{Period: "202511"}.IsZero())
	require.False(t, PeriodFilter{Year: "2025"}.IsZero())
}
