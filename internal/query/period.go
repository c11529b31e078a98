package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PeriodFilter is the temporal constraint extracted from a query. Period is
// YYYYMM; Year is set alone for year-level phrasing like "올해". Both empty
// means the query had no temporal language and retrieval should default to
// the most recent data instead of being over-constrained.
type PeriodFilter struct {
	Period string
	Year   string
}

func (p PeriodFilter) IsZero() bool {
	return p.Period == "" && p.Year == ""
}

var (
	explicitPeriodPattern = regexp.MustCompile(`(\d{4})\s*년\s*(\d{1,2})\s*월`)
	bareMonthPattern      = regexp.MustCompile(`(\d{1,2})\s*월`)
)

var (
	currentMonthWords = []string{"이번달", "이번 달", "금월", "this month"}
	lastMonthWords    = []string{"지난달", "지난 달", "저번달", "저번 달", "전월", "last month"}
	currentYearWords  = []string{"올해", "금년", "this year"}
)

// ExtractPeriod reproduces the period rules exactly:
// explicit YYYY년 MM월 wins; 이번달/지난달 resolve against now; a bare month
// number gets the current year; 올해 alone constrains the year only.
func ExtractPeriod(query string, now time.Time) PeriodFilter {
	if m := explicitPeriodPattern.FindStringSubmatch(query); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 {
			return PeriodFilter{Period: formatPeriod(year, month)}
		}
	}

	lower := strings.ToLower(query)

	for _, w := range currentMonthWords {
		if strings.Contains(lower, w) {
			return PeriodFilter{Period: formatPeriod(now.Year(), int(now.Month()))}
		}
	}

	for _, w := range lastMonthWords {
		if strings.Contains(lower, w) {
			// AddDate normalizes nonexistent days (Mar 31 minus a month
			// lands in March again), so step back by calendar month.
			prev := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, now.Location())
			return PeriodFilter{Period: formatPeriod(prev.Year(), int(prev.Month()))}
		}
	}

	if month, ok := bareMonth(query); ok {
		return PeriodFilter{Period: formatPeriod(now.Year(), month)}
	}

	for _, w := range currentYearWords {
		if strings.Contains(lower, w) {
			return PeriodFilter{Year: strconv.Itoa(now.Year())}
		}
	}

	return PeriodFilter{}
}

func bareMonth(query string) (int, bool) {
	m := bareMonthPattern.FindStringSubmatch(query)
	if m == nil {
		return 0, false
	}

	month, err := strconv.Atoi(m[1])
	if err != nil || month < 1 || month > 12 {
		return 0, false
	}
	return month, true
}

func formatPeriod(year, month int) string {
	return fmt.Sprintf("%04d%02d", year, month)
}
