package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouteInstant(t *testing.T) {
	r := NewRouter()

	tests := []struct {
		query    string
		category string
	}{
		{"안녕하세요!", "greeting"},
		{"정말 감사합니다", "thanks"},
		{"수고하세요~", "farewell"},
		{"Hello there", "greeting"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			result := r.Route(tt.query)
			require.Equal(t, RouteInstant, result.Route)
			require.Equal(t, tt.category, result.Category)
			require.NotEmpty(t, result.Response)
			require.GreaterOrEqual(t, result.Confidence, 0.9)
		})
	}
}

func TestRouteFallbackOutOfDomain(t *testing.T) {
	r := NewRouter()

	for _, query := range []string{"오늘 날씨 어때?", "로또 번호 알려줘", "삼성전자 주식 전망"} {
		result := r.Route(query)
		require.Equal(t, RouteFallback, result.Route, query)
		require.Equal(t, "out_of_domain", result.Category)
	}
}

func TestRouteClarify(t *testing.T) {
	r := NewRouter()

	for _, query := range []string{"", "얼마?", "뭐야", "?"} {
		result := r.Route(query)
		require.Equal(t, RouteClarify, result.Route, query)
		require.NotEmpty(t, result.ClarifyQuestion)
	}
}

func TestRouteDomainQueriesGoToRAG(t *testing.T) {
	r := NewRouter()

	for _, query := range []string{
		"이번달 수수료 얼마야?",
		"EMP001 직원의 MDRT 달성률 알려줘",
		"2025년 11월 FYC 합계",
	} {
		result := r.Route(query)
		require.Equal(t, RouteRAG, result.Route, query)
	}
}

func TestRouteInstantBeatsFallback(t *testing.T) {
	// Keyword tables are checked in priority order; a greeting with an
	// out-of-domain word still answers instantly.
	result := NewRouter().Route("안녕, 날씨 얘기 말고 수수료 알려줘")
	require.Equal(t, RouteInstant, result.Route)
}
