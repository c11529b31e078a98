package query

import (
	"strings"
	"time"

	"github.com/ragadmin/backend/internal/metrics"
)

type Route string

const (
	RouteInstant  Route = "instant"
	RouteRAG      Route = "rag"
	RouteClarify  Route = "clarify"
	RouteFallback Route = "fallback"
)

type RouteResult struct {
	Route            Route   `json:"route"`
	Confidence       float64 `json:"confidence"`
	Category         string  `json:"category"`
	ProcessingTimeMs float64 `json:"processingTimeMs"`
	Response         string  `json:"response,omitempty"`
	ClarifyQuestion  string  `json:"clarifyQuestion,omitempty"`
}

type instantRule struct {
	category string
	keywords []string
	response string
}

// Greetings and thanks dominate low-value traffic; they are answered from
// keyword tables before any embedding or retrieval cost is paid.
var instantRules = []instantRule{
	{
		category: "greeting",
		keywords: []string{"안녕", "하이", "hello", "hi ", "좋은 아침", "반가워"},
		response: "안녕하세요! 수수료, 실적, MDRT 현황 등 문서에 등록된 내용을 질문해 주세요.",
	},
	{
		category: "thanks",
		keywords: []string{"감사", "고마워", "고맙", "thank"},
		response: "도움이 되었다니 다행이에요. 더 필요한 내용이 있으면 언제든 물어보세요.",
	},
	{
		category: "farewell",
		keywords: []string{"잘가", "잘 가", "수고하세요", "bye"},
		response: "수고하셨습니다. 다음에 또 찾아주세요!",
	},
}

var fallbackKeywords = []string{
	"날씨", "주식", "코인", "로또", "게임", "맛집", "weather", "lottery",
}

// Router is the first-pass triage over the raw query text. It never touches
// schema cache state and performs no I/O.
type Router struct{}

func NewRouter() *Router {
	return &Router{}
}

func (r *Router) Route(query string) RouteResult {
	start := time.Now()
	normalized := strings.ToLower(strings.TrimSpace(query))

	result := r.classify(normalized)
	result.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000.0

	metrics.QueryTotal.WithLabelValues(string(result.Route), "routed").Inc()

	return result
}

func (r *Router) classify(normalized string) RouteResult {
	if normalized == "" {
		return RouteResult{
			Route:           RouteClarify,
			Confidence:      0.9,
			Category:        "empty",
			ClarifyQuestion: "무엇이 궁금하신가요? 예: \"이번달 수수료 얼마야?\"",
		}
	}

	for _, rule := range instantRules {
		for _, kw := range rule.keywords {
			if strings.Contains(normalized, kw) {
				return RouteResult{
					Route:      RouteInstant,
					Confidence: 0.95,
					Category:   rule.category,
					Response:   rule.response,
				}
			}
		}
	}

	for _, kw := range fallbackKeywords {
		if strings.Contains(normalized, kw) {
			return RouteResult{
				Route:      RouteFallback,
				Confidence: 0.9,
				Category:   "out_of_domain",
			}
		}
	}

	// Single fragments like "얼마?" carry no retrievable target.
	if isTooAmbiguous(normalized) {
		return RouteResult{
			Route:           RouteClarify,
			Confidence:      0.7,
			Category:        "ambiguous",
			ClarifyQuestion: "어떤 항목을 확인하고 싶으신가요? 기간과 항목을 함께 알려주시면 정확히 찾아드릴게요.",
		}
	}

	return RouteResult{
		Route:      RouteRAG,
		Confidence: 0.6,
		Category:   "domain",
	}
}

var ambiguousFragments = []string{"얼마", "뭐", "뭐야", "언제", "어디", "누구", "how much", "what"}

func isTooAmbiguous(normalized string) bool {
	stripped := strings.TrimRight(normalized, "?!. ")
	if len([]rune(stripped)) <= 1 {
		return true
	}

	for _, fragment := range ambiguousFragments {
		if stripped == fragment {
			return true
		}
	}
	return false
}
