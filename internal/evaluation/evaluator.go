package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/llm"
	"github.com/ragadmin/backend/pkg/logger"
)

const (
	ClassificationIrrelevant    = "irrelevant"
	ClassificationModerate      = "moderate"
	ClassificationFullyRelevant = "fully_relevant"
)

// Scores grades one answer against its reference on a 0..3 scale per
// dimension, the way a human reviewer would.
type Scores struct {
	Relevance        float64 `json:"relevance"`
	Accuracy         float64 `json:"accuracy"`
	Completeness     float64 `json:"completeness"`
	Classification   string  `json:"classification"`
	Reasoning        string  `json:"reasoning"`
	CosineSimilarity float64 `json:"cosineSimilarity"`
}

// Evaluator judges answer quality where exact value comparison cannot: an
// LLM grades the answer against the reference and an embedding similarity
// cross-checks the grade.
type Evaluator struct {
	generator llm.Generator
	embedder  llm.Embedder
}

func NewEvaluator(generator llm.Generator, embedder llm.Embedder) *Evaluator {
	return &Evaluator{
		generator: generator,
		embedder:  embedder,
	}
}

const judgeSystemPrompt = `You grade answers from a document QA assistant for Korean insurance sales data.
Score the answer against the reference on three dimensions from 0 to 3:
relevance (does it address the question), accuracy (do the facts match the
reference), completeness (is anything important missing).
Classify overall as one of: irrelevant, moderate, fully_relevant.
Respond with JSON only:
{"relevance":0,"accuracy":0,"completeness":0,"classification":"","reasoning":""}`

func (e *Evaluator) EvaluateAnswer(ctx context.Context, query, answer, reference string) (*Scores, error) {
	logger.Debug("Evaluating answer", zap.String("query", query))

	userPrompt := fmt.Sprintf("Question: %s\n\nAnswer: %s\n\nReference: %s", query, answer, reference)

	raw, err := e.generator.Generate(ctx, judgeSystemPrompt, userPrompt, llm.GenerateOptions{
		Temperature: 0,
		MaxTokens:   500,
	})
	if err != nil {
		return nil, fmt.Errorf("llm evaluation: %w", err)
	}

	scores, err := parseScores(raw)
	if err != nil {
		return nil, err
	}

	if reference != "" {
		similarity, serr := e.cosineSimilarity(ctx, answer, reference)
		if serr != nil {
			logger.Warn("Failed to calculate cosine similarity", zap.Error(serr))
		} else {
			scores.CosineSimilarity = similarity
		}
	}

	logger.Debug("Answer evaluated",
		zap.String("classification", scores.Classification),
		zap.Float64("relevance", scores.Relevance),
		zap.Float64("cosine_similarity", scores.CosineSimilarity),
	)

	return scores, nil
}

// LowRelevance reports whether scores indicate the retrieval, not the
// generation, is off target.
func LowRelevance(s *Scores) bool {
	if s.Classification == ClassificationIrrelevant {
		return true
	}
	return s.Relevance <= 1 && s.CosineSimilarity > 0 && s.CosineSimilarity < 0.5
}

func parseScores(raw string) (*Scores, error) {
	// Models wrap JSON in fences often enough to strip them first.
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	var scores Scores
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &scores); err != nil {
		return nil, fmt.Errorf("unparseable evaluation response: %w", err)
	}

	switch scores.Classification {
	case ClassificationIrrelevant, ClassificationModerate, ClassificationFullyRelevant:
	default:
		return nil, fmt.Errorf("unknown classification %q", scores.Classification)
	}
	return &scores, nil
}

func (e *Evaluator) cosineSimilarity(ctx context.Context, text1, text2 string) (float64, error) {
	emb1, err := e.embedder.Embed(ctx, text1)
	if err != nil {
		return 0, err
	}

	emb2, err := e.embedder.Embed(ctx, text2)
	if err != nil {
		return 0, err
	}

	return CosineSimilarity(emb1, emb2), nil
}

func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
