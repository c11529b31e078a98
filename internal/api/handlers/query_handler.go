package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/query"
	"github.com/ragadmin/backend/pkg/logger"
)

type QueryHandler struct {
	queryEngine *query.Engine
}

func NewQueryHandler(queryEngine *query.Engine) *QueryHandler {
	return &QueryHandler{
		queryEngine: queryEngine,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query           string   `json:"query"`
		Namespaces      []string `json:"namespaces"`
		SessionID       string   `json:"session_id"`
		WaitForPipeline bool     `json:"wait_for_pipeline"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if len(req.Namespaces) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one namespace is required",
		})
	}

	queryReq := query.QueryRequest{
		Query:           req.Query,
		Namespaces:      req.Namespaces,
		SessionID:       req.SessionID,
		WaitForPipeline: req.WaitForPipeline,
	}

	response, err := h.queryEngine.ProcessQuery(c.Context(), queryReq)
	if err != nil {
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	if response.Blocked {
		// 423 tells clients the data is mid-refresh, not broken.
		return c.Status(fiber.StatusLocked).JSON(fiber.Map{
			"answer":            response.Answer,
			"blocked":           true,
			"estimated_wait_ms": response.EstimatedWaitMs,
		})
	}

	return c.JSON(fiber.Map{
		"answer":             response.Answer,
		"route":              response.Route,
		"intent":             response.Intent,
		"sources":            response.Sources,
		"calculation":        response.Calculation,
		"field_values":       response.FieldValues,
		"confidence":         response.Confidence,
		"cached":             response.Cached,
		"processing_time_ms": response.ProcessingTimeMs,
	})
}
