package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/accuracy"
	"github.com/ragadmin/backend/internal/groundtruth"
	"github.com/ragadmin/backend/internal/ingestion"
	"github.com/ragadmin/backend/internal/pipeline"
	"github.com/ragadmin/backend/internal/storage/models"
	"github.com/ragadmin/backend/pkg/logger"
)

// GroundTruthStore serves stored ground-truth records for inspection.
type GroundTruthStore interface {
	ValidGroundTruth(employeeID string) ([]*models.GroundTruthRecord, error)
}

type PipelineHandler struct {
	coordinator  *pipeline.Coordinator
	orchestrator *pipeline.Orchestrator
	groundTruth  GroundTruthStore
}

func NewPipelineHandler(coordinator *pipeline.Coordinator, orchestrator *pipeline.Orchestrator, groundTruth GroundTruthStore) *PipelineHandler {
	return &PipelineHandler{
		coordinator:  coordinator,
		orchestrator: orchestrator,
		groundTruth:  groundTruth,
	}
}

// GetStatus reports the gate state the query path consults: whether queries
// are blocked and for roughly how long.
func (h *PipelineHandler) GetStatus(c *fiber.Ctx) error {
	namespaces := h.coordinator.Namespaces()
	status := h.coordinator.CheckPipelineStatus(namespaces)

	states := make([]pipeline.NamespaceState, 0, len(namespaces))
	for _, ns := range namespaces {
		if state, ok := h.coordinator.State(ns); ok {
			states = append(states, state)
		}
	}

	return c.JSON(fiber.Map{
		"blocked":            status.Blocked,
		"blocked_namespaces": status.BlockedNamespaces,
		"estimated_wait_ms":  status.EstimatedWaitMs,
		"schemas_ready":      status.SchemasReady,
		"last_updated":       status.LastUpdated,
		"namespaces":         states,
	})
}

func (h *PipelineHandler) GetSchemas(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"schemas": h.coordinator.Schemas(),
	})
}

// RequestUpdate manually schedules a schema regeneration for a namespace.
func (h *PipelineHandler) RequestUpdate(c *fiber.Ctx) error {
	var req struct {
		Namespace string `json:"namespace"`
		Reason    string `json:"reason"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Namespace == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Namespace is required",
		})
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	h.coordinator.RequestUpdate(req.Namespace, req.Reason, "")

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message":   "Schema update scheduled",
		"namespace": req.Namespace,
	})
}

// RunPipeline starts a full closed-loop run: discovery, ground truth,
// testing and optimization until the target accuracy is reached.
func (h *PipelineHandler) RunPipeline(c *fiber.Ctx) error {
	var req struct {
		Namespaces   []string        `json:"namespaces"`
		HTMLContent  string          `json:"html_content"`
		KeyColumn    string          `json:"key_column"`
		PeriodColumn string          `json:"period_column"`
		SourceDocID  string          `json:"source_doc_id"`
		Tests        []accuracy.Test `json:"tests"`
		DryRun       bool            `json:"dry_run"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	opts := pipeline.RunOptions{
		Namespaces: req.Namespaces,
		Tests:      req.Tests,
		DryRun:     req.DryRun,
	}

	if req.HTMLContent != "" {
		if req.KeyColumn == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "key_column is required with html_content",
			})
		}
		rows, err := ingestion.ExtractTableRows(req.HTMLContent)
		if err != nil {
			logger.Error("Failed to extract source rows", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Failed to extract tables from document",
			})
		}
		opts.SourceRows = rows
		opts.ExtractConfig = groundtruth.ExtractConfig{
			KeyColumn:    req.KeyColumn,
			PeriodColumn: req.PeriodColumn,
			SourceDocID:  req.SourceDocID,
			SkipNullKeys: true,
		}
	}

	report, err := h.orchestrator.Run(c.Context(), opts)
	if err != nil {
		logger.Error("Pipeline run failed", zap.Error(err))
		status := fiber.StatusInternalServerError
		if report == nil {
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(fiber.Map{
			"error":  err.Error(),
			"report": report,
		})
	}

	return c.JSON(fiber.Map{
		"report": report,
	})
}

// GetGroundTruth lists the valid ground-truth records for an employee.
func (h *PipelineHandler) GetGroundTruth(c *fiber.Ctx) error {
	employeeID := c.Params("employeeId")
	if employeeID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Employee ID is required",
		})
	}

	records, err := h.groundTruth.ValidGroundTruth(employeeID)
	if err != nil {
		logger.Error("Failed to load ground truth", zap.Error(err), zap.String("employee_id", employeeID))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load ground truth records",
		})
	}

	return c.JSON(fiber.Map{
		"employee_id": employeeID,
		"records":     records,
		"count":       len(records),
	})
}

func (h *PipelineHandler) GetCurrentRun(c *fiber.Ctx) error {
	report, ok := h.orchestrator.CurrentRun()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No pipeline run recorded",
		})
	}
	return c.JSON(fiber.Map{
		"report": report,
	})
}
