package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/ingestion"
	"github.com/ragadmin/backend/pkg/logger"
)

type DocumentHandler struct {
	processor *ingestion.Processor
}

func NewDocumentHandler(processor *ingestion.Processor) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		Namespace   string `json:"namespace"`
		DocumentID  string `json:"document_id"`
		HTMLContent string `json:"html_content"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Namespace == "" || req.HTMLContent == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Namespace and HTML content are required",
		})
	}

	docID := req.DocumentID
	if docID == "" {
		docID = ingestion.DocumentID(req.HTMLContent)
	}

	rows, err := h.processor.ProcessDocument(c.Context(), req.Namespace, docID, req.HTMLContent)
	if err != nil {
		logger.Error("Failed to process document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	return c.JSON(fiber.Map{
		"message":     "Document processed; schema update scheduled",
		"document_id": docID,
		"namespace":   req.Namespace,
		"rows":        len(rows),
	})
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	namespace := c.Params("namespace")
	docID := c.Params("id")
	if namespace == "" || docID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Namespace and document id are required",
		})
	}

	if err := h.processor.DeleteDocument(c.Context(), namespace, docID); err != nil {
		logger.Error("Failed to delete document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete document",
		})
	}

	return c.JSON(fiber.Map{
		"message":     "Document removed; ground truth invalidated",
		"document_id": docID,
		"namespace":   namespace,
	})
}
