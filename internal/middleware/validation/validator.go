package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(union\s+select|insert\s+into|drop\s+table|exec\s|<script|javascript:|onerror=|onload=)`)
	// Namespace names become Milvus partition names, so the charset is
	// restricted up front.
	namespacePattern = regexp.MustCompile(`^[a-zA-Z0-9가-힣_\-]{1,64}$`)
)

type Config struct {
	MaxQueryLength      int
	MaxNamespaces       int
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.MaxNamespaces == 0 {
		cfg.MaxNamespaces = 10
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "multipart/form-data"}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get("Content-Type")
			if contentType != "" && !contentTypeAllowed(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		path := c.Path()

		if c.Method() == fiber.MethodPost && strings.HasSuffix(path, "/query") {
			if err := validateQueryBody(c, cfg); err != nil {
				return err
			}
		}

		if c.Method() == fiber.MethodPost && strings.HasSuffix(path, "/documents") {
			if err := validateDocumentBody(c, cfg); err != nil {
				return err
			}
		}

		return c.Next()
	}
}

func validateQueryBody(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	query, ok := req["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required and must be a string",
		})
	}

	if len(query) > cfg.MaxQueryLength {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query exceeds maximum length",
		})
	}

	if sqlInjectionPattern.MatchString(query) {
		if cfg.Logger != nil {
			cfg.Logger.Warn("Suspicious query content rejected",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid query content",
		})
	}

	namespaces, _ := req["namespaces"].([]interface{})
	if len(namespaces) > cfg.MaxNamespaces {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Too many namespaces",
		})
	}
	for _, raw := range namespaces {
		ns, isString := raw.(string)
		if !isString || !namespacePattern.MatchString(ns) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid namespace name",
			})
		}
	}

	return nil
}

func validateDocumentBody(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON format",
		})
	}

	namespace, ok := req["namespace"].(string)
	if !ok || !namespacePattern.MatchString(namespace) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "A valid namespace is required",
		})
	}

	content, ok := req["html_content"].(string)
	if !ok || content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "HTML content is required",
		})
	}
	if len(content) > cfg.MaxDocumentSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "Document content exceeds maximum size",
		})
	}

	return nil
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	for _, allowedType := range allowed {
		if strings.Contains(contentType, allowedType) {
			return true
		}
	}
	return false
}
