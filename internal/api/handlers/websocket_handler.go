package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/pipeline"
	"github.com/ragadmin/backend/internal/query"
	"github.com/ragadmin/backend/pkg/logger"
)

type WebSocketHandler struct {
	queryEngine *query.Engine
	coordinator *pipeline.Coordinator
}

func NewWebSocketHandler(queryEngine *query.Engine, coordinator *pipeline.Coordinator) *WebSocketHandler {
	return &WebSocketHandler{
		queryEngine: queryEngine,
		coordinator: coordinator,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type       string   `json:"type"`
			Content    string   `json:"content"`
			Namespaces []string `json:"namespaces"`
			SessionID  string   `json:"session_id"`
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			logger.Error("Failed to read WebSocket message", zap.Error(err))
			break
		}

		switch msg.Type {
		case "query":
			if err := h.streamQuery(c, msg.Content, msg.Namespaces, msg.SessionID); err != nil {
				logger.Error("Failed to stream response", zap.Error(err))
				h.sendError(c, "Failed to process query")
			}
		case "pipeline_status":
			h.streamPipelineProgress(c, msg.Namespaces)
		}
	}
}

func (h *WebSocketHandler) streamQuery(c *websocket.Conn, queryText string, namespaces []string, sessionID string) error {
	ctx := context.Background()

	req := query.QueryRequest{
		Query:      queryText,
		Namespaces: namespaces,
		SessionID:  sessionID,
	}

	h.sendChunk(c, "status", "질문을 분석하고 있어요...")

	response, err := h.queryEngine.ProcessQuery(ctx, req)
	if err != nil {
		return err
	}

	if response.Blocked {
		return c.WriteJSON(map[string]interface{}{
			"type":              "blocked",
			"content":           response.Answer,
			"estimated_wait_ms": response.EstimatedWaitMs,
		})
	}

	words := splitIntoWords(response.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}
		if err := h.sendChunk(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return h.sendComplete(c, response)
}

// streamPipelineProgress pushes namespace update progress until every
// requested namespace settles, so admin UIs can show live regeneration
// state.
func (h *WebSocketHandler) streamPipelineProgress(c *websocket.Conn, namespaces []string) {
	if len(namespaces) == 0 {
		namespaces = h.coordinator.Namespaces()
	}

	for i := 0; i < 120; i++ {
		status := h.coordinator.CheckPipelineStatus(namespaces)

		states := make(map[string]pipeline.NamespaceState, len(namespaces))
		for _, ns := range namespaces {
			if state, ok := h.coordinator.State(ns); ok {
				states[ns] = state
			}
		}

		err := c.WriteJSON(map[string]interface{}{
			"type":              "pipeline_status",
			"blocked":           status.Blocked,
			"estimated_wait_ms": status.EstimatedWaitMs,
			"states":            states,
		})
		if err != nil {
			return
		}

		if !status.Blocked {
			return
		}
		time.Sleep(time.Second)
	}
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	msg := map[string]interface{}{
		"type":    msgType,
		"content": content,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, response *query.QueryResponse) error {
	msg := map[string]interface{}{
		"type":               "complete",
		"route":              response.Route,
		"sources":            response.Sources,
		"calculation":        response.Calculation,
		"confidence":         response.Confidence,
		"processing_time_ms": response.ProcessingTimeMs,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}

func splitIntoWords(text string) []string {
	words := []string{}
	currentWord := ""

	for _, char := range text {
		if char == ' ' || char == '\n' {
			if currentWord != "" {
				words = append(words, currentWord)
				currentWord = ""
			}
			if char == '\n' {
				words = append(words, "\n")
			}
		} else {
			currentWord += string(char)
		}
	}

	if currentWord != "" {
		words = append(words, currentWord)
	}

	return words
}
