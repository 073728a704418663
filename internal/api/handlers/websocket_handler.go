package handlers

import (
	"context"
	"errors"
	"io"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kbgateway/backend/pkg/logger"
)

// WebSocketHandler streams answer fragments over a websocket as the
// model produces them, instead of buffering the full completion the
// way the /chat endpoint does.
type WebSocketHandler struct {
	orchestrator Answerer
}

func NewWebSocketHandler(orchestrator Answerer) *WebSocketHandler {
	return &WebSocketHandler{orchestrator: orchestrator}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			KBName  string `json:"kb_name"`
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		if msg.Type != "query" || msg.Content == "" {
			continue
		}

		logger.Info("Processing WebSocket query",
			zap.String("kb_name", msg.KBName),
			zap.String("query", msg.Content),
		)

		err = h.streamAnswer(c, msg.KBName, msg.Content)
		if err != nil {
			logger.Error("Failed to stream answer", zap.Error(err))
			h.sendError(c, "Failed to process query")
		}
	}
}

func (h *WebSocketHandler) streamAnswer(c *websocket.Conn, kbName, question string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.orchestrator.Answer(ctx, kbName, question)
	if err != nil {
		return err
	}

	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if err := h.sendChunk(c, fragment); err != nil {
			// Writer gone; cancel the upstream completion.
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":    "complete",
		"kb_name": stream.TenantKey,
		"run_id":  stream.RunID,
	})
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    "chunk",
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}
