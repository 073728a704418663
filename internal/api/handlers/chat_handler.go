package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kbgateway/backend/internal/llm"
	"github.com/kbgateway/backend/internal/query"
	"github.com/kbgateway/backend/internal/tenant"
	"github.com/kbgateway/backend/pkg/logger"
)

type Answerer interface {
	Answer(ctx context.Context, tenantKey, question string) (*query.AnswerStream, error)
}

// ChatHandler serves the blocking chat endpoint. Streaming delivery
// lives in WebSocketHandler.
type ChatHandler struct {
	orchestrator Answerer
}

func NewChatHandler(orchestrator Answerer) *ChatHandler {
	return &ChatHandler{orchestrator: orchestrator}
}

func (h *ChatHandler) Chat(c *fiber.Ctx) error {
	var req struct {
		KBName     string `json:"kb_name"`
		UserPrompt string `json:"user_prompt"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
		})
	}

	if req.UserPrompt == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Missing user_prompt",
		})
	}

	// fasthttp's RequestCtx is never cancelled on client disconnect, so
	// an abandoned request runs until the backend stream's own timeout.
	// The websocket path cancels on disconnect; use it for long answers.
	stream, err := h.orchestrator.Answer(c.Context(), req.KBName, req.UserPrompt)
	if err != nil {
		return chatError(c, err)
	}

	content, err := stream.Collect()
	if err != nil {
		return chatError(c, err)
	}

	return c.JSON(fiber.Map{
		"content": content,
		"kb_name": stream.TenantKey,
	})
}

func chatError(c *fiber.Ctx, err error) error {
	if errors.Is(err, tenant.ErrInvalidBackend) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid model ID",
		})
	}

	logger.Error("Chat request failed", zap.Error(err))
	if errors.Is(err, llm.ErrGenerationFailed) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": "Error generating response",
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"message": "Error processing request",
	})
}
